package queue

import (
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Dispatcher runs deliveries on a bounded worker pool while keeping each
// tenant's deliveries strictly ordered. Per-tenant order preserves event
// ordering within a tenant; unrelated tenants proceed in parallel.
type Dispatcher struct {
	pool *ants.Pool

	mu      sync.Mutex
	pending map[string][]func()
	running map[string]bool
}

// NewDispatcher creates a dispatcher with at most size concurrent tenants.
func NewDispatcher(size int) (*Dispatcher, error) {
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		pool:    pool,
		pending: make(map[string][]func()),
		running: make(map[string]bool),
	}, nil
}

// Submit enqueues fn behind the tenant's earlier work. fn runs exactly once;
// deliveries of one tenant never overlap.
func (d *Dispatcher) Submit(tenantID string, fn func()) error {
	d.mu.Lock()
	d.pending[tenantID] = append(d.pending[tenantID], fn)
	if d.running[tenantID] {
		d.mu.Unlock()
		return nil
	}
	d.running[tenantID] = true
	d.mu.Unlock()

	err := d.pool.Submit(func() { d.drain(tenantID) })
	if err != nil {
		d.mu.Lock()
		d.running[tenantID] = false
		d.mu.Unlock()
		return err
	}
	return nil
}

func (d *Dispatcher) drain(tenantID string) {
	for {
		d.mu.Lock()
		queue := d.pending[tenantID]
		if len(queue) == 0 {
			d.running[tenantID] = false
			delete(d.pending, tenantID)
			d.mu.Unlock()
			return
		}
		fn := queue[0]
		d.pending[tenantID] = queue[1:]
		d.mu.Unlock()

		fn()
	}
}

// Release stops the pool. Pending tenant queues are abandoned; unacked
// deliveries return to the broker when the channel closes.
func (d *Dispatcher) Release() {
	d.pool.Release()
}
