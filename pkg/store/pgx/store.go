// Package pgx implements store.GraphStore on PostgreSQL with pgvector.
// Merge writes run in one transaction holding the tenant row lock, so the
// advisory dedupe verdict is re-validated against committed state and
// readers never see a half-applied merge.
package pgx

import (
	"context"
	"time"

	"github.com/cartahq/carta/backend/pkg/dedupe"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

type queryRunner interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

// Store is the Postgres GraphStore.
type Store struct {
	conn     pgxIConn
	resolver *dedupe.Resolver
	now      func() time.Time
}

// NewStoreParams configures a Postgres store. Resolver re-validates advisory
// merge decisions at write time; Now overrides the clock in tests.
type NewStoreParams struct {
	Conn     pgxIConn
	Resolver *dedupe.Resolver
	Now      func() time.Time
}

// NewStore creates a Postgres GraphStore.
func NewStore(params NewStoreParams) *Store {
	resolver := params.Resolver
	if resolver == nil {
		resolver = dedupe.NewResolver(dedupe.NewResolverParams{})
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		conn:     params.Conn,
		resolver: resolver,
		now:      now,
	}
}

// ensureTenant creates the tenant bookkeeping row if absent.
func (s *Store) ensureTenant(ctx context.Context, q queryRunner, tenantID string) error {
	_, err := q.Exec(ctx, ensureTenantSQL, tenantID)
	return err
}

// lockTenantTx takes the tenant's row lock for the duration of the
// transaction. All merge writes of one tenant serialize on it.
func (s *Store) lockTenantTx(ctx context.Context, tx pgxv5.Tx, tenantID string) (bool, error) {
	if err := s.ensureTenant(ctx, tx, tenantID); err != nil {
		return false, err
	}
	var aborted bool
	if err := tx.QueryRow(ctx, lockTenantSQL, tenantID).Scan(&aborted); err != nil {
		return false, err
	}
	return aborted, nil
}

const ensureTenantSQL = `
INSERT INTO tenants (tenant_id)
VALUES ($1)
ON CONFLICT (tenant_id) DO NOTHING;
`

const lockTenantSQL = `
SELECT aborted FROM tenants WHERE tenant_id = $1 FOR UPDATE;
`
