package pgx

import (
	"context"
	"time"

	"github.com/cartahq/carta/backend/pkg/logger"
)

// AbortTenant tombstones the tenant and drops its graph state. The tombstone
// survives so late events for the tenant are skipped, not re-materialized.
func (s *Store) AbortTenant(ctx context.Context, tenantID string) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := s.lockTenantTx(ctx, tx, tenantID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, abortTenantSQL, tenantID); err != nil {
		return err
	}
	for _, sql := range purgeTenantSQL {
		if _, err := tx.Exec(ctx, sql, tenantID); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	logger.Info("[Store] tenant aborted", "tenant", tenantID)
	return nil
}

func (s *Store) TenantAborted(ctx context.Context, tenantID string) (bool, error) {
	if err := s.ensureTenant(ctx, s.conn, tenantID); err != nil {
		return false, err
	}
	var aborted bool
	if err := s.conn.QueryRow(ctx, tenantAbortedSQL, tenantID).Scan(&aborted); err != nil {
		return false, err
	}
	return aborted, nil
}

// NextSeq issues the tenant's next event sequence number.
func (s *Store) NextSeq(ctx context.Context, tenantID string) (uint64, error) {
	if err := s.ensureTenant(ctx, s.conn, tenantID); err != nil {
		return 0, err
	}
	var seq int64
	if err := s.conn.QueryRow(ctx, nextSeqSQL, tenantID).Scan(&seq); err != nil {
		return 0, err
	}
	return uint64(seq), nil
}

func (s *Store) SeenEvent(ctx context.Context, tenantID, stage string, seq uint64) (bool, error) {
	var seen bool
	err := s.conn.QueryRow(ctx, seenEventSQL, tenantID, stage, int64(seq)).Scan(&seen)
	if err != nil {
		return false, err
	}
	return seen, nil
}

func (s *Store) MarkEvent(ctx context.Context, tenantID, stage string, seq uint64) error {
	if err := s.ensureTenant(ctx, s.conn, tenantID); err != nil {
		return err
	}
	_, err := s.conn.Exec(ctx, markEventSQL, tenantID, stage, int64(seq))
	return err
}

func (s *Store) RecordGapAttempt(ctx context.Context, tenantID, key string, at time.Time) error {
	if err := s.ensureTenant(ctx, s.conn, tenantID); err != nil {
		return err
	}
	_, err := s.conn.Exec(ctx, recordGapAttemptSQL, tenantID, key, at)
	return err
}

func (s *Store) LastGapAttempts(ctx context.Context, tenantID string) (map[string]time.Time, error) {
	rows, err := s.conn.Query(ctx, lastGapAttemptsSQL, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var key string
		var at time.Time
		if err := rows.Scan(&key, &at); err != nil {
			return nil, err
		}
		out[key] = at
	}
	return out, rows.Err()
}

const abortTenantSQL = `
UPDATE tenants SET aborted = TRUE WHERE tenant_id = $1;
`

// purgeTenantSQL drops the tenant's pipeline and graph state. Sequence and
// processed-event bookkeeping survive so replayed events stay recognizable.
var purgeTenantSQL = []string{
	`DELETE FROM relation_provenance WHERE tenant_id = $1;`,
	`DELETE FROM relations WHERE tenant_id = $1;`,
	`DELETE FROM node_facts WHERE tenant_id = $1;`,
	`DELETE FROM nodes WHERE tenant_id = $1;`,
	`DELETE FROM provenance WHERE tenant_id = $1;`,
	`DELETE FROM facts WHERE tenant_id = $1;`,
	`DELETE FROM chunks WHERE tenant_id = $1;`,
	`DELETE FROM artifacts WHERE tenant_id = $1;`,
	`DELETE FROM gap_attempts WHERE tenant_id = $1;`,
}

const tenantAbortedSQL = `
SELECT aborted FROM tenants WHERE tenant_id = $1;
`

const nextSeqSQL = `
UPDATE tenants SET seq = seq + 1 WHERE tenant_id = $1 RETURNING seq;
`

const seenEventSQL = `
SELECT EXISTS (
	SELECT 1 FROM processed_events
	WHERE tenant_id = $1 AND stage = $2 AND seq = $3
);
`

const markEventSQL = `
INSERT INTO processed_events (tenant_id, stage, seq)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, stage, seq) DO NOTHING;
`

const recordGapAttemptSQL = `
INSERT INTO gap_attempts (tenant_id, key, last_at)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, key) DO UPDATE SET last_at = EXCLUDED.last_at;
`

const lastGapAttemptsSQL = `
SELECT key, last_at FROM gap_attempts WHERE tenant_id = $1;
`
