package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
)

// CreateArtifact registers a received artifact. Re-creating an existing id
// is a no-op so ingestion replays stay idempotent.
func (s *Store) CreateArtifact(ctx context.Context, artifact common.Artifact) error {
	if artifact.ID == "" || artifact.TenantID == "" {
		return fmt.Errorf("%w: artifact needs id and tenant", common.ErrInvalidArtifact)
	}
	if artifact.State == "" {
		artifact.State = common.ArtifactReceived
	}
	if artifact.IngestedAt.IsZero() {
		artifact.IngestedAt = s.now()
	}
	if err := s.ensureTenant(ctx, s.conn, artifact.TenantID); err != nil {
		return err
	}
	_, err := s.conn.Exec(ctx, insertArtifactSQL,
		artifact.TenantID,
		artifact.ID,
		artifact.StorageRef,
		artifact.MimeType,
		string(artifact.Source),
		string(artifact.State),
		artifact.IngestedAt,
	)
	return err
}

func (s *Store) GetArtifact(ctx context.Context, tenantID, artifactID string) (common.Artifact, error) {
	return s.getArtifact(ctx, s.conn, tenantID, artifactID)
}

func (s *Store) getArtifact(ctx context.Context, q queryRunner, tenantID, artifactID string) (common.Artifact, error) {
	var a common.Artifact
	var source, state string
	err := q.QueryRow(ctx, getArtifactSQL, tenantID, artifactID).Scan(
		&a.ID,
		&a.TenantID,
		&a.StorageRef,
		&a.MimeType,
		&source,
		&state,
		&a.FailedStage,
		&a.FailureReason,
		&a.NoContent,
		&a.IngestedAt,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return common.Artifact{}, fmt.Errorf("artifact %s: %w", artifactID, store.ErrNotFound)
		}
		return common.Artifact{}, err
	}
	a.Source = common.SourceKind(source)
	a.State = common.ArtifactState(state)
	return a, nil
}

// TransitionArtifact moves the artifact along its state machine. A move to
// the state the artifact is already in is a no-op; anything else outside the
// machine is rejected.
func (s *Store) TransitionArtifact(ctx context.Context, tenantID, artifactID string, to common.ArtifactState) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	a, err := s.getArtifact(ctx, tx, tenantID, artifactID)
	if err != nil {
		return err
	}
	if a.State == to {
		return tx.Commit(ctx)
	}
	if !common.CanTransition(a.State, to) {
		return fmt.Errorf("%w: artifact %s cannot move %s -> %s",
			common.ErrGraphInconsistency, artifactID, a.State, to)
	}
	if _, err := tx.Exec(ctx, setArtifactStateSQL, tenantID, artifactID, string(to)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FailArtifact terminally fails the artifact, recording the stage it failed
// in and the user-visible reason category. Failing an already failed
// artifact is a no-op.
func (s *Store) FailArtifact(ctx context.Context, tenantID, artifactID string, stage common.ArtifactState, reason string) error {
	tag, err := s.conn.Exec(ctx, failArtifactSQL,
		tenantID, artifactID, string(common.ArtifactFailed), string(stage), reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.getArtifact(ctx, s.conn, tenantID, artifactID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) MarkArtifactNoContent(ctx context.Context, tenantID, artifactID string) error {
	tag, err := s.conn.Exec(ctx, markArtifactNoContentSQL, tenantID, artifactID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("artifact %s: %w", artifactID, store.ErrNotFound)
	}
	return nil
}

const insertArtifactSQL = `
INSERT INTO artifacts (tenant_id, id, storage_ref, mime_type, source, state, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id, id) DO NOTHING;
`

const getArtifactSQL = `
SELECT id, tenant_id, storage_ref, mime_type, source, state,
       failed_stage, failure_reason, no_content, ingested_at
FROM artifacts
WHERE tenant_id = $1 AND id = $2;
`

const setArtifactStateSQL = `
UPDATE artifacts
SET state = $3
WHERE tenant_id = $1 AND id = $2;
`

const failArtifactSQL = `
UPDATE artifacts
SET state = $3, failed_stage = $4, failure_reason = $5
WHERE tenant_id = $1 AND id = $2 AND state <> $3;
`

const markArtifactNoContentSQL = `
UPDATE artifacts
SET no_content = TRUE
WHERE tenant_id = $1 AND id = $2;
`
