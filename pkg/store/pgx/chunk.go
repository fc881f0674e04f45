package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// SaveChunks persists extracted chunks. Chunks are immutable; saving an
// already known chunk id is a no-op.
func (s *Store) SaveChunks(ctx context.Context, chunks []common.ContentChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, chunk := range chunks {
		if chunk.TenantID == "" || chunk.ID == "" {
			return fmt.Errorf("%w: chunk needs id and tenant", common.ErrGraphInconsistency)
		}
		if err := s.ensureTenant(ctx, tx, chunk.TenantID); err != nil {
			return err
		}
		payload, err := json.Marshal(chunk.Payload)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, insertChunkSQL,
			chunk.TenantID,
			chunk.ID,
			chunk.ArtifactID,
			string(chunk.Category),
			payload,
			chunk.Text,
			chunk.NormalizedText,
			chunk.ContentHash,
			chunk.Span.Start,
			chunk.Span.End,
			pgvector.NewVector(chunk.Embedding),
			chunk.Method,
			chunk.ExtractedAt,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetChunk(ctx context.Context, tenantID, chunkID string) (common.ContentChunk, error) {
	return s.getChunk(ctx, s.conn, tenantID, chunkID)
}

func (s *Store) getChunk(ctx context.Context, q queryRunner, tenantID, chunkID string) (common.ContentChunk, error) {
	var c common.ContentChunk
	var category string
	var payload []byte
	var embedding pgvector.Vector
	err := q.QueryRow(ctx, getChunkSQL, tenantID, chunkID).Scan(
		&c.ID,
		&c.ArtifactID,
		&c.TenantID,
		&category,
		&payload,
		&c.Text,
		&c.NormalizedText,
		&c.ContentHash,
		&c.Span.Start,
		&c.Span.End,
		&embedding,
		&c.Method,
		&c.ExtractedAt,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return common.ContentChunk{}, fmt.Errorf("chunk %s: %w", chunkID, store.ErrNotFound)
		}
		return common.ContentChunk{}, err
	}
	c.Category = common.FactType(category)
	c.Embedding = embedding.Slice()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &c.Payload); err != nil {
			return common.ContentChunk{}, err
		}
	}
	return c, nil
}

// MarkChunkMerged records that the chunk completed the merge stage and
// returns how many sibling chunks of the same artifact still await merging.
func (s *Store) MarkChunkMerged(ctx context.Context, tenantID, chunkID string) (int, error) {
	var remaining int
	err := s.conn.QueryRow(ctx, markChunkMergedSQL, tenantID, chunkID).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return 0, fmt.Errorf("chunk %s: %w", chunkID, store.ErrNotFound)
		}
		return 0, err
	}
	return remaining, nil
}

const insertChunkSQL = `
INSERT INTO chunks (tenant_id, id, artifact_id, category, payload, text,
                    normalized_text, content_hash, span_start, span_end,
                    embedding, method, extracted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (tenant_id, id) DO NOTHING;
`

const getChunkSQL = `
SELECT id, artifact_id, tenant_id, category, payload, text, normalized_text,
       content_hash, span_start, span_end, embedding, method, extracted_at
FROM chunks
WHERE tenant_id = $1 AND id = $2;
`

const markChunkMergedSQL = `
WITH marked AS (
	UPDATE chunks
	SET merged = TRUE
	WHERE tenant_id = $1 AND id = $2
	RETURNING artifact_id
)
SELECT (
	SELECT count(*)::int
	FROM chunks c
	WHERE c.tenant_id = $1 AND c.artifact_id = m.artifact_id AND NOT c.merged
)
FROM marked m;
`
