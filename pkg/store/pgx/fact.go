package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/dedupe"
	"github.com/cartahq/carta/backend/pkg/logger"
	"github.com/cartahq/carta/backend/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pgvector/pgvector-go"
)

// ActiveFacts returns the tenant's active facts of one type, sorted by fact
// id for deterministic iteration.
func (s *Store) ActiveFacts(ctx context.Context, tenantID string, factType common.FactType) ([]common.Fact, error) {
	return s.activeFacts(ctx, s.conn, tenantID, factType)
}

func (s *Store) activeFacts(ctx context.Context, q queryRunner, tenantID string, factType common.FactType) ([]common.Fact, error) {
	rows, err := q.Query(ctx, activeFactsSQL, tenantID, string(factType))
	if err != nil {
		return nil, err
	}
	facts, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachProvenance(ctx, q, tenantID, facts); err != nil {
		return nil, err
	}
	return facts, nil
}

func (s *Store) GetFact(ctx context.Context, tenantID, factID string) (common.Fact, error) {
	return s.getFact(ctx, s.conn, tenantID, factID)
}

func (s *Store) getFact(ctx context.Context, q queryRunner, tenantID, factID string) (common.Fact, error) {
	rows, err := q.Query(ctx, getFactSQL, tenantID, factID)
	if err != nil {
		return common.Fact{}, err
	}
	facts, err := scanFacts(rows)
	if err != nil {
		return common.Fact{}, err
	}
	if len(facts) == 0 {
		return common.Fact{}, fmt.Errorf("fact %s: %w", factID, store.ErrNotFound)
	}
	if err := s.attachProvenance(ctx, q, tenantID, facts); err != nil {
		return common.Fact{}, err
	}
	return facts[0], nil
}

func scanFacts(rows pgxv5.Rows) ([]common.Fact, error) {
	defer rows.Close()

	var facts []common.Fact
	for rows.Next() {
		var f common.Fact
		var factType, status string
		var payload []byte
		var embedding pgvector.Vector
		err := rows.Scan(
			&f.ID,
			&f.TenantID,
			&factType,
			&payload,
			&f.Confidence,
			&status,
			&f.SupersededBy,
			&embedding,
			&f.CreatedAt,
			&f.LastConfirmed,
		)
		if err != nil {
			return nil, err
		}
		f.Type = common.FactType(factType)
		f.Status = common.FactStatus(status)
		f.Embedding = embedding.Slice()
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &f.Payload); err != nil {
				return nil, err
			}
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func (s *Store) attachProvenance(ctx context.Context, q queryRunner, tenantID string, facts []common.Fact) error {
	if len(facts) == 0 {
		return nil
	}

	ids := make([]string, len(facts))
	byID := make(map[string]*common.Fact, len(facts))
	for i := range facts {
		ids[i] = facts[i].ID
		byID[facts[i].ID] = &facts[i]
	}

	rows, err := q.Query(ctx, factProvenanceSQL, tenantID, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var factID string
		var p common.Provenance
		err := rows.Scan(&factID, &p.ChunkID, &p.ArtifactID, &p.ContentHash, &p.Method, &p.AddedAt)
		if err != nil {
			return err
		}
		if f, ok := byID[factID]; ok {
			f.Provenance = append(f.Provenance, p)
		}
	}
	return rows.Err()
}

// MergeFact applies one chunk to the tenant's graph in a transaction holding
// the tenant row lock. The advisory decision is re-validated against
// committed state before any write; replaying the same chunk yields an
// identical graph.
func (s *Store) MergeFact(
	ctx context.Context,
	chunk common.ContentChunk,
	decision dedupe.Decision,
) (store.MergeResult, error) {
	if chunk.ID == "" || chunk.TenantID == "" {
		return store.MergeResult{}, fmt.Errorf("%w: chunk needs id and tenant", common.ErrGraphInconsistency)
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return store.MergeResult{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := s.lockTenantTx(ctx, tx, chunk.TenantID); err != nil {
		return store.MergeResult{}, err
	}

	candidates, err := s.activeFacts(ctx, tx, chunk.TenantID, chunk.Category)
	if err != nil {
		return store.MergeResult{}, err
	}
	verdict := s.resolver.Resolve(chunk, candidates)
	if verdict != decision {
		logger.Debug("[Store] advisory decision re-resolved",
			"tenant", chunk.TenantID,
			"chunk", chunk.ID,
			"advisory", decision.Kind,
			"final", verdict.Kind,
		)
	}

	var result store.MergeResult
	switch verdict.Kind {
	case dedupe.DecisionDuplicate:
		target, err := s.getFact(ctx, tx, chunk.TenantID, verdict.TargetID)
		if errors.Is(err, store.ErrNotFound) {
			return store.MergeResult{}, fmt.Errorf(
				"%w: duplicate target %s missing", common.ErrGraphInconsistency, verdict.TargetID)
		}
		if err != nil {
			return store.MergeResult{}, err
		}
		return store.MergeResult{Outcome: store.MergeOutcomeDuplicate, Fact: target}, tx.Commit(ctx)

	case dedupe.DecisionNewFact:
		result, err = s.createFactTx(ctx, tx, chunk)

	case dedupe.DecisionMergeInto:
		var target common.Fact
		target, err = s.getFact(ctx, tx, chunk.TenantID, verdict.TargetID)
		if errors.Is(err, store.ErrNotFound) {
			return store.MergeResult{}, fmt.Errorf(
				"%w: merge target %s missing", common.ErrGraphInconsistency, verdict.TargetID)
		}
		if err != nil {
			return store.MergeResult{}, err
		}
		result, err = s.mergeIntoTx(ctx, tx, chunk, target)

	default:
		return store.MergeResult{}, fmt.Errorf(
			"%w: unknown merge decision %q", common.ErrGraphInconsistency, verdict.Kind)
	}
	if err != nil {
		return store.MergeResult{}, err
	}

	canonical, err := s.consolidateTx(ctx, tx, result.Fact)
	if err != nil {
		return store.MergeResult{}, err
	}
	result.Fact = canonical

	return result, tx.Commit(ctx)
}

func provenanceOf(chunk common.ContentChunk) common.Provenance {
	return common.Provenance{
		ChunkID:     chunk.ID,
		ArtifactID:  chunk.ArtifactID,
		ContentHash: chunk.ContentHash,
		Method:      chunk.Method,
		AddedAt:     chunk.ExtractedAt,
	}
}

func (s *Store) createFactTx(ctx context.Context, tx pgxv5.Tx, chunk common.ContentChunk) (store.MergeResult, error) {
	id, err := gonanoid.New()
	if err != nil {
		return store.MergeResult{}, err
	}

	now := s.now()
	fact := common.Fact{
		ID:            id,
		TenantID:      chunk.TenantID,
		Type:          chunk.Category,
		Payload:       chunk.Payload,
		Confidence:    store.ConfidenceFor(1),
		Provenance:    []common.Provenance{provenanceOf(chunk)},
		Status:        common.FactActive,
		Embedding:     chunk.Embedding,
		CreatedAt:     now,
		LastConfirmed: now,
	}

	if err := s.insertFactTx(ctx, tx, fact); err != nil {
		return store.MergeResult{}, err
	}
	if err := s.applyFactTx(ctx, tx, fact); err != nil {
		return store.MergeResult{}, err
	}
	return store.MergeResult{Outcome: store.MergeOutcomeCreated, Fact: fact}, nil
}

func (s *Store) mergeIntoTx(
	ctx context.Context,
	tx pgxv5.Tx,
	chunk common.ContentChunk,
	target common.Fact,
) (store.MergeResult, error) {
	merged, conflict := store.MergePayload(target.Payload, chunk.Payload)
	now := s.now()

	if !conflict {
		target.Payload = merged
		target.Provenance = append(target.Provenance, provenanceOf(chunk))
		target.Confidence = store.ConfidenceFor(len(target.Provenance))
		target.LastConfirmed = now

		if err := s.updateFactTx(ctx, tx, target); err != nil {
			return store.MergeResult{}, err
		}
		if err := s.applyFactTx(ctx, tx, target); err != nil {
			return store.MergeResult{}, err
		}
		return store.MergeResult{Outcome: store.MergeOutcomeMerged, Fact: target}, nil
	}

	// Conflicting non-empty fields: write a superseding revision carrying
	// the union of evidence, never mutate history in place.
	id, err := gonanoid.New()
	if err != nil {
		return store.MergeResult{}, err
	}

	revision := common.Fact{
		ID:            id,
		TenantID:      target.TenantID,
		Type:          target.Type,
		Payload:       merged,
		Provenance:    append(append([]common.Provenance(nil), target.Provenance...), provenanceOf(chunk)),
		Status:        common.FactActive,
		Embedding:     chunk.Embedding,
		CreatedAt:     now,
		LastConfirmed: now,
	}
	revision.Confidence = store.ConfidenceFor(len(revision.Provenance))

	superseded := target
	superseded.Status = common.FactSuperseded
	superseded.SupersededBy = id

	if err := s.supersedeFactTx(ctx, tx, chunk.TenantID, target.ID, id); err != nil {
		return store.MergeResult{}, err
	}
	if _, _, err := s.removeFactFromGraphTx(ctx, tx, chunk.TenantID, target.ID); err != nil {
		return store.MergeResult{}, err
	}
	if err := s.insertFactTx(ctx, tx, revision); err != nil {
		return store.MergeResult{}, err
	}
	if err := s.applyFactTx(ctx, tx, revision); err != nil {
		return store.MergeResult{}, err
	}

	logger.Info("[Store] fact superseded",
		"tenant", revision.TenantID,
		"old", target.ID,
		"new", id,
	)
	return store.MergeResult{
		Outcome:    store.MergeOutcomeSuperseded,
		Fact:       revision,
		Superseded: &superseded,
	}, nil
}

// consolidateTx folds active facts discovered to be duplicates of the
// just-written fact into one canonical record, keeping the earlier-created
// fact id.
func (s *Store) consolidateTx(ctx context.Context, tx pgxv5.Tx, fact common.Fact) (common.Fact, error) {
	for {
		candidates, err := s.activeFacts(ctx, tx, fact.TenantID, fact.Type)
		if err != nil {
			return common.Fact{}, err
		}
		dup := findDuplicate(fact, candidates, s.resolver.Threshold())
		if dup == nil {
			return fact, nil
		}

		canonical, absorbed := fact, *dup
		if absorbed.CreatedAt.Before(canonical.CreatedAt) ||
			(absorbed.CreatedAt.Equal(canonical.CreatedAt) && absorbed.ID < canonical.ID) {
			canonical, absorbed = absorbed, canonical
		}

		for _, p := range absorbed.Provenance {
			if !canonical.HasProvenance(p.ChunkID) {
				canonical.Provenance = append(canonical.Provenance, p)
			}
		}
		merged, _ := store.MergePayload(absorbed.Payload, canonical.Payload)
		canonical.Payload = merged
		canonical.Confidence = store.ConfidenceFor(len(canonical.Provenance))
		if absorbed.LastConfirmed.After(canonical.LastConfirmed) {
			canonical.LastConfirmed = absorbed.LastConfirmed
		}

		if err := s.supersedeFactTx(ctx, tx, canonical.TenantID, absorbed.ID, canonical.ID); err != nil {
			return common.Fact{}, err
		}
		if _, _, err := s.removeFactFromGraphTx(ctx, tx, canonical.TenantID, absorbed.ID); err != nil {
			return common.Fact{}, err
		}
		if err := s.updateFactTx(ctx, tx, canonical); err != nil {
			return common.Fact{}, err
		}
		if err := s.applyFactTx(ctx, tx, canonical); err != nil {
			return common.Fact{}, err
		}

		logger.Info("[Store] duplicate facts consolidated",
			"tenant", canonical.TenantID,
			"canonical", canonical.ID,
			"absorbed", absorbed.ID,
		)
		fact = canonical
	}
}

func findDuplicate(fact common.Fact, candidates []common.Fact, threshold float64) *common.Fact {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	for i := range candidates {
		other := &candidates[i]
		if other.ID == fact.ID {
			continue
		}
		if sharesContentHash(fact, *other) {
			return other
		}
		if dedupe.Cosine(fact.Embedding, other.Embedding) >= threshold {
			return other
		}
	}
	return nil
}

func sharesContentHash(a, b common.Fact) bool {
	for _, p := range a.Provenance {
		if p.ContentHash != "" && b.HasContentHash(p.ContentHash) {
			return true
		}
	}
	return false
}

// RetractFact retracts a fact by tenant request and cascades the removal to
// nodes whose sole support it was. The fact itself survives as a retracted
// record for the audit trail.
func (s *Store) RetractFact(ctx context.Context, tenantID, factID string) (store.RetractResult, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return store.RetractResult{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := s.lockTenantTx(ctx, tx, tenantID); err != nil {
		return store.RetractResult{}, err
	}

	fact, err := s.getFact(ctx, tx, tenantID, factID)
	if err != nil {
		return store.RetractResult{}, err
	}
	if fact.Status == common.FactRetracted {
		return store.RetractResult{Fact: fact}, tx.Commit(ctx)
	}

	fact.Status = common.FactRetracted
	if _, err := tx.Exec(ctx, setFactStatusSQL, tenantID, factID, string(common.FactRetracted)); err != nil {
		return store.RetractResult{}, err
	}
	removedNodes, removedRelations, err := s.removeFactFromGraphTx(ctx, tx, tenantID, factID)
	if err != nil {
		return store.RetractResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.RetractResult{}, err
	}

	logger.Info("[Store] fact retracted",
		"tenant", tenantID,
		"fact", factID,
		"removed_nodes", len(removedNodes),
		"removed_relations", removedRelations,
	)
	return store.RetractResult{
		Fact:             fact,
		RemovedNodes:     removedNodes,
		RemovedRelations: removedRelations,
	}, nil
}

func (s *Store) insertFactTx(ctx context.Context, tx pgxv5.Tx, fact common.Fact) error {
	payload, err := json.Marshal(fact.Payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, insertFactSQL,
		fact.TenantID,
		fact.ID,
		string(fact.Type),
		payload,
		fact.Confidence,
		string(fact.Status),
		fact.SupersededBy,
		pgvector.NewVector(fact.Embedding),
		fact.CreatedAt,
		fact.LastConfirmed,
	)
	if err != nil {
		return err
	}
	return s.insertProvenanceTx(ctx, tx, fact)
}

func (s *Store) updateFactTx(ctx context.Context, tx pgxv5.Tx, fact common.Fact) error {
	payload, err := json.Marshal(fact.Payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, updateFactSQL,
		fact.TenantID,
		fact.ID,
		payload,
		fact.Confidence,
		fact.LastConfirmed,
	)
	if err != nil {
		return err
	}
	return s.insertProvenanceTx(ctx, tx, fact)
}

func (s *Store) insertProvenanceTx(ctx context.Context, tx pgxv5.Tx, fact common.Fact) error {
	for _, p := range fact.Provenance {
		_, err := tx.Exec(ctx, insertProvenanceSQL,
			fact.TenantID, fact.ID, p.ChunkID, p.ArtifactID, p.ContentHash, p.Method, p.AddedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) supersedeFactTx(ctx context.Context, tx pgxv5.Tx, tenantID, factID, supersededBy string) error {
	_, err := tx.Exec(ctx, supersedeFactSQL, tenantID, factID, supersededBy)
	return err
}

const activeFactsSQL = `
SELECT id, tenant_id, type, payload, confidence, status, superseded_by,
       embedding, created_at, last_confirmed
FROM facts
WHERE tenant_id = $1 AND type = $2 AND status = 'active'
ORDER BY id;
`

const getFactSQL = `
SELECT id, tenant_id, type, payload, confidence, status, superseded_by,
       embedding, created_at, last_confirmed
FROM facts
WHERE tenant_id = $1 AND id = $2;
`

const factProvenanceSQL = `
SELECT fact_id, chunk_id, artifact_id, content_hash, method, added_at
FROM provenance
WHERE tenant_id = $1 AND fact_id = ANY($2)
ORDER BY fact_id, added_at, chunk_id;
`

const insertFactSQL = `
INSERT INTO facts (tenant_id, id, type, payload, confidence, status,
                   superseded_by, embedding, created_at, last_confirmed)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`

const updateFactSQL = `
UPDATE facts
SET payload = $3, confidence = $4, last_confirmed = $5
WHERE tenant_id = $1 AND id = $2;
`

const insertProvenanceSQL = `
INSERT INTO provenance (tenant_id, fact_id, chunk_id, artifact_id, content_hash, method, added_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id, fact_id, chunk_id) DO NOTHING;
`

const supersedeFactSQL = `
UPDATE facts
SET status = 'superseded', superseded_by = $3
WHERE tenant_id = $1 AND id = $2;
`

const setFactStatusSQL = `
UPDATE facts
SET status = $3
WHERE tenant_id = $1 AND id = $2;
`
