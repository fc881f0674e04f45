package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/dedupe"
	"github.com/cartahq/carta/backend/pkg/logger"
	"github.com/cartahq/carta/backend/pkg/store"
)

// MergeFact applies one chunk to the tenant's graph under the tenant lock.
// The advisory decision is re-validated against current state before any
// write; replaying the same chunk yields an identical graph.
func (s *Store) MergeFact(
	ctx context.Context,
	chunk common.ContentChunk,
	decision dedupe.Decision,
) (store.MergeResult, error) {
	if chunk.ID == "" || chunk.TenantID == "" {
		return store.MergeResult{}, fmt.Errorf("%w: chunk needs id and tenant", common.ErrGraphInconsistency)
	}

	t := s.tenant(chunk.TenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if stored, ok := t.chunks[chunk.ID]; ok && stored.TenantID != chunk.TenantID {
		return store.MergeResult{}, fmt.Errorf(
			"%w: chunk %s belongs to another tenant", common.ErrPermissionDenied, chunk.ID)
	}

	// The advisory decision may be stale by the time the lock is held.
	// Re-resolve against current active facts; resolution is deterministic
	// so an up-to-date advisory verdict survives unchanged.
	candidates := make([]common.Fact, 0)
	for _, f := range t.facts {
		if f.Status == common.FactActive && f.Type == chunk.Category {
			candidates = append(candidates, cloneFact(f))
		}
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

	switch verdict.Kind {
	case dedupe.DecisionDuplicate:
		target := t.facts[verdict.TargetID]
		if target == nil {
			return store.MergeResult{}, fmt.Errorf(
				"%w: duplicate target %s missing", common.ErrGraphInconsistency, verdict.TargetID)
		}
		return store.MergeResult{Outcome: store.MergeOutcomeDuplicate, Fact: cloneFact(target)}, nil

	case dedupe.DecisionNewFact:
		return s.createFactLocked(t, chunk)

	case dedupe.DecisionMergeInto:
		target := t.facts[verdict.TargetID]
		if target == nil {
			return store.MergeResult{}, fmt.Errorf(
				"%w: merge target %s missing", common.ErrGraphInconsistency, verdict.TargetID)
		}
		return s.mergeIntoLocked(t, chunk, target)
	}

	return store.MergeResult{}, fmt.Errorf(
		"%w: unknown merge decision %q", common.ErrGraphInconsistency, verdict.Kind)
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

func (s *Store) createFactLocked(t *tenantState, chunk common.ContentChunk) (store.MergeResult, error) {
	id, err := newID()
	if err != nil {
		return store.MergeResult{}, err
	}

	now := s.now()
	payload := make(map[string]string, len(chunk.Payload))
	for k, v := range chunk.Payload {
		payload[k] = v
	}

	fact := &common.Fact{
		ID:            id,
		TenantID:      chunk.TenantID,
		Type:          chunk.Category,
		Payload:       payload,
		Confidence:    store.ConfidenceFor(1),
		Provenance:    []common.Provenance{provenanceOf(chunk)},
		Status:        common.FactActive,
		Embedding:     append([]float32(nil), chunk.Embedding...),
		CreatedAt:     now,
		LastConfirmed: now,
	}
	if len(fact.Provenance) == 0 {
		return store.MergeResult{}, fmt.Errorf(
			"%w: fact %s would have no provenance", common.ErrGraphInconsistency, id)
	}

	t.facts[id] = fact
	if err := s.applyFactLocked(t, fact); err != nil {
		delete(t.facts, id)
		return store.MergeResult{}, err
	}
	fact = s.consolidateLocked(t, fact)
	return store.MergeResult{Outcome: store.MergeOutcomeCreated, Fact: cloneFact(fact)}, nil
}

func (s *Store) mergeIntoLocked(
	t *tenantState,
	chunk common.ContentChunk,
	target *common.Fact,
) (store.MergeResult, error) {
	merged, conflict := store.MergePayload(target.Payload, chunk.Payload)
	now := s.now()

	if !conflict {
		target.Payload = merged
		target.Provenance = append(target.Provenance, provenanceOf(chunk))
		target.Confidence = store.ConfidenceFor(len(target.Provenance))
		target.LastConfirmed = now

		if err := s.applyFactLocked(t, target); err != nil {
			return store.MergeResult{}, err
		}
		target = s.consolidateLocked(t, target)
		return store.MergeResult{Outcome: store.MergeOutcomeMerged, Fact: cloneFact(target)}, nil
	}

	// Conflicting non-empty fields: write a superseding revision carrying
	// the union of evidence, never mutate history in place.
	id, err := newID()
	if err != nil {
		return store.MergeResult{}, err
	}

	revision := &common.Fact{
		ID:            id,
		TenantID:      target.TenantID,
		Type:          target.Type,
		Payload:       merged,
		Provenance:    append(append([]common.Provenance(nil), target.Provenance...), provenanceOf(chunk)),
		Status:        common.FactActive,
		Embedding:     append([]float32(nil), chunk.Embedding...),
		CreatedAt:     now,
		LastConfirmed: now,
	}
	revision.Confidence = store.ConfidenceFor(len(revision.Provenance))
	if len(revision.Provenance) == 0 {
		return store.MergeResult{}, fmt.Errorf(
			"%w: revision %s would have no provenance", common.ErrGraphInconsistency, id)
	}

	superseded := cloneFact(target)
	target.Status = common.FactSuperseded
	target.SupersededBy = id
	superseded.Status = common.FactSuperseded
	superseded.SupersededBy = id

	t.facts[id] = revision
	s.removeFactFromGraphLocked(t, target.ID)
	if err := s.applyFactLocked(t, revision); err != nil {
		return store.MergeResult{}, err
	}
	revision = s.consolidateLocked(t, revision)

	logger.Info("[Store] fact superseded",
		"tenant", revision.TenantID,
		"old", target.ID,
		"new", id,
	)
	return store.MergeResult{
		Outcome:    store.MergeOutcomeSuperseded,
		Fact:       cloneFact(revision),
		Superseded: &superseded,
	}, nil
}

// consolidateLocked folds active facts discovered to be duplicates of the
// just-written fact into one canonical record. Two concurrent chunks can
// legitimately found or extend two facts that are duplicates of each other;
// once the store sees both, the earlier-created fact id stays canonical and
// absorbs the other's provenance and graph edges.
func (s *Store) consolidateLocked(t *tenantState, fact *common.Fact) *common.Fact {
	for {
		dup := s.findDuplicateLocked(t, fact)
		if dup == nil {
			return fact
		}

		canonical, absorbed := fact, dup
		if absorbed.CreatedAt.Before(canonical.CreatedAt) ||
			(absorbed.CreatedAt.Equal(canonical.CreatedAt) && absorbed.ID < canonical.ID) {
			canonical, absorbed = absorbed, canonical
		}

		for _, p := range absorbed.Provenance {
			if !canonical.HasProvenance(p.ChunkID) {
				canonical.Provenance = append(canonical.Provenance, p)
			}
		}
		// Canonical fields win; the absorbed fact only fills blanks.
		merged, _ := store.MergePayload(absorbed.Payload, canonical.Payload)
		canonical.Payload = merged
		canonical.Confidence = store.ConfidenceFor(len(canonical.Provenance))
		if absorbed.LastConfirmed.After(canonical.LastConfirmed) {
			canonical.LastConfirmed = absorbed.LastConfirmed
		}

		absorbed.Status = common.FactSuperseded
		absorbed.SupersededBy = canonical.ID
		s.removeFactFromGraphLocked(t, absorbed.ID)
		if err := s.applyFactLocked(t, canonical); err != nil {
			logger.Error("[Store] duplicate consolidation failed",
				"tenant", canonical.TenantID, "fact", canonical.ID, "error", err)
			return canonical
		}

		logger.Info("[Store] duplicate facts consolidated",
			"tenant", canonical.TenantID,
			"canonical", canonical.ID,
			"absorbed", absorbed.ID,
		)
		fact = canonical
	}
}

func (s *Store) findDuplicateLocked(t *tenantState, fact *common.Fact) *common.Fact {
	ids := make([]string, 0, len(t.facts))
	for id := range t.facts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		other := t.facts[id]
		if other.ID == fact.ID || other.Status != common.FactActive ||
			other.TenantID != fact.TenantID || other.Type != fact.Type {
			continue
		}
		if sharesContentHash(fact, other) {
			return other
		}
		if dedupe.Cosine(fact.Embedding, other.Embedding) >= s.resolver.Threshold() {
			return other
		}
	}
	return nil
}

func sharesContentHash(a, b *common.Fact) bool {
	for _, p := range a.Provenance {
		if p.ContentHash != "" && b.HasContentHash(p.ContentHash) {
			return true
		}
	}
	return false
}

// applyFactLocked materializes the fact's nodes and edges. Nodes upsert by
// natural key; relations upsert by (kind, from, to) and only when both
// endpoints exist.
func (s *Store) applyFactLocked(t *tenantState, fact *common.Fact) error {
	nodes, relations := store.MaterializeFact(*fact)

	for _, spec := range nodes {
		node, ok := t.nodes[spec.Key]
		if !ok {
			id, err := newID()
			if err != nil {
				return err
			}
			node = &common.Node{
				ID:       id,
				TenantID: fact.TenantID,
				Kind:     spec.Kind,
				Key:      spec.Key,
				Label:    spec.Label,
			}
			t.nodes[spec.Key] = node
		}
		if !containsString(node.FactIDs, fact.ID) {
			node.FactIDs = append(node.FactIDs, fact.ID)
		}
	}

	for _, spec := range relations {
		from, okFrom := t.nodes[spec.FromKey]
		to, okTo := t.nodes[spec.ToKey]
		if !okFrom || !okTo {
			continue
		}

		relKey := string(spec.Kind) + "|" + spec.FromKey + "|" + spec.ToKey
		rel, ok := t.relations[relKey]
		if !ok {
			id, err := newID()
			if err != nil {
				return err
			}
			rel = &common.Relation{
				ID:       id,
				TenantID: fact.TenantID,
				Kind:     spec.Kind,
				FromID:   from.ID,
				ToID:     to.ID,
			}
			t.relations[relKey] = rel
		}
		last := fact.Provenance[len(fact.Provenance)-1]
		if !relationHasProvenance(rel, last.ChunkID) {
			rel.Provenance = append(rel.Provenance, last)
		}
	}

	return nil
}

// removeFactFromGraphLocked detaches the fact from every node. Nodes left
// without support are removed along with their relations.
func (s *Store) removeFactFromGraphLocked(t *tenantState, factID string) ([]string, int) {
	var removedNodes []string
	removedRelations := 0

	for key, node := range t.nodes {
		node.FactIDs = removeString(node.FactIDs, factID)
		if len(node.FactIDs) > 0 {
			continue
		}
		delete(t.nodes, key)
		removedNodes = append(removedNodes, node.ID)

		for relKey, rel := range t.relations {
			if rel.FromID == node.ID || rel.ToID == node.ID {
				delete(t.relations, relKey)
				removedRelations++
			}
		}
	}

	return removedNodes, removedRelations
}

// RetractFact retracts a fact by tenant request and cascades the removal to
// nodes whose sole support it was. The fact itself survives as a retracted
// record for the audit trail.
func (s *Store) RetractFact(ctx context.Context, tenantID, factID string) (store.RetractResult, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	fact, ok := t.facts[factID]
	if !ok {
		return store.RetractResult{}, fmt.Errorf("fact %s: %w", factID, store.ErrNotFound)
	}
	if fact.TenantID != tenantID {
		return store.RetractResult{}, fmt.Errorf(
			"%w: fact %s belongs to another tenant", common.ErrPermissionDenied, factID)
	}
	if fact.Status == common.FactRetracted {
		return store.RetractResult{Fact: cloneFact(fact)}, nil
	}

	fact.Status = common.FactRetracted
	removedNodes, removedRelations := s.removeFactFromGraphLocked(t, factID)

	logger.Info("[Store] fact retracted",
		"tenant", tenantID,
		"fact", factID,
		"removed_nodes", len(removedNodes),
		"removed_relations", removedRelations,
	)
	return store.RetractResult{
		Fact:             cloneFact(fact),
		RemovedNodes:     removedNodes,
		RemovedRelations: removedRelations,
	}, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func relationHasProvenance(rel *common.Relation, chunkID string) bool {
	for _, p := range rel.Provenance {
		if p.ChunkID == chunkID {
			return true
		}
	}
	return false
}
