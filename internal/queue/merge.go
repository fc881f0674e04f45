package queue

import (
	"context"

	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/leaselock"
	"github.com/cartahq/carta/backend/pkg/logger"
	"github.com/cartahq/carta/backend/pkg/store"
)

// ProcessMerge consumes content.extracted: it resolves the chunk against the
// tenant's active facts and applies the merge under the tenant's lease. The
// resolver verdict here is advisory; the store re-validates it before
// writing.
func (p *Pipeline) ProcessMerge(ctx context.Context, body []byte) error {
	env, err := ParseEnvelope(body)
	if err != nil {
		logger.Error("[Merge] dropping malformed envelope", "err", err)
		return nil
	}
	if env.Topic != TopicContentExtracted {
		logger.Warn("[Merge] dropping unexpected topic", "topic", env.Topic)
		return nil
	}

	var msg ContentExtracted
	if err := env.Decode(&msg); err != nil {
		logger.Error("[Merge] dropping undecodable payload", "err", err)
		return nil
	}

	if p.skipTenant(ctx, env.TenantID, env.Topic) {
		return nil
	}
	if seen, err := p.store.SeenEvent(ctx, env.TenantID, "merge", env.Seq); err != nil {
		return err
	} else if seen {
		logger.Debug("[Merge] replay dropped", "tenant", env.TenantID, "seq", env.Seq)
		return nil
	}

	chunk, err := p.store.GetChunk(ctx, env.TenantID, msg.ChunkID)
	if err != nil {
		return err
	}

	candidates, err := p.store.ActiveFacts(ctx, env.TenantID, chunk.Category)
	if err != nil {
		return err
	}
	decision := p.resolver.Resolve(chunk, candidates)

	var result store.MergeResult
	mergeOnce := func(ctx context.Context) error {
		r, err := p.store.MergeFact(ctx, chunk, decision)
		if err != nil {
			return err
		}
		result = r
		return nil
	}
	if p.locks != nil {
		err = p.locks.WithLease(ctx, leaselock.MergeKey(env.TenantID), leaselock.Options{Wait: true},
			func(ctx context.Context) error {
				return p.retryStage(ctx, mergeOnce)
			})
	} else {
		err = p.retryStage(ctx, mergeOnce)
	}
	if err != nil {
		if permanentErr(err) {
			p.failArtifact(ctx, env.TenantID, chunk.ArtifactID, common.ArtifactDeduplicating, err)
			return p.store.MarkEvent(ctx, env.TenantID, "merge", env.Seq)
		}
		return err
	}

	p.publishFactChange(ctx, env.TenantID, result)

	remaining, err := p.store.MarkChunkMerged(ctx, env.TenantID, msg.ChunkID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if err := p.finishMergedArtifact(ctx, env.TenantID, chunk.ArtifactID); err != nil {
			return err
		}
	}

	return p.store.MarkEvent(ctx, env.TenantID, "merge", env.Seq)
}

func (p *Pipeline) publishFactChange(ctx context.Context, tenantID string, result store.MergeResult) {
	// A duplicate write changed nothing; replaying it must not re-emit.
	if result.Outcome == store.MergeOutcomeDuplicate {
		return
	}

	topic := TopicFactMerged
	if result.Outcome == store.MergeOutcomeCreated {
		topic = TopicFactCreated
	}

	change := FactChanged{
		FactID:         result.Fact.ID,
		TenantID:       tenantID,
		Outcome:        string(result.Outcome),
		ProvenanceRefs: provenanceRefs(result.Fact),
	}
	if result.Superseded != nil {
		change.SupersededID = result.Superseded.ID
	}
	p.publishTopic(ctx, tenantID, topic, change)
}

// finishMergedArtifact moves the artifact to merged once its last chunk is
// in and hands the tenant to the insight stage.
func (p *Pipeline) finishMergedArtifact(ctx context.Context, tenantID, artifactID string) error {
	if err := p.store.TransitionArtifact(ctx, tenantID, artifactID, common.ArtifactMerged); err != nil {
		return err
	}

	snap, err := p.store.Snapshot(ctx, tenantID)
	if err != nil {
		return err
	}
	update := KnowledgeUpdated{
		TenantID:   tenantID,
		ArtifactID: artifactID,
		NodeIDs:    artifactNodeIDs(snap, artifactID),
	}

	p.publishTopic(ctx, tenantID, TopicKnowledgeUpdated, update)
	if err := p.publishFIFO(ctx, tenantID, InsightQueue, TopicKnowledgeUpdated, update); err != nil {
		return err
	}

	logger.Info("[Merge] artifact merged",
		"tenant", tenantID,
		"artifact", artifactID,
		"nodes", len(update.NodeIDs),
	)
	return nil
}

// artifactNodeIDs returns the ids of nodes supported by facts that carry
// provenance from the artifact.
func artifactNodeIDs(snap common.Snapshot, artifactID string) []string {
	fromArtifact := make(map[string]bool)
	for _, fact := range snap.Facts {
		for _, prov := range fact.Provenance {
			if prov.ArtifactID == artifactID {
				fromArtifact[fact.ID] = true
				break
			}
		}
	}

	nodeIDs := []string{}
	for _, node := range snap.Nodes {
		for _, factID := range node.FactIDs {
			if fromArtifact[factID] {
				nodeIDs = append(nodeIDs, node.ID)
				break
			}
		}
	}
	return nodeIDs
}

func provenanceRefs(fact common.Fact) []string {
	refs := make([]string, len(fact.Provenance))
	for i, prov := range fact.Provenance {
		refs[i] = prov.ChunkID
	}
	return refs
}
