package queue

import (
	"context"

	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/logger"
)

// ProcessInsight consumes knowledge.updated: it reads a consistent snapshot
// of the tenant's graph, derives gap signals and publishes them. Recently
// surfaced gaps are recorded so repeated analysis rotates its questions.
func (p *Pipeline) ProcessInsight(ctx context.Context, body []byte) error {
	env, err := ParseEnvelope(body)
	if err != nil {
		logger.Error("[Insight] dropping malformed envelope", "err", err)
		return nil
	}
	if env.Topic != TopicKnowledgeUpdated {
		logger.Warn("[Insight] dropping unexpected topic", "topic", env.Topic)
		return nil
	}

	var msg KnowledgeUpdated
	if err := env.Decode(&msg); err != nil {
		logger.Error("[Insight] dropping undecodable payload", "err", err)
		return nil
	}

	if p.skipTenant(ctx, env.TenantID, env.Topic) {
		return nil
	}
	if seen, err := p.store.SeenEvent(ctx, env.TenantID, "insight", env.Seq); err != nil {
		return err
	} else if seen {
		logger.Debug("[Insight] replay dropped", "tenant", env.TenantID, "seq", env.Seq)
		return nil
	}

	snap, err := p.store.Snapshot(ctx, env.TenantID)
	if err != nil {
		return err
	}
	attempts, err := p.store.LastGapAttempts(ctx, env.TenantID)
	if err != nil {
		return err
	}

	signals := p.analyzer.Analyze(snap, attempts)
	p.publishTopic(ctx, env.TenantID, TopicInsightGenerated, InsightGenerated{
		TenantID:   env.TenantID,
		ArtifactID: msg.ArtifactID,
		GapSignals: signals,
	})

	at := p.now()
	for _, signal := range signals {
		if err := p.store.RecordGapAttempt(ctx, env.TenantID, signal.Key, at); err != nil {
			return err
		}
	}

	if msg.ArtifactID != "" {
		err := p.store.TransitionArtifact(ctx, env.TenantID, msg.ArtifactID, common.ArtifactGapAnalyzed)
		if err != nil {
			logger.Warn("[Insight] could not mark artifact gap-analyzed",
				"tenant", env.TenantID, "artifact", msg.ArtifactID, "err", err)
		}
	}

	logger.Info("[Insight] gap analysis complete",
		"tenant", env.TenantID,
		"artifact", msg.ArtifactID,
		"signals", len(signals),
	)
	return p.store.MarkEvent(ctx, env.TenantID, "insight", env.Seq)
}
