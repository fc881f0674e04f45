package queue

import (
	"context"
	"errors"

	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/logger"
	"github.com/cartahq/carta/backend/pkg/store"
)

// ProcessRetract consumes the retract queue: fact retraction requests and
// tenant purges. Both are user-initiated and must win over in-flight
// pipeline work.
func (p *Pipeline) ProcessRetract(ctx context.Context, body []byte) error {
	env, err := ParseEnvelope(body)
	if err != nil {
		logger.Error("[Retract] dropping malformed envelope", "err", err)
		return nil
	}

	switch env.Topic {
	case TopicFactRetract:
		return p.retractFact(ctx, env)
	case TopicTenantPurge:
		return p.purgeTenant(ctx, env)
	}

	logger.Warn("[Retract] dropping unexpected topic", "topic", env.Topic)
	return nil
}

func (p *Pipeline) retractFact(ctx context.Context, env Envelope) error {
	var msg RetractRequest
	if err := env.Decode(&msg); err != nil {
		logger.Error("[Retract] dropping undecodable payload", "err", err)
		return nil
	}

	if p.skipTenant(ctx, env.TenantID, env.Topic) {
		return nil
	}
	if seen, err := p.store.SeenEvent(ctx, env.TenantID, "retract", env.Seq); err != nil {
		return err
	} else if seen {
		return nil
	}

	result, err := p.store.RetractFact(ctx, env.TenantID, msg.FactID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("[Retract] fact not found",
				"tenant", env.TenantID, "fact", msg.FactID)
			return p.store.MarkEvent(ctx, env.TenantID, "retract", env.Seq)
		}
		if errors.Is(err, common.ErrPermissionDenied) {
			logger.Error("[Retract] cross-tenant retraction blocked",
				"tenant", env.TenantID, "fact", msg.FactID)
			return p.store.MarkEvent(ctx, env.TenantID, "retract", env.Seq)
		}
		return err
	}

	p.publishTopic(ctx, env.TenantID, TopicFactRetracted, FactChanged{
		FactID:         result.Fact.ID,
		TenantID:       env.TenantID,
		Outcome:        "retracted",
		ProvenanceRefs: provenanceRefs(result.Fact),
	})

	// The graph changed shape, so gap analysis runs again.
	update := KnowledgeUpdated{TenantID: env.TenantID, NodeIDs: result.RemovedNodes}
	p.publishTopic(ctx, env.TenantID, TopicKnowledgeUpdated, update)
	if err := p.publishFIFO(ctx, env.TenantID, InsightQueue, TopicKnowledgeUpdated, update); err != nil {
		return err
	}

	logger.Info("[Retract] fact retracted",
		"tenant", env.TenantID,
		"fact", result.Fact.ID,
		"removed_nodes", len(result.RemovedNodes),
		"removed_relations", result.RemovedRelations,
	)
	return p.store.MarkEvent(ctx, env.TenantID, "retract", env.Seq)
}

func (p *Pipeline) purgeTenant(ctx context.Context, env Envelope) error {
	if seen, err := p.store.SeenEvent(ctx, env.TenantID, "retract", env.Seq); err != nil {
		return err
	} else if seen {
		return nil
	}

	if err := p.store.AbortTenant(ctx, env.TenantID); err != nil {
		return err
	}
	if p.objects != nil {
		if err := p.objects.PurgeTenant(ctx, env.TenantID); err != nil {
			return err
		}
	}

	logger.Info("[Retract] tenant purged", "tenant", env.TenantID)
	return p.store.MarkEvent(ctx, env.TenantID, "retract", env.Seq)
}
