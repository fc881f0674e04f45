package queue

import (
	"context"
	"fmt"

	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/logger"
)

// ProcessIngest consumes document.uploaded: it registers the artifact, reads
// its bytes, extracts classified chunks and hands each chunk to the merge
// stage. Extraction errors fail the artifact terminally after the retry
// ceiling; they never crash the consumer.
func (p *Pipeline) ProcessIngest(ctx context.Context, body []byte) error {
	env, err := ParseEnvelope(body)
	if err != nil {
		logger.Error("[Ingest] dropping malformed envelope", "err", err)
		return nil
	}
	if env.Topic != TopicDocumentUploaded {
		logger.Warn("[Ingest] dropping unexpected topic", "topic", env.Topic)
		return nil
	}

	var msg DocumentUploaded
	if err := env.Decode(&msg); err != nil {
		logger.Error("[Ingest] dropping undecodable payload", "err", err)
		return nil
	}
	if msg.ArtifactID == "" || msg.StorageRef == "" {
		logger.Error("[Ingest] dropping event without artifact or storage ref",
			"tenant", env.TenantID)
		return nil
	}

	if p.skipTenant(ctx, env.TenantID, env.Topic) {
		return nil
	}
	if seen, err := p.store.SeenEvent(ctx, env.TenantID, "ingest", env.Seq); err != nil {
		return err
	} else if seen {
		logger.Debug("[Ingest] replay dropped", "tenant", env.TenantID, "seq", env.Seq)
		return nil
	}

	artifact := common.Artifact{
		ID:         msg.ArtifactID,
		TenantID:   env.TenantID,
		StorageRef: msg.StorageRef,
		MimeType:   msg.MimeType,
		Source:     msg.Source,
		State:      common.ArtifactReceived,
	}
	if artifact.Source == "" {
		artifact.Source = common.SourceKindDocument
	}
	if err := p.store.CreateArtifact(ctx, artifact); err != nil {
		if permanentErr(err) {
			logger.Error("[Ingest] rejecting artifact",
				"tenant", env.TenantID, "artifact", msg.ArtifactID, "err", err)
			return p.store.MarkEvent(ctx, env.TenantID, "ingest", env.Seq)
		}
		return err
	}
	if err := p.store.TransitionArtifact(ctx, env.TenantID, msg.ArtifactID, common.ArtifactExtracting); err != nil {
		return err
	}

	var chunks []common.ContentChunk
	err = p.retryStage(ctx, func(ctx context.Context) error {
		raw, err := p.objects.Read(ctx, msg.StorageRef)
		if err != nil {
			return fmt.Errorf("read %s: %w", msg.StorageRef, err)
		}
		chunks, err = p.extractor.Extract(ctx, artifact, raw)
		return err
	})
	if err != nil {
		p.failArtifact(ctx, env.TenantID, msg.ArtifactID, common.ArtifactExtracting, err)
		return p.store.MarkEvent(ctx, env.TenantID, "ingest", env.Seq)
	}

	if len(chunks) == 0 {
		return p.finishEmptyArtifact(ctx, env, msg.ArtifactID)
	}

	if err := p.store.SaveChunks(ctx, chunks); err != nil {
		return err
	}
	if err := p.store.TransitionArtifact(ctx, env.TenantID, msg.ArtifactID, common.ArtifactDeduplicating); err != nil {
		return err
	}

	chunkIDs := make([]string, len(chunks))
	for i, chunk := range chunks {
		chunkIDs[i] = chunk.ID
	}
	p.publishTopic(ctx, env.TenantID, TopicDocumentClassified, DocumentClassified{
		ArtifactID: msg.ArtifactID,
		ChunkIDs:   chunkIDs,
	})

	for _, chunk := range chunks {
		err := p.publishFIFO(ctx, env.TenantID, MergeQueue, TopicContentExtracted, ContentExtracted{
			ChunkID:    chunk.ID,
			ArtifactID: chunk.ArtifactID,
			Category:   chunk.Category,
			Payload:    chunk.Payload,
		})
		if err != nil {
			return err
		}
	}

	logger.Info("[Ingest] artifact extracted",
		"tenant", env.TenantID,
		"artifact", msg.ArtifactID,
		"chunks", len(chunks),
	)
	return p.store.MarkEvent(ctx, env.TenantID, "ingest", env.Seq)
}

// finishEmptyArtifact completes an artifact that yielded no chunks. Absence
// of extractable content is a valid outcome, not an error; the artifact
// passes straight through to the merged state.
func (p *Pipeline) finishEmptyArtifact(ctx context.Context, env Envelope, artifactID string) error {
	if err := p.store.MarkArtifactNoContent(ctx, env.TenantID, artifactID); err != nil {
		return err
	}
	if err := p.store.TransitionArtifact(ctx, env.TenantID, artifactID, common.ArtifactDeduplicating); err != nil {
		return err
	}
	if err := p.store.TransitionArtifact(ctx, env.TenantID, artifactID, common.ArtifactMerged); err != nil {
		return err
	}

	p.publishTopic(ctx, env.TenantID, TopicDocumentClassified, DocumentClassified{
		ArtifactID: artifactID,
		ChunkIDs:   []string{},
	})
	err := p.publishFIFO(ctx, env.TenantID, InsightQueue, TopicKnowledgeUpdated, KnowledgeUpdated{
		TenantID:   env.TenantID,
		ArtifactID: artifactID,
		NodeIDs:    []string{},
	})
	if err != nil {
		return err
	}

	logger.Info("[Ingest] artifact had no extractable content",
		"tenant", env.TenantID, "artifact", artifactID)
	return p.store.MarkEvent(ctx, env.TenantID, "ingest", env.Seq)
}
