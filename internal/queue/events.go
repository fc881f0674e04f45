package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cartahq/carta/backend/pkg/common"
)

// Topics of the pipeline's event vocabulary. FIFO queue messages and pubsub
// notifications share the same envelope format.
const (
	TopicDocumentUploaded   = "document.uploaded"
	TopicDocumentClassified = "document.classified"
	TopicContentExtracted   = "content.extracted"
	TopicFactCreated        = "fact.created"
	TopicFactMerged         = "fact.merged"
	TopicFactRetracted      = "fact.retracted"
	TopicKnowledgeUpdated   = "knowledge.updated"
	TopicInsightGenerated   = "insight.generated"
	TopicArtifactFailed     = "artifact.failed"

	// Request topics consumed by the retract queue.
	TopicFactRetract = "fact.retract"
	TopicTenantPurge = "tenant.purge"
)

// Envelope wraps every event. Seq is the tenant's monotonic event sequence
// number; consumers use it to recognize replays of the at-least-once
// transport.
type Envelope struct {
	Topic     string          `json:"topic"`
	TenantID  string          `json:"tenantId"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Marshal builds a ready-to-publish envelope body.
func Marshal(topic, tenantID string, seq uint64, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	env := Envelope{
		Topic:     topic,
		TenantID:  tenantID,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", topic, err)
	}
	return body, nil
}

// ParseEnvelope decodes an envelope body.
func ParseEnvelope(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Topic == "" || env.TenantID == "" {
		return Envelope{}, fmt.Errorf("envelope missing topic or tenant")
	}
	return env, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Topic, err)
	}
	return nil
}

// DocumentUploaded announces a new artifact awaiting ingestion.
type DocumentUploaded struct {
	ArtifactID string            `json:"artifactId"`
	StorageRef string            `json:"storageRef"`
	MimeType   string            `json:"mimeType"`
	Source     common.SourceKind `json:"source,omitempty"`
}

// DocumentClassified reports which chunks extraction produced for an
// artifact. ChunkIDs is empty when the artifact held no extractable content.
type DocumentClassified struct {
	ArtifactID string   `json:"artifactId"`
	ChunkIDs   []string `json:"chunkIds"`
}

// ContentExtracted carries one chunk into the merge stage.
type ContentExtracted struct {
	ChunkID    string            `json:"chunkId"`
	ArtifactID string            `json:"artifactId"`
	Category   common.FactType   `json:"category"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// FactChanged reports a fact-level change: created, merged, superseded or
// retracted. SupersededID is set when a revision replaced an older fact.
type FactChanged struct {
	FactID         string   `json:"factId"`
	TenantID       string   `json:"tenantId"`
	Outcome        string   `json:"outcome,omitempty"`
	SupersededID   string   `json:"supersededId,omitempty"`
	ProvenanceRefs []string `json:"provenanceRefs"`
}

// KnowledgeUpdated reports that the tenant's graph changed. ArtifactID is set
// when the change completed one artifact's merge stage.
type KnowledgeUpdated struct {
	TenantID   string   `json:"tenantId"`
	ArtifactID string   `json:"artifactId,omitempty"`
	NodeIDs    []string `json:"nodeIds"`
}

// InsightGenerated carries the gap signals of one analysis run.
type InsightGenerated struct {
	TenantID   string             `json:"tenantId"`
	ArtifactID string             `json:"artifactId,omitempty"`
	GapSignals []common.GapSignal `json:"gapSignals"`
}

// ArtifactFailed reports a terminal artifact failure with the stage it
// failed in and a user-visible reason category.
type ArtifactFailed struct {
	ArtifactID string `json:"artifactId"`
	Stage      string `json:"stage"`
	Reason     string `json:"reason"`
}

// RetractRequest asks the pipeline to retract one fact.
type RetractRequest struct {
	FactID string `json:"factId"`
}

// TenantPurgeRequest asks the pipeline to delete a tenant's graph and
// uploads.
type TenantPurgeRequest struct {
	Reason string `json:"reason,omitempty"`
}
