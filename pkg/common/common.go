package common

import "time"

// SourceKind distinguishes how an artifact entered the system.
type SourceKind string

const (
	SourceKindDocument         SourceKind = "document"
	SourceKindConversationTurn SourceKind = "conversation-turn"
)

// ArtifactState is the pipeline state of one ingested artifact. Transitions
// are monotonic; see CanTransition.
type ArtifactState string

const (
	ArtifactReceived      ArtifactState = "received"
	ArtifactExtracting    ArtifactState = "extracting"
	ArtifactDeduplicating ArtifactState = "deduplicating"
	ArtifactMerged        ArtifactState = "merged"
	ArtifactGapAnalyzed   ArtifactState = "gap_analyzed"
	ArtifactFailed        ArtifactState = "failed"
)

var artifactTransitions = map[ArtifactState][]ArtifactState{
	ArtifactReceived:      {ArtifactExtracting, ArtifactFailed},
	ArtifactExtracting:    {ArtifactDeduplicating, ArtifactMerged, ArtifactFailed},
	ArtifactDeduplicating: {ArtifactMerged, ArtifactFailed},
	ArtifactMerged:        {ArtifactGapAnalyzed, ArtifactFailed},
	ArtifactGapAnalyzed:   {},
	ArtifactFailed:        {},
}

// CanTransition reports whether an artifact may move from one state to
// another. Terminal states (gap_analyzed, failed) have no successors.
func CanTransition(from, to ArtifactState) bool {
	for _, next := range artifactTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Artifact is one raw ingested unit: a document or a conversation turn.
// Artifacts are immutable once accepted; a re-upload creates a new artifact.
type Artifact struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenant_id"`
	StorageRef string        `json:"storage_ref"`
	MimeType   string        `json:"mime_type"`
	Source     SourceKind    `json:"source"`
	State      ArtifactState `json:"state"`
	// FailedStage and FailureReason are set only in the failed state.
	FailedStage   string    `json:"failed_stage,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	NoContent     bool      `json:"no_content,omitempty"`
	IngestedAt    time.Time `json:"ingested_at"`
}

// FactType enumerates the fact schemas the graph accepts. Chunk categories
// map 1:1 onto fact types.
type FactType string

const (
	FactTypeExperience    FactType = "experience"
	FactTypeEducation     FactType = "education"
	FactTypeSkill         FactType = "skill"
	FactTypeAchievement   FactType = "achievement"
	FactTypeCertification FactType = "certification"
)

// KnownFactTypes lists all accepted fact types in a stable order.
var KnownFactTypes = []FactType{
	FactTypeExperience,
	FactTypeEducation,
	FactTypeSkill,
	FactTypeAchievement,
	FactTypeCertification,
}

// requiredPayloadKeys lists payload keys a chunk of the given type must carry
// to enter the graph.
var requiredPayloadKeys = map[FactType][]string{
	FactTypeExperience:    {"title", "organization"},
	FactTypeEducation:     {"institution"},
	FactTypeSkill:         {"name"},
	FactTypeAchievement:   {"summary"},
	FactTypeCertification: {"name"},
}

// ValidatePayload reports whether the payload carries every required key for
// the fact type, returning the first missing key otherwise.
func ValidatePayload(t FactType, payload map[string]string) (string, bool) {
	for _, key := range requiredPayloadKeys[t] {
		if payload[key] == "" {
			return key, false
		}
	}
	return "", true
}

// Span is a character range into the artifact's extracted text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// ContentChunk is a classified, extracted unit derived from one artifact.
// Chunks are immutable; they are the evidence facts point back to.
type ContentChunk struct {
	ID             string            `json:"id"`
	ArtifactID     string            `json:"artifact_id"`
	TenantID       string            `json:"tenant_id"`
	Category       FactType          `json:"category"`
	Payload        map[string]string `json:"payload"`
	Span           Span              `json:"span"`
	Text           string            `json:"text"`
	NormalizedText string            `json:"normalized_text"`
	ContentHash    string            `json:"content_hash"`
	Embedding      []float32         `json:"embedding"`
	Method         string            `json:"method"`
	ExtractedAt    time.Time         `json:"extracted_at"`
}

// Provenance links a fact to one content chunk and the extraction method
// that produced it. Provenance is append-only.
type Provenance struct {
	ChunkID     string    `json:"chunk_id"`
	ArtifactID  string    `json:"artifact_id"`
	ContentHash string    `json:"content_hash"`
	Method      string    `json:"method"`
	AddedAt     time.Time `json:"added_at"`
}

// FactStatus is the lifecycle status of a fact. Transitions are monotonic:
// active facts may become superseded or retracted, never the reverse.
type FactStatus string

const (
	FactActive     FactStatus = "active"
	FactSuperseded FactStatus = "superseded"
	FactRetracted  FactStatus = "retracted"
)

// Fact is a canonical, deduplicated unit of knowledge. Every fact carries at
// least one provenance reference; a fact without evidence is a graph
// inconsistency.
type Fact struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	Type          FactType          `json:"type"`
	Payload       map[string]string `json:"payload"`
	Confidence    float64           `json:"confidence"`
	Provenance    []Provenance      `json:"provenance"`
	Status        FactStatus        `json:"status"`
	Embedding     []float32         `json:"embedding"`
	CreatedAt     time.Time         `json:"created_at"`
	LastConfirmed time.Time         `json:"last_confirmed"`
	// SupersededBy holds the id of the replacing revision when status is
	// superseded.
	SupersededBy string `json:"superseded_by,omitempty"`
}

// HasProvenance reports whether the fact already carries evidence from the
// given chunk.
func (f *Fact) HasProvenance(chunkID string) bool {
	for _, p := range f.Provenance {
		if p.ChunkID == chunkID {
			return true
		}
	}
	return false
}

// HasContentHash reports whether any provenance entry carries the given
// normalized content hash.
func (f *Fact) HasContentHash(hash string) bool {
	for _, p := range f.Provenance {
		if p.ContentHash == hash {
			return true
		}
	}
	return false
}

// NodeKind enumerates graph node types materialized from facts.
type NodeKind string

const (
	NodeExperience   NodeKind = "Experience"
	NodeSkill        NodeKind = "Skill"
	NodeAchievement  NodeKind = "Achievement"
	NodeOrganization NodeKind = "Organization"
	NodeEducation    NodeKind = "Education"
)

// Node is a typed graph node materialized from one or more merged facts.
// Key is a normalized natural key unique per tenant and kind.
type Node struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Kind     NodeKind `json:"kind"`
	Key      string   `json:"key"`
	Label    string   `json:"label"`
	FactIDs  []string `json:"fact_ids"`
}

// RelationKind enumerates typed edges between nodes.
type RelationKind string

const (
	RelationAt           RelationKind = "at"            // Experience -> Organization
	RelationDemonstrates RelationKind = "demonstrates"  // Experience -> Skill
	RelationEarnedDuring RelationKind = "earned_during" // Achievement -> Experience
)

// Relation is a typed edge between two nodes with its own provenance set.
type Relation struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenant_id"`
	Kind       RelationKind `json:"kind"`
	FromID     string       `json:"from_id"`
	ToID       string       `json:"to_id"`
	Provenance []Provenance `json:"provenance"`
}

// GapSignal names a missing or weak region of a tenant's graph, ordered by
// priority for the follow-up question capability.
type GapSignal struct {
	Key      string  `json:"key"`
	Kind     string  `json:"kind"`
	NodeID   string  `json:"node_id,omitempty"`
	Message  string  `json:"message"`
	Priority float64 `json:"priority"`
}

// Snapshot is a consistent per-tenant view of the graph handed to readers.
type Snapshot struct {
	Nodes     []Node
	Relations []Relation
	Facts     []Fact
}
