package store

import (
	"context"
	"errors"
	"time"

	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/dedupe"
)

// ErrNotFound is returned when a referenced artifact, chunk or fact does not
// exist within the tenant.
var ErrNotFound = errors.New("not found")

// MergeOutcome names what MergeFact did with a chunk.
type MergeOutcome string

const (
	// MergeOutcomeCreated means the chunk founded a new fact.
	MergeOutcomeCreated MergeOutcome = "created"

	// MergeOutcomeMerged means the chunk was appended as provenance to an
	// existing fact.
	MergeOutcomeMerged MergeOutcome = "merged"

	// MergeOutcomeSuperseded means the chunk conflicted with an existing
	// fact's payload and a superseding revision was written.
	MergeOutcomeSuperseded MergeOutcome = "superseded"

	// MergeOutcomeDuplicate means the chunk was already provenance of the
	// fact; the write was a no-op.
	MergeOutcomeDuplicate MergeOutcome = "duplicate"
)

// MergeResult reports the outcome of one merge. Fact is the canonical fact
// after the write. Superseded is set when a revision replaced an older fact.
type MergeResult struct {
	Outcome    MergeOutcome
	Fact       common.Fact
	Superseded *common.Fact
}

// RetractResult reports the cascade of one retraction.
type RetractResult struct {
	Fact             common.Fact
	RemovedNodes     []string
	RemovedRelations int
}

// GraphStore is the single mutable shared resource of the pipeline. All
// graph mutation goes through MergeFact and RetractFact; no component writes
// graph state directly. Merges are serialized per tenant, and readers see a
// consistent snapshot per query.
type GraphStore interface {
	// Artifact lifecycle.
	CreateArtifact(ctx context.Context, artifact common.Artifact) error
	GetArtifact(ctx context.Context, tenantID, artifactID string) (common.Artifact, error)
	TransitionArtifact(ctx context.Context, tenantID, artifactID string, to common.ArtifactState) error
	FailArtifact(ctx context.Context, tenantID, artifactID string, stage common.ArtifactState, reason string) error
	MarkArtifactNoContent(ctx context.Context, tenantID, artifactID string) error

	// Chunk persistence. Chunks are immutable once saved; MarkChunkMerged
	// records pipeline progress and returns how many of the artifact's
	// chunks still await merging.
	SaveChunks(ctx context.Context, chunks []common.ContentChunk) error
	GetChunk(ctx context.Context, tenantID, chunkID string) (common.ContentChunk, error)
	MarkChunkMerged(ctx context.Context, tenantID, chunkID string) (int, error)

	// Fact reads and writes. ActiveFacts returns the active facts of one
	// tenant and type, the candidate set for deduplication. MergeFact
	// re-validates the advisory decision under the tenant merge lock and
	// applies it atomically. RetractFact retracts a fact and cascades to
	// graph nodes whose sole support it was.
	ActiveFacts(ctx context.Context, tenantID string, factType common.FactType) ([]common.Fact, error)
	GetFact(ctx context.Context, tenantID, factID string) (common.Fact, error)
	MergeFact(ctx context.Context, chunk common.ContentChunk, decision dedupe.Decision) (MergeResult, error)
	RetractFact(ctx context.Context, tenantID, factID string) (RetractResult, error)

	// Snapshot returns a consistent read of the tenant's graph: no dirty
	// reads of an in-progress merge.
	Snapshot(ctx context.Context, tenantID string) (common.Snapshot, error)

	// Tenant deletion. AbortTenant tombstones the tenant so in-flight work
	// is skipped at the next stage boundary, then removes its graph.
	AbortTenant(ctx context.Context, tenantID string) error
	TenantAborted(ctx context.Context, tenantID string) (bool, error)

	// Event bookkeeping. NextSeq issues the tenant's next event sequence
	// number; SeenEvent and MarkEvent make stage consumption idempotent
	// under replay.
	NextSeq(ctx context.Context, tenantID string) (uint64, error)
	SeenEvent(ctx context.Context, tenantID, stage string, seq uint64) (bool, error)
	MarkEvent(ctx context.Context, tenantID, stage string, seq uint64) error

	// Gap analysis bookkeeping: when each gap key was last surfaced.
	RecordGapAttempt(ctx context.Context, tenantID, key string, at time.Time) error
	LastGapAttempts(ctx context.Context, tenantID string) (map[string]time.Time, error)
}
