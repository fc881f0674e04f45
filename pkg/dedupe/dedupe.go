package dedupe

import (
	"math"

	"github.com/cartahq/carta/backend/pkg/common"
)

// DecisionKind names the outcome of resolving one chunk against the active
// facts of its tenant and type.
type DecisionKind string

const (
	// DecisionNewFact means no active fact matches; the chunk founds a new
	// fact.
	DecisionNewFact DecisionKind = "new_fact"

	// DecisionMergeInto means the chunk is new evidence for an existing
	// fact.
	DecisionMergeInto DecisionKind = "merge_into"

	// DecisionDuplicate means the target fact already carries this exact
	// chunk as provenance; replay must be a no-op.
	DecisionDuplicate DecisionKind = "duplicate"
)

// Decision is the resolver's advisory verdict for one chunk. TargetID is set
// for merge and duplicate decisions. Score is the similarity that drove a
// merge decision; 1.0 for exact hash matches.
type Decision struct {
	Kind     DecisionKind
	TargetID string
	Score    float64
}

// Resolver decides whether a content chunk founds a new fact or merges into
// an existing one. Decisions are deterministic given the same inputs, so
// replaying an event stream reproduces them. The verdict is advisory: the
// graph store re-validates it under the tenant merge lock before writing.
type Resolver struct {
	threshold float64
}

// NewResolverParams configures a Resolver. Threshold is the minimum cosine
// similarity for a semantic merge; values outside (0, 1] fall back to the
// default of 0.92.
type NewResolverParams struct {
	Threshold float64
}

// NewResolver creates a Resolver with the provided parameters.
func NewResolver(params NewResolverParams) *Resolver {
	threshold := params.Threshold
	if threshold <= 0 || threshold > 1 {
		threshold = 0.92
	}
	return &Resolver{threshold: threshold}
}

// Threshold returns the similarity threshold in effect.
func (r *Resolver) Threshold() float64 {
	return r.threshold
}

// Resolve matches the chunk against candidate facts. Candidates must already
// be filtered to active facts of the chunk's tenant and type; facts of other
// tenants or types are ignored defensively.
//
// Matching order: exact content-hash match wins over semantic similarity.
// Among semantic matches at or above the threshold the highest score wins;
// ties break to the most recent last-confirmed time, then the smallest fact
// id so replay stays deterministic.
func (r *Resolver) Resolve(chunk common.ContentChunk, candidates []common.Fact) Decision {
	for _, fact := range candidates {
		if !eligible(chunk, fact) {
			continue
		}
		if fact.HasProvenance(chunk.ID) {
			return Decision{Kind: DecisionDuplicate, TargetID: fact.ID, Score: 1.0}
		}
	}

	for _, fact := range candidates {
		if !eligible(chunk, fact) {
			continue
		}
		if fact.HasContentHash(chunk.ContentHash) {
			return Decision{Kind: DecisionMergeInto, TargetID: fact.ID, Score: 1.0}
		}
	}

	var best *common.Fact
	bestScore := 0.0
	for i := range candidates {
		fact := &candidates[i]
		if !eligible(chunk, *fact) {
			continue
		}
		score := Cosine(chunk.Embedding, fact.Embedding)
		if score < r.threshold {
			continue
		}
		if best == nil || better(score, *fact, bestScore, *best) {
			best = fact
			bestScore = score
		}
	}

	if best != nil {
		return Decision{Kind: DecisionMergeInto, TargetID: best.ID, Score: bestScore}
	}
	return Decision{Kind: DecisionNewFact}
}

func eligible(chunk common.ContentChunk, fact common.Fact) bool {
	return fact.Status == common.FactActive &&
		fact.TenantID == chunk.TenantID &&
		fact.Type == chunk.Category
}

func better(score float64, fact common.Fact, bestScore float64, best common.Fact) bool {
	if score != bestScore {
		return score > bestScore
	}
	if !fact.LastConfirmed.Equal(best.LastConfirmed) {
		return fact.LastConfirmed.After(best.LastConfirmed)
	}
	return fact.ID < best.ID
}

// Cosine returns the cosine similarity of two vectors. Mismatched or empty
// vectors score zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
