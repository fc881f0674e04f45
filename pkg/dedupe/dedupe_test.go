package dedupe

import (
	"math"
	"testing"
	"time"

	"github.com/cartahq/carta/backend/pkg/common"
)

func chunkWith(hash string, embedding []float32) common.ContentChunk {
	return common.ContentChunk{
		ID:          "chunk-1",
		ArtifactID:  "art-1",
		TenantID:    "tenant-1",
		Category:    common.FactTypeSkill,
		ContentHash: hash,
		Embedding:   embedding,
	}
}

func factWith(id, hash string, embedding []float32) common.Fact {
	return common.Fact{
		ID:       id,
		TenantID: "tenant-1",
		Type:     common.FactTypeSkill,
		Status:   common.FactActive,
		Provenance: []common.Provenance{
			{ChunkID: "chunk-" + id, ArtifactID: "art-0", ContentHash: hash, Method: "m"},
		},
		Embedding: embedding,
	}
}

func TestResolve_ExactHashBeatsSimilarity(t *testing.T) {
	r := NewResolver(NewResolverParams{})

	chunk := chunkWith("hash-a", []float32{1, 0, 0})
	candidates := []common.Fact{
		factWith("f-similar", "hash-x", []float32{1, 0, 0}),
		factWith("f-exact", "hash-a", []float32{0, 1, 0}),
	}

	d := r.Resolve(chunk, candidates)
	if d.Kind != DecisionMergeInto || d.TargetID != "f-exact" {
		t.Fatalf("Resolve() = %+v, want merge into f-exact", d)
	}
	if d.Score != 1.0 {
		t.Fatalf("exact match score = %v, want 1.0", d.Score)
	}
}

func TestResolve_SimilarityAboveThresholdMerges(t *testing.T) {
	r := NewResolver(NewResolverParams{Threshold: 0.92})

	chunk := chunkWith("hash-new", []float32{1, 0.05, 0})
	candidates := []common.Fact{
		factWith("f-close", "hash-old", []float32{1, 0, 0}),
	}

	d := r.Resolve(chunk, candidates)
	if d.Kind != DecisionMergeInto || d.TargetID != "f-close" {
		t.Fatalf("Resolve() = %+v, want merge into f-close", d)
	}
	if d.Score < 0.92 {
		t.Fatalf("score = %v, want >= threshold", d.Score)
	}
}

func TestResolve_BelowThresholdIsNewFact(t *testing.T) {
	r := NewResolver(NewResolverParams{Threshold: 0.92})

	chunk := chunkWith("hash-new", []float32{1, 0, 0})
	candidates := []common.Fact{
		factWith("f-far", "hash-old", []float32{0, 1, 0}),
	}

	d := r.Resolve(chunk, candidates)
	if d.Kind != DecisionNewFact {
		t.Fatalf("Resolve() = %+v, want new fact", d)
	}
}

func TestResolve_HighestScoreWinsThenRecencyThenID(t *testing.T) {
	r := NewResolver(NewResolverParams{Threshold: 0.5})
	now := time.Now().UTC()

	chunk := chunkWith("hash-new", []float32{1, 0, 0})

	closer := factWith("f-closer", "h1", []float32{1, 0.01, 0})
	further := factWith("f-further", "h2", []float32{1, 0.3, 0})
	d := r.Resolve(chunk, []common.Fact{further, closer})
	if d.TargetID != "f-closer" {
		t.Fatalf("Resolve() target = %s, want highest-scoring f-closer", d.TargetID)
	}

	older := factWith("f-older", "h1", []float32{1, 0, 0})
	older.LastConfirmed = now.Add(-time.Hour)
	newer := factWith("f-newer", "h2", []float32{1, 0, 0})
	newer.LastConfirmed = now
	d = r.Resolve(chunk, []common.Fact{older, newer})
	if d.TargetID != "f-newer" {
		t.Fatalf("Resolve() target = %s, want most recently confirmed f-newer", d.TargetID)
	}

	a := factWith("f-a", "h1", []float32{1, 0, 0})
	a.LastConfirmed = now
	b := factWith("f-b", "h2", []float32{1, 0, 0})
	b.LastConfirmed = now
	d = r.Resolve(chunk, []common.Fact{b, a})
	if d.TargetID != "f-a" {
		t.Fatalf("Resolve() target = %s, want smallest id f-a on full tie", d.TargetID)
	}
}

func TestResolve_ReplayedChunkIsDuplicate(t *testing.T) {
	r := NewResolver(NewResolverParams{})

	chunk := chunkWith("hash-a", []float32{1, 0, 0})
	fact := factWith("f-1", "hash-a", []float32{1, 0, 0})
	fact.Provenance = append(fact.Provenance, common.Provenance{
		ChunkID:     chunk.ID,
		ArtifactID:  chunk.ArtifactID,
		ContentHash: chunk.ContentHash,
		Method:      "m",
	})

	d := r.Resolve(chunk, []common.Fact{fact})
	if d.Kind != DecisionDuplicate || d.TargetID != "f-1" {
		t.Fatalf("Resolve() = %+v, want duplicate of f-1", d)
	}
}

func TestResolve_IgnoresOtherTenantsTypesAndStatuses(t *testing.T) {
	r := NewResolver(NewResolverParams{})

	chunk := chunkWith("hash-a", []float32{1, 0, 0})

	otherTenant := factWith("f-tenant", "hash-a", []float32{1, 0, 0})
	otherTenant.TenantID = "tenant-2"

	otherType := factWith("f-type", "hash-a", []float32{1, 0, 0})
	otherType.Type = common.FactTypeEducation

	retracted := factWith("f-retracted", "hash-a", []float32{1, 0, 0})
	retracted.Status = common.FactRetracted

	d := r.Resolve(chunk, []common.Fact{otherTenant, otherType, retracted})
	if d.Kind != DecisionNewFact {
		t.Fatalf("Resolve() = %+v, want new fact when only ineligible candidates exist", d)
	}
}

func TestResolve_IsDeterministic(t *testing.T) {
	r := NewResolver(NewResolverParams{Threshold: 0.5})
	chunk := chunkWith("hash-new", []float32{1, 0.1, 0})
	candidates := []common.Fact{
		factWith("f-1", "h1", []float32{1, 0.1, 0.01}),
		factWith("f-2", "h2", []float32{1, 0.1, 0.02}),
		factWith("f-3", "h3", []float32{1, 0.12, 0}),
	}

	first := r.Resolve(chunk, candidates)
	for i := 0; i < 10; i++ {
		if got := r.Resolve(chunk, candidates); got != first {
			t.Fatalf("Resolve() varies across replays: %+v vs %+v", got, first)
		}
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine([]float32{1, 0}, []float32{1, 0}); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("Cosine(identical) = %v, want 1.0", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{0, 1}); math.Abs(got) > 1e-9 {
		t.Fatalf("Cosine(orthogonal) = %v, want 0", got)
	}
	if got := Cosine([]float32{1, 0}, []float32{1}); got != 0 {
		t.Fatalf("Cosine(mismatched) = %v, want 0", got)
	}
	if got := Cosine(nil, nil); got != 0 {
		t.Fatalf("Cosine(empty) = %v, want 0", got)
	}
}
