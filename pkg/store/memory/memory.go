// Package memory implements store.GraphStore entirely in process memory.
// It backs tests and single-node development; the pgx backend implements the
// same contract on Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/dedupe"
	"github.com/cartahq/carta/backend/pkg/logger"
	"github.com/cartahq/carta/backend/pkg/store"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type tenantState struct {
	mu sync.Mutex

	aborted bool

	artifacts   map[string]*common.Artifact
	chunks      map[string]*common.ContentChunk
	chunkMerged map[string]bool

	facts     map[string]*common.Fact
	nodes     map[string]*common.Node // keyed by natural node key
	relations map[string]*common.Relation

	seq         uint64
	seenEvents  map[string]bool
	gapAttempts map[string]time.Time
}

func newTenantState() *tenantState {
	return &tenantState{
		artifacts:   make(map[string]*common.Artifact),
		chunks:      make(map[string]*common.ContentChunk),
		chunkMerged: make(map[string]bool),
		facts:       make(map[string]*common.Fact),
		nodes:       make(map[string]*common.Node),
		relations:   make(map[string]*common.Relation),
		seenEvents:  make(map[string]bool),
		gapAttempts: make(map[string]time.Time),
	}
}

// Store is an in-memory GraphStore. Each tenant's state sits behind its own
// mutex, so merges are serial within a tenant and parallel across tenants.
type Store struct {
	mu       sync.Mutex
	tenants  map[string]*tenantState
	resolver *dedupe.Resolver
	now      func() time.Time
}

// NewStoreParams configures an in-memory store. Resolver re-validates
// advisory merge decisions at write time; Now overrides the clock in tests.
type NewStoreParams struct {
	Resolver *dedupe.Resolver
	Now      func() time.Time
}

// NewStore creates an in-memory GraphStore.
func NewStore(params NewStoreParams) *Store {
	resolver := params.Resolver
	if resolver == nil {
		resolver = dedupe.NewResolver(dedupe.NewResolverParams{})
	}
	now := params.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{
		tenants:  make(map[string]*tenantState),
		resolver: resolver,
		now:      now,
	}
}

func (s *Store) tenant(tenantID string) *tenantState {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		t = newTenantState()
		s.tenants[tenantID] = t
	}
	return t
}

// CreateArtifact registers a received artifact. Re-creating an existing id
// is a no-op so ingestion replays stay idempotent.
func (s *Store) CreateArtifact(ctx context.Context, artifact common.Artifact) error {
	if artifact.ID == "" || artifact.TenantID == "" {
		return fmt.Errorf("%w: artifact needs id and tenant", common.ErrInvalidArtifact)
	}
	t := s.tenant(artifact.TenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.artifacts[artifact.ID]; exists {
		return nil
	}
	if artifact.State == "" {
		artifact.State = common.ArtifactReceived
	}
	if artifact.IngestedAt.IsZero() {
		artifact.IngestedAt = s.now()
	}
	copied := artifact
	t.artifacts[artifact.ID] = &copied
	return nil
}

func (s *Store) GetArtifact(ctx context.Context, tenantID, artifactID string) (common.Artifact, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.artifacts[artifactID]
	if !ok {
		return common.Artifact{}, fmt.Errorf("artifact %s: %w", artifactID, store.ErrNotFound)
	}
	return *a, nil
}

// TransitionArtifact moves the artifact along its state machine. A move to
// the state the artifact is already in is a no-op; anything else outside the
// machine is rejected.
func (s *Store) TransitionArtifact(ctx context.Context, tenantID, artifactID string, to common.ArtifactState) error {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.artifacts[artifactID]
	if !ok {
		return fmt.Errorf("artifact %s: %w", artifactID, store.ErrNotFound)
	}
	if a.State == to {
		return nil
	}
	if !common.CanTransition(a.State, to) {
		return fmt.Errorf("%w: artifact %s cannot move %s -> %s",
			common.ErrGraphInconsistency, artifactID, a.State, to)
	}
	a.State = to
	return nil
}

// FailArtifact terminally fails the artifact, recording the stage it failed
// in and the user-visible reason category. Failing an already failed
// artifact is a no-op.
func (s *Store) FailArtifact(ctx context.Context, tenantID, artifactID string, stage common.ArtifactState, reason string) error {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.artifacts[artifactID]
	if !ok {
		return fmt.Errorf("artifact %s: %w", artifactID, store.ErrNotFound)
	}
	if a.State == common.ArtifactFailed {
		return nil
	}
	a.State = common.ArtifactFailed
	a.FailedStage = string(stage)
	a.FailureReason = reason
	return nil
}

func (s *Store) MarkArtifactNoContent(ctx context.Context, tenantID, artifactID string) error {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.artifacts[artifactID]
	if !ok {
		return fmt.Errorf("artifact %s: %w", artifactID, store.ErrNotFound)
	}
	a.NoContent = true
	return nil
}

// SaveChunks persists extracted chunks. Chunks are immutable; saving an
// already known chunk id is a no-op.
func (s *Store) SaveChunks(ctx context.Context, chunks []common.ContentChunk) error {
	for _, chunk := range chunks {
		if chunk.TenantID == "" || chunk.ID == "" {
			return fmt.Errorf("%w: chunk needs id and tenant", common.ErrGraphInconsistency)
		}
		t := s.tenant(chunk.TenantID)
		t.mu.Lock()
		if _, exists := t.chunks[chunk.ID]; !exists {
			copied := chunk
			t.chunks[chunk.ID] = &copied
		}
		t.mu.Unlock()
	}
	return nil
}

func (s *Store) GetChunk(ctx context.Context, tenantID, chunkID string) (common.ContentChunk, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.chunks[chunkID]
	if !ok {
		return common.ContentChunk{}, fmt.Errorf("chunk %s: %w", chunkID, store.ErrNotFound)
	}
	return *c, nil
}

// MarkChunkMerged records that the chunk completed the merge stage and
// returns how many sibling chunks of the same artifact still await merging.
func (s *Store) MarkChunkMerged(ctx context.Context, tenantID, chunkID string) (int, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.chunks[chunkID]
	if !ok {
		return 0, fmt.Errorf("chunk %s: %w", chunkID, store.ErrNotFound)
	}
	t.chunkMerged[chunkID] = true

	remaining := 0
	for id, sibling := range t.chunks {
		if sibling.ArtifactID == c.ArtifactID && !t.chunkMerged[id] {
			remaining++
		}
	}
	return remaining, nil
}

// ActiveFacts returns the tenant's active facts of one type, sorted by fact
// id for deterministic iteration.
func (s *Store) ActiveFacts(ctx context.Context, tenantID string, factType common.FactType) ([]common.Fact, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []common.Fact
	for _, f := range t.facts {
		if f.Status == common.FactActive && f.Type == factType {
			out = append(out, cloneFact(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetFact(ctx context.Context, tenantID, factID string) (common.Fact, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	f, ok := t.facts[factID]
	if !ok {
		return common.Fact{}, fmt.Errorf("fact %s: %w", factID, store.ErrNotFound)
	}
	return cloneFact(f), nil
}

// Snapshot returns a consistent copy of the tenant's graph.
func (s *Store) Snapshot(ctx context.Context, tenantID string) (common.Snapshot, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := common.Snapshot{}
	for _, n := range t.nodes {
		node := *n
		node.FactIDs = append([]string(nil), n.FactIDs...)
		snap.Nodes = append(snap.Nodes, node)
	}
	for _, r := range t.relations {
		rel := *r
		rel.Provenance = append([]common.Provenance(nil), r.Provenance...)
		snap.Relations = append(snap.Relations, rel)
	}
	for _, f := range t.facts {
		snap.Facts = append(snap.Facts, cloneFact(f))
	}

	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].Key < snap.Nodes[j].Key })
	sort.Slice(snap.Relations, func(i, j int) bool { return snap.Relations[i].ID < snap.Relations[j].ID })
	sort.Slice(snap.Facts, func(i, j int) bool { return snap.Facts[i].ID < snap.Facts[j].ID })
	return snap, nil
}

// AbortTenant tombstones the tenant and drops its graph state. The tombstone
// survives so late events for the tenant are skipped, not re-materialized.
func (s *Store) AbortTenant(ctx context.Context, tenantID string) error {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.aborted = true
	t.artifacts = make(map[string]*common.Artifact)
	t.chunks = make(map[string]*common.ContentChunk)
	t.chunkMerged = make(map[string]bool)
	t.facts = make(map[string]*common.Fact)
	t.nodes = make(map[string]*common.Node)
	t.relations = make(map[string]*common.Relation)
	t.gapAttempts = make(map[string]time.Time)

	logger.Info("[Store] tenant aborted", "tenant", tenantID)
	return nil
}

func (s *Store) TenantAborted(ctx context.Context, tenantID string) (bool, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted, nil
}

// NextSeq issues the tenant's next event sequence number.
func (s *Store) NextSeq(ctx context.Context, tenantID string) (uint64, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	return t.seq, nil
}

func eventKey(stage string, seq uint64) string {
	return fmt.Sprintf("%s:%d", stage, seq)
}

func (s *Store) SeenEvent(ctx context.Context, tenantID, stage string, seq uint64) (bool, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seenEvents[eventKey(stage, seq)], nil
}

func (s *Store) MarkEvent(ctx context.Context, tenantID, stage string, seq uint64) error {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seenEvents[eventKey(stage, seq)] = true
	return nil
}

func (s *Store) RecordGapAttempt(ctx context.Context, tenantID, key string, at time.Time) error {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gapAttempts[key] = at
	return nil
}

func (s *Store) LastGapAttempts(ctx context.Context, tenantID string) (map[string]time.Time, error) {
	t := s.tenant(tenantID)
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]time.Time, len(t.gapAttempts))
	for k, v := range t.gapAttempts {
		out[k] = v
	}
	return out, nil
}

func cloneFact(f *common.Fact) common.Fact {
	out := *f
	out.Payload = make(map[string]string, len(f.Payload))
	for k, v := range f.Payload {
		out.Payload[k] = v
	}
	out.Provenance = append([]common.Provenance(nil), f.Provenance...)
	out.Embedding = append([]float32(nil), f.Embedding...)
	return out
}

func newID() (string, error) {
	return gonanoid.New()
}
