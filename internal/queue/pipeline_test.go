package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cartahq/carta/backend/pkg/ai/mock"
	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/extract"
	"github.com/cartahq/carta/backend/pkg/store"
	"github.com/cartahq/carta/backend/pkg/store/memory"
)

const experienceResponse = `{
	"items": [
		{
			"category": "work-experience",
			"fields": [
				{"key": "title", "value": "Software Engineer"},
				{"key": "organization", "value": "Acme"},
				{"key": "skills", "value": "Go"}
			],
			"quote": "Software Engineer at Acme."
		}
	]
}`

type fakePublisher struct {
	mu     sync.Mutex
	fifo   map[string][][]byte
	topics map[string][][]byte
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		fifo:   make(map[string][][]byte),
		topics: make(map[string][][]byte),
	}
}

func (f *fakePublisher) PublishFIFO(queueName string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fifo[queueName] = append(f.fifo[queueName], data)
	return nil
}

func (f *fakePublisher) PublishTopic(topic string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics[topic] = append(f.topics[topic], data)
	return nil
}

func (f *fakePublisher) popFIFO(queueName string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.fifo[queueName]
	if len(queue) == 0 {
		return nil, false
	}
	body := queue[0]
	f.fifo[queueName] = queue[1:]
	return body, true
}

func (f *fakePublisher) fifoLen(queueName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fifo[queueName])
}

func (f *fakePublisher) topicCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.topics[topic])
}

func (f *fakePublisher) lastTopic(t *testing.T, topic string) Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	bodies := f.topics[topic]
	if len(bodies) == 0 {
		t.Fatalf("no %s event published", topic)
	}
	env, err := ParseEnvelope(bodies[len(bodies)-1])
	if err != nil {
		t.Fatalf("ParseEnvelope(%s) error = %v", topic, err)
	}
	return env
}

type fakeObjects struct {
	mu     sync.Mutex
	files  map[string][]byte
	readFn func(ctx context.Context, ref string) ([]byte, error)
	reads  int
	purged []string
}

func (o *fakeObjects) Read(ctx context.Context, ref string) ([]byte, error) {
	o.mu.Lock()
	o.reads++
	o.mu.Unlock()
	if o.readFn != nil {
		return o.readFn(ctx, ref)
	}
	data, ok := o.files[ref]
	if !ok {
		return nil, fmt.Errorf("object %s missing", ref)
	}
	return data, nil
}

func (o *fakeObjects) PurgeTenant(ctx context.Context, tenantID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.purged = append(o.purged, tenantID)
	return nil
}

func (o *fakeObjects) readCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reads
}

func testPipeline(t *testing.T, objects ObjectStore, client *mock.MockClient) (*Pipeline, *fakePublisher, *memory.Store) {
	t.Helper()
	st := memory.NewStore(memory.NewStoreParams{})
	pub := newFakePublisher()
	p := NewPipeline(NewPipelineParams{
		Store: st,
		Extractor: extract.NewExtractor(extract.NewExtractorParams{
			Client: client,
			Method: "llm-structured-v1",
		}),
		Objects:      objects,
		Publisher:    pub,
		MaxAttempts:  3,
		StageTimeout: 100 * time.Millisecond,
		RetryBase:    time.Millisecond,
	})
	return p, pub, st
}

func mustEnvelope(t *testing.T, topic, tenantID string, seq uint64, payload any) []byte {
	t.Helper()
	body, err := Marshal(topic, tenantID, seq, payload)
	if err != nil {
		t.Fatalf("Marshal(%s) error = %v", topic, err)
	}
	return body
}

// drainPipeline runs queued stage messages until the pipeline settles.
func drainPipeline(t *testing.T, p *Pipeline, pub *fakePublisher) {
	t.Helper()
	for {
		progressed := false
		for _, queueName := range PipelineQueues {
			for {
				body, ok := pub.popFIFO(queueName)
				if !ok {
					break
				}
				progressed = true
				if err := p.Handler(queueName)(context.Background(), body); err != nil {
					t.Fatalf("handler(%s) error = %v", queueName, err)
				}
			}
		}
		if !progressed {
			return
		}
	}
}

func uploadBody(t *testing.T, tenantID, artifactID, ref string, seq uint64) []byte {
	t.Helper()
	return mustEnvelope(t, TopicDocumentUploaded, tenantID, seq, DocumentUploaded{
		ArtifactID: artifactID,
		StorageRef: ref,
		MimeType:   "text/plain",
		Source:     common.SourceKindDocument,
	})
}

func TestPipeline_EndToEnd(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{files: map[string][]byte{
		"t1/resume.txt": []byte("Software Engineer at Acme."),
	}}
	client := mock.NewMockClient().WithFormatResponse(experienceResponse)
	p, pub, st := testPipeline(t, objects, client)

	if err := p.ProcessIngest(ctx, uploadBody(t, "t1", "art-1", "t1/resume.txt", 1000)); err != nil {
		t.Fatalf("ProcessIngest() error = %v", err)
	}
	drainPipeline(t, p, pub)

	artifact, err := st.GetArtifact(ctx, "t1", "art-1")
	if err != nil {
		t.Fatalf("GetArtifact() error = %v", err)
	}
	if artifact.State != common.ArtifactGapAnalyzed {
		t.Fatalf("artifact state = %s, want gap_analyzed", artifact.State)
	}

	facts, err := st.ActiveFacts(ctx, "t1", common.FactTypeExperience)
	if err != nil {
		t.Fatalf("ActiveFacts() error = %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("active fact count = %d, want 1", len(facts))
	}

	for _, topic := range []string{
		TopicDocumentClassified,
		TopicFactCreated,
		TopicKnowledgeUpdated,
		TopicInsightGenerated,
	} {
		if pub.topicCount(topic) == 0 {
			t.Fatalf("no %s event published", topic)
		}
	}

	var created FactChanged
	if err := pub.lastTopic(t, TopicFactCreated).Decode(&created); err != nil {
		t.Fatalf("decode fact.created: %v", err)
	}
	if created.FactID != facts[0].ID || len(created.ProvenanceRefs) != 1 {
		t.Fatalf("fact.created = %+v, want fact %s with one provenance ref", created, facts[0].ID)
	}
}

func TestPipeline_TwoArtifactsSameContentMerge(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{files: map[string][]byte{
		"t1/resume.txt": []byte("Software Engineer at Acme."),
		"t1/letter.txt": []byte("Software Engineer at Acme."),
	}}
	client := mock.NewMockClient().WithFormatResponse(experienceResponse)
	p, pub, st := testPipeline(t, objects, client)

	if err := p.ProcessIngest(ctx, uploadBody(t, "t1", "art-1", "t1/resume.txt", 1000)); err != nil {
		t.Fatalf("first ProcessIngest() error = %v", err)
	}
	drainPipeline(t, p, pub)
	if err := p.ProcessIngest(ctx, uploadBody(t, "t1", "art-2", "t1/letter.txt", 2000)); err != nil {
		t.Fatalf("second ProcessIngest() error = %v", err)
	}
	drainPipeline(t, p, pub)

	facts, err := st.ActiveFacts(ctx, "t1", common.FactTypeExperience)
	if err != nil {
		t.Fatalf("ActiveFacts() error = %v", err)
	}
	if len(facts) != 1 {
		t.Fatalf("active fact count = %d, want 1 after identical content", len(facts))
	}
	if len(facts[0].Provenance) != 2 {
		t.Fatalf("provenance count = %d, want 2", len(facts[0].Provenance))
	}
	if pub.topicCount(TopicFactMerged) == 0 {
		t.Fatalf("no fact.merged event published")
	}
}

func TestProcessIngest_ReplayPublishesNothingTwice(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{files: map[string][]byte{
		"t1/resume.txt": []byte("Software Engineer at Acme."),
	}}
	client := mock.NewMockClient().WithFormatResponse(experienceResponse)
	p, pub, _ := testPipeline(t, objects, client)

	body := uploadBody(t, "t1", "art-1", "t1/resume.txt", 1000)
	if err := p.ProcessIngest(ctx, body); err != nil {
		t.Fatalf("ProcessIngest() error = %v", err)
	}
	merges := pub.fifoLen(MergeQueue)

	if err := p.ProcessIngest(ctx, body); err != nil {
		t.Fatalf("replayed ProcessIngest() error = %v", err)
	}
	if pub.fifoLen(MergeQueue) != merges {
		t.Fatalf("replay enqueued more merge messages: %d then %d", merges, pub.fifoLen(MergeQueue))
	}
	if pub.topicCount(TopicDocumentClassified) != 1 {
		t.Fatalf("document.classified published %d times, want 1",
			pub.topicCount(TopicDocumentClassified))
	}
}

func TestProcessIngest_NoContentCompletesArtifact(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{files: map[string][]byte{
		"t1/empty.txt": []byte("   \n\n  "),
	}}
	client := mock.NewMockClient()
	p, pub, st := testPipeline(t, objects, client)

	if err := p.ProcessIngest(ctx, uploadBody(t, "t1", "art-1", "t1/empty.txt", 1000)); err != nil {
		t.Fatalf("ProcessIngest() error = %v", err)
	}
	drainPipeline(t, p, pub)

	artifact, _ := st.GetArtifact(ctx, "t1", "art-1")
	if artifact.State != common.ArtifactGapAnalyzed || !artifact.NoContent {
		t.Fatalf("artifact = %+v, want gap_analyzed with no-content mark", artifact)
	}
	if client.FormatCallCount() != 0 {
		t.Fatalf("model called %d times for empty content", client.FormatCallCount())
	}

	var insight InsightGenerated
	if err := pub.lastTopic(t, TopicInsightGenerated).Decode(&insight); err != nil {
		t.Fatalf("decode insight.generated: %v", err)
	}
	if len(insight.GapSignals) == 0 {
		t.Fatalf("empty graph produced no gap signals")
	}
}

func TestProcessIngest_TimeoutFailsArtifactExactlyOnce(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{
		readFn: func(ctx context.Context, ref string) ([]byte, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	client := mock.NewMockClient()
	st := memory.NewStore(memory.NewStoreParams{})
	pub := newFakePublisher()
	p := NewPipeline(NewPipelineParams{
		Store: st,
		Extractor: extract.NewExtractor(extract.NewExtractorParams{
			Client: client,
			Method: "llm-structured-v1",
		}),
		Objects:      objects,
		Publisher:    pub,
		MaxAttempts:  3,
		StageTimeout: 10 * time.Millisecond,
		RetryBase:    time.Millisecond,
	})

	body := uploadBody(t, "t1", "art-1", "t1/resume.txt", 1000)
	if err := p.ProcessIngest(ctx, body); err != nil {
		t.Fatalf("ProcessIngest() error = %v, want handled failure", err)
	}

	if objects.readCount() != 3 {
		t.Fatalf("read attempts = %d, want retry ceiling of 3", objects.readCount())
	}

	artifact, err := st.GetArtifact(ctx, "t1", "art-1")
	if err != nil {
		t.Fatalf("GetArtifact() error = %v", err)
	}
	if artifact.State != common.ArtifactFailed ||
		artifact.FailedStage != string(common.ArtifactExtracting) ||
		artifact.FailureReason != "timeout" {
		t.Fatalf("artifact = %+v, want Failed(extracting, timeout)", artifact)
	}

	var failed ArtifactFailed
	if err := pub.lastTopic(t, TopicArtifactFailed).Decode(&failed); err != nil {
		t.Fatalf("decode artifact.failed: %v", err)
	}
	if failed.Stage != "extracting" || failed.Reason != "timeout" {
		t.Fatalf("artifact.failed = %+v, want extracting/timeout", failed)
	}

	// Redelivery of the same event must not emit a second failure.
	if err := p.ProcessIngest(ctx, body); err != nil {
		t.Fatalf("replayed ProcessIngest() error = %v", err)
	}
	if pub.topicCount(TopicArtifactFailed) != 1 {
		t.Fatalf("artifact.failed published %d times, want exactly 1",
			pub.topicCount(TopicArtifactFailed))
	}
}

func TestProcessRetract_CascadeAndReanalysis(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{files: map[string][]byte{
		"t1/resume.txt": []byte("Software Engineer at Acme."),
	}}
	client := mock.NewMockClient().WithFormatResponse(experienceResponse)
	p, pub, st := testPipeline(t, objects, client)

	if err := p.ProcessIngest(ctx, uploadBody(t, "t1", "art-1", "t1/resume.txt", 1000)); err != nil {
		t.Fatalf("ProcessIngest() error = %v", err)
	}
	drainPipeline(t, p, pub)

	facts, _ := st.ActiveFacts(ctx, "t1", common.FactTypeExperience)
	if len(facts) != 1 {
		t.Fatalf("active fact count = %d, want 1", len(facts))
	}

	body := mustEnvelope(t, TopicFactRetract, "t1", 2000, RetractRequest{FactID: facts[0].ID})
	if err := p.ProcessRetract(ctx, body); err != nil {
		t.Fatalf("ProcessRetract() error = %v", err)
	}

	got, _ := st.GetFact(ctx, "t1", facts[0].ID)
	if got.Status != common.FactRetracted {
		t.Fatalf("fact status = %s, want retracted", got.Status)
	}
	if pub.topicCount(TopicFactRetracted) != 1 {
		t.Fatalf("fact.retracted published %d times, want 1", pub.topicCount(TopicFactRetracted))
	}
	if pub.fifoLen(InsightQueue) == 0 {
		t.Fatalf("retraction did not requeue gap analysis")
	}
	drainPipeline(t, p, pub)

	// Retraction requests replay like any other event.
	if err := p.ProcessRetract(ctx, body); err != nil {
		t.Fatalf("replayed ProcessRetract() error = %v", err)
	}
	if pub.topicCount(TopicFactRetracted) != 1 {
		t.Fatalf("replay re-emitted fact.retracted")
	}
}

func TestProcessRetract_TenantPurge(t *testing.T) {
	ctx := context.Background()
	objects := &fakeObjects{files: map[string][]byte{
		"t1/resume.txt": []byte("Software Engineer at Acme."),
	}}
	client := mock.NewMockClient().WithFormatResponse(experienceResponse)
	p, pub, st := testPipeline(t, objects, client)

	if err := p.ProcessIngest(ctx, uploadBody(t, "t1", "art-1", "t1/resume.txt", 1000)); err != nil {
		t.Fatalf("ProcessIngest() error = %v", err)
	}
	drainPipeline(t, p, pub)

	purge := mustEnvelope(t, TopicTenantPurge, "t1", 2000, TenantPurgeRequest{})
	if err := p.ProcessRetract(ctx, purge); err != nil {
		t.Fatalf("ProcessRetract(purge) error = %v", err)
	}

	aborted, _ := st.TenantAborted(ctx, "t1")
	if !aborted {
		t.Fatalf("tenant not tombstoned after purge")
	}
	objects.mu.Lock()
	purged := len(objects.purged)
	objects.mu.Unlock()
	if purged != 1 {
		t.Fatalf("object purge calls = %d, want 1", purged)
	}

	// Late events for the purged tenant are dropped, not re-materialized.
	if err := p.ProcessIngest(ctx, uploadBody(t, "t1", "art-2", "t1/resume.txt", 3000)); err != nil {
		t.Fatalf("post-purge ProcessIngest() error = %v", err)
	}
	if _, err := st.GetArtifact(ctx, "t1", "art-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("post-purge artifact was created, want dropped")
	}
}

func TestProcessMerge_UnknownChunkIsRetriable(t *testing.T) {
	ctx := context.Background()
	client := mock.NewMockClient()
	p, _, _ := testPipeline(t, &fakeObjects{}, client)

	body := mustEnvelope(t, TopicContentExtracted, "t1", 1000, ContentExtracted{
		ChunkID:    "missing",
		ArtifactID: "art-1",
		Category:   common.FactTypeExperience,
	})
	if err := p.ProcessMerge(ctx, body); err == nil {
		t.Fatalf("ProcessMerge(unknown chunk) = nil, want error for queue-level retry")
	}
}
