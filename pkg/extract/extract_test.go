package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/cartahq/carta/backend/pkg/ai"
	"github.com/cartahq/carta/backend/pkg/ai/mock"
	"github.com/cartahq/carta/backend/pkg/common"
)

func testArtifact() common.Artifact {
	return common.Artifact{
		ID:       "art-1",
		TenantID: "tenant-1",
		MimeType: "text/plain",
		Source:   common.SourceKindDocument,
		State:    common.ArtifactExtracting,
	}
}

func TestExtract_BuildsValidatedChunks(t *testing.T) {
	client := mock.NewMockClient().WithFormatResponse(`{
		"items": [
			{
				"category": "work-experience",
				"fields": [
					{"key": "title", "value": "Staff Engineer"},
					{"key": "organization", "value": "Acme"},
					{"key": "skills", "value": "Go, Postgres"}
				],
				"quote": "Staff Engineer at Acme since 2019."
			},
			{
				"category": "skill-mention",
				"fields": [{"key": "name", "value": "Go"}],
				"quote": "Deep experience with Go."
			}
		]
	}`)

	extractor := NewExtractor(NewExtractorParams{
		Client: client,
		Method: "llm-structured-v1",
	})

	chunks, err := extractor.Extract(context.Background(), testArtifact(),
		[]byte("Staff Engineer at Acme since 2019. Deep experience with Go."))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("Extract() chunk count = %d, want 2", len(chunks))
	}

	exp := chunks[0]
	if exp.Category != common.FactTypeExperience {
		t.Fatalf("chunk category = %s, want experience", exp.Category)
	}
	if exp.Payload["title"] != "Staff Engineer" || exp.Payload["organization"] != "Acme" {
		t.Fatalf("chunk payload = %+v, missing required fields", exp.Payload)
	}
	if exp.TenantID != "tenant-1" || exp.ArtifactID != "art-1" {
		t.Fatalf("chunk ownership = %s/%s, want tenant-1/art-1", exp.TenantID, exp.ArtifactID)
	}
	if exp.ContentHash == "" || len(exp.Embedding) == 0 {
		t.Fatalf("chunk missing hash or embedding: hash=%q embed=%d", exp.ContentHash, len(exp.Embedding))
	}
	if exp.Method != "llm-structured-v1" {
		t.Fatalf("chunk method = %q, want llm-structured-v1", exp.Method)
	}
}

func TestExtract_ContentHashIsStableAcrossFormatting(t *testing.T) {
	response := `{
		"items": [{
			"category": "skill-mention",
			"fields": [{"key": "name", "value": "Kubernetes"}],
			"quote": "%s"
		}]
	}`

	run := func(quote string) common.ContentChunk {
		client := mock.NewMockClient().
			WithFormatResponse(strings.Replace(response, "%s", quote, 1))
		extractor := NewExtractor(NewExtractorParams{Client: client, Method: "m"})
		chunks, err := extractor.Extract(context.Background(), testArtifact(), []byte(quote))
		if err != nil {
			t.Fatalf("Extract() error = %v", err)
		}
		if len(chunks) != 1 {
			t.Fatalf("Extract() chunk count = %d, want 1", len(chunks))
		}
		return chunks[0]
	}

	a := run("Ran  Kubernetes clusters in production.")
	b := run("ran kubernetes clusters in production.")
	if a.ContentHash != b.ContentHash {
		t.Fatalf("content hash differs across formatting: %s vs %s", a.ContentHash, b.ContentHash)
	}
}

func TestExtract_SkipsUnknownCategoryAndIncompletePayload(t *testing.T) {
	client := mock.NewMockClient().WithFormatResponse(`{
		"items": [
			{"category": "hobby", "fields": [{"key": "name", "value": "chess"}], "quote": "Plays chess."},
			{"category": "work-experience", "fields": [{"key": "title", "value": "Engineer"}], "quote": "Engineer somewhere."},
			{"category": "certification", "fields": [{"key": "name", "value": "CKA"}], "quote": "Holds the CKA."}
		]
	}`)

	extractor := NewExtractor(NewExtractorParams{Client: client, Method: "m"})
	chunks, err := extractor.Extract(context.Background(), testArtifact(),
		[]byte("Plays chess. Engineer somewhere. Holds the CKA."))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Extract() chunk count = %d, want 1 (unknown category and incomplete payload skipped)", len(chunks))
	}
	if chunks[0].Category != common.FactTypeCertification {
		t.Fatalf("surviving chunk category = %s, want certification", chunks[0].Category)
	}
}

func TestExtract_ZeroChunksIsNotAnError(t *testing.T) {
	client := mock.NewMockClient()

	extractor := NewExtractor(NewExtractorParams{Client: client, Method: "m"})
	chunks, err := extractor.Extract(context.Background(), testArtifact(),
		[]byte("Lorem ipsum with no career content."))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("Extract() chunk count = %d, want 0", len(chunks))
	}
}

func TestExtract_EmptyContentYieldsNoChunksAndNoModelCalls(t *testing.T) {
	client := mock.NewMockClient()

	extractor := NewExtractor(NewExtractorParams{Client: client, Method: "m"})
	chunks, err := extractor.Extract(context.Background(), testArtifact(), []byte("   \n\n  "))
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if len(chunks) != 0 {
		t.Fatalf("Extract() chunk count = %d, want 0", len(chunks))
	}
	if client.FormatCallCount() != 0 {
		t.Fatalf("model called %d times for empty content, want 0", client.FormatCallCount())
	}
}

func TestExtract_ModelFailureIsExtractionFailure(t *testing.T) {
	client := mock.NewMockClient().WithFormatFunc(
		func(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
			return errors.New("capability unavailable")
		},
	)

	extractor := NewExtractor(NewExtractorParams{Client: client, Method: "m"})
	_, err := extractor.Extract(context.Background(), testArtifact(),
		[]byte("Staff Engineer at Acme."))
	if !errors.Is(err, common.ErrExtractionFailure) {
		t.Fatalf("Extract() error = %v, want ErrExtractionFailure", err)
	}
}

func TestExtract_InvalidBytesAreInvalidArtifact(t *testing.T) {
	client := mock.NewMockClient()

	extractor := NewExtractor(NewExtractorParams{Client: client, Method: "m"})
	_, err := extractor.Extract(context.Background(), testArtifact(),
		[]byte{0xff, 0xfe, 0xfd, 'a', 'b'})
	if !errors.Is(err, common.ErrInvalidArtifact) {
		t.Fatalf("Extract() error = %v, want ErrInvalidArtifact", err)
	}
}

func TestExtract_MalformedModelOutputRetriesThenFails(t *testing.T) {
	calls := 0
	client := mock.NewMockClient().WithFormatFunc(
		func(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
			calls++
			return json.Unmarshal([]byte(`]][[ not json`), out)
		},
	)

	extractor := NewExtractor(NewExtractorParams{Client: client, Method: "m"})
	_, err := extractor.Extract(context.Background(), testArtifact(),
		[]byte("Staff Engineer at Acme."))
	if !errors.Is(err, common.ErrExtractionFailure) {
		t.Fatalf("Extract() error = %v, want ErrExtractionFailure", err)
	}
	if calls < 2 {
		t.Fatalf("model called %d times, want at least one retry", calls)
	}
}
