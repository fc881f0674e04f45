package extract

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cartahq/carta/backend/internal/util"
	"github.com/cartahq/carta/backend/pkg/ai"
	"github.com/cartahq/carta/backend/pkg/common"
	"github.com/cartahq/carta/backend/pkg/logger"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/errgroup"
)

// wireCategories lists the category tags the extraction model may emit, in
// the order they appear in the prompt.
var wireCategories = []string{
	"work-experience",
	"education",
	"skill-mention",
	"achievement",
	"certification",
}

// categoryToType maps wire category tags onto fact types. Unknown categories
// are skipped, not failed.
var categoryToType = map[string]common.FactType{
	"work-experience": common.FactTypeExperience,
	"education":       common.FactTypeEducation,
	"skill-mention":   common.FactTypeSkill,
	"achievement":     common.FactTypeAchievement,
	"certification":   common.FactTypeCertification,
}

type extractedField struct {
	Key   string `json:"key" jsonschema_description:"Field name"`
	Value string `json:"value" jsonschema_description:"Field value, empty when unknown"`
}

type extractedItem struct {
	Category string           `json:"category" jsonschema_description:"Category tag for this statement"`
	Fields   []extractedField `json:"fields" jsonschema_description:"Structured fields extracted from the statement"`
	Quote    string           `json:"quote" jsonschema_description:"Supporting sentence copied verbatim"`
}

type extractionResult struct {
	Items []extractedItem `json:"items" jsonschema_description:"Extracted career statements"`
}

// Extractor turns one artifact's text into classified, hashed, embedded
// content chunks. It performs no graph writes.
type Extractor struct {
	client    ai.CareerAIClient
	method    string
	encoder   string
	maxTokens int
	parallel  int
}

// NewExtractorParams configures an Extractor.
//
// Method names the extraction capability recorded in provenance, e.g.
// "llm-structured-v1". Encoder and MaxTokens bound span size before each
// model call. Parallel bounds concurrent model calls per artifact.
type NewExtractorParams struct {
	Client    ai.CareerAIClient
	Method    string
	Encoder   string
	MaxTokens int
	Parallel  int
}

// NewExtractor creates an Extractor with the provided parameters.
func NewExtractor(params NewExtractorParams) *Extractor {
	encoder := params.Encoder
	if encoder == "" {
		encoder = "o200k_base"
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 600
	}
	parallel := params.Parallel
	if parallel <= 0 {
		parallel = 4
	}
	return &Extractor{
		client:    params.Client,
		method:    params.Method,
		encoder:   encoder,
		maxTokens: maxTokens,
		parallel:  parallel,
	}
}

// Extract classifies the artifact content and returns the resulting chunks.
// A zero-chunk result is valid: unclassifiable content is not an error.
//
// Content must already have passed the upstream security and MIME check;
// non-text bytes surface as ErrInvalidArtifact. Model unavailability or
// persistently malformed model output surfaces as ErrExtractionFailure.
func (e *Extractor) Extract(
	ctx context.Context,
	artifact common.Artifact,
	content []byte,
) ([]common.ContentChunk, error) {
	text := strings.TrimSpace(string(content))
	if text == "" {
		return nil, nil
	}
	if !utf8.ValidString(text) {
		return nil, fmt.Errorf("%w: content of %s is not valid text", common.ErrInvalidArtifact, artifact.ID)
	}

	spans, err := transformIntoSpans(text, e.encoder, e.maxTokens)
	if err != nil {
		return nil, fmt.Errorf("%w: span transform: %v", common.ErrExtractionFailure, err)
	}
	if len(spans) == 0 {
		return nil, nil
	}

	perSpan := make([][]common.ContentChunk, len(spans))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(e.parallel)
	for i := range spans {
		idx := i
		span := spans[i]
		eg.Go(func() error {
			chunks, err := e.extractSpan(ectx, artifact, span)
			if err != nil {
				return err
			}
			perSpan[idx] = chunks
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var out []common.ContentChunk
	for _, chunks := range perSpan {
		out = append(out, chunks...)
	}

	logger.Debug("[Extract] artifact processed",
		"artifact", artifact.ID,
		"spans", len(spans),
		"chunks", len(out),
	)
	return out, nil
}

func (e *Extractor) extractSpan(
	ctx context.Context,
	artifact common.Artifact,
	span textSpan,
) ([]common.ContentChunk, error) {
	prompt := fmt.Sprintf(ai.ClassifyExtractPrompt, strings.Join(wireCategories, ", ")) +
		"\n# Input\n" + span.text

	var result extractionResult
	err := util.RetryErrWithContext(ctx, 2, func(rCtx context.Context) error {
		result = extractionResult{}
		return e.client.GenerateCompletionWithFormat(
			rCtx,
			"career_extraction",
			"Classified career statements with structured fields",
			prompt,
			&result,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrExtractionFailure, err)
	}

	var chunks []common.ContentChunk
	for _, item := range result.Items {
		chunk, ok, err := e.buildChunk(ctx, artifact, span, item)
		if err != nil {
			return nil, err
		}
		if ok {
			chunks = append(chunks, chunk)
		}
	}
	return chunks, nil
}

func (e *Extractor) buildChunk(
	ctx context.Context,
	artifact common.Artifact,
	span textSpan,
	item extractedItem,
) (common.ContentChunk, bool, error) {
	factType, ok := categoryToType[strings.TrimSpace(strings.ToLower(item.Category))]
	if !ok {
		logger.Debug("[Extract] skipping unknown category",
			"artifact", artifact.ID,
			"category", item.Category,
		)
		return common.ContentChunk{}, false, nil
	}

	payload := make(map[string]string, len(item.Fields))
	for _, f := range item.Fields {
		key := strings.TrimSpace(strings.ToLower(f.Key))
		value := strings.TrimSpace(f.Value)
		if key == "" || value == "" {
			continue
		}
		payload[key] = value
	}

	if missing, valid := common.ValidatePayload(factType, payload); !valid {
		logger.Debug("[Extract] skipping incomplete item",
			"artifact", artifact.ID,
			"type", factType,
			"missing", missing,
		)
		return common.ContentChunk{}, false, nil
	}

	text := strings.TrimSpace(item.Quote)
	if text == "" {
		text = span.text
	}
	normalized := util.NormalizeText(text)
	if normalized == "" {
		return common.ContentChunk{}, false, nil
	}

	embedding, err := e.client.GenerateEmbedding(ctx, []byte(normalized))
	if err != nil {
		return common.ContentChunk{}, false, fmt.Errorf("%w: embedding: %v", common.ErrExtractionFailure, err)
	}

	id, err := gonanoid.New()
	if err != nil {
		return common.ContentChunk{}, false, err
	}

	return common.ContentChunk{
		ID:             id,
		ArtifactID:     artifact.ID,
		TenantID:       artifact.TenantID,
		Category:       factType,
		Payload:        payload,
		Span:           common.Span{Start: span.start, End: span.end},
		Text:           text,
		NormalizedText: normalized,
		ContentHash:    util.ContentHash(text),
		Embedding:      embedding,
		Method:         e.method,
		ExtractedAt:    time.Now().UTC(),
	}, true, nil
}
