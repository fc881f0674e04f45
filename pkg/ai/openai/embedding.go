package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cartahq/carta/backend/internal/util"
	"github.com/cartahq/carta/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
)

const defaultDimensions = 1536

// GenerateEmbedding creates a vector embedding for the given input text
// using the configured embedding model.
//
// The input is provided as a byte slice and will be converted to a string
// before being sent to the embedding model. The returned slice contains
// the embedding vector as float32 values.
func (c *CareerOpenAIClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	res, err := c.GenerateEmbeddings(ctx, [][]byte{input})
	if err != nil {
		return nil, err
	}
	if len(res) != 1 {
		return nil, fmt.Errorf("unexpected embedding result size: got %d want 1", len(res))
	}
	return res[0], nil
}

// GenerateEmbeddings creates embeddings for multiple inputs in a single
// request. Empty inputs embed to zero vectors without a model call.
func (c *CareerOpenAIClient) GenerateEmbeddings(ctx context.Context, inputs [][]byte) ([][]float32, error) {
	dim := int(util.GetEnvNumeric("AI_EMBED_DIM", defaultDimensions))
	if len(inputs) == 0 {
		return nil, nil
	}

	idxMap := make([]int, 0, len(inputs))
	stringsIn := make([]string, 0, len(inputs))
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		if len(strings.TrimSpace(string(in))) == 0 {
			out[i] = make([]float32, dim)
			continue
		}
		idxMap = append(idxMap, i)
		stringsIn = append(stringsIn, string(in))
	}
	if len(stringsIn) == 0 {
		return out, nil
	}

	body := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: stringsIn},
		Model: c.embeddingModel,
	}

	start := time.Now()
	response, err := c.EmbeddingClient.Embeddings.New(ctx, body)
	if err != nil {
		return nil, err
	}

	duration := time.Since(start).Milliseconds()
	metrics := ai.ModelMetrics{
		InputTokens:  int(response.Usage.PromptTokens),
		OutputTokens: 0,
		TotalTokens:  int(response.Usage.TotalTokens),
		DurationMs:   duration,
	}
	c.modifyMetrics(metrics)

	if len(response.Data) != len(stringsIn) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d want %d", len(response.Data), len(stringsIn))
	}

	for _, embedding := range response.Data {
		dataIdx := int(embedding.Index)
		if dataIdx < 0 || dataIdx >= len(stringsIn) {
			return nil, fmt.Errorf("embedding index out of range: %d", embedding.Index)
		}
		vec := make([]float32, 0, dim)
		for _, v := range embedding.Embedding {
			if len(vec) >= dim {
				break
			}
			vec = append(vec, float32(v))
		}
		if len(vec) < dim {
			padded := make([]float32, dim)
			copy(padded, vec)
			vec = padded
		}
		out[idxMap[dataIdx]] = vec
	}
	for i := range out {
		if out[i] == nil {
			return nil, fmt.Errorf("missing embedding for index %d", i)
		}
	}
	return out, nil
}
