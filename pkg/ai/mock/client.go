package mock

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"math"
	"sync"

	"github.com/cartahq/carta/backend/pkg/ai"
)

// MockClient is a test double for ai.CareerAIClient.
// It allows custom behavior injection via function fields.
type MockClient struct {
	// FormatFunc is called by GenerateCompletionWithFormat if set.
	// If nil, FormatResponse is unmarshaled into out.
	FormatFunc func(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error

	// FormatResponse is the raw JSON returned by the default
	// GenerateCompletionWithFormat behavior.
	FormatResponse string

	// EmbedFunc is called by GenerateEmbedding if set.
	// If nil, uses default deterministic behavior.
	EmbedFunc func(ctx context.Context, input []byte) ([]float32, error)

	// EmbedDim is the dimensionality of default embeddings. Defaults to 64.
	EmbedDim int

	mu          sync.Mutex
	formatCalls int
	embedCalls  int
	prompts     []string
}

// NewMockClient creates a mock AI client with default deterministic behavior.
func NewMockClient() *MockClient {
	return &MockClient{
		FormatResponse: `{"items":[]}`,
		EmbedDim:       64,
	}
}

// WithFormatFunc sets the structured-completion behavior and returns the
// client for chaining.
func (m *MockClient) WithFormatFunc(
	fn func(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error,
) *MockClient {
	m.FormatFunc = fn
	return m
}

// WithFormatResponse sets the raw JSON the default structured-completion
// behavior unmarshals into out.
func (m *MockClient) WithFormatResponse(raw string) *MockClient {
	m.FormatResponse = raw
	return m
}

// WithEmbedFunc sets the embedding behavior and returns the client for
// chaining.
func (m *MockClient) WithEmbedFunc(
	fn func(ctx context.Context, input []byte) ([]float32, error),
) *MockClient {
	m.EmbedFunc = fn
	return m
}

// GenerateCompletionWithFormat records the prompt and delegates to
// FormatFunc, falling back to unmarshaling FormatResponse.
func (m *MockClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	m.mu.Lock()
	m.formatCalls++
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if m.FormatFunc != nil {
		return m.FormatFunc(ctx, name, description, prompt, out, opts...)
	}
	return json.Unmarshal([]byte(m.FormatResponse), out)
}

// GenerateEmbedding returns a deterministic embedding based on the input
// hash unless EmbedFunc is set.
func (m *MockClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	m.mu.Lock()
	m.embedCalls++
	m.mu.Unlock()

	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, input)
	}
	return DeterministicVector(string(input), m.EmbedDim), nil
}

// ResetMetrics satisfies ai.CareerAIClient; the mock carries no metrics.
func (m *MockClient) ResetMetrics() {}

// GetMetrics satisfies ai.CareerAIClient; the mock carries no metrics.
func (m *MockClient) GetMetrics() ai.ModelMetrics {
	return ai.ModelMetrics{}
}

// FormatCallCount returns the number of structured-completion calls.
func (m *MockClient) FormatCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.formatCalls
}

// EmbedCallCount returns the number of embedding calls.
func (m *MockClient) EmbedCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.embedCalls
}

// Prompts returns a copy of the prompts seen by the structured-completion
// method, in call order.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.prompts))
	copy(out, m.prompts)
	return out
}

// DeterministicVector creates a unit-normalized embedding vector from text.
// It uses FNV hash so the same text always produces the same vector.
func DeterministicVector(text string, dim int) []float32 {
	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()

	vector := make([]float32, dim)
	for i := 0; i < dim; i++ {
		seed = seed*1664525 + 1013904223 // LCG constants
		vector[i] = float32(seed%1000) / 1000.0
	}

	var sumSquares float32
	for _, v := range vector {
		sumSquares += v * v
	}
	if sumSquares > 0 {
		norm := float32(1.0 / math.Sqrt(float64(sumSquares)))
		for i := range vector {
			vector[i] *= norm
		}
	}

	return vector
}
