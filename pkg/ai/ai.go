package ai

import "context"

// GenerateOptions holds configuration for AI generation requests.
type GenerateOptions struct {
	Model         string   // Model identifier to use for generation
	SystemPrompts []string // System prompts prepended to the request
	Temperature   float64  // Sampling temperature (0.0-2.0)
}

// GenerateOption is a functional option for configuring AI generation requests.
type GenerateOption func(*GenerateOptions)

// WithModel returns a GenerateOption that sets the model to use for generation.
func WithModel(model string) GenerateOption {
	return func(o *GenerateOptions) {
		o.Model = model
	}
}

// WithSystemPrompts returns a GenerateOption that sets the system prompts
// to prepend to the generation request.
func WithSystemPrompts(prompts ...string) GenerateOption {
	return func(o *GenerateOptions) {
		o.SystemPrompts = prompts
	}
}

// WithTemperature returns a GenerateOption that sets the sampling temperature.
func WithTemperature(temp float64) GenerateOption {
	return func(o *GenerateOptions) {
		o.Temperature = temp
	}
}

// ModelMetrics contains performance metrics from AI model operations.
type ModelMetrics struct {
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	TotalTokens  int   `json:"total_tokens"`
	DurationMs   int64 `json:"duration_ms"`
}

// CareerAIClient is the inference capability the pipeline consumes: typed
// structured extraction and embeddings. The pipeline treats implementations
// as untrusted producers; their output is validated before entering the
// graph.
type CareerAIClient interface {
	// GenerateCompletionWithFormat sends a prompt to the model and
	// unmarshals the response into out, using a JSON schema derived from
	// out's type to enforce structure.
	GenerateCompletionWithFormat(
		ctx context.Context,
		name string,
		description string,
		prompt string,
		out any,
		opts ...GenerateOption,
	) error

	// GenerateEmbedding creates a vector embedding for the given input.
	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)

	ResetMetrics()
	GetMetrics() ModelMetrics
}
