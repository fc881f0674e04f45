package openai

import (
	"sync"

	"github.com/cartahq/carta/backend/pkg/ai"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// CareerOpenAIClient is a client for the AI models used by the ingestion
// pipeline. It manages separate OpenAI clients for embeddings and
// chat/completion tasks so the two can point at different providers.
//
// A CareerOpenAIClient should be created using NewCareerOpenAIClient.
type CareerOpenAIClient struct {
	embeddingModel  string
	extractionModel string

	embeddingURL string
	embeddingKey string
	chatURL      string
	chatKey      string

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	ChatClient      *openai.Client
	EmbeddingClient *openai.Client
}

// NewCareerOpenAIClientParams defines the configuration parameters for
// creating a new CareerOpenAIClient.
//
// EmbeddingModel specifies the model used for embeddings.
// ExtractionModel specifies the model used for chunk classification and
// field extraction.
// EmbeddingURL and EmbeddingKey configure the embedding API endpoint.
// ChatURL and ChatKey configure the chat/completion API endpoint.
type NewCareerOpenAIClientParams struct {
	EmbeddingModel  string
	ExtractionModel string

	EmbeddingURL string
	EmbeddingKey string
	ChatURL      string
	ChatKey      string
}

// NewCareerOpenAIClient creates and returns a new CareerOpenAIClient
// configured with the provided parameters. It initializes separate OpenAI
// clients for embeddings and chat/completion tasks.
func NewCareerOpenAIClient(
	params NewCareerOpenAIClientParams,
) *CareerOpenAIClient {
	chatClient := newOpenaiClient(params.ChatURL, params.ChatKey)
	embedClient := newOpenaiClient(params.EmbeddingURL, params.EmbeddingKey)

	return &CareerOpenAIClient{
		embeddingModel:  params.EmbeddingModel,
		extractionModel: params.ExtractionModel,

		chatURL:      params.ChatURL,
		chatKey:      params.ChatKey,
		embeddingURL: params.EmbeddingURL,
		embeddingKey: params.EmbeddingKey,

		metricsLock: sync.Mutex{},
		metrics: ai.ModelMetrics{
			InputTokens:  0,
			OutputTokens: 0,
			TotalTokens:  0,
			DurationMs:   0,
		},

		ChatClient:      chatClient,
		EmbeddingClient: embedClient,
	}
}

func newOpenaiClient(
	baseURL string,
	apiKey string,
) *openai.Client {
	if apiKey == "" {
		return nil
	}
	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(options...)

	return &client
}
