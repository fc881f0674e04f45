package ollama

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/cartahq/carta/backend/pkg/ai"

	"github.com/ollama/ollama/api"
	"golang.org/x/sync/semaphore"
)

// CareerOllamaClient implements the ai.CareerAIClient interface using Ollama
// as the backend. It supports structured extraction and embeddings via
// locally-hosted models.
type CareerOllamaClient struct {
	embeddingModel  string
	extractionModel string

	reqLock *semaphore.Weighted

	metricsLock sync.Mutex
	metrics     ai.ModelMetrics

	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client

	Client *api.Client
}

// NewCareerOllamaClientParams contains configuration options for creating a
// new CareerOllamaClient.
type NewCareerOllamaClientParams struct {
	EmbeddingModel  string
	ExtractionModel string

	BaseURL string
	ApiKey  string

	MaxConcurrentRequests int64
}

type headerTransport struct {
	headers map[string]string
	rt      http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// clone so original request isn't modified
	r := req.Clone(req.Context())
	for k, v := range t.headers {
		// don't overwrite if already set
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.rt.RoundTrip(r)
}

// NewCareerOllamaClient creates a new Ollama-based AI client with the
// specified configuration. It connects to the Ollama server at the given
// BaseURL (or the default if empty) and uses the configured models for
// extraction and embeddings.
func NewCareerOllamaClient(
	params NewCareerOllamaClientParams,
) (*CareerOllamaClient, error) {
	var (
		u   *url.URL
		err error
	)

	if params.BaseURL != "" {
		u, err = url.Parse(params.BaseURL)
		if err != nil {
			return nil, err
		}
	}

	httpClient := &http.Client{
		Transport: &headerTransport{
			headers: map[string]string{
				"Authorization": "Bearer " + params.ApiKey,
			},
			rt: http.DefaultTransport,
		},
	}

	cli := api.NewClient(u, httpClient)

	sem := semaphore.NewWeighted(params.MaxConcurrentRequests)

	return &CareerOllamaClient{
		embeddingModel:  params.EmbeddingModel,
		extractionModel: params.ExtractionModel,

		reqLock: sem,

		metricsLock: sync.Mutex{},
		metrics: ai.ModelMetrics{
			InputTokens:  0,
			OutputTokens: 0,
			TotalTokens:  0,
			DurationMs:   0,
		},

		baseURL:    u,
		apiKey:     params.ApiKey,
		httpClient: httpClient,

		Client: cli,
	}, nil
}
