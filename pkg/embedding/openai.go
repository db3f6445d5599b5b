package embedding

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	openai "github.com/sashabaranov/go-openai"

	"github.com/sells-group/wealth-intel/internal/resilience"
)

// DefaultModel is the embedding model used when none is configured.
const DefaultModel = "text-embedding-3-small"

// OpenAIEmbedder calls the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates an embedder. baseURL may be empty for the public API.
func NewOpenAI(apiKey, model, baseURL string) *OpenAIEmbedder {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: model}
}

// Model returns the embedding model name.
func (e *OpenAIEmbedder) Model() string { return e.model }

// Embed returns one vector per text in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) (*Result, error) {
	if len(texts) == 0 {
		return &Result{}, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, eris.Errorf("embedding: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	res := &Result{Vectors: make([][]float32, len(texts)), Tokens: resp.Usage.PromptTokens}
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, eris.Errorf("embedding: index %d out of range", d.Index)
		}
		res.Vectors[d.Index] = d.Embedding
	}
	return res, nil
}

func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	wrapped := eris.Wrap(err, "embedding: create embeddings")
	if resilience.IsTransientHTTPStatus(status) || (status == 0 && resilience.IsTransient(err)) {
		return resilience.NewTransientError(wrapped, status)
	}
	return wrapped
}
