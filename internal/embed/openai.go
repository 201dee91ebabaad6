package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/examrag/internal/model"
)

// OpenAIConfig configures an OpenAI-compatible embeddings backend.
type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	// SendDimensions asks the server to shorten vectors to Dimension.
	// Only text-embedding-3 models honour it.
	SendDimensions bool
	BatchSize      int
	MaxRetries     int
	Backoff        time.Duration
}

// OpenAI embeds text through any OpenAI-compatible /embeddings endpoint
// (OpenAI, Azure proxies, Ollama's /v1).
type OpenAI struct {
	api        *openai.Client
	model      string
	dim        int
	sendDims   bool
	batch      int
	maxRetries int
	backoff    time.Duration
}

// NewOpenAI creates an embeddings client.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.Dimension <= 0 {
		return nil, errors.New("openai embedder: dimension must be positive")
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		api:        openai.NewClientWithConfig(config),
		model:      cfg.Model,
		dim:        cfg.Dimension,
		sendDims:   cfg.SendDimensions,
		batch:      cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
	}, nil
}

// Name returns the identifier of this embedder implementation.
func (e *OpenAI) Name() string { return "openai:" + e.model }

// Dimension returns the dimensionality of the produced vectors.
func (e *OpenAI) Dimension() int { return e.dim }

// Embed sends texts in batches of at most BatchSize and returns the
// vectors in input order.
func (e *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batch {
		end := min(start+e.batch, len(texts))
		vecs, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (e *OpenAI) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: batch,
		Model: openai.EmbeddingModel(e.model),
	}
	if e.sendDims {
		req.Dimensions = e.dim
	}

	var resp openai.EmbeddingResponse
	for attempt := 0; ; attempt++ {
		var err error
		resp, err = e.api.CreateEmbeddings(ctx, req)
		if err == nil {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("create embeddings: %w", ctxErr)
		}
		if !retryable(err) || attempt >= e.maxRetries {
			return nil, model.Wrap(model.KindBackendUnavailable, err, "create embeddings")
		}
		delay := e.backoff << attempt
		slog.Warn("embeddings request failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("create embeddings: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	vecs := make([][]float32, len(batch))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(batch) {
			return nil, model.Errorf(model.KindBackendUnavailable, "embeddings response index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	if err := checkShape(e.Name(), len(batch), e.dim, vecs); err != nil {
		return nil, err
	}
	return vecs, nil
}

// retryable reports whether a failed request is worth repeating: rate
// limits, server errors and transport failures.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
