package embed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var (
	errEmbeddingCountMismatch = errors.New("embedding count does not match input count")
	errUpstreamFailure        = errors.New("embedding backend request failed")
)

// OpenAIOptions configures the OpenAI-compatible backend.
type OpenAIOptions struct {
	// BaseURL overrides the API endpoint, for OpenAI-compatible
	// servers.
	BaseURL string

	// Model is the embedding model name.
	Model openai.EmbeddingModel

	// Dimension requests reduced-dimension embeddings where the model
	// supports it.
	Dimension int

	// MaxRetries bounds retry attempts for retryable failures.
	MaxRetries int

	// RequestsPerSecond throttles calls to the backend. Zero disables
	// throttling.
	RequestsPerSecond float64
}

// OpenAIBackend embeds via the OpenAI embeddings API (or any
// compatible endpoint).
type OpenAIBackend struct {
	client  *openai.Client
	opts    OpenAIOptions
	limiter *rate.Limiter
}

// NewOpenAIBackend creates a backend authenticated with apiKey.
func NewOpenAIBackend(apiKey string, optFns ...func(o *OpenAIOptions)) *OpenAIBackend {
	opts := OpenAIOptions{
		Model:      openai.SmallEmbedding3,
		Dimension:  DefaultDimension,
		MaxRetries: 3,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	cfg := openai.DefaultConfig(apiKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return &OpenAIBackend{
		client:  openai.NewClientWithConfig(cfg),
		opts:    opts,
		limiter: limiter,
	}
}

// Dimension returns the configured dimensionality.
func (b *OpenAIBackend) Dimension() int {
	return b.opts.Dimension
}

// EmbedBatch embeds texts with bounded retries on transient failures.
func (b *OpenAIBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := b.withRetry(ctx, func() (openai.EmbeddingResponse, error) {
		return b.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input:      texts,
			Model:      b.opts.Model,
			Dimensions: b.opts.Dimension,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errUpstreamFailure, err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d, want %d", errEmbeddingCountMismatch, len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (b *OpenAIBackend) withRetry(ctx context.Context, fn func() (openai.EmbeddingResponse, error)) (openai.EmbeddingResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= b.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return openai.EmbeddingResponse{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) {
			break
		}
	}
	return openai.EmbeddingResponse{}, lastErr
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
