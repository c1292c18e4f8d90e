package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
)

// DefaultBatchSize caps texts per provider call. OpenAI accepts up to 2048
// inputs per request, but smaller batches keep token-per-minute pressure low.
const DefaultBatchSize = 256

// Error reports a provider failure that exhausted the retry budget. The
// indexing job aborts at the embedding phase; chunks stored by earlier
// batches are kept.
type Error struct {
	Batch int
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("embedding batch %d: %v", e.Batch, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// API is the provider call surface. Client implements it; tests substitute
// stubs.
type API interface {
	CreateEmbeddings(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Embedder generates embeddings with order-preserving batch splitting and
// exponential backoff on rate limit errors.
type Embedder struct {
	api       API
	model     string
	batchSize int
}

// NewEmbedder creates an Embedder. A non-positive batchSize falls back to
// DefaultBatchSize.
func NewEmbedder(api API, model string, batchSize int) *Embedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Embedder{
		api:       api,
		model:     model,
		batchSize: batchSize,
	}
}

// Embed returns one vector per input text, preserving order. Oversized
// inputs are split into multiple provider calls and re-assembled.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))
		batchNum := i / e.batchSize

		batch, err := e.embedBatchWithRetry(ctx, texts[i:end])
		if err != nil {
			return nil, &Error{Batch: batchNum, Err: err}
		}
		if len(batch) != end-i {
			return nil, &Error{Batch: batchNum, Err: fmt.Errorf("provider returned %d vectors for %d inputs", len(batch), end-i)}
		}
		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

// embedBatchWithRetry issues one batch with retry. Rate limit errors retry
// with backoff; everything else is permanent.
func (e *Embedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	operation := func() error {
		v, err := e.api.CreateEmbeddings(ctx, e.model, texts)
		if err != nil {
			if isRateLimitError(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		vectors = v
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	return vectors, err
}

// isRateLimitError checks for HTTP 429 from the provider.
func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}
	return false
}
