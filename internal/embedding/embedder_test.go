package embedding

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAPI records batches and returns a deterministic vector per text.
type stubAPI struct {
	calls   [][]string
	failFor int // fail the first N calls
	err     error
}

func (s *stubAPI) CreateEmbeddings(_ context.Context, _ string, texts []string) ([][]float32, error) {
	s.calls = append(s.calls, texts)
	if s.failFor > 0 {
		s.failFor--
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func TestEmbed_SplitsBatchesPreservingOrder(t *testing.T) {
	api := &stubAPI{}
	e := NewEmbedder(api, "test-model", 2)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := e.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 5)

	// Batches of 2, 2, 1.
	require.Len(t, api.calls, 3)
	assert.Equal(t, []string{"a", "bb"}, api.calls[0])
	assert.Equal(t, []string{"ccc", "dddd"}, api.calls[1])
	assert.Equal(t, []string{"eeeee"}, api.calls[2])

	// Order preserved: vector i encodes len(texts[i]).
	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0])
	}
}

func TestEmbed_EmptyInput(t *testing.T) {
	api := &stubAPI{}
	e := NewEmbedder(api, "test-model", 0)

	vectors, err := e.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Empty(t, api.calls)
}

func TestEmbed_PermanentErrorFailsFirstBatch(t *testing.T) {
	api := &stubAPI{failFor: 10, err: errors.New("invalid api key")}
	e := NewEmbedder(api, "test-model", 2)

	_, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.Error(t, err)

	var embErr *Error
	require.True(t, errors.As(err, &embErr))
	assert.Equal(t, 0, embErr.Batch)

	// Non-rate-limit errors are permanent: exactly one provider call.
	assert.Len(t, api.calls, 1)
}

func TestEmbed_SurfacesBatchNumber(t *testing.T) {
	api := &countingAPI{failOnCall: 2}
	e := NewEmbedder(api, "test-model", 1)

	_, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.Error(t, err)

	var embErr *Error
	require.True(t, errors.As(err, &embErr))
	assert.Equal(t, 1, embErr.Batch)
}

// countingAPI fails on a specific call number with a permanent error.
type countingAPI struct {
	call       int
	failOnCall int
}

func (c *countingAPI) CreateEmbeddings(_ context.Context, _ string, texts []string) ([][]float32, error) {
	c.call++
	if c.call == c.failOnCall {
		return nil, fmt.Errorf("provider exploded on call %d", c.call)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func TestIsRateLimitError(t *testing.T) {
	assert.False(t, isRateLimitError(errors.New("boom")))
	assert.False(t, isRateLimitError(nil))
}

func TestEmbed_VectorCountMismatch(t *testing.T) {
	api := &shortAPI{}
	e := NewEmbedder(api, "test-model", 4)

	_, err := e.Embed(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 vectors for 2 inputs")
}

// shortAPI returns fewer vectors than inputs.
type shortAPI struct{}

func (shortAPI) CreateEmbeddings(context.Context, string, []string) ([][]float32, error) {
	return [][]float32{{1}}, nil
}
