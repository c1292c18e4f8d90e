// Package embedding generates fixed-dimension vectors for chunk text.
package embedding

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/askrepo/askrepo/internal/config"
)

// Client wraps the OpenAI client used for embedding generation.
type Client struct {
	client *openai.Client
}

// NewClient builds an OpenAI-backed client. A missing API key is a
// configuration failure and fails fast; it is never retried.
func NewClient(apiKey string) (*Client, error) {
	if apiKey == "" {
		return nil, &config.Error{Field: "OPENAI_API_KEY", Reason: "required for embeddings"}
	}

	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{client: &client}, nil
}

// Raw returns the underlying OpenAI client so the query engine can reuse the
// same connection for chat completions.
func (c *Client) Raw() *openai.Client {
	return c.client
}

// CreateEmbeddings issues one provider call for a batch of texts, returning
// one vector per input in order.
func (c *Client) CreateEmbeddings(ctx context.Context, model string, texts []string) ([][]float32, error) {
	resp, err := c.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vectors[i] = toFloat32(data.Embedding)
	}
	return vectors, nil
}

// toFloat32 narrows provider vectors for storage.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
