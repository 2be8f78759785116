package embed

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// embedBatchSize caps how many texts go into one service call.
const embedBatchSize = 16

// EmbedClient is the transport the Embedder drives. Implemented by *Client.
type EmbedClient interface {
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Embedder binds a client to a model name.
type Embedder struct {
	client EmbedClient
	model  string
}

// NewEmbedder creates an Embedder using the given client and model name.
func NewEmbedder(c EmbedClient, model string) *Embedder {
	return &Embedder{client: c, model: model}
}

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.client.EmbedBatch(ctx, e.model, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("embedding text: no vector returned")
	}
	return vecs[0], nil
}

// EmbedBatch returns embedding vectors for the texts in input order.
// Texts are grouped into service calls of at most embedBatchSize, with
// up to four calls in flight. Returns nil (not an error) for empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		g.Go(func() error {
			vecs, err := e.client.EmbedBatch(gCtx, e.model, texts[start:end])
			if err != nil {
				return fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
			}
			copy(results[start:], vecs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
