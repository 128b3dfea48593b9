package embed

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
)

// NewGenkitEmbedFunc bridges a Genkit ai.Embedder to the gateway's EmbedFunc.
func NewGenkitEmbedFunc(embedder ai.Embedder) EmbedFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		req := &ai.EmbedRequest{
			Input: []*ai.Document{
				ai.DocumentFromText(text, nil),
			},
		}

		resp, err := embedder.Embed(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("embed failed: %w", err)
		}

		if len(resp.Embeddings) == 0 {
			return nil, fmt.Errorf("no embeddings returned")
		}

		return resp.Embeddings[0].Embedding, nil
	}
}
