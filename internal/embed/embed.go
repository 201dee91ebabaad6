// Package embed maps text to fixed-dimension dense vectors.
package embed

import (
	"context"
	"fmt"

	"github.com/pavelanni/examrag/internal/model"
)

// Embedder turns a batch of texts into vectors of Dimension() floats,
// in input order. The same text always yields the same vector within one
// process lifetime.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Name() string
}

// EmbedOne embeds a single text, typically a search query.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, model.Errorf(model.KindBackendUnavailable, "embedder %s returned %d vectors for 1 text", e.Name(), len(vecs))
	}
	return vecs[0], nil
}

// checkShape verifies that vecs matches the request size and dimension.
func checkShape(name string, want, dim int, vecs [][]float32) error {
	if len(vecs) != want {
		return model.Errorf(model.KindBackendUnavailable, "embedder %s returned %d vectors for %d texts", name, len(vecs), want)
	}
	for i, v := range vecs {
		if len(v) != dim {
			return &model.Error{
				Kind: model.KindDimensionMismatch,
				Msg:  fmt.Sprintf("embedder %s: vector %d has %d dimensions, want %d", name, i, len(v), dim),
			}
		}
	}
	return nil
}
