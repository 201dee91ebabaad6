package embed

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Hashing is a deterministic local embedder. Each lowercased word token is
// hashed into one of dim buckets with a hash-derived sign, and the vector
// is L2-normalized. It needs no model or network and suits offline use and
// tests.
type Hashing struct {
	dim int
}

// NewHashing returns a hashing embedder with the given dimension.
func NewHashing(dim int) (*Hashing, error) {
	if dim <= 0 {
		return nil, errors.New("hashing embedder: dimension must be positive")
	}
	return &Hashing{dim: dim}, nil
}

// Name returns the identifier of this embedder implementation.
func (h *Hashing) Name() string { return "hashing" }

// Dimension returns the dimensionality of the produced vectors.
func (h *Hashing) Dimension() int { return h.dim }

// Embed returns one vector per text.
func (h *Hashing) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.vector(text)
	}
	return out, nil
}

func (h *Hashing) vector(text string) []float32 {
	v := make([]float32, h.dim)
	for _, tok := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		if sum>>63 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}
