// Package index implements an exact nearest-neighbor index over
// fixed-dimension float32 vectors using squared Euclidean distance.
package index

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pavelanni/examrag/internal/model"
)

// Hit is one search result: the slot of a stored vector and its squared
// L2 distance to the query.
type Hit struct {
	Slot     int
	Distance float32
}

// Flat stores vectors contiguously in insertion order. Slots are assigned
// consecutively and never reordered by Add.
type Flat struct {
	mu   sync.RWMutex
	dim  int
	data []float32
}

// NewFlat creates an empty index bound to dim.
func NewFlat(dim int) (*Flat, error) {
	if dim <= 0 {
		return nil, model.Errorf(model.KindInvalidArgument, "index dimension must be positive, got %d", dim)
	}
	return &Flat{dim: dim}, nil
}

// Dim returns the vector dimension the index is bound to.
func (f *Flat) Dim() int { return f.dim }

// Size returns the number of stored vectors.
func (f *Flat) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.data) / f.dim
}

// Add appends vectors in order and returns their slots. If any vector has
// the wrong length nothing is added.
func (f *Flat) Add(vectors [][]float32) ([]int, error) {
	for i, v := range vectors {
		if len(v) != f.dim {
			return nil, &model.Error{
				Kind: model.KindDimensionMismatch,
				Msg:  fmt.Sprintf("vector %d has %d dimensions, index has %d", i, len(v), f.dim),
			}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	first := len(f.data) / f.dim
	slots := make([]int, len(vectors))
	for i, v := range vectors {
		f.data = append(f.data, v...)
		slots[i] = first + i
	}
	return slots, nil
}

// Search returns up to k nearest vectors to q, closest first. Equal
// distances are ordered by slot.
func (f *Flat) Search(q []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, model.Errorf(model.KindInvalidArgument, "k must be positive, got %d", k)
	}
	if len(q) != f.dim {
		return nil, &model.Error{
			Kind: model.KindDimensionMismatch,
			Msg:  fmt.Sprintf("query has %d dimensions, index has %d", len(q), f.dim),
		}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	n := len(f.data) / f.dim
	if n == 0 {
		return []Hit{}, nil
	}
	hits := make([]Hit, n)
	for slot := 0; slot < n; slot++ {
		hits[slot] = Hit{Slot: slot, Distance: squaredL2(q, f.data[slot*f.dim:(slot+1)*f.dim])}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// Vector returns a copy of the vector at slot.
func (f *Flat) Vector(slot int) ([]float32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if slot < 0 || slot >= len(f.data)/f.dim {
		return nil, model.Errorf(model.KindNotFound, "slot %d out of range", slot)
	}
	v := make([]float32, f.dim)
	copy(v, f.data[slot*f.dim:])
	return v, nil
}

// Vectors returns a copy of every stored vector in slot order.
func (f *Flat) Vectors() [][]float32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := len(f.data) / f.dim
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, f.dim)
		copy(v, f.data[i*f.dim:])
		out[i] = v
	}
	return out
}

// Reset drops every vector.
func (f *Flat) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = nil
}

// Truncate drops every slot at or after n. It undoes a failed Add.
func (f *Flat) Truncate(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n*f.dim < len(f.data) {
		f.data = f.data[:n*f.dim]
	}
}

// Retain returns a new index holding, in order, the vectors whose slot
// satisfies keep. The receiver is not modified.
func (f *Flat) Retain(keep func(slot int) bool) *Flat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := &Flat{dim: f.dim}
	n := len(f.data) / f.dim
	for slot := 0; slot < n; slot++ {
		if keep(slot) {
			out.data = append(out.data, f.data[slot*f.dim:(slot+1)*f.dim]...)
		}
	}
	return out
}

// Clone returns a deep copy of the index.
func (f *Flat) Clone() *Flat {
	return f.Retain(func(int) bool { return true })
}

func squaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
