// Package corpus keeps the vector index, the parallel chunk metadata and the
// per-exam document hash registry in step, and persists them to disk.
//
// Slot i of the index always describes chunks[i]. Every mutation either
// updates index, metadata and registry together and persists them, or
// leaves all three untouched.
package corpus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/pavelanni/examrag/internal/index"
	"github.com/pavelanni/examrag/internal/model"
)

// ErrMismatch marks persisted artifacts whose index and metadata disagree.
var ErrMismatch = errors.New("index and metadata are out of sync")

// Embedder is the subset of embed.Embedder needed to rebuild the index.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Corpus is the in-memory corpus bound to one data directory.
type Corpus struct {
	mu     sync.RWMutex
	dir    string
	dim    int
	index  *index.Flat
	chunks []model.Chunk
	hashes map[string]map[string]string
	// stale is set when loaded metadata could not be matched to the index;
	// reads and writes are refused until Rebuild or Clear.
	stale bool
	now   func() time.Time
}

// New creates an empty corpus for vectors of dimension dim, persisting
// into dir.
func New(dir string, dim int) (*Corpus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.Wrap(model.KindStorageIO, err, "create data dir")
	}
	idx, err := index.NewFlat(dim)
	if err != nil {
		return nil, err
	}
	return &Corpus{
		dir:    dir,
		dim:    dim,
		index:  idx,
		hashes: make(map[string]map[string]string),
		now:    time.Now,
	}, nil
}

// Dir returns the data directory.
func (c *Corpus) Dir() string { return c.dir }

// Dimension returns the vector dimension of the index.
func (c *Corpus) Dimension() int { return c.dim }

// Size returns the number of indexed chunks.
func (c *Corpus) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Size()
}

// IsDuplicate reports whether exam already holds a document with the same
// filename or the same fingerprint.
func (c *Corpus) IsDuplicate(exam, filename, fingerprint string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	docs := c.hashes[exam]
	if _, ok := docs[filename]; ok {
		return true
	}
	for _, h := range docs {
		if h != "" && h == fingerprint {
			return true
		}
	}
	return false
}

// Append indexes one document's chunks and records its fingerprint, then
// persists. On failure nothing changes in memory.
func (c *Corpus) Append(exam, filename, fingerprint string, chunks []model.Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return model.Errorf(model.KindEmptyDocument, "no chunks for %s", filename)
	}
	if len(chunks) != len(vectors) {
		return model.Errorf(model.KindInvalidArgument, "%d chunks but %d vectors", len(chunks), len(vectors))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale {
		return c.staleErr()
	}

	base := len(c.chunks)
	slots, err := c.index.Add(vectors)
	if err != nil {
		return err
	}
	for i, ch := range chunks {
		ch.EmbeddingID = slots[i]
		ch.PDFSource = filename
		if ch.Subject == "" {
			ch.Subject = exam
		}
		c.chunks = append(c.chunks, ch)
	}
	_, hadExam := c.hashes[exam]
	if !hadExam {
		c.hashes[exam] = make(map[string]string)
	}
	c.hashes[exam][filename] = fingerprint

	if err := c.persistLocked(); err != nil {
		c.index.Truncate(base)
		c.chunks = c.chunks[:base]
		delete(c.hashes[exam], filename)
		if !hadExam {
			delete(c.hashes, exam)
		}
		c.restoreLocked()
		return model.Wrap(model.KindStorageIO, err, "persist corpus")
	}
	return nil
}

// RemoveExam deletes every chunk of exam and its hash registry entry,
// compacting the index. Remaining slots are renumbered. It returns the
// number of chunks removed.
func (c *Corpus) RemoveExam(exam string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, hadHashes := c.hashes[exam]
	return c.removeLocked(
		func(ch model.Chunk) bool { return ch.Subject == exam },
		hadHashes,
		func(h map[string]map[string]string) { delete(h, exam) },
	)
}

// DiscardDocument deletes the chunks and hash entry of a single document.
// It compensates a commit that failed after Append succeeded.
func (c *Corpus) DiscardDocument(exam, filename string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, hadHash := c.hashes[exam][filename]
	return c.removeLocked(
		func(ch model.Chunk) bool { return ch.Subject == exam && ch.PDFSource == filename },
		hadHash,
		func(h map[string]map[string]string) {
			delete(h[exam], filename)
			if len(h[exam]) == 0 {
				delete(h, exam)
			}
		},
	)
}

func (c *Corpus) removeLocked(match func(model.Chunk) bool, hashesChanged bool, dropHashes func(map[string]map[string]string)) (int, error) {
	if c.stale {
		return 0, c.staleErr()
	}
	removed := 0
	for _, ch := range c.chunks {
		if match(ch) {
			removed++
		}
	}
	if removed == 0 && !hashesChanged {
		return 0, nil
	}

	oldIndex, oldChunks, oldHashes := c.index, c.chunks, cloneHashes(c.hashes)

	kept := make([]model.Chunk, 0, len(c.chunks)-removed)
	c.index = c.index.Retain(func(slot int) bool { return !match(c.chunks[slot]) })
	for _, ch := range c.chunks {
		if match(ch) {
			continue
		}
		ch.EmbeddingID = len(kept)
		kept = append(kept, ch)
	}
	c.chunks = kept
	dropHashes(c.hashes)

	if err := c.persistLocked(); err != nil {
		c.index, c.chunks, c.hashes = oldIndex, oldChunks, oldHashes
		c.restoreLocked()
		return 0, model.Wrap(model.KindStorageIO, err, "persist corpus")
	}
	return removed, nil
}

// restoreLocked rewrites the in-memory state after a failed persist so the
// files on disk do not stay half-updated.
func (c *Corpus) restoreLocked() {
	if err := c.persistLocked(); err != nil {
		slog.Error("failed to restore persisted corpus", "dir", c.dir, "error", err)
	}
}

// Search returns up to k chunks closest to the query vector q. With a non-empty exam it over-fetches k*overFetch candidates and
// keeps only that exam's chunks, possibly returning fewer than k.
func (c *Corpus) Search(q []float32, k int, exam string, overFetch int) ([]model.SearchResult, error) {
	if k <= 0 {
		return nil, model.Errorf(model.KindInvalidArgument, "k must be positive, got %d", k)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stale {
		return nil, c.staleErr()
	}

	fetch := k
	if exam != "" && overFetch > 1 {
		fetch = min(k*overFetch, max(c.index.Size(), k))
	}
	hits, err := c.index.Search(q, fetch)
	if err != nil {
		return nil, err
	}

	results := make([]model.SearchResult, 0, min(k, len(hits)))
	for _, h := range hits {
		ch := c.chunks[h.Slot]
		if exam != "" && ch.Subject != exam {
			continue
		}
		results = append(results, model.SearchResult{
			Rank:     len(results) + 1,
			Slot:     h.Slot,
			Distance: h.Distance,
			Chunk:    ch,
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// ChunkCount returns how many chunks belong to exam.
func (c *Corpus) ChunkCount(exam string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, ch := range c.chunks {
		if ch.Subject == exam {
			n++
		}
	}
	return n
}

// Chunks returns a copy of the chunk metadata in slot order.
func (c *Corpus) Chunks() []model.Chunk {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.chunks)
}

// Vectors returns a copy of the indexed vectors in slot order.
func (c *Corpus) Vectors() [][]float32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Vectors()
}

// Hashes returns a copy of the document hash registry.
func (c *Corpus) Hashes() map[string]map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneHashes(c.hashes)
}

// FillFingerprints sets the fingerprint of registry entries that have none,
// taking it from fps[exam][filename], and persists if anything changed. It
// returns the number of entries updated.
func (c *Corpus) FillFingerprints(fps map[string]map[string]string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stale {
		return 0, c.staleErr()
	}
	old := cloneHashes(c.hashes)
	n := 0
	for exam, docs := range c.hashes {
		for filename, fp := range docs {
			if fp != "" {
				continue
			}
			if known := fps[exam][filename]; known != "" {
				docs[filename] = known
				n++
			}
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := c.persistLocked(); err != nil {
		c.hashes = old
		c.restoreLocked()
		return 0, model.Wrap(model.KindStorageIO, err, "persist corpus")
	}
	return n, nil
}

// Stats summarizes the corpus.
func (c *Corpus) Stats() model.Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	subjects := make(map[string]struct{})
	sources := make(map[string]struct{})
	for _, ch := range c.chunks {
		if ch.Subject != "" {
			subjects[ch.Subject] = struct{}{}
		}
		if ch.PDFSource != "" {
			sources[ch.PDFSource] = struct{}{}
		}
	}
	return model.Stats{
		TotalChunks: len(c.chunks),
		IndexSize:   c.index.Size(),
		Dimension:   c.dim,
		Subjects:    sortedKeys(subjects),
		Sources:     sortedKeys(sources),
	}
}

// Rebuild re-embeds every chunk text in slot order and replaces the index.
// It recovers from a metadata/index mismatch reported by Load.
func (c *Corpus) Rebuild(ctx context.Context, e Embedder) error {
	if e.Dimension() != c.dim {
		return &model.Error{
			Kind: model.KindDimensionMismatch,
			Msg:  fmt.Sprintf("embedder dimension %d, corpus dimension %d", e.Dimension(), c.dim),
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	texts := make([]string, len(c.chunks))
	for i, ch := range c.chunks {
		texts[i] = ch.Text
	}
	idx, err := index.NewFlat(c.dim)
	if err != nil {
		return err
	}
	if len(texts) > 0 {
		vecs, err := e.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("re-embed chunks: %w", err)
		}
		if _, err := idx.Add(vecs); err != nil {
			return err
		}
	}
	for i := range c.chunks {
		c.chunks[i].EmbeddingID = i
	}
	c.index = idx
	c.stale = false
	if err := c.persistLocked(); err != nil {
		return model.Wrap(model.KindStorageIO, err, "persist rebuilt corpus")
	}
	slog.Info("rebuilt vector index", "chunks", len(c.chunks), "dir", c.dir)
	return nil
}

func (c *Corpus) staleErr() error {
	return &model.Error{Kind: model.KindStorageIO, Msg: "corpus needs rebuild", Err: ErrMismatch}
}

func cloneHashes(h map[string]map[string]string) map[string]map[string]string {
	out := make(map[string]map[string]string, len(h))
	for exam, docs := range h {
		m := make(map[string]string, len(docs))
		for f, fp := range docs {
			m[f] = fp
		}
		out[exam] = m
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
