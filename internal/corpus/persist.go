package corpus

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pavelanni/examrag/internal/index"
	"github.com/pavelanni/examrag/internal/model"
)

// Artifact file names inside the data directory.
const (
	MetadataFile = "metadata.json"
	IndexFile    = "index.bin"
	HashesFile   = "pdf_hashes.json"
)

// metadataRecord carries the hash registry next to the chunks so both are
// replaced by a single rename. HashesFile is a copy kept for external tools
// and for data directories written before the registry moved here.
type metadataRecord struct {
	TotalChunks int                          `json:"total_chunks"`
	Metadata    []model.Chunk                `json:"metadata"`
	Hashes      map[string]map[string]string `json:"pdf_hashes,omitempty"`
	LastUpdated time.Time                    `json:"last_updated"`
}

// Load replaces the in-memory state with the persisted artifacts.
//
// If the metadata or index file is missing it returns a NotFound error and
// leaves the corpus empty. If the index does not line up with the metadata
// (different size, dimension or slot numbering) it keeps the metadata and
// hash registry, marks the corpus stale and returns a StorageIO error
// wrapping ErrMismatch; call Rebuild or Clear to recover.
func (c *Corpus) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	metaPath := filepath.Join(c.dir, MetadataFile)
	idxPath := filepath.Join(c.dir, IndexFile)
	hashPath := filepath.Join(c.dir, HashesFile)

	c.resetLocked()

	metaOK, err := exists(metaPath)
	if err != nil {
		return model.Wrap(model.KindStorageIO, err, "stat metadata")
	}
	idxOK, err := exists(idxPath)
	if err != nil {
		return model.Wrap(model.KindStorageIO, err, "stat index")
	}
	if !metaOK || !idxOK {
		if ok, _ := exists(hashPath); ok {
			slog.Warn("ignoring hash registry without a persisted index", "path", hashPath)
		}
		return model.Errorf(model.KindNotFound, "no persisted corpus in %s", c.dir)
	}

	var meta metadataRecord
	if err := readJSON(metaPath, &meta); err != nil {
		return model.Wrap(model.KindStorageIO, err, "read metadata")
	}
	hashes := meta.Hashes
	if hashes == nil {
		hashes = make(map[string]map[string]string)
		if ok, _ := exists(hashPath); ok {
			if err := readJSON(hashPath, &hashes); err != nil {
				slog.Warn("ignoring unreadable hash registry", "path", hashPath, "error", err)
				hashes = make(map[string]map[string]string)
			}
		}
	}
	if n := fillMissingHashes(hashes, meta.Metadata); n > 0 {
		slog.Warn("restored hash registry entries from chunk metadata", "documents", n)
	}
	f, err := os.Open(idxPath)
	if err != nil {
		return model.Wrap(model.KindStorageIO, err, "open index")
	}
	defer f.Close()
	idx, err := index.Read(f)
	if err != nil {
		return model.Wrap(model.KindStorageIO, err, "read index")
	}

	c.chunks = meta.Metadata
	c.hashes = hashes

	if reason := mismatch(idx, c.dim, meta.Metadata); reason != "" {
		c.stale = true
		return &model.Error{Kind: model.KindStorageIO, Msg: reason, Err: ErrMismatch}
	}
	c.index = idx
	slog.Info("loaded corpus", "dir", c.dir, "chunks", len(c.chunks), "exams", len(c.hashes))
	return nil
}

// fillMissingHashes registers every document that has chunks but no
// registry entry, with an empty fingerprint. The filename alone is then
// enough to report a re-upload as a duplicate. It returns how many entries
// were added.
func fillMissingHashes(hashes map[string]map[string]string, chunks []model.Chunk) int {
	n := 0
	for _, ch := range chunks {
		if ch.Subject == "" || ch.PDFSource == "" {
			continue
		}
		docs, ok := hashes[ch.Subject]
		if !ok {
			docs = make(map[string]string)
			hashes[ch.Subject] = docs
		}
		if _, ok := docs[ch.PDFSource]; !ok {
			docs[ch.PDFSource] = ""
			n++
		}
	}
	return n
}

func mismatch(idx *index.Flat, dim int, chunks []model.Chunk) string {
	if idx.Dim() != dim {
		return fmt.Sprintf("index dimension %d, expected %d", idx.Dim(), dim)
	}
	if idx.Size() != len(chunks) {
		return fmt.Sprintf("index holds %d vectors but metadata lists %d chunks", idx.Size(), len(chunks))
	}
	for i, ch := range chunks {
		if ch.EmbeddingID != i {
			return fmt.Sprintf("chunk %d records slot %d", i, ch.EmbeddingID)
		}
	}
	return ""
}

// Clear drops all state and deletes the persisted artifacts.
func (c *Corpus) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()

	var errs []error
	for _, name := range []string{MetadataFile, IndexFile, HashesFile} {
		err := os.Remove(filepath.Join(c.dir, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return model.Wrap(model.KindStorageIO, err, "delete corpus files")
	}
	return nil
}

func (c *Corpus) resetLocked() {
	c.index, _ = index.NewFlat(c.dim)
	c.chunks = nil
	c.hashes = make(map[string]map[string]string)
	c.stale = false
}

// persistLocked writes the metadata record (chunks and hash registry), then
// the index, each atomically. A crash between the two is caught by Load's
// mismatch check and repaired by Rebuild from the metadata.
func (c *Corpus) persistLocked() error {
	meta := metadataRecord{
		TotalChunks: len(c.chunks),
		Metadata:    c.chunks,
		Hashes:      c.hashes,
		LastUpdated: c.now(),
	}
	if meta.Metadata == nil {
		meta.Metadata = []model.Chunk{}
	}
	if err := writeJSON(filepath.Join(c.dir, MetadataFile), meta); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	err := writeFileAtomic(filepath.Join(c.dir, IndexFile), func(w io.Writer) error {
		return index.Write(w, c.index)
	})
	if err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := writeJSON(filepath.Join(c.dir, HashesFile), c.hashes); err != nil {
		slog.Warn("failed to write hash registry copy", "dir", c.dir, "error", err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	return writeFileAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	})
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// writeFileAtomic writes to a temporary file in the target directory and
// renames it over path once it is synced.
func writeFileAtomic(path string, write func(io.Writer) error) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
