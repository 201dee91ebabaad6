// Package rag owns the exam registry and routes documents through
// fingerprinting, duplicate detection, extraction, chunking, embedding and
// indexing. It also answers similarity queries, optionally scoped to one
// exam.
//
// Every mutation goes through a single writer lock; searches only take the
// corpus read lock.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/examrag/internal/chunker"
	"github.com/pavelanni/examrag/internal/corpus"
	"github.com/pavelanni/examrag/internal/embed"
	"github.com/pavelanni/examrag/internal/extract"
	"github.com/pavelanni/examrag/internal/model"
	"github.com/pavelanni/examrag/internal/store"
)

// DefaultOverFetch is the candidate multiplier for exam-scoped search.
const DefaultOverFetch = 5

// Mirror is an optional secondary copy of the corpus. Mirror failures are
// logged and never fail the primary operation.
type Mirror interface {
	UpsertChunks(ctx context.Context, chunks []model.Chunk, vectors [][]float32) error
	DeleteExam(ctx context.Context, exam string) error
	Reset(ctx context.Context) error
	Search(ctx context.Context, q []float32, k int, exam string) ([]model.SearchResult, error)
}

// Config tunes the service.
type Config struct {
	// OverFetch multiplies k for exam-scoped searches. Values below 1 use
	// DefaultOverFetch.
	OverFetch int
	// RebuildOnMismatch re-embeds the corpus when the persisted index does
	// not match its metadata or was built by another embedder.
	RebuildOnMismatch bool
}

type Service struct {
	writeMu   sync.Mutex
	store     *store.Store
	corpus    *corpus.Corpus
	embedder  embed.Embedder
	extractor extract.Extractor
	chunker   chunker.Chunker
	mirror    Mirror
	cfg       Config
}

// New wires the service. The embedder must produce vectors of the corpus
// dimension.
func New(st *store.Store, c *corpus.Corpus, e embed.Embedder, x extract.Extractor, ch chunker.Chunker, cfg Config) (*Service, error) {
	if e.Dimension() != c.Dimension() {
		return nil, &model.Error{
			Kind: model.KindDimensionMismatch,
			Msg:  fmt.Sprintf("embedder %s has dimension %d, corpus has %d", e.Name(), e.Dimension(), c.Dimension()),
		}
	}
	if err := ch.Validate(); err != nil {
		return nil, model.Wrap(model.KindInvalidArgument, err, "chunker")
	}
	if cfg.OverFetch < 1 {
		cfg.OverFetch = DefaultOverFetch
	}
	return &Service{store: st, corpus: c, embedder: e, extractor: x, chunker: ch, cfg: cfg}, nil
}

// SetMirror attaches a mirror. Pass nil to detach.
func (s *Service) SetMirror(m Mirror) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mirror = m
}

// Open loads the persisted corpus. A missing corpus is not an error. When
// the index disagrees with its metadata, or the corpus was built by a
// different embedder, Open rebuilds it if configured to and fails
// otherwise.
func (s *Service) Open(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.corpus.Load()
	switch {
	case err == nil:
	case errors.Is(err, model.ErrNotFound):
		slog.Info("starting with an empty corpus", "dir", s.corpus.Dir())
	case errors.Is(err, corpus.ErrMismatch):
		if !s.cfg.RebuildOnMismatch {
			return fmt.Errorf("load corpus: %w", err)
		}
		slog.Warn("persisted index does not match metadata, rebuilding", "error", err)
		if err := s.corpus.Rebuild(ctx, s.embedder); err != nil {
			return fmt.Errorf("rebuild corpus: %w", err)
		}
	default:
		return fmt.Errorf("load corpus: %w", err)
	}

	name, dim, err := s.store.EmbedderInfo(ctx)
	if err != nil {
		return fmt.Errorf("read embedder info: %w", err)
	}
	if name != "" && (name != s.embedder.Name() || dim != s.embedder.Dimension()) && s.corpus.Size() > 0 {
		if !s.cfg.RebuildOnMismatch {
			return &model.Error{
				Kind: model.KindStorageIO,
				Msg:  fmt.Sprintf("corpus was built with %s (dimension %d), now using %s", name, dim, s.embedder.Name()),
				Err:  corpus.ErrMismatch,
			}
		}
		slog.Warn("embedder changed, rebuilding", "was", name, "now", s.embedder.Name())
		if err := s.corpus.Rebuild(ctx, s.embedder); err != nil {
			return fmt.Errorf("rebuild corpus: %w", err)
		}
	}
	if err := s.store.SetEmbedderInfo(ctx, s.embedder.Name(), s.embedder.Dimension()); err != nil {
		return fmt.Errorf("record embedder info: %w", err)
	}
	if err := s.reconcileLocked(ctx); err != nil {
		return fmt.Errorf("reconcile registry: %w", err)
	}
	return nil
}

// reconcileLocked brings the exam registry in line with the corpus, which
// holds the chunks and is therefore authoritative for which documents are
// indexed. Documents indexed but not registered are registered, creating
// their exam if needed. Registered documents with no chunks are dropped;
// their exams are kept. Fingerprints missing from the corpus are filled in
// from the registry.
func (s *Service) reconcileLocked(ctx context.Context) error {
	exams, err := s.store.ListExams(ctx)
	if err != nil {
		return err
	}
	indexed := s.corpus.Hashes()

	registered := make(map[string]map[string]string)
	for _, e := range exams {
		docs := make(map[string]string, len(e.Documents))
		registered[e.Name] = docs
		for _, d := range e.Documents {
			docs[d.Filename] = d.Fingerprint
			if _, ok := indexed[e.Name][d.Filename]; ok {
				continue
			}
			if _, err := s.store.RemoveDocument(ctx, e.Name, d.Filename); err != nil {
				return err
			}
			slog.Warn("dropped registered document with no indexed chunks", "exam", e.Name, "filename", d.Filename)
		}
	}

	var counts map[string]map[string]int
	for exam, docs := range indexed {
		for filename, fp := range docs {
			if _, ok := registered[exam][filename]; ok {
				continue
			}
			if counts == nil {
				counts = chunkCounts(s.corpus.Chunks())
			}
			_, err := s.store.AddDocument(ctx, exam, true, model.DocumentSummary{
				Filename:    filename,
				Fingerprint: fp,
				ChunksCount: counts[exam][filename],
			}, nil)
			if err != nil {
				return err
			}
			slog.Warn("registered indexed document missing from the exam registry", "exam", exam, "filename", filename)
		}
	}

	n, err := s.corpus.FillFingerprints(registered)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("restored document fingerprints from the exam registry", "documents", n)
	}
	return nil
}

func chunkCounts(chunks []model.Chunk) map[string]map[string]int {
	counts := make(map[string]map[string]int)
	for _, ch := range chunks {
		if counts[ch.Subject] == nil {
			counts[ch.Subject] = make(map[string]int)
		}
		counts[ch.Subject][ch.PDFSource]++
	}
	return counts
}

// Rebuild re-embeds every chunk with the current embedder.
func (s *Service) Rebuild(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.corpus.Rebuild(ctx, s.embedder); err != nil {
		return err
	}
	return s.store.SetEmbedderInfo(ctx, s.embedder.Name(), s.embedder.Dimension())
}

func cleanExamName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", model.Errorf(model.KindInvalidArgument, "exam name must not be empty")
	}
	return name, nil
}

// AddExam registers an empty exam. Names are case-sensitive.
func (s *Service) AddExam(ctx context.Context, name string) (model.Exam, error) {
	name, err := cleanExamName(name)
	if err != nil {
		return model.Exam{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	exam, err := s.store.CreateExam(ctx, name)
	if err != nil {
		return model.Exam{}, err
	}
	slog.Info("added exam", "exam", name)
	return exam, nil
}

// RemoveExam deletes an exam and all of its chunks.
func (s *Service) RemoveExam(ctx context.Context, name string) (int, error) {
	name, err := cleanExamName(name)
	if err != nil {
		return 0, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	removed, applied := 0, false
	err = s.store.RemoveExam(ctx, name, func() error {
		n, err := s.corpus.RemoveExam(name)
		removed, applied = n, err == nil
		return err
	})
	if err != nil {
		if applied {
			slog.Error("exam chunks removed but registry commit failed", "exam", name, "chunks", removed, "error", err)
			if rerr := s.reconcileLocked(ctx); rerr != nil {
				slog.Error("failed to reconcile registry", "error", rerr)
			}
		}
		return 0, err
	}
	slog.Info("removed exam", "exam", name, "chunks", removed)

	if s.mirror != nil {
		if err := s.mirror.DeleteExam(ctx, name); err != nil {
			slog.Warn("mirror delete failed", "exam", name, "error", err)
		}
	}
	return removed, nil
}

// IngestDocument adds one uploaded document to exam. Unknown exams are
// created when createIfMissing is set. A document whose filename or content
// is already registered under exam is reported as a duplicate and nothing
// changes.
func (s *Service) IngestDocument(ctx context.Context, up model.Upload, exam string, createIfMissing bool) (model.IngestResult, error) {
	exam, err := cleanExamName(exam)
	if err != nil {
		return model.IngestResult{}, err
	}
	filename := filepath.Base(strings.TrimSpace(up.Filename))
	if filename == "" || filename == "." || filename == string(filepath.Separator) {
		return model.IngestResult{}, model.Errorf(model.KindInvalidArgument, "upload has no filename")
	}
	log := slog.With("request_id", uuid.NewString(), "exam", exam, "filename", filename)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	exists, err := s.store.ExamExists(ctx, exam)
	if err != nil {
		return model.IngestResult{}, fmt.Errorf("check exam: %w", err)
	}
	if !exists && !createIfMissing {
		return model.IngestResult{}, model.Errorf(model.KindNotFound, "exam %q not found", exam)
	}

	fp := chunker.Fingerprint(up.Data)
	res := model.IngestResult{Exam: exam, Filename: filename, Fingerprint: fp}
	if s.corpus.IsDuplicate(exam, filename, fp) {
		log.Info("skipping duplicate document")
		res.Duplicate = true
		return res, nil
	}

	text, err := s.extractUpload(ctx, filename, up.Data)
	if err != nil {
		return model.IngestResult{}, err
	}
	chunks := s.chunker.Split(text, exam)
	if len(chunks) == 0 {
		return model.IngestResult{}, model.Errorf(model.KindEmptyDocument, "no text chunks in %s", filename)
	}
	texts := make([]string, len(chunks))
	for i := range chunks {
		chunks[i].PDFSource = filename
		texts[i] = chunks[i].Text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return model.IngestResult{}, fmt.Errorf("embed chunks: %w", err)
	}

	applied := false
	created, err := s.store.AddDocument(ctx, exam, createIfMissing, model.DocumentSummary{
		Filename:    filename,
		Fingerprint: fp,
		ChunksCount: len(chunks),
	}, func() error {
		base := s.corpus.Size()
		if err := s.corpus.Append(exam, filename, fp, chunks, vectors); err != nil {
			return err
		}
		for i := range chunks {
			chunks[i].EmbeddingID = base + i
		}
		applied = true
		return nil
	})
	if err != nil {
		if applied {
			if _, derr := s.corpus.DiscardDocument(exam, filename); derr != nil {
				log.Error("failed to discard chunks after registry error", "error", derr)
			}
		}
		return model.IngestResult{}, err
	}

	res.Chunks = len(chunks)
	res.CreatedExam = created
	log.Info("ingested document", "chunks", len(chunks), "created_exam", created)

	if s.mirror != nil {
		if err := s.mirror.UpsertChunks(ctx, chunks, vectors); err != nil {
			log.Warn("mirror upsert failed", "error", err)
		}
	}
	return res, nil
}

// extractUpload writes the upload to a temporary file so extractors that
// work on paths can read it.
func (s *Service) extractUpload(ctx context.Context, filename string, data []byte) (string, error) {
	f, err := os.CreateTemp("", "examrag-*"+filepath.Ext(filename))
	if err != nil {
		return "", model.Wrap(model.KindStorageIO, err, "create temp file")
	}
	defer os.Remove(f.Name())
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", model.Wrap(model.KindStorageIO, err, "write temp file")
	}
	if err := f.Close(); err != nil {
		return "", model.Wrap(model.KindStorageIO, err, "close temp file")
	}
	text, err := s.extractor.Extract(ctx, f.Name())
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), model.KindOf(err) != "":
		return "", fmt.Errorf("extract %s: %w", filename, err)
	default:
		return "", model.Wrap(model.KindBackendUnavailable, err, "extract "+filename)
	}
	return text, nil
}

func checkQuery(query string, k int) error {
	if strings.TrimSpace(query) == "" {
		return model.Errorf(model.KindInvalidArgument, "query must not be empty")
	}
	if k <= 0 {
		return model.Errorf(model.KindInvalidArgument, "k must be positive, got %d", k)
	}
	return nil
}

// Search returns up to k chunks most similar to query. A non-empty exam
// restricts results to that exam; fewer than k may come back.
func (s *Service) Search(ctx context.Context, query, exam string, k int) ([]model.SearchResult, error) {
	if err := checkQuery(query, k); err != nil {
		return nil, err
	}
	q, err := embed.EmbedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.corpus.Search(q, k, exam, s.cfg.OverFetch)
}

// SearchMirror runs the same query against the mirror.
func (s *Service) SearchMirror(ctx context.Context, query, exam string, k int) ([]model.SearchResult, error) {
	if s.mirror == nil {
		return nil, model.Errorf(model.KindInvalidArgument, "no mirror configured")
	}
	if err := checkQuery(query, k); err != nil {
		return nil, err
	}
	q, err := embed.EmbedOne(ctx, s.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.mirror.Search(ctx, q, k, exam)
}

// ListExams returns every exam with its chunk count.
func (s *Service) ListExams(ctx context.Context) ([]model.Exam, error) {
	exams, err := s.store.ListExams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	for i := range exams {
		exams[i].ChunkCount = s.corpus.ChunkCount(exams[i].Name)
	}
	return exams, nil
}

// ExamNames returns the exam names in order.
func (s *Service) ExamNames(ctx context.Context) ([]string, error) {
	exams, err := s.store.ListExams(ctx)
	if err != nil {
		return nil, fmt.Errorf("list exams: %w", err)
	}
	names := make([]string, len(exams))
	for i, e := range exams {
		names[i] = e.Name
	}
	return names, nil
}

// GetExamInfo returns one exam with its documents, subjects and chunk count.
func (s *Service) GetExamInfo(ctx context.Context, name string) (model.Exam, error) {
	exam, err := s.store.GetExam(ctx, name)
	if err != nil {
		return model.Exam{}, err
	}
	exam.ChunkCount = s.corpus.ChunkCount(name)
	return exam, nil
}

// SetSubjects replaces the subject tags of an exam.
func (s *Service) SetSubjects(ctx context.Context, name string, subjects []string) ([]string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.store.SetSubjects(ctx, name, subjects)
}

// Stats summarizes the corpus.
func (s *Service) Stats() model.Stats {
	return s.corpus.Stats()
}

// Clear deletes every exam, chunk and persisted artifact.
func (s *Service) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.corpus.Clear(); err != nil {
		return err
	}
	if err := s.store.ClearExams(ctx); err != nil {
		if rerr := s.reconcileLocked(ctx); rerr != nil {
			slog.Error("failed to reconcile registry", "error", rerr)
		}
		return fmt.Errorf("clear registry: %w", err)
	}
	slog.Info("cleared corpus", "dir", s.corpus.Dir())
	if s.mirror != nil {
		if err := s.mirror.Reset(ctx); err != nil {
			slog.Warn("mirror reset failed", "error", err)
		}
	}
	return nil
}

const mirrorBatch = 256

// SyncMirror replaces the mirror contents with the whole corpus.
func (s *Service) SyncMirror(ctx context.Context) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.mirror == nil {
		return 0, model.Errorf(model.KindInvalidArgument, "no mirror configured")
	}
	chunks := s.corpus.Chunks()
	vectors := s.corpus.Vectors()
	if err := s.mirror.Reset(ctx); err != nil {
		return 0, model.Wrap(model.KindBackendUnavailable, err, "reset mirror")
	}
	for start := 0; start < len(chunks); start += mirrorBatch {
		end := min(start+mirrorBatch, len(chunks))
		if err := s.mirror.UpsertChunks(ctx, chunks[start:end], vectors[start:end]); err != nil {
			return start, model.Wrap(model.KindBackendUnavailable, err, "upsert chunks")
		}
	}
	slog.Info("synced mirror", "chunks", len(chunks))
	return len(chunks), nil
}

// Export snapshots the registry and corpus statistics.
func (s *Service) Export(ctx context.Context) (model.CorpusExport, error) {
	exams, err := s.ListExams(ctx)
	if err != nil {
		return model.CorpusExport{}, err
	}
	return model.CorpusExport{
		ExportedAt: time.Now().UTC(),
		DataDir:    s.corpus.Dir(),
		Stats:      s.corpus.Stats(),
		Exams:      exams,
	}, nil
}
