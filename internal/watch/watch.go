// Package watch ingests documents dropped into an inbox directory laid out
// as <root>/<exam>/<file>.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pavelanni/examrag/internal/extract"
	"github.com/pavelanni/examrag/internal/model"
)

// DefaultSettle is how long a file must stay unchanged before it is ingested.
const DefaultSettle = time.Second

// Ingester adds one document to an exam.
type Ingester interface {
	IngestDocument(ctx context.Context, up model.Upload, exam string, createIfMissing bool) (model.IngestResult, error)
}

// Watcher feeds inbox files to an Ingester. Removing a file from the inbox
// does not remove it from the corpus.
type Watcher struct {
	root   string
	ing    Ingester
	settle time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string
	done    chan struct{}
}

// New creates a Watcher for root. A settle of zero uses DefaultSettle.
func New(root string, ing Ingester, settle time.Duration) *Watcher {
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		root:    filepath.Clean(root),
		ing:     ing,
		settle:  settle,
		pending: make(map[string]*time.Timer),
		ready:   make(chan string, 64),
		done:    make(chan struct{}),
	}
}

// examFor returns the exam a path belongs to, or "" if the path is not a
// file directly inside an exam directory.
func (w *Watcher) examFor(path string) string {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || strings.HasPrefix(parts[1], ".") {
		return ""
	}
	return parts[0]
}

func (w *Watcher) ingest(ctx context.Context, path string) error {
	exam := w.examFor(path)
	if exam == "" || !extract.Supported(path) {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	res, err := w.ing.IngestDocument(ctx, model.Upload{Filename: filepath.Base(path), Data: data}, exam, true)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", path, err)
	}
	if res.Duplicate {
		slog.Debug("inbox file already ingested", "exam", exam, "path", path)
	} else {
		slog.Info("ingested inbox file", "exam", exam, "path", path, "chunks", res.Chunks)
	}
	return nil
}

// Scan ingests every supported file already in the inbox and returns how
// many were processed. Failures are logged and do not stop the scan.
func (w *Watcher) Scan(ctx context.Context) (int, error) {
	n := 0
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != w.root && filepath.Dir(path) != w.root {
				return filepath.SkipDir
			}
			return nil
		}
		if w.examFor(path) == "" || !extract.Supported(path) {
			return nil
		}
		if err := w.ingest(ctx, path); err != nil {
			slog.Error("inbox scan", "path", path, "error", err)
			return nil
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("scan inbox %s: %w", w.root, err)
	}
	return n, nil
}

// schedule (re)starts the settle timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
}

// addExamDir watches dir and schedules files that arrived before the watch.
func (w *Watcher) addExamDir(fw *fsnotify.Watcher, dir string) {
	if err := fw.Add(dir); err != nil {
		slog.Warn("failed to watch exam directory", "dir", dir, "error", err)
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		slog.Warn("failed to list exam directory", "dir", dir, "error", err)
		return
	}
	for _, e := range entries {
		if !e.IsDir() && extract.Supported(e.Name()) {
			w.schedule(filepath.Join(dir, e.Name()))
		}
	}
}

// Run watches the inbox until ctx is done. Exam directories created while
// running are picked up. Run may be called once.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)
	if err := os.MkdirAll(w.root, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()
	defer w.stopTimers()

	if err := fw.Add(w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("list inbox: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addExamDir(fw, filepath.Join(w.root, e.Name()))
		}
	}
	slog.Info("watching inbox", "dir", w.root)

	for {
		select {
		case <-ctx.Done():
			slog.Info("inbox watcher stopped", "dir", w.root)
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if filepath.Dir(event.Name) == w.root {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					w.addExamDir(fw, event.Name)
				}
				continue
			}
			if w.examFor(event.Name) != "" && extract.Supported(event.Name) {
				w.schedule(event.Name)
			}
		case path := <-w.ready:
			if err := w.ingest(ctx, path); err != nil {
				slog.Error("inbox ingest failed", "path", path, "error", err)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("file watcher error", "error", err)
		}
	}
}
