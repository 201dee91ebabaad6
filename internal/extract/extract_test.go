package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pavelanni/examrag/internal/model"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

type stubExtractor struct {
	text  string
	delay time.Duration
}

func (s stubExtractor) Extract(ctx context.Context, path string) (string, error) {
	return run(ctx, func() (string, error) {
		time.Sleep(s.delay)
		return s.text, nil
	})
}

func TestTextExtract(t *testing.T) {
	path := writeTemp(t, "notes.md", "# 리눅스\n\nfile permissions")
	got, err := Text{}.Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if got != "# 리눅스\n\nfile permissions" {
		t.Errorf("unexpected text %q", got)
	}

	if _, err := (Text{}).Extract(context.Background(), filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestAutoDispatch(t *testing.T) {
	a := &Auto{PDF: stubExtractor{text: "pdf"}, Text: stubExtractor{text: "text"}}

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr error
	}{
		{"pdf", "exam.pdf", "pdf", nil},
		{"upper case pdf", "EXAM.PDF", "pdf", nil},
		{"epub", "book.epub", "pdf", nil},
		{"markdown", "notes.md", "text", nil},
		{"plain text", "notes.txt", "text", nil},
		{"unsupported", "slides.pptx", "", model.ErrInvalidArgument},
		{"no extension", "README", "", model.ErrInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.Extract(context.Background(), tt.path)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if Supported(tt.path) != (tt.wantErr == nil) {
				t.Errorf("Supported(%q) disagrees with Extract", tt.path)
			}
		})
	}
}

func TestExtractAbandonedOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := stubExtractor{text: "slow", delay: 2 * time.Second}.Extract(ctx, "x.pdf")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("extraction was not abandoned")
	}
}

func TestExtractCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	path := writeTemp(t, "a.txt", "hello")
	if _, err := (Text{}).Extract(ctx, path); !errors.Is(err, context.Canceled) {
		t.Errorf("expected canceled, got %v", err)
	}
}
