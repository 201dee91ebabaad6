// Package extract turns uploaded files into plain text.
package extract

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"

	"github.com/pavelanni/examrag/internal/model"
)

// Extractor reads the text content of the file at path.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// PDF extracts text with MuPDF, page by page. It also handles EPUB and the
// other formats MuPDF opens.
type PDF struct{}

func (PDF) Extract(ctx context.Context, path string) (string, error) {
	return run(ctx, func() (string, error) {
		doc, err := fitz.New(path)
		if err != nil {
			return "", fmt.Errorf("open document: %w", err)
		}
		defer doc.Close()

		var pages []string
		for i := 0; i < doc.NumPage(); i++ {
			text, err := doc.Text(i)
			if err != nil {
				return "", fmt.Errorf("extract page %d: %w", i+1, err)
			}
			if strings.TrimSpace(text) != "" {
				pages = append(pages, text)
			}
		}
		return strings.Join(pages, "\n\n"), nil
	})
}

// Text reads plain text and Markdown files as-is.
type Text struct{}

func (Text) Extract(ctx context.Context, path string) (string, error) {
	return run(ctx, func() (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
		return string(data), nil
	})
}

// Auto picks an extractor by file extension.
type Auto struct {
	PDF  Extractor
	Text Extractor
}

// NewAuto returns an Auto using the MuPDF and plain-text extractors.
func NewAuto() *Auto {
	return &Auto{PDF: PDF{}, Text: Text{}}
}

func (a *Auto) Extract(ctx context.Context, path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pdf", ".epub", ".xps":
		return a.PDF.Extract(ctx, path)
	case ".txt", ".md", ".markdown", ".text":
		return a.Text.Extract(ctx, path)
	default:
		return "", model.Errorf(model.KindInvalidArgument, "unsupported file type %q", ext)
	}
}

// Supported reports whether Auto can extract files named like filename.
func Supported(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf", ".epub", ".xps", ".txt", ".md", ".markdown", ".text":
		return true
	}
	return false
}

// run calls fn in its own goroutine and gives up when ctx is done. The
// goroutine is left to finish on its own; MuPDF calls cannot be interrupted.
func run(ctx context.Context, fn func() (string, error)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := fn()
		ch <- result{text, err}
	}()
	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("extract: %w", ctx.Err())
	}
}
