// Package chunker splits extracted document text into overlapping windows
// and fingerprints raw uploads.
package chunker

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/pavelanni/examrag/internal/model"
)

const (
	DefaultSize    = 500
	DefaultOverlap = 100
	DefaultMinLen  = 50

	// idPrefixLen is how many leading characters of the trimmed window feed the chunk ID.
	idPrefixLen = 50
)

// Fingerprint returns the hex SHA-256 digest of data.
func Fingerprint(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Chunker cuts text into fixed-size windows advancing by Size-Overlap.
// All lengths and offsets count characters (runes), not bytes.
type Chunker struct {
	Size    int
	Overlap int
	MinLen  int
	// Now stamps CreatedAt; time.Now when nil.
	Now func() time.Time
}

// New returns a Chunker with the default window parameters.
func New() Chunker {
	return Chunker{Size: DefaultSize, Overlap: DefaultOverlap, MinLen: DefaultMinLen}
}

// Validate checks the window parameters.
func (c Chunker) Validate() error {
	switch {
	case c.Size <= 0:
		return errors.New("chunk size must be positive")
	case c.Overlap < 0:
		return errors.New("chunk overlap must not be negative")
	case c.Overlap >= c.Size:
		return errors.New("chunk overlap must be smaller than chunk size")
	case c.MinLen < 0:
		return errors.New("minimum chunk length must not be negative")
	}
	return nil
}

// Split returns the chunks of text labelled with exam. Windows whose
// trimmed text is shorter than MinLen are skipped. The result is a pure
// function of the input apart from CreatedAt.
//
// Split does not report bad parameters: a Chunker that fails Validate
// yields nil, the same as text with no usable window. Validate once before
// use; rag.New refuses a Chunker that fails it.
func (c Chunker) Split(text, exam string) []model.Chunk {
	if err := c.Validate(); err != nil {
		return nil
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	created := now()

	runes := []rune(text)
	step := c.Size - c.Overlap

	var chunks []model.Chunk
	for i := 0; i < len(runes); i += step {
		end := min(i+c.Size, len(runes))
		trimmed := strings.TrimSpace(string(runes[i:end]))
		trimmedRunes := []rune(trimmed)
		if len(trimmedRunes) < c.MinLen {
			continue
		}
		chunks = append(chunks, model.Chunk{
			ID:        chunkID(exam, i, trimmedRunes),
			Text:      trimmed,
			StartPos:  i,
			EndPos:    end,
			Subject:   exam,
			CreatedAt: created,
		})
	}
	return chunks
}

func chunkID(exam string, pos int, trimmed []rune) string {
	lead := trimmed[:min(idPrefixLen, len(trimmed))]
	sum := md5.Sum([]byte(exam + "_" + strconv.Itoa(pos) + "_" + string(lead)))
	return hex.EncodeToString(sum[:])
}
