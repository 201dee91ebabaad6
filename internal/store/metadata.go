package store

import (
	"context"
	"strconv"
)

// Metadata keys describing the embedder the corpus was built with.
const (
	KeyEmbedder  = "embedder"
	KeyDimension = "embed_dimension"
)

// SetMetadata upserts a key-value pair in the store_metadata table.
func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO store_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_metadata WHERE key = ?`, key).Scan(&value)
	if isNoRows(err) {
		return "", nil
	}
	return value, err
}

// EmbedderInfo returns the recorded embedder name and dimension. Both are
// zero when nothing has been recorded yet.
func (s *Store) EmbedderInfo(ctx context.Context) (name string, dim int, err error) {
	if name, err = s.GetMetadata(ctx, KeyEmbedder); err != nil {
		return "", 0, err
	}
	d, err := s.GetMetadata(ctx, KeyDimension)
	if err != nil {
		return "", 0, err
	}
	if d != "" {
		if dim, err = strconv.Atoi(d); err != nil {
			return "", 0, err
		}
	}
	return name, dim, nil
}

// SetEmbedderInfo records the embedder the corpus is built with.
func (s *Store) SetEmbedderInfo(ctx context.Context, name string, dim int) error {
	if err := s.SetMetadata(ctx, KeyEmbedder, name); err != nil {
		return err
	}
	return s.SetMetadata(ctx, KeyDimension, strconv.Itoa(dim))
}
