// Package pgvec mirrors the chunk corpus into PostgreSQL with the pgvector
// extension, so the same chunks can be queried from SQL.
package pgvec

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/pavelanni/examrag/internal/model"
)

// Mirror writes chunks and their vectors to an exam_chunks table.
type Mirror struct {
	pool *pgxpool.Pool
	dim  int
}

// New connects to connString and checks the connection.
func New(ctx context.Context, connString string, dim int) (*Mirror, error) {
	if dim <= 0 {
		return nil, model.Errorf(model.KindInvalidArgument, "mirror dimension must be positive, got %d", dim)
	}
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	config.MaxConns = 4
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, model.Wrap(model.KindBackendUnavailable, err, "ping postgres")
	}
	return &Mirror{pool: pool, dim: dim}, nil
}

func (m *Mirror) Close() {
	m.pool.Close()
}

// Migrate creates the extension, table and index if needed.
func (m *Mirror) Migrate(ctx context.Context) error {
	for _, q := range schema(m.dim) {
		if _, err := m.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate mirror: %w", err)
		}
	}
	return nil
}

func schema(dim int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS exam_chunks (
			exam TEXT NOT NULL,
			filename TEXT NOT NULL,
			id TEXT NOT NULL,
			slot INTEGER NOT NULL,
			text TEXT NOT NULL,
			start_pos INTEGER NOT NULL,
			end_pos INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			embedding vector(%d) NOT NULL,
			PRIMARY KEY (exam, filename, id)
		)`, dim),
		`CREATE INDEX IF NOT EXISTS exam_chunks_exam ON exam_chunks (exam)`,
	}
}

const upsertChunk = `INSERT INTO exam_chunks (exam, filename, id, slot, text, start_pos, end_pos, created_at, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (exam, filename, id) DO UPDATE
	SET slot = EXCLUDED.slot, text = EXCLUDED.text, embedding = EXCLUDED.embedding`

// UpsertChunks writes chunks with their vectors in one batch.
func (m *Mirror) UpsertChunks(ctx context.Context, chunks []model.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return model.Errorf(model.KindInvalidArgument, "%d chunks but %d vectors", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i, ch := range chunks {
		if len(vectors[i]) != m.dim {
			return &model.Error{
				Kind: model.KindDimensionMismatch,
				Msg:  fmt.Sprintf("vector %d has %d dimensions, mirror has %d", i, len(vectors[i]), m.dim),
			}
		}
		batch.Queue(upsertChunk,
			ch.Subject, ch.PDFSource, ch.ID, ch.EmbeddingID, ch.Text, ch.StartPos, ch.EndPos, ch.CreatedAt,
			pgvector.NewVector(vectors[i]),
		)
	}
	br := m.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := range chunks {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert chunk %d: %w", i, err)
		}
	}
	return nil
}

// DeleteExam removes every chunk of exam.
func (m *Mirror) DeleteExam(ctx context.Context, exam string) error {
	if _, err := m.pool.Exec(ctx, `DELETE FROM exam_chunks WHERE exam = $1`, exam); err != nil {
		return fmt.Errorf("delete exam chunks: %w", err)
	}
	return nil
}

// Reset empties the mirror table.
func (m *Mirror) Reset(ctx context.Context) error {
	if _, err := m.pool.Exec(ctx, `TRUNCATE exam_chunks`); err != nil {
		return fmt.Errorf("truncate mirror: %w", err)
	}
	return nil
}

// searchQuery orders by L2 distance; pgvector's <-> is the square root of
// the distance the local index reports.
func searchQuery(scoped bool) string {
	where := ""
	if scoped {
		where = "WHERE exam = $3 "
	}
	return `SELECT id, exam, filename, slot, text, start_pos, end_pos, created_at, embedding <-> $1 AS distance
		FROM exam_chunks ` + where + `ORDER BY embedding <-> $1 LIMIT $2`
}

// Search returns up to k nearest chunks to q, optionally limited to exam.
// Distances are squared to match the local index.
func (m *Mirror) Search(ctx context.Context, q []float32, k int, exam string) ([]model.SearchResult, error) {
	if k <= 0 {
		return nil, model.Errorf(model.KindInvalidArgument, "k must be positive, got %d", k)
	}
	if len(q) != m.dim {
		return nil, &model.Error{
			Kind: model.KindDimensionMismatch,
			Msg:  fmt.Sprintf("query has %d dimensions, mirror has %d", len(q), m.dim),
		}
	}
	args := []any{pgvector.NewVector(q), k}
	if exam != "" {
		args = append(args, exam)
	}
	rows, err := m.pool.Query(ctx, searchQuery(exam != ""), args...)
	if err != nil {
		return nil, fmt.Errorf("search mirror: %w", err)
	}
	defer rows.Close()

	var results []model.SearchResult
	for rows.Next() {
		var ch model.Chunk
		var dist float64
		if err := rows.Scan(&ch.ID, &ch.Subject, &ch.PDFSource, &ch.EmbeddingID, &ch.Text,
			&ch.StartPos, &ch.EndPos, &ch.CreatedAt, &dist); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		results = append(results, model.SearchResult{
			Rank:     len(results) + 1,
			Slot:     ch.EmbeddingID,
			Distance: float32(dist * dist),
			Chunk:    ch,
		})
	}
	return results, rows.Err()
}
