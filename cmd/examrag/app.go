package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/pavelanni/examrag/internal/chunker"
	"github.com/pavelanni/examrag/internal/corpus"
	"github.com/pavelanni/examrag/internal/embed"
	"github.com/pavelanni/examrag/internal/extract"
	"github.com/pavelanni/examrag/internal/pgvec"
	"github.com/pavelanni/examrag/internal/rag"
	"github.com/pavelanni/examrag/internal/store"
)

// app is the opened data layer shared by every command.
type app struct {
	store  *store.Store
	corpus *corpus.Corpus
	svc    *rag.Service
	mirror *pgvec.Mirror
}

func newEmbedder(v *viper.Viper) (embed.Embedder, error) {
	switch backend := strings.ToLower(v.GetString("embed-backend")); backend {
	case "hashing":
		h, err := embed.NewHashing(v.GetInt("embed-dim"))
		if err != nil {
			return nil, err
		}
		return h, nil
	case "openai", "":
		e, err := embed.NewOpenAI(embed.OpenAIConfig{
			BaseURL:        v.GetString("embed-url"),
			APIKey:         v.GetString("embed-key"),
			Model:          v.GetString("embed-model"),
			Dimension:      v.GetInt("embed-dim"),
			SendDimensions: v.GetBool("embed-send-dims"),
			BatchSize:      v.GetInt("embed-batch"),
			MaxRetries:     3,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown embed backend %q (want openai or hashing)", backend)
	}
}

func dbPath(v *viper.Viper) string {
	if p := v.GetString("db"); p != "" {
		return p
	}
	return filepath.Join(v.GetString("data-dir"), "examrag.db")
}

// openApp opens the registry, loads the corpus and connects the mirror when
// one is configured. A mirror that cannot be reached is logged and skipped.
func openApp(ctx context.Context, v *viper.Viper) (*app, error) {
	e, err := newEmbedder(v)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}

	c, err := corpus.New(v.GetString("data-dir"), e.Dimension())
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}

	db, err := store.New(dbPath(v))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	svc, err := rag.New(db, c, e, extract.NewAuto(), chunker.New(), rag.Config{
		OverFetch:         v.GetInt("over-fetch"),
		RebuildOnMismatch: v.GetBool("rebuild-on-mismatch"),
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create service: %w", err)
	}
	if err := svc.Open(ctx); err != nil {
		db.Close()
		return nil, err
	}

	a := &app{store: db, corpus: c, svc: svc}
	if url := v.GetString("pg-url"); url != "" {
		m, err := pgvec.New(ctx, url, e.Dimension())
		if err == nil {
			err = m.Migrate(ctx)
			if err != nil {
				m.Close()
			}
		}
		if err != nil {
			slog.Warn("pgvector mirror unavailable, continuing without it", "error", err)
		} else {
			a.mirror = m
			svc.SetMirror(m)
		}
	}

	slog.Debug("corpus opened",
		"data_dir", c.Dir(),
		"db", dbPath(v),
		"embedder", e.Name(),
		"dimension", e.Dimension(),
		"chunks", c.Size(),
	)
	return a, nil
}

func (a *app) Close() {
	if a.mirror != nil {
		a.mirror.Close()
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("close database", "error", err)
	}
}
