package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/examrag/internal/handler"
	appI18n "github.com/pavelanni/examrag/internal/i18n"
	"github.com/pavelanni/examrag/internal/llm"
	"github.com/pavelanni/examrag/internal/llm/prompts"
	"github.com/pavelanni/examrag/internal/model"
	"github.com/pavelanni/examrag/internal/store"
	"github.com/pavelanni/examrag/internal/study"
	"github.com/pavelanni/examrag/internal/watch"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the study web server",
		RunE:  runServe,
	}
	def := model.DefaultTutorConfig()
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /prep)")
	f.Bool("secure-cookies", true, "Set Secure flag on session cookies")
	f.StringP("lang", "l", "en", "Default UI language (en, ko)")
	f.Int64("max-upload", 64<<20, "Maximum upload size in bytes")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.Float32("temperature", def.Temperature, "Sampling temperature for question generation and chat")
	f.Float32("eval-temperature", def.EvalTemperature, "Sampling temperature for answer evaluation")
	f.Int("max-tokens", def.MaxTokens, "Maximum tokens per completion")
	f.String("exact-query", def.ExactQuery, "Retrieval query used to find past questions in exact mode")
	f.Int("history-turns", def.HistoryTurns, "Chat turns included in the prompt")
	f.String("watch-dir", "", "Inbox directory laid out as <dir>/<exam>/<file> to ingest automatically")
	f.Duration("request-timeout", 2*time.Minute, "Per-request timeout (0 disables)")
	f.Duration("session-ttl", 7*24*time.Hour, "Delete sessions idle for longer than this")
	return cmd
}

func tutorConfig(v *viper.Viper) model.TutorConfig {
	cfg := model.DefaultTutorConfig()
	cfg.Temperature = float32(v.GetFloat64("temperature"))
	cfg.EvalTemperature = float32(v.GetFloat64("eval-temperature"))
	cfg.MaxTokens = v.GetInt("max-tokens")
	cfg.HistoryTurns = v.GetInt("history-turns")
	if q := v.GetString("exact-query"); q != "" {
		cfg.ExactQuery = q
	}
	return cfg
}

// newRouter mounts the handler at basePath with the shared middleware stack.
func newRouter(h *handler.Handler, basePath string, timeout time.Duration) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}
	r.Use(appI18n.Middleware)

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
		r.Get(basePath, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, basePath+"/", http.StatusMovedPermanently)
		})
	} else {
		r.Use(h.BasePathMiddleware)
		h.Routes(r)
	}
	return r
}

// cleanupSessions deletes idle sessions once an hour until ctx is done.
func cleanupSessions(ctx context.Context, db *store.Store, ttl time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := db.CleanupSessions(ctx, time.Now().Add(-ttl))
		if err != nil {
			slog.Warn("session cleanup failed", "error", err)
		} else if n > 0 {
			slog.Info("removed idle sessions", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := setup(cmd)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	if err := prompts.LoadDefault(); err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	llmClient := llm.New(v.GetString("llm-url"), v.GetString("llm-key"), v.GetString("llm-model"))
	if err := llmClient.Ping(ctx); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", llmClient.Model())

	tutor := study.New(llmClient, a.svc, a.store, tutorConfig(v))

	basePath := normalizeBasePath(v.GetString("base-path"))
	h, err := handler.New(a.svc, tutor, a.store, model.ServerConfig{
		BasePath:      basePath,
		SecureCookies: v.GetBool("secure-cookies"),
		MaxUpload:     v.GetInt64("max-upload"),
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	if dir := v.GetString("watch-dir"); dir != "" {
		w := watch.New(dir, a.svc, 0)
		go func() {
			if _, err := w.Scan(ctx); err != nil {
				slog.Warn("initial inbox scan failed", "error", err)
			}
			if err := w.Run(ctx); err != nil {
				slog.Error("inbox watcher stopped", "error", err)
			}
		}()
	}
	if ttl := v.GetDuration("session-ttl"); ttl > 0 {
		go cleanupSessions(ctx, a.store, ttl)
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(h, basePath, v.GetDuration("request-timeout")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting server",
		"addr", addr,
		"model", llmClient.Model(),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"base_path", basePath,
		"chunks", a.corpus.Size(),
		"watch_dir", v.GetString("watch-dir"),
		"mirror", a.mirror != nil,
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
