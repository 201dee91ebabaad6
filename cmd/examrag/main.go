package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	// A missing .env is fine; everything can come from flags or the environment.
	_ = godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "examrag",
		Short:        "Exam preparation tutor grounded in your past exam papers",
		SilenceUsage: true,
	}

	p := root.PersistentFlags()
	p.String("data-dir", "data", "Directory holding the vector index and chunk metadata")
	p.String("db", "", "SQLite database path (default <data-dir>/examrag.db)")
	p.String("embed-backend", "openai", "Embedding backend (openai, hashing)")
	p.String("embed-url", "http://localhost:11434/v1", "OpenAI-compatible embeddings base URL")
	p.String("embed-key", "ollama", "API key for the embeddings backend")
	p.String("embed-model", "nomic-embed-text", "Embedding model name")
	p.Int("embed-dim", 768, "Embedding dimension")
	p.Int("embed-batch", 64, "Texts per embeddings request")
	p.Bool("embed-send-dims", false, "Ask the backend to shorten vectors to --embed-dim")
	p.Int("over-fetch", 5, "Candidate multiplier for exam-scoped search")
	p.Bool("rebuild-on-mismatch", false, "Re-embed the corpus when the index and metadata disagree")
	p.String("pg-url", "", "PostgreSQL URL of an optional pgvector mirror")
	p.String("log-level", "info", "Log level (debug, info, warn, error)")
	p.String("log-format", "text", "Log format (text, json)")

	serve := serveCmd()
	root.AddCommand(
		serve,
		ingestCmd(),
		searchCmd(),
		examsCmd(),
		statsCmd(),
		clearCmd(),
		exportCmd(),
		watchCmd(),
		mirrorCmd(),
	)

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `examrag --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging(v *viper.Viper) {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(v.GetString("log-level"))}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())
	_ = v.BindPFlags(cmd.InheritedFlags())

	v.SetEnvPrefix("EXAMRAG")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("examrag")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/examrag")
	v.AddConfigPath("/etc/examrag")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// setup configures logging and returns the command's configuration.
func setup(cmd *cobra.Command) *viper.Viper {
	v := viperForCmd(cmd)
	setupLogging(v)
	return v
}

// normalizeBasePath returns "" or a path with a leading and no trailing slash.
func normalizeBasePath(p string) string {
	p = strings.TrimRight(strings.TrimSpace(p), "/")
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
