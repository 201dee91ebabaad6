package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/examrag/internal/extract"
	"github.com/pavelanni/examrag/internal/model"
	"github.com/pavelanni/examrag/internal/watch"
)

// withApp opens the data layer for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	v := setup(cmd)
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest FILE|DIR...",
		Short: "Add PDF or text files to an exam",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIngest,
	}
	f := cmd.Flags()
	f.StringP("exam", "e", "", "Exam the documents belong to (required)")
	f.Bool("create", false, "Create the exam if it does not exist")
	_ = cmd.MarkFlagRequired("exam")
	return cmd
}

// expandPaths replaces directories with the supported files inside them.
func expandPaths(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		fi, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !fi.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && !strings.HasPrefix(d.Name(), ".") && extract.Supported(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", arg, err)
		}
	}
	return files, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	exam, _ := cmd.Flags().GetString("exam")
	create, _ := cmd.Flags().GetBool("create")

	files, err := expandPaths(args)
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		out := cmd.OutOrStdout()
		var errs []error
		for _, path := range files {
			data, err := os.ReadFile(path)
			if err != nil {
				errs = append(errs, fmt.Errorf("read %s: %w", path, err))
				continue
			}
			res, err := a.svc.IngestDocument(ctx, model.Upload{Filename: filepath.Base(path), Data: data}, exam, create)
			if err != nil {
				errs = append(errs, fmt.Errorf("ingest %s: %w", path, err))
				continue
			}
			switch {
			case res.Duplicate:
				fmt.Fprintf(out, "%s: already in %s, skipped\n", res.Filename, res.Exam)
			case res.CreatedExam:
				fmt.Fprintf(out, "%s: %d chunks added to new exam %s\n", res.Filename, res.Chunks, res.Exam)
				// Later files go to the now existing exam.
				create = false
			default:
				fmt.Fprintf(out, "%s: %d chunks added to %s\n", res.Filename, res.Chunks, res.Exam)
			}
		}
		return errors.Join(errs...)
	})
}

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Find the chunks most similar to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}
	f := cmd.Flags()
	f.StringP("exam", "e", "", "Only search this exam")
	f.IntP("top", "k", 5, "Number of results")
	f.Bool("mirror", false, "Query the pgvector mirror instead of the local index")
	f.Bool("json", false, "Print results as JSON")
	return cmd
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func runSearch(cmd *cobra.Command, args []string) error {
	exam, _ := cmd.Flags().GetString("exam")
	k, _ := cmd.Flags().GetInt("top")
	useMirror, _ := cmd.Flags().GetBool("mirror")
	asJSON, _ := cmd.Flags().GetBool("json")
	query := strings.Join(args, " ")

	return withApp(cmd, func(ctx context.Context, a *app) error {
		search := a.svc.Search
		if useMirror {
			search = a.svc.SearchMirror
		}
		results, err := search(ctx, query, strings.TrimSpace(exam), k)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), results)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RANK\tDISTANCE\tEXAM\tSOURCE\tTEXT")
		for _, r := range results {
			fmt.Fprintf(tw, "%d\t%.4f\t%s\t%s\t%s\n", r.Rank, r.Distance, r.Chunk.Subject, r.Chunk.PDFSource, snippet(r.Chunk.Text, 60))
		}
		return tw.Flush()
	})
}

func examsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exams",
		Short: "Manage the exam registry",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List exams with their documents and chunk counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				exams, err := a.svc.ListExams(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "EXAM\tDOCUMENTS\tCHUNKS\tSUBJECTS\tCREATED")
				for _, e := range exams {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", e.Name, len(e.Documents), e.ChunkCount,
						strings.Join(e.Subjects, ","), e.CreatedAt.Format("2006-01-02 15:04"))
				}
				return tw.Flush()
			})
		},
	}

	add := &cobra.Command{
		Use:   "add NAME",
		Short: "Create an empty exam",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				e, err := a.svc.AddExam(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created exam %s\n", e.Name)
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:     "remove NAME",
		Aliases: []string{"rm"},
		Short:   "Delete an exam and all of its chunks",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.svc.RemoveExam(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed exam %s (%d chunks)\n", args[0], n)
				return nil
			})
		},
	}

	info := &cobra.Command{
		Use:   "info NAME",
		Short: "Show one exam",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				e, err := a.svc.GetExamInfo(ctx, args[0])
				if err != nil {
					return err
				}
				return writeYAML(cmd.OutOrStdout(), e)
			})
		},
	}

	tag := &cobra.Command{
		Use:   "tag NAME SUBJECT...",
		Short: "Replace the subject tags of an exam",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				subjects, err := a.svc.SetSubjects(ctx, args[0], args[1:])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], strings.Join(subjects, ", "))
				return nil
			})
		},
	}

	cmd.AddCommand(list, add, remove, info, tag)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show corpus statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(_ context.Context, a *app) error {
				return writeYAML(cmd.OutOrStdout(), a.svc.Stats())
			})
		},
	}
}

func clearCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every exam, chunk and vector",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return errors.New("refusing to clear the corpus without --yes")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.svc.Clear(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "corpus cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Confirm deletion")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the exam registry and corpus statistics",
		Args:  cobra.NoArgs,
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.StringP("format", "f", "json", "Output format (json, yaml)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write YAML: %w", err)
	}
	return enc.Close()
}

func runExport(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	outPath, _ := cmd.Flags().GetString("output")

	var write func(io.Writer, any) error
	switch strings.ToLower(format) {
	case "json":
		write = writeJSON
	case "yaml", "yml":
		write = writeYAML
	default:
		return fmt.Errorf("unknown export format %q (want json or yaml)", format)
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		export, err := a.svc.Export(ctx)
		if err != nil {
			return fmt.Errorf("export corpus: %w", err)
		}

		var w io.Writer
		if outPath == "" || outPath == "-" {
			w = cmd.OutOrStdout()
		} else {
			f, err := os.Create(outPath)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		return write(w, export)
	})
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch DIR",
		Short: "Ingest files dropped into DIR/<exam>/ until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settle, _ := cmd.Flags().GetDuration("settle")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				w := watch.New(args[0], a.svc, settle)
				n, err := w.Scan(ctx)
				if err != nil {
					return err
				}
				slog.Info("inbox scanned", "dir", args[0], "files", n)
				return w.Run(ctx)
			})
		},
	}
	cmd.Flags().Duration("settle", watch.DefaultSettle, "How long a file must be unchanged before it is ingested")
	return cmd
}

func mirrorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Manage the pgvector mirror",
	}
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Replace the mirror contents with the local corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.mirror == nil {
					return errors.New("no mirror available: set --pg-url to a reachable PostgreSQL with pgvector")
				}
				n, err := a.svc.SyncMirror(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "mirrored %d chunks\n", n)
				return nil
			})
		},
	}
	cmd.AddCommand(sync)
	return cmd
}
