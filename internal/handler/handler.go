package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examrag/internal/handler/views"
	appI18n "github.com/pavelanni/examrag/internal/i18n"
	"github.com/pavelanni/examrag/internal/model"
	"github.com/pavelanni/examrag/internal/study"
)

// Corpus is the exam registry and retrieval surface used by the handlers.
type Corpus interface {
	AddExam(ctx context.Context, name string) (model.Exam, error)
	RemoveExam(ctx context.Context, name string) (int, error)
	IngestDocument(ctx context.Context, up model.Upload, exam string, createIfMissing bool) (model.IngestResult, error)
	Search(ctx context.Context, query, exam string, k int) ([]model.SearchResult, error)
	ListExams(ctx context.Context) ([]model.Exam, error)
	ExamNames(ctx context.Context) ([]string, error)
	GetExamInfo(ctx context.Context, name string) (model.Exam, error)
	SetSubjects(ctx context.Context, name string, subjects []string) ([]string, error)
	Stats() model.Stats
	Clear(ctx context.Context) error
}

// Tutor runs the question and chat flows of a session.
type Tutor interface {
	Generate(ctx context.Context, sess *model.Session, exam string, mode model.QuestionMode) (study.Question, error)
	Evaluate(ctx context.Context, sess *model.Session, answer string) (string, error)
	Solution(sess *model.Session) (study.Solution, error)
	Chat(ctx context.Context, sess *model.Session, message string) (string, error)
}

// Sessions creates and loads study sessions.
type Sessions interface {
	CreateSession(ctx context.Context) (*model.Session, error)
	GetSession(ctx context.Context, id string) (*model.Session, error)
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	corpus   Corpus
	tutor    Tutor
	sessions Sessions
	config   model.ServerConfig
}

const defaultSearchK = 5

// New creates a new Handler.
func New(c Corpus, t Tutor, s Sessions, cfg model.ServerConfig) (*Handler, error) {
	if c == nil || t == nil || s == nil {
		return nil, errors.New("handler: corpus, tutor and sessions are required")
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = 64 << 20
	}
	return &Handler{corpus: c, tutor: t, sessions: s, config: cfg}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(h.limitBody)
		r.Use(h.sessionMiddleware)
		r.Use(h.csrfMiddleware)

		r.Get("/", h.handleIndex)

		r.Get("/api/exams", h.handleListExams)
		r.Post("/api/exams", h.handleAddExam)
		r.Get("/api/exams/{name}", h.handleExamInfo)
		r.Delete("/api/exams/{name}", h.handleRemoveExam)
		r.Put("/api/exams/{name}/subjects", h.handleSetSubjects)
		r.Post("/api/upload", h.handleUpload)
		r.Get("/api/search", h.handleSearch)
		r.Get("/api/stats", h.handleStats)
		r.Delete("/api/corpus", h.handleClear)

		r.Post("/api/question", h.handleQuestion)
		r.Post("/api/answer", h.handleAnswer)
		r.Get("/api/solution", h.handleSolution)
		r.Post("/api/chat", h.handleChat)
	})
}

// path returns an absolute path with the base path prefix.
func (h *Handler) path(p string) string {
	return h.config.BasePath + p
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "chunks": h.corpus.Stats().TotalChunks})
}

func (h *Handler) handleIndex(w http.ResponseWriter, r *http.Request) {
	exams, err := h.corpus.ListExams(r.Context())
	if err != nil {
		slog.Error("failed to list exams", "error", err)
		http.Error(w, appI18n.Td(r.Context(), "ErrorInternal", map[string]any{"Detail": err.Error()}), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := views.IndexPage(views.IndexData{Exams: exams, Stats: h.corpus.Stats()}).Render(r.Context(), w); err != nil {
		slog.Error("render error", "error", err)
	}
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	k := defaultSearchK
	if s := q.Get("k"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, r, model.Errorf(model.KindInvalidArgument, "k must be an integer, got %q", s))
			return
		}
		k = n
	}
	results, err := h.corpus.Search(r.Context(), q.Get("q"), strings.TrimSpace(q.Get("exam")), k)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.corpus.Stats())
}

func (h *Handler) handleQuestion(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	mode, err := model.ParseQuestionMode(r.FormValue("mode"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	q, err := h.tutor.Generate(r.Context(), sess, r.FormValue("exam"), mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) handleAnswer(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	out, err := h.tutor.Evaluate(r.Context(), sess, r.FormValue("answer"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"evaluation": out})
}

func (h *Handler) handleSolution(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sol, err := h.tutor.Solution(sess)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"answer":      sol.Answer,
		"explanation": sol.Explanation,
		"source":      sol.Source,
		"text":        sol.String(),
	})
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	reply, err := h.tutor.Chat(r.Context(), sess, r.FormValue("message"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

var errorMessages = map[model.ErrorKind]string{
	model.KindAlreadyExists:      "ErrorAlreadyExists",
	model.KindNotFound:           "ErrorNotFound",
	model.KindDuplicate:          "ErrorDuplicate",
	model.KindEmptyDocument:      "ErrorEmptyDocument",
	model.KindDimensionMismatch:  "ErrorDimensionMismatch",
	model.KindInvalidArgument:    "ErrorInvalidArgument",
	model.KindStorageIO:          "ErrorStorageIO",
	model.KindBackendUnavailable: "ErrorBackendUnavailable",
}

func statusFor(err error) int {
	switch model.KindOf(err) {
	case model.KindAlreadyExists:
		return http.StatusConflict
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindInvalidArgument:
		return http.StatusBadRequest
	case model.KindEmptyDocument, model.KindDimensionMismatch, model.KindDuplicate:
		return http.StatusUnprocessableEntity
	case model.KindBackendUnavailable:
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status code and a localized message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := model.KindOf(err)
	msgID, ok := errorMessages[kind]
	switch {
	case ok:
	case status == http.StatusGatewayTimeout:
		msgID, kind = "ErrorTimeout", "timeout"
	default:
		msgID, kind = "ErrorInternal", "internal"
	}
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"status": appI18n.Td(r.Context(), msgID, map[string]any{"Detail": err.Error()}),
		"kind":   string(kind),
	})
}
