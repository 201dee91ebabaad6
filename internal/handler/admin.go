package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	appI18n "github.com/pavelanni/examrag/internal/i18n"
	"github.com/pavelanni/examrag/internal/model"
)

// Corpus administration: exams, uploads and clearing.

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.corpus.ListExams(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exams": exams})
}

func (h *Handler) handleAddExam(w http.ResponseWriter, r *http.Request) {
	exam, err := h.corpus.AddExam(r.Context(), r.FormValue("name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"status": appI18n.Td(r.Context(), "StatusExamAdded", map[string]any{"Exam": exam.Name}),
		"exam":   exam,
	})
}

func (h *Handler) handleExamInfo(w http.ResponseWriter, r *http.Request) {
	exam, err := h.corpus.GetExamInfo(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

func (h *Handler) handleRemoveExam(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	removed, err := h.corpus.RemoveExam(r.Context(), name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": appI18n.Td(r.Context(), "StatusExamRemoved", map[string]any{"Exam": name, "Chunks": removed}),
		"chunks": removed,
	})
}

func (h *Handler) handleSetSubjects(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, r, model.Wrap(model.KindInvalidArgument, err, "parse form"))
		return
	}
	var subjects []string
	for _, v := range r.Form["subjects"] {
		subjects = append(subjects, strings.Split(v, ",")...)
	}
	name := chi.URLParam(r, "name")
	got, err := h.corpus.SetSubjects(r.Context(), name, subjects)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   appI18n.Td(r.Context(), "StatusSubjectsSet", map[string]any{"Exam": name}),
		"subjects": got,
	})
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := h.corpus.Clear(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": appI18n.T(r.Context(), "StatusCleared")})
}

// handleUpload normalizes a multipart upload into a model.Upload and
// ingests it. The exam is created unless create=false.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"status": appI18n.Td(r.Context(), "ErrorInvalidArgument", map[string]any{"Detail": "file too large"}),
				"kind":   string(model.KindInvalidArgument),
			})
			return
		}
		writeError(w, r, model.Wrap(model.KindInvalidArgument, err, "parse upload"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, model.Wrap(model.KindInvalidArgument, err, "no file uploaded"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, model.Wrap(model.KindInvalidArgument, err, "read upload"))
		return
	}

	create := true
	if s := r.FormValue("create"); s != "" {
		create, err = strconv.ParseBool(s)
		if err != nil {
			writeError(w, r, model.Errorf(model.KindInvalidArgument, "create must be a boolean, got %q", s))
			return
		}
	}

	up := model.Upload{Filename: filepath.Base(header.Filename), Data: data}
	res, err := h.corpus.IngestDocument(r.Context(), up, r.FormValue("exam"), create)
	if err != nil {
		writeError(w, r, err)
		return
	}

	names, err := h.corpus.ExamNames(r.Context())
	if err != nil {
		slog.Warn("failed to list exams after upload", "error", err)
	}

	msgData := map[string]any{"Exam": res.Exam, "Filename": res.Filename, "Chunks": res.Chunks}
	kind, msgID := "ingested", "StatusIngested"
	switch {
	case res.Duplicate:
		kind, msgID = "duplicate", "StatusDuplicate"
	case res.CreatedExam:
		msgID = "StatusIngestedNewExam"
	}
	slog.Info("upload handled", "exam", res.Exam, "filename", res.Filename, "kind", kind, "chunks", res.Chunks)

	writeJSON(w, http.StatusOK, map[string]any{
		"status": appI18n.Td(r.Context(), msgID, msgData),
		"kind":   kind,
		"chunks": res.Chunks,
		"exams":  names,
	})
}
