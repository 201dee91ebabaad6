package model

import (
	"context"
	"time"
)

type sessionCtxKey struct{}

// ContextWithSessionID stores the study session ID in the request context.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, id)
}

// SessionIDFromContext retrieves the study session ID from context, or "".
func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionCtxKey{}).(string)
	return id
}

type basePathCtxKey struct{}

// ContextWithBasePath stores the base path prefix in context.
func ContextWithBasePath(ctx context.Context, basePath string) context.Context {
	return context.WithValue(ctx, basePathCtxKey{}, basePath)
}

// BasePathFromContext retrieves the base path from context (empty string if not set).
func BasePathFromContext(ctx context.Context) string {
	bp, _ := ctx.Value(basePathCtxKey{}).(string)
	return bp
}

type csrfCtxKey struct{}

// ContextWithCSRFToken stores the CSRF token in context.
func ContextWithCSRFToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, csrfCtxKey{}, token)
}

// CSRFTokenFromContext retrieves the CSRF token from context.
func CSRFTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(csrfCtxKey{}).(string)
	return t
}

// Difficulty represents question difficulty level.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Difficulties lists every difficulty in display order.
var Difficulties = []Difficulty{DifficultyEasy, DifficultyMedium, DifficultyHard}

// QuestionType is the answer format of a generated question.
type QuestionType string

const (
	TypeMultipleChoice QuestionType = "multiple_choice"
	TypeShortAnswer    QuestionType = "short_answer"
)

// QuestionTypes lists every question type.
var QuestionTypes = []QuestionType{TypeMultipleChoice, TypeShortAnswer}

// QuestionMode selects how a question is produced from the corpus.
type QuestionMode string

const (
	// ModeGenerate writes a new question inspired by the top scoped chunks.
	ModeGenerate QuestionMode = "generate"
	// ModeExact reproduces the best matching past question as-is.
	ModeExact QuestionMode = "exact"
)

// ParseQuestionMode validates a mode name. Empty means ModeGenerate.
func ParseQuestionMode(s string) (QuestionMode, error) {
	switch QuestionMode(s) {
	case "", ModeGenerate:
		return ModeGenerate, nil
	case ModeExact:
		return ModeExact, nil
	}
	return "", Errorf(KindInvalidArgument, "unknown question mode %q", s)
}

// Upload is a document as received at the boundary: raw bytes plus the
// original filename.
type Upload struct {
	Filename string
	Data     []byte
}

// DocumentSummary records one accepted upload of an exam.
type DocumentSummary struct {
	Filename    string    `json:"filename" yaml:"filename"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	ChunksCount int       `json:"chunks_count" yaml:"chunks_count"`
	UploadedAt  time.Time `json:"uploaded_at" yaml:"uploaded_at"`
}

// Exam is a named collection of uploaded documents.
type Exam struct {
	Name      string            `json:"name" yaml:"name"`
	CreatedAt time.Time         `json:"created_at" yaml:"created_at"`
	Documents []DocumentSummary `json:"documents" yaml:"documents"`
	Subjects  []string          `json:"subjects" yaml:"subjects"`
	// ChunkCount is filled from the corpus, not stored with the exam.
	ChunkCount int `json:"chunk_count" yaml:"chunk_count"`
}

// Chunk is one overlapping window of a document's extracted text.
// Field names match the persisted metadata record.
type Chunk struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	StartPos    int       `json:"start_pos"`
	EndPos      int       `json:"end_pos"`
	Subject     string    `json:"subject"`
	CreatedAt   time.Time `json:"created_at"`
	PDFSource   string    `json:"pdf_source"`
	EmbeddingID int       `json:"embedding_id"`
}

// SearchResult is a chunk returned by similarity search.
type SearchResult struct {
	Rank     int     `json:"rank"`
	Slot     int     `json:"slot"`
	Distance float32 `json:"distance"`
	Chunk    Chunk   `json:"chunk"`
}

// IngestResult describes the outcome of ingesting one document.
type IngestResult struct {
	Exam        string `json:"exam"`
	Filename    string `json:"filename"`
	Fingerprint string `json:"fingerprint"`
	Chunks      int    `json:"chunks"`
	// Duplicate is set when the upload matched an earlier one by filename
	// or fingerprint and nothing was changed.
	Duplicate   bool `json:"duplicate"`
	CreatedExam bool `json:"created_exam"`
}

// Stats summarizes the corpus.
type Stats struct {
	TotalChunks int      `json:"total_chunks" yaml:"total_chunks"`
	IndexSize   int      `json:"index_size" yaml:"index_size"`
	Dimension   int      `json:"dimension" yaml:"dimension"`
	Subjects    []string `json:"subjects" yaml:"subjects"`
	Sources     []string `json:"pdf_sources" yaml:"pdf_sources"`
}

// Session is the state of one study session: the active question and the
// chat history. It replaces process-wide state.
type Session struct {
	ID           string       `json:"id"`
	Exam         string       `json:"exam"`
	Mode         QuestionMode `json:"mode"`
	Difficulty   Difficulty   `json:"difficulty"`
	QuestionType QuestionType `json:"question_type"`
	// Raw is the full generated text including answer and explanation.
	Raw         string    `json:"-"`
	Question    string    `json:"question"`
	Answer      string    `json:"-"`
	Explanation string    `json:"-"`
	Context     string    `json:"-"`
	UsedContext bool      `json:"used_context"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasQuestion reports whether a question has been generated in this session.
func (s *Session) HasQuestion() bool {
	return s.Raw != ""
}

// ChatTurn is one user message and the assistant reply.
type ChatTurn struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	CreatedAt time.Time `json:"created_at"`
}

// TutorConfig holds runtime parameters for question generation and chat.
type TutorConfig struct {
	Temperature     float32
	EvalTemperature float32
	MaxTokens       int
	GenerateTopK    int    // scoped chunks used as context in generate mode
	ChatTopK        int    // unscoped chunks used as chat context
	HistoryTurns    int    // recent chat turns included in the prompt
	ExactQuery      string // literal query for exact mode
}

// DefaultTutorConfig returns the defaults used by the CLI.
func DefaultTutorConfig() TutorConfig {
	return TutorConfig{
		Temperature:     0.7,
		EvalTemperature: 0.3,
		MaxTokens:       1500,
		GenerateTopK:    3,
		ChatTopK:        2,
		HistoryTurns:    5,
		ExactQuery:      "past exam question",
	}
}

// ServerConfig holds HTTP-layer parameters set via CLI flags.
type ServerConfig struct {
	BasePath      string // URL prefix for sub-path deployments (e.g. "/prep")
	SecureCookies bool   // Set Secure flag on cookies (disable for local dev)
	MaxUpload     int64  // multipart memory limit in bytes
}
