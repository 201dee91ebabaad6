// Package study runs a study session: it generates questions from the
// indexed past exams, evaluates answers, reveals solutions and chats.
package study

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/pavelanni/examrag/internal/llm"
	"github.com/pavelanni/examrag/internal/llm/prompts"
	"github.com/pavelanni/examrag/internal/model"
)

// Completer sends a prompt to the chat backend.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
}

// Retriever finds chunks similar to a query. A non-empty exam scopes the
// search to that exam.
type Retriever interface {
	Search(ctx context.Context, query, exam string, k int) ([]model.SearchResult, error)
}

// SessionStore persists session state and chat history.
type SessionStore interface {
	SaveSession(ctx context.Context, sess *model.Session) error
	AddChatTurn(ctx context.Context, turn model.ChatTurn) (int64, error)
	RecentChatTurns(ctx context.Context, sessionID string, n int) ([]model.ChatTurn, error)
}

// Question is what the user sees after Generate.
type Question struct {
	Exam        string             `json:"exam"`
	Mode        model.QuestionMode `json:"mode"`
	Difficulty  model.Difficulty   `json:"difficulty"`
	Type        model.QuestionType `json:"question_type"`
	Text        string             `json:"text"`
	UsedContext bool               `json:"used_context"`
}

// Solution is the answer, explanation and source context of the current
// question.
type Solution struct {
	Answer      string `json:"answer"`
	Explanation string `json:"explanation"`
	Source      string `json:"source"`
}

const noSourcePlaceholder = "[no past exam material was used for this question]"

func (s Solution) String() string {
	return fmt.Sprintf("=== Answer ===\n%s\n\n=== Explanation ===\n%s\n\n=== Source ===\n%s",
		s.Answer, s.Explanation, s.Source)
}

// Tutor implements the question, evaluation and chat flows for sessions.
type Tutor struct {
	llm       Completer
	retriever Retriever
	sessions  SessionStore
	cfg       model.TutorConfig

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a Tutor. Prompt templates must already be loaded.
func New(c Completer, r Retriever, s SessionStore, cfg model.TutorConfig) *Tutor {
	return &Tutor{
		llm:       c,
		retriever: r,
		sessions:  s,
		cfg:       cfg,
		rng:       rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

// SetRand replaces the random source used to pick difficulty and type.
func (t *Tutor) SetRand(r *rand.Rand) {
	t.mu.Lock()
	t.rng = r
	t.mu.Unlock()
}

func (t *Tutor) pick() (model.Difficulty, model.QuestionType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := model.Difficulties[t.rng.IntN(len(model.Difficulties))]
	q := model.QuestionTypes[t.rng.IntN(len(model.QuestionTypes))]
	return d, q
}

func joinContext(results []model.SearchResult) string {
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Chunk.Text
	}
	return strings.Join(texts, "\n\n")
}

// Generate produces a new question for exam and stores it in sess.
//
// In generate mode it retrieves the top scoped chunks for
// "<difficulty> <type>" and grounds the question on them, falling back to
// an ungrounded question when the exam has none. In exact mode it restates
// the best matching past question and fails with NotFound when there is
// nothing to restate.
func (t *Tutor) Generate(ctx context.Context, sess *model.Session, exam string, mode model.QuestionMode) (Question, error) {
	exam = strings.TrimSpace(exam)
	if exam == "" {
		return Question{}, model.Errorf(model.KindInvalidArgument, "select an exam first")
	}
	difficulty, qtype := t.pick()
	slog.Debug("generating question", "exam", exam, "mode", mode, "difficulty", difficulty, "type", qtype)

	data := prompts.QuestionData{Exam: exam, Difficulty: string(difficulty), Type: string(qtype)}
	var (
		p       prompts.Prompt
		results []model.SearchResult
		err     error
	)
	switch mode {
	case model.ModeExact:
		results, err = t.retriever.Search(ctx, t.cfg.ExactQuery, exam, 1)
		if err != nil {
			return Question{}, fmt.Errorf("search past questions: %w", err)
		}
		if len(results) == 0 {
			return Question{}, model.Errorf(model.KindNotFound, "no past questions for %q: upload a PDF first", exam)
		}
		data.Context = results[0].Chunk.Text
		p, err = prompts.BuildExactPrompt(data)
		if err != nil {
			return Question{}, err
		}
	case model.ModeGenerate, "":
		mode = model.ModeGenerate
		results, err = t.retriever.Search(ctx, fmt.Sprintf("%s %s", difficulty, qtype), exam, t.cfg.GenerateTopK)
		if err != nil {
			return Question{}, fmt.Errorf("search similar questions: %w", err)
		}
		data.Context = joinContext(results)
		p, err = prompts.BuildGeneratePrompt(data)
		if err != nil {
			return Question{}, err
		}
	default:
		return Question{}, model.Errorf(model.KindInvalidArgument, "unknown question mode %q", mode)
	}

	raw, err := t.llm.Complete(ctx, llm.Request{
		System:      p.System,
		User:        p.User,
		Temperature: t.cfg.Temperature,
		MaxTokens:   t.cfg.MaxTokens,
	})
	if err != nil {
		return Question{}, fmt.Errorf("generate question: %w", err)
	}

	parsed := Parse(raw)
	sess.Exam = exam
	sess.Mode = mode
	sess.Difficulty = difficulty
	sess.QuestionType = qtype
	sess.Raw = raw
	sess.Question = parsed.Question
	sess.Answer = parsed.Answer
	sess.Explanation = parsed.Explanation
	sess.Context = data.Context
	sess.UsedContext = data.Context != ""
	if err := t.sessions.SaveSession(ctx, sess); err != nil {
		return Question{}, fmt.Errorf("save session: %w", err)
	}
	if parsed.Answer == "" {
		slog.Warn("generated question has no answer section", "session", sess.ID, "exam", exam)
	}

	return Question{
		Exam:        exam,
		Mode:        mode,
		Difficulty:  difficulty,
		Type:        qtype,
		Text:        parsed.Question,
		UsedContext: sess.UsedContext,
	}, nil
}

// Evaluate grades answer against the session's current question.
func (t *Tutor) Evaluate(ctx context.Context, sess *model.Session, answer string) (string, error) {
	if !sess.HasQuestion() {
		return "", model.Errorf(model.KindInvalidArgument, "generate a question first")
	}
	if sess.Answer == "" {
		return "", model.Errorf(model.KindNotFound, "no answer was found for the current question")
	}
	p, err := prompts.BuildEvalPrompt(prompts.EvalData{
		Exam:     sess.Exam,
		Question: sess.Raw,
		Answer:   answer,
		Context:  sess.Context,
	})
	if err != nil {
		return "", err
	}
	out, err := t.llm.Complete(ctx, llm.Request{
		System:      p.System,
		User:        p.User,
		Temperature: t.cfg.EvalTemperature,
		MaxTokens:   t.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("evaluate answer: %w", err)
	}
	return out, nil
}

// Solution reveals the answer and explanation of the current question.
func (t *Tutor) Solution(sess *model.Session) (Solution, error) {
	if !sess.HasQuestion() {
		return Solution{}, model.Errorf(model.KindInvalidArgument, "generate a question first")
	}
	if sess.Answer == "" || sess.Explanation == "" {
		return Solution{}, model.Errorf(model.KindNotFound, "no answer or explanation was found for the current question")
	}
	src := sess.Context
	if src == "" {
		src = noSourcePlaceholder
	}
	return Solution{Answer: sess.Answer, Explanation: sess.Explanation, Source: src}, nil
}

// Chat answers message using the closest chunks from any exam and the
// session's recent turns, then records the exchange.
func (t *Tutor) Chat(ctx context.Context, sess *model.Session, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", model.Errorf(model.KindInvalidArgument, "message must not be empty")
	}

	results, err := t.retriever.Search(ctx, message, "", t.cfg.ChatTopK)
	if err != nil {
		return "", fmt.Errorf("search context: %w", err)
	}
	turns, err := t.sessions.RecentChatTurns(ctx, sess.ID, t.cfg.HistoryTurns)
	if err != nil {
		return "", fmt.Errorf("load chat history: %w", err)
	}
	history := make([]prompts.Turn, len(turns))
	for i, turn := range turns {
		history[i] = prompts.Turn{User: turn.User, Assistant: turn.Assistant}
	}

	p, err := prompts.BuildChatPrompt(prompts.ChatData{
		Message: message,
		Context: joinContext(results),
		History: history,
	})
	if err != nil {
		return "", err
	}
	reply, err := t.llm.Complete(ctx, llm.Request{
		System:      p.System,
		User:        p.User,
		Temperature: t.cfg.Temperature,
		MaxTokens:   t.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}

	if _, err := t.sessions.AddChatTurn(ctx, model.ChatTurn{
		SessionID: sess.ID,
		User:      message,
		Assistant: reply,
	}); err != nil {
		return "", fmt.Errorf("save chat turn: %w", err)
	}
	return reply, nil
}
