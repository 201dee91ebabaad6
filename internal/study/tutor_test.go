package study

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/pavelanni/examrag/internal/llm"
	"github.com/pavelanni/examrag/internal/llm/prompts"
	"github.com/pavelanni/examrag/internal/model"
)

type fakeCompleter struct {
	reply string
	err   error
	reqs  []llm.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	f.reqs = append(f.reqs, req)
	return f.reply, f.err
}

type searchCall struct {
	query string
	exam  string
	k     int
}

type fakeRetriever struct {
	byExam map[string][]string
	calls  []searchCall
	err    error
}

func (f *fakeRetriever) Search(_ context.Context, query, exam string, k int) ([]model.SearchResult, error) {
	f.calls = append(f.calls, searchCall{query, exam, k})
	if f.err != nil {
		return nil, f.err
	}
	var texts []string
	if exam == "" {
		for _, ts := range f.byExam {
			texts = append(texts, ts...)
		}
	} else {
		texts = f.byExam[exam]
	}
	var out []model.SearchResult
	for i, text := range texts {
		if i == k {
			break
		}
		out = append(out, model.SearchResult{Rank: i + 1, Chunk: model.Chunk{Text: text, Subject: exam}})
	}
	return out, nil
}

type fakeSessions struct {
	saved []model.Session
	turns []model.ChatTurn
}

func (f *fakeSessions) SaveSession(_ context.Context, sess *model.Session) error {
	f.saved = append(f.saved, *sess)
	return nil
}

func (f *fakeSessions) AddChatTurn(_ context.Context, turn model.ChatTurn) (int64, error) {
	f.turns = append(f.turns, turn)
	return int64(len(f.turns)), nil
}

func (f *fakeSessions) RecentChatTurns(_ context.Context, id string, n int) ([]model.ChatTurn, error) {
	var mine []model.ChatTurn
	for _, t := range f.turns {
		if t.SessionID == id {
			mine = append(mine, t)
		}
	}
	if len(mine) > n {
		mine = mine[len(mine)-n:]
	}
	return mine, nil
}

type tutorFixture struct {
	tutor     *Tutor
	llm       *fakeCompleter
	retriever *fakeRetriever
	sessions  *fakeSessions
}

func newTutor(t *testing.T, reply string, byExam map[string][]string) *tutorFixture {
	t.Helper()
	if err := prompts.LoadDefault(); err != nil {
		t.Fatalf("load prompts: %v", err)
	}
	f := &tutorFixture{
		llm:       &fakeCompleter{reply: reply},
		retriever: &fakeRetriever{byExam: byExam},
		sessions:  &fakeSessions{},
	}
	f.tutor = New(f.llm, f.retriever, f.sessions, model.DefaultTutorConfig())
	f.tutor.SetRand(rand.New(rand.NewPCG(1, 2)))
	return f
}

func TestGenerateWithContext(t *testing.T) {
	f := newTutor(t, sampleQuestion, map[string][]string{
		"CISA": {"chunk one", "chunk two", "chunk three", "chunk four"},
		"PMP":  {"other exam"},
	})
	sess := &model.Session{ID: "s1"}

	q, err := f.tutor.Generate(context.Background(), sess, " CISA ", model.ModeGenerate)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !q.UsedContext || q.Exam != "CISA" || q.Mode != model.ModeGenerate {
		t.Errorf("unexpected question %+v", q)
	}
	if strings.Contains(q.Text, "=== Answer ===") {
		t.Error("question text must not reveal the answer")
	}

	call := f.retriever.calls[0]
	if call.exam != "CISA" || call.k != 3 || call.query != string(q.Difficulty)+" "+string(q.Type) {
		t.Errorf("unexpected search %+v", call)
	}
	if sess.Context != "chunk one\n\nchunk two\n\nchunk three" {
		t.Errorf("unexpected context %q", sess.Context)
	}
	if sess.Answer != "2" || sess.Explanation == "" {
		t.Errorf("answer/explanation not parsed: %+v", sess)
	}
	if len(f.sessions.saved) != 1 {
		t.Errorf("expected session to be saved once, got %d", len(f.sessions.saved))
	}
	req := f.llm.reqs[0]
	if req.Temperature != 0.7 || req.MaxTokens != 1500 || !strings.Contains(req.User, "chunk two") {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestGenerateFallsBackWithoutContext(t *testing.T) {
	f := newTutor(t, sampleQuestion, map[string][]string{"PMP": {"other exam"}})
	sess := &model.Session{ID: "s1"}

	q, err := f.tutor.Generate(context.Background(), sess, "CISA", "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if q.UsedContext || sess.Context != "" {
		t.Error("expected an ungrounded question")
	}
	if strings.Contains(f.llm.reqs[0].User, "Past Exam Context") {
		t.Error("plain prompt expected")
	}
}

func TestGenerateExact(t *testing.T) {
	f := newTutor(t, sampleQuestion, map[string][]string{"CISA": {"Q17 past", "Q18 past"}})
	sess := &model.Session{ID: "s1"}

	q, err := f.tutor.Generate(context.Background(), sess, "CISA", model.ModeExact)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	call := f.retriever.calls[0]
	if call.query != "past exam question" || call.k != 1 {
		t.Errorf("unexpected search %+v", call)
	}
	if !q.UsedContext || sess.Context != "Q17 past" {
		t.Errorf("expected the top past question as context, got %q", sess.Context)
	}
}

func TestGenerateErrors(t *testing.T) {
	backendErr := model.Errorf(model.KindBackendUnavailable, "down")
	tests := []struct {
		name    string
		exam    string
		mode    model.QuestionMode
		llmErr  error
		wantErr error
	}{
		{"empty exam", "  ", model.ModeGenerate, nil, model.ErrInvalidArgument},
		{"exact without material", "PMP", model.ModeExact, nil, model.ErrNotFound},
		{"unknown mode", "CISA", "random", nil, model.ErrInvalidArgument},
		{"backend down", "CISA", model.ModeGenerate, backendErr, model.ErrBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTutor(t, sampleQuestion, map[string][]string{"CISA": {"c"}})
			f.llm.err = tt.llmErr
			sess := &model.Session{ID: "s1"}
			_, err := f.tutor.Generate(context.Background(), sess, tt.exam, tt.mode)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if sess.HasQuestion() || len(f.sessions.saved) != 0 {
				t.Error("failed generation must not change the session")
			}
		})
	}
}

func TestGeneratePicksAllCombinations(t *testing.T) {
	f := newTutor(t, sampleQuestion, nil)
	seen := map[string]bool{}
	for range 100 {
		q, err := f.tutor.Generate(context.Background(), &model.Session{ID: "s"}, "CISA", model.ModeGenerate)
		if err != nil {
			t.Fatalf("Generate: %v", err)
		}
		seen[string(q.Difficulty)+"/"+string(q.Type)] = true
	}
	if len(seen) != len(model.Difficulties)*len(model.QuestionTypes) {
		t.Errorf("expected every difficulty/type combination, saw %v", seen)
	}
}

func TestEvaluate(t *testing.T) {
	f := newTutor(t, sampleQuestion, map[string][]string{"CISA": {"ctx"}})
	sess := &model.Session{ID: "s1"}

	if _, err := f.tutor.Evaluate(context.Background(), sess, "2"); !errors.Is(err, model.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument before a question, got %v", err)
	}

	if _, err := f.tutor.Generate(context.Background(), sess, "CISA", model.ModeGenerate); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	f.llm.reply = "=== Result ===\nCorrect: yes"
	out, err := f.tutor.Evaluate(context.Background(), sess, "2")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out != f.llm.reply {
		t.Errorf("unexpected evaluation %q", out)
	}
	req := f.llm.reqs[len(f.llm.reqs)-1]
	if req.Temperature != 0.3 || !strings.Contains(req.User, "Past Exam Context") {
		t.Errorf("expected context evaluation at 0.3, got %+v", req)
	}

	sess.Answer = ""
	if _, err := f.tutor.Evaluate(context.Background(), sess, "2"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found without a parsed answer, got %v", err)
	}
}

func TestSolution(t *testing.T) {
	f := newTutor(t, sampleQuestion, nil)

	if _, err := f.tutor.Solution(&model.Session{}); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected invalid argument, got %v", err)
	}

	sess := &model.Session{ID: "s1"}
	if _, err := f.tutor.Generate(context.Background(), sess, "CISA", model.ModeGenerate); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	sol, err := f.tutor.Solution(sess)
	if err != nil {
		t.Fatalf("Solution: %v", err)
	}
	if sol.Answer != "2" || sol.Source != noSourcePlaceholder {
		t.Errorf("unexpected solution %+v", sol)
	}
	if !strings.HasPrefix(sol.String(), "=== Answer ===\n2\n") {
		t.Errorf("unexpected rendering %q", sol.String())
	}

	sess.Explanation = ""
	if _, err := f.tutor.Solution(sess); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected not found without explanation, got %v", err)
	}
}

func TestChat(t *testing.T) {
	f := newTutor(t, "reply", map[string][]string{"CISA": {"a", "b", "c"}})
	sess := &model.Session{ID: "s1"}
	ctx := context.Background()

	for i := range 7 {
		f.llm.reply = "reply " + string(rune('A'+i))
		if _, err := f.tutor.Chat(ctx, sess, "message "+string(rune('A'+i))); err != nil {
			t.Fatalf("Chat %d: %v", i, err)
		}
	}
	if len(f.sessions.turns) != 7 {
		t.Fatalf("expected 7 stored turns, got %d", len(f.sessions.turns))
	}

	last := f.llm.reqs[len(f.llm.reqs)-1].User
	if strings.Contains(last, "message A") {
		t.Error("turns older than the history window leaked into the prompt")
	}
	if !strings.Contains(last, "User: message F\nAssistant: reply F") {
		t.Errorf("recent turn missing from prompt: %q", last)
	}

	call := f.retriever.calls[len(f.retriever.calls)-1]
	if call.exam != "" || call.k != 2 {
		t.Errorf("chat search should be unscoped top-2, got %+v", call)
	}

	if _, err := f.tutor.Chat(ctx, sess, "   "); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected invalid argument for empty message, got %v", err)
	}
}

func TestChatBackendFailureKeepsHistory(t *testing.T) {
	f := newTutor(t, "", nil)
	f.llm.err = model.Errorf(model.KindBackendUnavailable, "down")
	_, err := f.tutor.Chat(context.Background(), &model.Session{ID: "s1"}, "hi")
	if !errors.Is(err, model.ErrBackendUnavailable) {
		t.Fatalf("expected backend unavailable, got %v", err)
	}
	if len(f.sessions.turns) != 0 {
		t.Error("failed exchange must not be stored")
	}
}
