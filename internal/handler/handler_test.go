package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/examrag/internal/chunker"
	"github.com/pavelanni/examrag/internal/corpus"
	"github.com/pavelanni/examrag/internal/embed"
	"github.com/pavelanni/examrag/internal/extract"
	appI18n "github.com/pavelanni/examrag/internal/i18n"
	"github.com/pavelanni/examrag/internal/llm"
	"github.com/pavelanni/examrag/internal/llm/prompts"
	"github.com/pavelanni/examrag/internal/model"
	"github.com/pavelanni/examrag/internal/rag"
	"github.com/pavelanni/examrag/internal/store"
	"github.com/pavelanni/examrag/internal/study"
)

const generatedQuestion = `=== Question ===
Which control detects unauthorized changes?
=== Answer ===
2
=== Explanation ===
Change log review detects changes.`

type cannedLLM struct{ reply string }

func (c cannedLLM) Complete(context.Context, llm.Request) (string, error) {
	return c.reply, nil
}

type testClient struct {
	t      *testing.T
	srv    *httptest.Server
	client *http.Client
}

func newTestServer(t *testing.T) *testClient {
	t.Helper()
	if err := appI18n.Init("en"); err != nil {
		t.Fatalf("i18n: %v", err)
	}
	if err := prompts.LoadDefault(); err != nil {
		t.Fatalf("prompts: %v", err)
	}
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	c, err := corpus.New(t.TempDir(), 32)
	if err != nil {
		t.Fatalf("corpus.New: %v", err)
	}
	e, err := embed.NewHashing(32)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	svc, err := rag.New(st, c, e, extract.NewAuto(), chunker.New(), rag.Config{})
	if err != nil {
		t.Fatalf("rag.New: %v", err)
	}
	if err := svc.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	tutor := study.New(cannedLLM{reply: generatedQuestion}, svc, st, model.DefaultTutorConfig())

	h, err := New(svc, tutor, st, model.ServerConfig{MaxUpload: 1 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := chi.NewRouter()
	r.Use(appI18n.Middleware)
	r.Use(h.BasePathMiddleware)
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	tc := &testClient{t: t, srv: srv, client: &http.Client{Jar: jar}}
	if resp := tc.do(http.MethodGet, "/", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / = %d", resp.StatusCode)
	}
	return tc
}

func (tc *testClient) csrf() string {
	u, _ := url.Parse(tc.srv.URL)
	for _, c := range tc.client.Jar.Cookies(u) {
		if c.Name == csrfCookieName {
			return c.Value
		}
	}
	return ""
}

func (tc *testClient) do(method, path string, body io.Reader, contentType string, header ...string) *http.Response {
	tc.t.Helper()
	req, err := http.NewRequest(method, tc.srv.URL+path, body)
	if err != nil {
		tc.t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if method != http.MethodGet {
		req.Header.Set(csrfHeaderName, tc.csrf())
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := tc.client.Do(req)
	if err != nil {
		tc.t.Fatalf("%s %s: %v", method, path, err)
	}
	tc.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (tc *testClient) form(method, path string, vals url.Values) *http.Response {
	tc.t.Helper()
	return tc.do(method, path, strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded")
}

func (tc *testClient) upload(exam, filename, content string, create string, header ...string) *http.Response {
	tc.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		tc.t.Fatalf("create form file: %v", err)
	}
	_, _ = fw.Write([]byte(content))
	_ = mw.WriteField("exam", exam)
	if create != "" {
		_ = mw.WriteField("create", create)
	}
	mw.Close()
	return tc.do(http.MethodPost, "/api/upload", &buf, mw.FormDataContentType(), header...)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func docText(topic string) string {
	var b strings.Builder
	for i := 0; i < 20; i++ {
		fmt.Fprintf(&b, "Past question %d on %s asks how %s behaves in scenario %d. ", i, topic, topic, i)
	}
	return b.String()
}

func TestIndexAndHealth(t *testing.T) {
	tc := newTestServer(t)

	resp := tc.do(http.MethodGet, "/", nil, "")
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "Exam Prep") {
		t.Error("index page should render the localized title")
	}
	if tc.csrf() == "" {
		t.Error("expected a CSRF cookie")
	}

	health := decode(t, tc.do(http.MethodGet, "/healthz", nil, ""))
	if health["status"] != "ok" {
		t.Errorf("unexpected health %v", health)
	}
}

func TestCSRFRequired(t *testing.T) {
	tc := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, tc.srv.URL+"/api/exams", strings.NewReader("name=CISA"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := tc.client.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 without token, got %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, tc.srv.URL+"/api/exams", strings.NewReader("name=CISA"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(csrfHeaderName, "wrong-token-wrong-token-wrong-token-wrong-to")
	resp2, err := tc.client.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 with a wrong token, got %d", resp2.StatusCode)
	}
}

func TestUpload(t *testing.T) {
	tc := newTestServer(t)

	resp := tc.upload("CISA", "cisa-2021.txt", docText("audit"), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload = %d", resp.StatusCode)
	}
	out := decode(t, resp)
	if out["kind"] != "ingested" || out["chunks"].(float64) <= 0 {
		t.Errorf("unexpected upload response %v", out)
	}
	if exams, _ := out["exams"].([]any); len(exams) != 1 || exams[0] != "CISA" {
		t.Errorf("unexpected exams %v", out["exams"])
	}
	if !strings.Contains(out["status"].(string), "CISA") {
		t.Errorf("status should name the exam: %q", out["status"])
	}

	dup := tc.upload("CISA", "renamed.txt", docText("audit"), "", "Accept-Language", "ko")
	if dup.StatusCode != http.StatusOK {
		t.Fatalf("duplicate upload = %d", dup.StatusCode)
	}
	dupOut := decode(t, dup)
	if dupOut["kind"] != "duplicate" || dupOut["chunks"].(float64) != 0 {
		t.Errorf("unexpected duplicate response %v", dupOut)
	}
	if !strings.Contains(dupOut["status"].(string), "이미") {
		t.Errorf("duplicate notice should be localized: %q", dupOut["status"])
	}

	tests := []struct {
		name     string
		exam     string
		filename string
		content  string
		create   string
		status   int
		kind     string
	}{
		{"unknown exam without create", "PMP", "pmp.txt", docText("risk"), "false", http.StatusNotFound, "not_found"},
		{"empty document", "CISA", "empty.txt", "   ", "", http.StatusUnprocessableEntity, "empty_document"},
		{"unsupported type", "CISA", "notes.docx", "x", "", http.StatusBadRequest, "invalid_argument"},
		{"bad create flag", "CISA", "a.txt", "x", "maybe", http.StatusBadRequest, "invalid_argument"},
		{"missing exam", "", "b.txt", docText("x"), "", http.StatusBadRequest, "invalid_argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := tc.upload(tt.exam, tt.filename, tt.content, tt.create)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if out := decode(t, resp); out["kind"] != tt.kind {
				t.Errorf("kind = %v, want %s", out["kind"], tt.kind)
			}
		})
	}
}

func TestUploadTooLarge(t *testing.T) {
	tc := newTestServer(t)
	resp := tc.upload("CISA", "big.txt", strings.Repeat("a", 1<<20+1024), "")
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", resp.StatusCode)
	}
}

func TestExamsAPI(t *testing.T) {
	tc := newTestServer(t)

	if resp := tc.form(http.MethodPost, "/api/exams", url.Values{"name": {"CISA"}}); resp.StatusCode != http.StatusCreated {
		t.Fatalf("add exam = %d", resp.StatusCode)
	}
	if resp := tc.form(http.MethodPost, "/api/exams", url.Values{"name": {"CISA"}}); resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate exam = %d, want 409", resp.StatusCode)
	}
	tc.upload("CISA", "a.txt", docText("audit"), "")

	resp := tc.form(http.MethodPut, "/api/exams/CISA/subjects", url.Values{"subjects": {"audit, governance", "audit"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set subjects = %d", resp.StatusCode)
	}
	if subj, _ := decode(t, resp)["subjects"].([]any); len(subj) != 2 {
		t.Errorf("expected 2 subjects, got %v", subj)
	}

	info := decode(t, tc.do(http.MethodGet, "/api/exams/CISA", nil, ""))
	if info["name"] != "CISA" || info["chunk_count"].(float64) <= 0 {
		t.Errorf("unexpected exam info %v", info)
	}

	list := decode(t, tc.do(http.MethodGet, "/api/exams", nil, ""))
	if exams, _ := list["exams"].([]any); len(exams) != 1 {
		t.Errorf("expected one exam, got %v", list)
	}

	resp = tc.do(http.MethodDelete, "/api/exams/CISA", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove exam = %d", resp.StatusCode)
	}
	if decode(t, resp)["chunks"].(float64) <= 0 {
		t.Error("removal should report deleted chunks")
	}
	if resp := tc.do(http.MethodGet, "/api/exams/CISA", nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("removed exam = %d, want 404", resp.StatusCode)
	}
	if resp := tc.do(http.MethodDelete, "/api/exams/CISA", nil, ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second removal = %d, want 404", resp.StatusCode)
	}
}

func TestSearchAndStats(t *testing.T) {
	tc := newTestServer(t)
	tc.upload("CISA", "a.txt", docText("audit"), "")
	tc.upload("PMP", "b.txt", docText("schedule"), "")

	out := decode(t, tc.do(http.MethodGet, "/api/search?q=audit&exam=PMP&k=3", nil, ""))
	results, _ := out["results"].([]any)
	if len(results) == 0 {
		t.Fatal("expected scoped results")
	}
	for _, r := range results {
		chunk := r.(map[string]any)["chunk"].(map[string]any)
		if chunk["subject"] != "PMP" {
			t.Errorf("scoped search leaked exam %v", chunk["subject"])
		}
	}

	if resp := tc.do(http.MethodGet, "/api/search?q=&k=3", nil, ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty query = %d, want 400", resp.StatusCode)
	}
	if resp := tc.do(http.MethodGet, "/api/search?q=x&k=abc", nil, ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad k = %d, want 400", resp.StatusCode)
	}

	stats := decode(t, tc.do(http.MethodGet, "/api/stats", nil, ""))
	if stats["total_chunks"].(float64) != stats["index_size"].(float64) {
		t.Errorf("index and metadata out of step: %v", stats)
	}

	if resp := tc.do(http.MethodDelete, "/api/corpus", nil, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("clear = %d", resp.StatusCode)
	}
	stats = decode(t, tc.do(http.MethodGet, "/api/stats", nil, ""))
	if stats["total_chunks"].(float64) != 0 {
		t.Errorf("expected empty corpus after clear, got %v", stats)
	}
}

func TestStudyFlow(t *testing.T) {
	tc := newTestServer(t)

	if resp := tc.do(http.MethodGet, "/api/solution", nil, ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("solution before question = %d, want 400", resp.StatusCode)
	}
	if resp := tc.form(http.MethodPost, "/api/question", url.Values{"exam": {"CISA"}, "mode": {"exact"}}); resp.StatusCode != http.StatusNotFound {
		t.Errorf("exact mode without material = %d, want 404", resp.StatusCode)
	}

	tc.upload("CISA", "a.txt", docText("audit"), "")
	resp := tc.form(http.MethodPost, "/api/question", url.Values{"exam": {"CISA"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("question = %d", resp.StatusCode)
	}
	q := decode(t, resp)
	if strings.Contains(q["text"].(string), "Answer") || q["used_context"] != true {
		t.Errorf("unexpected question %v", q)
	}

	sol := decode(t, tc.do(http.MethodGet, "/api/solution", nil, ""))
	if sol["answer"] != "2" || sol["explanation"] != "Change log review detects changes." {
		t.Errorf("unexpected solution %v", sol)
	}

	eval := decode(t, tc.form(http.MethodPost, "/api/answer", url.Values{"answer": {"2"}}))
	if eval["evaluation"] == "" {
		t.Error("expected an evaluation")
	}

	chat := decode(t, tc.form(http.MethodPost, "/api/chat", url.Values{"message": {"what is an audit trail?"}}))
	if chat["reply"] != generatedQuestion {
		t.Errorf("unexpected chat reply %v", chat)
	}

	if resp := tc.form(http.MethodPost, "/api/question", url.Values{"exam": {"CISA"}, "mode": {"random"}}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown mode = %d, want 400", resp.StatusCode)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	tc := newTestServer(t)
	tc.upload("CISA", "a.txt", docText("audit"), "")
	tc.form(http.MethodPost, "/api/question", url.Values{"exam": {"CISA"}})

	other := &testClient{t: t, srv: tc.srv}
	jar, _ := cookiejar.New(nil)
	other.client = &http.Client{Jar: jar}
	other.do(http.MethodGet, "/", nil, "")
	if resp := other.do(http.MethodGet, "/api/solution", nil, ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("a new session must not see another session's question, got %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.Errorf(model.KindAlreadyExists, "x"), http.StatusConflict},
		{model.Errorf(model.KindNotFound, "x"), http.StatusNotFound},
		{model.Errorf(model.KindInvalidArgument, "x"), http.StatusBadRequest},
		{model.Errorf(model.KindEmptyDocument, "x"), http.StatusUnprocessableEntity},
		{model.Errorf(model.KindDimensionMismatch, "x"), http.StatusUnprocessableEntity},
		{fmt.Errorf("call: %w", model.Errorf(model.KindBackendUnavailable, "x")), http.StatusBadGateway},
		{model.Errorf(model.KindStorageIO, "x"), http.StatusInternalServerError},
		{fmt.Errorf("llm: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
