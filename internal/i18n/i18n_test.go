package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	loc := NewLocalizer(lang)
	return WithLocalizer(context.Background(), loc)
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		lang string
		id   string
		want string
	}{
		{"en", "AppTitle", "Exam Prep"},
		{"en", "ShowSolution", "Show solution"},
		{"ko", "AppTitle", "시험 대비"},
		{"ko", "ShowSolution", "정답 및 해설 보기"},
		{"fr", "AppTitle", "Exam Prep"},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.id, func(t *testing.T) {
			ctx := initLang(t, tt.lang)
			if got := T(ctx, tt.id); got != tt.want {
				t.Errorf("T(%s) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestKoreanMessages(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	langs := Languages()
	if !slices.Contains(langs, "en") || !slices.Contains(langs, "ko") {
		t.Fatalf("expected en and ko locales, got %v", langs)
	}
	ko := WithLocalizer(context.Background(), NewLocalizer("ko"))
	en := WithLocalizer(context.Background(), NewLocalizer("en"))
	for _, id := range []string{"StatusIngested", "StatusDuplicate", "ErrorNotFound", "ErrorBackendUnavailable"} {
		if T(en, id) == id {
			t.Errorf("english message %s missing", id)
		}
		if Td(ko, id, map[string]any{"Detail": "x"}) == Td(en, id, map[string]any{"Detail": "x"}) {
			t.Errorf("korean message %s not translated", id)
		}
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	if got := Tp(ctx, "ChunkCount", 1); got != "1 chunk" {
		t.Errorf("Tp(ChunkCount, 1) = %q, want '1 chunk'", got)
	}
	if got := Tp(ctx, "ChunkCount", 5); got != "5 chunks" {
		t.Errorf("Tp(ChunkCount, 5) = %q, want '5 chunks'", got)
	}

	ko := initLang(t, "ko")
	if got := Tp(ko, "ChunkCount", 3); got != "청크 3개" {
		t.Errorf("Tp(ko ChunkCount, 3) = %q", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "StatusDuplicate", map[string]any{"Filename": "a.pdf", "Exam": "CISA"})
	if got != "a.pdf was already uploaded to CISA. Nothing changed." {
		t.Errorf("Td(StatusDuplicate) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "NonExistentKey")
	if got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestMiddlewareLanguageSelection(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	var got string
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = T(r.Context(), "AppTitle")
	}))

	tests := []struct {
		name   string
		target string
		header string
		cookie string
		want   string
	}{
		{"default", "/", "", "", "Exam Prep"},
		{"accept-language", "/", "ko-KR,ko;q=0.9", "", "시험 대비"},
		{"query wins", "/?lang=en", "ko", "", "Exam Prep"},
		{"cookie", "/", "", "ko", "시험 대비"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Accept-Language", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: LangCookie, Value: tt.cookie})
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
