// Package views renders the browser UI.
package views

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/a-h/templ"

	appI18n "github.com/pavelanni/examrag/internal/i18n"
	"github.com/pavelanni/examrag/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

// Placeholder funcs are replaced per request so messages follow the
// request's language.
var pages = template.Must(template.New("").Funcs(template.FuncMap{
	"T":  func(string) string { return "" },
	"Tp": func(string, int) string { return "" },
}).ParseFS(templateFS, "templates/*.html"))

// IndexData is what the main page shows.
type IndexData struct {
	Exams []model.Exam
	Stats model.Stats
}

type pageData struct {
	IndexData
	BasePath  string
	CSRFToken string
}

func render(ctx context.Context, w io.Writer, name string, data any) error {
	t, err := pages.Clone()
	if err != nil {
		return fmt.Errorf("clone templates: %w", err)
	}
	t.Funcs(template.FuncMap{
		"T":  func(id string) string { return appI18n.T(ctx, id) },
		"Tp": func(id string, n int) string { return appI18n.Tp(ctx, id, n) },
	})
	return t.ExecuteTemplate(w, name, data)
}

// IndexPage renders the single-page study UI.
func IndexPage(d IndexData) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		return render(ctx, w, "index.html", pageData{
			IndexData: d,
			BasePath:  model.BasePathFromContext(ctx),
			CSRFToken: model.CSRFTokenFromContext(ctx),
		})
	})
}
