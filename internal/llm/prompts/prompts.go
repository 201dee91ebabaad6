package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.tmpl
var embedded embed.FS

var (
	userAnswerRegex = regexp.MustCompile(`(?i)</?\s*user-answer\b[^>]*>`)
	sectionRegex    = regexp.MustCompile(`(?m)^\s*===.*===\s*$`)
)

const maxInputRunes = 10000

var (
	loadOnce  sync.Once
	loadErr   error
	templates *template.Template
)

// Prompt is a system message plus a user message.
type Prompt struct {
	System string
	User   string
}

// QuestionData holds template data for question prompts.
type QuestionData struct {
	Exam       string
	Difficulty string
	Type       string
	Context    string
}

// EvalData holds template data for answer evaluation prompts.
type EvalData struct {
	Exam     string
	Question string
	Answer   string
	Context  string
}

// Turn is one earlier exchange included in a chat prompt.
type Turn struct {
	User      string
	Assistant string
}

// ChatData holds template data for chat prompts.
type ChatData struct {
	Message string
	Context string
	History []Turn
}

// Load parses every templates/*.tmpl file in fsys.
// It uses sync.Once to ensure templates are loaded only once.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		templates, loadErr = templateSetFrom(fsys)
	})
	return loadErr
}

func templateSetFrom(fsys fs.FS) (*template.Template, error) {
	t, err := template.ParseFS(fsys, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	for _, name := range []string{
		"system_generator", "system_evaluator", "system_chat", "system_rag",
		"generate", "exact", "evaluate", "chat",
	} {
		if t.Lookup(name) == nil {
			return nil, errors.New("missing prompt template " + name)
		}
	}
	return t, nil
}

// LoadDefault loads the templates compiled into the binary.
func LoadDefault() error {
	return Load(embedded)
}

func execute(name string, data any) (string, error) {
	if templates == nil {
		if loadErr != nil {
			return "", fmt.Errorf("templates load failed: %w", loadErr)
		}
		return "", errors.New("templates not initialized: call Load first")
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func build(systemName string, systemData any, userName string, userData any) (Prompt, error) {
	system, err := execute(systemName, systemData)
	if err != nil {
		return Prompt{}, err
	}
	user, err := execute(userName, userData)
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{System: system, User: user}, nil
}

// BuildGeneratePrompt asks for a new question. With a non-empty Context the
// question is grounded on it.
func BuildGeneratePrompt(d QuestionData) (Prompt, error) {
	return build("system_generator", d.Exam, "generate", d)
}

// BuildExactPrompt asks for the past question in d.Context to be restated.
func BuildExactPrompt(d QuestionData) (Prompt, error) {
	return build("system_generator", d.Exam, "exact", d)
}

// BuildEvalPrompt asks for an evaluation of d.Answer.
func BuildEvalPrompt(d EvalData) (Prompt, error) {
	d.Answer = sanitizeInput(d.Answer)
	return build("system_evaluator", d.Exam, "evaluate", d)
}

// BuildChatPrompt renders the chat prompt with recent history.
func BuildChatPrompt(d ChatData) (Prompt, error) {
	d.Message = sanitizeInput(d.Message)
	system := "system_chat"
	if d.Context != "" {
		system = "system_rag"
	}
	return build(system, nil, "chat", d)
}

// sanitizeInput strips the tags and section headers a user could use to
// break out of their slot in the prompt, and caps the length.
func sanitizeInput(s string) string {
	s = userAnswerRegex.ReplaceAllString(s, "")
	s = sectionRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)

	if s == "" {
		return "[No answer provided]"
	}

	if utf8.RuneCountInString(s) > maxInputRunes {
		runes := []rune(s)
		s = string(runes[:maxInputRunes]) + "\n\n[Input truncated due to length]"
	}

	return s
}
