package study

import (
	"slices"
	"strings"
)

// Section names recognized in generated questions. Korean headers are
// accepted because the model answers in the language of the source
// material.
var (
	answerHeaders      = []string{"answer", "정답"}
	explanationHeaders = []string{"explanation", "해설"}
)

// Parsed is a generated question split into the parts shown at different
// times: the question up front, the answer and explanation on request.
type Parsed struct {
	Question    string
	Answer      string
	Explanation string
}

// headerName returns the lowercased name of a "=== Name ===" line and
// whether line is a header at all.
func headerName(line string) (string, bool) {
	if !strings.Contains(line, "===") {
		return "", false
	}
	return strings.ToLower(strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "="))), true
}

// Parse splits raw model output into sections. The answer is the last
// non-empty line of the Answer section; the explanation is the trimmed
// non-empty lines of the Explanation section. Any other header ends the
// current section.
func Parse(raw string) Parsed {
	var p Parsed
	var question, explanation []string
	var inAnswer, inExpl, seenAnswerHeader bool
	for _, line := range strings.Split(raw, "\n") {
		if name, ok := headerName(line); ok {
			inAnswer = slices.Contains(answerHeaders, name)
			inExpl = slices.Contains(explanationHeaders, name)
			if inAnswer {
				seenAnswerHeader = true
			}
			if !seenAnswerHeader {
				question = append(question, line)
			}
			continue
		}
		if !seenAnswerHeader {
			question = append(question, line)
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		switch {
		case inAnswer:
			p.Answer = trimmed
		case inExpl:
			explanation = append(explanation, trimmed)
		}
	}
	p.Question = strings.TrimRight(strings.Join(question, "\n"), " \t\r\n")
	p.Explanation = strings.Join(explanation, "\n")
	return p
}
