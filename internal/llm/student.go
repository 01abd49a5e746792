package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"tutee/internal/grader"
	"tutee/internal/model"
	"tutee/internal/prompt"
)

const (
	replyTemperature = float32(0.7)
	testTemperature  = float32(0.3)
	testMaxTokens    = 1000
)

// Student drives the tutee persona through a Generator: answering tests,
// replying to teaching turns, and summarizing what it learned.
type Student struct {
	gen Generator
}

// NewStudent wraps a Generator.
func NewStudent(gen Generator) *Student {
	return &Student{gen: gen}
}

// answerSheet is the JSON shape the tutee is asked to return for a test.
type answerSheet struct {
	Answers []struct {
		QuestionID     string `json:"question_id"`
		SelectedOption string `json:"selected_option"`
		Reasoning      string `json:"reasoning"`
	} `json:"answers"`
}

// TakeTest administers a multiple-choice test and returns the tutee's
// answers keyed by question id. History should already contain the
// teaching conversation for a post-test so the tutee can apply it.
func (s *Student) TakeTest(ctx context.Context, system string, history []Message, test *model.TestDefinition) (map[string]string, error) {
	sheet, err := prompt.AnswerSheet(test)
	if err != nil {
		return nil, &ModelCallError{Op: "take_test", Err: err}
	}

	msgs := append(append([]Message{}, history...), Message{Role: model.RoleTeacher, Content: sheet})
	raw, err := s.gen.Generate(ctx, system, msgs, Sampling{
		Temperature: testTemperature,
		MaxTokens:   testMaxTokens,
		JSONOutput:  true,
	})
	if err != nil {
		return nil, &ModelCallError{Op: "take_test", Err: err}
	}

	answers, err := parseAnswerSheet(raw, test)
	if err != nil {
		return nil, &ModelCallError{Op: "take_test", Err: err}
	}
	return answers, nil
}

// Reply produces one student turn conditioned on the full history.
func (s *Student) Reply(ctx context.Context, system string, history []Message) (string, error) {
	raw, err := s.gen.Generate(ctx, system, history, Sampling{Temperature: replyTemperature})
	if err != nil {
		return "", &ModelCallError{Op: "reply", Err: err}
	}
	return strings.TrimSpace(raw), nil
}

// Summarize asks the tutee to summarize what it learned about one
// question's sub-skill.
func (s *Student) Summarize(ctx context.Context, system string, history []Message, q *model.Question) (string, error) {
	req, err := prompt.Summary(q)
	if err != nil {
		return "", &ModelCallError{Op: "summarize", Err: err}
	}
	msgs := append(append([]Message{}, history...), Message{Role: model.RoleTeacher, Content: req})
	raw, err := s.gen.Generate(ctx, system, msgs, Sampling{Temperature: replyTemperature})
	if err != nil {
		return "", &ModelCallError{Op: "summarize", Err: err}
	}
	return strings.TrimSpace(raw), nil
}

// parseAnswerSheet decodes the tutee's answer JSON. Markdown code fences
// are tolerated. Answers for unknown questions are dropped, and a
// selected option that is not a bare option id falls back to free-text
// choice extraction, since models sometimes answer "C) Bar chart".
func parseAnswerSheet(raw string, test *model.TestDefinition) (map[string]string, error) {
	cleaned := stripCodeFences(raw)

	var sheet answerSheet
	if err := json.Unmarshal([]byte(cleaned), &sheet); err != nil {
		return nil, fmt.Errorf("parse answer sheet: %w (raw: %s)", err, raw)
	}

	answers := make(map[string]string, len(sheet.Answers))
	for _, a := range sheet.Answers {
		q := test.QuestionByID(a.QuestionID)
		if q == nil {
			slog.Debug("dropping answer for unknown question", "question_id", a.QuestionID)
			continue
		}
		choice := normalizeChoice(a.SelectedOption, q)
		if choice == "" {
			choice = normalizeChoice(grader.ExtractChoice(a.SelectedOption+" "+a.Reasoning), q)
		}
		if choice == "" {
			continue
		}
		answers[a.QuestionID] = choice
	}
	return answers, nil
}

func normalizeChoice(selected string, q *model.Question) string {
	selected = strings.ToUpper(strings.TrimSpace(selected))
	for _, o := range q.Options {
		if strings.ToUpper(o.ID) == selected {
			return o.ID
		}
	}
	return ""
}

func stripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
