package prompt

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"

	"tutee/internal/model"
)

//go:embed templates/*.txt
var templateFS embed.FS

// Kind names one of the instruction templates.
type Kind string

const (
	// KindPersona is the tutee system prompt for the teaching phase.
	KindPersona Kind = "persona"
	// KindPostTest tells the tutee to apply what it was taught.
	KindPostTest Kind = "posttest"
	// KindAnswerSheet requests JSON answers for a multiple-choice test.
	KindAnswerSheet Kind = "answersheet"
	// KindSummary requests a per-question learning summary.
	KindSummary Kind = "summary"
	// KindRating requests qualitative scores for a transcript.
	KindRating Kind = "rating"
)

var kinds = []Kind{KindPersona, KindPostTest, KindAnswerSheet, KindSummary, KindRating}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[Kind]*template.Template
)

func load() error {
	loadOnce.Do(func() {
		templates = make(map[Kind]*template.Template)
		for _, k := range kinds {
			name := "templates/" + string(k) + ".txt"
			content, err := fs.ReadFile(templateFS, name)
			if err != nil {
				loadErr = fmt.Errorf("read prompt template %s: %w", name, err)
				return
			}
			tmpl, err := template.New(string(k)).Parse(string(content))
			if err != nil {
				loadErr = fmt.Errorf("parse prompt template %s: %w", name, err)
				return
			}
			templates[k] = tmpl
		}
	})
	return loadErr
}

func render(k Kind, data any) (string, error) {
	if err := load(); err != nil {
		return "", err
	}
	tmpl, ok := templates[k]
	if !ok {
		return "", errors.New("unknown prompt template: " + string(k))
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func humanize(s string) string {
	return strings.ReplaceAll(s, "_", " ")
}

func humanizeAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = humanize(s)
	}
	return out
}

type personaData struct {
	Level          string
	Subskills      string
	Misconceptions string
	Tone           string
	TurnBudget     int
	Policy         string
}

func newPersonaData(cfg model.ResolvedConfig) personaData {
	return personaData{
		Level:          string(cfg.Level),
		Subskills:      strings.Join(humanizeAll(cfg.TargetSubskills), ", "),
		Misconceptions: strings.Join(humanizeAll(cfg.Misconceptions), ", "),
		Tone:           strings.Join(cfg.Tone, ", "),
		TurnBudget:     cfg.TurnBudget,
		Policy:         humanize(string(cfg.ReleasePolicy)),
	}
}

// Persona renders the tutee system prompt for the teaching phase.
func Persona(cfg model.ResolvedConfig) (string, error) {
	return render(KindPersona, newPersonaData(cfg))
}

// PostTestPersona renders the post-test system prompt. The tutee keeps
// its persona but is told to apply everything it was taught.
func PostTestPersona(cfg model.ResolvedConfig) (string, error) {
	return render(KindPostTest, newPersonaData(cfg))
}

type answerSheetData struct {
	TestType  string
	Questions []model.Question
}

// AnswerSheet renders a multiple-choice test as a prompt asking for a
// JSON object mapping question ids to option ids.
func AnswerSheet(test *model.TestDefinition) (string, error) {
	return render(KindAnswerSheet, answerSheetData{
		TestType:  humanize(string(test.Type)),
		Questions: test.Questions,
	})
}

type summaryData struct {
	QuestionText string
	Subskill     string
}

// Summary renders the learning-summary request for one teaching
// sub-session.
func Summary(q *model.Question) (string, error) {
	return render(KindSummary, summaryData{
		QuestionText: q.Text,
		Subskill:     humanize(q.Subskill),
	})
}

type ratingData struct {
	Transcript string
}

// RatingPrompt renders the transcript-rating request.
func RatingPrompt(transcript []model.Turn) (string, error) {
	var sb strings.Builder
	for _, t := range transcript {
		sb.WriteString(string(t.Role))
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	return render(KindRating, ratingData{Transcript: sb.String()})
}

// PolicyHint prefixes a teacher turn with the active release policy so
// the tutee keeps honoring the solve gate deep into the conversation.
func PolicyHint(policy model.ReleasePolicy, content string) string {
	prefix := fmt.Sprintf("(Policy reminder: %s) ", humanize(string(policy)))
	if content == "" {
		return strings.TrimRight(prefix, " ")
	}
	return prefix + content
}

// IntroContext builds the opening teacher-side message for a teaching
// sub-session: it points the tutee at the question being taught and the
// misconception or sub-skill it is unsure about.
func IntroContext(cfg model.ResolvedConfig, q *model.Question, wasWrong bool) string {
	lines := []string{
		"You are the AI student beginning a tutoring session.",
		"Speak in the first person about what you do and do not understand.",
	}
	if q != nil {
		lines = append(lines, "The teacher plans to discuss: "+q.Text)
		if wasWrong {
			lines = append(lines, "You answered a question about this incorrectly on your test, but you do not know the right answer yet.")
		}
	}
	if confusion := firstConfusion(cfg); confusion != "" {
		lines = append(lines, "You feel unsure about "+confusion+".")
	}
	lines = append(lines,
		"Open with ONE concise clarifying question about what confuses you right now.",
		"IMPORTANT: Ask only ONE question. Do not ask multiple questions.",
	)
	return strings.Join(lines, " ")
}

func firstConfusion(cfg model.ResolvedConfig) string {
	if len(cfg.Misconceptions) > 0 {
		return humanize(cfg.Misconceptions[0])
	}
	if len(cfg.TargetSubskills) > 0 {
		return humanize(cfg.TargetSubskills[0])
	}
	return ""
}
