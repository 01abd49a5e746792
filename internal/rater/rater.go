// Package rater scores finished teaching transcripts. The model judges
// the qualitative behaviors; all numeric aggregation and clamping stays
// deterministic on this side of the boundary.
package rater

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tutee/internal/llm"
	"tutee/internal/model"
	"tutee/internal/prompt"
)

// EmptyTranscriptError reports an attempt to rate a transcript with no
// turns.
type EmptyTranscriptError struct{}

func (e *EmptyTranscriptError) Error() string {
	return "cannot rate an empty transcript"
}

const ratingTemperature = float32(0.2)

// Rater rates transcripts through a Generator.
type Rater struct {
	gen llm.Generator
}

// New creates a Rater.
func New(gen llm.Generator) *Rater {
	return &Rater{gen: gen}
}

// modelRating is the JSON shape the model is asked to return. Behavior
// scores are nominally 0-2 but nothing downstream trusts that.
type modelRating struct {
	Clarification     float64 `json:"clarification"`
	DiagnosticQuality float64 `json:"diagnostic_quality"`
	SolveAdherence    float64 `json:"solve_adherence"`
	PositiveTone      float64 `json:"positive_tone"`
	Reflection        float64 `json:"reflection"`
	DiagnosticErrors  int     `json:"diagnostic_errors"`
	Summary           string  `json:"summary"`
}

// Rate scores the five qualitative behaviors of a transcript and
// aggregates them. Every number coming back from the model is clamped
// before use: behaviors to [0,2], aggregates to [0,1], the error count
// to zero or more.
func (r *Rater) Rate(ctx context.Context, transcript []model.Turn) (*model.Rating, error) {
	if len(transcript) == 0 {
		return nil, &EmptyTranscriptError{}
	}

	sys, err := prompt.RatingPrompt(transcript)
	if err != nil {
		return nil, &llm.ModelCallError{Op: "rate", Err: err}
	}
	raw, err := r.gen.Generate(ctx, sys, nil, llm.Sampling{
		Temperature: ratingTemperature,
		JSONOutput:  true,
	})
	if err != nil {
		return nil, &llm.ModelCallError{Op: "rate", Err: err}
	}

	var mr modelRating
	if err := json.Unmarshal([]byte(stripFences(raw)), &mr); err != nil {
		return nil, &llm.ModelCallError{Op: "rate", Err: fmt.Errorf("parse rating: %w (raw: %s)", err, raw)}
	}

	rating := &model.Rating{
		Clarification:     clamp(mr.Clarification, 0, 2),
		DiagnosticQuality: clamp(mr.DiagnosticQuality, 0, 2),
		SolveAdherence:    clamp(mr.SolveAdherence, 0, 2),
		PositiveTone:      clamp(mr.PositiveTone, 0, 2),
		Reflection:        clamp(mr.Reflection, 0, 2),
		DiagnosticErrors:  mr.DiagnosticErrors,
		Summary:           strings.TrimSpace(mr.Summary),
	}
	if rating.DiagnosticErrors < 0 {
		rating.DiagnosticErrors = 0
	}
	rating.Engagement = clamp((rating.Clarification+rating.PositiveTone+rating.Reflection)/6, 0, 1)
	rating.Adherence = clamp((rating.SolveAdherence+rating.DiagnosticQuality)/4, 0, 1)
	return rating, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
