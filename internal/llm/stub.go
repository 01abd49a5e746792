package llm

import (
	"context"
	"strings"
	"sync"
)

// Stub is the dry-run Generator: it produces deterministic canned
// replies so the whole session flow can run without an API key. Test
// prompts get an empty answer sheet, which grades as all unanswered.
type Stub struct {
	mu    sync.Mutex
	turns int
	Focus []string
}

// NewStub creates a Stub focused on the given sub-skills.
func NewStub(focus []string) *Stub {
	return &Stub{Focus: focus}
}

func (s *Stub) Generate(_ context.Context, _ string, _ []Message, cfg Sampling) (string, error) {
	if cfg.JSONOutput {
		return `{"answers": []}`, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	focus := "the concept"
	if len(s.Focus) > 0 {
		focus = strings.ReplaceAll(s.Focus[s.turns%len(s.Focus)], "_", " ")
	}
	s.turns++
	if s.turns == 1 {
		return "(stub) I'm still unsure about " + focus + ". Could you clarify what I should pay attention to first?", nil
	}
	return "(stub) Reflecting on feedback while practicing " + focus + ".", nil
}
