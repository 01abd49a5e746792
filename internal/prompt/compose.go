// Package prompt merges layered tutee configuration and renders it into
// the persona instruction set sent to the model.
package prompt

import (
	"fmt"

	"tutee/internal/model"
)

// ConfigError reports an invalid override or an unresolvable merge.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s=%q: %s", e.Field, e.Value, e.Reason)
}

// Overrides carries the caller's explicit configuration. Nil fields fall
// through to the level profile, then to the scenario defaults.
type Overrides struct {
	Misconceptions  []string             `json:"misconceptions,omitempty"`
	TargetSubskills []string             `json:"target_subskills,omitempty"`
	Tone            []string             `json:"tone,omitempty"`
	TurnBudget      *int                 `json:"turn_budget,omitempty"`
	ReleasePolicy   *model.ReleasePolicy `json:"release_answers_policy,omitempty"`
}

// Compose resolves the persona configuration for a scenario and level.
// Merge precedence, lowest to highest: scenario defaults, level profile,
// caller overrides. Every field of the result is fully resolved or the
// call fails with *ConfigError.
func Compose(sc *model.ScenarioConfig, level model.KnowledgeLevel, ov Overrides) (model.ResolvedConfig, error) {
	var zero model.ResolvedConfig

	if !model.ValidLevel(level) {
		return zero, &ConfigError{Field: "knowledge_level", Value: string(level), Reason: "not one of beginner, intermediate, advanced"}
	}
	profile, ok := sc.Levels[level]
	if !ok || profile == nil {
		return zero, &ConfigError{Field: "knowledge_level", Value: string(level), Reason: "scenario " + sc.ID + " has no profile for this level"}
	}

	cfg := model.ResolvedConfig{
		ScenarioID:      sc.ID,
		Level:           level,
		TargetSubskills: sc.Subskills,
		Misconceptions:  sc.Defaults.Misconceptions,
		Tone:            sc.Defaults.Tone,
		TurnBudget:      sc.Defaults.TurnBudget,
		ReleasePolicy:   sc.Defaults.ReleasePolicy,
	}

	if len(profile.Misconceptions) > 0 {
		cfg.Misconceptions = profile.Misconceptions
	}
	if len(profile.Tone) > 0 {
		cfg.Tone = profile.Tone
	}
	if profile.TurnBudget > 0 {
		cfg.TurnBudget = profile.TurnBudget
	}
	if profile.ReleasePolicy != "" {
		cfg.ReleasePolicy = profile.ReleasePolicy
	}

	if len(ov.Misconceptions) > 0 {
		for _, m := range ov.Misconceptions {
			if !sc.HasMisconception(m) {
				return zero, &ConfigError{Field: "misconceptions", Value: m, Reason: "not in scenario catalog"}
			}
		}
		cfg.Misconceptions = ov.Misconceptions
	}
	if len(ov.TargetSubskills) > 0 {
		for _, s := range ov.TargetSubskills {
			if !sc.HasSubskill(s) {
				return zero, &ConfigError{Field: "target_subskills", Value: s, Reason: "not in scenario sub-skill list"}
			}
		}
		cfg.TargetSubskills = ov.TargetSubskills
	}
	if len(ov.Tone) > 0 {
		cfg.Tone = ov.Tone
	}
	if ov.TurnBudget != nil {
		if *ov.TurnBudget <= 0 {
			return zero, &ConfigError{Field: "turn_budget", Value: fmt.Sprint(*ov.TurnBudget), Reason: "must be positive"}
		}
		cfg.TurnBudget = *ov.TurnBudget
	}
	if ov.ReleasePolicy != nil {
		if !model.ValidPolicy(*ov.ReleasePolicy) {
			return zero, &ConfigError{Field: "release_answers_policy", Value: string(*ov.ReleasePolicy), Reason: "not one of withhold_solution, guided_steps, full_solution_ok"}
		}
		cfg.ReleasePolicy = *ov.ReleasePolicy
	}

	// Fail fast instead of rendering a partially specified persona.
	if len(cfg.TargetSubskills) == 0 {
		return zero, &ConfigError{Field: "target_subskills", Value: "", Reason: "scenario defines no sub-skills"}
	}
	if len(cfg.Tone) == 0 {
		return zero, &ConfigError{Field: "tone", Value: "", Reason: "unresolved after merge"}
	}
	if cfg.TurnBudget <= 0 {
		return zero, &ConfigError{Field: "turn_budget", Value: fmt.Sprint(cfg.TurnBudget), Reason: "unresolved after merge"}
	}
	if !model.ValidPolicy(cfg.ReleasePolicy) {
		return zero, &ConfigError{Field: "release_answers_policy", Value: string(cfg.ReleasePolicy), Reason: "unresolved after merge"}
	}
	return cfg, nil
}
