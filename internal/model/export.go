package model

import "time"

// Export is the top-level JSON structure for session export. Metadata
// carries deployment facts recorded at serve time, such as the model
// the tutee ran on.
type Export struct {
	ExportedAt time.Time         `json:"exported_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Sessions   []SessionExport   `json:"sessions"`
}

// SessionExport holds one teaching session's data for export.
type SessionExport struct {
	SessionID    string             `json:"session_id"`
	ScenarioID   string             `json:"scenario_id"`
	Level        KnowledgeLevel     `json:"knowledge_level"`
	Policy       ReleasePolicy      `json:"release_answers_policy"`
	Phase        Phase              `json:"phase"`
	StartedAt    time.Time          `json:"started_at"`
	PreScorePct  *float64           `json:"pre_score_pct,omitempty"`
	PostScorePct *float64           `json:"post_score_pct,omitempty"`
	DeltaPct     *float64           `json:"delta_pct,omitempty"`
	Turns        []Turn             `json:"turns"`
	Rating       *Rating            `json:"rating,omitempty"`
	Improvement  *ImprovementReport `json:"improvement,omitempty"`
}

// SessionRecord is one row of the persisted sessions table.
type SessionRecord struct {
	ID           string         `json:"session_id"`
	ScenarioID   string         `json:"scenario_id"`
	Level        KnowledgeLevel `json:"knowledge_level"`
	Policy       ReleasePolicy  `json:"release_answers_policy"`
	TurnBudget   int            `json:"turn_budget"`
	Phase        Phase          `json:"phase"`
	StartedAt    time.Time      `json:"started_at"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	PreScorePct  *float64       `json:"pre_score_pct,omitempty"`
	PostScorePct *float64       `json:"post_score_pct,omitempty"`
	DeltaPct     *float64       `json:"delta_pct,omitempty"`
}

// SessionSummary is the durable per-session record handed to the
// persistence boundary when a session reaches results.
type SessionSummary struct {
	SessionID    string                      `json:"session_id"`
	ScenarioID   string                      `json:"scenario_id"`
	Level        KnowledgeLevel              `json:"knowledge_level"`
	Policy       ReleasePolicy               `json:"release_answers_policy"`
	PreScorePct  *float64                    `json:"pre_score_pct"`
	PostScorePct *float64                    `json:"post_score_pct"`
	DeltaPct     *float64                    `json:"delta_pct"`
	Questions    map[string]SubSessionStatus `json:"questions"`
	EndedAt      time.Time                   `json:"ended_at"`
}
