package store

import (
	"database/sql"
	"time"

	"tutee/internal/model"
)

// SaveRating inserts or replaces the transcript rating for a session.
func (s *Store) SaveRating(sessionID string, r model.Rating) error {
	_, err := s.db.Exec(
		`INSERT INTO ratings (session_id, clarification, diagnostic_quality, solve_adherence, positive_tone, reflection,
		                      engagement, adherence, diagnostic_errors, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   clarification = ?, diagnostic_quality = ?, solve_adherence = ?, positive_tone = ?, reflection = ?,
		   engagement = ?, adherence = ?, diagnostic_errors = ?, summary = ?`,
		sessionID, r.Clarification, r.DiagnosticQuality, r.SolveAdherence, r.PositiveTone, r.Reflection,
		r.Engagement, r.Adherence, r.DiagnosticErrors, r.Summary, time.Now(),
		r.Clarification, r.DiagnosticQuality, r.SolveAdherence, r.PositiveTone, r.Reflection,
		r.Engagement, r.Adherence, r.DiagnosticErrors, r.Summary,
	)
	return err
}

// GetRating returns the stored rating for a session, or nil if none.
func (s *Store) GetRating(sessionID string) (*model.Rating, error) {
	var r model.Rating
	err := s.db.QueryRow(
		`SELECT clarification, diagnostic_quality, solve_adherence, positive_tone, reflection,
		        engagement, adherence, diagnostic_errors, summary
		 FROM ratings WHERE session_id = ?`, sessionID,
	).Scan(&r.Clarification, &r.DiagnosticQuality, &r.SolveAdherence, &r.PositiveTone, &r.Reflection,
		&r.Engagement, &r.Adherence, &r.DiagnosticErrors, &r.Summary)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
