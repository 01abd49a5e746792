package store

import (
	"fmt"
	"time"

	"tutee/internal/improve"
	"tutee/internal/model"
)

// ExportAllSessions assembles every stored session with its turns,
// rating, and scores into an export-ready structure.
func (s *Store) ExportAllSessions() (*model.Export, error) {
	recs, err := s.ListSessionRecords()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	export := &model.Export{ExportedAt: time.Now()}
	for _, key := range []string{"llm_model", "llm_url"} {
		v, err := s.GetMetadata(key)
		if err != nil {
			return nil, fmt.Errorf("metadata %s: %w", key, err)
		}
		if v != "" {
			if export.Metadata == nil {
				export.Metadata = make(map[string]string)
			}
			export.Metadata[key] = v
		}
	}
	for _, rec := range recs {
		se, err := s.exportSession(rec)
		if err != nil {
			return nil, fmt.Errorf("export session %s: %w", rec.ID, err)
		}
		export.Sessions = append(export.Sessions, *se)
	}
	return export, nil
}

// ExportSession assembles a single session for export, or nil if the
// session is unknown.
func (s *Store) ExportSession(id string) (*model.SessionExport, error) {
	rec, err := s.GetSessionRecord(id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return s.exportSession(*rec)
}

func (s *Store) exportSession(rec model.SessionRecord) (*model.SessionExport, error) {
	turns, err := s.GetTurns(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("turns: %w", err)
	}
	rating, err := s.GetRating(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("rating: %w", err)
	}

	se := &model.SessionExport{
		SessionID:    rec.ID,
		ScenarioID:   rec.ScenarioID,
		Level:        rec.Level,
		Policy:       rec.Policy,
		Phase:        rec.Phase,
		StartedAt:    rec.StartedAt,
		PreScorePct:  rec.PreScorePct,
		PostScorePct: rec.PostScorePct,
		DeltaPct:     rec.DeltaPct,
		Turns:        turns,
		Rating:       rating,
	}

	if rec.PreScorePct != nil && rec.PostScorePct != nil {
		pre, err := s.GetTestResult(rec.ID, model.PreTest)
		if err != nil {
			return nil, fmt.Errorf("pre-test result: %w", err)
		}
		post, err := s.GetTestResult(rec.ID, model.PostTest)
		if err != nil {
			return nil, fmt.Errorf("post-test result: %w", err)
		}
		if pre != nil && post != nil {
			pre.ScenarioID, post.ScenarioID = rec.ScenarioID, rec.ScenarioID
			report, err := improve.Compare(rec.Level, pre, post)
			if err != nil {
				return nil, fmt.Errorf("rebuild improvement: %w", err)
			}
			se.Improvement = report
		}
	}
	return se, nil
}
