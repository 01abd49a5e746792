package store

import (
	"context"
	"database/sql"
	"fmt"

	"tutee/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		scenario TEXT NOT NULL,
		level TEXT NOT NULL,
		policy TEXT NOT NULL,
		turn_budget INTEGER NOT NULL DEFAULT 0,
		phase TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		pre_score_pct REAL,
		post_score_pct REAL,
		delta_pct REAL
	);

	CREATE TABLE IF NOT EXISTS turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		question_id TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		turn_index INTEGER NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS test_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		test_id TEXT NOT NULL,
		test_type TEXT NOT NULL,
		total_questions INTEGER NOT NULL,
		correct_count INTEGER NOT NULL,
		score_pct REAL NOT NULL,
		UNIQUE(session_id, test_type),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS question_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		test_result_id INTEGER NOT NULL,
		question_id TEXT NOT NULL,
		submitted_option TEXT,
		correct_option TEXT NOT NULL,
		is_correct INTEGER NOT NULL,
		subskill TEXT NOT NULL,
		FOREIGN KEY (test_result_id) REFERENCES test_results(id)
	);

	CREATE TABLE IF NOT EXISTS question_progress (
		session_id TEXT NOT NULL,
		question_id TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (session_id, question_id),
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS ratings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL UNIQUE,
		clarification REAL NOT NULL,
		diagnostic_quality REAL NOT NULL,
		solve_adherence REAL NOT NULL,
		positive_tone REAL NOT NULL,
		reflection REAL NOT NULL,
		engagement REAL NOT NULL,
		adherence REAL NOT NULL,
		diagnostic_errors INTEGER NOT NULL DEFAULT 0,
		summary TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'teacher',
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS tutee_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordTurn upserts the session row and appends one conversation turn.
// Part of the orchestrator's persistence boundary.
func (s *Store) RecordTurn(ctx context.Context, sess *model.Session, turn model.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertSession(tx, sess); err != nil {
		return err
	}
	_, err = tx.Exec(
		`INSERT INTO turns (session_id, question_id, role, content, turn_index, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ActiveQuestionID, turn.Role, turn.Content, turn.TurnIndex, turn.Timestamp,
	)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RecordResult upserts the session row and stores one graded test
// administration with its per-question rows. A re-submission for the
// same test type replaces the previous rows. The session upsert matters
// for sessions ending with zero teaching turns, where no RecordTurn ever
// created the row.
func (s *Store) RecordResult(ctx context.Context, sess *model.Session, res *model.TestResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertSession(tx, sess); err != nil {
		return err
	}
	var old int64
	err = tx.QueryRow(
		`SELECT id FROM test_results WHERE session_id = ? AND test_type = ?`,
		sess.ID, res.Type,
	).Scan(&old)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		if _, err := tx.Exec(`DELETE FROM question_results WHERE test_result_id = ?`, old); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM test_results WHERE id = ?`, old); err != nil {
			return err
		}
	}

	r, err := tx.Exec(
		`INSERT INTO test_results (session_id, test_id, test_type, total_questions, correct_count, score_pct)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, res.TestID, res.Type, res.TotalQuestions, res.CorrectCount, res.ScorePercentage,
	)
	if err != nil {
		return err
	}
	resultID, err := r.LastInsertId()
	if err != nil {
		return err
	}
	for _, q := range res.Questions {
		_, err := tx.Exec(
			`INSERT INTO question_results (test_result_id, question_id, submitted_option, correct_option, is_correct, subskill)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			resultID, q.QuestionID, q.SubmittedOptionID, q.CorrectOptionID, q.IsCorrect, q.Subskill,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordSummary finalizes the session row and stores per-question
// teaching progress once the session reaches results.
func (s *Store) RecordSummary(ctx context.Context, summary model.SessionSummary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE sessions SET phase = ?, ended_at = ?, pre_score_pct = ?, post_score_pct = ?, delta_pct = ?
		 WHERE id = ?`,
		model.PhaseResults, summary.EndedAt, summary.PreScorePct, summary.PostScorePct, summary.DeltaPct,
		summary.SessionID,
	)
	if err != nil {
		return err
	}
	for qid, status := range summary.Questions {
		_, err := tx.Exec(
			`INSERT INTO question_progress (session_id, question_id, status) VALUES (?, ?, ?)
			 ON CONFLICT(session_id, question_id) DO UPDATE SET status = ?`,
			summary.SessionID, qid, status, status,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertSession(tx *sql.Tx, sess *model.Session) error {
	_, err := tx.Exec(
		`INSERT INTO sessions (id, scenario, level, policy, turn_budget, phase, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET phase = ?`,
		sess.ID, sess.ScenarioID, sess.Level, sess.Config.ReleasePolicy,
		sess.Config.TurnBudget, sess.Phase, sess.StartedAt, sess.Phase,
	)
	return err
}

// GetSessionRecord returns the stored session row, or nil if unknown.
func (s *Store) GetSessionRecord(id string) (*model.SessionRecord, error) {
	var rec model.SessionRecord
	err := s.db.QueryRow(
		`SELECT id, scenario, level, policy, turn_budget, phase, started_at, ended_at, pre_score_pct, post_score_pct, delta_pct
		 FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.ScenarioID, &rec.Level, &rec.Policy, &rec.TurnBudget, &rec.Phase,
		&rec.StartedAt, &rec.EndedAt, &rec.PreScorePct, &rec.PostScorePct, &rec.DeltaPct)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListSessionRecords returns all session rows, newest first.
func (s *Store) ListSessionRecords() ([]model.SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, scenario, level, policy, turn_budget, phase, started_at, ended_at, pre_score_pct, post_score_pct, delta_pct
		 FROM sessions ORDER BY started_at DESC, id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []model.SessionRecord
	for rows.Next() {
		var rec model.SessionRecord
		if err := rows.Scan(&rec.ID, &rec.ScenarioID, &rec.Level, &rec.Policy, &rec.TurnBudget, &rec.Phase,
			&rec.StartedAt, &rec.EndedAt, &rec.PreScorePct, &rec.PostScorePct, &rec.DeltaPct); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetTurns returns all turns for a session in conversation order.
func (s *Store) GetTurns(sessionID string) ([]model.Turn, error) {
	rows, err := s.db.Query(
		`SELECT role, content, turn_index, timestamp FROM turns WHERE session_id = ? ORDER BY turn_index`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.TurnIndex, &t.Timestamp); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// GetTestResult returns the stored result for one administration, or nil
// if the session never submitted that test.
func (s *Store) GetTestResult(sessionID string, typ model.TestType) (*model.TestResult, error) {
	var id int64
	res := model.TestResult{Type: typ}
	err := s.db.QueryRow(
		`SELECT id, test_id, total_questions, correct_count, score_pct
		 FROM test_results WHERE session_id = ? AND test_type = ?`,
		sessionID, typ,
	).Scan(&id, &res.TestID, &res.TotalQuestions, &res.CorrectCount, &res.ScorePercentage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT question_id, submitted_option, correct_option, is_correct, subskill
		 FROM question_results WHERE test_result_id = ? ORDER BY id`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var q model.QuestionResult
		if err := rows.Scan(&q.QuestionID, &q.SubmittedOptionID, &q.CorrectOptionID, &q.IsCorrect, &q.Subskill); err != nil {
			return nil, err
		}
		res.Questions = append(res.Questions, q)
	}
	return &res, rows.Err()
}

// GetQuestionProgress returns the final per-question teaching statuses
// recorded for a session.
func (s *Store) GetQuestionProgress(sessionID string) (map[string]model.SubSessionStatus, error) {
	rows, err := s.db.Query(
		`SELECT question_id, status FROM question_progress WHERE session_id = ?`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	progress := make(map[string]model.SubSessionStatus)
	for rows.Next() {
		var qid string
		var status model.SubSessionStatus
		if err := rows.Scan(&qid, &status); err != nil {
			return nil, err
		}
		progress[qid] = status
	}
	return progress, rows.Err()
}

// SessionCount returns the number of stored sessions.
func (s *Store) SessionCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&count)
	return count, err
}
