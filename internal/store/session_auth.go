package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"time"

	"tutee/internal/model"
)

const (
	authSessionTTL = 24 * time.Hour
	tokenBytes     = 32
)

func newSessionToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateAuthSession issues a login token for the user.
func (s *Store) CreateAuthSession(userID int64) (string, error) {
	token, err := newSessionToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	_, err = s.db.Exec(
		`INSERT INTO auth_sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
		token, userID, now, now.Add(authSessionTTL),
	)
	if err != nil {
		return "", err
	}
	return token, nil
}

// GetAuthSession resolves a token to its login session. Expired tokens
// are purged on sight and report nil.
func (s *Store) GetAuthSession(token string) (*model.AuthSession, error) {
	if _, err := s.db.Exec(
		`DELETE FROM auth_sessions WHERE id = ? AND expires_at < ?`, token, time.Now(),
	); err != nil {
		return nil, err
	}

	var sess model.AuthSession
	err := s.db.QueryRow(
		`SELECT id, user_id, created_at, expires_at FROM auth_sessions WHERE id = ?`, token,
	).Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// DeleteAuthSession logs a token out.
func (s *Store) DeleteAuthSession(token string) error {
	_, err := s.db.Exec(`DELETE FROM auth_sessions WHERE id = ?`, token)
	return err
}

// CleanupExpiredSessions sweeps every expired token.
func (s *Store) CleanupExpiredSessions() error {
	_, err := s.db.Exec(`DELETE FROM auth_sessions WHERE expires_at < ?`, time.Now())
	return err
}
