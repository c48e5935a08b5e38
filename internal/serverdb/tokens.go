package serverdb

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Credentials is a bearer token pair with its expiry.
type Credentials struct {
	Token        string
	RefreshToken string
	ExpiresAt    time.Time
}

// IssueCredentials mints a fresh token pair valid for the given duration.
func (s *ServerDB) IssueCredentials(validity time.Duration) (Credentials, error) {
	creds := Credentials{
		Token:        uuid.NewString(),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    time.Now().UTC().Add(validity),
	}
	_, err := s.conn.Exec(
		`INSERT INTO tokens (token, refresh_token, expires_at) VALUES (?, ?, ?)`,
		creds.Token, creds.RefreshToken, creds.ExpiresAt.Format(timeFormat),
	)
	if err != nil {
		return Credentials{}, fmt.Errorf("issue credentials: %w", err)
	}
	return creds, nil
}

// RotateCredentials exchanges a refresh token for a fresh pair, retiring
// the old one. Returns sql.ErrNoRows semantics via the ok flag when the
// refresh token is unknown.
func (s *ServerDB) RotateCredentials(refreshToken string, validity time.Duration) (Credentials, bool, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return Credentials{}, false, fmt.Errorf("begin rotate tx: %w", err)
	}
	defer tx.Rollback()

	var old string
	err = tx.QueryRow(`SELECT token FROM tokens WHERE refresh_token = ?`, refreshToken).Scan(&old)
	if err == sql.ErrNoRows {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, fmt.Errorf("lookup refresh token: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM tokens WHERE token = ?`, old); err != nil {
		return Credentials{}, false, fmt.Errorf("retire token: %w", err)
	}

	creds := Credentials{
		Token:        uuid.NewString(),
		RefreshToken: uuid.NewString(),
		ExpiresAt:    time.Now().UTC().Add(validity),
	}
	_, err = tx.Exec(
		`INSERT INTO tokens (token, refresh_token, expires_at) VALUES (?, ?, ?)`,
		creds.Token, creds.RefreshToken, creds.ExpiresAt.Format(timeFormat),
	)
	if err != nil {
		return Credentials{}, false, fmt.Errorf("insert rotated token: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Credentials{}, false, fmt.Errorf("commit rotate: %w", err)
	}
	return creds, true, nil
}

// ValidToken reports whether the bearer token exists and has not expired.
func (s *ServerDB) ValidToken(token string) (bool, error) {
	var expiresAt string
	err := s.conn.QueryRow(`SELECT expires_at FROM tokens WHERE token = ?`, token).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup token: %w", err)
	}
	exp, err := time.Parse(timeFormat, expiresAt)
	if err != nil {
		return false, fmt.Errorf("parse token expiry: %w", err)
	}
	return time.Now().UTC().Before(exp), nil
}

// HasCredentials reports whether any token pair exists, so the server can
// seed one at first start.
func (s *ServerDB) HasCredentials() (bool, error) {
	var n int64
	if err := s.conn.QueryRow(`SELECT COUNT(*) FROM tokens`).Scan(&n); err != nil {
		return false, fmt.Errorf("count tokens: %w", err)
	}
	return n > 0, nil
}
