package session

import (
	"context"
	"database/sql"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/quadran/internal/store"
	"github.com/roach88/quadran/internal/verdict"
)

// ErrNoSecret is returned by a SecretLookup when the user has not enrolled.
var ErrNoSecret = errors.New("no totp secret enrolled")

// SecretLookup resolves a user's TOTP secret.
type SecretLookup interface {
	SecretFor(ctx context.Context, userID string) (string, error)
}

// SecretLookupFunc adapts a function to SecretLookup.
type SecretLookupFunc func(ctx context.Context, userID string) (string, error)

// SecretFor implements SecretLookup.
func (f SecretLookupFunc) SecretFor(ctx context.Context, userID string) (string, error) {
	return f(ctx, userID)
}

// EnrollSecret stores or replaces the TOTP secret for userID. The secret must
// be base32.
func (s *Store) EnrollSecret(ctx context.Context, userID, secret string) error {
	userID = strings.TrimSpace(userID)
	secret = strings.ToUpper(strings.TrimSpace(secret))
	if userID == "" || secret == "" {
		return verdict.New(verdict.ReasonMissingCredentials, "user id and secret are required")
	}
	if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(secret, "=")); err != nil {
		return verdict.New(verdict.ReasonMissingCredentials, "secret is not valid base32")
	}

	_, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO mfa_secrets (user_id, secret, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET secret = excluded.secret, created_at = excluded.created_at
	`, userID, secret, store.Millis(s.now()))
	if err != nil {
		return fmt.Errorf("enroll secret: %w", err)
	}
	return nil
}

// SecretFor implements SecretLookup against the mfa_secrets table.
func (s *Store) SecretFor(ctx context.Context, userID string) (string, error) {
	var secret string
	err := s.st.DB().QueryRowContext(ctx, `
		SELECT secret FROM mfa_secrets WHERE user_id = ?
	`, userID).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoSecret
	}
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return secret, nil
}
