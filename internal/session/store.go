// Package session implements the session store that backs Gate Q4.
//
// A session is bound to a user and a device, lives for a fixed TTL, and must
// be upgraded with a TOTP code before the gate lets it through. Once verified
// a session stays verified; the flag never goes back to false.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/quadran/internal/store"
	"github.com/roach88/quadran/internal/verdict"
)

// DefaultTTL is the session lifetime when none is given.
const DefaultTTL = 900 * time.Second

// Record is a persisted session.
type Record struct {
	SessionID   string        `json:"sessionId"`
	UserID      string        `json:"userId"`
	DeviceID    string        `json:"deviceId"`
	CreatedAt   time.Time     `json:"createdAt"`
	TTL         time.Duration `json:"ttl"`
	MFAVerified bool          `json:"mfaVerified"`
}

// ExpiresAt returns the instant after which the session is expired.
func (r Record) ExpiresAt() time.Time {
	return r.CreatedAt.Add(r.TTL)
}

// Expired reports whether the session is past its TTL at now.
func (r Record) Expired(now time.Time) bool {
	return now.Sub(r.CreatedAt) > r.TTL
}

// Options configures a Store.
type Options struct {
	// TTL is the default session lifetime. Zero means DefaultTTL.
	TTL time.Duration

	// TOTP controls code validation.
	TOTP TOTPOptions

	// IDs generates session IDs. Nil means UUIDv7Generator.
	IDs IDGenerator

	// Now is the clock. Nil means time.Now.
	Now func() time.Time
}

// Store persists sessions and enrolled TOTP secrets.
type Store struct {
	st   *store.Store
	ttl  time.Duration
	totp TOTPOptions
	ids  IDGenerator
	now  func() time.Time
}

// New creates a session store.
func New(st *store.Store, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.TOTP.Period == 0 {
		opts.TOTP.Period = DefaultTOTPPeriod
	}
	if opts.IDs == nil {
		opts.IDs = UUIDv7Generator{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{st: st, ttl: opts.TTL, totp: opts.TOTP, ids: opts.IDs, now: opts.Now}
}

// Start creates a session for userID on deviceID. A non-positive ttl uses the
// store default.
func (s *Store) Start(ctx context.Context, userID, deviceID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	deviceID = strings.TrimSpace(deviceID)
	if userID == "" || deviceID == "" {
		return "", verdict.New(verdict.ReasonMissingCredentials, "user id and device id are required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	id := s.ids.Generate()
	_, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO sessions (session_id, user_id, device_id, created_at, ttl_seconds, mfa_verified)
		VALUES (?, ?, ?, ?, ?, 0)
	`, id, userID, deviceID, store.Millis(s.now()), seconds)
	if err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	return id, nil
}

// Get returns a session record.
func (s *Store) Get(ctx context.Context, sessionID string) (Record, error) {
	var (
		rec       Record
		createdAt int64
		ttl       int64
		verified  int
	)
	err := s.st.DB().QueryRowContext(ctx, `
		SELECT session_id, user_id, device_id, created_at, ttl_seconds, mfa_verified
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&rec.SessionID, &rec.UserID, &rec.DeviceID, &createdAt, &ttl, &verified)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, verdict.New(verdict.ReasonSessionNotFound, "session %s does not exist", sessionID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get session: %w", err)
	}
	rec.CreatedAt = store.FromMillis(createdAt)
	rec.TTL = time.Duration(ttl) * time.Second
	rec.MFAVerified = verified == 1
	return rec, nil
}

// MarkMFAVerified sets the verified flag. Returns false if the session does
// not exist. Marking an already verified session returns true.
func (s *Store) MarkMFAVerified(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.st.DB().ExecContext(ctx, `
		UPDATE sessions SET mfa_verified = 1 WHERE session_id = ?
	`, sessionID)
	if err != nil {
		return false, fmt.Errorf("mark mfa verified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark mfa verified: rows affected: %w", err)
	}
	return n > 0, nil
}

// Check decides whether the session may pass Gate Q4. In order:
// SessionNotFound, Expired, then MfaRequired unless the session is already
// verified or totpCode is valid for the user's enrolled secret. A valid code
// marks the session verified.
func (s *Store) Check(ctx context.Context, sessionID, totpCode string, lookup SecretLookup) error {
	if strings.TrimSpace(sessionID) == "" {
		return verdict.New(verdict.ReasonSessionNotFound, "session id is required")
	}

	rec, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	now := s.now()
	if rec.Expired(now) {
		return verdict.New(verdict.ReasonExpired, "session %s expired at %s", sessionID, rec.ExpiresAt().Format(time.RFC3339))
	}
	if rec.MFAVerified {
		return nil
	}

	if totpCode == "" || lookup == nil {
		return verdict.New(verdict.ReasonMFARequired, "session %s requires a one-time code", sessionID)
	}
	secret, err := lookup.SecretFor(ctx, rec.UserID)
	if errors.Is(err, ErrNoSecret) {
		return verdict.New(verdict.ReasonMFARequired, "user %s has no enrolled secret", rec.UserID)
	}
	if err != nil {
		return err
	}
	if !VerifyTOTP(secret, totpCode, now, s.totp) {
		return verdict.New(verdict.ReasonMFARequired, "one-time code rejected")
	}

	if _, err := s.MarkMFAVerified(ctx, sessionID); err != nil {
		return err
	}
	return nil
}

// Reap deletes sessions whose TTL elapsed before now and returns the count.
func (s *Store) Reap(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.st.DB().ExecContext(ctx, `
		DELETE FROM sessions WHERE created_at + ttl_seconds * 1000 < ?
	`, store.Millis(now))
	if err != nil {
		return 0, fmt.Errorf("reap sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reap sessions: rows affected: %w", err)
	}
	return n, nil
}
