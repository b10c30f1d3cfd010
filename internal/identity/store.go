package identity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"

	"github.com/roach88/quadran/internal/store"
	"github.com/roach88/quadran/internal/verdict"
)

// Store persists baselines in the shared SQLite store.
type Store struct {
	st  *store.Store
	now func() time.Time
}

// NewStore creates a baseline store. A nil now defaults to time.Now.
func NewStore(st *store.Store, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{st: st, now: now}
}

// NormalizeUserID NFC-normalizes a user identifier.
func NormalizeUserID(id string) string {
	return norm.NFC.String(id)
}

// Set stores or replaces the baseline for b.UserID.
func (s *Store) Set(ctx context.Context, b Baseline) (Baseline, error) {
	b.UserID = NormalizeUserID(b.UserID)
	if err := b.Validate(); err != nil {
		return Baseline{}, err
	}

	features, err := json.Marshal(b.Features)
	if err != nil {
		return Baseline{}, fmt.Errorf("encode baseline: %w", err)
	}

	b.UpdatedAt = store.FromMillis(store.Millis(s.now()))
	_, err = s.st.DB().ExecContext(ctx, `
		INSERT INTO baselines (user_id, features, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET features = excluded.features, updated_at = excluded.updated_at
	`, b.UserID, string(features), store.Millis(b.UpdatedAt))
	if err != nil {
		return Baseline{}, fmt.Errorf("store baseline: %w", err)
	}
	return b, nil
}

// Get returns the baseline for userID. Fails with UnknownIdentity if none is
// stored.
func (s *Store) Get(ctx context.Context, userID string) (Baseline, error) {
	userID = NormalizeUserID(userID)

	var (
		raw       string
		updatedAt int64
	)
	err := s.st.DB().QueryRowContext(ctx, `
		SELECT features, updated_at FROM baselines WHERE user_id = ?
	`, userID).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Baseline{}, verdict.New(verdict.ReasonUnknownIdentity, "no baseline for user %s", userID)
	}
	if err != nil {
		return Baseline{}, fmt.Errorf("read baseline: %w", err)
	}

	b := Baseline{UserID: userID, UpdatedAt: store.FromMillis(updatedAt)}
	if err := json.Unmarshal([]byte(raw), &b.Features); err != nil {
		return Baseline{}, fmt.Errorf("decode baseline %s: %w", userID, err)
	}
	return b, nil
}

// baselineFile is the YAML document accepted by LoadBaselines.
type baselineFile struct {
	Baselines []Baseline `yaml:"baselines"`
}

// LoadBaselines parses a YAML document of the form:
//
//	baselines:
//	  - user: U1
//	    features:
//	      keystroke_interval_ms: {mean: 180, spread: 25, weight: 2}
//	      session_hour: {mean: 14, spread: 3}
func LoadBaselines(r io.Reader) ([]Baseline, error) {
	var doc baselineFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse baselines: %w", err)
	}
	for i := range doc.Baselines {
		doc.Baselines[i].UserID = NormalizeUserID(doc.Baselines[i].UserID)
		if err := doc.Baselines[i].Validate(); err != nil {
			return nil, err
		}
	}
	return doc.Baselines, nil
}
