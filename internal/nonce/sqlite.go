package nonce

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/quadran/internal/store"
	"github.com/roach88/quadran/internal/verdict"
)

// SQLiteStore persists nonces in the shared SQLite store.
//
// Consumption is a conditional UPDATE guarded on consumed_at IS NULL; the
// statement's RowsAffected decides the single winner.
type SQLiteStore struct {
	st     *store.Store
	policy Policy
	now    func() time.Time
}

// NewSQLiteStore creates a nonce store. A nil now defaults to time.Now.
func NewSQLiteStore(st *store.Store, policy Policy, now func() time.Time) *SQLiteStore {
	if now == nil {
		now = time.Now
	}
	return &SQLiteStore{st: st, policy: policy.withDefaults(), now: now}
}

// Policy returns the effective policy.
func (s *SQLiteStore) Policy() Policy {
	return s.policy
}

// Issue implements Store.
func (s *SQLiteStore) Issue(ctx context.Context, namespace string) (Issued, error) {
	ns := NormalizeNamespace(namespace)
	if err := checkNamespace(s.policy, ns); err != nil {
		return Issued{}, err
	}

	token, err := NewToken()
	if err != nil {
		return Issued{}, err
	}

	issuedAt := store.FromMillis(store.Millis(s.now()))
	_, err = s.st.DB().ExecContext(ctx, `
		INSERT INTO nonces (nonce, namespace, issued_at, consumed_at)
		VALUES (?, ?, ?, NULL)
	`, token, ns, store.Millis(issuedAt))
	if err != nil {
		return Issued{}, fmt.Errorf("issue nonce: %w", err)
	}

	return Issued{Nonce: token, IssuedAt: issuedAt, Namespace: ns}, nil
}

// Verify implements Store.
func (s *SQLiteStore) Verify(ctx context.Context, nonce string, issuedAt time.Time, namespace string, now time.Time) error {
	ns := NormalizeNamespace(namespace)
	if err := precheck(s.policy, nonce, issuedAt, ns, now); err != nil {
		return err
	}

	entry, err := s.Get(ctx, nonce)
	if err != nil {
		return err
	}
	if entry.Namespace != ns {
		return verdict.New(verdict.ReasonBadContext, "nonce was issued for namespace %q", entry.Namespace)
	}
	if err := checkExpiry(s.policy, entry.IssuedAt, now); err != nil {
		return err
	}

	res, err := s.st.DB().ExecContext(ctx, `
		UPDATE nonces SET consumed_at = ?
		WHERE nonce = ? AND consumed_at IS NULL
	`, store.Millis(now), nonce)
	if err != nil {
		return fmt.Errorf("consume nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume nonce: rows affected: %w", err)
	}
	if n == 0 {
		return verdict.New(verdict.ReasonReplay, "nonce already consumed")
	}
	return nil
}

// Get returns the stored entry for a nonce.
func (s *SQLiteStore) Get(ctx context.Context, nonce string) (Entry, error) {
	var (
		entry      Entry
		issuedAt   int64
		consumedAt sql.NullInt64
	)
	err := s.st.DB().QueryRowContext(ctx, `
		SELECT nonce, namespace, issued_at, consumed_at FROM nonces WHERE nonce = ?
	`, nonce).Scan(&entry.Nonce, &entry.Namespace, &issuedAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, verdict.New(verdict.ReasonUnknownNonce, "nonce was not issued by this store")
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read nonce: %w", err)
	}
	entry.IssuedAt = store.FromMillis(issuedAt)
	entry.ConsumedAt = store.FromNullMillis(consumedAt)
	return entry, nil
}

// Prune implements Store. Only entries older than the retention window are
// removed; since retention >= TTL, no verifiable entry is ever evicted.
func (s *SQLiteStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-s.policy.Retention)
	res, err := s.st.DB().ExecContext(ctx, `
		DELETE FROM nonces WHERE issued_at < ?
	`, store.Millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune nonces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune nonces: rows affected: %w", err)
	}
	return n, nil
}
