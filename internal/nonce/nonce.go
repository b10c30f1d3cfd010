// Package nonce implements the semantic nonce store that backs Gate Q3.
//
// A nonce is a single-use, namespace-scoped, time-stamped token. Verification
// runs the checks in a fixed order:
//
//  1. MissingFields - nonce, issuedAt or namespace absent
//  2. BadContext    - namespace lacks the deployment prefix or differs from the issued one
//  3. Expired       - now - issuedAt > TTL
//  4. Replay        - already consumed
//
// and then marks the nonce consumed. The check-and-consume step is a single
// atomic operation in every backend, so of N concurrent verifications of the
// same nonce exactly one succeeds and the rest observe Replay.
//
// Nonces that were never issued (or were pruned) fail with UnknownNonce.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/quadran/internal/verdict"
)

// Defaults for Policy.
const (
	DefaultTTL             = 90 * time.Second
	DefaultRetention       = 24 * time.Hour
	DefaultNamespacePrefix = "seven-core/"

	// TokenSize is the number of random bytes in a nonce.
	TokenSize = 32
)

// Policy configures nonce validity.
type Policy struct {
	// TTL is how long an issued nonce may be verified.
	TTL time.Duration

	// Retention is how long entries are kept before pruning. Must be >= TTL.
	Retention time.Duration

	// NamespacePrefix is the required prefix for every namespace.
	NamespacePrefix string
}

// DefaultPolicy returns the 90s TTL / 24h retention / "seven-core/" policy.
func DefaultPolicy() Policy {
	return Policy{
		TTL:             DefaultTTL,
		Retention:       DefaultRetention,
		NamespacePrefix: DefaultNamespacePrefix,
	}
}

// Validate checks that the policy cannot evict a still-valid entry.
func (p Policy) Validate() error {
	if p.TTL <= 0 {
		return fmt.Errorf("nonce ttl must be > 0, got %s", p.TTL)
	}
	if p.Retention < p.TTL {
		return fmt.Errorf("nonce retention (%s) must be >= ttl (%s)", p.Retention, p.TTL)
	}
	return nil
}

func (p Policy) withDefaults() Policy {
	if p.TTL <= 0 {
		p.TTL = DefaultTTL
	}
	if p.Retention <= 0 {
		p.Retention = DefaultRetention
	}
	if p.Retention < p.TTL {
		p.Retention = p.TTL
	}
	return p
}

// Issued is a freshly issued nonce handed to a client.
type Issued struct {
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issuedAt"`
	Namespace string    `json:"namespace"`
}

// Entry is the stored state of a nonce.
type Entry struct {
	Nonce      string
	Namespace  string
	IssuedAt   time.Time
	ConsumedAt *time.Time
}

// Store issues, verifies and prunes nonces.
type Store interface {
	// Issue creates a fresh random nonce scoped to namespace.
	Issue(ctx context.Context, namespace string) (Issued, error)

	// Verify checks a presented nonce and consumes it. Returns nil on success,
	// a *verdict.Error for domain failures, or a wrapped I/O error.
	Verify(ctx context.Context, nonce string, issuedAt time.Time, namespace string, now time.Time) error

	// Prune deletes entries older than the retention window and returns how
	// many were removed.
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// NormalizeNamespace trims and NFC-normalizes a namespace so visually equal
// namespaces compare equal.
func NormalizeNamespace(ns string) string {
	return norm.NFC.String(strings.TrimSpace(ns))
}

// NewToken returns a cryptographically random base64url token.
func NewToken() (string, error) {
	buf := make([]byte, TokenSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// checkNamespace applies the deployment prefix rule.
func checkNamespace(p Policy, ns string) error {
	if ns == "" {
		return verdict.New(verdict.ReasonMissingFields, "namespace is required")
	}
	if p.NamespacePrefix != "" && !strings.HasPrefix(ns, p.NamespacePrefix) {
		return verdict.New(verdict.ReasonBadContext, "namespace %q must start with %q", ns, p.NamespacePrefix)
	}
	return nil
}

// precheck runs the field, context and expiry checks on the presented values.
// Backends repeat the context and expiry checks against the stored entry.
func precheck(p Policy, nonce string, issuedAt time.Time, ns string, now time.Time) error {
	if nonce == "" || issuedAt.IsZero() || ns == "" {
		return verdict.New(verdict.ReasonMissingFields, "nonce, issuedAt and namespace are required")
	}
	if err := checkNamespace(p, ns); err != nil {
		return err
	}
	return checkExpiry(p, issuedAt, now)
}

func checkExpiry(p Policy, issuedAt, now time.Time) error {
	if age := now.Sub(issuedAt); age > p.TTL {
		return verdict.New(verdict.ReasonExpired, "nonce age %s exceeds ttl %s", age.Round(time.Millisecond), p.TTL)
	}
	return nil
}
