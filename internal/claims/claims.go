// Package claims builds the identity claims handed to the downstream runtime
// after a request passes the gates, and optionally signs them as an EdDSA JWT.
package claims

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/roach88/quadran/internal/verdict"
)

// DefaultTTL is the lifetime of a signed claims token.
const DefaultTTL = 5 * time.Minute

// ErrInvalidToken is returned when a token fails signature or structure checks.
var ErrInvalidToken = errors.New("invalid claims token")

// Claims describes an authenticated principal.
type Claims struct {
	DeviceID      string    `json:"deviceId"`
	UserID        string    `json:"userId"`
	Platform      string    `json:"platform"`
	Authenticated bool      `json:"authenticated"`
	IssuedAt      time.Time `json:"issuedAt"`
}

// New returns authenticated claims. An empty platform resolves to the host OS.
func New(deviceID, userID, platform string, now time.Time) *Claims {
	return &Claims{
		DeviceID:      deviceID,
		UserID:        userID,
		Platform:      ResolvePlatform(platform, nil),
		Authenticated: true,
		IssuedAt:      now.UTC(),
	}
}

// ResolvePlatform returns explicit if set, then payload["platform"] if it is
// a non-empty string, then runtime.GOOS.
func ResolvePlatform(explicit string, payload map[string]any) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	if p, ok := payload["platform"].(string); ok && strings.TrimSpace(p) != "" {
		return strings.TrimSpace(p)
	}
	return runtime.GOOS
}

// tokenClaims is the JWT body.
type tokenClaims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"device_id"`
	Platform string `json:"platform"`
}

// Issuer signs and verifies claims tokens.
type Issuer struct {
	name string
	key  ed25519.PrivateKey
	ttl  time.Duration
	now  func() time.Time
}

// NewIssuer creates an issuer from an ed25519 private key.
func NewIssuer(name string, key ed25519.PrivateKey, ttl time.Duration, now func() time.Time) (*Issuer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("claims key must be %d bytes, got %d", ed25519.PrivateKeySize, len(key))
	}
	if strings.TrimSpace(name) == "" {
		name = "quadran"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{name: name, key: key, ttl: ttl, now: now}, nil
}

// DecodeKey decodes a base64 ed25519 seed (32 bytes) or full private key
// (64 bytes). Both padded and unpadded encodings are accepted.
func DecodeKey(value string) (ed25519.PrivateKey, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, errors.New("empty claims key")
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(value, "="))
	if err != nil {
		return nil, fmt.Errorf("decode claims key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("claims key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// PublicKey returns the verification key.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.key.Public().(ed25519.PublicKey)
}

// Sign returns a compact JWT for c.
func (i *Issuer) Sign(c *Claims) (string, error) {
	if c == nil || !c.Authenticated {
		return "", errors.New("refusing to sign unauthenticated claims")
	}
	now := i.now().UTC()
	body := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.name,
			Subject:   c.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.Must(uuid.NewV7()).String(),
		},
		DeviceID: c.DeviceID,
		Platform: c.Platform,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, body).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("sign claims: %w", err)
	}
	return token, nil
}

// Verify parses and checks a token issued by this issuer.
func (i *Issuer) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return i.PublicKey(), nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithIssuer(i.name),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, verdict.New(verdict.ReasonExpired, "claims token expired")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	c := &Claims{
		DeviceID:      parsed.DeviceID,
		UserID:        parsed.Subject,
		Platform:      parsed.Platform,
		Authenticated: true,
	}
	if parsed.IssuedAt != nil {
		c.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return c, nil
}
