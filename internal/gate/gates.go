package gate

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/roach88/quadran/internal/device"
	"github.com/roach88/quadran/internal/identity"
	"github.com/roach88/quadran/internal/nonce"
	"github.com/roach88/quadran/internal/session"
	"github.com/roach88/quadran/internal/verdict"
)

// Gate evaluates one verification step. A nil error means the gate passed;
// the returned Verdict may carry extra detail (such as a Q2 score) either way.
type Gate interface {
	ID() ID
	Evaluate(ctx context.Context, req *Request) (Verdict, error)
}

// DeviceRegistry is the subset of device.Registry used by Q1.
type DeviceRegistry interface {
	Get(ctx context.Context, deviceID string) (device.Record, error)
	Validate(ctx context.Context, deviceID string) (device.Record, error)
}

// DeviceGate is Q1: the device is registered, active, and presents the
// registered key.
//
// It compares the presented key with the registered one; it does not prove
// the client holds the matching private key.
type DeviceGate struct {
	Registry DeviceRegistry
}

// ID implements Gate.
func (DeviceGate) ID() ID { return Q1 }

// Evaluate implements Gate.
func (g DeviceGate) Evaluate(ctx context.Context, req *Request) (Verdict, error) {
	deviceID, key := req.DeviceCredentials()
	if deviceID == "" || key == "" {
		return Verdict{}, verdict.New(verdict.ReasonMissingCredentials, "device id and public key are required")
	}

	rec, err := g.Registry.Get(ctx, deviceID)
	if errors.Is(err, verdict.ErrNotFound) {
		return Verdict{}, verdict.New(verdict.ReasonUnknownDevice, "device %s is not registered", deviceID)
	}
	if err != nil {
		return Verdict{}, err
	}
	if !rec.Active() {
		return Verdict{}, verdict.New(verdict.ReasonRevoked, "device %s is revoked", deviceID)
	}
	if subtle.ConstantTimeCompare([]byte(rec.PublicKey), []byte(key)) != 1 {
		return Verdict{}, verdict.New(verdict.ReasonKeyMismatch, "presented key does not match device %s", deviceID)
	}

	if _, err := g.Registry.Validate(ctx, deviceID); err != nil {
		return Verdict{}, err
	}
	return Verdict{}, nil
}

// BaselineSource is the subset of identity.Store used by Q2.
type BaselineSource interface {
	Get(ctx context.Context, userID string) (identity.Baseline, error)
}

// DefaultBehaviorThreshold is the minimum Q2 score.
const DefaultBehaviorThreshold = 0.7

// IdentityGate is Q2: behavior features in Payload["behavior"] score at least
// Threshold against the user's stored baseline.
type IdentityGate struct {
	Baselines BaselineSource
	Threshold float64
}

// ID implements Gate.
func (IdentityGate) ID() ID { return Q2 }

// Evaluate implements Gate.
func (g IdentityGate) Evaluate(ctx context.Context, req *Request) (Verdict, error) {
	if req.UserID == "" {
		return Verdict{}, verdict.New(verdict.ReasonUnknownIdentity, "user id is required")
	}

	b, err := g.Baselines.Get(ctx, req.UserID)
	if err != nil {
		return Verdict{}, err
	}

	observed, _ := identity.FeaturesFromPayload(req.Payload["behavior"])
	score := identity.Score(b, observed)
	v := Verdict{Score: &score}
	if score < g.Threshold {
		return v, verdict.New(verdict.ReasonInconsistentBehavior, "behavior score %.3f below %.3f", score, g.Threshold)
	}
	return v, nil
}

// NonceGate is Q3: the presented nonce is fresh, in scope, and unused.
type NonceGate struct {
	Store nonce.Store
	Now   func() time.Time
}

// ID implements Gate.
func (NonceGate) ID() ID { return Q3 }

// Evaluate implements Gate.
func (g NonceGate) Evaluate(ctx context.Context, req *Request) (Verdict, error) {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	err := g.Store.Verify(ctx, req.Auth.Nonce, req.Auth.IssuedAt, req.Auth.Namespace, now())
	return Verdict{}, err
}

// SessionChecker is the subset of session.Store used by Q4.
type SessionChecker interface {
	Get(ctx context.Context, sessionID string) (session.Record, error)
	Check(ctx context.Context, sessionID, totpCode string, lookup session.SecretLookup) error
}

// SessionGate is Q4: the session exists, belongs to the requesting user and
// device, is within its TTL, and has passed MFA (or does so now with the
// supplied code).
type SessionGate struct {
	Sessions SessionChecker
	Secrets  session.SecretLookup
}

// ID implements Gate.
func (SessionGate) ID() ID { return Q4 }

// Evaluate implements Gate.
func (g SessionGate) Evaluate(ctx context.Context, req *Request) (Verdict, error) {
	rec, err := g.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return Verdict{}, err
	}
	// Binding runs first so a foreign request never flips the MFA flag.
	deviceID, _ := req.DeviceCredentials()
	if identity.NormalizeUserID(rec.UserID) != identity.NormalizeUserID(strings.TrimSpace(req.UserID)) || rec.DeviceID != deviceID {
		return Verdict{}, verdict.New(verdict.ReasonSessionMismatch,
			"session %s is not bound to user %q on device %q", req.SessionID, req.UserID, deviceID)
	}
	return Verdict{}, g.Sessions.Check(ctx, req.SessionID, req.Auth.TOTP, g.Secrets)
}
