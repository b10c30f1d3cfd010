// Package gate implements the four verification gates and the orchestrator
// that evaluates them for every inbound request.
//
// Gates:
//   - Q1 device attestation: the device is registered, active, and presents
//     its registered key
//   - Q2 identity codex: observed behavior matches the user's baseline
//   - Q3 semantic nonce: a fresh, single-use, namespace-scoped nonce
//   - Q4 session: the session belongs to the requesting user and device, is
//     alive and MFA-verified
//
// The orchestrator runs gates concurrently under a time budget and isolates
// them from each other: a failing, erroring or panicking gate only marks its
// own verdict invalid.
package gate

import (
	"strings"
	"time"
)

// ID names a gate.
type ID string

const (
	Q1 ID = "q1"
	Q2 ID = "q2"
	Q3 ID = "q3"
	Q4 ID = "q4"
)

// All lists the gates in evaluation-report order.
var All = []ID{Q1, Q2, Q3, Q4}

// Auth carries the credentials presented with a request.
type Auth struct {
	PublicKey string    `json:"publicKey,omitempty" yaml:"publicKey,omitempty"`
	Nonce     string    `json:"nonce,omitempty" yaml:"nonce,omitempty"`
	IssuedAt  time.Time `json:"issuedAt,omitzero" yaml:"issuedAt,omitempty"`
	Namespace string    `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	TOTP      string    `json:"totp,omitempty" yaml:"totp,omitempty"`
}

// Request is one inbound request bound to a device and session.
type Request struct {
	DeviceID  string         `json:"deviceId,omitempty" yaml:"deviceId,omitempty"`
	UserID    string         `json:"userId,omitempty" yaml:"userId,omitempty"`
	SessionID string         `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	Platform  string         `json:"platform,omitempty" yaml:"platform,omitempty"`
	Auth      Auth           `json:"auth" yaml:"auth"`
	Payload   map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitzero" yaml:"timestamp,omitempty"`
}

// PayloadString returns Payload[key] if it is a non-empty string.
func (r *Request) PayloadString(key string) string {
	if r == nil || r.Payload == nil {
		return ""
	}
	s, _ := r.Payload[key].(string)
	return strings.TrimSpace(s)
}

// DeviceCredentials returns the device ID and presented public key. Each field
// is taken from the first non-empty source: the request fields, then the
// payload's "deviceId" and "publicKey" entries.
func (r *Request) DeviceCredentials() (deviceID, publicKey string) {
	deviceID = firstNonEmpty(r.DeviceID, r.PayloadString("deviceId"))
	publicKey = firstNonEmpty(r.Auth.PublicKey, r.PayloadString("publicKey"))
	return deviceID, publicKey
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
