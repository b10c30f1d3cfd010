package gate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quadran/internal/device"
	"github.com/roach88/quadran/internal/identity"
	"github.com/roach88/quadran/internal/nonce"
	"github.com/roach88/quadran/internal/session"
	"github.com/roach88/quadran/internal/store"
	"github.com/roach88/quadran/internal/testutil"
	"github.com/roach88/quadran/internal/verdict"
)

const testSecret = "JBSWY3DPEHPK3PXP"

// stack wires the four real gates over one SQLite store.
type stack struct {
	clock     *testutil.Clock
	devices   *device.Registry
	baselines *identity.Store
	nonces    *nonce.SQLiteStore
	sessions  *session.Store
	gates     []Gate
}

func newStack(t *testing.T) *stack {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clock := testutil.NewClock(testutil.Epoch)
	s := &stack{
		clock:     clock,
		devices:   device.NewRegistry(st, clock.Now),
		baselines: identity.NewStore(st, clock.Now),
		nonces:    nonce.NewSQLiteStore(st, nonce.DefaultPolicy(), clock.Now),
		sessions: session.New(st, session.Options{
			IDs: testutil.NewSequenceIDs("sess"),
			Now: clock.Now,
		}),
	}
	s.gates = []Gate{
		DeviceGate{Registry: s.devices},
		IdentityGate{Baselines: s.baselines, Threshold: DefaultBehaviorThreshold},
		NonceGate{Store: s.nonces, Now: clock.Now},
		SessionGate{Sessions: s.sessions, Secrets: s.sessions},
	}
	return s
}

// seed registers D1/K1 for U1 with a baseline, an enrolled secret and a
// session, and returns a request that passes all four gates.
func (s *stack) seed(t *testing.T) *Request {
	t.Helper()
	ctx := context.Background()

	_, err := s.devices.Register(ctx, "D1", "K1", []byte("attestation"), []byte("sig"))
	require.NoError(t, err)
	_, err = s.baselines.Set(ctx, identity.Baseline{
		UserID: "U1",
		Features: map[string]identity.Feature{
			"keystroke_interval_ms": {Mean: 180, Spread: 20},
			"session_hour":          {Mean: 14, Spread: 3},
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.sessions.EnrollSecret(ctx, "U1", testSecret))
	sessionID, err := s.sessions.Start(ctx, "U1", "D1", 0)
	require.NoError(t, err)

	return s.request(t, sessionID)
}

func (s *stack) request(t *testing.T, sessionID string) *Request {
	t.Helper()
	issued, err := s.nonces.Issue(context.Background(), "seven-core/chat")
	require.NoError(t, err)
	code, err := session.GenerateCode(testSecret, s.clock.Now(), session.DefaultTOTPOptions())
	require.NoError(t, err)

	return &Request{
		DeviceID:  "D1",
		UserID:    "U1",
		SessionID: sessionID,
		Platform:  "linux",
		Auth: Auth{
			PublicKey: "K1",
			Nonce:     issued.Nonce,
			IssuedAt:  issued.IssuedAt,
			Namespace: issued.Namespace,
			TOTP:      code,
		},
		Payload: map[string]any{
			"behavior": map[string]any{"keystroke_interval_ms": 182.0, "session_hour": 14.0},
		},
	}
}

func TestDeviceGate(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	_, err := s.devices.Register(ctx, "D1", "K1", nil, nil)
	require.NoError(t, err)
	g := DeviceGate{Registry: s.devices}

	tests := []struct {
		name string
		req  Request
		want verdict.Reason
	}{
		{"registered key", Request{DeviceID: "D1", Auth: Auth{PublicKey: "K1"}}, ""},
		{"payload fallback", Request{Payload: map[string]any{"deviceId": "D1", "publicKey": "K1"}}, ""},
		{"request fields win", Request{DeviceID: "D1", Auth: Auth{PublicKey: "K1"}, Payload: map[string]any{"deviceId": "D9", "publicKey": "K9"}}, ""},
		{"missing key", Request{DeviceID: "D1"}, verdict.ReasonMissingCredentials},
		{"missing device", Request{Auth: Auth{PublicKey: "K1"}}, verdict.ReasonMissingCredentials},
		{"unknown device", Request{DeviceID: "D2", Auth: Auth{PublicKey: "K1"}}, verdict.ReasonUnknownDevice},
		{"wrong key", Request{DeviceID: "D1", Auth: Auth{PublicKey: "K2"}}, verdict.ReasonKeyMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Evaluate(ctx, &tt.req)
			assert.Equal(t, tt.want, verdict.ReasonOf(err), "got %v", err)
		})
	}

	rec, err := s.devices.Get(ctx, "D1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.NonceCounter, "each pass records a sighting")
}

func TestDeviceGate_RevokedDevice(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	_, err := s.devices.Register(ctx, "D1", "K1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.devices.Revoke(ctx, "D1"))

	_, err = DeviceGate{Registry: s.devices}.Evaluate(ctx, &Request{DeviceID: "D1", Auth: Auth{PublicKey: "K1"}})
	assert.ErrorIs(t, err, verdict.ErrRevoked)
}

func TestIdentityGate(t *testing.T) {
	s := newStack(t)
	req := s.seed(t)
	g := IdentityGate{Baselines: s.baselines, Threshold: DefaultBehaviorThreshold}
	ctx := context.Background()

	v, err := g.Evaluate(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, v.Score)
	assert.Greater(t, *v.Score, 0.9)

	off := *req
	off.Payload = map[string]any{"behavior": map[string]any{"keystroke_interval_ms": 400.0, "session_hour": 3.0}}
	v, err = g.Evaluate(ctx, &off)
	assert.Equal(t, verdict.ReasonInconsistentBehavior, verdict.ReasonOf(err))
	require.NotNil(t, v.Score)
	assert.Equal(t, 0.0, *v.Score)

	none := *req
	none.Payload = nil
	_, err = g.Evaluate(ctx, &none)
	assert.Equal(t, verdict.ReasonInconsistentBehavior, verdict.ReasonOf(err))

	stranger := *req
	stranger.UserID = "U2"
	_, err = g.Evaluate(ctx, &stranger)
	assert.Equal(t, verdict.ReasonUnknownIdentity, verdict.ReasonOf(err))
}

func TestNonceGate_SingleUse(t *testing.T) {
	s := newStack(t)
	req := s.seed(t)
	g := NonceGate{Store: s.nonces, Now: s.clock.Now}
	ctx := context.Background()

	_, err := g.Evaluate(ctx, req)
	require.NoError(t, err)

	_, err = g.Evaluate(ctx, req)
	assert.True(t, verdict.IsReplay(err))
}

func TestSessionGate(t *testing.T) {
	s := newStack(t)
	req := s.seed(t)
	g := SessionGate{Sessions: s.sessions, Secrets: s.sessions}
	ctx := context.Background()

	noCode := *req
	noCode.Auth.TOTP = ""
	_, err := g.Evaluate(ctx, &noCode)
	assert.Equal(t, verdict.ReasonMFARequired, verdict.ReasonOf(err))

	_, err = g.Evaluate(ctx, req)
	require.NoError(t, err)

	// Verified now; the code is no longer needed.
	_, err = g.Evaluate(ctx, &noCode)
	assert.NoError(t, err)

	s.clock.Advance(session.DefaultTTL + time.Second)
	_, err = g.Evaluate(ctx, &noCode)
	assert.True(t, verdict.IsExpired(err))
}

func TestSessionGate_BoundToUserAndDevice(t *testing.T) {
	s := newStack(t)
	req := s.seed(t)
	g := SessionGate{Sessions: s.sessions, Secrets: s.sessions}
	ctx := context.Background()

	otherUser := *req
	otherUser.UserID = "U2"
	_, err := g.Evaluate(ctx, &otherUser)
	assert.Equal(t, verdict.ReasonSessionMismatch, verdict.ReasonOf(err))

	otherDevice := *req
	otherDevice.DeviceID = "D2"
	_, err = g.Evaluate(ctx, &otherDevice)
	assert.Equal(t, verdict.ReasonSessionMismatch, verdict.ReasonOf(err))

	// A rejected request must not complete MFA for the real owner.
	rec, err := s.sessions.Get(ctx, req.SessionID)
	require.NoError(t, err)
	assert.False(t, rec.MFAVerified)

	_, err = g.Evaluate(ctx, req)
	assert.NoError(t, err)

	missing := *req
	missing.SessionID = "sess-404"
	_, err = g.Evaluate(ctx, &missing)
	assert.Equal(t, verdict.ReasonSessionNotFound, verdict.ReasonOf(err))
}

func TestAuthenticate_ForeignUserGetsNoClaims(t *testing.T) {
	s := newStack(t)
	req := s.seed(t)
	o := NewOrchestrator(Config{MinGatesRequired: 4, Timeout: time.Second}, s.gates, WithClock(s.clock.Now), WithLogger(quietLogger()))

	req.UserID = "U2"
	res, c, err := o.Authenticate(context.Background(), req)
	assert.True(t, IsDenied(err))
	assert.Nil(t, c)
	assert.False(t, res.Gates.Q4)
	assert.Equal(t, verdict.ReasonSessionMismatch, res.Verdicts[Q4].Reason)
}

func TestRequest_DeviceCredentials(t *testing.T) {
	req := &Request{DeviceID: "  ", Auth: Auth{PublicKey: "K1"}, Payload: map[string]any{"deviceId": "D7", "publicKey": 42}}
	id, key := req.DeviceCredentials()
	assert.Equal(t, "D7", id)
	assert.Equal(t, "K1", key)
}
