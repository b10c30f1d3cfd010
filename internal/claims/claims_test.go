package claims

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quadran/internal/testutil"
	"github.com/roach88/quadran/internal/verdict"
)

func testSeed() []byte {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	return seed
}

func newTestIssuer(t *testing.T, clock *testutil.Clock) *Issuer {
	t.Helper()
	iss, err := NewIssuer("quadran-test", ed25519.NewKeyFromSeed(testSeed()), time.Minute, clock.Now)
	require.NoError(t, err)
	return iss
}

func TestResolvePlatform(t *testing.T) {
	assert.Equal(t, "ios", ResolvePlatform("ios", map[string]any{"platform": "android"}))
	assert.Equal(t, "android", ResolvePlatform("", map[string]any{"platform": "android"}))
	assert.Equal(t, runtime.GOOS, ResolvePlatform("", map[string]any{"platform": 7}))
	assert.Equal(t, runtime.GOOS, ResolvePlatform(" ", nil))
}

func TestNew(t *testing.T) {
	c := New("D1", "U1", "", testutil.Epoch)
	assert.True(t, c.Authenticated)
	assert.Equal(t, runtime.GOOS, c.Platform)
	assert.Equal(t, testutil.Epoch, c.IssuedAt)
}

func TestSignVerify(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	iss := newTestIssuer(t, clock)

	token, err := iss.Sign(New("D1", "U1", "linux", clock.Now()))
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(token, ".")))

	got, err := iss.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "D1", got.DeviceID)
	assert.Equal(t, "U1", got.UserID)
	assert.Equal(t, "linux", got.Platform)
	assert.Equal(t, testutil.Epoch, got.IssuedAt)
}

func TestVerify_Expired(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	iss := newTestIssuer(t, clock)

	token, err := iss.Sign(New("D1", "U1", "linux", clock.Now()))
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = iss.Verify(token)
	assert.True(t, verdict.IsExpired(err), "got %v", err)
}

func TestVerify_WrongKey(t *testing.T) {
	clock := testutil.NewClock(testutil.Epoch)
	iss := newTestIssuer(t, clock)

	_, other, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	forger, err := NewIssuer("quadran-test", other, time.Minute, clock.Now)
	require.NoError(t, err)

	token, err := forger.Sign(New("D1", "U1", "linux", clock.Now()))
	require.NoError(t, err)

	_, err = iss.Verify(token)
	assert.True(t, errors.Is(err, ErrInvalidToken), "got %v", err)
}

func TestVerify_Garbage(t *testing.T) {
	iss := newTestIssuer(t, testutil.NewClock(testutil.Epoch))

	_, err := iss.Verify("")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = iss.Verify("a.b.c")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSign_RefusesUnauthenticated(t *testing.T) {
	iss := newTestIssuer(t, testutil.NewClock(testutil.Epoch))

	_, err := iss.Sign(&Claims{UserID: "U1"})
	assert.Error(t, err)
	_, err = iss.Sign(nil)
	assert.Error(t, err)
}

func TestDecodeKey(t *testing.T) {
	seed := testSeed()

	key, err := DecodeKey(base64.StdEncoding.EncodeToString(seed))
	require.NoError(t, err)
	assert.Equal(t, ed25519.NewKeyFromSeed(seed), key)

	key, err = DecodeKey(base64.RawStdEncoding.EncodeToString(ed25519.NewKeyFromSeed(seed)))
	require.NoError(t, err)
	assert.Equal(t, ed25519.NewKeyFromSeed(seed), key)

	_, err = DecodeKey("")
	assert.Error(t, err)
	_, err = DecodeKey(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}
