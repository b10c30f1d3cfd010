package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyTOTP_RFC6238Vector(t *testing.T) {
	// RFC 6238 appendix B, SHA1 seed "12345678901234567890", truncated to 6 digits.
	secret := "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ"
	at := time.Unix(59, 0).UTC()

	assert.True(t, VerifyTOTP(secret, "287082", at, TOTPOptions{Period: 30}))
	assert.False(t, VerifyTOTP(secret, "287083", at, TOTPOptions{Period: 30}))
}

func TestVerifyTOTP_SkewWindow(t *testing.T) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	opts := DefaultTOTPOptions()

	code, err := GenerateCode(testSecret, at, opts)
	require.NoError(t, err)

	assert.True(t, VerifyTOTP(testSecret, code, at.Add(30*time.Second), opts))
	assert.False(t, VerifyTOTP(testSecret, code, at.Add(90*time.Second), opts))
	assert.False(t, VerifyTOTP(testSecret, code, at.Add(30*time.Second), TOTPOptions{Period: 30, Skew: 0}))
}

func TestVerifyTOTP_RejectsEmptyAndMalformed(t *testing.T) {
	at := time.Now()
	assert.False(t, VerifyTOTP("", "123456", at, DefaultTOTPOptions()))
	assert.False(t, VerifyTOTP(testSecret, "", at, DefaultTOTPOptions()))
	assert.False(t, VerifyTOTP(testSecret, "12345", at, DefaultTOTPOptions()))
	assert.False(t, VerifyTOTP("!!!", "123456", at, DefaultTOTPOptions()))
}

func TestGenerateSecret_RoundTrip(t *testing.T) {
	enr, err := GenerateSecret("quadran", "U1", DefaultTOTPOptions())
	require.NoError(t, err)
	assert.NotEmpty(t, enr.Secret)
	assert.Contains(t, enr.URL, "otpauth://totp/")

	at := time.Now()
	code, err := GenerateCode(enr.Secret, at, DefaultTOTPOptions())
	require.NoError(t, err)
	assert.True(t, VerifyTOTP(enr.Secret, code, at, DefaultTOTPOptions()))
}
