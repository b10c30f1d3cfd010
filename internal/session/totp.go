package session

import (
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// TOTP defaults (RFC 6238).
const (
	DefaultTOTPPeriod = 30
	DefaultTOTPSkew   = 1
)

// TOTPOptions controls one-time code validation.
type TOTPOptions struct {
	// Period is the time step in seconds.
	Period uint

	// Skew is how many steps before and after the current one are accepted.
	Skew uint
}

// DefaultTOTPOptions returns 30s steps with one step of skew.
func DefaultTOTPOptions() TOTPOptions {
	return TOTPOptions{Period: DefaultTOTPPeriod, Skew: DefaultTOTPSkew}
}

func (o TOTPOptions) validateOpts() totp.ValidateOpts {
	period := o.Period
	if period == 0 {
		period = DefaultTOTPPeriod
	}
	return totp.ValidateOpts{
		Period:    period,
		Skew:      o.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// VerifyTOTP reports whether token is a valid code for secret at time at.
// Malformed secrets and tokens are simply invalid.
func VerifyTOTP(secret, token string, at time.Time, opts TOTPOptions) bool {
	if secret == "" || token == "" {
		return false
	}
	ok, err := totp.ValidateCustom(token, secret, at, opts.validateOpts())
	return err == nil && ok
}

// GenerateCode returns the code for secret at time at. Used by enrollment
// flows and tests.
func GenerateCode(secret string, at time.Time, opts TOTPOptions) (string, error) {
	code, err := totp.GenerateCodeCustom(secret, at, opts.validateOpts())
	if err != nil {
		return "", fmt.Errorf("generate totp code: %w", err)
	}
	return code, nil
}

// Enrollment is a freshly generated TOTP secret and its provisioning URI.
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// GenerateSecret creates a new random TOTP secret for account.
func GenerateSecret(issuer, account string, opts TOTPOptions) (Enrollment, error) {
	vo := opts.validateOpts()
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      vo.Period,
		Digits:      vo.Digits,
		Algorithm:   vo.Algorithm,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("generate totp secret: %w", err)
	}
	return Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}
