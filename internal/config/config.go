// Package config loads service configuration from QUADRAN_* environment
// variables and an optional CUE policy file.
//
// Precedence: built-in defaults, then environment, then policy file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/roach88/quadran/internal/nonce"
	"github.com/roach88/quadran/internal/session"
)

// Config is the resolved service configuration.
type Config struct {
	// Storage.
	DB        string `env:"QUADRAN_DB" envDefault:"quadran.db"`
	RedisAddr string `env:"QUADRAN_REDIS_ADDR"`

	// Gate orchestration.
	MinGatesRequired int  `env:"QUADRAN_MIN_GATES" envDefault:"4"`
	StrictMode       bool `env:"QUADRAN_STRICT_MODE" envDefault:"false"`
	TimeoutMs        int  `env:"QUADRAN_TIMEOUT_MS" envDefault:"2000"`

	// Gate Q3.
	NonceTTL       time.Duration `env:"QUADRAN_NONCE_TTL" envDefault:"90s"`
	NonceRetention time.Duration `env:"QUADRAN_NONCE_RETENTION" envDefault:"24h"`
	NoncePrefix    string        `env:"QUADRAN_NONCE_PREFIX" envDefault:"seven-core/"`
	PruneInterval  time.Duration `env:"QUADRAN_PRUNE_INTERVAL" envDefault:"1m"`

	// Gate Q4.
	SessionTTL time.Duration `env:"QUADRAN_SESSION_TTL" envDefault:"900s"`
	TOTPPeriod uint          `env:"QUADRAN_TOTP_PERIOD" envDefault:"30"`
	TOTPSkew   uint          `env:"QUADRAN_TOTP_SKEW" envDefault:"1"`

	// Gate Q2.
	BehaviorThreshold float64 `env:"QUADRAN_BEHAVIOR_THRESHOLD" envDefault:"0.7"`

	// Claims signing. An empty key disables tokens.
	ClaimsKey    string        `env:"QUADRAN_CLAIMS_KEY"`
	ClaimsIssuer string        `env:"QUADRAN_CLAIMS_ISSUER" envDefault:"quadran"`
	ClaimsTTL    time.Duration `env:"QUADRAN_CLAIMS_TTL" envDefault:"5m"`

	// Serving and telemetry.
	Listen       string `env:"QUADRAN_LISTEN" envDefault:":8700"`
	OTELEndpoint string `env:"QUADRAN_OTEL_ENDPOINT"`

	// PolicyFile is an optional CUE file overriding gate policy.
	PolicyFile string `env:"QUADRAN_POLICY"`
}

// Load reads the process environment and applies the policy file, if any.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return finish(cfg)
}

// LoadFrom is Load with an explicit environment instead of the process one.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return finish(cfg)
}

// Default returns the configuration with no environment set.
func Default() Config {
	cfg, err := LoadFrom(map[string]string{})
	if err != nil {
		// Defaults are static; a failure here is a programming error.
		panic(err)
	}
	return cfg
}

func finish(cfg Config) (Config, error) {
	if path := strings.TrimSpace(cfg.PolicyFile); path != "" {
		p, err := LoadPolicyFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := p.Apply(&cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	if c.MinGatesRequired < 1 || c.MinGatesRequired > 4 {
		return fmt.Errorf("min gates required must be in [1, 4], got %d", c.MinGatesRequired)
	}
	if c.TimeoutMs <= 0 {
		return fmt.Errorf("timeout must be > 0ms, got %d", c.TimeoutMs)
	}
	if err := c.NoncePolicy().Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.NoncePrefix) == "" {
		return fmt.Errorf("nonce prefix is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session ttl must be > 0, got %s", c.SessionTTL)
	}
	if c.TOTPPeriod == 0 {
		return fmt.Errorf("totp period must be > 0")
	}
	if c.BehaviorThreshold < 0 || c.BehaviorThreshold > 1 {
		return fmt.Errorf("behavior threshold must be in [0, 1], got %v", c.BehaviorThreshold)
	}
	if c.ClaimsTTL <= 0 {
		return fmt.Errorf("claims ttl must be > 0, got %s", c.ClaimsTTL)
	}
	if c.PruneInterval <= 0 {
		return fmt.Errorf("prune interval must be > 0, got %s", c.PruneInterval)
	}
	return nil
}

// Timeout returns the per-request evaluation budget.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// NoncePolicy returns the Gate Q3 policy.
func (c Config) NoncePolicy() nonce.Policy {
	return nonce.Policy{
		TTL:             c.NonceTTL,
		Retention:       c.NonceRetention,
		NamespacePrefix: c.NoncePrefix,
	}
}

// TOTPOptions returns the Gate Q4 one-time code settings.
func (c Config) TOTPOptions() session.TOTPOptions {
	return session.TOTPOptions{Period: c.TOTPPeriod, Skew: c.TOTPSkew}
}
