package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

//go:embed policy_schema.cue
var policySchema string

// Policy is the decoded content of a CUE policy file. Nil fields leave the
// environment value in place.
type Policy struct {
	Gates *struct {
		MinGatesRequired *int  `json:"minGatesRequired"`
		StrictMode       *bool `json:"strictMode"`
		TimeoutMs        *int  `json:"timeoutMs"`
	} `json:"gates"`
	Nonce *struct {
		TTL             *string `json:"ttl"`
		Retention       *string `json:"retention"`
		NamespacePrefix *string `json:"namespacePrefix"`
	} `json:"nonce"`
	Session *struct {
		TTL        *string `json:"ttl"`
		TOTPPeriod *uint   `json:"totpPeriod"`
		TOTPSkew   *uint   `json:"totpSkew"`
	} `json:"session"`
	Identity *struct {
		BehaviorThreshold *float64 `json:"behaviorThreshold"`
	} `json:"identity"`
}

// LoadPolicyFile reads and validates a CUE policy file.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(path, data)
}

// ParsePolicy validates src against the embedded schema and decodes it.
func ParsePolicy(filename string, src []byte) (Policy, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(policySchema, cue.Filename("policy_schema.cue"))
	if err := schema.Err(); err != nil {
		return Policy{}, fmt.Errorf("compile policy schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Policy"))

	value := ctx.CompileBytes(src, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return Policy{}, fmt.Errorf("compile policy %s: %w", filename, err)
	}

	unified := def.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return Policy{}, fmt.Errorf("validate policy %s: %w", filename, err)
	}

	var p Policy
	if err := unified.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("decode policy %s: %w", filename, err)
	}
	return p, nil
}

// Apply overlays the policy onto cfg.
func (p Policy) Apply(cfg *Config) error {
	if g := p.Gates; g != nil {
		if g.MinGatesRequired != nil {
			cfg.MinGatesRequired = *g.MinGatesRequired
		}
		if g.StrictMode != nil {
			cfg.StrictMode = *g.StrictMode
		}
		if g.TimeoutMs != nil {
			cfg.TimeoutMs = *g.TimeoutMs
		}
	}
	if n := p.Nonce; n != nil {
		if err := setDuration(&cfg.NonceTTL, n.TTL, "nonce.ttl"); err != nil {
			return err
		}
		if err := setDuration(&cfg.NonceRetention, n.Retention, "nonce.retention"); err != nil {
			return err
		}
		if n.NamespacePrefix != nil {
			cfg.NoncePrefix = *n.NamespacePrefix
		}
	}
	if s := p.Session; s != nil {
		if err := setDuration(&cfg.SessionTTL, s.TTL, "session.ttl"); err != nil {
			return err
		}
		if s.TOTPPeriod != nil {
			cfg.TOTPPeriod = *s.TOTPPeriod
		}
		if s.TOTPSkew != nil {
			cfg.TOTPSkew = *s.TOTPSkew
		}
	}
	if i := p.Identity; i != nil && i.BehaviorThreshold != nil {
		cfg.BehaviorThreshold = *i.BehaviorThreshold
	}
	return nil
}

func setDuration(dst *time.Duration, src *string, field string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("policy %s: %w", field, err)
	}
	*dst = d
	return nil
}
