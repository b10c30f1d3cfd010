// Package identity holds behavioral baselines and the deterministic scorer
// used by Gate Q2.
//
// A baseline describes, per feature, the user's typical value (Mean), how far
// observations usually stray from it (Spread) and how much the feature counts
// (Weight, default 1; an explicit 0 disables the feature). Scoring compares an observation against the baseline:
//
//	similarity(f) = max(0, 1 - |x - mean| / (3 * spread))
//	score         = sum(weight * similarity) / sum(weight)
//
// A feature missing from the observation contributes similarity 0. Scores
// are in [0, 1] and depend only on their inputs.
package identity

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// Feature is the baseline for one behavioral signal.
type Feature struct {
	Mean   float64 `json:"mean" yaml:"mean"`
	Spread float64 `json:"spread" yaml:"spread"`
	Weight *float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// Weighted returns f with an explicit weight.
func (f Feature) Weighted(w float64) Feature {
	f.Weight = &w
	return f
}

func (f Feature) weight() float64 {
	if f.Weight == nil {
		return 1
	}
	return *f.Weight
}

// Baseline is a user's stored behavioral profile.
type Baseline struct {
	UserID    string             `json:"userId" yaml:"user"`
	Features  map[string]Feature `json:"features" yaml:"features"`
	UpdatedAt time.Time          `json:"updatedAt" yaml:"-"`
}

// Validate checks that every feature has finite, non-negative parameters and
// that at least one feature carries weight.
func (b Baseline) Validate() error {
	if b.UserID == "" {
		return fmt.Errorf("baseline: user id is required")
	}
	if len(b.Features) == 0 {
		return fmt.Errorf("baseline %s: at least one feature is required", b.UserID)
	}
	var total float64
	for _, name := range b.names() {
		f := b.Features[name]
		for label, v := range map[string]float64{"mean": f.Mean, "spread": f.Spread, "weight": f.weight()} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("baseline %s: feature %q: %s must be finite", b.UserID, name, label)
			}
		}
		if f.Spread < 0 {
			return fmt.Errorf("baseline %s: feature %q: spread must be >= 0", b.UserID, name)
		}
		if f.weight() < 0 {
			return fmt.Errorf("baseline %s: feature %q: weight must be >= 0", b.UserID, name)
		}
		total += f.weight()
	}
	if total == 0 {
		return fmt.Errorf("baseline %s: every feature has weight 0", b.UserID)
	}
	return nil
}

// names returns feature names in sorted order so scoring sums in a fixed
// order.
func (b Baseline) names() []string {
	names := make([]string, 0, len(b.Features))
	for name := range b.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Similarity returns how close x is to the feature baseline, in [0, 1].
func Similarity(f Feature, x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	diff := math.Abs(x - f.Mean)
	if f.Spread <= 0 {
		if diff == 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, 1-diff/(3*f.Spread))
}

// Score compares observed features against the baseline.
func Score(b Baseline, observed map[string]float64) float64 {
	var sum, total float64
	for _, name := range b.names() {
		f := b.Features[name]
		w := f.weight()
		total += w
		if x, ok := observed[name]; ok {
			sum += w * Similarity(f, x)
		}
	}
	if total == 0 {
		return 0
	}
	return sum / total
}

// FeaturesFromPayload extracts a name→number map from a decoded JSON value.
// Non-numeric entries are skipped. Returns false if v is not an object.
func FeaturesFromPayload(v any) (map[string]float64, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]float64, len(m))
	for name, raw := range m {
		switch n := raw.(type) {
		case float64:
			out[name] = n
		case float32:
			out[name] = float64(n)
		case int:
			out[name] = float64(n)
		case int64:
			out[name] = float64(n)
		case json.Number:
			if f, err := n.Float64(); err == nil {
				out[name] = f
			}
		case string:
			if f, err := strconv.ParseFloat(n, 64); err == nil {
				out[name] = f
			}
		}
	}
	return out, true
}
