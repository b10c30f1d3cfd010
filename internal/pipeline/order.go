// Package pipeline enforces the fixed order of post-authentication safety
// stages in front of the runtime.
//
// Every request must pass through, exactly once and in this order:
//
//	quadran-lock → quadra-cssr → safety-guardrails → override-conditions →
//	restraint-doctrine → runtime
//
// Violations are OrderingErrors and abort the run before the runtime is
// invoked.
package pipeline

import (
	"context"
	"strings"
	"sync"

	"github.com/roach88/quadran/internal/verdict"
)

// Stage names one pipeline step.
type Stage string

const (
	StageQuadranLock        Stage = "quadran-lock"
	StageQuadraCSSR         Stage = "quadra-cssr"
	StageSafetyGuardrails   Stage = "safety-guardrails"
	StageOverrideConditions Stage = "override-conditions"
	StageRestraintDoctrine  Stage = "restraint-doctrine"
	StageRuntime            Stage = "runtime"
)

// CanonicalOrder returns the required stage sequence. The slice is a copy.
func CanonicalOrder() []Stage {
	return []Stage{
		StageQuadranLock,
		StageQuadraCSSR,
		StageSafetyGuardrails,
		StageOverrideConditions,
		StageRestraintDoctrine,
		StageRuntime,
	}
}

var canonicalIndex = func() map[Stage]int {
	m := map[Stage]int{}
	for i, s := range CanonicalOrder() {
		m[s] = i
	}
	return m
}()

// Known reports whether s is a canonical stage.
func Known(s Stage) bool {
	_, ok := canonicalIndex[s]
	return ok
}

// ValidateOrder checks a complete trace against the canonical order.
//
// Reasons, in precedence order:
//   - ExtraStage: a stage repeats, is not canonical, or the trace is too long
//   - MissingStage: the trace is shorter than the canonical order
//   - WrongOrder: same stages, different positions
func ValidateOrder(trace []Stage) error {
	canonical := CanonicalOrder()

	seen := make(map[Stage]bool, len(trace))
	for i, s := range trace {
		if !Known(s) {
			return verdict.New(verdict.ReasonExtraStage, "unknown stage %q at position %d", s, i)
		}
		if seen[s] {
			return verdict.New(verdict.ReasonExtraStage, "stage %q repeated at position %d", s, i)
		}
		seen[s] = true
	}
	if len(trace) > len(canonical) {
		return verdict.New(verdict.ReasonExtraStage, "trace has %d stages, want %d", len(trace), len(canonical))
	}
	if len(trace) < len(canonical) {
		var missing []string
		for _, s := range canonical {
			if !seen[s] {
				missing = append(missing, string(s))
			}
		}
		return verdict.New(verdict.ReasonMissingStage, "missing %s", strings.Join(missing, ", "))
	}
	for i, s := range trace {
		if s != canonical[i] {
			return verdict.New(verdict.ReasonWrongOrder, "position %d is %q, want %q", i, s, canonical[i])
		}
	}
	return nil
}

// ParseTrace splits a comma or arrow separated list of stage names.
func ParseTrace(s string) []Stage {
	s = strings.ReplaceAll(s, "→", ",")
	s = strings.ReplaceAll(s, "->", ",")
	var trace []Stage
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			trace = append(trace, Stage(part))
		}
	}
	return trace
}

// Recorder records stages as they run and rejects the first out-of-order
// entry.
//
// Thread-safety: safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	trace []Stage
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Enter records that stage is starting. It returns an OrderingError if stage
// is not the next canonical stage. The stage is recorded either way.
func (r *Recorder) Enter(stage Stage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pos := len(r.trace)
	r.trace = append(r.trace, stage)

	canonical := CanonicalOrder()
	switch {
	case !Known(stage):
		return verdict.New(verdict.ReasonExtraStage, "unknown stage %q", stage)
	case pos >= len(canonical):
		return verdict.New(verdict.ReasonExtraStage, "stage %q after %s", stage, StageRuntime)
	case canonicalIndex[stage] < pos:
		return verdict.New(verdict.ReasonExtraStage, "stage %q already ran", stage)
	case stage != canonical[pos]:
		return verdict.New(verdict.ReasonWrongOrder, "stage %q entered before %q", stage, canonical[pos])
	}
	return nil
}

// Trace returns a copy of the recorded stages.
func (r *Recorder) Trace() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stage, len(r.trace))
	copy(out, r.trace)
	return out
}

// Validate checks the full recorded trace with ValidateOrder.
func (r *Recorder) Validate() error {
	return ValidateOrder(r.Trace())
}

// Hook is called by a pipeline under test as each stage starts.
type Hook func(stage Stage) error

// CheckConformance drives run with a recording hook and validates the
// resulting trace. Errors returned by run take precedence.
func CheckConformance(ctx context.Context, run func(ctx context.Context, hook Hook) error) ([]Stage, error) {
	rec := NewRecorder()
	if err := run(ctx, rec.Enter); err != nil {
		return rec.Trace(), err
	}
	return rec.Trace(), rec.Validate()
}
