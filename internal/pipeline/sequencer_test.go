package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quadran/internal/claims"
	"github.com/roach88/quadran/internal/gate"
	"github.com/roach88/quadran/internal/testutil"
	"github.com/roach88/quadran/internal/verdict"
)

// fakeAuth passes or denies every request.
type fakeAuth struct {
	deny bool
	err  error
}

func (a fakeAuth) Authenticate(_ context.Context, req *gate.Request) (gate.Result, *claims.Claims, error) {
	if a.err != nil {
		return gate.Result{}, nil, a.err
	}
	if a.deny {
		res := gate.Result{Score: 3, Reason: gate.ReasonBelowThreshold}
		return res, nil, &gate.DeniedError{Result: res}
	}
	return gate.Result{Score: 4, Passed: true}, claims.New(req.DeviceID, req.UserID, "linux", testutil.Epoch), nil
}

// countingRuntime records invocations.
type countingRuntime struct {
	calls int
	last  *claims.Claims
	err   error
}

func (r *countingRuntime) Invoke(_ context.Context, _ *gate.Request, c *claims.Claims) (any, error) {
	r.calls++
	r.last = c
	if r.err != nil {
		return nil, r.err
	}
	return "ok", nil
}

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
}

func TestSequencer_AllowsCanonicalRun(t *testing.T) {
	rt := &countingRuntime{}
	var seen []Stage
	record := func(s Stage) StageFunc {
		return func(context.Context, *gate.Request, *claims.Claims) (Decision, error) {
			seen = append(seen, s)
			return Decision{Allow: true}, nil
		}
	}
	seq := NewSequencer(fakeAuth{}, rt, quiet(),
		WithStage(StageQuadraCSSR, record(StageQuadraCSSR)),
		WithStage(StageRestraintDoctrine, record(StageRestraintDoctrine)),
	)

	out, err := seq.Run(context.Background(), &gate.Request{DeviceID: "D1", UserID: "U1"})
	require.NoError(t, err)

	assert.True(t, out.Allowed())
	assert.Equal(t, "ok", out.Output)
	assert.Equal(t, CanonicalOrder(), out.Trace)
	assert.Equal(t, []Stage{StageQuadraCSSR, StageRestraintDoctrine}, seen)
	assert.Equal(t, 1, rt.calls)
	require.NotNil(t, rt.last)
	assert.Equal(t, "D1", rt.last.DeviceID)
	assert.True(t, rt.last.Authenticated)
}

func TestSequencer_GateDenialStopsAtLock(t *testing.T) {
	rt := &countingRuntime{}
	seq := NewSequencer(fakeAuth{deny: true}, rt, quiet())

	out, err := seq.Run(context.Background(), &gate.Request{})
	require.NoError(t, err)

	assert.False(t, out.Allowed())
	assert.Equal(t, StageQuadranLock, out.BlockedBy)
	assert.Equal(t, string(gate.ReasonBelowThreshold), out.BlockReason)
	assert.Equal(t, []Stage{StageQuadranLock}, out.Trace)
	assert.Nil(t, out.Claims)
	assert.Zero(t, rt.calls)
}

func TestSequencer_StageBlocks(t *testing.T) {
	rt := &countingRuntime{}
	deny := func(context.Context, *gate.Request, *claims.Claims) (Decision, error) {
		return Decision{Allow: false, Reason: "prompt injection"}, nil
	}
	seq := NewSequencer(fakeAuth{}, rt, quiet(), WithStage(StageSafetyGuardrails, deny))

	out, err := seq.Run(context.Background(), &gate.Request{})
	require.NoError(t, err)

	assert.Equal(t, StageSafetyGuardrails, out.BlockedBy)
	assert.Equal(t, "prompt injection", out.BlockReason)
	assert.Equal(t, []Stage{StageQuadranLock, StageQuadraCSSR, StageSafetyGuardrails}, out.Trace)
	assert.Zero(t, rt.calls)
}

func TestSequencer_OrderingViolationAbortsBeforeRuntime(t *testing.T) {
	tests := []struct {
		name  string
		order []Stage
		want  verdict.Reason
	}{
		{"swapped", []Stage{StageQuadranLock, StageSafetyGuardrails, StageQuadraCSSR, StageOverrideConditions, StageRestraintDoctrine, StageRuntime}, verdict.ReasonWrongOrder},
		{"duplicate", []Stage{StageQuadranLock, StageQuadraCSSR, StageQuadraCSSR, StageSafetyGuardrails, StageOverrideConditions, StageRestraintDoctrine, StageRuntime}, verdict.ReasonExtraStage},
		{"runtime early", []Stage{StageQuadranLock, StageRuntime}, verdict.ReasonWrongOrder},
		{"stops short", []Stage{StageQuadranLock, StageQuadraCSSR}, verdict.ReasonMissingStage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &countingRuntime{}
			seq := NewSequencer(fakeAuth{}, rt, quiet(), WithOrder(tt.order...))

			_, err := seq.Run(context.Background(), &gate.Request{})
			assert.Equal(t, tt.want, verdict.ReasonOf(err), "got %v", err)
			assert.True(t, verdict.IsOrdering(err))
			assert.Zero(t, rt.calls)
		})
	}
}

func TestSequencer_Errors(t *testing.T) {
	boom := errors.New("store down")

	_, err := NewSequencer(fakeAuth{err: boom}, &countingRuntime{}, quiet()).Run(context.Background(), &gate.Request{})
	assert.ErrorIs(t, err, boom)

	failing := func(context.Context, *gate.Request, *claims.Claims) (Decision, error) {
		return Decision{}, boom
	}
	rt := &countingRuntime{}
	out, err := NewSequencer(fakeAuth{}, rt, quiet(), WithStage(StageOverrideConditions, failing)).Run(context.Background(), &gate.Request{})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), string(StageOverrideConditions))
	assert.Zero(t, rt.calls)
	assert.Len(t, out.Trace, 4)

	rt = &countingRuntime{err: boom}
	_, err = NewSequencer(fakeAuth{}, rt, quiet()).Run(context.Background(), &gate.Request{})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, rt.calls)
}

func TestSequencer_ConformsToCanonicalOrder(t *testing.T) {
	_, err := CheckConformance(context.Background(), func(ctx context.Context, hook Hook) error {
		traced := func(s Stage) StageFunc {
			return func(context.Context, *gate.Request, *claims.Claims) (Decision, error) {
				return Decision{Allow: true}, hook(s)
			}
		}
		rt := RuntimeFunc(func(context.Context, *gate.Request, *claims.Claims) (any, error) {
			return nil, hook(StageRuntime)
		})
		auth := hookedAuth{hook: hook}
		seq := NewSequencer(auth, rt, quiet(),
			WithStage(StageQuadraCSSR, traced(StageQuadraCSSR)),
			WithStage(StageSafetyGuardrails, traced(StageSafetyGuardrails)),
			WithStage(StageOverrideConditions, traced(StageOverrideConditions)),
			WithStage(StageRestraintDoctrine, traced(StageRestraintDoctrine)),
		)
		_, err := seq.Run(ctx, &gate.Request{})
		return err
	})
	assert.NoError(t, err)
}

type hookedAuth struct {
	hook Hook
}

func (a hookedAuth) Authenticate(ctx context.Context, req *gate.Request) (gate.Result, *claims.Claims, error) {
	if err := a.hook(StageQuadranLock); err != nil {
		return gate.Result{}, nil, err
	}
	return fakeAuth{}.Authenticate(ctx, req)
}
