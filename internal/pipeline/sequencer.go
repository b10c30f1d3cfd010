package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/quadran/internal/claims"
	"github.com/roach88/quadran/internal/gate"
)

// Decision is a stage's verdict on a request.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// StageFunc is a downstream safety stage.
type StageFunc func(ctx context.Context, req *gate.Request, c *claims.Claims) (Decision, error)

// Passthrough allows every request. It is the handler for stages that have
// none registered.
func Passthrough(context.Context, *gate.Request, *claims.Claims) (Decision, error) {
	return Decision{Allow: true}, nil
}

// Runtime is the collaborator invoked once every stage has allowed a request.
type Runtime interface {
	Invoke(ctx context.Context, req *gate.Request, c *claims.Claims) (any, error)
}

// RuntimeFunc adapts a function to Runtime.
type RuntimeFunc func(ctx context.Context, req *gate.Request, c *claims.Claims) (any, error)

// Invoke implements Runtime.
func (f RuntimeFunc) Invoke(ctx context.Context, req *gate.Request, c *claims.Claims) (any, error) {
	return f(ctx, req, c)
}

// Authenticator is the quadran-lock stage: the gate orchestrator.
type Authenticator interface {
	Authenticate(ctx context.Context, req *gate.Request) (gate.Result, *claims.Claims, error)
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	Result      gate.Result    `json:"result"`
	Claims      *claims.Claims `json:"claims,omitempty"`
	Trace       []Stage        `json:"trace"`
	BlockedBy   Stage          `json:"blockedBy,omitempty"`
	BlockReason string         `json:"blockReason,omitempty"`
	Output      any            `json:"output,omitempty"`
}

// Allowed reports whether the request reached the runtime.
func (o Outcome) Allowed() bool {
	return o.BlockedBy == "" && len(o.Trace) > 0 && o.Trace[len(o.Trace)-1] == StageRuntime
}

// Sequencer runs the gates, then each safety stage, then the runtime.
type Sequencer struct {
	auth    Authenticator
	runtime Runtime
	stages  map[Stage]StageFunc
	order   []Stage
	logger  *slog.Logger
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithStage registers the handler for a downstream stage.
func WithStage(stage Stage, fn StageFunc) Option {
	return func(s *Sequencer) {
		s.stages[stage] = fn
	}
}

// WithOrder overrides the order in which the sequencer drives stages. Any
// order other than the canonical one fails with an OrderingError before the
// runtime is reached.
func WithOrder(order ...Stage) Option {
	return func(s *Sequencer) {
		s.order = append([]Stage(nil), order...)
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Sequencer) {
		s.logger = l
	}
}

// NewSequencer creates a sequencer.
func NewSequencer(auth Authenticator, rt Runtime, opts ...Option) *Sequencer {
	s := &Sequencer{
		auth:    auth,
		runtime: rt,
		stages:  map[Stage]StageFunc{},
		order:   CanonicalOrder(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Run drives one request through the pipeline.
//
// A gate denial or a stage block is not an error: Outcome.BlockedBy names the
// stage that stopped the request. The returned error is an OrderingError when
// the stage sequence is violated, or a stage/runtime failure. In every error
// case the runtime has not been invoked, except for the runtime's own error.
func (s *Sequencer) Run(ctx context.Context, req *gate.Request) (Outcome, error) {
	rec := NewRecorder()
	var out Outcome
	finish := func(err error) (Outcome, error) {
		out.Trace = rec.Trace()
		return out, err
	}

	for _, stage := range s.order {
		if err := rec.Enter(stage); err != nil {
			s.logger.Error("pipeline ordering violation", "stage", stage, "error", err)
			return finish(err)
		}

		switch stage {
		case StageQuadranLock:
			res, c, err := s.auth.Authenticate(ctx, req)
			out.Result, out.Claims = res, c
			if gate.IsDenied(err) {
				out.BlockedBy = stage
				out.BlockReason = string(res.Reason)
				return finish(nil)
			}
			if err != nil {
				return finish(fmt.Errorf("%s: %w", stage, err))
			}

		case StageRuntime:
			if err := rec.Validate(); err != nil {
				return finish(err)
			}
			output, err := s.runtime.Invoke(ctx, req, out.Claims)
			if err != nil {
				return finish(fmt.Errorf("%s: %w", stage, err))
			}
			out.Output = output

		default:
			fn := s.stages[stage]
			if fn == nil {
				fn = Passthrough
			}
			d, err := fn(ctx, req, out.Claims)
			if err != nil {
				return finish(fmt.Errorf("%s: %w", stage, err))
			}
			if !d.Allow {
				s.logger.Info("request blocked", "stage", stage, "reason", d.Reason)
				out.BlockedBy = stage
				out.BlockReason = d.Reason
				return finish(nil)
			}
		}
	}

	// A custom order that stops short never reaches the runtime.
	if err := rec.Validate(); err != nil {
		return finish(err)
	}
	return finish(nil)
}
