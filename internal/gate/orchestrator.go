package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/quadran/internal/claims"
	"github.com/roach88/quadran/internal/verdict"
)

// Aggregate decision reasons, set on Result.Reason when Passed is false.
const (
	ReasonBelowThreshold verdict.Reason = "BelowThreshold"
	ReasonStrictMode     verdict.Reason = "StrictModeViolation"
)

// Defaults for Config.
const (
	DefaultMinGatesRequired = 4
	DefaultTimeout          = 2000 * time.Millisecond
)

const tracerName = "github.com/roach88/quadran/internal/gate"

// Config controls the aggregate decision.
type Config struct {
	// MinGatesRequired is how many gates must pass, in [1, 4].
	MinGatesRequired int

	// StrictMode additionally requires all four gates to pass.
	StrictMode bool

	// Timeout bounds one evaluation.
	Timeout time.Duration
}

// Verdict is one gate's outcome.
type Verdict struct {
	Valid  bool           `json:"valid"`
	Reason verdict.Reason `json:"reason,omitempty"`
	Kind   verdict.Kind   `json:"kind,omitempty"`
	Remedy verdict.Remedy `json:"remedy,omitempty"`
	Detail string         `json:"detail,omitempty"`
	Score  *float64       `json:"score,omitempty"`
}

// Gates is the per-gate pass/fail summary.
type Gates struct {
	Q1 bool `json:"q1"`
	Q2 bool `json:"q2"`
	Q3 bool `json:"q3"`
	Q4 bool `json:"q4"`
}

func (g *Gates) set(id ID, ok bool) {
	switch id {
	case Q1:
		g.Q1 = ok
	case Q2:
		g.Q2 = ok
	case Q3:
		g.Q3 = ok
	case Q4:
		g.Q4 = ok
	}
}

// Metadata describes how a result was produced.
type Metadata struct {
	EvaluationTimeMs int64 `json:"evaluationTime"`
	StrictMode       bool  `json:"strictMode"`
	MinGatesRequired int   `json:"minGatesRequired"`
}

// Result is the outcome of one evaluation. It is never persisted.
type Result struct {
	Gates     Gates          `json:"gates"`
	Verdicts  map[ID]Verdict `json:"verdicts"`
	Score     int            `json:"score"`
	Passed    bool           `json:"passed"`
	Reason    verdict.Reason `json:"reason,omitempty"`
	Metadata  Metadata       `json:"metadata"`
	Timestamp time.Time      `json:"timestamp"`
}

// Failed returns the IDs of gates that did not pass, in report order.
func (r Result) Failed() []ID {
	var ids []ID
	for _, id := range All {
		if !r.Verdicts[id].Valid {
			ids = append(ids, id)
		}
	}
	return ids
}

// DeniedError is returned by Authenticate when a request does not pass.
type DeniedError struct {
	Result Result
}

func (e *DeniedError) Error() string {
	reasons := ""
	for _, id := range e.Result.Failed() {
		if reasons != "" {
			reasons += ", "
		}
		reasons += fmt.Sprintf("%s=%s", id, e.Result.Verdicts[id].Reason)
	}
	return fmt.Sprintf("access denied: %s (score %d/%d): %s",
		e.Result.Reason, e.Result.Score, len(All), reasons)
}

// IsDenied reports whether err is a gate denial.
func IsDenied(err error) bool {
	var d *DeniedError
	return errors.As(err, &d)
}

// Orchestrator evaluates the gates for each request.
//
// Thread-safety: safe for concurrent use; each Run is independent.
type Orchestrator struct {
	gates  map[ID]Gate
	cfg    Config
	now    func() time.Time
	tracer trace.Tracer
	logger *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source used for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithTracer sets the tracer for evaluation spans.
// Default: the global provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = t
	}
}

// WithLogger sets the decision logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// NewOrchestrator creates an orchestrator over gates. Zero config fields take
// their defaults. A gate ID registered twice keeps the last gate.
func NewOrchestrator(cfg Config, gates []Gate, opts ...Option) *Orchestrator {
	if cfg.MinGatesRequired <= 0 {
		cfg.MinGatesRequired = DefaultMinGatesRequired
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	o := &Orchestrator{
		gates: make(map[ID]Gate, len(gates)),
		cfg:   cfg,
		now:   time.Now,
	}
	for _, g := range gates {
		if g != nil {
			o.gates[g.ID()] = g
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

type gateOutcome struct {
	id ID
	v  Verdict
}

// Run evaluates every gate concurrently and aggregates the result.
//
// When the time budget runs out or ctx is cancelled, Run returns immediately
// with Passed=false and the gates still running are abandoned. Side effects
// they already applied (such as a consumed nonce) are kept.
func (o *Orchestrator) Run(ctx context.Context, req *Request) Result {
	start := o.now()
	if req == nil {
		req = &Request{}
	}

	ctx, span := o.tracer.Start(ctx, "quadran.evaluate",
		trace.WithAttributes(
			attribute.String("quadran.device_id", req.DeviceID),
			attribute.String("quadran.user_id", req.UserID),
		),
	)
	defer span.End()

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	// Buffered so abandoned gates never block on send.
	out := make(chan gateOutcome, len(All))
	pending := map[ID]bool{}
	for _, id := range All {
		g, ok := o.gates[id]
		if !ok {
			continue
		}
		pending[id] = true
		go o.runGate(ctx, g, req, out)
	}

	verdicts := make(map[ID]Verdict, len(All))
	for _, id := range All {
		if !pending[id] {
			verdicts[id] = failed(verdict.New(verdict.ReasonStore, "gate %s is not configured", id))
		}
	}

	aggregate := collect(ctx, parent, out, pending, verdicts)
	for id := range pending {
		verdicts[id] = failed(verdict.New(aggregate, "gate %s abandoned", id))
	}
	if aggregate == "" {
		for _, id := range All {
			if r := verdicts[id].Reason; r == verdict.ReasonTimeout || r == verdict.ReasonCancelled {
				aggregate = r
				break
			}
		}
	}

	res := Result{
		Verdicts:  verdicts,
		Timestamp: start.UTC(),
		Metadata: Metadata{
			StrictMode:       o.cfg.StrictMode,
			MinGatesRequired: o.cfg.MinGatesRequired,
		},
	}
	for _, id := range All {
		ok := verdicts[id].Valid
		res.Gates.set(id, ok)
		if ok {
			res.Score++
		}
	}

	switch {
	case aggregate != "":
		res.Reason = aggregate
	case res.Score < o.cfg.MinGatesRequired:
		res.Reason = ReasonBelowThreshold
	case o.cfg.StrictMode && res.Score < len(All):
		res.Reason = ReasonStrictMode
	default:
		res.Passed = true
	}
	res.Metadata.EvaluationTimeMs = o.now().Sub(start).Milliseconds()

	span.SetAttributes(
		attribute.Bool("quadran.passed", res.Passed),
		attribute.Int("quadran.score", res.Score),
	)
	if !res.Passed {
		span.SetStatus(codes.Error, string(res.Reason))
	}

	o.logger.Info("gate decision",
		"device", req.DeviceID,
		"user", req.UserID,
		"passed", res.Passed,
		"score", res.Score,
		"reason", res.Reason,
		"duration_ms", res.Metadata.EvaluationTimeMs,
	)
	return res
}

// interruption names why ctx ended: the caller cancelled, or the budget ran out.
// collect moves gate outcomes from out into verdicts until none are pending
// or ctx ends. Outcomes already buffered when ctx ends still count; the
// returned reason is non-empty only if some gate never reported.
func collect(ctx, parent context.Context, out <-chan gateOutcome, pending map[ID]bool, verdicts map[ID]Verdict) verdict.Reason {
	for len(pending) > 0 {
		select {
		case r := <-out:
			verdicts[r.id] = r.v
			delete(pending, r.id)
		case <-ctx.Done():
			for len(pending) > 0 {
				select {
				case r := <-out:
					verdicts[r.id] = r.v
					delete(pending, r.id)
				default:
					return interruption(parent)
				}
			}
			return ""
		}
	}
	return ""
}

func interruption(parent context.Context) verdict.Reason {
	if errors.Is(parent.Err(), context.Canceled) {
		return verdict.ReasonCancelled
	}
	return verdict.ReasonTimeout
}

func (o *Orchestrator) runGate(ctx context.Context, g Gate, req *Request, out chan<- gateOutcome) {
	out <- gateOutcome{id: g.ID(), v: o.evaluate(ctx, g, req)}
}

// evaluate runs one gate inside its own span. Errors and panics become an
// invalid verdict.
func (o *Orchestrator) evaluate(ctx context.Context, g Gate, req *Request) (v Verdict) {
	id := g.ID()
	ctx, span := o.tracer.Start(ctx, "quadran.gate."+string(id),
		trace.WithAttributes(attribute.String("quadran.gate", string(id))),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			v = failed(verdict.New(verdict.ReasonPanic, "gate %s panicked: %v", id, r))
			span.SetStatus(codes.Error, v.Detail)
			o.logger.Error("gate panicked", "gate", id, "panic", r)
		}
		span.SetAttributes(attribute.Bool("quadran.valid", v.Valid))
	}()

	v, err := g.Evaluate(ctx, req)
	if err != nil {
		ve := verdict.Classify(err)
		v.Valid = false
		v.Reason = ve.Reason
		v.Kind = ve.Kind
		v.Remedy = ve.Remedy()
		v.Detail = err.Error()
		span.SetAttributes(attribute.String("quadran.reason", string(ve.Reason)))
		span.SetStatus(codes.Error, string(ve.Reason))
		o.logger.Debug("gate failed", "gate", id, "reason", ve.Reason, "error", err)
		return v
	}
	v.Valid = true
	v.Reason, v.Kind, v.Remedy, v.Detail = "", "", "", ""
	return v
}

func failed(e *verdict.Error) Verdict {
	return Verdict{
		Valid:  false,
		Reason: e.Reason,
		Kind:   e.Kind,
		Remedy: e.Remedy(),
		Detail: e.Error(),
	}
}

// Authenticate runs the gates and, on pass, returns the claims for the
// downstream runtime. A denial returns a *DeniedError with the full result.
func (o *Orchestrator) Authenticate(ctx context.Context, req *Request) (Result, *claims.Claims, error) {
	res := o.Run(ctx, req)
	if !res.Passed {
		return res, nil, &DeniedError{Result: res}
	}

	deviceID, _ := req.DeviceCredentials()
	c := claims.New(deviceID, req.UserID, claims.ResolvePlatform(req.Platform, req.Payload), res.Timestamp)
	return res, c, nil
}
