package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/roach88/quadran/internal/app"
	"github.com/roach88/quadran/internal/claims"
	"github.com/roach88/quadran/internal/config"
	"github.com/roach88/quadran/internal/gate"
	"github.com/roach88/quadran/internal/identity"
	"github.com/roach88/quadran/internal/nonce"
	"github.com/roach88/quadran/internal/pipeline"
	"github.com/roach88/quadran/internal/session"
	"github.com/roach88/quadran/internal/testutil"
	"github.com/roach88/quadran/internal/verdict"
)

// Outcome names recorded on completions that are not verdict reasons.
const (
	CaseSuccess = "Success"
	CaseAllowed = "Allowed"
	CaseDenied  = "Denied"
	CaseBlocked = "Blocked"
	CaseOk      = "Ok"
)

// DefaultNamespace is used by evaluate and nonce.issue when args omit one.
const DefaultNamespace = "seven-core/chat"

// Harness executes one scenario against a real gate stack.
type Harness struct {
	stack   *app.Stack
	clock   *testutil.Clock
	seq     int64
	secrets map[string]string

	issued    *nonce.Issued
	presented *nonce.Issued
	labels    map[string]string
	session   string
}

// Run executes a scenario and returns the result.
//
// Each run uses a fresh in-memory database, a wall clock frozen at
// testutil.Epoch and sequential session IDs, so traces are reproducible.
func Run(scenario *Scenario) (*Result, error) {
	cfg := config.Default()
	cfg.DB = ":memory:"

	var opts []pipeline.Option
	if c := scenario.Config; c != nil {
		if c.MinGates > 0 {
			cfg.MinGatesRequired = c.MinGates
		}
		cfg.StrictMode = c.StrictMode
		for stage, reason := range c.Block {
			opts = append(opts, pipeline.WithStage(pipeline.Stage(stage), refuse(reason)))
		}
		if len(c.Order) > 0 {
			order := make([]pipeline.Stage, len(c.Order))
			for i, s := range c.Order {
				order[i] = pipeline.Stage(s)
			}
			opts = append(opts, pipeline.WithOrder(order...))
		}
	}

	clock := testutil.NewClock(testutil.Epoch)
	stack, err := app.Open(cfg,
		app.WithClock(clock.Now),
		app.WithSessionIDs(testutil.NewSequenceIDs("sess")),
		app.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		app.WithPipelineOptions(opts...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open stack: %w", err)
	}
	defer stack.Close()

	h := &Harness{
		stack:   stack,
		clock:   clock,
		secrets: map[string]string{},
		labels:  map[string]string{},
	}
	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Setup {
		outcome, err := h.step(ctx, step.Action, step.Args, result)
		if err != nil {
			return nil, fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}
		if outcome != CaseSuccess {
			return nil, fmt.Errorf("setup step %d (%s): got %s", i, step.Action, outcome)
		}
	}

	for i, step := range scenario.Flow {
		outcome, err := h.step(ctx, step.Invoke, step.Args, result)
		if err != nil {
			return nil, fmt.Errorf("flow step %d (%s): %w", i, step.Invoke, err)
		}
		if step.Expect == nil {
			continue
		}
		if outcome != step.Expect.Case {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected case %q, got %q", i, step.Invoke, step.Expect.Case, outcome))
			continue
		}
		got := result.Trace[len(result.Trace)-1].Result
		if !matchArgs(got, normalize(step.Expect.Result)) {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected result %v, got %v", i, step.Invoke, step.Expect.Result, got))
		}
	}

	actx := &AssertionContext{Store: stack.Store, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func refuse(reason string) pipeline.StageFunc {
	return func(context.Context, *gate.Request, *claims.Claims) (pipeline.Decision, error) {
		return pipeline.Decision{Allow: false, Reason: reason}, nil
	}
}

// step runs one action and records its invocation and completion. Domain
// failures become the completion case; only harness faults return an error.
func (h *Harness) step(ctx context.Context, action string, args map[string]any, result *Result) (string, error) {
	h.seq++
	result.AddInvocationTrace(action, normalize(args), h.seq)

	outcome, res, err := h.dispatch(ctx, action, args)
	if err != nil {
		return "", err
	}

	h.seq++
	result.AddCompletionTrace(action, outcome, normalize(res), h.seq)
	return outcome, nil
}

func (h *Harness) dispatch(ctx context.Context, action string, args map[string]any) (string, map[string]any, error) {
	switch action {
	case ActionDeviceRegister:
		_, err := h.stack.Devices.Register(ctx, str(args, "deviceId"), str(args, "publicKey"), nil, nil)
		return caseOf(err), nil, nil

	case ActionDeviceRevoke:
		err := h.stack.Devices.Revoke(ctx, str(args, "deviceId"))
		return caseOf(err), nil, nil

	case ActionBaselineSet:
		b, err := baselineFrom(args)
		if err != nil {
			return "", nil, err
		}
		_, err = h.stack.Baselines.Set(ctx, b)
		return caseOf(err), nil, nil

	case ActionSecretEnroll:
		user, secret := str(args, "userId"), str(args, "secret")
		if err := h.stack.Sessions.EnrollSecret(ctx, user, secret); err != nil {
			return caseOf(err), nil, nil
		}
		h.secrets[user] = strings.ToUpper(secret)
		return CaseSuccess, nil, nil

	case ActionSessionStart:
		var ttl time.Duration
		if raw := str(args, "ttl"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return "", nil, fmt.Errorf("session.start: ttl: %w", err)
			}
			ttl = d
		}
		id, err := h.stack.Sessions.Start(ctx, str(args, "userId"), str(args, "deviceId"), ttl)
		if err != nil {
			return caseOf(err), nil, nil
		}
		h.session = id
		return CaseSuccess, map[string]any{"sessionId": id}, nil

	case ActionNonceIssue:
		issued, err := h.issue(ctx, strOr(args, "namespace", DefaultNamespace))
		if err != nil {
			return caseOf(err), nil, nil
		}
		return CaseSuccess, map[string]any{"nonce": h.labels[issued.Nonce], "namespace": issued.Namespace}, nil

	case ActionClockAdvance:
		d, err := time.ParseDuration(str(args, "by"))
		if err != nil {
			return "", nil, err
		}
		now := h.clock.Advance(d)
		return CaseSuccess, map[string]any{"now": now.UTC().Format(time.RFC3339)}, nil

	case ActionEvaluate:
		return h.evaluate(ctx, args)

	case ActionOrderCheck:
		err := pipeline.ValidateOrder(pipeline.ParseTrace(str(args, "trace")))
		if err != nil {
			return caseOf(err), nil, nil
		}
		return CaseOk, nil, nil
	}
	return "", nil, fmt.Errorf("unknown action %q", action)
}

func (h *Harness) issue(ctx context.Context, namespace string) (nonce.Issued, error) {
	issued, err := h.stack.Nonces.Issue(ctx, namespace)
	if err != nil {
		return nonce.Issued{}, err
	}
	h.labels[issued.Nonce] = fmt.Sprintf("nonce-%d", len(h.labels)+1)
	h.issued = &issued
	return issued, nil
}

// evaluate builds a request from args and runs the full pipeline.
//
// args.nonce selects the presented nonce: "fresh" (default) issues one now,
// "issued" uses the last nonce.issue result, "last" re-presents the previous
// request's nonce, and any other value is sent as an unknown token.
// args.totp is "current" (default), "none", or a literal code.
func (h *Harness) evaluate(ctx context.Context, args map[string]any) (string, map[string]any, error) {
	ns := strOr(args, "namespace", DefaultNamespace)
	var presented nonce.Issued
	switch choice := strOr(args, "nonce", "fresh"); choice {
	case "fresh":
		// A namespace the store refuses is still presented, on a nonce
		// issued in the default namespace.
		issued, err := h.issue(ctx, ns)
		if verdict.ReasonOf(err) == verdict.ReasonBadContext {
			issued, err = h.issue(ctx, DefaultNamespace)
		}
		if err != nil {
			return "", nil, fmt.Errorf("evaluate: issue nonce: %w", err)
		}
		presented = issued
	case "issued":
		if h.issued == nil {
			return "", nil, fmt.Errorf("evaluate: no nonce has been issued")
		}
		presented = *h.issued
	case "last":
		if h.presented == nil {
			return "", nil, fmt.Errorf("evaluate: no nonce has been presented")
		}
		presented = *h.presented
	default:
		presented = nonce.Issued{Nonce: choice, IssuedAt: h.clock.Now(), Namespace: ns}
	}
	if _, ok := args["namespace"]; ok {
		presented.Namespace = ns
	}
	h.presented = &presented

	user := str(args, "userId")
	code := ""
	switch choice := strOr(args, "totp", "current"); choice {
	case "current":
		if secret, ok := h.secrets[user]; ok {
			c, err := session.GenerateCode(secret, h.clock.Now(), h.stack.Config.TOTPOptions())
			if err != nil {
				return "", nil, err
			}
			code = c
		}
	case "none":
	default:
		code = choice
	}

	req := &gate.Request{
		DeviceID:  str(args, "deviceId"),
		UserID:    user,
		SessionID: strOr(args, "sessionId", h.session),
		Platform:  str(args, "platform"),
		Auth: gate.Auth{
			PublicKey: str(args, "publicKey"),
			Nonce:     presented.Nonce,
			IssuedAt:  presented.IssuedAt,
			Namespace: presented.Namespace,
			TOTP:      code,
		},
	}
	if behavior, ok := args["behavior"]; ok {
		req.Payload = map[string]any{"behavior": normalize(map[string]any{"b": behavior})["b"]}
	}

	out, err := h.stack.Pipeline.Run(ctx, req)
	res := summarize(out)
	switch {
	case err != nil:
		return caseOf(err), res, nil
	case out.BlockedBy == pipeline.StageQuadranLock:
		return CaseDenied, res, nil
	case out.BlockedBy != "":
		return CaseBlocked, res, nil
	default:
		return CaseAllowed, res, nil
	}
}

// summarize keeps the deterministic parts of an outcome.
func summarize(out pipeline.Outcome) map[string]any {
	r := out.Result
	res := map[string]any{
		"score": r.Score,
		"gates": map[string]any{"q1": r.Gates.Q1, "q2": r.Gates.Q2, "q3": r.Gates.Q3, "q4": r.Gates.Q4},
	}
	stages := make([]string, len(out.Trace))
	for i, s := range out.Trace {
		stages[i] = string(s)
	}
	res["stages"] = stages
	if r.Reason != "" {
		res["reason"] = string(r.Reason)
	}
	if failed := r.Failed(); len(failed) > 0 {
		list := make([]string, len(failed))
		for i, id := range failed {
			list[i] = fmt.Sprintf("%s=%s", id, r.Verdicts[id].Reason)
		}
		res["failed"] = list
	}
	if out.BlockedBy != "" && out.BlockedBy != pipeline.StageQuadranLock {
		res["blockedBy"] = string(out.BlockedBy)
		res["blockReason"] = out.BlockReason
	}
	return res
}

func caseOf(err error) string {
	if err == nil {
		return CaseSuccess
	}
	return string(verdict.ReasonOf(err))
}

func baselineFrom(args map[string]any) (identity.Baseline, error) {
	raw, err := json.Marshal(map[string]any{"userId": args["userId"], "features": normalize(map[string]any{"f": args["features"]})["f"]})
	if err != nil {
		return identity.Baseline{}, fmt.Errorf("baseline.set: %w", err)
	}
	var b identity.Baseline
	if err := json.Unmarshal(raw, &b); err != nil {
		return identity.Baseline{}, fmt.Errorf("baseline.set: %w", err)
	}
	return b, nil
}

func str(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func strOr(args map[string]any, key, fallback string) string {
	if s := str(args, key); s != "" {
		return s
	}
	return fallback
}

// normalize converts YAML-decoded values to their JSON shapes (float64
// numbers, map[string]any objects) so expected and actual values compare
// equal. Nil or empty maps normalize to nil.
func normalize(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

// sortedKeys returns the keys of m in order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
