package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/quadran/internal/pipeline"
)

// Scenario is a conformance scenario: setup actions, a flow of checked
// actions, and assertions over the resulting trace and stored state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides the gate and pipeline configuration.
	Config *ScenarioConfig `yaml:"config,omitempty"`

	// Setup contains actions run before the flow. Every setup action must
	// succeed.
	Setup []ActionStep `yaml:"setup,omitempty"`

	// Flow contains the actions under test with their expected outcomes.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// ScenarioConfig overrides defaults for one scenario.
type ScenarioConfig struct {
	MinGates   int  `yaml:"min_gates,omitempty"`
	StrictMode bool `yaml:"strict_mode,omitempty"`

	// Block makes a downstream stage refuse every request with the given
	// reason.
	Block map[string]string `yaml:"block,omitempty"`

	// Order replaces the order in which the pipeline drives stages.
	Order []string `yaml:"order,omitempty"`
}

// ActionStep is a setup action.
type ActionStep struct {
	Action string         `yaml:"action"`
	Args   map[string]any `yaml:"args"`
}

// FlowStep is an action under test.
type FlowStep struct {
	Invoke string         `yaml:"invoke"`
	Args   map[string]any `yaml:"args"`

	// Expect is checked against the completion. Nil means no check.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause is the expected completion of a flow step.
type ExpectClause struct {
	// Case is the expected outcome: "Success", "Allowed", "Denied",
	// "Blocked", "Ok", or a verdict reason such as "Replay".
	Case string `yaml:"case"`

	// Result is matched as a subset of the completion result.
	Result map[string]any `yaml:"result,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count, final_state.
	Type string `yaml:"type"`

	// Action is used by trace_contains and trace_count.
	Action string `yaml:"action,omitempty"`

	// Args are matched as a subset by trace_contains.
	Args map[string]any `yaml:"args,omitempty"`

	// Case restricts trace_contains and trace_count to completions with
	// this outcome.
	Case string `yaml:"case,omitempty"`

	// Table, Where and Expect are used by final_state.
	Table  string         `yaml:"table,omitempty"`
	Where  map[string]any `yaml:"where,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is used by trace_count.
	Count int `yaml:"count,omitempty"`

	// Actions is used by trace_order.
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
)

// Actions a scenario can invoke.
const (
	ActionDeviceRegister = "device.register"
	ActionDeviceRevoke   = "device.revoke"
	ActionBaselineSet    = "baseline.set"
	ActionSecretEnroll   = "secret.enroll"
	ActionSessionStart   = "session.start"
	ActionNonceIssue     = "nonce.issue"
	ActionClockAdvance   = "clock.advance"
	ActionEvaluate       = "evaluate"
	ActionOrderCheck     = "order.check"
)

var knownActions = map[string]bool{
	ActionDeviceRegister: true,
	ActionDeviceRevoke:   true,
	ActionBaselineSet:    true,
	ActionSecretEnroll:   true,
	ActionSessionStart:   true,
	ActionNonceIssue:     true,
	ActionClockAdvance:   true,
	ActionEvaluate:       true,
	ActionOrderCheck:     true,
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if c := s.Config; c != nil {
		if c.MinGates < 0 || c.MinGates > 4 {
			return fmt.Errorf("config.min_gates must be in [1, 4], got %d", c.MinGates)
		}
		for stage := range c.Block {
			if !pipeline.Known(pipeline.Stage(stage)) {
				return fmt.Errorf("config.block: unknown stage %q", stage)
			}
		}
	}

	for i, step := range s.Setup {
		if err := validateAction(fmt.Sprintf("setup[%d]", i), step.Action, step.Args); err != nil {
			return err
		}
	}
	for i, step := range s.Flow {
		if err := validateAction(fmt.Sprintf("flow[%d]", i), step.Invoke, step.Args); err != nil {
			return err
		}
		if step.Expect != nil && step.Expect.Case == "" {
			return fmt.Errorf("flow[%d].expect: case is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateAction(where, action string, args map[string]any) error {
	if action == "" {
		return fmt.Errorf("%s: action is required", where)
	}
	if !knownActions[action] {
		return fmt.Errorf("%s: unknown action %q", where, action)
	}
	if args == nil {
		return fmt.Errorf("%s: args is required (use empty map if no args)", where)
	}
	if action == ActionClockAdvance {
		if _, err := time.ParseDuration(fmt.Sprint(args["by"])); err != nil {
			return fmt.Errorf("%s: clock.advance needs a duration in args.by: %w", where, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for final_state", index)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
