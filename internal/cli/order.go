package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/quadran/internal/pipeline"
	"github.com/roach88/quadran/internal/verdict"
)

type orderView struct {
	Trace []pipeline.Stage `json:"trace"`
	Valid bool             `json:"valid"`
}

// Text implements texter.
func (v orderView) Text() string {
	return fmt.Sprintf("✓ %s\n", joinStages(v.Trace))
}

func joinStages(trace []pipeline.Stage) string {
	parts := make([]string, len(trace))
	for i, s := range trace {
		parts[i] = string(s)
	}
	return strings.Join(parts, " → ")
}

// NewOrderCommand creates the order command group.
func NewOrderCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Inspect the safety pipeline order",
	}

	check := &cobra.Command{
		Use:   "check <trace>",
		Short: "Validate a recorded stage trace",
		Long: `Validate a stage trace against the required pipeline order:

  ` + joinStages(pipeline.CanonicalOrder()) + `

Stages may be separated by commas, "->" or "→".

Exit codes:
  0 - trace is in order
  1 - WrongOrder, MissingStage or ExtraStage
  2 - command error

Example:
  quadran order check "quadran-lock,quadra-cssr,safety-guardrails,override-conditions,restraint-doctrine,runtime"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrderCheck(rootOpts, args[0], cmd)
		},
	}

	cmd.AddCommand(check)
	return cmd
}

func runOrderCheck(opts *RootOptions, raw string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts)
	trace := pipeline.ParseTrace(raw)

	if err := pipeline.ValidateOrder(trace); err != nil {
		ve := verdict.Classify(err)
		if outErr := out.Error(string(ve.Reason), ve.Message, orderView{Trace: trace}); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "order check failed", err)
	}
	return out.Success(orderView{Trace: trace, Valid: true})
}
