package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/quadran/internal/claims"
	"github.com/roach88/quadran/internal/gate"
	"github.com/roach88/quadran/internal/pipeline"
)

type evaluateView struct {
	Passed    bool             `json:"passed"`
	Result    gate.Result      `json:"result"`
	Claims    *claims.Claims   `json:"claims,omitempty"`
	Token     string           `json:"token,omitempty"`
	Trace     []pipeline.Stage `json:"trace"`
	BlockedBy pipeline.Stage   `json:"blockedBy,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Output    any              `json:"output,omitempty"`
}

// Text implements texter.
func (v evaluateView) Text() string {
	var b strings.Builder
	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}
	for _, id := range gate.All {
		vd := v.Result.Verdicts[id]
		fmt.Fprintf(&b, "%s %s", mark(vd.Valid), id)
		if !vd.Valid {
			fmt.Fprintf(&b, " %s (%s)", vd.Reason, vd.Remedy)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "score: %d/%d\n", v.Result.Score, len(gate.All))
	fmt.Fprintf(&b, "trace: %s\n", joinStages(v.Trace))
	switch {
	case v.Passed:
		b.WriteString("✓ allowed\n")
	case v.BlockedBy != "":
		fmt.Fprintf(&b, "✗ blocked by %s: %s\n", v.BlockedBy, v.Reason)
	}
	if v.Token != "" {
		fmt.Fprintf(&b, "token: %s\n", v.Token)
	}
	return b.String()
}

// NewEvaluateCommand creates the evaluate command.
func NewEvaluateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate <request-file>",
		Short: "Run a request through the gates and the safety pipeline",
		Long: `Authenticate a request through gates Q1-Q4, then drive it through the
ordered safety pipeline. The request is read from a JSON or YAML file, or
from stdin when the argument is "-".

Exit codes:
  0 - request allowed
  1 - request denied by the gates or blocked by a stage
  2 - command error (bad request file, ordering violation, store failure)

Example:
  quadran evaluate request.json --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

// readRequest decodes a request. YAML is converted through a generic value
// so both formats share the JSON field names and time parsing.
func readRequest(path string, stdin io.Reader) (*gate.Request, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read request: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse request: %w", err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("parse request: %w", err)
		}
	}

	var req gate.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	return &req, nil
}

func runEvaluate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts)

	req, err := readRequest(path, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid request", err)
	}

	st, err := opts.openStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	outcome, err := st.Pipeline.Run(cmd.Context(), req)
	if err != nil {
		return out.Fail("evaluation aborted", err)
	}

	view := evaluateView{
		Passed:    outcome.Allowed(),
		Result:    outcome.Result,
		Trace:     outcome.Trace,
		BlockedBy: outcome.BlockedBy,
		Reason:    outcome.BlockReason,
		Output:    outcome.Output,
	}
	if view.Passed {
		view.Claims = outcome.Claims
		if st.Issuer != nil && outcome.Claims != nil {
			token, err := st.Issuer.Sign(outcome.Claims)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to sign claims", err)
			}
			view.Token = token
		}
		return out.Success(view)
	}

	out.VerboseLog("request stopped at %s: %s", view.BlockedBy, view.Reason)
	if opts.Format == "json" {
		if err := json.NewEncoder(out.Writer).Encode(CLIResponse{
			Status: "error",
			Data:   view,
			Error:  &CLIError{Code: view.Reason, Message: fmt.Sprintf("blocked by %s", view.BlockedBy)},
		}); err != nil {
			return err
		}
	} else if _, err := fmt.Fprint(out.Writer, view.Text()); err != nil {
		return err
	}
	return NewExitError(ExitFailure, fmt.Sprintf("request blocked by %s", view.BlockedBy))
}
