package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/quadran/internal/identity"
)

type baselineList []identity.Baseline

// Text implements texter.
func (l baselineList) Text() string {
	var b strings.Builder
	for _, bl := range l {
		names := make([]string, 0, len(bl.Features))
		for name := range bl.Features {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintf(&b, "%s: %s\n", bl.UserID, strings.Join(names, ", "))
	}
	return b.String()
}

// NewBaselineCommand creates the baseline command group.
func NewBaselineCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Manage behavioral baselines (gate Q2)",
	}

	set := &cobra.Command{
		Use:   "set <file>",
		Short: "Store baselines from a YAML file",
		Long: `Store every baseline in a YAML file, replacing existing ones.

File format:
  baselines:
    - user: U1
      features:
        keystroke_interval_ms: {mean: 180, spread: 25, weight: 2}
        session_hour: {mean: 14, spread: 3}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBaselineSet(rootOpts, args[0], cmd)
		},
	}

	get := &cobra.Command{
		Use:   "get <user-id>",
		Short: "Show a user's baseline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBaselineGet(rootOpts, args[0], cmd)
		},
	}

	cmd.AddCommand(set, get)
	return cmd
}

func runBaselineSet(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts)

	f, err := os.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open baseline file", err)
	}
	defer f.Close()

	baselines, err := identity.LoadBaselines(f)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid baseline file", err)
	}

	st, err := opts.openStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	stored := make(baselineList, 0, len(baselines))
	for _, b := range baselines {
		saved, err := st.Baselines.Set(cmd.Context(), b)
		if err != nil {
			return out.Fail(fmt.Sprintf("store baseline for %s", b.UserID), err)
		}
		out.VerboseLog("stored baseline for %s (%d features)", saved.UserID, len(saved.Features))
		stored = append(stored, saved)
	}
	return out.Success(stored)
}

func runBaselineGet(opts *RootOptions, userID string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts)

	st, err := opts.openStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	b, err := st.Baselines.Get(cmd.Context(), userID)
	if err != nil {
		return out.Fail("baseline lookup failed", err)
	}
	return out.Success(baselineList{b})
}
