package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/quadran/internal/nonce"
)

// NonceOptions holds flags for the nonce commands.
type NonceOptions struct {
	*RootOptions
	Namespace string
	IssuedAt  string
}

type issuedView nonce.Issued

// Text implements texter.
func (v issuedView) Text() string {
	return fmt.Sprintf("%s\nnamespace: %s\nissued_at: %s\n", v.Nonce, v.Namespace, v.IssuedAt.Format(time.RFC3339Nano))
}

type verifyView struct {
	Nonce string `json:"nonce"`
	Valid bool   `json:"valid"`
}

// Text implements texter.
func (v verifyView) Text() string {
	return fmt.Sprintf("✓ nonce %s accepted\n", v.Nonce)
}

type pruneView struct {
	Pruned int64 `json:"pruned"`
}

// Text implements texter.
func (v pruneView) Text() string {
	return fmt.Sprintf("Pruned %d nonce(s)\n", v.Pruned)
}

// NewNonceCommand creates the nonce command group.
func NewNonceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NonceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "nonce",
		Short: "Issue, verify and prune context nonces (gate Q3)",
	}

	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a fresh nonce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNonceIssue(opts, cmd)
		},
	}
	issue.Flags().StringVar(&opts.Namespace, "namespace", "seven-core/chat", "nonce namespace")

	verify := &cobra.Command{
		Use:   "verify <nonce>",
		Short: "Verify and consume a nonce",
		Long: `Verify a presented nonce against the store and consume it.

--issued-at accepts RFC 3339 or Unix milliseconds.

Exit codes:
  0 - nonce accepted
  1 - nonce rejected (replay, expired, unknown, wrong namespace)
  2 - command error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNonceVerify(opts, args[0], cmd)
		},
	}
	verify.Flags().StringVar(&opts.Namespace, "namespace", "seven-core/chat", "nonce namespace")
	verify.Flags().StringVar(&opts.IssuedAt, "issued-at", "", "issue time presented with the nonce (required)")
	_ = verify.MarkFlagRequired("issued-at")

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete nonces older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNoncePrune(opts, cmd)
		},
	}

	cmd.AddCommand(issue, verify, prune)
	return cmd
}

// parseInstant accepts RFC 3339 or Unix milliseconds.
func parseInstant(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

func runNonceIssue(opts *NonceOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	st, err := opts.openStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	issued, err := st.Nonces.Issue(cmd.Context(), opts.Namespace)
	if err != nil {
		return out.Fail("issue failed", err)
	}
	return out.Success(issuedView(issued))
}

func runNonceVerify(opts *NonceOptions, value string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	issuedAt, err := parseInstant(opts.IssuedAt)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --issued-at", err)
	}

	st, err := opts.openStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	if err := st.Nonces.Verify(cmd.Context(), value, issuedAt, opts.Namespace, opts.now()); err != nil {
		return out.Fail("nonce rejected", err)
	}
	return out.Success(verifyView{Nonce: value, Valid: true})
}

func runNoncePrune(opts *NonceOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	st, err := opts.openStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	n, err := st.Nonces.Prune(cmd.Context(), opts.now())
	if err != nil {
		return out.Fail("prune failed", err)
	}
	out.VerboseLog("retention %s", st.Config.NonceRetention)
	return out.Success(pruneView{Pruned: n})
}
