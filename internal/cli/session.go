package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/quadran/internal/session"
)

// SessionOptions holds flags for the session commands.
type SessionOptions struct {
	*RootOptions
	UserID   string
	DeviceID string
	TTL      time.Duration
	Secret   string
	TOTP     string
	Issuer   string
}

type startView struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Text implements texter.
func (v startView) Text() string {
	return fmt.Sprintf("%s\nexpires_at: %s\n", v.SessionID, v.ExpiresAt.Format(time.RFC3339))
}

type enrollView struct {
	UserID string `json:"userId"`
	session.Enrollment
}

// Text implements texter.
func (v enrollView) Text() string {
	return fmt.Sprintf("secret: %s\nurl: %s\n", v.Secret, v.URL)
}

type checkView struct {
	SessionID   string `json:"sessionId"`
	MFAVerified bool   `json:"mfaVerified"`
}

// Text implements texter.
func (v checkView) Text() string {
	return fmt.Sprintf("✓ session %s valid\n", v.SessionID)
}

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions and MFA secrets (gate Q4)",
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start a session for a user on a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionStart(opts, cmd)
		},
	}
	start.Flags().StringVar(&opts.UserID, "user", "", "user ID (required)")
	start.Flags().StringVar(&opts.DeviceID, "device", "", "device ID (required)")
	start.Flags().DurationVar(&opts.TTL, "ttl", 0, "session lifetime (default QUADRAN_SESSION_TTL)")
	_ = start.MarkFlagRequired("user")
	_ = start.MarkFlagRequired("device")

	enroll := &cobra.Command{
		Use:   "enroll <user-id>",
		Short: "Enroll a TOTP secret for a user",
		Long: `Store a TOTP secret for a user. Without --secret a random one is
generated and printed together with its otpauth:// provisioning URL.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionEnroll(opts, args[0], cmd)
		},
	}
	enroll.Flags().StringVar(&opts.Secret, "secret", "", "base32 secret to store")
	enroll.Flags().StringVar(&opts.Issuer, "issuer", "quadran", "issuer shown in authenticator apps")

	check := &cobra.Command{
		Use:   "check <session-id>",
		Short: "Check a session as gate Q4 would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionCheck(opts, args[0], cmd)
		},
	}
	check.Flags().StringVar(&opts.TOTP, "totp", "", "one-time code")

	cmd.AddCommand(start, enroll, check)
	return cmd
}

func runSessionStart(opts *SessionOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	st, err := opts.openStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	id, err := st.Sessions.Start(cmd.Context(), opts.UserID, opts.DeviceID, opts.TTL)
	if err != nil {
		return out.Fail("start failed", err)
	}
	rec, err := st.Sessions.Get(cmd.Context(), id)
	if err != nil {
		return out.Fail("start failed", err)
	}
	return out.Success(startView{SessionID: id, ExpiresAt: rec.ExpiresAt().UTC()})
}

func runSessionEnroll(opts *SessionOptions, userID string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	st, err := opts.openStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	enrollment := session.Enrollment{Secret: opts.Secret}
	if enrollment.Secret == "" {
		enrollment, err = session.GenerateSecret(opts.Issuer, userID, st.Config.TOTPOptions())
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to generate secret", err)
		}
	}

	if err := st.Sessions.EnrollSecret(cmd.Context(), userID, enrollment.Secret); err != nil {
		return out.Fail("enroll failed", err)
	}
	return out.Success(enrollView{UserID: userID, Enrollment: enrollment})
}

func runSessionCheck(opts *SessionOptions, sessionID string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	st, err := opts.openStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	if err := st.Sessions.Check(cmd.Context(), sessionID, opts.TOTP, st.Sessions); err != nil {
		return out.Fail("session rejected", err)
	}
	return out.Success(checkView{SessionID: sessionID, MFAVerified: true})
}
