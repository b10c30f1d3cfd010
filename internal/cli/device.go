package cli

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/quadran/internal/device"
)

// DeviceOptions holds flags for the device commands.
type DeviceOptions struct {
	*RootOptions
	PublicKey   string
	Attestation string // base64
	Signature   string // base64
}

type deviceView struct {
	device.Record
	Fingerprint string `json:"fingerprint"`
}

type deviceList []deviceView

// Text implements texter.
func (l deviceList) Text() string {
	if len(l) == 0 {
		return "No devices registered.\n"
	}
	var b strings.Builder
	for _, d := range l {
		fmt.Fprintf(&b, "%-24s %-8s counter=%-6d last_seen=%s fp=%s\n",
			d.DeviceID, d.Status, d.NonceCounter, d.LastSeen.Format(time.RFC3339), d.Fingerprint[:16])
	}
	return b.String()
}

// Text implements texter.
func (d deviceView) Text() string {
	return fmt.Sprintf("✓ device %s %s (fingerprint %s)\n", d.DeviceID, d.Status, d.Fingerprint)
}

func viewOf(rec device.Record) deviceView {
	return deviceView{Record: rec, Fingerprint: device.Fingerprint(rec.PublicKey)}
}

// NewDeviceCommand creates the device command group.
func NewDeviceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeviceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Manage the device registry (gate Q1)",
	}

	register := &cobra.Command{
		Use:   "register <device-id>",
		Short: "Register a device and its public key",
		Long: `Register a device as ACTIVE. Fails if the device ID is already taken;
revoked devices cannot be re-registered under the same ID.

Example:
  quadran device register D1 --key "$(cat device.pub)"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeviceRegister(opts, args[0], cmd)
		},
	}
	register.Flags().StringVar(&opts.PublicKey, "key", "", "device public key (required)")
	register.Flags().StringVar(&opts.Attestation, "attestation", "", "base64 attestation blob")
	register.Flags().StringVar(&opts.Signature, "signature", "", "base64 attestation signature")
	_ = register.MarkFlagRequired("key")

	revoke := &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke a device permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeviceRevoke(opts, args[0], cmd)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeviceList(opts, cmd)
		},
	}

	cmd.AddCommand(register, revoke, list)
	return cmd
}

func decodeBlob(name, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("invalid --%s", name), err)
	}
	return b, nil
}

func runDeviceRegister(opts *DeviceOptions, deviceID string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	attestation, err := decodeBlob("attestation", opts.Attestation)
	if err != nil {
		return err
	}
	signature, err := decodeBlob("signature", opts.Signature)
	if err != nil {
		return err
	}

	st, err := opts.openStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	rec, err := st.Devices.Register(cmd.Context(), deviceID, opts.PublicKey, attestation, signature)
	if err != nil {
		return out.Fail("register failed", err)
	}
	return out.Success(viewOf(rec))
}

func runDeviceRevoke(opts *DeviceOptions, deviceID string, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	st, err := opts.openStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	if err := st.Devices.Revoke(cmd.Context(), deviceID); err != nil {
		return out.Fail("revoke failed", err)
	}
	rec, err := st.Devices.Get(cmd.Context(), deviceID)
	if err != nil {
		return out.Fail("revoke failed", err)
	}
	return out.Success(viewOf(rec))
}

func runDeviceList(opts *DeviceOptions, cmd *cobra.Command) error {
	out := newFormatter(cmd, opts.RootOptions)

	st, err := opts.openStack()
	if err != nil {
		return err
	}
	defer closeStack(st)

	recs, err := st.Devices.List(cmd.Context())
	if err != nil {
		return out.Fail("list failed", err)
	}
	views := make(deviceList, len(recs))
	for i, rec := range recs {
		views[i] = viewOf(rec)
	}
	return out.Success(views)
}
