package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/quadran/internal/telemetry"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API and run background maintenance (nonce pruning and
session reaping every QUADRAN_PRUNE_INTERVAL). Traces are exported over
OTLP/HTTP when QUADRAN_OTEL_ENDPOINT is set.

Example:
  quadran serve --db ./quadran.db --listen :8700`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides QUADRAN_LISTEN)")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdown, err := telemetry.Setup(ctx, cfg.OTELEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure tracing", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Error("error flushing traces", "error", err)
		}
	}()

	st, err := opts.openStackFrom(cfg)
	if err != nil {
		return err
	}
	defer closeStack(st)

	go st.RunMaintenance(ctx, cfg.PruneInterval)

	slog.Info("server starting",
		"listen", cfg.Listen,
		"db", cfg.DB,
		"min_gates", cfg.MinGatesRequired,
		"strict", cfg.StrictMode,
		"tracing", cfg.OTELEndpoint != "",
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", cfg.Listen)

	if err := st.Server().ListenAndServe(ctx, cfg.Listen); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitCommandError, "server error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
