package cli

import (
	"log/slog"
	"time"

	"github.com/roach88/quadran/internal/app"
	"github.com/roach88/quadran/internal/config"
)

// loadConfig resolves configuration from the environment (or the test
// override) and applies the --db flag.
func (o *RootOptions) loadConfig() (config.Config, error) {
	load := o.LoadConfig
	if load == nil {
		load = config.Load
	}
	cfg, err := load()
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if o.Database != "" {
		cfg.DB = o.Database
	}
	return cfg, nil
}

// now returns the configured clock.
func (o *RootOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// openStack loads configuration and opens every store. Callers must Close
// the returned stack.
func (o *RootOptions) openStack(extra ...app.Option) (*app.Stack, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	return o.openStackFrom(cfg, extra...)
}

func (o *RootOptions) openStackFrom(cfg config.Config, extra ...app.Option) (*app.Stack, error) {
	opts := []app.Option{app.WithLogger(slog.Default())}
	if o.Now != nil {
		opts = append(opts, app.WithClock(o.Now))
	}
	if o.SessionIDs != nil {
		opts = append(opts, app.WithSessionIDs(o.SessionIDs))
	}
	opts = append(opts, extra...)

	slog.Debug("opening stack", "db", cfg.DB, "redis", cfg.RedisAddr != "")
	st, err := app.Open(cfg, opts...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open stack", err)
	}
	return st, nil
}

func closeStack(st *app.Stack) {
	if err := st.Close(); err != nil {
		slog.Error("error closing stack", "error", err)
	}
}
