// Package app assembles the gate stack from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/quadran/internal/claims"
	"github.com/roach88/quadran/internal/config"
	"github.com/roach88/quadran/internal/device"
	"github.com/roach88/quadran/internal/gate"
	"github.com/roach88/quadran/internal/httpapi"
	"github.com/roach88/quadran/internal/identity"
	"github.com/roach88/quadran/internal/nonce"
	"github.com/roach88/quadran/internal/pipeline"
	"github.com/roach88/quadran/internal/session"
	"github.com/roach88/quadran/internal/store"
)

// Stack is every store, gate and pipeline built from one Config.
type Stack struct {
	Config       config.Config
	Store        *store.Store
	Redis        redis.UniversalClient
	Devices      *device.Registry
	Baselines    *identity.Store
	Nonces       nonce.Store
	Sessions     *session.Store
	Orchestrator *gate.Orchestrator
	Pipeline     *pipeline.Sequencer
	Issuer       *claims.Issuer

	ownsRedis bool
	now       func() time.Time
	logger    *slog.Logger
}

type options struct {
	now     func() time.Time
	ids     session.IDGenerator
	logger  *slog.Logger
	redis   redis.UniversalClient
	runtime pipeline.Runtime
	stages  []pipeline.Option
	gate    []gate.Option
}

// Option configures Open.
type Option func(*options)

// WithClock sets the wall clock shared by every store and gate.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSessionIDs sets the session ID generator.
func WithSessionIDs(ids session.IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

// WithLogger sets the logger for the orchestrator, pipeline and server.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRedis uses client for nonces instead of dialing Config.RedisAddr.
func WithRedis(client redis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

// WithRuntime sets the collaborator invoked after the last stage.
func WithRuntime(rt pipeline.Runtime) Option {
	return func(o *options) { o.runtime = rt }
}

// WithPipelineOptions passes stage handlers or an order to the sequencer.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(o *options) { o.stages = append(o.stages, opts...) }
}

// WithGateOptions passes options (such as a tracer) to the orchestrator.
func WithGateOptions(opts ...gate.Option) Option {
	return func(o *options) { o.gate = append(o.gate, opts...) }
}

// AcceptRuntime is the runtime used when none is configured. It echoes the
// authenticated principal.
var AcceptRuntime = pipeline.RuntimeFunc(func(_ context.Context, _ *gate.Request, c *claims.Claims) (any, error) {
	if c == nil {
		return map[string]any{"accepted": true}, nil
	}
	return map[string]any{"accepted": true, "userId": c.UserID, "deviceId": c.DeviceID}, nil
})

// Open builds the stack. The caller must Close it.
func Open(cfg config.Config, opts ...Option) (*Stack, error) {
	o := options{now: time.Now, runtime: AcceptRuntime}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	st, err := store.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Stack{
		Config:    cfg,
		Store:     st,
		Devices:   device.NewRegistry(st, o.now),
		Baselines: identity.NewStore(st, o.now),
		Sessions: session.New(st, session.Options{
			TTL:  cfg.SessionTTL,
			TOTP: cfg.TOTPOptions(),
			IDs:  o.ids,
			Now:  o.now,
		}),
		now:    o.now,
		logger: o.logger,
	}

	switch {
	case o.redis != nil:
		s.Redis = o.redis
	case cfg.RedisAddr != "":
		s.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		s.ownsRedis = true
	}
	if s.Redis != nil {
		s.Nonces = nonce.NewRedisStore(s.Redis, cfg.NoncePolicy(), o.now)
	} else {
		s.Nonces = nonce.NewSQLiteStore(st, cfg.NoncePolicy(), o.now)
	}

	if cfg.ClaimsKey != "" {
		key, err := claims.DecodeKey(cfg.ClaimsKey)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Issuer, err = claims.NewIssuer(cfg.ClaimsIssuer, key, cfg.ClaimsTTL, o.now)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	gates := []gate.Gate{
		gate.DeviceGate{Registry: s.Devices},
		gate.IdentityGate{Baselines: s.Baselines, Threshold: cfg.BehaviorThreshold},
		gate.NonceGate{Store: s.Nonces, Now: o.now},
		gate.SessionGate{Sessions: s.Sessions, Secrets: s.Sessions},
	}
	gateOpts := append([]gate.Option{gate.WithClock(o.now), gate.WithLogger(o.logger)}, o.gate...)
	s.Orchestrator = gate.NewOrchestrator(gate.Config{
		MinGatesRequired: cfg.MinGatesRequired,
		StrictMode:       cfg.StrictMode,
		Timeout:          cfg.Timeout(),
	}, gates, gateOpts...)

	seqOpts := append([]pipeline.Option{pipeline.WithLogger(o.logger)}, o.stages...)
	s.Pipeline = pipeline.NewSequencer(s.Orchestrator, o.runtime, seqOpts...)
	return s, nil
}

// Ready pings the store and, when configured, Redis.
func (s *Stack) Ready(ctx context.Context) error {
	if err := s.Store.Ping(ctx); err != nil {
		return err
	}
	if s.Redis != nil {
		if err := s.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Server returns an HTTP server over the stack.
func (s *Stack) Server() *httpapi.Server {
	return httpapi.New(httpapi.Deps{
		Devices:  s.Devices,
		Nonces:   s.Nonces,
		Sessions: s.Sessions,
		Pipeline: s.Pipeline,
		Issuer:   s.Issuer,
		Ready:    s.Ready,
		Logger:   s.logger,
	})
}

// RunMaintenance prunes nonces and reaps expired sessions every interval
// until ctx is cancelled. A non-positive interval means one minute.
func (s *Stack) RunMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go nonce.RunPruner(ctx, s.Nonces, interval, s.now, s.logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sessions.Reap(ctx, s.now())
			if err != nil {
				s.logger.Warn("session reap failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("reaped sessions", "count", n)
			}
		}
	}
}

// Close releases the store and any Redis client it opened.
func (s *Stack) Close() error {
	var errs []error
	if s.ownsRedis {
		errs = append(errs, s.Redis.Close())
	}
	errs = append(errs, s.Store.Close())
	return errors.Join(errs...)
}
