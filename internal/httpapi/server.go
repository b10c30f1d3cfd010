// Package httpapi exposes the gate stack over HTTP.
//
// Routes:
//
//	GET  /healthz
//	POST /v1/devices
//	POST /v1/devices/{id}/revoke
//	POST /v1/nonces
//	POST /v1/sessions
//	POST /v1/evaluate
//
// /v1/evaluate runs the full pipeline and answers 200 when the runtime was
// reached, 401 when the gates deny, 403 when a downstream stage blocks and
// 500 on an ordering violation.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/quadran/internal/claims"
	"github.com/roach88/quadran/internal/device"
	"github.com/roach88/quadran/internal/nonce"
	"github.com/roach88/quadran/internal/pipeline"
	"github.com/roach88/quadran/internal/session"
	"github.com/roach88/quadran/internal/verdict"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Deps are the collaborators the server routes to.
type Deps struct {
	Devices  *device.Registry
	Nonces   nonce.Store
	Sessions *session.Store
	Pipeline *pipeline.Sequencer

	// Issuer signs claims on success. Nil disables tokens.
	Issuer *claims.Issuer

	// Ready reports backend health for /healthz. Nil means always ready.
	Ready func(ctx context.Context) error

	Logger *slog.Logger
}

// Server is the HTTP front of the gate stack.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a server.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(limitBody)

	r.Get("/healthz", s.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/devices", s.registerDevice)
		r.Post("/devices/{id}/revoke", s.revokeDevice)
		r.Post("/nonces", s.issueNonce)
		r.Post("/sessions", s.startSession)
		r.Post("/evaluate", s.evaluate)
	})
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string         `json:"error"`
	Reason verdict.Reason `json:"reason,omitempty"`
	Kind   verdict.Kind   `json:"kind,omitempty"`
	Remedy verdict.Remedy `json:"remedy,omitempty"`
}

// writeError maps a domain error to a status code. Infrastructure failures
// are logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ve := verdict.Classify(err)
	status := statusFor(ve)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeJSON(w, status, errorBody{Error: "internal error", Reason: ve.Reason, Kind: ve.Kind})
		return
	}
	writeJSON(w, status, errorBody{Error: ve.Error(), Reason: ve.Reason, Kind: ve.Kind, Remedy: ve.Remedy()})
}

func statusFor(ve *verdict.Error) int {
	switch ve.Reason {
	case verdict.ReasonAlreadyExists:
		return http.StatusConflict
	case verdict.ReasonNotFound, verdict.ReasonUnknownDevice, verdict.ReasonSessionNotFound:
		return http.StatusNotFound
	case verdict.ReasonTimeout:
		return http.StatusGatewayTimeout
	}
	switch ve.Kind {
	case verdict.KindConfig, verdict.KindOrdering, verdict.KindTimeout:
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}
