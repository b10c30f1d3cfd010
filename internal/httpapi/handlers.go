package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/quadran/internal/claims"
	"github.com/roach88/quadran/internal/device"
	"github.com/roach88/quadran/internal/gate"
	"github.com/roach88/quadran/internal/pipeline"
	"github.com/roach88/quadran/internal/verdict"
)

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerDeviceRequest struct {
	DeviceID    string `json:"deviceId"`
	PublicKey   string `json:"publicKey"`
	Attestation []byte `json:"attestation,omitempty"`
	Signature   []byte `json:"signature,omitempty"`
}

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.deps.Devices.Register(r.Context(), req.DeviceID, req.PublicKey, req.Attestation, req.Signature)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) revokeDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Devices.Revoke(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("device revoked", "device", id)
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": id, "status": device.StatusRevoked})
}

type issueNonceRequest struct {
	Namespace string `json:"namespace"`
}

func (s *Server) issueNonce(w http.ResponseWriter, r *http.Request) {
	var req issueNonceRequest
	if !decode(w, r, &req) {
		return
	}
	issued, err := s.deps.Nonces.Issue(r.Context(), req.Namespace)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

type startSessionRequest struct {
	UserID     string `json:"userId"`
	DeviceID   string `json:"deviceId"`
	TTLSeconds int    `json:"ttlSeconds,omitempty"`
}

type startSessionResponse struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.deps.Sessions.Start(r.Context(), req.UserID, req.DeviceID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.deps.Sessions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, startSessionResponse{SessionID: id, ExpiresAt: rec.ExpiresAt()})
}

// evaluateResponse is returned by /v1/evaluate for every decided request.
type evaluateResponse struct {
	Passed    bool             `json:"passed"`
	Result    gate.Result      `json:"result"`
	Claims    *claims.Claims   `json:"claims,omitempty"`
	Token     string           `json:"token,omitempty"`
	Trace     []pipeline.Stage `json:"trace"`
	BlockedBy pipeline.Stage   `json:"blockedBy,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	Output    any              `json:"output,omitempty"`
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	var req gate.Request
	if !decode(w, r, &req) {
		return
	}

	out, err := s.deps.Pipeline.Run(r.Context(), &req)
	if err != nil {
		if verdict.IsOrdering(err) {
			s.logger.Error("pipeline ordering violation",
				"request_id", middleware.GetReqID(r.Context()),
				"trace", out.Trace,
				"error", err,
			)
			ve := verdict.Classify(err)
			writeJSON(w, http.StatusInternalServerError, errorBody{
				Error:  err.Error(),
				Reason: ve.Reason,
				Kind:   ve.Kind,
				Remedy: ve.Remedy(),
			})
			return
		}
		s.writeError(w, r, err)
		return
	}

	resp := evaluateResponse{
		Passed:    out.Allowed(),
		Result:    out.Result,
		Claims:    out.Claims,
		Trace:     out.Trace,
		BlockedBy: out.BlockedBy,
		Reason:    out.BlockReason,
		Output:    out.Output,
	}

	switch {
	case out.BlockedBy == pipeline.StageQuadranLock:
		writeJSON(w, http.StatusUnauthorized, resp)
	case out.BlockedBy != "":
		writeJSON(w, http.StatusForbidden, resp)
	default:
		if s.deps.Issuer != nil && out.Claims != nil {
			token, err := s.deps.Issuer.Sign(out.Claims)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			resp.Token = token
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
