package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/communitywatch/response-core/internal/override"
	"github.com/communitywatch/response-core/internal/ratelimit"
	"github.com/communitywatch/response-core/internal/syncer"
)

type admissionRequest struct {
	Identity   string `json:"identity"`
	Action     string `json:"action"`
	Identifier string `json:"identifier,omitempty"`
}

type admissionResponse struct {
	Admitted    bool   `json:"admitted"`
	Reason      string `json:"reason"`
	Count       int64  `json:"count"`
	MaxRequests int    `json:"max_requests"`
	Remaining   int64  `json:"remaining"`
	ResetAt     string `json:"reset_at,omitempty"`
}

type overrideRequest struct {
	Actor      string `json:"actor"`
	Identity   string `json:"identity"`
	Action     string `json:"action"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

type createSessionRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
	Mode     string `json:"mode,omitempty"`
}

type batchRequest struct {
	Items []syncer.Item `json:"items"`
}

type resolveRequest struct {
	Resolutions []syncer.ResolutionRequest `json:"resolutions"`
}

func (s *Server) registerAPIRoutes(router *mux.Router) {
	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/admission/check", s.handleAdmissionCheck).Methods(http.MethodPost)
	api.HandleFunc("/admission/admit", s.handleAdmissionAdmit).Methods(http.MethodPost)
	api.HandleFunc("/overrides", s.handleOverrideGrant).Methods(http.MethodPost)
	api.HandleFunc("/overrides/self", s.handleOverrideSelfGrant).Methods(http.MethodPost)
	api.HandleFunc("/sync/sessions", s.handleSessionCreate).Methods(http.MethodPost)
	api.HandleFunc("/sync/sessions/{id}/batch", s.handleSessionBatch).Methods(http.MethodPost)
	api.HandleFunc("/sync/sessions/{id}/resolve", s.handleSessionResolve).Methods(http.MethodPost)
	api.HandleFunc("/sync/sessions/{id}", s.handleSessionClose).Methods(http.MethodDelete)
}

func (s *Server) handleAdmissionCheck(w http.ResponseWriter, r *http.Request) {
	req, action, ok := s.decodeAdmission(w, r)
	if !ok {
		return
	}
	decision := s.core.CheckRate(r.Context(), req.Identity, action, req.Identifier)
	writeJSON(w, http.StatusOK, toAdmissionResponse(decision))
}

func (s *Server) handleAdmissionAdmit(w http.ResponseWriter, r *http.Request) {
	req, action, ok := s.decodeAdmission(w, r)
	if !ok {
		return
	}
	decision := s.core.Admit(r.Context(), req.Identity, action, req.Identifier)
	status := http.StatusOK
	if !decision.Admitted {
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, toAdmissionResponse(decision))
}

func (s *Server) decodeAdmission(w http.ResponseWriter, r *http.Request) (admissionRequest, ratelimit.Action, bool) {
	var req admissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, "", false
	}
	if req.Identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return req, "", false
	}
	action, err := ratelimit.ParseAction(req.Action)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, "", false
	}
	return req, action, true
}

func (s *Server) handleOverrideGrant(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Actor == "" || req.Identity == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "actor, identity and action are required")
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.core.GrantOverride(r.Context(), req.Actor, req.Identity, req.Action, ttl); err != nil {
		if errors.Is(err, override.ErrNotAuthorized) {
			writeError(w, http.StatusForbidden, "actor is not authorized to grant overrides")
			return
		}
		s.logger.Error("Failed to grant override", "error", err, "identity", req.Identity)
		writeError(w, http.StatusInternalServerError, "failed to grant override")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "granted"})
}

func (s *Server) handleOverrideSelfGrant(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Identity == "" || req.Action == "" {
		writeError(w, http.StatusBadRequest, "identity and action are required")
		return
	}

	granted, err := s.core.SelfGrantOverride(r.Context(), req.Identity, req.Action)
	if err != nil {
		s.logger.Error("Failed to self-grant override", "error", err, "identity", req.Identity)
		writeError(w, http.StatusInternalServerError, "failed to grant override")
		return
	}
	if !granted {
		writeError(w, http.StatusForbidden, "identity does not hold a privileged role")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "granted"})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := s.core.CreateSyncSession(r.Context(), req.UserID, req.DeviceID, req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleSessionBatch(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.core.ProcessSyncBatch(r.Context(), sessionID, req.Items)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionResolve(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resolved, err := s.core.ResolveConflicts(r.Context(), sessionID, req.Resolutions)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": resolved})
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	if err := s.core.CloseSyncSession(r.Context(), sessionID); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncer.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, syncer.ErrSessionClosed):
		writeError(w, http.StatusConflict, "session is closed")
	default:
		s.logger.Error("Sync request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func toAdmissionResponse(d ratelimit.Decision) admissionResponse {
	resp := admissionResponse{
		Admitted:    d.Admitted,
		Reason:      string(d.Reason),
		Count:       d.Count,
		MaxRequests: d.MaxRequests,
		Remaining:   d.Remaining,
	}
	if !d.ResetAt.IsZero() {
		resp.ResetAt = d.ResetAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
