package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veldtlabs/concierge/internal/fault"
	"github.com/veldtlabs/concierge/pkg/session"
)

// factsBody is the caller-facing subset of a session patch. Append
// operations stay internal; the public surface only captures facts.
type factsBody struct {
	Identity        *session.Identity `json:"identity,omitempty"`
	CorrectIdentity bool              `json:"correctIdentity,omitempty"`
	CompanyFacts    *session.Facts    `json:"companyFacts,omitempty"`
	PersonFacts     *session.Facts    `json:"personFacts,omitempty"`
	InferredRole    string            `json:"inferredRole,omitempty"`
	RoleConfidence  float64           `json:"roleConfidence,omitempty"`
}

type factsResponse struct {
	SessionKey string `json:"sessionKey"`
	Version    int64  `json:"version"`
}

// handleSessionFacts applies a fact patch to the caller's session.
// Used by the widget when a visitor identifies themselves or the
// conversation yields new facts.
func (s *Server) handleSessionFacts(w http.ResponseWriter, r *http.Request) {
	sessionKey, ok := requireSessionKey(w, r)
	if !ok {
		return
	}

	var body factsBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFault(w, fault.Wrap(fault.KindValidation, "decode facts body", err))
		return
	}

	sctx, err := s.store.Update(r.Context(), sessionKey, &session.Patch{
		Identity:        body.Identity,
		CorrectIdentity: body.CorrectIdentity,
		CompanyFacts:    body.CompanyFacts,
		PersonFacts:     body.PersonFacts,
		InferredRole:    body.InferredRole,
		RoleConfidence:  body.RoleConfidence,
	})
	if err != nil {
		if errors.Is(err, session.ErrInvalidPatch) {
			writeFault(w, fault.Wrap(fault.KindValidation, "invalid patch", err))
			return
		}
		writeFault(w, fault.Wrap(fault.KindInternal, "apply patch", err))
		return
	}

	writeJSON(w, http.StatusOK, factsResponse{SessionKey: sessionKey, Version: sctx.Version})
}

// handleAdminSession returns the full merged context for one session.
// Guarded by the shared admin secret.
func (s *Server) handleAdminSession(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: apiError{
			Kind:    "unauthorized",
			Message: "admin secret required",
		}})
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		writeFault(w, fault.New(fault.KindValidation, "key query parameter is required"))
		return
	}

	sctx, err := s.store.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: apiError{
				Kind:    "not_found",
				Message: "no such session",
			}})
			return
		}
		writeFault(w, fault.Wrap(fault.KindInternal, "read session", err))
		return
	}

	writeJSON(w, http.StatusOK, sctx)
}
