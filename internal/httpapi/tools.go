package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/veldtlabs/concierge/internal/fault"
	"github.com/veldtlabs/concierge/internal/tools"
)

// handleTool invokes one capability adapter. The response body is the
// tool's JSON result; replays with the same idempotency key return the
// identical bytes.
func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	sessionKey, ok := requireSessionKey(w, r)
	if !ok {
		return
	}
	toolName := r.PathValue("name")

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeFault(w, fault.Wrap(fault.KindValidation, "read tool payload", err))
		return
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	meta := tools.Meta{
		SessionKey:     sessionKey,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
		IdentityKey:    s.identityFor(r.Context(), sessionKey),
	}

	body, err := s.gateway.Invoke(r.Context(), meta, toolName, json.RawMessage(payload))
	if err != nil {
		writeFault(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
