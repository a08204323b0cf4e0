package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/veldtlabs/concierge/internal/budget"
	"github.com/veldtlabs/concierge/internal/fault"
	"github.com/veldtlabs/concierge/internal/orchestrator"
	"github.com/veldtlabs/concierge/internal/provider"
)

type turnBody struct {
	Message string `json:"message"`
	Feature string `json:"feature,omitempty"`
	History []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"history,omitempty"`
}

// sseEvent is one server-sent event on the turn stream.
type sseEvent struct {
	Delta string    `json:"delta,omitempty"`
	Done  bool      `json:"done,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

// handleTurn runs one conversational turn and streams the response as
// server-sent events. Admission failures are plain JSON errors; once
// the stream is open, failures arrive as a terminal error event.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	sessionKey, ok := requireSessionKey(w, r)
	if !ok {
		return
	}

	var body turnBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeFault(w, fault.Wrap(fault.KindValidation, "decode turn body", err))
		return
	}

	history := make([]provider.Message, 0, len(body.History))
	for _, m := range body.History {
		history = append(history, provider.Message{Role: m.Role, Content: m.Content})
	}

	ts, err := s.orch.Turn(r.Context(), orchestrator.TurnRequest{
		SessionKey:  sessionKey,
		IdentityKey: s.identityFor(r.Context(), sessionKey),
		Message:     body.Message,
		History:     history,
		Feature:     budget.Feature(body.Feature),
	})
	if err != nil {
		writeFault(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeFault(w, fault.New(fault.KindInternal, "streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Turn-Id", ts.TurnID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	writeEvent := func(ev sseEvent) {
		// Frame per SSE spec: a data line and a blank line.
		_, _ = w.Write([]byte("data: "))
		_ = enc.Encode(ev)
		_, _ = w.Write([]byte("\n"))
		flusher.Flush()
	}

	for f := range ts.Frames() {
		switch {
		case f.Err != nil:
			writeEvent(sseEvent{Error: &apiError{
				Kind:    string(fault.KindOf(f.Err)),
				Message: f.Err.Error(),
			}})
		case f.Done:
			writeEvent(sseEvent{Done: true})
		default:
			writeEvent(sseEvent{Delta: f.Delta})
		}
	}
}
