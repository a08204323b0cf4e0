// Package httpapi is the HTTP surface of the orchestration core: the
// streaming turn endpoint, the tool gateway endpoints, and a small
// admin surface over session state.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/veldtlabs/concierge/internal/fault"
	"github.com/veldtlabs/concierge/internal/orchestrator"
	"github.com/veldtlabs/concierge/internal/tools"
	"github.com/veldtlabs/concierge/pkg/observability"
	"github.com/veldtlabs/concierge/pkg/session"
)

const (
	headerSessionKey     = "X-Session-Key"
	headerIdempotencyKey = "X-Idempotency-Key"
	headerAdminSecret    = "X-Admin-Secret"
)

// Config tunes the HTTP server.
type Config struct {
	Addr        string        `yaml:"addr"`
	AdminSecret string        `yaml:"admin_secret"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Server serves the public API.
type Server struct {
	orch    *orchestrator.Orchestrator
	gateway *tools.Gateway
	store   session.Store
	cfg     Config

	httpServer *http.Server
}

// NewServer creates the API server.
func NewServer(orch *orchestrator.Orchestrator, gateway *tools.Gateway, store session.Store, cfg Config) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	return &Server{orch: orch, gateway: gateway, store: store, cfg: cfg}
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("POST /v1/tools/{name}", s.handleTool)
	mux.HandleFunc("POST /v1/session/facts", s.handleSessionFacts)
	mux.HandleFunc("GET /v1/admin/session", s.handleAdminSession)
	return withMetrics(mux)
}

// Start serves until Shutdown. Write timeouts stay unset so turn
// streams can outlive slow generations.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.Addr,
		Handler:     s.Handler(),
		ReadTimeout: s.cfg.ReadTimeout,
		IdleTimeout: s.cfg.IdleTimeout,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// withMetrics records request counts and latency per route.
func withMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		observability.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(sw.status), time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

// writeFault maps the fault taxonomy onto HTTP status codes.
func writeFault(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindRateLimited:
		status = http.StatusTooManyRequests
		if f, ok := fault.As(err); ok && f.RetryAfter > 0 {
			secs := int(f.RetryAfter.Seconds())
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	case fault.KindBudgetExceeded:
		status = http.StatusPaymentRequired
	case fault.KindProvider:
		status = http.StatusBadGateway
	case fault.KindCancelled:
		// Client closed request; nginx convention.
		status = 499
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: apiError{
		Kind:    string(kind),
		Message: err.Error(),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// identityFor resolves the budget identity for a session: the captured
// email when the visitor has identified themselves, otherwise empty.
func (s *Server) identityFor(ctx context.Context, sessionKey string) string {
	sctx, err := s.store.Get(ctx, sessionKey)
	if err != nil || sctx.Identity == nil {
		return ""
	}
	return sctx.Identity.Email
}

// adminAuthorized compares the shared secret in constant time.
func (s *Server) adminAuthorized(r *http.Request) bool {
	if s.cfg.AdminSecret == "" {
		return false
	}
	got := r.Header.Get(headerAdminSecret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) == 1
}

func requireSessionKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := r.Header.Get(headerSessionKey)
	if key == "" {
		writeFault(w, fault.New(fault.KindValidation, fmt.Sprintf("%s header is required", headerSessionKey)))
		return "", false
	}
	return key, true
}
