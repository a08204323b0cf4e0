// Package provider abstracts the language-model backends behind a
// single "generate, streamed" call. Adapters translate every backend
// failure into a classified *Error so callers never handle raw
// transport errors.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Request is a single generate call.
type Request struct {
	// Model is the concrete model ID chosen by the budget selector.
	Model string
	// System is the system preamble built from the session context.
	System string
	// Messages is the conversation history, oldest first.
	Messages []Message
	// MaxTokens caps generation.
	MaxTokens int
	// Temperature controls randomness.
	Temperature float32
}

// Usage is the final token accounting for a call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is one increment of a streamed response. Usage is set on the
// final chunk when the backend reports it.
type Chunk struct {
	Delta        string
	FinishReason string
	Usage        *Usage
}

// Stream yields chunks in arrival order. Recv returns io.EOF after the
// final chunk. Close releases the underlying connection and must be
// safe to call while a Recv is blocked.
type Stream interface {
	Recv() (*Chunk, error)
	Close() error
}

// Provider is a language-model backend.
type Provider interface {
	// GenerateStream starts a streamed generation. Cancelling ctx
	// terminates the stream promptly.
	GenerateStream(ctx context.Context, req Request) (Stream, error)

	// Name returns the provider name (e.g. "openai", "gemini").
	Name() string
}

// Error is a classified provider failure.
type Error struct {
	Provider      string
	Code          string
	Message       string
	StatusCode    int
	IsRetryable   bool
	OriginalError error
}

func (e *Error) Error() string {
	return e.Provider + " error: " + e.Message
}

func (e *Error) Unwrap() error { return e.OriginalError }

// Common error codes.
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeAuthentication = "authentication_error"
	ErrorCodeRateLimit      = "rate_limit_exceeded"
	ErrorCodeServerError    = "server_error"
	ErrorCodeTimeout        = "timeout"
	ErrorCodeModelNotFound  = "model_not_found"
	ErrorCodeUnknown        = "unknown_error"
)

// NewError creates a classified provider error.
func NewError(provider, code, message string, original error) *Error {
	return &Error{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   code == ErrorCodeRateLimit || code == ErrorCodeServerError || code == ErrorCodeTimeout,
	}
}

// codeForStatus maps an HTTP status to an error code.
func codeForStatus(status int) string {
	switch status {
	case 400:
		return ErrorCodeInvalidRequest
	case 401, 403:
		return ErrorCodeAuthentication
	case 404:
		return ErrorCodeModelNotFound
	case 429:
		return ErrorCodeRateLimit
	default:
		if status >= 500 {
			return ErrorCodeServerError
		}
		return ErrorCodeUnknown
	}
}

// Factory builds a provider from its config map.
type Factory func(config map[string]any) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory registers a provider factory under a name.
func RegisterFactory(name string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// New builds a provider by registered name.
func New(name string, config map[string]any) (Provider, error) {
	factoriesMu.RLock()
	f, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (registered: %v)", name, Names())
	}
	return f(config)
}

// Names lists registered provider names.
func Names() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for n := range factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
