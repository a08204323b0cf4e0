// Package fault defines the error taxonomy shared by every component of
// the orchestration core. Tool adapters and the HTTP surface translate
// all underlying failures into one of these kinds before returning, so
// callers never see raw transport errors.
package fault

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure.
type Kind string

const (
	// KindValidation marks malformed input. Never retried automatically.
	KindValidation Kind = "validation"
	// KindRateLimited marks a transient rejection. The caller should
	// retry after the delay carried on the fault.
	KindRateLimited Kind = "rate_limited"
	// KindBudgetExceeded marks an exhausted spend ceiling. Not transient
	// within the current window; requires distinct user messaging.
	KindBudgetExceeded Kind = "budget_exceeded"
	// KindProvider marks an upstream model-provider failure. Partial
	// output already streamed is preserved.
	KindProvider Kind = "provider"
	// KindCancelled marks a caller disconnect. Not an error in the
	// retry sense; no retry semantics apply.
	KindCancelled Kind = "cancelled"
	// KindInternal marks everything else.
	KindInternal Kind = "internal"
)

// Fault is a classified error.
type Fault struct {
	Kind    Kind
	Message string
	// RetryAfter is set for KindRateLimited.
	RetryAfter time.Duration
	wrapped    error
}

func (f *Fault) Error() string {
	if f.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.wrapped)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.wrapped }

// Retryable reports whether the caller may retry the same request.
func (f *Fault) Retryable() bool { return f.Kind == KindRateLimited }

// New creates a fault of the given kind.
func New(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Message: msg}
}

// Newf creates a fault with a formatted message.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Fault {
	return &Fault{Kind: kind, Message: msg, wrapped: err}
}

// RateLimited creates a rate-limit rejection with a retry hint.
func RateLimited(msg string, retryAfter time.Duration) *Fault {
	return &Fault{Kind: KindRateLimited, Message: msg, RetryAfter: retryAfter}
}

// KindOf extracts the kind from an error chain. Unclassified errors
// report KindInternal; context cancellation reports KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// As extracts a *Fault from an error chain.
func As(err error) (*Fault, bool) {
	var f *Fault
	ok := errors.As(err, &f)
	return f, ok
}
