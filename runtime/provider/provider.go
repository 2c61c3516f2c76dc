// Package provider defines the contract between the orchestrator and
// capability providers.
//
// A capability provider is an opaque external service performing the actual
// domain computation (trend analysis, decision generation, text analysis).
// The orchestrator only depends on the single-method Provider interface;
// concrete operation names and payload shapes are the provider's concern.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// Request carries one capability invocation.
	Request struct {
		// SessionID identifies the session the call executes for.
		SessionID string
		// Cycle is the 1-based cycle attempt issuing the call.
		Cycle int
		// Target is the session target the call operates on.
		Target string
		// Payload is the operation input, JSON-encoded. May be nil when the
		// operation needs no input beyond the target.
		Payload json.RawMessage
	}

	// Response is the result of one capability invocation.
	Response struct {
		// Payload is the result record content, JSON-encoded.
		Payload json.RawMessage
		// Confidence is the provider's quality score in [0,1]. Providers
		// without a meaningful score report 1.
		Confidence float64
	}

	// Provider performs capability operations. Implementations must be safe
	// for concurrent use: cycles for different sessions may invoke the same
	// provider simultaneously.
	Provider interface {
		// Invoke performs the named operation. Implementations should honor
		// context cancellation; a deadline exceeded is surfaced to the
		// orchestrator like any other provider failure.
		Invoke(ctx context.Context, operation string, req Request) (Response, error)
	}

	// Func adapts a function to the Provider interface.
	Func func(ctx context.Context, operation string, req Request) (Response, error)

	// Middleware wraps a Provider with additional behavior (timeouts,
	// retries, rate limiting, payload validation).
	Middleware func(Provider) Provider
)

// Invoke implements Provider.
func (f Func) Invoke(ctx context.Context, operation string, req Request) (Response, error) {
	return f(ctx, operation, req)
}

// Chain applies middlewares to p in order: the first middleware becomes the
// outermost wrapper.
func Chain(p Provider, middlewares ...Middleware) Provider {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		p = middlewares[i](p)
	}
	return p
}

// ErrorKind classifies provider failures into a small set of categories
// suitable for retry and reporting decisions.
type ErrorKind string

const (
	// ErrorKindInvalidRequest indicates the request is invalid and retrying
	// without changing it will not succeed.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	// ErrorKindRateLimited indicates the provider is throttling requests.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindTimeout indicates the call exceeded its deadline.
	ErrorKindTimeout ErrorKind = "timeout"

	// ErrorKindUnavailable indicates a transient provider failure where a
	// retry may succeed.
	ErrorKindUnavailable ErrorKind = "unavailable"

	// ErrorKindUnknown indicates an unclassified provider failure.
	ErrorKindUnknown ErrorKind = "unknown"
)

// ErrRateLimited is a sentinel wrapped by providers that are throttled.
// The adaptive rate limit middleware watches for it to back off.
var ErrRateLimited = errors.New("provider rate limited")

// Error describes a capability provider failure. It crosses package
// boundaries so the cycle executor can record stable, structured failure
// causes on the owning session.
type Error struct {
	provider  string
	operation string
	target    string
	kind      ErrorKind
	message   string
	retryable bool
	cause     error
}

// NewError constructs an Error. provider and kind are required. cause may be
// nil but is recommended to preserve the original error chain.
func NewError(provider, operation, target string, kind ErrorKind, message string, retryable bool, cause error) *Error {
	if provider == "" {
		panic("provider: provider name is required")
	}
	if kind == "" {
		panic("provider: error kind is required")
	}
	return &Error{
		provider:  provider,
		operation: operation,
		target:    target,
		kind:      kind,
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// Provider returns the provider identifier.
func (e *Error) Provider() string { return e.provider }

// Operation returns the capability operation that failed.
func (e *Error) Operation() string { return e.operation }

// Target returns the session target the failing call operated on.
func (e *Error) Target() string { return e.target }

// Kind returns the coarse-grained failure classification.
func (e *Error) Kind() ErrorKind { return e.kind }

// Retryable reports whether retrying the call may succeed without changing
// the request.
func (e *Error) Retryable() bool { return e.retryable }

func (e *Error) Error() string {
	op := e.operation
	if op == "" {
		op = "invoke"
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.target != "" {
		return fmt.Sprintf("%s %s (%s, target %s): %s", e.provider, e.kind, op, e.target, msg)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.provider, e.kind, op, msg)
}

// Unwrap returns the underlying error to preserve the original error chain.
func (e *Error) Unwrap() error { return e.cause }

// Is supports errors.Is(err, ErrRateLimited) for rate limited failures.
func (e *Error) Is(target error) bool {
	return target == ErrRateLimited && e.kind == ErrorKindRateLimited
}

// AsError returns the first provider Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
