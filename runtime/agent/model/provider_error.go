package model

import (
	"errors"
	"fmt"
)

// ProviderErrorKind classifies provider failures for retry and UX decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication or authorization
	// failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"
	// ProviderErrorKindInvalidRequest indicates a request that cannot succeed
	// without change.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"
	// ProviderErrorKindRateLimited indicates throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"
	// ProviderErrorKindUnavailable indicates a transient failure where a
	// retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"
	// ProviderErrorKindUnknown indicates an unclassified failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by a model provider. It crosses
// package boundaries so the server can surface stable, structured
// information to clients.
type ProviderError struct {
	// Provider is the provider identifier, for example "bedrock".
	Provider string
	// Operation is the provider operation, for example "converse_stream".
	Operation string
	// HTTPStatus is the HTTP status when known, 0 otherwise.
	HTTPStatus int
	// Kind is the coarse classification.
	Kind ProviderErrorKind
	// Code is the provider-specific error code.
	Code string
	// Message is the provider error message.
	Message string
	// RequestID is the provider request identifier.
	RequestID string
	// Retryable reports whether retrying unchanged may succeed.
	Retryable bool
	// Cause is the underlying SDK error.
	Cause error
}

func (e *ProviderError) Error() string {
	op := e.Operation
	if op == "" {
		op = "request"
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s %s %d (%s): %s", e.Provider, e.Kind, e.HTTPStatus, op, msg)
	}
	return fmt.Sprintf("%s %s (%s): %s", e.Provider, e.Kind, op, msg)
}

// Unwrap returns the underlying error chain. Rate limited errors also match
// ErrRateLimited.
func (e *ProviderError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Kind == ProviderErrorKindRateLimited {
		errs = append(errs, ErrRateLimited)
	}
	return errs
}

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
