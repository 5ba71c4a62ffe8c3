package agent

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an agent failure. Timeout, RateLimited and
// UpstreamUnavailable are retryable; the remainder are terminal and must
// not be retried.
type Kind string

const (
	KindTimeout              Kind = "Timeout"
	KindRateLimited          Kind = "RateLimited"
	KindUpstreamUnavailable  Kind = "UpstreamUnavailable"
	KindMalformed            Kind = "Malformed"
	KindPreconditionViolated Kind = "PreconditionViolated"
	KindInvalid              Kind = "Invalid"
	KindInternal             Kind = "Internal"
	KindCancelled            Kind = "Cancelled"
	KindIterationCapExceeded Kind = "IterationCapExceeded"
)

// Retryable reports whether the adapter may retry a failure of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindRateLimited, KindUpstreamUnavailable:
		return true
	}
	return false
}

// Error is a classified agent failure. Terminal marks failures the adapter
// elevated past the retry cap or that were never retryable.
type Error struct {
	Kind      Kind
	Detail    string
	RequestID string
	Terminal  bool
}

func (e *Error) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request %s): %s", e.Kind, e.RequestID, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// NewError creates a classified failure. Terminality follows the kind; the
// adapter flips Terminal when the retry cap elevates a retryable failure.
func NewError(kind Kind, requestID, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Detail:    fmt.Sprintf(format, args...),
		RequestID: requestID,
		Terminal:  !kind.Retryable(),
	}
}

// Classify extracts the failure kind from any error. Unclassified errors
// are Internal; context errors map to Timeout and Cancelled.
func Classify(err error) Kind {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsTerminal reports whether the engine must not retry this failure.
func IsTerminal(err error) bool {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Terminal
	}
	return !Classify(err).Retryable()
}
