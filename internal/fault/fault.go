// Package fault provides the error taxonomy for the orchestration core.
// Every failure carries a Kind; the scheduler recovers only Retryable,
// all other kinds flow up to the caller unchanged. Errors also carry the
// provider id and request fingerprint for correlation with the cache and
// telemetry.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindValidation is a malformed request: empty messages,
	// out-of-range parameters, expired deadline. Fatal for that request.
	KindValidation Kind = "validation"

	// KindBudgetExceeded means admission was refused because a spending
	// or token ceiling was reached.
	KindBudgetExceeded Kind = "budget_exceeded"

	// KindRetryable is a transient transport or provider issue. The
	// scheduler recovers these up to the configured attempt limit.
	KindRetryable Kind = "retryable"

	// KindNonRetryable is a provider-reported input error (context
	// length, content filter). Surfaced after a single attempt.
	KindNonRetryable Kind = "non_retryable"

	// KindFatal is authentication, misconfiguration, or a programming
	// error. Never retried.
	KindFatal Kind = "fatal"

	// KindDeadlineExceeded means the request's deadline passed before
	// completion.
	KindDeadlineExceeded Kind = "deadline_exceeded"

	// KindCancelled means the caller cancelled.
	KindCancelled Kind = "cancelled"

	// KindParse is an agent-layer output contract violation, surfaced
	// after repair attempts are exhausted.
	KindParse Kind = "parse"
)

// Error is a kind-tagged error with correlation fields.
type Error struct {
	Kind        Kind
	Message     string
	Provider    string
	Fingerprint string
	Attempts    int
	Cause       error
}

// New creates an error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags a cause with a kind. Returns nil when cause is nil.
func Wrap(kind Kind, cause error, message string) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithProvider returns a copy carrying the provider id.
func (e *Error) WithProvider(provider string) *Error {
	cp := *e
	cp.Provider = provider
	return &cp
}

// WithFingerprint returns a copy carrying the request fingerprint.
func (e *Error) WithFingerprint(fp string) *Error {
	cp := *e
	cp.Fingerprint = fp
	return &cp
}

// WithAttempts returns a copy recording how many attempts were made.
func (e *Error) WithAttempts(n int) *Error {
	cp := *e
	cp.Attempts = n
	return &cp
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Provider != "" {
		msg += " (provider " + e.Provider + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// KindOf classifies any error. Context errors map to their natural
// kinds; unknown errors are Fatal so that bugs never loop in retry.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindDeadlineExceeded
	}
	return KindFatal
}

// IsRetryable reports whether the scheduler may retry this error.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryable
}

// Attempts extracts the attempt count from an error chain, or zero.
func Attempts(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Attempts
	}
	return 0
}
