// Package fault is the error taxonomy shared by the engine and the runners.
// Every node failure is classified into a Kind; the engine's retry policy
// consults the kind to decide whether another attempt can help.
package fault

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindValidation     Kind = "ValidationError"
	KindConfiguration  Kind = "ConfigurationError"
	KindAuthentication Kind = "AuthenticationError"
	KindTransient      Kind = "Transient"
	KindRateLimited    Kind = "RateLimited"
	KindContainer      Kind = "ContainerError"
	KindCancelled      Kind = "Cancelled"
	KindTimedOut       Kind = "TimedOut"
	KindInternal       Kind = "InternalError"
)

// Retryable reports whether a kind is worth retrying by default.
// ContainerError is classified into Transient or a fatal kind before it
// reaches the retry decision (see ClassifyContainerExit).
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}

// Failure is a classified node failure.
type Failure struct {
	Kind    Kind
	Message string
	// NodeID is attached by the engine for user-visible bracketed prefixes.
	NodeID string
	// RetryAfter is a provider-suggested minimum delay (rate limiting).
	RetryAfter time.Duration
	// CorrelationID identifies InternalError occurrences in logs.
	CorrelationID string
	Cause         error
}

func (f *Failure) Error() string {
	msg := f.Message
	if msg == "" && f.Cause != nil {
		msg = f.Cause.Error()
	}
	if f.NodeID != "" {
		return fmt.Sprintf("[%s] %s: %s", f.NodeID, f.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", f.Kind, msg)
}

func (f *Failure) Unwrap() error { return f.Cause }

func New(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{Kind: kind, Message: err.Error(), Cause: err}
}

// KindOf classifies err. Unclassified errors are InternalError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// FromHTTPStatus projects an HTTP status code from a remote runner or
// upstream provider into the taxonomy.
func FromHTTPStatus(status int, body string) *Failure {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = fmt.Sprintf("http status %d", status)
	}
	switch {
	case status == 401 || status == 403:
		return New(KindAuthentication, "%s", msg)
	case status == 429:
		return New(KindRateLimited, "%s", msg)
	case status == 408:
		return New(KindTimedOut, "%s", msg)
	case status >= 400 && status < 500:
		return New(KindValidation, "%s", msg)
	case status >= 500:
		return New(KindTransient, "%s", msg)
	default:
		return New(KindInternal, "unexpected http status %d: %s", status, msg)
	}
}

// ClassifyContainerExit maps a container exit code and stderr tail into
// Transient or a fatal kind. Exit 125-128 are docker/runtime level failures
// (image pull, OOM-adjacent) and treated as transient; 137 is SIGKILL which
// usually means OOM or cancellation.
func ClassifyContainerExit(exitCode int, stderr string) *Failure {
	tail := strings.ToLower(stderr)
	switch {
	case exitCode == 0:
		return nil
	case exitCode == 137 || exitCode == 143:
		return New(KindTransient, "container killed (exit %d)", exitCode)
	case exitCode >= 125 && exitCode <= 128:
		return New(KindTransient, "container runtime failure (exit %d): %s", exitCode, firstLine(stderr))
	case strings.Contains(tail, "permission denied") || strings.Contains(tail, "unauthorized"):
		return New(KindAuthentication, "container exit %d: %s", exitCode, firstLine(stderr))
	case strings.Contains(tail, "timeout") || strings.Contains(tail, "connection refused") ||
		strings.Contains(tail, "connection reset") || strings.Contains(tail, "temporarily unavailable"):
		return New(KindTransient, "container exit %d: %s", exitCode, firstLine(stderr))
	default:
		return New(KindContainer, "container exit %d: %s", exitCode, firstLine(stderr))
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
