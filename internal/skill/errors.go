package skill

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for the user-facing layers.
type Kind string

const (
	// KindSourceNotAllowed is a policy violation. Never retried.
	KindSourceNotAllowed Kind = "source_not_allowed"
	// KindMalformedURL is an input error; the user is asked to correct it.
	KindMalformedURL Kind = "malformed_url"
	// KindUpstreamUnavailable is a transient network or API failure. Safe to retry.
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	// KindInstallFailure is a non-zero exit or internal installer error.
	KindInstallFailure Kind = "install_failure"
	// KindInternalError is anything unexpected during turn processing.
	KindInternalError Kind = "internal_error"
	// KindCanceled means the caller abandoned the operation.
	KindCanceled Kind = "canceled"
)

// Retryable reports whether an operation failing with k may be tried again.
func (k Kind) Retryable() bool {
	return k == KindUpstreamUnavailable
}

// Error is a classified domain error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a classified error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from err. Context cancellation is reported as
// KindCanceled and deadlines as KindUpstreamUnavailable; everything else
// unclassified is KindInternalError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindUpstreamUnavailable
	}
	return KindInternalError
}

// MessageOf returns the user-facing message of a classified error, or the
// plain error text otherwise.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
