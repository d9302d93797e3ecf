// Package broker defines the brokerage gateway interface and its
// implementations (live REST+websocket client, paper simulator, and the
// circuit breaker decorator).
package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies broker failures so callers can decide between retry,
// reject, and abort without parsing messages.
type ErrorKind string

const (
	// KindValidation means the request was malformed and will never succeed.
	KindValidation ErrorKind = "validation"
	// KindRejected means the broker understood and refused (margin, RMS, halt).
	KindRejected ErrorKind = "rejected"
	// KindUnavailable means a transient failure worth retrying (timeout, 5xx,
	// rate limit, dropped connection).
	KindUnavailable ErrorKind = "unavailable"
	// KindFatal means the session is unusable (auth revoked, token expired).
	KindFatal ErrorKind = "fatal"
)

// Error is the tagged error returned by every gateway operation.
type Error struct {
	Kind ErrorKind
	Op   string // gateway operation, e.g. "placeConditionalOrder"
	Msg  string
	Err  error // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker %s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("broker %s: %s: %s", e.Op, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: cause}
}

// KindOf extracts the ErrorKind from err, defaulting to KindUnavailable for
// untagged errors so unknown failures stay retryable rather than fatal.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnavailable
}

// IsUnavailable reports whether err is a transient broker failure.
func IsUnavailable(err error) bool { return err != nil && KindOf(err) == KindUnavailable }

// IsRejected reports whether the broker refused the request.
func IsRejected(err error) bool { return err != nil && KindOf(err) == KindRejected }

// IsFatal reports whether the broker session is unusable.
func IsFatal(err error) bool { return err != nil && KindOf(err) == KindFatal }

// kindFromStatus maps an HTTP status to an ErrorKind.
func kindFromStatus(status int) ErrorKind {
	switch {
	case status == 400 || status == 422:
		return KindValidation
	case status == 401 || status == 403:
		return KindFatal
	case status == 429 || status >= 500:
		return KindUnavailable
	case status >= 400:
		return KindRejected
	default:
		return KindUnavailable
	}
}
