// Package aerr defines the tagged error kinds used across the AirAware
// ingestion pipeline. Every failure in the system is classified as one of
// five kinds, which determines how it propagates: BadPayload is logged and
// the bus message acked, Transient leaves the message un-acked for broker
// redelivery, Permanent is counted and never retried, Conflict is surfaced
// to control-surface callers, and Fatal triggers a fail-fast shutdown.
package aerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	// KindBadPayload marks a malformed wire payload or one missing required
	// fields. The message is logged, acked, and discarded.
	KindBadPayload Kind = iota + 1

	// KindTransient marks I/O timeouts, 5xx responses, and connection
	// resets. The operation is retried with backoff; bus messages stay
	// un-acked so the broker redelivers.
	KindTransient

	// KindPermanent marks 4xx responses, push 410 Gone, and invalid
	// recipients. The target is deactivated where applicable and the
	// failure counted; no retry.
	KindPermanent

	// KindConflict marks duplicate unique keys and deletes blocked by
	// referencing rows. Surfaced to control-surface callers as 409.
	KindConflict

	// KindNotFound marks lookups of records that do not exist. Surfaced to
	// control-surface callers as 404.
	KindNotFound

	// KindFatal marks invalid configuration, missing schema, and
	// unrecoverable datastore errors. The process shuts down.
	KindFatal
)

// String returns the kind's canonical name.
func (k Kind) String() string {
	switch k {
	case KindBadPayload:
		return "bad_payload"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error. Op names the failing operation in
// "pkg: operation" form; Err is the underlying cause and may be nil.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return e.Op
	}
}

// Unwrap returns the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a literal message and no cause.
func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Newf creates a classified error with a formatted message and no cause.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, walking the unwrap chain. Unclassified
// errors report KindTransient: an error of unknown origin must not be
// treated as safe to drop.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsBadPayload reports whether err is a BadPayload error.
func IsBadPayload(err error) bool { return IsKind(err, KindBadPayload) }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return IsKind(err, KindTransient) }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool { return IsKind(err, KindPermanent) }

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }
