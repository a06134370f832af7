// Error taxonomy for the vesting engine. Callers branch on Kind, the
// HTTP layer maps kinds to status codes.
package vesting

import (
	"errors"
	"fmt"
)

// Kind classifies engine errors for propagation decisions.
type Kind int

const (
	// KindUnknown is an unclassified internal error.
	KindUnknown Kind = iota
	// KindValidation is a malformed or out-of-range request. Not retryable.
	KindValidation
	// KindNotFound means no matching allocation, pool, or transaction.
	KindNotFound
	// KindConflict is a duplicate fee-transaction reuse. Clients must stop
	// retrying; distinguishable from plain validation for that reason.
	KindConflict
	// KindRateLimited means the per-wallet window is exhausted.
	KindRateLimited
	// KindTransient is an external ledger/network failure. Retried
	// internally with bounded backoff before it is surfaced.
	KindTransient
	// KindForbidden means the operation is administratively disabled.
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindForbidden:
		return "forbidden"
	default:
		return "unknown"
	}
}

// Error is an engine error with a machine-readable kind and a human message.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an engine error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapErr builds an engine error of the given kind wrapping a cause.
func WrapErr(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindUnknown if it is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
