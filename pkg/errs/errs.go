// Package errs carries the engine error taxonomy. Business failures are
// tagged with a Kind so the API façade can map them to a response class
// without parsing messages.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure.
type Kind string

const (
	KindValidation     Kind = "VALIDATION_FAILURE"
	KindFundsShortfall Kind = "PRE_TRADE_FUNDS_SHORTFALL"
	KindMarketData     Kind = "MARKET_PRICE_NOT_FOUND"
	KindNotFound       Kind = "NOT_FOUND"
	KindPermission     Kind = "PERMISSION_DENIED"
	KindConflict       Kind = "CONFLICT_STATE"
	KindSystem         Kind = "SYSTEM_ERROR"
)

// Error is a kind-tagged engine error. Message is a single line suitable
// for user display; Err holds the underlying cause for SYSTEM_ERROR.
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

// New creates a kind-tagged error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error as a system failure.
func Wrap(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindSystem, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind from an error chain; unrecognized errors are
// system failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindSystem
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// UserMessage returns the display line for a business failure and a
// generic line for system failures.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindSystem {
		return e.Message
	}
	return "internal error, please try again later"
}
