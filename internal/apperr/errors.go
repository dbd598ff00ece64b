// Package apperr defines the error taxonomy returned by the ledger, account and auth
// packages. Every error crossing a package boundary carries a Kind and a message that
// is safe to show to end users.
package apperr

import (
	"errors"
	"fmt"

	"github.com/Krchnk/gw-mining-wallet/internal/storages"
)

type Kind int

const (
	Unknown Kind = iota
	NotFound
	InvalidArgument
	InsufficientFunds
	Unauthorized
	Unavailable
	Conflict
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case InvalidArgument:
		return "invalid_argument"
	case InsufficientFunds:
		return "insufficient_funds"
	case Unauthorized:
		return "unauthorized"
	case Unavailable:
		return "unavailable"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

var defaultMessages = map[Kind]string{
	NotFound:          "Account not found",
	InvalidArgument:   "Invalid request",
	InsufficientFunds: "Insufficient funds",
	Unauthorized:      "Unauthorized",
	Unavailable:       "Service temporarily unavailable, please retry",
	Conflict:          "Request conflicts with current state",
	Unknown:           "Internal server error",
}

type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds an *Error. An empty msg falls back to the default message for kind.
func E(kind Kind, op, msg string, err error) *Error {
	if msg == "" {
		msg = defaultMessages[kind]
	}
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the user-visible text for err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return defaultMessages[Unknown]
}

// Classify maps store and transport failures into the taxonomy. Errors that are
// already classified pass through untouched.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, storages.ErrNotFound):
		return E(NotFound, op, "", err)
	case errors.Is(err, storages.ErrConflict):
		return E(Conflict, op, "", err)
	default:
		return E(Unavailable, op, "", err)
	}
}
