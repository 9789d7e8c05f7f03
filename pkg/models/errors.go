package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the coordination core. Match with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidState       = errors.New("invalid state")
	ErrOwnershipMismatch  = errors.New("ownership mismatch")
	ErrInsufficientBudget = errors.New("insufficient budget")
	ErrDuplicateRoot      = errors.New("duplicate root")
	ErrInvalidTopology    = errors.New("invalid topology")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrConflict           = errors.New("concurrent modification")
)

// Error carries the kind of failure plus the operation and entity involved.
type Error struct {
	Kind error
	Op   string
	ID   string
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	prefix := e.Op
	if e.ID != "" {
		prefix = fmt.Sprintf("%s %s", e.Op, e.ID)
	}
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s", prefix, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", prefix, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

// NewError builds an *Error.
func NewError(kind error, op, id, msg string) error {
	return &Error{Kind: kind, Op: op, ID: id, Msg: msg}
}

// Errorf builds an *Error with a formatted message.
func Errorf(kind error, op, id, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, ID: id, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the sentinel kind of err, or nil when err carries none.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrNotFound, ErrInvalidState, ErrOwnershipMismatch, ErrInsufficientBudget,
		ErrDuplicateRoot, ErrInvalidTopology, ErrInvalidArgument, ErrConflict,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
