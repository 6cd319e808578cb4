package sequencer

import (
	"errors"
	"fmt"

	"go-perform/clock"
)

// Kind classifies engine errors.
type Kind int

const (
	KindConfig Kind = iota + 1
	KindCapacity
	KindOverrun
	KindInvariant
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "configuration"
	case KindCapacity:
		return "capacity"
	case KindOverrun:
		return "overrun"
	case KindInvariant:
		return "invariant"
	case KindTransport:
		return "transport"
	}
	return "unknown"
}

// Error is returned by every rejected operation. A rejected operation makes
// no state change.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, e.Msg)
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrCapacity)
// works regardless of Op and Msg.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Msg == ""
}

var (
	ErrConfig    = &Error{Kind: KindConfig}
	ErrCapacity  = &Error{Kind: KindCapacity}
	ErrOverrun   = &Error{Kind: KindOverrun}
	ErrInvariant = &Error{Kind: KindInvariant}
	ErrTransport = &Error{Kind: KindTransport}
)

func newError(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// clockError maps clock package errors onto engine kinds.
func clockError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, clock.ErrRunning):
		return newError(KindTransport, op, "transport is running")
	case errors.Is(err, clock.ErrRange):
		return newError(KindConfig, op, "%v", err)
	}
	return newError(KindConfig, op, "%v", err)
}
