// Package loaderr defines the error taxonomy shared by every component of
// the loader daemon (spec §7). Kinds are distinguished by sentinel wrapping,
// not by concrete type switches, so callers use errors.Is/errors.As the way
// the rest of the pack does.
package loaderr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and exit-code decisions.
type Kind int

const (
	// Configuration errors are fatal at startup: malformed config, unknown
	// region, invalid target driver. Maps to exit code 2.
	Configuration Kind = iota
	// Discovery errors mean a queue message could not be turned into a
	// DataDiscovery (bad payload, registry lookup failure). The message is
	// already received, so nack is impossible; callers alert and ack.
	Discovery
	// Migration errors mean the planner could not compute a delta (stale
	// catalog version, single-entry schema list on a target needing a
	// migration). Callers alert and ack.
	Migration
	// Transient errors are retried per the retry controller (connection
	// reset, pool timeout, warehouse busy, single-attempt timeout).
	Transient
	// Fatal errors are unretryable DB failures: syntax, permission,
	// constraint violation. Callers alert, ack, and terminate the stream.
	Fatal
	// Runtime errors are uncaught exceptions surfaced to the top-level
	// handler, which logs, alerts, and exits 1.
	Runtime
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "Configuration"
	case Discovery:
		return "Discovery"
	case Migration:
		return "MigrationError"
	case Transient:
		return "TransientDB"
	case Fatal:
		return "FatalDB"
	case Runtime:
		return "Runtime"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried through the loader. Cause may be
// nil for errors synthesized directly at the Kind's boundary (e.g. shutdown).
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error carrying cause, following the pack's
// fmt.Errorf("...: %w", err) convention but preserving the Kind for
// classification by callers up the stack.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind == kind
	}
	return false
}

// Shutdown is the sentinel Runtime error reported when a cancellation signal
// interrupts pending retry sleeps (spec §4.4).
var Shutdown = New(Runtime, "shutdown")
