package vm

import (
	"fmt"

	"github.com/pkg/errors"
)

// TrapKind identifies one of the five disjoint, non-recoverable
// failure modes the engine can raise (spec.md §7).
type TrapKind int

const (
	TrapArithmetic TrapKind = iota + 1
	TrapMemory
	TrapAssertion
	TrapUser
	TrapInvalidInstruction
)

func (k TrapKind) String() string {
	switch k {
	case TrapArithmetic:
		return "arithmetic"
	case TrapMemory:
		return "memory"
	case TrapAssertion:
		return "assertion"
	case TrapUser:
		return "user"
	case TrapInvalidInstruction:
		return "invalid_instruction"
	default:
		return "unknown"
	}
}

// ExitCode returns this trap kind's distinct nonzero process exit
// status. spec.md §7 requires distinct codes per kind but does not
// mandate specific values; this assignment is recorded as an Open
// Question resolution in DESIGN.md.
func (k TrapKind) ExitCode() int {
	switch k {
	case TrapArithmetic:
		return 1
	case TrapMemory:
		return 2
	case TrapAssertion:
		return 3
	case TrapUser:
		return 4
	case TrapInvalidInstruction:
		return 5
	default:
		return 255
	}
}

// Trap is a non-recoverable engine error: it terminates execution of
// the whole VM process, carrying a diagnostic and the instruction
// offset at which it was raised. It wraps an error built with
// github.com/pkg/errors so that a trap raised from deep inside a
// native call retains a stack trace for -trace diagnostics.
type Trap struct {
	Kind    TrapKind
	Message string
	PC      uint32
	cause   error
}

func (t *Trap) Error() string {
	return fmt.Sprintf("%s: %s (pc=%d)", t.Kind, t.Message, t.PC)
}

// Cause returns the underlying stack-traced error, for callers that
// want %+v-style diagnostics (the CLI prints it under --trace).
func (t *Trap) Cause() error { return t.cause }

func newTrap(kind TrapKind, pc uint32, format string, args ...interface{}) *Trap {
	msg := fmt.Sprintf(format, args...)
	return &Trap{
		Kind:    kind,
		Message: msg,
		PC:      pc,
		cause:   errors.Errorf("%s: %s", kind, msg),
	}
}

// AsTrap reports whether err is, or wraps, a *Trap, for natives and
// callers that propagate errors through github.com/pkg/errors'
// Wrap/Cause chain.
func AsTrap(err error) (*Trap, bool) {
	var t *Trap
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}
