package offload

import (
	"fmt"

	"github.com/gomlx/hlopt/hlo"
)

// ErrorKind distinguishes user annotation errors -- wrong use of the offload
// markers, which the user can fix -- from internal invariant violations, which
// are defects of the pass or a corrupted module.
type ErrorKind int

const (
	// UserError indicates a misuse of the MoveToHost/MoveToDevice annotations,
	// e.g. compute performed on a host-resident tensor.
	UserError ErrorKind = 1 + iota

	// InternalError indicates an invariant violation inside the pass itself.
	InternalError
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case UserError:
		return "user error"
	case InternalError:
		return "internal error"
	default:
		return "unknown error kind"
	}
}

// Error is a failure of the host offloading pass. It carries the offending
// instruction so callers (and tests) can point at the exact graph node.
// Use errors.As to recover it from a wrapped chain.
type Error struct {
	Kind        ErrorKind
	Instruction *hlo.Instruction
	Message     string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Instruction == nil {
		return fmt.Sprintf("host-offloader %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("host-offloader %s at %%%s: %s", e.Kind, e.Instruction.Name(), e.Message)
}

func userErrorf(inst *hlo.Instruction, format string, args ...any) error {
	return &Error{Kind: UserError, Instruction: inst, Message: fmt.Sprintf(format, args...)}
}

func internalErrorf(inst *hlo.Instruction, format string, args ...any) error {
	return &Error{Kind: InternalError, Instruction: inst, Message: fmt.Sprintf(format, args...)}
}
