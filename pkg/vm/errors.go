package vm

import (
	"errors"
	"fmt"
)

// Runtime fault kinds. Every runtime failure unwraps to exactly one of
// these, so callers can classify with errors.Is regardless of the detail
// type carried alongside.
var (
	ErrAccessViolation        = errors.New("memory access violation")
	ErrDivisionByZero         = errors.New("division by zero")
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
	ErrStackOverflow          = errors.New("stack overflow")
	ErrCallDepthExceeded      = errors.New("call depth exceeded")
	ErrOutOfInstructions      = errors.New("instruction budget exceeded")
	ErrUnknownSyscall         = errors.New("unknown syscall")
)

// Verifier rejection reasons.
var (
	ErrInvalidRegister          = errors.New("invalid register")
	ErrInvalidJumpTarget        = errors.New("invalid jump target")
	ErrTruncatedWideInstruction = errors.New("truncated wide instruction")
	ErrNoTerminalExit           = errors.New("no reachable exit")
	ErrFallthroughEnd           = errors.New("execution can fall off program end")
	ErrBadByteSwapWidth         = errors.New("invalid byte swap width")
)

// AccessViolation describes an out-of-bounds or permission-denied memory
// access.
type AccessViolation struct {
	Addr   uint64
	Len    uint64
	Access Access
}

func (e *AccessViolation) Error() string {
	return fmt.Sprintf("%v: %s of %d bytes at 0x%x", ErrAccessViolation, e.Access, e.Len, e.Addr)
}

func (e *AccessViolation) Unwrap() error { return ErrAccessViolation }

// OutOfInstructions reports budget exhaustion.
type OutOfInstructions struct {
	Consumed uint64
	Budget   uint64
}

func (e *OutOfInstructions) Error() string {
	return fmt.Sprintf("%v: consumed %d of %d", ErrOutOfInstructions, e.Consumed, e.Budget)
}

func (e *OutOfInstructions) Unwrap() error { return ErrOutOfInstructions }

// UnsupportedInstruction reports an opcode outside the implemented set.
type UnsupportedInstruction struct {
	Opcode uint8
}

func (e *UnsupportedInstruction) Error() string {
	return fmt.Sprintf("%v: opcode 0x%02x", ErrUnsupportedInstruction, e.Opcode)
}

func (e *UnsupportedInstruction) Unwrap() error { return ErrUnsupportedInstruction }

// UnresolvedSyscall reports a call to an id with no registered handler.
type UnresolvedSyscall struct {
	ID uint32
}

func (e *UnresolvedSyscall) Error() string {
	return fmt.Sprintf("%v: 0x%08x", ErrUnknownSyscall, e.ID)
}

func (e *UnresolvedSyscall) Unwrap() error { return ErrUnknownSyscall }

// Fault is a terminal runtime failure together with the machine state at
// the point of failure.
type Fault struct {
	Err  error
	Regs [NumRegs]uint64
	PC   int64
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault at pc %d: %v", f.PC, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// VerifierError rejects a whole program, naming the offending instruction.
type VerifierError struct {
	Index int
	Err   error
}

func (e *VerifierError) Error() string {
	return fmt.Sprintf("verify: instruction %d: %v", e.Index, e.Err)
}

func (e *VerifierError) Unwrap() error { return e.Err }
