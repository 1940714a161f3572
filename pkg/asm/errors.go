package asm

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownInstruction marks a mnemonic the machine does not have.
	ErrUnknownInstruction = errors.New("unknown instruction")

	// ErrBadOperand covers malformed registers, literals, and memory
	// operands, and wrong operand counts.
	ErrBadOperand = errors.New("bad operand")

	// ErrRange marks a value that does not fit its field.
	ErrRange = errors.New("operand out of range")

	// ErrBadDirective covers unknown directives and directives used
	// outside their section.
	ErrBadDirective = errors.New("bad directive")

	// ErrDuplicateLabel and ErrDuplicateEquate reject redefinition.
	ErrDuplicateLabel  = errors.New("duplicate label")
	ErrDuplicateEquate = errors.New("duplicate equate")

	// ErrUnknownLabel marks a reference no label defines.
	ErrUnknownLabel = errors.New("unknown label")

	// ErrExpression marks a $() expression that fails to evaluate to
	// an integer.
	ErrExpression = errors.New("bad expression")
)

// SyntaxError ties an assembly error to the source line it came
// from. Errors returned by Assemble unwrap to one of the package
// sentinels through it.
type SyntaxError struct {
	Line int
	Text string
	Err  error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("line %d: %v: %q", e.Line, e.Err, e.Text)
}

func (e *SyntaxError) Unwrap() error { return e.Err }
