package vm

import (
	"errors"
	"fmt"
)

var ErrInvalidSuspendedState = errors.New("invalid suspended state")

// SuspendedState is a deep copy of the machine, complete enough to
// continue the run in another machine or another process. Trap
// handlers are not part of it; Restore reinstalls them.
type SuspendedState struct {
	Program    []Instruction
	Registers  Registers
	Memory     []byte
	PC         int64
	Stack      []int64
	State      State
	ExitCode   int32
	TrapCode   uint32
	Fault      string
	Steps      uint64
	StepBudget uint64
}

// Suspend captures the machine state. The machine itself remains
// usable; the returned state shares nothing with it.
func (m *Machine) Suspend() *SuspendedState {
	s := &SuspendedState{
		Program:    append([]Instruction(nil), m.prog...),
		Registers:  m.regs,
		Memory:     append([]byte(nil), m.mem.data...),
		PC:         m.pc,
		Stack:      append([]int64(nil), m.stack...),
		State:      m.state,
		ExitCode:   m.exit,
		TrapCode:   m.trap,
		Steps:      m.steps,
		StepBudget: m.budget,
	}
	if m.fault != nil {
		s.Fault = m.fault.Error()
	}
	return s
}

// Restore builds a machine from a suspended state. A restored fault
// keeps its message but not its sentinel identity; faulted and
// halted machines restore for inspection only, trapped machines can
// Resume, running machines continue stepping.
func Restore(s *SuspendedState, traps map[uint32]TrapHandler) (*Machine, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil", ErrInvalidSuspendedState)
	}
	if len(s.Program) > MaxProgramSlots {
		return nil, fmt.Errorf("%w: %d program slots", ErrInvalidSuspendedState, len(s.Program))
	}
	if len(s.Memory) > MaxMemorySize {
		return nil, fmt.Errorf("%w: %d memory bytes", ErrInvalidSuspendedState, len(s.Memory))
	}
	if len(s.Stack) > MaxCallDepth {
		return nil, fmt.Errorf("%w: call depth %d", ErrInvalidSuspendedState, len(s.Stack))
	}
	if s.State > StateTrapped {
		return nil, fmt.Errorf("%w: state %d", ErrInvalidSuspendedState, uint8(s.State))
	}
	m := &Machine{
		prog:   append([]Instruction(nil), s.Program...),
		regs:   s.Registers,
		mem:    &Memory{data: append([]byte(nil), s.Memory...)},
		pc:     s.PC,
		stack:  append([]int64(nil), s.Stack...),
		traps:  make(map[uint32]TrapHandler, len(traps)),
		state:  s.State,
		exit:   s.ExitCode,
		trap:   s.TrapCode,
		steps:  s.Steps,
		budget: s.StepBudget,
	}
	if s.State == StateFaulted && s.Fault != "" {
		m.fault = errors.New(s.Fault)
	}
	for code, h := range traps {
		m.traps[code] = h
	}
	return m, nil
}
