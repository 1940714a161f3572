// Package vm implements the tern bytecode machine: a fixed register
// file, a flat bounds-checked data region, and a sequential
// fetch-decode-execute interpreter with explicit halt, fault, and
// trap outcomes.
//
// A Machine is deterministic. Given the same program, entry point,
// register file, memory image, and trap handlers, a run produces the
// same outcome every time. All arithmetic wraps modulo 2^64 and
// shift counts are taken modulo 64.
package vm

import (
	"errors"
	"fmt"
)

// DefaultMemorySize is the data region size used when Opts does not
// set one.
const DefaultMemorySize = 64 * 1024

// MaxCallDepth bounds the call stack.
const MaxCallDepth = 64

var (
	ErrInvalidOpcode      = errors.New("invalid opcode")
	ErrIPOutOfBounds      = errors.New("instruction pointer out of bounds")
	ErrCallStackOverflow  = errors.New("call stack overflow")
	ErrCallStackUnderflow = errors.New("call stack underflow")
	ErrDivisionByZero     = errors.New("division by zero")
	ErrBudgetExhausted    = errors.New("step budget exhausted")
	ErrNotRunning         = errors.New("machine is not running")
	ErrNotTrapped         = errors.New("machine is not trapped")
)

// State is the lifecycle state of a Machine.
type State uint8

const (
	// StateRunning means the machine can execute further steps.
	StateRunning State = iota
	// StateHalted means the program ended itself with an exit code.
	StateHalted
	// StateFaulted means execution stopped on an unrecoverable error.
	StateFaulted
	// StateTrapped means the program requested host service and no
	// handler was installed for the code. Resume continues execution
	// after the trap site.
	StateTrapped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateHalted:
		return "halted"
	case StateFaulted:
		return "faulted"
	case StateTrapped:
		return "trapped"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// StepResult reports the effect of a single step.
type StepResult uint8

const (
	StepContinue StepResult = iota
	StepHalted
	StepFaulted
	StepTrapped
)

func (r StepResult) String() string {
	switch r {
	case StepContinue:
		return "continue"
	case StepHalted:
		return "halted"
	case StepFaulted:
		return "faulted"
	case StepTrapped:
		return "trapped"
	default:
		return fmt.Sprintf("step(%d)", uint8(r))
	}
}

// Status is a snapshot of the machine outcome. ExitCode is
// meaningful when State is StateHalted, TrapCode when StateTrapped,
// Fault when StateFaulted.
type Status struct {
	State    State
	ExitCode int32
	TrapCode uint32
	Fault    error
	Steps    uint64
}

func (s Status) String() string {
	switch s.State {
	case StateHalted:
		return fmt.Sprintf("halted(%d)", s.ExitCode)
	case StateFaulted:
		return fmt.Sprintf("faulted(%v)", s.Fault)
	case StateTrapped:
		return fmt.Sprintf("trapped(%d)", s.TrapCode)
	default:
		return s.State.String()
	}
}

// TrapHandler services one trap code. The machine's instruction
// pointer already sits past the trap instruction when the handler
// runs, so arguments are read from r1 through r3 and the result is
// conventionally written to r0. A non-nil error faults the machine.
type TrapHandler func(m *Machine, code uint32) error

// Opts configures a new Machine. The zero value runs a program from
// slot zero with a zeroed register file and a DefaultMemorySize
// data region.
type Opts struct {
	// MemorySize is the data region size in bytes.
	MemorySize int
	// Memory is an initial image copied to address zero.
	Memory []byte
	// Registers is the initial register file.
	Registers *Registers
	// Entry is the first instruction slot to execute.
	Entry uint64
	// StepBudget caps executed instructions. Zero means unlimited.
	StepBudget uint64
	// Traps maps trap codes to handlers. Codes without a handler
	// park the machine in StateTrapped.
	Traps map[uint32]TrapHandler
}

// Machine is one bytecode execution context. It is not safe for
// concurrent use.
type Machine struct {
	prog   []Instruction
	regs   Registers
	mem    *Memory
	pc     int64
	stack  []int64
	traps  map[uint32]TrapHandler
	state  State
	exit   int32
	trap   uint32
	fault  error
	steps  uint64
	budget uint64
}

// New decodes raw program bytes and builds a machine around them.
func New(code []byte, opts *Opts) (*Machine, error) {
	prog, err := DecodeProgram(code)
	if err != nil {
		return nil, err
	}
	return newMachine(prog, opts)
}

// NewFromInstructions builds a machine from already decoded slots.
func NewFromInstructions(program []Instruction, opts *Opts) (*Machine, error) {
	if len(program) > MaxProgramSlots {
		return nil, fmt.Errorf("%w: %d slots exceeds %d", ErrProgramTooLarge, len(program), MaxProgramSlots)
	}
	return newMachine(append([]Instruction(nil), program...), opts)
}

func newMachine(program []Instruction, opts *Opts) (*Machine, error) {
	if opts == nil {
		opts = &Opts{}
	}
	size := opts.MemorySize
	if size == 0 {
		size = DefaultMemorySize
	}
	mem, err := NewMemory(size)
	if err != nil {
		return nil, err
	}
	if len(opts.Memory) > 0 {
		if err := mem.WriteBytes(0, opts.Memory); err != nil {
			return nil, fmt.Errorf("initial memory image: %w", err)
		}
	}
	m := &Machine{
		prog:   program,
		mem:    mem,
		pc:     int64(opts.Entry),
		budget: opts.StepBudget,
		traps:  make(map[uint32]TrapHandler, len(opts.Traps)),
	}
	if opts.Registers != nil {
		m.regs = *opts.Registers
	}
	for code, h := range opts.Traps {
		m.traps[code] = h
	}
	return m, nil
}

// HandleTrap installs a handler for one trap code, replacing any
// previous handler for that code.
func (m *Machine) HandleTrap(code uint32, h TrapHandler) {
	m.traps[code] = h
}

// State returns the current lifecycle state.
func (m *Machine) State() State { return m.state }

// Status snapshots the machine outcome.
func (m *Machine) Status() Status {
	return Status{
		State:    m.state,
		ExitCode: m.exit,
		TrapCode: m.trap,
		Fault:    m.fault,
		Steps:    m.steps,
	}
}

// PC returns the current instruction slot.
func (m *Machine) PC() int64 { return m.pc }

// Steps returns the number of instructions executed so far.
func (m *Machine) Steps() uint64 { return m.steps }

// Reg reads one register through the checked path.
func (m *Machine) Reg(idx uint8) (uint64, error) {
	return m.regs.Get(idx)
}

// SetReg writes one register through the checked path.
func (m *Machine) SetReg(idx uint8, v uint64) error {
	return m.regs.Set(idx, v)
}

// Registers returns a copy of the register file.
func (m *Machine) Registers() Registers { return m.regs }

// Memory returns the machine's data region.
func (m *Machine) Memory() *Memory { return m.mem }

// Program returns the instruction slots. Callers must not modify
// the returned slice.
func (m *Machine) Program() []Instruction { return m.prog }

// CallDepth returns the number of frames on the call stack.
func (m *Machine) CallDepth() int { return len(m.stack) }

// Resume returns a trapped machine to the running state. The
// instruction pointer already sits past the trap instruction, so
// the next step continues the program. Only StateTrapped machines
// can resume; halted and faulted machines are final.
func (m *Machine) Resume() error {
	if m.state != StateTrapped {
		return fmt.Errorf("%w: %s", ErrNotTrapped, m.state)
	}
	m.state = StateRunning
	return nil
}

// Run steps the machine until it leaves the running state. The
// returned error is the fault when the machine faulted and nil for
// halt and trap outcomes; the status carries the detail either way.
func (m *Machine) Run() (Status, error) {
	if m.state != StateRunning {
		return m.Status(), ErrNotRunning
	}
	for {
		res, err := m.Step()
		switch res {
		case StepContinue:
		case StepFaulted:
			return m.Status(), err
		default:
			return m.Status(), nil
		}
	}
}

// stopFault parks the machine in StateFaulted. The offending
// instruction has made no state change when this is reached.
func (m *Machine) stopFault(err error) (StepResult, error) {
	m.state = StateFaulted
	m.fault = err
	return StepFaulted, err
}

func regFault(idx uint8) error {
	return fmt.Errorf("%w: r%d", ErrInvalidRegister, idx)
}

// Step executes exactly one instruction. Validation happens before
// any state change: an instruction that faults leaves registers,
// memory, and the instruction pointer exactly as they were.
func (m *Machine) Step() (StepResult, error) {
	switch m.state {
	case StateHalted:
		return StepHalted, ErrNotRunning
	case StateFaulted:
		return StepFaulted, ErrNotRunning
	case StateTrapped:
		return StepTrapped, ErrNotRunning
	}

	if m.budget > 0 && m.steps >= m.budget {
		return m.stopFault(fmt.Errorf("%w: %d instructions", ErrBudgetExhausted, m.budget))
	}
	if m.pc < 0 || m.pc >= int64(len(m.prog)) {
		return m.stopFault(fmt.Errorf("%w: slot %d of %d", ErrIPOutOfBounds, m.pc, len(m.prog)))
	}

	ins := m.prog[m.pc]
	op := ins.Op()
	dst := ins.Dst()
	src := ins.Src()
	off := ins.Off()
	imm := ins.Imm()

	// next is the slot executed after this instruction. Jumps adjust
	// it; everything else falls through sequentially.
	next := m.pc + 1

	switch op {

	// Arithmetic and logic, immediate operand. The immediate sign
	// extends to 64 bits.
	case OpAddImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		m.regs[dst] += uint64(int64(imm))
	case OpSubImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		m.regs[dst] -= uint64(int64(imm))
	case OpMulImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		m.regs[dst] *= uint64(int64(imm))
	case OpDivImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if imm == 0 {
			return m.stopFault(fmt.Errorf("%w: div at slot %d", ErrDivisionByZero, m.pc))
		}
		m.regs[dst] /= uint64(int64(imm))
	case OpModImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if imm == 0 {
			return m.stopFault(fmt.Errorf("%w: mod at slot %d", ErrDivisionByZero, m.pc))
		}
		m.regs[dst] %= uint64(int64(imm))
	case OpAndImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		m.regs[dst] &= uint64(int64(imm))
	case OpOrImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		m.regs[dst] |= uint64(int64(imm))
	case OpXorImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		m.regs[dst] ^= uint64(int64(imm))
	case OpShlImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		m.regs[dst] <<= uint64(imm) & 63
	case OpShrImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		m.regs[dst] >>= uint64(imm) & 63
	case OpSarImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		m.regs[dst] = uint64(int64(m.regs[dst]) >> (uint64(imm) & 63))
	case OpMovImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		m.regs[dst] = uint64(int64(imm))
	case OpNeg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		m.regs[dst] = -m.regs[dst]
	case OpNot:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		m.regs[dst] = ^m.regs[dst]

	// Arithmetic and logic, register operand.
	case OpAddReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		m.regs[dst] += m.regs[src]
	case OpSubReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		m.regs[dst] -= m.regs[src]
	case OpMulReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		m.regs[dst] *= m.regs[src]
	case OpDivReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if m.regs[src] == 0 {
			return m.stopFault(fmt.Errorf("%w: div at slot %d", ErrDivisionByZero, m.pc))
		}
		m.regs[dst] /= m.regs[src]
	case OpModReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if m.regs[src] == 0 {
			return m.stopFault(fmt.Errorf("%w: mod at slot %d", ErrDivisionByZero, m.pc))
		}
		m.regs[dst] %= m.regs[src]
	case OpAndReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		m.regs[dst] &= m.regs[src]
	case OpOrReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		m.regs[dst] |= m.regs[src]
	case OpXorReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		m.regs[dst] ^= m.regs[src]
	case OpShlReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		m.regs[dst] <<= m.regs[src] & 63
	case OpShrReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		m.regs[dst] >>= m.regs[src] & 63
	case OpSarReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		m.regs[dst] = uint64(int64(m.regs[dst]) >> (m.regs[src] & 63))
	case OpMovReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		m.regs[dst] = m.regs[src]

	// Loads: dst <- memory[src+off].
	case OpLoad8:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		v, err := m.mem.Read8(m.regs[src] + uint64(int64(off)))
		if err != nil {
			return m.stopFault(err)
		}
		m.regs[dst] = uint64(v)
	case OpLoad16:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		v, err := m.mem.Read16(m.regs[src] + uint64(int64(off)))
		if err != nil {
			return m.stopFault(err)
		}
		m.regs[dst] = uint64(v)
	case OpLoad32:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		v, err := m.mem.Read32(m.regs[src] + uint64(int64(off)))
		if err != nil {
			return m.stopFault(err)
		}
		m.regs[dst] = uint64(v)
	case OpLoad64:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		v, err := m.mem.Read64(m.regs[src] + uint64(int64(off)))
		if err != nil {
			return m.stopFault(err)
		}
		m.regs[dst] = v

	// Stores, immediate source: memory[dst+off] <- imm.
	case OpStore8Imm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if err := m.mem.Write8(m.regs[dst]+uint64(int64(off)), uint8(imm)); err != nil {
			return m.stopFault(err)
		}
	case OpStore16Imm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if err := m.mem.Write16(m.regs[dst]+uint64(int64(off)), uint16(imm)); err != nil {
			return m.stopFault(err)
		}
	case OpStore32Imm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if err := m.mem.Write32(m.regs[dst]+uint64(int64(off)), uint32(imm)); err != nil {
			return m.stopFault(err)
		}
	case OpStore64Imm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if err := m.mem.Write64(m.regs[dst]+uint64(int64(off)), uint64(int64(imm))); err != nil {
			return m.stopFault(err)
		}

	// Stores, register source: memory[dst+off] <- src.
	case OpStore8Reg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if err := m.mem.Write8(m.regs[dst]+uint64(int64(off)), uint8(m.regs[src])); err != nil {
			return m.stopFault(err)
		}
	case OpStore16Reg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if err := m.mem.Write16(m.regs[dst]+uint64(int64(off)), uint16(m.regs[src])); err != nil {
			return m.stopFault(err)
		}
	case OpStore32Reg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if err := m.mem.Write32(m.regs[dst]+uint64(int64(off)), uint32(m.regs[src])); err != nil {
			return m.stopFault(err)
		}
	case OpStore64Reg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if err := m.mem.Write64(m.regs[dst]+uint64(int64(off)), m.regs[src]); err != nil {
			return m.stopFault(err)
		}

	// Wide load: the continuation slot supplies the high 32 bits.
	case OpLoadWide:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if next >= int64(len(m.prog)) {
			return m.stopFault(fmt.Errorf("%w: wide load at slot %d has no continuation", ErrIPOutOfBounds, m.pc))
		}
		cont := m.prog[next]
		if cont.Op() != 0 {
			return m.stopFault(fmt.Errorf("%w: %#02x is not a wide load continuation at slot %d", ErrInvalidOpcode, cont.Op(), next))
		}
		m.regs[dst] = uint64(ins.Uimm()) | uint64(cont.Uimm())<<32
		next++

	// Control flow. Conditional targets are relative to the slot
	// after the jump.
	case OpJump:
		next += int64(off)
	case OpJeqImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if m.regs[dst] == uint64(int64(imm)) {
			next += int64(off)
		}
	case OpJneImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if m.regs[dst] != uint64(int64(imm)) {
			next += int64(off)
		}
	case OpJgtImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if m.regs[dst] > uint64(int64(imm)) {
			next += int64(off)
		}
	case OpJgeImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if m.regs[dst] >= uint64(int64(imm)) {
			next += int64(off)
		}
	case OpJltImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if m.regs[dst] < uint64(int64(imm)) {
			next += int64(off)
		}
	case OpJleImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if m.regs[dst] <= uint64(int64(imm)) {
			next += int64(off)
		}
	case OpJsgtImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if int64(m.regs[dst]) > int64(imm) {
			next += int64(off)
		}
	case OpJsgeImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if int64(m.regs[dst]) >= int64(imm) {
			next += int64(off)
		}
	case OpJsltImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if int64(m.regs[dst]) < int64(imm) {
			next += int64(off)
		}
	case OpJsleImm:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if int64(m.regs[dst]) <= int64(imm) {
			next += int64(off)
		}
	case OpJeqReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if m.regs[dst] == m.regs[src] {
			next += int64(off)
		}
	case OpJneReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if m.regs[dst] != m.regs[src] {
			next += int64(off)
		}
	case OpJgtReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if m.regs[dst] > m.regs[src] {
			next += int64(off)
		}
	case OpJgeReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if m.regs[dst] >= m.regs[src] {
			next += int64(off)
		}
	case OpJltReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if m.regs[dst] < m.regs[src] {
			next += int64(off)
		}
	case OpJleReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if m.regs[dst] <= m.regs[src] {
			next += int64(off)
		}
	case OpJsgtReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if int64(m.regs[dst]) > int64(m.regs[src]) {
			next += int64(off)
		}
	case OpJsgeReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if int64(m.regs[dst]) >= int64(m.regs[src]) {
			next += int64(off)
		}
	case OpJsltReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if int64(m.regs[dst]) < int64(m.regs[src]) {
			next += int64(off)
		}
	case OpJsleReg:
		if dst >= NumRegisters {
			return m.stopFault(regFault(dst))
		}
		if src >= NumRegisters {
			return m.stopFault(regFault(src))
		}
		if int64(m.regs[dst]) <= int64(m.regs[src]) {
			next += int64(off)
		}

	case OpCall:
		if len(m.stack) >= MaxCallDepth {
			return m.stopFault(fmt.Errorf("%w: depth %d at slot %d", ErrCallStackOverflow, MaxCallDepth, m.pc))
		}
		m.stack = append(m.stack, next)
		next = m.pc + 1 + int64(imm)
	case OpRet:
		if len(m.stack) == 0 {
			return m.stopFault(fmt.Errorf("%w: ret at slot %d", ErrCallStackUnderflow, m.pc))
		}
		next = m.stack[len(m.stack)-1]
		m.stack = m.stack[:len(m.stack)-1]

	case OpHalt:
		m.steps++
		m.state = StateHalted
		m.exit = imm
		return StepHalted, nil

	case OpTrap:
		code := ins.Uimm()
		// The pointer moves past the trap before the host sees the
		// machine, so both handled calls and resumed parks continue
		// at the next instruction.
		m.pc = next
		m.steps++
		if h, ok := m.traps[code]; ok {
			if err := h(m, code); err != nil {
				return m.stopFault(fmt.Errorf("trap %d: %w", code, err))
			}
			return StepContinue, nil
		}
		m.state = StateTrapped
		m.trap = code
		return StepTrapped, nil

	case OpNop:

	default:
		return m.stopFault(fmt.Errorf("%w: %#02x at slot %d", ErrInvalidOpcode, op, m.pc))
	}

	m.pc = next
	m.steps++
	return StepContinue, nil
}
