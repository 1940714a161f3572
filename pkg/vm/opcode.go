package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Instruction word layout, little-endian on the wire:
//
//	byte 0      opcode
//	byte 1      registers, low nibble dst, high nibble src
//	bytes 2-3   off, signed 16-bit displacement
//	bytes 4-7   imm, signed 32-bit immediate
//
// Every instruction occupies exactly one 8-byte slot. The single
// exception is OpLoadWide, which spans two slots: the second slot
// must carry opcode 0x00 and holds the upper 32 bits of the
// immediate in its imm field.
const (
	// InstructionSize is the width of one encoded instruction in bytes.
	InstructionSize = 8

	// MaxProgramSlots bounds the number of instruction slots a
	// program may contain.
	MaxProgramSlots = 1 << 20
)

// Opcode classes occupy the top three bits of the opcode byte.
const (
	ClassAlu  = 0x00
	ClassMem  = 0x20
	ClassJump = 0x40
	ClassSys  = 0x60
)

// Operand source flag, bit 4 of the opcode byte. Instructions with
// SrcImm take their second operand from the immediate field, those
// with SrcReg from the src register.
const (
	SrcImm = 0x00
	SrcReg = 0x10
)

// ALU operation selectors, low nibble of the opcode byte. Selector
// 0x00 is reserved so that a zeroed slot never decodes to a valid
// standalone instruction.
const (
	aluAdd = 0x01
	aluSub = 0x02
	aluMul = 0x03
	aluDiv = 0x04
	aluMod = 0x05
	aluAnd = 0x06
	aluOr  = 0x07
	aluXor = 0x08
	aluShl = 0x09
	aluShr = 0x0a
	aluSar = 0x0b
	aluMov = 0x0c
	aluNeg = 0x0d
	aluNot = 0x0e
)

// Memory operation selectors. Bits 0-1 select the access width,
// bit 3 distinguishes stores from loads.
const (
	memWidth8  = 0x00
	memWidth16 = 0x01
	memWidth32 = 0x02
	memWidth64 = 0x03
	memStore   = 0x08
	memWide    = 0x0f
)

// Jump condition selectors. Unsigned comparisons precede the
// signed ones; call and ret share the class.
const (
	jumpAlways = 0x00
	jumpEq     = 0x01
	jumpNe     = 0x02
	jumpGt     = 0x03
	jumpGe     = 0x04
	jumpLt     = 0x05
	jumpLe     = 0x06
	jumpSgt    = 0x07
	jumpSge    = 0x08
	jumpSlt    = 0x09
	jumpSle    = 0x0a
	jumpCall   = 0x0b
	jumpRet    = 0x0c
)

// System operation selectors.
const (
	sysHalt = 0x00
	sysTrap = 0x01
	sysNop  = 0x02
)

// Arithmetic and logic, immediate operand.
const (
	OpAddImm = ClassAlu | SrcImm | aluAdd // 0x01
	OpSubImm = ClassAlu | SrcImm | aluSub // 0x02
	OpMulImm = ClassAlu | SrcImm | aluMul // 0x03
	OpDivImm = ClassAlu | SrcImm | aluDiv // 0x04
	OpModImm = ClassAlu | SrcImm | aluMod // 0x05
	OpAndImm = ClassAlu | SrcImm | aluAnd // 0x06
	OpOrImm  = ClassAlu | SrcImm | aluOr  // 0x07
	OpXorImm = ClassAlu | SrcImm | aluXor // 0x08
	OpShlImm = ClassAlu | SrcImm | aluShl // 0x09
	OpShrImm = ClassAlu | SrcImm | aluShr // 0x0a
	OpSarImm = ClassAlu | SrcImm | aluSar // 0x0b
	OpMovImm = ClassAlu | SrcImm | aluMov // 0x0c
	OpNeg    = ClassAlu | SrcImm | aluNeg // 0x0d
	OpNot    = ClassAlu | SrcImm | aluNot // 0x0e
)

// Arithmetic and logic, register operand. Neg and not are unary and
// have no register form.
const (
	OpAddReg = ClassAlu | SrcReg | aluAdd // 0x11
	OpSubReg = ClassAlu | SrcReg | aluSub // 0x12
	OpMulReg = ClassAlu | SrcReg | aluMul // 0x13
	OpDivReg = ClassAlu | SrcReg | aluDiv // 0x14
	OpModReg = ClassAlu | SrcReg | aluMod // 0x15
	OpAndReg = ClassAlu | SrcReg | aluAnd // 0x16
	OpOrReg  = ClassAlu | SrcReg | aluOr  // 0x17
	OpXorReg = ClassAlu | SrcReg | aluXor // 0x18
	OpShlReg = ClassAlu | SrcReg | aluShl // 0x19
	OpShrReg = ClassAlu | SrcReg | aluShr // 0x1a
	OpSarReg = ClassAlu | SrcReg | aluSar // 0x1b
	OpMovReg = ClassAlu | SrcReg | aluMov // 0x1c
)

// Loads read dst from memory at src+off. Stores write to memory at
// dst+off from either the immediate or the src register.
const (
	OpLoad8  = ClassMem | SrcImm | memWidth8  // 0x20
	OpLoad16 = ClassMem | SrcImm | memWidth16 // 0x21
	OpLoad32 = ClassMem | SrcImm | memWidth32 // 0x22
	OpLoad64 = ClassMem | SrcImm | memWidth64 // 0x23

	OpStore8Imm  = ClassMem | SrcImm | memStore | memWidth8  // 0x28
	OpStore16Imm = ClassMem | SrcImm | memStore | memWidth16 // 0x29
	OpStore32Imm = ClassMem | SrcImm | memStore | memWidth32 // 0x2a
	OpStore64Imm = ClassMem | SrcImm | memStore | memWidth64 // 0x2b

	OpStore8Reg  = ClassMem | SrcReg | memStore | memWidth8  // 0x38
	OpStore16Reg = ClassMem | SrcReg | memStore | memWidth16 // 0x39
	OpStore32Reg = ClassMem | SrcReg | memStore | memWidth32 // 0x3a
	OpStore64Reg = ClassMem | SrcReg | memStore | memWidth64 // 0x3b

	// OpLoadWide loads a full 64-bit immediate into dst. The low 32
	// bits come from this slot's imm, the high 32 bits from the imm
	// of the continuation slot that follows.
	OpLoadWide = ClassMem | SrcImm | memWide // 0x2f
)

// Control flow. Conditional jumps compare dst against the immediate
// or the src register and, when the condition holds, transfer to
// off slots past the next instruction. OpJump is unconditional.
// OpCall pushes the return slot and transfers by imm; OpRet pops it.
const (
	OpJump = ClassJump | SrcImm | jumpAlways // 0x40

	OpJeqImm  = ClassJump | SrcImm | jumpEq  // 0x41
	OpJneImm  = ClassJump | SrcImm | jumpNe  // 0x42
	OpJgtImm  = ClassJump | SrcImm | jumpGt  // 0x43
	OpJgeImm  = ClassJump | SrcImm | jumpGe  // 0x44
	OpJltImm  = ClassJump | SrcImm | jumpLt  // 0x45
	OpJleImm  = ClassJump | SrcImm | jumpLe  // 0x46
	OpJsgtImm = ClassJump | SrcImm | jumpSgt // 0x47
	OpJsgeImm = ClassJump | SrcImm | jumpSge // 0x48
	OpJsltImm = ClassJump | SrcImm | jumpSlt // 0x49
	OpJsleImm = ClassJump | SrcImm | jumpSle // 0x4a

	OpCall = ClassJump | SrcImm | jumpCall // 0x4b
	OpRet  = ClassJump | SrcImm | jumpRet  // 0x4c

	OpJeqReg  = ClassJump | SrcReg | jumpEq  // 0x51
	OpJneReg  = ClassJump | SrcReg | jumpNe  // 0x52
	OpJgtReg  = ClassJump | SrcReg | jumpGt  // 0x53
	OpJgeReg  = ClassJump | SrcReg | jumpGe  // 0x54
	OpJltReg  = ClassJump | SrcReg | jumpLt  // 0x55
	OpJleReg  = ClassJump | SrcReg | jumpLe  // 0x56
	OpJsgtReg = ClassJump | SrcReg | jumpSgt // 0x57
	OpJsgeReg = ClassJump | SrcReg | jumpSge // 0x58
	OpJsltReg = ClassJump | SrcReg | jumpSlt // 0x59
	OpJsleReg = ClassJump | SrcReg | jumpSle // 0x5a
)

// System instructions. OpHalt ends the run with the immediate as
// exit code. OpTrap transfers to the host with the immediate as
// trap code.
const (
	OpHalt = ClassSys | SrcImm | sysHalt // 0x60
	OpTrap = ClassSys | SrcImm | sysTrap // 0x61
	OpNop  = ClassSys | SrcImm | sysNop  // 0x62
)

var (
	ErrProgramTooLarge  = errors.New("program too large")
	ErrTruncatedProgram = errors.New("program length not a multiple of the instruction size")
)

// Instruction is one decoded 64-bit instruction slot.
type Instruction uint64

// Encode packs the instruction fields into a single slot.
func Encode(op uint8, dst, src uint8, off int16, imm int32) Instruction {
	return Instruction(uint64(op) |
		uint64(dst&0x0f)<<8 |
		uint64(src&0x0f)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32)
}

// EncodeWide builds the two slots of a wide load.
func EncodeWide(dst uint8, imm uint64) [2]Instruction {
	return [2]Instruction{
		Encode(OpLoadWide, dst, 0, 0, int32(uint32(imm))),
		Encode(0, 0, 0, 0, int32(uint32(imm>>32))),
	}
}

// Op returns the opcode byte.
func (ins Instruction) Op() uint8 {
	return uint8(ins & 0xff)
}

// Dst returns the destination register index.
func (ins Instruction) Dst() uint8 {
	return uint8(ins>>8) & 0x0f
}

// Src returns the source register index.
func (ins Instruction) Src() uint8 {
	return uint8(ins>>12) & 0x0f
}

// Off returns the signed 16-bit offset field.
func (ins Instruction) Off() int16 {
	return int16(uint16(ins >> 16))
}

// Imm returns the signed 32-bit immediate field.
func (ins Instruction) Imm() int32 {
	return int32(uint32(ins >> 32))
}

// Uimm returns the immediate reinterpreted as unsigned.
func (ins Instruction) Uimm() uint32 {
	return uint32(ins >> 32)
}

// Class returns the instruction class bits of the opcode.
func (ins Instruction) Class() uint8 {
	return ins.Op() & 0xe0
}

// IsWide reports whether the instruction occupies two slots.
func (ins Instruction) IsWide() bool {
	return ins.Op() == OpLoadWide
}

// DecodeProgram splits raw little-endian program bytes into
// instruction slots. The byte length must be a multiple of
// InstructionSize; slot contents are not validated here, unknown
// opcodes surface as faults at execution time.
func DecodeProgram(code []byte) ([]Instruction, error) {
	if len(code)%InstructionSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncatedProgram, len(code))
	}
	n := len(code) / InstructionSize
	if n > MaxProgramSlots {
		return nil, fmt.Errorf("%w: %d slots exceeds %d", ErrProgramTooLarge, n, MaxProgramSlots)
	}
	out := make([]Instruction, n)
	for i := 0; i < n; i++ {
		out[i] = Instruction(binary.LittleEndian.Uint64(code[i*InstructionSize:]))
	}
	return out, nil
}

// EncodeProgram serializes instruction slots back to wire bytes.
func EncodeProgram(program []Instruction) []byte {
	out := make([]byte, len(program)*InstructionSize)
	for i, ins := range program {
		binary.LittleEndian.PutUint64(out[i*InstructionSize:], uint64(ins))
	}
	return out
}
