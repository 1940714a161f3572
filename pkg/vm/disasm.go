package vm

import (
	"fmt"
	"sort"
	"strings"
)

var opNames = map[uint8]string{
	OpAddImm: "add", OpAddReg: "add",
	OpSubImm: "sub", OpSubReg: "sub",
	OpMulImm: "mul", OpMulReg: "mul",
	OpDivImm: "div", OpDivReg: "div",
	OpModImm: "mod", OpModReg: "mod",
	OpAndImm: "and", OpAndReg: "and",
	OpOrImm: "or", OpOrReg: "or",
	OpXorImm: "xor", OpXorReg: "xor",
	OpShlImm: "shl", OpShlReg: "shl",
	OpShrImm: "shr", OpShrReg: "shr",
	OpSarImm: "sar", OpSarReg: "sar",
	OpMovImm: "mov", OpMovReg: "mov",
	OpNeg:    "neg",
	OpNot:    "not",

	OpLoad8: "ld8", OpLoad16: "ld16", OpLoad32: "ld32", OpLoad64: "ld64",
	OpStore8Imm: "st8", OpStore16Imm: "st16", OpStore32Imm: "st32", OpStore64Imm: "st64",
	OpStore8Reg: "st8", OpStore16Reg: "st16", OpStore32Reg: "st32", OpStore64Reg: "st64",
	OpLoadWide: "ldw",

	OpJump:   "jmp",
	OpJeqImm: "jeq", OpJeqReg: "jeq",
	OpJneImm: "jne", OpJneReg: "jne",
	OpJgtImm: "jgt", OpJgtReg: "jgt",
	OpJgeImm: "jge", OpJgeReg: "jge",
	OpJltImm: "jlt", OpJltReg: "jlt",
	OpJleImm: "jle", OpJleReg: "jle",
	OpJsgtImm: "jsgt", OpJsgtReg: "jsgt",
	OpJsgeImm: "jsge", OpJsgeReg: "jsge",
	OpJsltImm: "jslt", OpJsltReg: "jslt",
	OpJsleImm: "jsle", OpJsleReg: "jsle",
	OpCall: "call",
	OpRet:  "ret",

	OpHalt: "halt",
	OpTrap: "trap",
	OpNop:  "nop",
}

// OpName returns the mnemonic for an opcode byte.
func OpName(op uint8) string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%#02x)", op)
}

// String renders a single slot in assembly syntax. Jump targets come
// out in relative form and a wide load shows only its low half;
// Disassemble produces the full listing with labels and paired wide
// immediates.
func (ins Instruction) String() string {
	return formatSlot(ins, 0, false, "")
}

func memOperand(reg uint8, off int16) string {
	switch {
	case off > 0:
		return fmt.Sprintf("[r%d+%d]", reg, off)
	case off < 0:
		return fmt.Sprintf("[r%d%d]", reg, off)
	default:
		return fmt.Sprintf("[r%d]", reg)
	}
}

func formatSlot(ins Instruction, wideHi uint32, paired bool, target string) string {
	op := ins.Op()
	dst := ins.Dst()
	src := ins.Src()
	off := ins.Off()
	imm := ins.Imm()

	switch op {
	case OpAddImm, OpSubImm, OpMulImm, OpDivImm, OpModImm, OpAndImm,
		OpOrImm, OpXorImm, OpShlImm, OpShrImm, OpSarImm, OpMovImm:
		return fmt.Sprintf("%s r%d, %d", opNames[op], dst, imm)
	case OpNeg, OpNot:
		return fmt.Sprintf("%s r%d", opNames[op], dst)
	case OpAddReg, OpSubReg, OpMulReg, OpDivReg, OpModReg, OpAndReg,
		OpOrReg, OpXorReg, OpShlReg, OpShrReg, OpSarReg, OpMovReg:
		return fmt.Sprintf("%s r%d, r%d", opNames[op], dst, src)

	case OpLoad8, OpLoad16, OpLoad32, OpLoad64:
		return fmt.Sprintf("%s r%d, %s", opNames[op], dst, memOperand(src, off))
	case OpStore8Imm, OpStore16Imm, OpStore32Imm, OpStore64Imm:
		return fmt.Sprintf("%s %s, %d", opNames[op], memOperand(dst, off), imm)
	case OpStore8Reg, OpStore16Reg, OpStore32Reg, OpStore64Reg:
		return fmt.Sprintf("%s %s, r%d", opNames[op], memOperand(dst, off), src)
	case OpLoadWide:
		v := uint64(ins.Uimm())
		if paired {
			v |= uint64(wideHi) << 32
		}
		return fmt.Sprintf("ldw r%d, %#x", dst, v)

	case OpJump:
		if target != "" {
			return "jmp " + target
		}
		return fmt.Sprintf("jmp %+d", off)
	case OpJeqImm, OpJneImm, OpJgtImm, OpJgeImm, OpJltImm, OpJleImm,
		OpJsgtImm, OpJsgeImm, OpJsltImm, OpJsleImm:
		if target != "" {
			return fmt.Sprintf("%s r%d, %d, %s", opNames[op], dst, imm, target)
		}
		return fmt.Sprintf("%s r%d, %d, %+d", opNames[op], dst, imm, off)
	case OpJeqReg, OpJneReg, OpJgtReg, OpJgeReg, OpJltReg, OpJleReg,
		OpJsgtReg, OpJsgeReg, OpJsltReg, OpJsleReg:
		if target != "" {
			return fmt.Sprintf("%s r%d, r%d, %s", opNames[op], dst, src, target)
		}
		return fmt.Sprintf("%s r%d, r%d, %+d", opNames[op], dst, src, off)
	case OpCall:
		if target != "" {
			return "call " + target
		}
		return fmt.Sprintf("call %+d", imm)
	case OpRet:
		return "ret"

	case OpHalt:
		return fmt.Sprintf("halt %d", imm)
	case OpTrap:
		return fmt.Sprintf("trap %d", ins.Uimm())
	case OpNop:
		return "nop"

	default:
		return fmt.Sprintf(".quad %#016x", uint64(ins))
	}
}

// branchTarget returns the absolute slot a control transfer at slot
// i lands on, or -1 when the instruction is not a transfer with an
// encoded target.
func branchTarget(ins Instruction, i int64) int64 {
	switch op := ins.Op(); {
	case op == OpCall:
		return i + 1 + int64(ins.Imm())
	case op == OpRet:
		return -1
	case ins.Class() == ClassJump:
		return i + 1 + int64(ins.Off())
	default:
		return -1
	}
}

// Disassemble renders a program as an assembler-ready listing.
// In-range branch targets become synthesized labels, wide loads are
// folded with their continuation slot, and anything that does not
// decode is emitted as a raw .quad directive.
func Disassemble(program []Instruction) string {
	n := int64(len(program))

	labels := make(map[int64]string)
	for i := int64(0); i < n; i++ {
		ins := program[i]
		if ins.IsWide() {
			i++
			continue
		}
		if t := branchTarget(ins, i); t >= 0 && t < n {
			labels[t] = ""
		}
	}
	slots := make([]int64, 0, len(labels))
	for s := range labels {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(a, b int) bool { return slots[a] < slots[b] })
	for idx, s := range slots {
		labels[s] = fmt.Sprintf("L%d", idx)
	}

	var b strings.Builder
	for i := int64(0); i < n; i++ {
		if name, ok := labels[i]; ok {
			b.WriteString(name)
			b.WriteString(":\n")
		}
		ins := program[i]
		if ins.IsWide() && i+1 < n && program[i+1].Op() == 0 {
			b.WriteByte('\t')
			b.WriteString(formatSlot(ins, program[i+1].Uimm(), true, ""))
			b.WriteByte('\n')
			i++
			continue
		}
		target := ""
		if t := branchTarget(ins, i); t >= 0 {
			target = labels[t]
		}
		b.WriteByte('\t')
		b.WriteString(formatSlot(ins, 0, false, target))
		b.WriteByte('\n')
	}
	return b.String()
}
