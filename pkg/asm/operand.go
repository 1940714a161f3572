package asm

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ternvm/tern/pkg/vm"
)

// opPair holds the two opcode forms of a mnemonic whose second
// operand may be an immediate or a register.
type opPair struct {
	imm uint8
	reg uint8
}

var aluOps = map[string]opPair{
	"add": {vm.OpAddImm, vm.OpAddReg},
	"sub": {vm.OpSubImm, vm.OpSubReg},
	"mul": {vm.OpMulImm, vm.OpMulReg},
	"div": {vm.OpDivImm, vm.OpDivReg},
	"mod": {vm.OpModImm, vm.OpModReg},
	"and": {vm.OpAndImm, vm.OpAndReg},
	"or":  {vm.OpOrImm, vm.OpOrReg},
	"xor": {vm.OpXorImm, vm.OpXorReg},
	"shl": {vm.OpShlImm, vm.OpShlReg},
	"shr": {vm.OpShrImm, vm.OpShrReg},
	"sar": {vm.OpSarImm, vm.OpSarReg},
	"mov": {vm.OpMovImm, vm.OpMovReg},
}

var unaryOps = map[string]uint8{
	"neg": vm.OpNeg,
	"not": vm.OpNot,
}

var loadOps = map[string]uint8{
	"ld8":  vm.OpLoad8,
	"ld16": vm.OpLoad16,
	"ld32": vm.OpLoad32,
	"ld64": vm.OpLoad64,
}

var storeOps = map[string]opPair{
	"st8":  {vm.OpStore8Imm, vm.OpStore8Reg},
	"st16": {vm.OpStore16Imm, vm.OpStore16Reg},
	"st32": {vm.OpStore32Imm, vm.OpStore32Reg},
	"st64": {vm.OpStore64Imm, vm.OpStore64Reg},
}

var condOps = map[string]opPair{
	"jeq":  {vm.OpJeqImm, vm.OpJeqReg},
	"jne":  {vm.OpJneImm, vm.OpJneReg},
	"jgt":  {vm.OpJgtImm, vm.OpJgtReg},
	"jge":  {vm.OpJgeImm, vm.OpJgeReg},
	"jlt":  {vm.OpJltImm, vm.OpJltReg},
	"jle":  {vm.OpJleImm, vm.OpJleReg},
	"jsgt": {vm.OpJsgtImm, vm.OpJsgtReg},
	"jsge": {vm.OpJsgeImm, vm.OpJsgeReg},
	"jslt": {vm.OpJsltImm, vm.OpJsltReg},
	"jsle": {vm.OpJsleImm, vm.OpJsleReg},
}

// parseReg accepts r0 through r11.
func parseReg(w string) (uint8, error) {
	if len(w) < 2 || w[0] != 'r' {
		return 0, fmt.Errorf("%w: %q is not a register", ErrBadOperand, w)
	}
	n, err := strconv.Atoi(w[1:])
	if err != nil || n < 0 || n >= vm.NumRegisters {
		return 0, fmt.Errorf("%w: %q is not a register", ErrBadOperand, w)
	}
	return uint8(n), nil
}

func isReg(w string) bool {
	_, err := parseReg(w)
	return err == nil
}

// parseValue reads an integer literal in any base strconv accepts,
// mapping negative values onto the unsigned 64-bit word.
func parseValue(w string) (uint64, error) {
	if strings.HasPrefix(w, "-") || strings.HasPrefix(w, "+") {
		v, err := strconv.ParseInt(w, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrBadOperand, w)
		}
		return uint64(v), nil
	}
	v, err := strconv.ParseUint(w, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadOperand, w)
	}
	return v, nil
}

func isInt(w string) bool {
	_, err := parseValue(w)
	return err == nil
}

// imm32 narrows a literal to the signed immediate field, accepting
// both signed and unsigned 32-bit spellings.
func imm32(w string) (int32, error) {
	raw, err := parseValue(w)
	if err != nil {
		return 0, err
	}
	if v := int64(raw); v >= math.MinInt32 && v <= math.MaxInt32 {
		return int32(v), nil
	}
	if raw <= math.MaxUint32 {
		return int32(uint32(raw)), nil
	}
	return 0, fmt.Errorf("%w: %q does not fit in 32 bits", ErrRange, w)
}

func off16(w string) (int16, error) {
	raw, err := parseValue(w)
	if err != nil {
		return 0, err
	}
	if v := int64(raw); v < math.MinInt16 || v > math.MaxInt16 {
		return 0, fmt.Errorf("%w: %q does not fit in 16 bits", ErrRange, w)
	}
	return int16(raw), nil
}

func uimm32(w string) (uint32, error) {
	raw, err := parseValue(w)
	if err != nil {
		return 0, err
	}
	if raw > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %q does not fit in 32 bits", ErrRange, w)
	}
	return uint32(raw), nil
}

// parseMem splits a [rN], [rN+off], or [rN-off] operand.
func parseMem(w string) (uint8, int16, error) {
	if len(w) < 3 || w[0] != '[' || w[len(w)-1] != ']' {
		return 0, 0, fmt.Errorf("%w: %q is not a memory operand", ErrBadOperand, w)
	}
	body := w[1 : len(w)-1]
	i := strings.IndexAny(body, "+-")
	if i < 0 {
		reg, err := parseReg(body)
		return reg, 0, err
	}
	reg, err := parseReg(body[:i])
	if err != nil {
		return 0, 0, err
	}
	off, err := off16(body[i:])
	if err != nil {
		return 0, 0, err
	}
	return reg, off, nil
}

// splitWord takes the first whitespace-delimited word off a line.
func splitWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, unicode.IsSpace)
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

// splitOperands breaks an operand list on commas and whitespace.
func splitOperands(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// stripComment cuts a ; comment, leaving semicolons inside string
// and character literals alone.
func stripComment(line string) string {
	var inStr, inChar bool
	for i := 0; i < len(line); i++ {
		switch c := line[i]; {
		case c == '\\' && (inStr || inChar):
			i++
		case c == '"' && !inChar:
			inStr = !inStr
		case c == '\'' && !inStr:
			inChar = !inChar
		case c == ';' && !inStr && !inChar:
			return line[:i]
		}
	}
	return line
}

var charLit = regexp.MustCompile(`'\\?[^']'`)

// expandChar rewrites one character literal as its decimal value.
func expandChar(m string) string {
	body := m[1 : len(m)-1]
	if strings.HasPrefix(body, `\`) {
		var c byte
		switch body[1] {
		case 'n':
			c = '\n'
		case 'r':
			c = '\r'
		case 't':
			c = '\t'
		case '0':
			c = 0
		default:
			c = body[1]
		}
		return strconv.Itoa(int(c))
	}
	r, _ := utf8.DecodeRuneInString(body)
	return strconv.Itoa(int(r))
}
