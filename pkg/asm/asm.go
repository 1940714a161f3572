package asm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/ternvm/tern/pkg/hostcall"
	"github.com/ternvm/tern/pkg/image"
	"github.com/ternvm/tern/pkg/vm"
)

// Equates predefined in every program. The names mirror the host
// call ABI so sources can trap by name.
var predefined = map[string]string{
	"STDOUT":    strconv.Itoa(hostcall.FdStdout),
	"STDERR":    strconv.Itoa(hostcall.FdStderr),
	"WRITE":     strconv.Itoa(hostcall.CodeWrite),
	"SHA256":    strconv.Itoa(hostcall.CodeSha256),
	"KECCAK256": strconv.Itoa(hostcall.CodeKeccak256),
	"BLAKE3":    strconv.Itoa(hostcall.CodeBlake3),
	"CLOCK":     strconv.Itoa(hostcall.CodeClock),
}

// fixKind says how a label reference patches its slot at link time.
type fixKind int

const (
	fixBranch fixKind = iota // 16-bit relative offset
	fixCall                  // 32-bit relative immediate
	fixImm                   // 32-bit absolute immediate
	fixWide                  // 64-bit absolute across a slot pair
)

// fixup is one unresolved label reference.
type fixup struct {
	slot  int64
	label string
	kind  fixKind
	line  int
	text  string
}

func (f fixup) wrap(err error) error {
	return &SyntaxError{Line: f.line, Text: f.text, Err: err}
}

// Assembler accumulates one translation unit. Construct with New;
// the zero value has no equate table.
type Assembler struct {
	// Name is stamped into the produced image. A .name directive
	// overrides it.
	Name string

	code []vm.Instruction
	data []byte

	inData   bool
	memSize  uint64
	dataAddr uint64

	entry     string
	entryLine int

	labels     map[string]int64
	dataLabels map[string]bool
	equates    map[string]string
	fixups     []fixup

	lineno int
	text   string
}

// New returns an empty assembler with the host call names
// predefined.
func New() *Assembler {
	a := &Assembler{
		labels:     make(map[string]int64),
		dataLabels: make(map[string]bool),
		equates:    make(map[string]string),
	}
	for name, value := range predefined {
		a.equates[name] = value
	}
	return a
}

// Predefine installs an equate before parsing. Unlike .equ it may
// overwrite, so callers can re-bind the predefined names.
func (a *Assembler) Predefine(name string, value int64) {
	a.equates[name] = strconv.FormatInt(value, 10)
}

// Assemble runs a fresh assembler over src and stamps name into the
// produced image.
func Assemble(name string, src []byte) (*image.Image, error) {
	a := New()
	a.Name = name
	return a.Assemble(bytes.NewReader(src))
}

// Assemble reads one complete source text and links it into an
// image.
func (a *Assembler) Assemble(r io.Reader) (*image.Image, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		a.lineno++
		a.text = strings.TrimSpace(sc.Text())
		if err := a.parseLine(sc.Text()); err != nil {
			return nil, &SyntaxError{Line: a.lineno, Text: a.text, Err: err}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if err := a.link(); err != nil {
		return nil, err
	}
	return a.image()
}

func (a *Assembler) parseLine(line string) error {
	line = strings.TrimSpace(stripComment(line))
	if line == "" {
		return nil
	}

	head, rest := splitWord(line)
	for strings.HasSuffix(head, ":") {
		if err := a.defineLabel(strings.TrimSuffix(head, ":")); err != nil {
			return err
		}
		if rest == "" {
			return nil
		}
		head, rest = splitWord(rest)
	}

	// String directives keep their operand raw so quoting survives.
	if head == ".ascii" || head == ".asciz" {
		return a.emitString(head, rest)
	}
	if strings.HasPrefix(head, ".") {
		return a.directive(head, rest)
	}

	args, err := a.operands(rest)
	if err != nil {
		return err
	}
	return a.instruction(head, args)
}

func (a *Assembler) defineLabel(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty label", ErrBadOperand)
	}
	if _, ok := a.labels[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateLabel, name)
	}
	if a.inData {
		a.labels[name] = int64(a.dataAddr) + int64(len(a.data))
		a.dataLabels[name] = true
	} else {
		a.labels[name] = int64(len(a.code))
	}
	return nil
}

// operands expands literals and expressions in an operand list,
// splits it, and substitutes equates word by word.
func (a *Assembler) operands(rest string) ([]string, error) {
	expanded, err := a.expand(rest)
	if err != nil {
		return nil, err
	}
	args := splitOperands(expanded)
	for i, w := range args {
		if v, ok := a.equates[w]; ok {
			args[i] = v
		}
	}
	return args, nil
}

var exprLit = regexp.MustCompile(`\$\([^$]*\)`)

// expand rewrites character literals as numbers and evaluates $()
// expressions.
func (a *Assembler) expand(s string) (string, error) {
	s = charLit.ReplaceAllStringFunc(s, expandChar)
	var evalErr error
	s = exprLit.ReplaceAllStringFunc(s, func(m string) string {
		v, err := a.eval(m[2 : len(m)-1])
		if err != nil {
			if evalErr == nil {
				evalErr = err
			}
			return m
		}
		return strconv.FormatInt(v, 10)
	})
	return s, evalErr
}

// eval runs one constant expression under Starlark with the integer
// equates bound as globals.
func (a *Assembler) eval(expr string) (int64, error) {
	env := starlark.StringDict{}
	for name, value := range a.equates {
		v, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			continue // textual equates stay out of expressions
		}
		env[name] = starlark.MakeInt64(v)
	}

	var (
		thread starlark.Thread
		opts   syntax.FileOptions
	)
	globals, err := starlark.ExecFileOptions(&opts, &thread, "expr", "rc = "+expr+"\n", env)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrExpression, err)
	}
	rc, ok := globals["rc"].(starlark.Int)
	if !ok {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrExpression, expr)
	}
	v, ok := rc.Int64()
	if !ok {
		return 0, fmt.Errorf("%w: %q overflows 64 bits", ErrExpression, expr)
	}
	return v, nil
}

func (a *Assembler) directive(name, rest string) error {
	switch name {
	case ".equ":
		key, value := splitWord(rest)
		if key == "" || value == "" {
			return fmt.Errorf("%w: .equ wants a name and a value", ErrBadOperand)
		}
		if _, ok := a.equates[key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateEquate, key)
		}
		args, err := a.operands(value)
		if err != nil {
			return err
		}
		if len(args) != 1 {
			return fmt.Errorf("%w: .equ wants a single value", ErrBadOperand)
		}
		a.equates[key] = args[0]
		return nil

	case ".name":
		s := strings.TrimSpace(rest)
		if strings.HasPrefix(s, `"`) {
			unq, err := strconv.Unquote(s)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrBadOperand, err)
			}
			s = unq
		}
		a.Name = s
		return nil

	case ".memory":
		args, err := a.operands(rest)
		if err != nil {
			return err
		}
		if len(args) != 1 {
			return fmt.Errorf("%w: .memory wants a size", ErrBadOperand)
		}
		v, err := parseValue(args[0])
		if err != nil {
			return err
		}
		if v > vm.MaxMemorySize {
			return fmt.Errorf("%w: memory size %d", ErrRange, v)
		}
		a.memSize = v
		return nil

	case ".entry":
		args, err := a.operands(rest)
		if err != nil {
			return err
		}
		if len(args) != 1 {
			return fmt.Errorf("%w: .entry wants a label or slot", ErrBadOperand)
		}
		a.entry = args[0]
		a.entryLine = a.lineno
		return nil

	case ".data":
		if a.inData {
			return fmt.Errorf("%w: second .data section", ErrBadDirective)
		}
		args, err := a.operands(rest)
		if err != nil {
			return err
		}
		switch len(args) {
		case 0:
		case 1:
			v, err := parseValue(args[0])
			if err != nil {
				return err
			}
			a.dataAddr = v
		default:
			return fmt.Errorf("%w: .data takes at most a load address", ErrBadOperand)
		}
		a.inData = true
		return nil

	case ".byte":
		if !a.inData {
			return fmt.Errorf("%w: .byte outside .data", ErrBadDirective)
		}
		args, err := a.operands(rest)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return fmt.Errorf("%w: .byte wants at least one value", ErrBadOperand)
		}
		for _, w := range args {
			raw, err := parseValue(w)
			if err != nil {
				return err
			}
			if v := int64(raw); v < -128 || v > 255 {
				return fmt.Errorf("%w: %q does not fit in a byte", ErrRange, w)
			}
			a.data = append(a.data, byte(raw))
		}
		return nil

	case ".quad":
		args, err := a.operands(rest)
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return fmt.Errorf("%w: .quad wants at least one value", ErrBadOperand)
		}
		for _, w := range args {
			raw, err := parseValue(w)
			if err != nil {
				return err
			}
			if a.inData {
				a.data = binary.LittleEndian.AppendUint64(a.data, raw)
			} else {
				a.emit(vm.Instruction(raw))
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrBadDirective, name)
}

func (a *Assembler) emitString(name, rest string) error {
	if !a.inData {
		return fmt.Errorf("%w: %s outside .data", ErrBadDirective, name)
	}
	unq, err := strconv.Unquote(strings.TrimSpace(rest))
	if err != nil {
		return fmt.Errorf("%w: %s takes one quoted string", ErrBadOperand, name)
	}
	a.data = append(a.data, unq...)
	if name == ".asciz" {
		a.data = append(a.data, 0)
	}
	return nil
}

func (a *Assembler) instruction(name string, args []string) error {
	if a.inData {
		return fmt.Errorf("%w: instruction %s inside .data", ErrBadDirective, name)
	}

	if ops, ok := aluOps[name]; ok {
		if len(args) != 2 {
			return operandCount(name, 2, len(args))
		}
		dst, err := parseReg(args[0])
		if err != nil {
			return err
		}
		if isReg(args[1]) {
			src, _ := parseReg(args[1])
			a.emit(vm.Encode(ops.reg, dst, src, 0, 0))
			return nil
		}
		if isInt(args[1]) {
			imm, err := imm32(args[1])
			if err != nil {
				return err
			}
			a.emit(vm.Encode(ops.imm, dst, 0, 0, imm))
			return nil
		}
		a.reference(fixImm, args[1])
		a.emit(vm.Encode(ops.imm, dst, 0, 0, 0))
		return nil
	}

	if op, ok := unaryOps[name]; ok {
		if len(args) != 1 {
			return operandCount(name, 1, len(args))
		}
		dst, err := parseReg(args[0])
		if err != nil {
			return err
		}
		a.emit(vm.Encode(op, dst, 0, 0, 0))
		return nil
	}

	if op, ok := loadOps[name]; ok {
		if len(args) != 2 {
			return operandCount(name, 2, len(args))
		}
		dst, err := parseReg(args[0])
		if err != nil {
			return err
		}
		src, off, err := parseMem(args[1])
		if err != nil {
			return err
		}
		a.emit(vm.Encode(op, dst, src, off, 0))
		return nil
	}

	if ops, ok := storeOps[name]; ok {
		if len(args) != 2 {
			return operandCount(name, 2, len(args))
		}
		dst, off, err := parseMem(args[0])
		if err != nil {
			return err
		}
		if isReg(args[1]) {
			src, _ := parseReg(args[1])
			a.emit(vm.Encode(ops.reg, dst, src, off, 0))
			return nil
		}
		imm, err := imm32(args[1])
		if err != nil {
			return err
		}
		a.emit(vm.Encode(ops.imm, dst, 0, off, imm))
		return nil
	}

	if ops, ok := condOps[name]; ok {
		if len(args) != 3 {
			return operandCount(name, 3, len(args))
		}
		dst, err := parseReg(args[0])
		if err != nil {
			return err
		}
		op := ops.imm
		var (
			src uint8
			imm int32
		)
		if isReg(args[1]) {
			op = ops.reg
			src, _ = parseReg(args[1])
		} else if imm, err = imm32(args[1]); err != nil {
			return err
		}
		off, err := a.branchOperand(args[2])
		if err != nil {
			return err
		}
		a.emit(vm.Encode(op, dst, src, off, imm))
		return nil
	}

	switch name {
	case "ldw":
		if len(args) != 2 {
			return operandCount(name, 2, len(args))
		}
		dst, err := parseReg(args[0])
		if err != nil {
			return err
		}
		var v uint64
		if isInt(args[1]) {
			if v, err = parseValue(args[1]); err != nil {
				return err
			}
		} else {
			a.reference(fixWide, args[1])
		}
		pair := vm.EncodeWide(dst, v)
		a.emit(pair[0], pair[1])
		return nil

	case "jmp":
		if len(args) != 1 {
			return operandCount(name, 1, len(args))
		}
		off, err := a.branchOperand(args[0])
		if err != nil {
			return err
		}
		a.emit(vm.Encode(vm.OpJump, 0, 0, off, 0))
		return nil

	case "call":
		if len(args) != 1 {
			return operandCount(name, 1, len(args))
		}
		if isInt(args[0]) {
			imm, err := imm32(args[0])
			if err != nil {
				return err
			}
			a.emit(vm.Encode(vm.OpCall, 0, 0, 0, imm))
			return nil
		}
		a.reference(fixCall, args[0])
		a.emit(vm.Encode(vm.OpCall, 0, 0, 0, 0))
		return nil

	case "ret", "nop":
		if len(args) != 0 {
			return operandCount(name, 0, len(args))
		}
		op := uint8(vm.OpRet)
		if name == "nop" {
			op = vm.OpNop
		}
		a.emit(vm.Encode(op, 0, 0, 0, 0))
		return nil

	case "halt":
		var imm int32
		switch len(args) {
		case 0:
		case 1:
			var err error
			if imm, err = imm32(args[0]); err != nil {
				return err
			}
		default:
			return operandCount(name, 1, len(args))
		}
		a.emit(vm.Encode(vm.OpHalt, 0, 0, 0, imm))
		return nil

	case "trap":
		if len(args) != 1 {
			return operandCount(name, 1, len(args))
		}
		code, err := uimm32(args[0])
		if err != nil {
			return err
		}
		a.emit(vm.Encode(vm.OpTrap, 0, 0, 0, int32(code)))
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnknownInstruction, name)
}

// branchOperand resolves an explicit relative offset now or defers a
// label to link time.
func (a *Assembler) branchOperand(w string) (int16, error) {
	if isInt(w) {
		return off16(w)
	}
	a.reference(fixBranch, w)
	return 0, nil
}

// reference records a label use at the next emitted slot for the
// link pass.
func (a *Assembler) reference(kind fixKind, label string) {
	a.fixups = append(a.fixups, fixup{
		slot:  int64(len(a.code)),
		label: label,
		kind:  kind,
		line:  a.lineno,
		text:  a.text,
	})
}

func (a *Assembler) emit(slots ...vm.Instruction) {
	a.code = append(a.code, slots...)
}

func operandCount(name string, want, got int) error {
	return fmt.Errorf("%w: %s wants %d operands, got %d", ErrBadOperand, name, want, got)
}

// link patches every recorded label reference. Branch offsets come
// out relative to the slot after the instruction; immediates take
// the label value itself.
func (a *Assembler) link() error {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return f.wrap(fmt.Errorf("%w: %s", ErrUnknownLabel, f.label))
		}
		ins := a.code[f.slot]
		switch f.kind {
		case fixBranch, fixCall:
			if a.dataLabels[f.label] {
				return f.wrap(fmt.Errorf("%w: %s is a data label", ErrBadOperand, f.label))
			}
			rel := target - (f.slot + 1)
			if f.kind == fixBranch {
				if rel < math.MinInt16 || rel > math.MaxInt16 {
					return f.wrap(fmt.Errorf("%w: %s is %d slots away", ErrRange, f.label, rel))
				}
				a.code[f.slot] = vm.Encode(ins.Op(), ins.Dst(), ins.Src(), int16(rel), ins.Imm())
				continue
			}
			if rel < math.MinInt32 || rel > math.MaxInt32 {
				return f.wrap(fmt.Errorf("%w: %s is %d slots away", ErrRange, f.label, rel))
			}
			a.code[f.slot] = vm.Encode(ins.Op(), ins.Dst(), ins.Src(), ins.Off(), int32(rel))
		case fixImm:
			if uint64(target) > math.MaxUint32 {
				return f.wrap(fmt.Errorf("%w: %s at %#x", ErrRange, f.label, target))
			}
			a.code[f.slot] = vm.Encode(ins.Op(), ins.Dst(), ins.Src(), ins.Off(), int32(uint32(target)))
		case fixWide:
			pair := vm.EncodeWide(ins.Dst(), uint64(target))
			a.code[f.slot] = pair[0]
			a.code[f.slot+1] = pair[1]
		}
	}
	return nil
}

// image builds and validates the final container.
func (a *Assembler) image() (*image.Image, error) {
	entry, err := a.resolveEntry()
	if err != nil {
		return nil, err
	}
	img := &image.Image{
		Name:     a.Name,
		Entry:    entry,
		MemSize:  a.memSize,
		DataAddr: a.dataAddr,
		Code:     vm.EncodeProgram(a.code),
		Data:     a.data,
	}
	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// resolveEntry turns the .entry operand into a slot index, trying
// labels before numbers.
func (a *Assembler) resolveEntry() (uint64, error) {
	if a.entry == "" {
		return 0, nil
	}
	if target, ok := a.labels[a.entry]; ok {
		if a.dataLabels[a.entry] {
			return 0, a.entryErr(fmt.Errorf("%w: %s is a data label", ErrBadOperand, a.entry))
		}
		return uint64(target), nil
	}
	if isInt(a.entry) {
		return parseValue(a.entry)
	}
	return 0, a.entryErr(fmt.Errorf("%w: %s", ErrUnknownLabel, a.entry))
}

func (a *Assembler) entryErr(err error) error {
	return &SyntaxError{Line: a.entryLine, Text: ".entry " + a.entry, Err: err}
}
