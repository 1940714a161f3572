package asm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/ternvm/tern/pkg/hostcall"
	"github.com/ternvm/tern/pkg/image"
	"github.com/ternvm/tern/pkg/vm"
)

func mustAssemble(t *testing.T, src string) *image.Image {
	t.Helper()
	img, err := Assemble("test", []byte(src))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return img
}

func mustInstructions(t *testing.T, img *image.Image) []vm.Instruction {
	t.Helper()
	ins, err := img.Instructions()
	if err != nil {
		t.Fatalf("Instructions: %v", err)
	}
	return ins
}

func checkProgram(t *testing.T, img *image.Image, want []vm.Instruction) {
	t.Helper()
	got := mustInstructions(t, img)
	if len(got) != len(want) {
		t.Fatalf("program has %d slots, want %d:\n%s", len(got), len(want), vm.Disassemble(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("slot %d = %q (%#016x), want %q", i, got[i], uint64(got[i]), want[i])
		}
	}
}

// A disassembled listing must assemble back to the bytes it came
// from.
func TestRoundTrip(t *testing.T) {
	program := []vm.Instruction{
		vm.Encode(vm.OpMovImm, 0, 0, 0, 0),
		vm.Encode(vm.OpAddImm, 0, 0, 0, 1),
		vm.Encode(vm.OpMovReg, 1, 0, 0, 0),
		vm.Encode(vm.OpJltImm, 0, 0, -3, 10),
		vm.Encode(vm.OpNeg, 1, 0, 0, 0),
		vm.Encode(vm.OpLoad32, 2, 3, 8, 0),
		vm.Encode(vm.OpStore8Imm, 1, 0, 2, 7),
		vm.Encode(vm.OpStore64Reg, 1, 2, 0, 0),
		vm.Encode(vm.OpCall, 0, 0, 0, 3),
		vm.Encode(vm.OpTrap, 0, 0, 0, 4),
		vm.Encode(vm.OpHalt, 0, 0, 0, 3),
		vm.Encode(vm.OpJump, 0, 0, 3, 0),
	}
	wide := vm.EncodeWide(5, 0xdeadbeefcafebabe)
	program = append(program, wide[0], wide[1])
	program = append(program,
		vm.Encode(vm.OpRet, 0, 0, 0, 0),
		vm.Encode(vm.OpNop, 0, 0, 0, 0),
		vm.Encode(0xee, 0, 0, 0, 0),
	)

	listing := vm.Disassemble(program)
	img, err := Assemble("roundtrip", []byte(listing))
	if err != nil {
		t.Fatalf("Assemble listing:\n%s\nerror: %v", listing, err)
	}
	if want := vm.EncodeProgram(program); !bytes.Equal(img.Code, want) {
		t.Fatalf("round trip changed the code:\n%s\ngot:\n%s",
			listing, vm.Disassemble(mustInstructions(t, img)))
	}
}

const greeter = `
	.name "greeter"
	.memory 0x200
	.entry main

main:	mov r1, STDOUT
	ldw r2, msg		; data address
	mov r3, 6
	trap WRITE
	halt 0

	.data 0x100
msg:	.ascii "hello\n"
`

func TestGreeterRuns(t *testing.T) {
	img, err := Assemble("fallback", []byte(greeter))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if img.Name != "greeter" {
		t.Errorf("Name = %q, want the .name directive to win", img.Name)
	}
	if img.Entry != 0 || img.MemSize != 0x200 || img.DataAddr != 0x100 {
		t.Errorf("geometry = entry %d, mem %#x, data %#x", img.Entry, img.MemSize, img.DataAddr)
	}
	if string(img.Data) != "hello\n" {
		t.Errorf("Data = %q", img.Data)
	}

	var out bytes.Buffer
	host := &hostcall.Host{Stdout: &out}
	m, err := img.NewMachine(&vm.Opts{Traps: host.Registry()})
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	st, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.State != vm.StateHalted || st.ExitCode != 0 {
		t.Fatalf("status = %v", st)
	}
	if out.String() != "hello\n" {
		t.Fatalf("output = %q", out.String())
	}
}

func TestEquatesAndAliases(t *testing.T) {
	img := mustAssemble(t, `
	.equ LIMIT 3
	.equ acc r2

	mov acc, 0
loop:	add acc, LIMIT
	jlt acc, $(LIMIT * 3), loop
	halt 0
`)
	checkProgram(t, img, []vm.Instruction{
		vm.Encode(vm.OpMovImm, 2, 0, 0, 0),
		vm.Encode(vm.OpAddImm, 2, 0, 0, 3),
		vm.Encode(vm.OpJltImm, 2, 0, -2, 9),
		vm.Encode(vm.OpHalt, 0, 0, 0, 0),
	})
}

func TestCharLiterals(t *testing.T) {
	img := mustAssemble(t, "mov r0, 'A'\nmov r1, '\\n'\nmov r2, ';'\nhalt 0\n")
	checkProgram(t, img, []vm.Instruction{
		vm.Encode(vm.OpMovImm, 0, 0, 0, 'A'),
		vm.Encode(vm.OpMovImm, 1, 0, 0, '\n'),
		vm.Encode(vm.OpMovImm, 2, 0, 0, ';'),
		vm.Encode(vm.OpHalt, 0, 0, 0, 0),
	})
}

func TestDataSection(t *testing.T) {
	img := mustAssemble(t, `
	ldw r1, buf
	halt 0

	.data 0x40
val:	.quad 0x1122334455667788
buf:	.byte 1 2 0xff 'H'
s:	.ascii "ab"
z:	.asciz "c"
`)
	want := binary.LittleEndian.AppendUint64(nil, 0x1122334455667788)
	want = append(want, 1, 2, 0xff, 'H', 'a', 'b', 'c', 0)
	if !bytes.Equal(img.Data, want) {
		t.Fatalf("Data = %x, want %x", img.Data, want)
	}
	if img.DataAddr != 0x40 {
		t.Fatalf("DataAddr = %#x", img.DataAddr)
	}

	// buf sits 8 bytes past the load address.
	wide := vm.EncodeWide(1, 0x48)
	checkProgram(t, img, []vm.Instruction{
		wide[0], wide[1],
		vm.Encode(vm.OpHalt, 0, 0, 0, 0),
	})
}

func TestNumericEntry(t *testing.T) {
	img := mustAssemble(t, ".entry 1\nnop\nhalt 0\n")
	if img.Entry != 1 {
		t.Fatalf("Entry = %d, want 1", img.Entry)
	}
}

func TestPredefine(t *testing.T) {
	a := New()
	a.Name = "pre"
	a.Predefine("N", 7)
	img, err := a.Assemble(strings.NewReader("mov r0, N\nhalt 0\n"))
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	checkProgram(t, img, []vm.Instruction{
		vm.Encode(vm.OpMovImm, 0, 0, 0, 7),
		vm.Encode(vm.OpHalt, 0, 0, 0, 0),
	})
}

func TestSyntaxErrors(t *testing.T) {
	cases := []struct {
		name string
		src  string
		line int
		want error
	}{
		{"unknown instruction", "frob r1, 5", 1, ErrUnknownInstruction},
		{"bad register", "mov r99, 1", 1, ErrBadOperand},
		{"operand count", "mov r1", 1, ErrBadOperand},
		{"unknown label", "nop\njmp missing", 2, ErrUnknownLabel},
		{"duplicate label", "x: nop\nx: nop", 2, ErrDuplicateLabel},
		{"duplicate equate", ".equ A 1\n.equ A 2", 2, ErrDuplicateEquate},
		{"redefined predefine", ".equ STDOUT 5", 1, ErrDuplicateEquate},
		{"byte outside data", ".byte 1", 1, ErrBadDirective},
		{"ascii outside data", `.ascii "hi"`, 1, ErrBadDirective},
		{"ascii unquoted", ".data\n.ascii hi", 2, ErrBadOperand},
		{"unknown directive", ".frob 1", 1, ErrBadDirective},
		{"code after data", ".data\nnop", 2, ErrBadDirective},
		{"second data section", ".data\n.data", 2, ErrBadDirective},
		{"bad expression", "mov r1, $(1 +)", 1, ErrExpression},
		{"expression type", `mov r1, $("x")`, 1, ErrExpression},
		{"imm too wide", "add r1, 0x1ffffffff", 1, ErrRange},
		{"branch too far", "jmp +40000", 1, ErrRange},
		{"trap negative", "trap -1", 1, ErrRange},
		{"memory too large", ".memory 0x80000000", 1, ErrRange},
		{"branch to data", "jmp d\n.data\nd: .byte 1", 1, ErrBadOperand},
		{"entry unknown", ".entry nowhere\nnop", 1, ErrUnknownLabel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Assemble("t", []byte(tc.src))
			if err == nil {
				t.Fatalf("no error for:\n%s", tc.src)
			}
			var serr *SyntaxError
			if !errors.As(err, &serr) {
				t.Fatalf("error %v is not a SyntaxError", err)
			}
			if serr.Line != tc.line {
				t.Errorf("error on line %d, want %d: %v", serr.Line, tc.line, err)
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("error %v does not wrap %v", err, tc.want)
			}
		})
	}
}

func TestBranchRangeAtLink(t *testing.T) {
	var b strings.Builder
	b.WriteString("jmp far\n")
	for i := 0; i < 40000; i++ {
		b.WriteString("nop\n")
	}
	b.WriteString("far: halt 0\n")

	_, err := Assemble("t", []byte(b.String()))
	if !errors.Is(err, ErrRange) {
		t.Fatalf("err = %v, want a range error", err)
	}
	var serr *SyntaxError
	if !errors.As(err, &serr) || serr.Line != 1 {
		t.Fatalf("error not tied to the jump line: %v", err)
	}
}

func TestEmptySource(t *testing.T) {
	if _, err := Assemble("t", nil); !errors.Is(err, image.ErrNoCode) {
		t.Fatalf("err = %v, want %v", err, image.ErrNoCode)
	}
}
