package hostcall

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/ternvm/tern/pkg/vm"
)

// writeProgram stores fd/addr/len in the argument registers, traps
// into CodeWrite, and halts.
func writeProgram(fd, addr, n int32) []vm.Instruction {
	return []vm.Instruction{
		vm.Encode(vm.OpMovImm, 1, 0, 0, fd),
		vm.Encode(vm.OpMovImm, 2, 0, 0, addr),
		vm.Encode(vm.OpMovImm, 3, 0, 0, n),
		vm.Encode(vm.OpTrap, 0, 0, 0, CodeWrite),
		vm.Encode(vm.OpHalt, 0, 0, 0, 0),
	}
}

func runProgram(t *testing.T, h *Host, program []vm.Instruction, memory []byte) *vm.Machine {
	t.Helper()
	m, err := vm.NewFromInstructions(program, &vm.Opts{
		Memory: memory,
		Traps:  h.Registry(),
	})
	if err != nil {
		t.Fatalf("NewFromInstructions: %v", err)
	}
	st, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.State != vm.StateHalted {
		t.Fatalf("state = %s, want halted", st.State)
	}
	return m
}

func TestWriteStdout(t *testing.T) {
	memory := make([]byte, 64)
	copy(memory[16:], "hello")

	var out bytes.Buffer
	h := &Host{Stdout: &out}

	m := runProgram(t, h, writeProgram(FdStdout, 16, 5), memory)

	if got := out.String(); got != "hello" {
		t.Fatalf("stdout = %q, want %q", got, "hello")
	}
	if r0 := m.Registers()[0]; r0 != 5 {
		t.Fatalf("r0 = %d, want byte count 5", r0)
	}
}

func TestWriteStderr(t *testing.T) {
	memory := make([]byte, 64)
	copy(memory[0:], "oops")

	var out, errOut bytes.Buffer
	h := &Host{Stdout: &out, Stderr: &errOut}

	runProgram(t, h, writeProgram(FdStderr, 0, 4), memory)

	if out.Len() != 0 {
		t.Fatalf("stdout = %q, want empty", out.String())
	}
	if got := errOut.String(); got != "oops" {
		t.Fatalf("stderr = %q, want %q", got, "oops")
	}
}

func TestWriteBadDescriptor(t *testing.T) {
	var out bytes.Buffer
	h := &Host{Stdout: &out}

	// The program keeps running; the errno lands in r0.
	m := runProgram(t, h, writeProgram(7, 0, 4), make([]byte, 64))

	if r0 := m.Registers()[0]; r0 != badFdResult {
		t.Fatalf("r0 = %#x, want %#x", r0, badFdResult)
	}
	if out.Len() != 0 {
		t.Fatalf("stdout = %q, want empty", out.String())
	}
}

func TestWriteBadPointerFaults(t *testing.T) {
	h := &Host{}
	m, err := vm.NewFromInstructions(writeProgram(FdStdout, 4096, 16), &vm.Opts{
		MemorySize: 64,
		Traps:      h.Registry(),
	})
	if err != nil {
		t.Fatalf("NewFromInstructions: %v", err)
	}
	st, err := m.Run()
	if st.State != vm.StateFaulted {
		t.Fatalf("state = %s, want faulted", st.State)
	}
	if !errors.Is(err, vm.ErrMemoryOutOfBounds) {
		t.Fatalf("fault = %v, want memory out of bounds", err)
	}
}

func TestWriteLengthLimit(t *testing.T) {
	h := &Host{}
	m, err := vm.NewFromInstructions(writeProgram(FdStdout, 0, MaxWriteLen+1), &vm.Opts{
		Traps: h.Registry(),
	})
	if err != nil {
		t.Fatalf("NewFromInstructions: %v", err)
	}
	_, err = m.Run()
	if !errors.Is(err, ErrWriteTooLong) {
		t.Fatalf("fault = %v, want %v", err, ErrWriteTooLong)
	}
}

func TestHashServices(t *testing.T) {
	input := []byte("tern machine")

	keccak := func(data []byte) []byte {
		hasher := sha3.NewLegacyKeccak256()
		hasher.Write(data)
		return hasher.Sum(nil)
	}

	cases := []struct {
		name string
		code int32
		want func([]byte) []byte
	}{
		{"sha256", CodeSha256, func(d []byte) []byte {
			sum := sha256.Sum256(d)
			return sum[:]
		}},
		{"keccak256", CodeKeccak256, keccak},
		{"blake3", CodeBlake3, func(d []byte) []byte {
			sum := blake3.Sum256(d)
			return sum[:]
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			memory := make([]byte, 256)
			copy(memory[64:], input)

			program := []vm.Instruction{
				vm.Encode(vm.OpMovImm, 1, 0, 0, 64),
				vm.Encode(vm.OpMovImm, 2, 0, 0, int32(len(input))),
				vm.Encode(vm.OpMovImm, 3, 0, 0, 128),
				vm.Encode(vm.OpTrap, 0, 0, 0, tc.code),
				vm.Encode(vm.OpHalt, 0, 0, 0, 0),
			}

			m := runProgram(t, &Host{}, program, memory)

			got, err := m.Memory().ReadBytes(128, DigestSize)
			if err != nil {
				t.Fatalf("ReadBytes: %v", err)
			}
			if !bytes.Equal(got, tc.want(input)) {
				t.Fatalf("digest = %x, want %x", got, tc.want(input))
			}
			if r0 := m.Registers()[0]; r0 != DigestSize {
				t.Fatalf("r0 = %d, want %d", r0, DigestSize)
			}
		})
	}
}

func TestHashLengthLimit(t *testing.T) {
	program := []vm.Instruction{
		vm.Encode(vm.OpMovImm, 1, 0, 0, 0),
	}
	program = append(program, wideMov(2, MaxHashLen+1)...)
	program = append(program,
		vm.Encode(vm.OpMovImm, 3, 0, 0, 0),
		vm.Encode(vm.OpTrap, 0, 0, 0, CodeSha256),
		vm.Encode(vm.OpHalt, 0, 0, 0, 0),
	)

	h := &Host{}
	m, err := vm.NewFromInstructions(program, &vm.Opts{Traps: h.Registry()})
	if err != nil {
		t.Fatalf("NewFromInstructions: %v", err)
	}
	if _, err := m.Run(); !errors.Is(err, ErrHashTooLong) {
		t.Fatalf("fault = %v, want %v", err, ErrHashTooLong)
	}
}

func wideMov(dst uint8, v uint64) []vm.Instruction {
	pair := vm.EncodeWide(dst, v)
	return pair[:]
}

func TestClock(t *testing.T) {
	fixed := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
	h := &Host{Now: func() time.Time { return fixed }}

	m := runProgram(t, h, []vm.Instruction{
		vm.Encode(vm.OpTrap, 0, 0, 0, CodeClock),
		vm.Encode(vm.OpHalt, 0, 0, 0, 0),
	}, nil)

	if r0 := m.Registers()[0]; r0 != uint64(fixed.UnixNano()) {
		t.Fatalf("r0 = %d, want %d", r0, fixed.UnixNano())
	}
}

func TestInstall(t *testing.T) {
	m, err := vm.NewFromInstructions([]vm.Instruction{
		vm.Encode(vm.OpTrap, 0, 0, 0, CodeClock),
		vm.Encode(vm.OpHalt, 0, 0, 0, 0),
	}, nil)
	if err != nil {
		t.Fatalf("NewFromInstructions: %v", err)
	}

	(&Host{}).Install(m)

	st, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.State != vm.StateHalted {
		t.Fatalf("state = %s, want halted after install", st.State)
	}
}

func TestUnknownCodeStillParks(t *testing.T) {
	h := &Host{}
	m, err := vm.NewFromInstructions([]vm.Instruction{
		vm.Encode(vm.OpTrap, 0, 0, 0, 99),
		vm.Encode(vm.OpHalt, 0, 0, 0, 0),
	}, &vm.Opts{Traps: h.Registry()})
	if err != nil {
		t.Fatalf("NewFromInstructions: %v", err)
	}

	st, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.State != vm.StateTrapped || st.TrapCode != 99 {
		t.Fatalf("status = %v, want trapped(99)", st)
	}
}
