package vm

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func halt(code int32) Instruction {
	return Encode(OpHalt, 0, 0, 0, code)
}

func wide(dst uint8, v uint64) []Instruction {
	pair := EncodeWide(dst, v)
	return pair[:]
}

func mustMachine(t *testing.T, program []Instruction, opts *Opts) *Machine {
	t.Helper()
	m, err := NewFromInstructions(program, opts)
	if err != nil {
		t.Fatalf("NewFromInstructions: %v", err)
	}
	return m
}

func mustHalt(t *testing.T, program []Instruction, opts *Opts) *Machine {
	t.Helper()
	m := mustMachine(t, program, opts)
	st, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.State != StateHalted {
		t.Fatalf("state = %s, want halted", st.State)
	}
	return m
}

func mustFault(t *testing.T, program []Instruction, opts *Opts, sentinel error) *Machine {
	t.Helper()
	m := mustMachine(t, program, opts)
	st, err := m.Run()
	if st.State != StateFaulted {
		t.Fatalf("state = %s, want faulted", st.State)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("fault = %v, want %v", err, sentinel)
	}
	if st.Fault != err {
		t.Fatalf("status fault %v does not match run error %v", st.Fault, err)
	}
	return m
}

func TestHaltExitCode(t *testing.T) {
	// mov r0, 1; halt 7
	m := mustHalt(t, []Instruction{
		Encode(OpMovImm, 0, 0, 0, 1),
		halt(7),
	}, nil)

	st := m.Status()
	if st.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", st.ExitCode)
	}
	if st.Steps != 2 {
		t.Fatalf("steps = %d, want 2", st.Steps)
	}
	if m.PC() != 1 {
		t.Fatalf("pc = %d, want 1 (the halt slot)", m.PC())
	}
}

func TestHaltAtLastSlot(t *testing.T) {
	m := mustHalt(t, []Instruction{halt(0)}, nil)
	if code := m.Status().ExitCode; code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
}

func TestArithmetic(t *testing.T) {
	cases := []struct {
		name    string
		program []Instruction
		want    uint64
	}{
		{"add immediate", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 40),
			Encode(OpAddImm, 0, 0, 0, 2),
		}, 42},
		{"add register", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 1),
			Encode(OpMovImm, 1, 0, 0, 2),
			Encode(OpAddReg, 0, 1, 0, 0),
		}, 3},
		{"add wraps", append(wide(0, math.MaxUint64),
			Encode(OpAddImm, 0, 0, 0, 1),
		), 0},
		{"sub wraps", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 0),
			Encode(OpSubImm, 0, 0, 0, 1),
		}, math.MaxUint64},
		{"mul wraps", append(wide(0, 1<<63),
			Encode(OpMulImm, 0, 0, 0, 2),
		), 0},
		{"div", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 42),
			Encode(OpDivImm, 0, 0, 0, 5),
		}, 8},
		{"div register", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 42),
			Encode(OpMovImm, 1, 0, 0, 6),
			Encode(OpDivReg, 0, 1, 0, 0),
		}, 7},
		{"mod", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 42),
			Encode(OpModImm, 0, 0, 0, 5),
		}, 2},
		{"and", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 0xff),
			Encode(OpAndImm, 0, 0, 0, 0x0f),
		}, 0x0f},
		{"or", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 0xf0),
			Encode(OpOrImm, 0, 0, 0, 0x0f),
		}, 0xff},
		{"xor", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 0xff),
			Encode(OpXorImm, 0, 0, 0, 0x0f),
		}, 0xf0},
		{"xor register clears", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 77),
			Encode(OpXorReg, 0, 0, 0, 0),
		}, 0},
		{"shl", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 1),
			Encode(OpShlImm, 0, 0, 0, 12),
		}, 4096},
		{"shl count is modulo 64", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 1),
			Encode(OpShlImm, 0, 0, 0, 64),
		}, 1},
		{"shr", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 4096),
			Encode(OpShrImm, 0, 0, 0, 4),
		}, 256},
		{"shr is logical", []Instruction{
			Encode(OpMovImm, 0, 0, 0, -1),
			Encode(OpShrImm, 0, 0, 0, 60),
		}, 15},
		{"sar keeps the sign", []Instruction{
			Encode(OpMovImm, 0, 0, 0, -8),
			Encode(OpSarImm, 0, 0, 0, 1),
		}, uint64(math.MaxUint64) - 3}, // -4
		{"neg", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 5),
			Encode(OpNeg, 0, 0, 0, 0),
		}, uint64(math.MaxUint64) - 4}, // -5
		{"not", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 0),
			Encode(OpNot, 0, 0, 0, 0),
		}, math.MaxUint64},
		{"mov sign extends", []Instruction{
			Encode(OpMovImm, 0, 0, 0, -1),
		}, math.MaxUint64},
		{"mov register", []Instruction{
			Encode(OpMovImm, 1, 0, 0, 9),
			Encode(OpMovReg, 0, 1, 0, 0),
		}, 9},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := mustHalt(t, append(tc.program, halt(0)), nil)
			if got := m.Registers()[0]; got != tc.want {
				t.Fatalf("r0 = %#x, want %#x", got, tc.want)
			}
		})
	}
}

func TestDivisionByZero(t *testing.T) {
	cases := []struct {
		name    string
		program []Instruction
	}{
		{"div immediate zero", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 42),
			Encode(OpDivImm, 0, 0, 0, 0),
		}},
		{"mod immediate zero", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 42),
			Encode(OpModImm, 0, 0, 0, 0),
		}},
		{"div register zero", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 42),
			Encode(OpDivReg, 0, 1, 0, 0),
		}},
		{"mod register zero", []Instruction{
			Encode(OpMovImm, 0, 0, 0, 42),
			Encode(OpModReg, 0, 1, 0, 0),
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := mustFault(t, append(tc.program, halt(0)), nil, ErrDivisionByZero)
			// The faulting instruction must not have touched r0.
			if got := m.Registers()[0]; got != 42 {
				t.Fatalf("r0 = %d, want 42 untouched", got)
			}
		})
	}
}

func TestSequentialAdvance(t *testing.T) {
	m := mustMachine(t, []Instruction{
		Encode(OpNop, 0, 0, 0, 0),
		Encode(OpNop, 0, 0, 0, 0),
		Encode(OpNop, 0, 0, 0, 0),
		halt(0),
	}, nil)

	for i := int64(0); i < 3; i++ {
		if m.PC() != i {
			t.Fatalf("pc = %d before step, want %d", m.PC(), i)
		}
		res, err := m.Step()
		if err != nil || res != StepContinue {
			t.Fatalf("step %d: res=%s err=%v", i, res, err)
		}
		if m.PC() != i+1 {
			t.Fatalf("pc = %d after step, want %d", m.PC(), i+1)
		}
		if m.Steps() != uint64(i+1) {
			t.Fatalf("steps = %d, want %d", m.Steps(), i+1)
		}
	}
}

func TestJumpRedirects(t *testing.T) {
	// jmp +1; mov r0, 99 (skipped); halt 3
	m := mustHalt(t, []Instruction{
		Encode(OpJump, 0, 0, 1, 0),
		Encode(OpMovImm, 0, 0, 0, 99),
		halt(3),
	}, nil)

	if got := m.Registers()[0]; got != 0 {
		t.Fatalf("r0 = %d, skipped slot executed", got)
	}
	if code := m.Status().ExitCode; code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestConditionalJumps(t *testing.T) {
	cases := []struct {
		name  string
		op    uint8
		dst   int32
		src   int32
		reg   bool
		taken bool
	}{
		{"jeq taken", OpJeqImm, 5, 5, false, true},
		{"jeq not taken", OpJeqImm, 5, 4, false, false},
		{"jne taken", OpJneImm, 5, 4, false, true},
		{"jgt unsigned treats -1 as max", OpJgtImm, -1, 1, false, true},
		{"jsgt signed -1 below 1", OpJsgtImm, -1, 1, false, false},
		{"jge equal", OpJgeImm, 7, 7, false, true},
		{"jlt taken", OpJltImm, 3, 9, false, true},
		{"jle not taken", OpJleImm, 9, 3, false, false},
		{"jsge negative pair", OpJsgeImm, -3, -9, false, true},
		{"jslt taken", OpJsltImm, -9, -3, false, true},
		{"jsle equal", OpJsleImm, -4, -4, false, true},
		{"jeq register", OpJeqReg, 8, 8, true, true},
		{"jne register not taken", OpJneReg, 8, 8, true, false},
		{"jgt register unsigned", OpJgtReg, -1, 1, true, true},
		{"jslt register", OpJsltReg, -1, 1, true, true},
		{"jle register", OpJleReg, 2, 2, true, true},
		{"jsge register not taken", OpJsgeReg, -5, 1, true, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			program := []Instruction{
				Encode(OpMovImm, 1, 0, 0, tc.dst),
			}
			if tc.reg {
				program = append(program,
					Encode(OpMovImm, 2, 0, 0, tc.src),
					Encode(tc.op, 1, 2, 1, 0),
				)
			} else {
				program = append(program,
					Encode(tc.op, 1, 0, 1, tc.src),
				)
			}
			program = append(program, halt(1), halt(2))

			m := mustHalt(t, program, nil)
			want := int32(1)
			if tc.taken {
				want = 2
			}
			if code := m.Status().ExitCode; code != want {
				t.Fatalf("exit code = %d, want %d", code, want)
			}
		})
	}
}

func TestCallRet(t *testing.T) {
	// call L0; halt 5; L0: mov r3, 42; ret
	m := mustHalt(t, []Instruction{
		Encode(OpCall, 0, 0, 0, 1),
		halt(5),
		Encode(OpMovImm, 3, 0, 0, 42),
		Encode(OpRet, 0, 0, 0, 0),
	}, nil)

	if code := m.Status().ExitCode; code != 5 {
		t.Fatalf("exit code = %d, want 5", code)
	}
	if got := m.Registers()[3]; got != 42 {
		t.Fatalf("r3 = %d, want 42", got)
	}
	if m.CallDepth() != 0 {
		t.Fatalf("call depth = %d after return, want 0", m.CallDepth())
	}
}

func TestCallStackOverflow(t *testing.T) {
	// A call targeting its own slot recurses without bound.
	m := mustFault(t, []Instruction{
		Encode(OpCall, 0, 0, 0, -1),
	}, nil, ErrCallStackOverflow)

	if m.CallDepth() != MaxCallDepth {
		t.Fatalf("call depth = %d, want %d", m.CallDepth(), MaxCallDepth)
	}
	if m.Steps() != MaxCallDepth {
		t.Fatalf("steps = %d, want %d", m.Steps(), MaxCallDepth)
	}
}

func TestRetUnderflow(t *testing.T) {
	mustFault(t, []Instruction{
		Encode(OpRet, 0, 0, 0, 0),
	}, nil, ErrCallStackUnderflow)
}

func TestLoadStoreRoundTrip(t *testing.T) {
	// mov r1, 0x100; st64 [r1], r2; ld64 r0, [r1]
	program := []Instruction{
		Encode(OpMovImm, 1, 0, 0, 0x100),
	}
	program = append(program, wide(2, 0x1122334455667788)...)
	program = append(program,
		Encode(OpStore64Reg, 1, 2, 0, 0),
		Encode(OpLoad64, 0, 1, 0, 0),
		Encode(OpLoad32, 3, 1, 0, 0),
		Encode(OpLoad16, 4, 1, 0, 0),
		Encode(OpLoad8, 5, 1, 0, 0),
		Encode(OpLoad8, 6, 1, 7, 0), // highest byte via displacement
		halt(0),
	)

	m := mustHalt(t, program, nil)
	regs := m.Registers()
	if regs[0] != 0x1122334455667788 {
		t.Fatalf("ld64 = %#x", regs[0])
	}
	if regs[3] != 0x55667788 {
		t.Fatalf("ld32 = %#x", regs[3])
	}
	if regs[4] != 0x7788 {
		t.Fatalf("ld16 = %#x", regs[4])
	}
	if regs[5] != 0x88 {
		t.Fatalf("ld8 = %#x", regs[5])
	}
	if regs[6] != 0x11 {
		t.Fatalf("ld8 with offset = %#x", regs[6])
	}
}

func TestStoreImmediateSignExtends(t *testing.T) {
	// st64 [r1], -1 writes all ones.
	m := mustHalt(t, []Instruction{
		Encode(OpMovImm, 1, 0, 0, 64),
		Encode(OpStore64Imm, 1, 0, 0, -1),
		Encode(OpLoad64, 0, 1, 0, 0),
		halt(0),
	}, nil)

	if got := m.Registers()[0]; got != math.MaxUint64 {
		t.Fatalf("r0 = %#x, want all ones", got)
	}
}

func TestMemoryBoundsFault(t *testing.T) {
	size := 256

	t.Run("store past the end", func(t *testing.T) {
		// mov r1, size-3; st32 [r1], 7 straddles the boundary.
		m := mustFault(t, []Instruction{
			Encode(OpMovImm, 1, 0, 0, int32(size-3)),
			Encode(OpStore32Imm, 1, 0, 0, 7),
			halt(0),
		}, &Opts{MemorySize: size}, ErrMemoryOutOfBounds)

		// The partial write must not have happened.
		if !bytes.Equal(m.Memory().Bytes(), make([]byte, size)) {
			t.Fatal("memory mutated by a faulting store")
		}
		if m.PC() != 1 {
			t.Fatalf("pc = %d, want 1 (the faulting slot)", m.PC())
		}
		if m.Steps() != 1 {
			t.Fatalf("steps = %d, want 1", m.Steps())
		}
	})

	t.Run("load far out of range", func(t *testing.T) {
		program := wide(1, math.MaxUint64-7)
		program = append(program,
			Encode(OpLoad64, 0, 1, 0, 0),
			halt(0),
		)
		m := mustFault(t, program, &Opts{MemorySize: size}, ErrMemoryOutOfBounds)
		if got := m.Registers()[0]; got != 0 {
			t.Fatalf("r0 = %#x, mutated by faulting load", got)
		}
	})

	t.Run("negative displacement below zero", func(t *testing.T) {
		mustFault(t, []Instruction{
			Encode(OpMovImm, 1, 0, 0, 2),
			Encode(OpLoad8, 0, 1, -4, 0),
			halt(0),
		}, &Opts{MemorySize: size}, ErrMemoryOutOfBounds)
	})
}

func TestInvalidOpcode(t *testing.T) {
	for _, op := range []uint8{0x00, 0x0f, 0x1d, 0x24, 0x3f, 0x5b, 0x63, 0x7f, 0xff} {
		m := mustFault(t, []Instruction{
			Encode(op, 0, 0, 0, 0),
		}, nil, ErrInvalidOpcode)

		if m.PC() != 0 {
			t.Fatalf("op %#02x: pc = %d, want 0", op, m.PC())
		}
		if m.Steps() != 0 {
			t.Fatalf("op %#02x: steps = %d, want 0", op, m.Steps())
		}
		if m.Registers() != (Registers{}) {
			t.Fatalf("op %#02x: registers mutated", op)
		}
	}
}

func TestInvalidRegister(t *testing.T) {
	t.Run("dst out of range", func(t *testing.T) {
		mustFault(t, []Instruction{
			Encode(OpMovImm, 13, 0, 0, 1),
		}, nil, ErrInvalidRegister)
	})
	t.Run("src out of range", func(t *testing.T) {
		mustFault(t, []Instruction{
			Encode(OpAddReg, 0, 14, 0, 0),
		}, nil, ErrInvalidRegister)
	})
}

func TestInstructionPointerOutOfBounds(t *testing.T) {
	t.Run("runs off the end", func(t *testing.T) {
		m := mustFault(t, []Instruction{
			Encode(OpMovImm, 0, 0, 0, 1),
		}, nil, ErrIPOutOfBounds)
		if m.Steps() != 1 {
			t.Fatalf("steps = %d, want 1", m.Steps())
		}
	})

	t.Run("jump below zero", func(t *testing.T) {
		// The jump itself executes; the fault comes from validating
		// the pointer before the next fetch.
		m := mustFault(t, []Instruction{
			Encode(OpJump, 0, 0, -5, 0),
			halt(0),
		}, nil, ErrIPOutOfBounds)
		if m.PC() != -4 {
			t.Fatalf("pc = %d, want -4", m.PC())
		}
		if m.Steps() != 1 {
			t.Fatalf("steps = %d, want 1", m.Steps())
		}
	})

	t.Run("jump past the end", func(t *testing.T) {
		mustFault(t, []Instruction{
			Encode(OpJump, 0, 0, 100, 0),
			halt(0),
		}, nil, ErrIPOutOfBounds)
	})
}

func TestWideLoad(t *testing.T) {
	t.Run("loads a full word", func(t *testing.T) {
		program := wide(0, 0xdeadbeefcafebabe)
		program = append(program, halt(0))
		m := mustHalt(t, program, nil)
		if got := m.Registers()[0]; got != 0xdeadbeefcafebabe {
			t.Fatalf("r0 = %#x", got)
		}
		// Two slots, one instruction.
		if m.Steps() != 2 {
			t.Fatalf("steps = %d, want 2", m.Steps())
		}
	})

	t.Run("truncated at the end", func(t *testing.T) {
		mustFault(t, []Instruction{
			Encode(OpLoadWide, 0, 0, 0, 1),
		}, nil, ErrIPOutOfBounds)
	})

	t.Run("bad continuation", func(t *testing.T) {
		mustFault(t, []Instruction{
			Encode(OpLoadWide, 0, 0, 0, 1),
			Encode(OpNop, 0, 0, 0, 0),
			halt(0),
		}, nil, ErrInvalidOpcode)
	})
}

func TestTrapParksAndResumes(t *testing.T) {
	m := mustMachine(t, []Instruction{
		Encode(OpMovImm, 1, 0, 0, 11),
		Encode(OpTrap, 0, 0, 0, 9),
		Encode(OpMovImm, 0, 0, 0, 1),
		halt(4),
	}, nil)

	st, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.State != StateTrapped || st.TrapCode != 9 {
		t.Fatalf("status = %v, want trapped(9)", st)
	}
	// Parked past the trap site.
	if m.PC() != 2 {
		t.Fatalf("pc = %d, want 2", m.PC())
	}

	// Stepping a parked machine is an error, not progress.
	if res, err := m.Step(); res != StepTrapped || !errors.Is(err, ErrNotRunning) {
		t.Fatalf("step while trapped: res=%s err=%v", res, err)
	}

	// The host may touch state before resuming.
	if err := m.SetReg(1, 99); err != nil {
		t.Fatalf("SetReg: %v", err)
	}
	if err := m.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	st, err = m.Run()
	if err != nil {
		t.Fatalf("Run after resume: %v", err)
	}
	if st.State != StateHalted || st.ExitCode != 4 {
		t.Fatalf("status = %v, want halted(4)", st)
	}
	if got := m.Registers()[1]; got != 99 {
		t.Fatalf("r1 = %d, want the host write to stick", got)
	}
}

func TestResumeRequiresTrap(t *testing.T) {
	m := mustMachine(t, []Instruction{halt(0)}, nil)
	if err := m.Resume(); !errors.Is(err, ErrNotTrapped) {
		t.Fatalf("Resume on a running machine: %v", err)
	}
	if _, err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := m.Resume(); !errors.Is(err, ErrNotTrapped) {
		t.Fatalf("Resume on a halted machine: %v", err)
	}
}

func TestTrapHandler(t *testing.T) {
	var sawPC int64
	opts := &Opts{
		Traps: map[uint32]TrapHandler{
			1: func(m *Machine, code uint32) error {
				sawPC = m.PC()
				a, _ := m.Reg(1)
				b, _ := m.Reg(2)
				return m.SetReg(0, a+b)
			},
		},
	}

	m := mustHalt(t, []Instruction{
		Encode(OpMovImm, 1, 0, 0, 2),
		Encode(OpMovImm, 2, 0, 0, 3),
		Encode(OpTrap, 0, 0, 0, 1),
		halt(0),
	}, opts)

	if got := m.Registers()[0]; got != 5 {
		t.Fatalf("r0 = %d, want 5 from the handler", got)
	}
	if sawPC != 3 {
		t.Fatalf("handler saw pc %d, want 3 (past the trap)", sawPC)
	}
}

func TestTrapHandlerError(t *testing.T) {
	errBoom := errors.New("boom")
	opts := &Opts{
		Traps: map[uint32]TrapHandler{
			1: func(m *Machine, code uint32) error { return errBoom },
		},
	}
	m := mustMachine(t, []Instruction{
		Encode(OpTrap, 0, 0, 0, 1),
		halt(0),
	}, opts)

	st, err := m.Run()
	if st.State != StateFaulted {
		t.Fatalf("state = %s, want faulted", st.State)
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("fault = %v, want wrapped handler error", err)
	}
}

func TestStepBudget(t *testing.T) {
	t.Run("exhaustion faults", func(t *testing.T) {
		// A jump to its own slot spins forever.
		m := mustFault(t, []Instruction{
			Encode(OpJump, 0, 0, -1, 0),
		}, &Opts{StepBudget: 5}, ErrBudgetExhausted)
		if m.Steps() != 5 {
			t.Fatalf("steps = %d, want 5", m.Steps())
		}
	})

	t.Run("zero means unlimited", func(t *testing.T) {
		// Count to 100000 with no budget.
		m := mustHalt(t, []Instruction{
			Encode(OpAddImm, 0, 0, 0, 1),
			Encode(OpJltImm, 0, 0, -2, 100000),
			halt(0),
		}, nil)
		if got := m.Registers()[0]; got != 100000 {
			t.Fatalf("r0 = %d", got)
		}
	})
}

func TestDeterminism(t *testing.T) {
	program := []Instruction{
		Encode(OpMovImm, 1, 0, 0, 0),
		Encode(OpMovImm, 2, 0, 0, 0x40),
		// L0: st8 [r2], r1; add r2, 1; add r1, 3; jlt r1, 60, L0
		Encode(OpStore8Reg, 2, 1, 0, 0),
		Encode(OpAddImm, 2, 0, 0, 1),
		Encode(OpAddImm, 1, 0, 0, 3),
		Encode(OpJltImm, 1, 0, -4, 60),
		halt(0),
	}

	first := mustHalt(t, program, nil)
	second := mustHalt(t, program, nil)

	if first.Registers() != second.Registers() {
		t.Fatal("register files differ between identical runs")
	}
	if !bytes.Equal(first.Memory().Bytes(), second.Memory().Bytes()) {
		t.Fatal("memory differs between identical runs")
	}
	if first.Steps() != second.Steps() {
		t.Fatalf("steps differ: %d vs %d", first.Steps(), second.Steps())
	}
}

func TestEntryPoint(t *testing.T) {
	m := mustHalt(t, []Instruction{
		halt(1),
		halt(2),
		halt(3),
	}, &Opts{Entry: 2})
	if code := m.Status().ExitCode; code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestInitialRegistersAndMemory(t *testing.T) {
	regs := Registers{}
	regs[1] = 8
	image := make([]byte, 16)
	copy(image[8:], []byte{0x78, 0x56, 0x34, 0x12, 0, 0, 0, 0})

	m := mustHalt(t, []Instruction{
		Encode(OpLoad64, 0, 1, 0, 0),
		halt(0),
	}, &Opts{Registers: &regs, Memory: image})

	if got := m.Registers()[0]; got != 0x12345678 {
		t.Fatalf("r0 = %#x, want 0x12345678", got)
	}
}

func TestStepAfterStop(t *testing.T) {
	m := mustHalt(t, []Instruction{halt(0)}, nil)

	if res, err := m.Step(); res != StepHalted || !errors.Is(err, ErrNotRunning) {
		t.Fatalf("step after halt: res=%s err=%v", res, err)
	}
	if _, err := m.Run(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("run after halt: %v", err)
	}
}

func TestSuspendRestore(t *testing.T) {
	program := []Instruction{
		Encode(OpMovImm, 1, 0, 0, 21),
		Encode(OpTrap, 0, 0, 0, 7),
		Encode(OpAddReg, 1, 1, 0, 0),
		Encode(OpMovReg, 0, 1, 0, 0),
		halt(0),
	}

	m := mustMachine(t, program, nil)
	if st, _ := m.Run(); st.State != StateTrapped {
		t.Fatalf("state = %s, want trapped", st.State)
	}

	sus := m.Suspend()

	// Mutations after the snapshot must not leak into it.
	if err := m.SetReg(1, 0); err != nil {
		t.Fatalf("SetReg: %v", err)
	}

	restored, err := Restore(sus, nil)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.State() != StateTrapped {
		t.Fatalf("restored state = %s, want trapped", restored.State())
	}
	if err := restored.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	st, err := restored.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.State != StateHalted {
		t.Fatalf("state = %s, want halted", st.State)
	}
	if got := restored.Registers()[0]; got != 42 {
		t.Fatalf("r0 = %d, want 42", got)
	}
}

func TestRestoreRejectsBadState(t *testing.T) {
	if _, err := Restore(nil, nil); !errors.Is(err, ErrInvalidSuspendedState) {
		t.Fatalf("nil state: %v", err)
	}
	if _, err := Restore(&SuspendedState{State: 200}, nil); !errors.Is(err, ErrInvalidSuspendedState) {
		t.Fatalf("bad state value: %v", err)
	}
	if _, err := Restore(&SuspendedState{Stack: make([]int64, MaxCallDepth+1)}, nil); !errors.Is(err, ErrInvalidSuspendedState) {
		t.Fatalf("oversized stack: %v", err)
	}
}

func TestProgramCodec(t *testing.T) {
	program := []Instruction{
		Encode(OpMovImm, 1, 2, -3, 4),
		Encode(OpStore32Reg, 3, 4, 100, 0),
		halt(9),
	}
	decoded, err := DecodeProgram(EncodeProgram(program))
	if err != nil {
		t.Fatalf("DecodeProgram: %v", err)
	}
	if len(decoded) != len(program) {
		t.Fatalf("len = %d, want %d", len(decoded), len(program))
	}
	for i := range program {
		if decoded[i] != program[i] {
			t.Fatalf("slot %d = %#x, want %#x", i, decoded[i], program[i])
		}
	}

	if _, err := DecodeProgram(make([]byte, 12)); !errors.Is(err, ErrTruncatedProgram) {
		t.Fatalf("truncated bytes: %v", err)
	}
}

func TestFieldExtraction(t *testing.T) {
	ins := Encode(OpStore16Reg, 5, 11, -300, -70000)
	if ins.Op() != OpStore16Reg {
		t.Fatalf("op = %#02x", ins.Op())
	}
	if ins.Dst() != 5 || ins.Src() != 11 {
		t.Fatalf("dst/src = %d/%d", ins.Dst(), ins.Src())
	}
	if ins.Off() != -300 {
		t.Fatalf("off = %d", ins.Off())
	}
	if ins.Imm() != -70000 {
		t.Fatalf("imm = %d", ins.Imm())
	}
}

func BenchmarkCountLoop(b *testing.B) {
	program := []Instruction{
		Encode(OpMovImm, 0, 0, 0, 0),
		Encode(OpAddImm, 0, 0, 0, 1),
		Encode(OpJltImm, 0, 0, -2, 1000),
		halt(0),
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		m, err := NewFromInstructions(program, &Opts{MemorySize: 4096})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := m.Run(); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkMemoryFill(b *testing.B) {
	// Write one byte per iteration across a 4 KiB region.
	program := []Instruction{
		Encode(OpMovImm, 1, 0, 0, 0),
		Encode(OpStore8Reg, 1, 1, 0, 0),
		Encode(OpAddImm, 1, 0, 0, 1),
		Encode(OpJltImm, 1, 0, -3, 4096),
		halt(0),
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		m, err := NewFromInstructions(program, &Opts{MemorySize: 4096})
		if err != nil {
			b.Fatal(err)
		}
		if _, err := m.Run(); err != nil {
			b.Fatal(err)
		}
	}
}
