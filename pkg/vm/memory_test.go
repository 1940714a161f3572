package vm

import (
	"errors"
	"math"
	"testing"
)

func TestMemoryReadWrite(t *testing.T) {
	mem, err := NewMemory(64)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}

	// Unaligned access is allowed everywhere.
	if err := mem.Write64(3, 0x1122334455667788); err != nil {
		t.Fatalf("Write64: %v", err)
	}
	if v, err := mem.Read64(3); err != nil || v != 0x1122334455667788 {
		t.Fatalf("Read64 = %#x, %v", v, err)
	}
	if v, err := mem.Read32(3); err != nil || v != 0x55667788 {
		t.Fatalf("Read32 = %#x, %v", v, err)
	}
	if v, err := mem.Read16(3); err != nil || v != 0x7788 {
		t.Fatalf("Read16 = %#x, %v", v, err)
	}
	if v, err := mem.Read8(10); err != nil || v != 0x11 {
		t.Fatalf("Read8 = %#x, %v", v, err)
	}

	if err := mem.Write16(0, 0xbeef); err != nil {
		t.Fatalf("Write16: %v", err)
	}
	if v, _ := mem.Read8(0); v != 0xef {
		t.Fatalf("little endian low byte = %#x", v)
	}
}

func TestMemoryBounds(t *testing.T) {
	mem, err := NewMemory(16)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}

	cases := []struct {
		name string
		addr uint64
		size uint64
	}{
		{"one past the end", 16, 1},
		{"straddles the end", 14, 4},
		{"far out", 1 << 40, 8},
		{"wraps the address space", math.MaxUint64 - 3, 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mem.Span(tc.addr, tc.size); !errors.Is(err, ErrMemoryOutOfBounds) {
				t.Fatalf("Span(%#x, %d) = %v, want out of bounds", tc.addr, tc.size, err)
			}
		})
	}

	// The full region and the empty tail are both valid.
	if _, err := mem.Span(0, 16); err != nil {
		t.Fatalf("full span: %v", err)
	}
	if _, err := mem.Span(16, 0); err != nil {
		t.Fatalf("empty tail span: %v", err)
	}
}

func TestMemoryByteHelpers(t *testing.T) {
	mem, err := NewMemory(32)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	if err := mem.WriteBytes(4, []byte("tern")); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	got, err := mem.ReadBytes(4, 4)
	if err != nil || string(got) != "tern" {
		t.Fatalf("ReadBytes = %q, %v", got, err)
	}

	// The copy must not alias the region.
	got[0] = 'x'
	if again, _ := mem.ReadBytes(4, 4); string(again) != "tern" {
		t.Fatalf("ReadBytes aliases memory: %q", again)
	}

	if err := mem.WriteBytes(30, []byte("abc")); !errors.Is(err, ErrMemoryOutOfBounds) {
		t.Fatalf("WriteBytes past end: %v", err)
	}
}

func TestNewMemoryLimits(t *testing.T) {
	if _, err := NewMemory(-1); !errors.Is(err, ErrMemoryTooLarge) {
		t.Fatalf("negative size: %v", err)
	}
	if _, err := NewMemory(MaxMemorySize + 1); !errors.Is(err, ErrMemoryTooLarge) {
		t.Fatalf("oversized: %v", err)
	}
	m, err := NewMemory(0)
	if err != nil {
		t.Fatalf("zero size: %v", err)
	}
	if m.Size() != 0 {
		t.Fatalf("size = %d", m.Size())
	}
}

func TestRegistersCheckedAccess(t *testing.T) {
	var regs Registers

	if err := regs.Set(NumRegisters-1, 7); err != nil {
		t.Fatalf("Set last register: %v", err)
	}
	if v, err := regs.Get(NumRegisters - 1); err != nil || v != 7 {
		t.Fatalf("Get = %d, %v", v, err)
	}

	if err := regs.Set(NumRegisters, 1); !errors.Is(err, ErrInvalidRegister) {
		t.Fatalf("Set out of range: %v", err)
	}
	if _, err := regs.Get(15); !errors.Is(err, ErrInvalidRegister) {
		t.Fatalf("Get out of range: %v", err)
	}
}
