package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// NumRegisters is the size of the register file. Register indices
// run r0 through r11; the dst and src nibbles can encode values up
// to 15, and the four excess encodings fault.
const NumRegisters = 12

// MaxMemorySize bounds the addressable data region.
const MaxMemorySize = 1 << 30

var (
	ErrMemoryOutOfBounds = errors.New("memory access out of bounds")
	ErrInvalidRegister   = errors.New("invalid register")
	ErrMemoryTooLarge    = errors.New("memory size exceeds limit")
)

// Registers is the general-purpose register file. By convention r0
// carries results and host call returns, r1 through r3 carry host
// call arguments.
type Registers [NumRegisters]uint64

// Get reads a register by index, faulting on out-of-range indices.
// The interpreter validates indices at decode and indexes directly;
// this method is the checked path for hosts and tooling.
func (r *Registers) Get(idx uint8) (uint64, error) {
	if idx >= NumRegisters {
		return 0, fmt.Errorf("%w: r%d", ErrInvalidRegister, idx)
	}
	return r[idx], nil
}

// Set writes a register by index with the same range check as Get.
func (r *Registers) Set(idx uint8, v uint64) error {
	if idx >= NumRegisters {
		return fmt.Errorf("%w: r%d", ErrInvalidRegister, idx)
	}
	r[idx] = v
	return nil
}

// Memory is the machine's flat data region. Addresses start at zero
// and every access is bounds checked against the fixed size; there
// is no paging and no permission map.
type Memory struct {
	data []byte
}

// NewMemory allocates a zeroed region of the given size.
func NewMemory(size int) (*Memory, error) {
	if size < 0 || size > MaxMemorySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMemoryTooLarge, size)
	}
	return &Memory{data: make([]byte, size)}, nil
}

// Size returns the region size in bytes.
func (m *Memory) Size() int {
	return len(m.data)
}

// Bytes exposes the backing array. Callers must not resize it.
func (m *Memory) Bytes() []byte {
	return m.data
}

// Span returns a mutable window of size bytes starting at addr,
// or ErrMemoryOutOfBounds if any byte of the window falls outside
// the region. The window aliases machine memory.
func (m *Memory) Span(addr, size uint64) ([]byte, error) {
	end := addr + size
	if end < addr || end > uint64(len(m.data)) {
		return nil, fmt.Errorf("%w: [%#x, %#x) of %#x", ErrMemoryOutOfBounds, addr, end, len(m.data))
	}
	return m.data[addr:end], nil
}

// Read8 loads one byte.
func (m *Memory) Read8(addr uint64) (uint8, error) {
	b, err := m.Span(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Read16 loads a little-endian 16-bit value.
func (m *Memory) Read16(addr uint64) (uint16, error) {
	b, err := m.Span(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// Read32 loads a little-endian 32-bit value.
func (m *Memory) Read32(addr uint64) (uint32, error) {
	b, err := m.Span(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Read64 loads a little-endian 64-bit value.
func (m *Memory) Read64(addr uint64) (uint64, error) {
	b, err := m.Span(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Write8 stores one byte.
func (m *Memory) Write8(addr uint64, v uint8) error {
	b, err := m.Span(addr, 1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// Write16 stores a little-endian 16-bit value.
func (m *Memory) Write16(addr uint64, v uint16) error {
	b, err := m.Span(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

// Write32 stores a little-endian 32-bit value.
func (m *Memory) Write32(addr uint64, v uint32) error {
	b, err := m.Span(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// Write64 stores a little-endian 64-bit value.
func (m *Memory) Write64(addr uint64, v uint64) error {
	b, err := m.Span(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// ReadBytes copies n bytes starting at addr.
func (m *Memory) ReadBytes(addr, n uint64) ([]byte, error) {
	b, err := m.Span(addr, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// WriteBytes copies p into the region starting at addr.
func (m *Memory) WriteBytes(addr uint64, p []byte) error {
	b, err := m.Span(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}
