// Package hostcall implements the host services reachable from
// guest programs through trap instructions.
//
// The trap immediate selects the service. Arguments are passed in
// r1 through r3 and the result is placed in r0. A service that
// rejects its arguments reports failure through r0 and lets the
// program continue; only violations of the machine contract, such
// as a guest pointer outside the data region, fault the run.
package hostcall

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/ternvm/tern/pkg/vm"
)

// Trap codes.
const (
	// CodeWrite copies r3 bytes at address r2 to the stream named by
	// r1 and returns the byte count in r0.
	CodeWrite = 4
	// CodeSha256, CodeKeccak256, and CodeBlake3 hash r2 bytes at
	// address r1 and write the 32-byte digest to address r3.
	CodeSha256    = 16
	CodeKeccak256 = 17
	CodeBlake3    = 18
	// CodeClock returns the host clock in nanoseconds in r0.
	CodeClock = 32
)

// Stream descriptors accepted by CodeWrite.
const (
	FdStdout = 1
	FdStderr = 2
)

// errnoBadFd mirrors EBADF. A write to an unknown descriptor puts
// its negation in r0 and the program keeps running.
const errnoBadFd = 9

const badFdResult = ^uint64(errnoBadFd) + 1

// Limits on guest-supplied lengths.
const (
	MaxWriteLen = 1 << 20
	MaxHashLen  = 10 * 1024 * 1024
)

var (
	ErrWriteTooLong = errors.New("write length exceeds limit")
	ErrHashTooLong  = errors.New("hash input exceeds limit")
)

// DigestSize is the length every hash service writes back.
const DigestSize = 32

// Host carries the ambient facilities the services need. The zero
// value discards writes and reads the wall clock, which keeps runs
// deterministic apart from CodeClock.
type Host struct {
	// Stdout and Stderr back the write descriptors.
	Stdout io.Writer
	Stderr io.Writer
	// Now supplies the clock. Pinning it makes CodeClock
	// reproducible.
	Now func() time.Time
}

func (h *Host) stdout() io.Writer {
	if h.Stdout != nil {
		return h.Stdout
	}
	return io.Discard
}

func (h *Host) stderr() io.Writer {
	if h.Stderr != nil {
		return h.Stderr
	}
	return io.Discard
}

func (h *Host) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Registry returns the full handler set keyed by trap code.
func (h *Host) Registry() map[uint32]vm.TrapHandler {
	return map[uint32]vm.TrapHandler{
		CodeWrite:     h.write,
		CodeSha256:    h.hashSha256,
		CodeKeccak256: h.hashKeccak256,
		CodeBlake3:    h.hashBlake3,
		CodeClock:     h.clock,
	}
}

// Install registers every service on the machine.
func (h *Host) Install(m *vm.Machine) {
	for code, handler := range h.Registry() {
		m.HandleTrap(code, handler)
	}
}

func (h *Host) write(m *vm.Machine, code uint32) error {
	regs := m.Registers()
	fd, addr, n := regs[1], regs[2], regs[3]

	var w io.Writer
	switch fd {
	case FdStdout:
		w = h.stdout()
	case FdStderr:
		w = h.stderr()
	default:
		return m.SetReg(0, badFdResult)
	}

	if n > MaxWriteLen {
		return fmt.Errorf("%w: %d bytes", ErrWriteTooLong, n)
	}
	data, err := m.Memory().ReadBytes(addr, n)
	if err != nil {
		return err
	}
	wrote, err := w.Write(data)
	if err != nil {
		return fmt.Errorf("stream %d: %w", fd, err)
	}
	return m.SetReg(0, uint64(wrote))
}

func (h *Host) hashSha256(m *vm.Machine, code uint32) error {
	data, out, err := hashArgs(m)
	if err != nil {
		return err
	}
	digest := sha256.Sum256(data)
	return writeDigest(m, out, digest[:])
}

func (h *Host) hashKeccak256(m *vm.Machine, code uint32) error {
	data, out, err := hashArgs(m)
	if err != nil {
		return err
	}
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write(data)
	return writeDigest(m, out, hasher.Sum(nil))
}

func (h *Host) hashBlake3(m *vm.Machine, code uint32) error {
	data, out, err := hashArgs(m)
	if err != nil {
		return err
	}
	digest := blake3.Sum256(data)
	return writeDigest(m, out, digest[:])
}

func (h *Host) clock(m *vm.Machine, code uint32) error {
	return m.SetReg(0, uint64(h.now().UnixNano()))
}

// hashArgs reads the shared argument layout of the hash services:
// input at r1 for r2 bytes, output address in r3.
func hashArgs(m *vm.Machine) (data []byte, out uint64, err error) {
	regs := m.Registers()
	addr, n, out := regs[1], regs[2], regs[3]
	if n > MaxHashLen {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrHashTooLong, n)
	}
	data, err = m.Memory().ReadBytes(addr, n)
	if err != nil {
		return nil, 0, err
	}
	return data, out, nil
}

func writeDigest(m *vm.Machine, out uint64, digest []byte) error {
	if err := m.Memory().WriteBytes(out, digest); err != nil {
		return err
	}
	return m.SetReg(0, DigestSize)
}
