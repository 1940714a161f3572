// Package snapshot persists suspended machines as archives.
//
// A machine parked on a trap, or stopped at any point, can be saved
// to disk and picked up later by another process. Archives are tar
// files, optionally zstd compressed, laid out as:
//
//	machine-STEPS-HASH/
//	├── manifest.json   geometry, outcome fields, checksum
//	├── registers       register file, little-endian 64-bit words
//	├── stack           call stack, little-endian 64-bit words
//	├── program         code in wire encoding
//	└── memory          raw data region
//
// STEPS is the instruction count at save time and HASH is a prefix
// of the manifest checksum, which is the BLAKE3 digest of the four
// state sections in the order listed above.
package snapshot

import (
	"archive/tar"
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"

	"github.com/ternvm/tern/pkg/vm"
)

// Errors returned by the snapshot package.
var (
	// ErrInvalidArchive indicates the archive is malformed.
	ErrInvalidArchive = errors.New("invalid machine archive")

	// ErrUnsupportedVersion indicates the manifest version is not supported.
	ErrUnsupportedVersion = errors.New("unsupported archive version")

	// ErrMissingSection indicates a required archive section is absent.
	ErrMissingSection = errors.New("missing archive section")

	// ErrChecksumMismatch indicates the sections do not match the manifest.
	ErrChecksumMismatch = errors.New("archive checksum mismatch")

	// ErrArchiveNotFound indicates no archive was found at the path.
	ErrArchiveNotFound = errors.New("machine archive not found")

	// ErrDecompressionFailed indicates zstd decompression failed.
	ErrDecompressionFailed = errors.New("decompression failed")
)

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

// Section names inside the archive.
const (
	manifestName  = "manifest.json"
	registersName = "registers"
	stackName     = "stack"
	programName   = "program"
	memoryName    = "memory"
)

const maxManifestSize = 1 << 20

// hashPrefixLen is how much of the checksum lands in the filename.
const hashPrefixLen = 8

// archivePattern matches machine-STEPS-HASH.tar.zst or .tar.
var archivePattern = regexp.MustCompile(`^machine-(\d+)-([a-zA-Z0-9]+)\.(tar\.zst|tar)$`)

// Manifest describes the archived machine without its bulk state.
type Manifest struct {
	Version      uint32    `json:"version"`
	SavedAt      time.Time `json:"saved_at"`
	PC           int64     `json:"pc"`
	State        vm.State  `json:"state"`
	ExitCode     int32     `json:"exit_code"`
	TrapCode     uint32    `json:"trap_code"`
	Fault        string    `json:"fault,omitempty"`
	Steps        uint64    `json:"steps"`
	StepBudget   uint64    `json:"step_budget"`
	ProgramSlots int       `json:"program_slots"`
	MemorySize   int       `json:"memory_size"`
	StackDepth   int       `json:"stack_depth"`
	Checksum     string    `json:"checksum"`
}

// Info describes an archive discovered on disk.
type Info struct {
	// Path is the full path to the archive.
	Path string

	// Steps is the instruction count parsed from the filename.
	Steps uint64

	// Hash is the checksum prefix from the filename.
	Hash string

	// IsCompressed indicates a zstd archive.
	IsCompressed bool

	// Size is the file size in bytes.
	Size int64
}

// Find discovers archives in a directory, most-advanced machine
// first by step count. A missing directory yields no archives, not
// an error.
func Find(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var found []Info
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		matches := archivePattern.FindStringSubmatch(name)
		if matches == nil {
			continue
		}
		steps, _ := strconv.ParseUint(matches[1], 10, 64)
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		found = append(found, Info{
			Path:         filepath.Join(dir, name),
			Steps:        steps,
			Hash:         matches[2],
			IsCompressed: strings.HasSuffix(name, ".zst"),
			Size:         fi.Size(),
		})
	}

	sort.Slice(found, func(i, j int) bool {
		return found[i].Steps > found[j].Steps
	})
	return found, nil
}

// FindLatest returns the archive with the highest step count.
func FindLatest(dir string) (*Info, error) {
	found, err := Find(dir)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrArchiveNotFound
	}
	return &found[0], nil
}

// Save writes the state to dir under its canonical name and returns
// the archive path.
func Save(s *vm.SuspendedState, dir string, compress bool) (string, error) {
	sum := checksum(s)
	name := fmt.Sprintf("machine-%d-%s.tar", s.Steps, sum[:hashPrefixLen])
	if compress {
		name += ".zst"
	}
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	if err := Write(s, f, compress); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}
	return path, nil
}

// Write streams the state as a tar archive to w.
func Write(s *vm.SuspendedState, w io.Writer, compress bool) error {
	var tw *tar.Writer
	var enc *zstd.Encoder
	if compress {
		var err error
		enc, err = zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("zstd writer: %w", err)
		}
		tw = tar.NewWriter(enc)
	} else {
		tw = tar.NewWriter(w)
	}

	sum := checksum(s)
	manifest := Manifest{
		Version:      ManifestVersion,
		SavedAt:      time.Now().UTC(),
		PC:           s.PC,
		State:        s.State,
		ExitCode:     s.ExitCode,
		TrapCode:     s.TrapCode,
		Fault:        s.Fault,
		Steps:        s.Steps,
		StepBudget:   s.StepBudget,
		ProgramSlots: len(s.Program),
		MemorySize:   len(s.Memory),
		StackDepth:   len(s.Stack),
		Checksum:     sum,
	}
	manifestBytes, err := json.MarshalIndent(&manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	prefix := fmt.Sprintf("machine-%d-%s", s.Steps, sum[:hashPrefixLen])
	sections := []struct {
		name string
		data []byte
	}{
		{manifestName, manifestBytes},
		{registersName, encodeWords(s.Registers[:])},
		{stackName, encodeStack(s.Stack)},
		{programName, vm.EncodeProgram(s.Program)},
		{memoryName, s.Memory},
	}
	for _, sec := range sections {
		hdr := &tar.Header{
			Name:    prefix + "/" + sec.name,
			Mode:    0o644,
			Size:    int64(len(sec.data)),
			ModTime: manifest.SavedAt,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write %s header: %w", sec.name, err)
		}
		if _, err := tw.Write(sec.data); err != nil {
			return fmt.Errorf("write %s: %w", sec.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("close zstd: %w", err)
		}
	}
	return nil
}

// Load reads an archive and restores a runnable machine with the
// given trap handlers installed.
func Load(path string, traps map[uint32]vm.TrapHandler) (*vm.Machine, error) {
	s, _, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return vm.Restore(s, traps)
}

// ReadFile reads an archive from disk.
func ReadFile(path string) (*vm.SuspendedState, *Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrArchiveNotFound
		}
		return nil, nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	return Read(f)
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Read reads an archive from a stream, detecting compression by the
// frame magic.
func Read(r io.Reader) (*vm.SuspendedState, *Manifest, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	var src io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		defer dec.Close()
		src = dec
	}

	manifest, sections, err := scanArchive(tar.NewReader(src))
	if err != nil {
		return nil, nil, err
	}
	state, err := assemble(manifest, sections)
	if err != nil {
		return nil, nil, err
	}
	return state, manifest, nil
}

// ReadManifest extracts just the manifest without reading the bulk
// sections.
func ReadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArchiveNotFound
		}
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	head, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	var src io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecompressionFailed, err)
		}
		defer dec.Close()
		src = dec
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}
		if filepath.Base(hdr.Name) != manifestName {
			if _, err := io.CopyN(io.Discard, tr, hdr.Size); err != nil {
				return nil, fmt.Errorf("skip %s: %w", hdr.Name, err)
			}
			continue
		}
		return parseManifest(tr, hdr.Size)
	}
	return nil, fmt.Errorf("%w: %s", ErrMissingSection, manifestName)
}

// Verify checks that the filename hash matches the manifest checksum.
func Verify(path string) (bool, error) {
	name := filepath.Base(path)
	matches := archivePattern.FindStringSubmatch(name)
	if matches == nil {
		return false, fmt.Errorf("%w: unrecognized filename %q", ErrInvalidArchive, name)
	}
	manifest, err := ReadManifest(path)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(manifest.Checksum, matches[2]), nil
}

func scanArchive(tr *tar.Reader) (*Manifest, map[string][]byte, error) {
	var manifest *Manifest
	sections := make(map[string][]byte)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read tar header: %w", err)
		}

		name := filepath.Base(hdr.Name)
		switch name {
		case manifestName:
			manifest, err = parseManifest(tr, hdr.Size)
			if err != nil {
				return nil, nil, err
			}
		case registersName, stackName, programName, memoryName:
			if hdr.Size > int64(vm.MaxMemorySize) {
				return nil, nil, fmt.Errorf("%w: section %s is %d bytes", ErrInvalidArchive, name, hdr.Size)
			}
			data := make([]byte, hdr.Size)
			if _, err := io.ReadFull(tr, data); err != nil {
				return nil, nil, fmt.Errorf("read %s: %w", name, err)
			}
			sections[name] = data
		default:
			if _, err := io.CopyN(io.Discard, tr, hdr.Size); err != nil {
				return nil, nil, fmt.Errorf("skip %s: %w", hdr.Name, err)
			}
		}
	}

	if manifest == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrMissingSection, manifestName)
	}
	return manifest, sections, nil
}

func parseManifest(r io.Reader, size int64) (*Manifest, error) {
	if size > maxManifestSize {
		return nil, fmt.Errorf("%w: manifest is %d bytes", ErrInvalidArchive, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrInvalidArchive, err)
	}
	if m.Version != ManifestVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, m.Version)
	}
	return &m, nil
}

func assemble(m *Manifest, sections map[string][]byte) (*vm.SuspendedState, error) {
	for _, name := range []string{registersName, stackName, programName, memoryName} {
		if _, ok := sections[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingSection, name)
		}
	}

	regBytes := sections[registersName]
	if len(regBytes) != vm.NumRegisters*8 {
		return nil, fmt.Errorf("%w: register section is %d bytes", ErrInvalidArchive, len(regBytes))
	}
	stackBytes := sections[stackName]
	if len(stackBytes)%8 != 0 || len(stackBytes)/8 != m.StackDepth {
		return nil, fmt.Errorf("%w: stack section is %d bytes for depth %d", ErrInvalidArchive, len(stackBytes), m.StackDepth)
	}
	program, err := vm.DecodeProgram(sections[programName])
	if err != nil {
		return nil, fmt.Errorf("%w: program: %v", ErrInvalidArchive, err)
	}
	if len(program) != m.ProgramSlots {
		return nil, fmt.Errorf("%w: %d program slots, manifest says %d", ErrInvalidArchive, len(program), m.ProgramSlots)
	}
	memory := sections[memoryName]
	if len(memory) != m.MemorySize {
		return nil, fmt.Errorf("%w: %d memory bytes, manifest says %d", ErrInvalidArchive, len(memory), m.MemorySize)
	}

	s := &vm.SuspendedState{
		Program:    program,
		Memory:     memory,
		PC:         m.PC,
		State:      m.State,
		ExitCode:   m.ExitCode,
		TrapCode:   m.TrapCode,
		Fault:      m.Fault,
		Steps:      m.Steps,
		StepBudget: m.StepBudget,
	}
	for i := 0; i < vm.NumRegisters; i++ {
		s.Registers[i] = binary.LittleEndian.Uint64(regBytes[i*8:])
	}
	s.Stack = make([]int64, m.StackDepth)
	for i := range s.Stack {
		s.Stack[i] = int64(binary.LittleEndian.Uint64(stackBytes[i*8:]))
	}

	if checksum(s) != m.Checksum {
		return nil, ErrChecksumMismatch
	}
	return s, nil
}

// checksum digests the four state sections in archive order.
func checksum(s *vm.SuspendedState) string {
	h := blake3.New()
	h.Write(encodeWords(s.Registers[:]))
	h.Write(encodeStack(s.Stack))
	h.Write(vm.EncodeProgram(s.Program))
	h.Write(s.Memory)
	return base58.Encode(h.Sum(nil))
}

func encodeWords(words []uint64) []byte {
	out := make([]byte, len(words)*8)
	for i, w := range words {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

func encodeStack(stack []int64) []byte {
	out := make([]byte, len(stack)*8)
	for i, v := range stack {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
	}
	return out
}
