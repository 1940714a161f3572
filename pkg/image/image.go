// Package image implements the tern program container.
//
// An image carries everything a machine needs to start: the code
// segment, an optional data segment with its load address, the entry
// slot, and the memory size. The serialized form is a fixed
// little-endian header followed by name, code, and data bytes, and
// may be zstd compressed as a whole; readers detect compression by
// the frame magic.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/ternvm/tern/internal/types"
	"github.com/ternvm/tern/pkg/vm"
)

// Container magic and version.
var imageMagic = []byte{'T', 'R', 'N', '1'}

const FormatVersion = 1

// Serialized header layout:
//
//	0   magic (4)
//	4   version (2)
//	6   flags (2, reserved)
//	8   entry slot (8)
//	16  memory size (8)
//	24  data load address (8)
//	32  code length (4)
//	36  data length (4)
//	40  name length (2)
//	42  name | code | data
const headerSize = 42

// Limits.
const (
	MaxImageSize = 16 * 1024 * 1024
	MaxNameLen   = 128
)

var (
	ErrNotAnImage        = errors.New("not a tern image")
	ErrUnsupportedFormat = errors.New("unsupported image version")
	ErrTruncated         = errors.New("truncated image")
	ErrImageTooLarge     = errors.New("image too large")
	ErrNameTooLong       = errors.New("image name too long")
	ErrNoCode            = errors.New("image has no code")
	ErrBadGeometry       = errors.New("invalid image geometry")
)

// Image is a decoded program container.
type Image struct {
	Name     string
	Version  uint16
	Entry    uint64
	MemSize  uint64
	DataAddr uint64
	Code     []byte
	Data     []byte
}

// memSize returns the effective memory size, substituting the
// machine default when the image does not set one.
func (img *Image) memSize() uint64 {
	if img.MemSize == 0 {
		return vm.DefaultMemorySize
	}
	return img.MemSize
}

// Validate checks the image geometry without building a machine.
func (img *Image) Validate() error {
	if len(img.Name) > MaxNameLen {
		return fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(img.Name))
	}
	if len(img.Code) == 0 {
		return ErrNoCode
	}
	if len(img.Code)%vm.InstructionSize != 0 {
		return fmt.Errorf("%w: code length %d", ErrBadGeometry, len(img.Code))
	}
	slots := uint64(len(img.Code) / vm.InstructionSize)
	if slots > vm.MaxProgramSlots {
		return fmt.Errorf("%w: %d code slots", ErrBadGeometry, slots)
	}
	if img.Entry >= slots {
		return fmt.Errorf("%w: entry slot %d of %d", ErrBadGeometry, img.Entry, slots)
	}
	mem := img.memSize()
	if mem > vm.MaxMemorySize {
		return fmt.Errorf("%w: memory size %d", ErrBadGeometry, mem)
	}
	end := img.DataAddr + uint64(len(img.Data))
	if end < img.DataAddr || end > mem {
		return fmt.Errorf("%w: data [%d, %d) in %d bytes of memory", ErrBadGeometry, img.DataAddr, end, mem)
	}
	return nil
}

// Serialize produces the canonical uncompressed container bytes.
func (img *Image) Serialize() ([]byte, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	version := img.Version
	if version == 0 {
		version = FormatVersion
	}
	name := []byte(img.Name)

	total := headerSize + len(name) + len(img.Code) + len(img.Data)
	if total > MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, total)
	}

	out := make([]byte, total)
	copy(out[0:4], imageMagic)
	binary.LittleEndian.PutUint16(out[4:6], version)
	binary.LittleEndian.PutUint16(out[6:8], 0)
	binary.LittleEndian.PutUint64(out[8:16], img.Entry)
	binary.LittleEndian.PutUint64(out[16:24], img.MemSize)
	binary.LittleEndian.PutUint64(out[24:32], img.DataAddr)
	binary.LittleEndian.PutUint32(out[32:36], uint32(len(img.Code)))
	binary.LittleEndian.PutUint32(out[36:40], uint32(len(img.Data)))
	binary.LittleEndian.PutUint16(out[40:42], uint16(len(name)))

	p := out[headerSize:]
	copy(p, name)
	p = p[len(name):]
	copy(p, img.Code)
	p = p[len(img.Code):]
	copy(p, img.Data)
	return out, nil
}

// Deserialize parses container bytes, transparently decompressing a
// zstd frame first.
func Deserialize(raw []byte) (*Image, error) {
	if isZstd(raw) {
		var err error
		raw, err = decompress(raw)
		if err != nil {
			return nil, err
		}
	}
	if len(raw) > MaxImageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooLarge, len(raw))
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(raw))
	}
	if !bytes.Equal(raw[0:4], imageMagic) {
		return nil, ErrNotAnImage
	}

	version := binary.LittleEndian.Uint16(raw[4:6])
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedFormat, version)
	}

	img := &Image{
		Version:  version,
		Entry:    binary.LittleEndian.Uint64(raw[8:16]),
		MemSize:  binary.LittleEndian.Uint64(raw[16:24]),
		DataAddr: binary.LittleEndian.Uint64(raw[24:32]),
	}
	codeLen := int(binary.LittleEndian.Uint32(raw[32:36]))
	dataLen := int(binary.LittleEndian.Uint32(raw[36:40]))
	nameLen := int(binary.LittleEndian.Uint16(raw[40:42]))

	want := headerSize + nameLen + codeLen + dataLen
	if want != len(raw) {
		return nil, fmt.Errorf("%w: header wants %d bytes, have %d", ErrTruncated, want, len(raw))
	}

	p := raw[headerSize:]
	img.Name = string(p[:nameLen])
	p = p[nameLen:]
	img.Code = append([]byte(nil), p[:codeLen]...)
	p = p[codeLen:]
	if dataLen > 0 {
		img.Data = append([]byte(nil), p[:dataLen]...)
	}

	if err := img.Validate(); err != nil {
		return nil, err
	}
	return img, nil
}

// ID derives the content identifier from the canonical serialized
// bytes, so compression does not change it.
func (img *Image) ID() (types.ImageID, error) {
	raw, err := img.Serialize()
	if err != nil {
		return types.ImageID{}, err
	}
	return types.ImageIDOf(raw), nil
}

// Instructions decodes the code segment.
func (img *Image) Instructions() ([]vm.Instruction, error) {
	return vm.DecodeProgram(img.Code)
}

/// NewMachine builds a machine booted from the image: code loaded,
// data segment placed at its load address, entry and memory size
// applied. Register file, step budget, and trap handlers are taken
// from opts; the image controls the memory layout.
func (img *Image) NewMachine(opts *vm.Opts) (*vm.Machine, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}
	var merged vm.Opts
	if opts != nil {
		merged = *opts
	}
	merged.MemorySize = int(img.memSize())
	merged.Entry = img.Entry
	merged.Memory = nil
	if len(img.Data) > 0 {
		buf := make([]byte, img.DataAddr+uint64(len(img.Data)))
		copy(buf[img.DataAddr:], img.Data)
		merged.Memory = buf
	}
	return vm.New(img.Code, &merged)
}

// WriteFile serializes the image to path, compressing when asked.
func (img *Image) WriteFile(path string, compress bool) error {
	raw, err := img.Serialize()
	if err != nil {
		return err
	}
	if compress {
		raw, err = Compress(raw)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(path, raw, 0o644)
}

// ReadFile loads an image from path, decompressing if needed.
func ReadFile(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Deserialize(raw)
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func isZstd(raw []byte) bool {
	return len(raw) >= 4 && bytes.Equal(raw[:4], zstdMagic)
}

// Compress wraps raw bytes in a zstd frame.
func Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(raw []byte) ([]byte, error) {
	zr, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxImageSize))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := zr.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAnImage, err)
	}
	return out, nil
}
