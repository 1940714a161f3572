// Package types defines the identifier types shared across tern components.
//
// Program images and runs are addressed by 32-byte identifiers. Image IDs are
// content-derived (BLAKE3 of the image bytes), run IDs are random. Both render
// as base58 for logs, the CLI, and the RPC surface.
package types

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Size constants for identifier types.
const (
	ImageIDSize = 32
	RunIDSize   = 32
)

var (
	// ErrInvalidImageID is returned when an image ID has invalid length.
	ErrInvalidImageID = errors.New("invalid image id: must be 32 bytes")

	// ErrInvalidRunID is returned when a run ID has invalid length.
	ErrInvalidRunID = errors.New("invalid run id: must be 32 bytes")
)

// ImageID identifies a program image by the BLAKE3 digest of its serialized
// bytes. Two identical images always share an ID.
type ImageID [ImageIDSize]byte

// ImageIDOf computes the content ID for serialized image bytes.
func ImageIDOf(data []byte) ImageID {
	return ImageID(blake3.Sum256(data))
}

// ImageIDFromBase58 parses a base58-encoded image ID.
func ImageIDFromBase58(s string) (ImageID, error) {
	var id ImageID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != ImageIDSize {
		return id, ErrInvalidImageID
	}
	copy(id[:], data)
	return id, nil
}

// ImageIDFromBytes creates an ImageID from a byte slice.
func ImageIDFromBytes(b []byte) (ImageID, error) {
	var id ImageID
	if len(b) != ImageIDSize {
		return id, ErrInvalidImageID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id ImageID) String() string {
	return base58.Encode(id[:])
}

// Short returns a truncated base58 form for log lines.
func (id ImageID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero returns true if the ID is all zeros.
func (id ImageID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// Bytes returns the ID as a byte slice.
func (id ImageID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ImageID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ImageID) UnmarshalText(text []byte) error {
	parsed, err := ImageIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// RunID identifies a single execution of a program image.
type RunID [RunIDSize]byte

// NewRunID returns a fresh random run ID.
func NewRunID() RunID {
	var id RunID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(fmt.Sprintf("read random run id: %v", err))
	}
	return id
}

// RunIDFromBase58 parses a base58-encoded run ID.
func RunIDFromBase58(s string) (RunID, error) {
	var id RunID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != RunIDSize {
		return id, ErrInvalidRunID
	}
	copy(id[:], data)
	return id, nil
}

// RunIDFromBytes creates a RunID from a byte slice.
func RunIDFromBytes(b []byte) (RunID, error) {
	var id RunID
	if len(b) != RunIDSize {
		return id, ErrInvalidRunID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id RunID) String() string {
	return base58.Encode(id[:])
}

// Hex returns the hex-encoded representation.
func (id RunID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Short returns a truncated base58 form for log lines.
func (id RunID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero returns true if the ID is all zeros.
func (id RunID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// Bytes returns the ID as a byte slice.
func (id RunID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id RunID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *RunID) UnmarshalText(text []byte) error {
	parsed, err := RunIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
