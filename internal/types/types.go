// Package types defines the shared identity types for stored programs.
//
// A program id is the blake3 digest of the program's object bytes,
// rendered in base58. Ids are content addresses: the same object always
// yields the same id, and an id fetched from storage can be verified
// against the bytes it names.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// ProgramIDSize is the byte length of a program id.
const ProgramIDSize = 32

// ErrInvalidProgramID is returned when a program id has invalid length.
var ErrInvalidProgramID = errors.New("invalid program id: must be 32 bytes")

// ProgramID identifies a stored program by the blake3 digest of its
// object bytes.
type ProgramID [ProgramIDSize]byte

// ComputeProgramID digests object bytes into their id.
func ComputeProgramID(data []byte) ProgramID {
	return ProgramID(blake3.Sum256(data))
}

// ProgramIDFromBase58 parses a base58-encoded program id.
func ProgramIDFromBase58(s string) (ProgramID, error) {
	var id ProgramID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], data)
	return id, nil
}

// ProgramIDFromBytes creates a ProgramID from a byte slice.
func ProgramIDFromBytes(b []byte) (ProgramID, error) {
	var id ProgramID
	if len(b) != ProgramIDSize {
		return id, ErrInvalidProgramID
	}
	copy(id[:], b)
	return id, nil
}

// MustProgramIDFromBase58 parses a base58 program id or panics.
// Only use for compile-time constants.
func MustProgramIDFromBase58(s string) ProgramID {
	id, err := ProgramIDFromBase58(s)
	if err != nil {
		panic(fmt.Sprintf("invalid program id constant %q: %v", s, err))
	}
	return id
}

// String returns the base58-encoded representation.
func (id ProgramID) String() string {
	return base58.Encode(id[:])
}

// Short returns a truncated base58 form for log lines.
func (id ProgramID) Short() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero returns true if the id is all zeros.
func (id ProgramID) IsZero() bool {
	for _, b := range id {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equals returns true if two ids are equal.
func (id ProgramID) Equals(other ProgramID) bool {
	return id == other
}

// Bytes returns the id as a byte slice.
func (id ProgramID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id ProgramID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ProgramID) UnmarshalText(text []byte) error {
	parsed, err := ProgramIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
