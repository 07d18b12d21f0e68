package vm

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	ErrRegistryFrozen   = errors.New("syscall registry is frozen")
	ErrDuplicateSyscall = errors.New("syscall id already registered")
)

// Caller is the narrow view of the machine handed to syscall handlers.
// Handlers may read and write guest memory and charge the meter; any
// other state they need lives on their own receiver.
type Caller interface {
	Read(addr uint64, p []byte) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)

	Write(addr uint64, p []byte) error
	Write8(addr uint64, x uint8) error
	Write16(addr uint64, x uint16) error
	Write32(addr uint64, x uint32) error
	Write64(addr uint64, x uint64) error

	Translate(addr, size uint64, access Access) ([]byte, error)
	Meter() *Meter
}

// Syscall is a host function callable from guest programs. Arguments
// arrive in r1-r5 and the return value is placed in r0.
type Syscall interface {
	Invoke(c Caller, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// SyscallFunc adapts a function to the Syscall interface.
type SyscallFunc func(c Caller, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Invoke implements Syscall.
func (f SyscallFunc) Invoke(c Caller, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(c, r1, r2, r3, r4, r5)
}

// Registry maps syscall ids to handlers. Ids are murmur3 hashes of the
// syscall name, or explicit numeric ids. A registry freezes when an
// Executable is built over it; late registration fails.
type Registry struct {
	syscalls map[uint32]Syscall
	names    map[uint32]string
	frozen   bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		syscalls: make(map[uint32]Syscall),
		names:    make(map[uint32]string),
	}
}

// Register adds a handler under the murmur3 hash of its name and returns
// the assigned id.
func (r *Registry) Register(name string, s Syscall) (uint32, error) {
	id := HashName(name)
	if err := r.RegisterID(id, name, s); err != nil {
		return 0, err
	}
	return id, nil
}

// RegisterID adds a handler under an explicit id. The name is kept for
// diagnostics only.
func (r *Registry) RegisterID(id uint32, name string, s Syscall) error {
	if r.frozen {
		return fmt.Errorf("%w: cannot add %q", ErrRegistryFrozen, name)
	}
	if prev, dup := r.names[id]; dup {
		return fmt.Errorf("%w: 0x%08x (%q vs %q)", ErrDuplicateSyscall, id, prev, name)
	}
	r.syscalls[id] = s
	r.names[id] = name
	return nil
}

// Resolve returns the handler for an id.
func (r *Registry) Resolve(id uint32) (Syscall, bool) {
	s, ok := r.syscalls[id]
	return s, ok
}

// Name returns the registered name for an id.
func (r *Registry) Name(id uint32) (string, bool) {
	n, ok := r.names[id]
	return n, ok
}

// Frozen reports whether the registry is attached to an Executable.
func (r *Registry) Frozen() bool {
	return r.frozen
}

func (r *Registry) freeze() {
	r.frozen = true
}

// HashName computes the murmur3 hash of a syscall name, the conventional
// id scheme for name-registered syscalls.
func HashName(name string) uint32 {
	const (
		c1 = 0xcc9e2d51
		c2 = 0x1b873593
	)

	data := []byte(name)
	h1 := uint32(0)
	length := len(data)

	nblocks := length / 4
	for i := 0; i < nblocks; i++ {
		k1 := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24

		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2

		h1 ^= k1
		h1 = (h1 << 13) | (h1 >> 19)
		h1 = h1*5 + 0xe6546b64
	}

	tail := data[nblocks*4:]
	var k1 uint32
	switch len(tail) {
	case 3:
		k1 ^= uint32(tail[2]) << 16
		fallthrough
	case 2:
		k1 ^= uint32(tail[1]) << 8
		fallthrough
	case 1:
		k1 ^= uint32(tail[0])
		k1 *= c1
		k1 = (k1 << 15) | (k1 >> 17)
		k1 *= c2
		h1 ^= k1
	}

	h1 ^= uint32(length)
	h1 ^= h1 >> 16
	h1 *= 0x85ebca6b
	h1 ^= h1 >> 13
	h1 *= 0xc2b2ae35
	h1 ^= h1 >> 16

	return h1
}
