//go:build linux && amd64

package jit

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const available = true

// execMap copies code into a fresh anonymous mapping and flips it to
// read-execute. The mapping is never writable and executable at once.
func execMap(code []byte) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, len(code),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap: %w", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("jit: mprotect: %w", err)
	}
	return mem, nil
}

func execUnmap(mem []byte) error {
	return unix.Munmap(mem)
}

// enter runs generated code with the context block loaded into the base
// register. Generated code clobbers only AX, CX, DX and the base and
// returns its exit status in AX.
//
//go:noescape
func enter(code uintptr, ctx *uint64) uint64
