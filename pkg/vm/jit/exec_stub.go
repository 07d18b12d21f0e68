//go:build !(linux && amd64)

package jit

const available = false

func execMap(code []byte) ([]byte, error) { return nil, ErrNotSupported }

func execUnmap(mem []byte) error { return nil }

func enter(code uintptr, ctx *uint64) uint64 {
	panic("jit: enter on unsupported platform")
}
