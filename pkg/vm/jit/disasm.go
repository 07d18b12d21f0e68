package jit

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders the compiled code one instruction per line.
// Undecodable bytes come out as raw "db" lines.
func (p *Program) Disassemble() string {
	var sb strings.Builder
	off := 0
	for off < len(p.code) {
		inst, err := x86asm.Decode(p.code[off:], 64)
		if err != nil || inst.Len == 0 {
			fmt.Fprintf(&sb, "0x%04x: db 0x%02x\n", off, p.code[off])
			off++
			continue
		}
		fmt.Fprintf(&sb, "0x%04x: %s\n", off, inst)
		off += inst.Len
	}
	return sb.String()
}
