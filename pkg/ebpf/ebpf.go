// Package ebpf defines the eBPF instruction set: opcode constants, the
// 8-byte instruction word encoding, the operand-form table shared by the
// verifier and the interpreter, and text disassembly.
//
// An instruction is a little-endian 64-bit word:
//
//	bits 0-7    opcode
//	bits 8-11   destination register
//	bits 12-15  source register
//	bits 16-31  signed offset
//	bits 32-63  signed immediate
//
// The wide load lddw occupies two consecutive words; the second word carries
// the high 32 bits of the constant in its immediate field and must otherwise
// be zero.
package ebpf

// Register file layout.
const (
	// NumRegisters is the number of general-purpose registers (r0-r10).
	NumRegisters = 11

	// FrameReg is the read-only frame pointer register (r10).
	FrameReg = 10

	// MaxInsns is the maximum program length in instruction slots.
	MaxInsns = 65536
)

// Call source operand values.
const (
	// PseudoCall marks a call instruction whose immediate is a relative
	// program offset rather than a syscall id.
	PseudoCall = 1
)

// Instruction is an encoded eBPF instruction word.
type Instruction uint64

// Op returns the opcode (bits 0-7).
func (i Instruction) Op() uint8 {
	return uint8(i & 0xFF)
}

// Dst returns the destination register (bits 8-11).
func (i Instruction) Dst() uint8 {
	return uint8((i >> 8) & 0x0F)
}

// Src returns the source register (bits 12-15).
func (i Instruction) Src() uint8 {
	return uint8((i >> 12) & 0x0F)
}

// Off returns the offset (bits 16-31, signed).
func (i Instruction) Off() int16 {
	return int16(i >> 16)
}

// Imm returns the immediate value (bits 32-63, signed).
func (i Instruction) Imm() int32 {
	return int32(i >> 32)
}

// Uimm returns the immediate value as unsigned.
func (i Instruction) Uimm() uint32 {
	return uint32(i >> 32)
}

// Encode creates an instruction word from its components.
func Encode(op uint8, dst, src uint8, off int16, imm int32) uint64 {
	return uint64(op) |
		uint64(dst&0x0F)<<8 |
		uint64(src&0x0F)<<12 |
		uint64(uint16(off))<<16 |
		uint64(uint32(imm))<<32
}

// EncodeWide creates the two instruction words of an lddw loading a 64-bit
// constant into dst.
func EncodeWide(dst uint8, imm uint64) (uint64, uint64) {
	lo := Encode(OpLddw, dst, 0, 0, int32(uint32(imm)))
	hi := Encode(0, 0, 0, 0, int32(uint32(imm>>32)))
	return lo, hi
}

// WideImm combines the immediate fields of an lddw pair into the 64-bit
// constant.
func WideImm(lo, hi Instruction) uint64 {
	return uint64(lo.Uimm()) | uint64(hi.Uimm())<<32
}

// Slots returns the number of instruction slots the opcode occupies.
func Slots(op uint8) int {
	if op == OpLddw {
		return 2
	}
	return 1
}
