package jit

import "encoding/binary"

// Context block slots, addressed off the base register (R12). Slots 0-10
// hold the guest registers, then the remaining budget and the current
// instruction index.
const (
	slotBudget = 11
	slotPC     = 12
	slotCount  = 13
)

// Host scratch registers. Guest state never stays in host registers
// across instruction boundaries; every value round-trips through the
// context block.
const (
	regA = 0 // rax: first operand and result
	regC = 1 // rcx: second operand, shift count, divisor
	regD = 2 // rdx: high half and remainder for division
)

// Condition codes for the two-byte jcc forms.
const (
	ccB  = 0x82 // below (unsigned <)
	ccAE = 0x83 // above or equal (unsigned >=)
	ccE  = 0x84 // equal
	ccNE = 0x85 // not equal
	ccBE = 0x86 // below or equal (unsigned <=)
	ccA  = 0x87 // above (unsigned >)
	ccL  = 0x8C // less (signed <)
	ccGE = 0x8D // greater or equal (signed >=)
	ccLE = 0x8E // less or equal (signed <=)
	ccG  = 0x8F // greater (signed >)
)

// Opcode extensions for the 0x81/0x83 immediate ALU group and the
// 0xC1/0xD3 shift group.
const (
	extAdd = 0
	extOr  = 1
	extAnd = 4
	extSub = 5
	extXor = 6
	extCmp = 7
	extShl = 4
	extShr = 5
	extSar = 7
)

// fixup is a pending rel32 whose destination is a guest instruction
// index resolved once all offsets are known.
type fixup struct {
	at     int
	target int64
}

// asm accumulates amd64 machine code. Emission helpers hard-code the
// scratch register plan above; anything beyond it takes explicit
// register numbers.
type asm struct {
	buf    []byte
	fixups []fixup
}

func (a *asm) pos() int { return len(a.buf) }

func (a *asm) raw(bs ...byte) { a.buf = append(a.buf, bs...) }

func (a *asm) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	a.buf = append(a.buf, b[:]...)
}

func (a *asm) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	a.buf = append(a.buf, b[:]...)
}

func (a *asm) ret() { a.raw(0xC3) }

func (a *asm) trap() { a.raw(0xCC) }

// loadSlot emits mov r64, [r12+8*slot].
func (a *asm) loadSlot(reg byte, slot int) {
	a.raw(0x49, 0x8B, 0x44|reg<<3, 0x24, byte(8*slot))
}

// loadSlot32 emits mov r32, [r12+8*slot], zero-extending into the full
// register.
func (a *asm) loadSlot32(reg byte, slot int) {
	a.raw(0x41, 0x8B, 0x44|reg<<3, 0x24, byte(8*slot))
}

// storeSlot emits mov [r12+8*slot], r64.
func (a *asm) storeSlot(slot int, reg byte) {
	a.raw(0x49, 0x89, 0x44|reg<<3, 0x24, byte(8*slot))
}

// storePC records the current guest instruction index in the context
// block so every host exit names the instruction it stopped at.
func (a *asm) storePC(pc int64) {
	a.raw(0x49, 0xC7, 0x44, 0x24, byte(8*slotPC))
	a.u32(uint32(pc))
}

// cmpBudget compares the remaining budget against an instruction cost.
func (a *asm) cmpBudget(cost byte) {
	a.raw(0x49, 0x83, 0x7C, 0x24, byte(8*slotBudget), cost)
}

// subBudget charges an instruction cost against the remaining budget.
func (a *asm) subBudget(cost byte) {
	a.raw(0x49, 0x83, 0x6C, 0x24, byte(8*slotBudget), cost)
}

// movImm32 emits mov r32, imm32, zero-extending.
func (a *asm) movImm32(reg byte, v uint32) {
	a.raw(0xB8 | reg)
	a.u32(v)
}

// movImmSigned emits mov r64, imm32 with sign extension.
func (a *asm) movImmSigned(reg byte, v int32) {
	a.raw(0x48, 0xC7, 0xC0|reg)
	a.u32(uint32(v))
}

// movAbs emits the ten-byte mov r64, imm64.
func (a *asm) movAbs(reg byte, v uint64) {
	a.raw(0x48, 0xB8|reg)
	a.u64(v)
}

// alu64Reg emits OP rax, rcx for a /r opcode byte (add, sub, or, and,
// xor, cmp in their r/m64,r64 forms).
func (a *asm) alu64Reg(op byte) { a.raw(0x48, op, 0xC8) }

// alu32Reg is the 32-bit form of alu64Reg, zero-extending the result.
func (a *asm) alu32Reg(op byte) { a.raw(op, 0xC8) }

// alu64Imm emits OP rax, imm32 through the 0x81 group; the immediate is
// sign-extended.
func (a *asm) alu64Imm(ext byte, imm int32) {
	a.raw(0x48, 0x81, 0xC0|ext<<3)
	a.u32(uint32(imm))
}

// alu32Imm is the 32-bit form of alu64Imm.
func (a *asm) alu32Imm(ext byte, imm int32) {
	a.raw(0x81, 0xC0|ext<<3)
	a.u32(uint32(imm))
}

// mul64Imm emits imul rax, rax, imm32.
func (a *asm) mul64Imm(imm int32) {
	a.raw(0x48, 0x69, 0xC0)
	a.u32(uint32(imm))
}

// mul32Imm emits imul eax, eax, imm32.
func (a *asm) mul32Imm(imm int32) {
	a.raw(0x69, 0xC0)
	a.u32(uint32(imm))
}

func (a *asm) mul64Reg() { a.raw(0x48, 0x0F, 0xAF, 0xC1) } // imul rax, rcx
func (a *asm) mul32Reg() { a.raw(0x0F, 0xAF, 0xC1) }       // imul eax, ecx

func (a *asm) zeroRDX() { a.raw(0x31, 0xD2) } // xor edx, edx

func (a *asm) div64RCX() { a.raw(0x48, 0xF7, 0xF1) } // div rcx
func (a *asm) div32RCX() { a.raw(0xF7, 0xF1) }       // div ecx

func (a *asm) test64RCX() { a.raw(0x48, 0x85, 0xC9) } // test rcx, rcx
func (a *asm) test32RCX() { a.raw(0x85, 0xC9) }       // test ecx, ecx

func (a *asm) neg64() { a.raw(0x48, 0xF7, 0xD8) } // neg rax
func (a *asm) neg32() { a.raw(0xF7, 0xD8) }       // neg eax

// shift64CL emits SHL/SHR/SAR rax, cl per the extension.
func (a *asm) shift64CL(ext byte) { a.raw(0x48, 0xD3, 0xC0|ext<<3) }
func (a *asm) shift32CL(ext byte) { a.raw(0xD3, 0xC0|ext<<3) }

// shift64Imm emits SHL/SHR/SAR rax, imm8 per the extension.
func (a *asm) shift64Imm(ext byte, n byte) { a.raw(0x48, 0xC1, 0xC0|ext<<3, n) }
func (a *asm) shift32Imm(ext byte, n byte) { a.raw(0xC1, 0xC0|ext<<3, n) }

func (a *asm) bswap64() { a.raw(0x48, 0x0F, 0xC8) } // bswap rax
func (a *asm) bswap32() { a.raw(0x0F, 0xC8) }       // bswap eax

func (a *asm) rorAX8()  { a.raw(0x66, 0xC1, 0xC8, 0x08) } // ror ax, 8
func (a *asm) movzxAX() { a.raw(0x0F, 0xB7, 0xC0) }       // movzx eax, ax
func (a *asm) movEAX()  { a.raw(0x89, 0xC0) }             // mov eax, eax

func (a *asm) cmp64Reg()  { a.raw(0x48, 0x39, 0xC8) } // cmp rax, rcx
func (a *asm) cmp32Reg()  { a.raw(0x39, 0xC8) }       // cmp eax, ecx
func (a *asm) test64Reg() { a.raw(0x48, 0x85, 0xC8) } // test rax, rcx
func (a *asm) test32Reg() { a.raw(0x85, 0xC8) }       // test eax, ecx

// test64Imm emits test rax, imm32 with sign extension.
func (a *asm) test64Imm(imm int32) {
	a.raw(0x48, 0xF7, 0xC0)
	a.u32(uint32(imm))
}

// test32Imm emits test eax, imm32.
func (a *asm) test32Imm(imm int32) {
	a.raw(0xF7, 0xC0)
	a.u32(uint32(imm))
}

// jcc emits a conditional jump to a guest instruction index, resolved
// during the fixup pass.
func (a *asm) jcc(cond byte, target int64) {
	a.raw(0x0F, cond)
	a.fixups = append(a.fixups, fixup{at: a.pos(), target: target})
	a.u32(0)
}

// jmp emits an unconditional jump to a guest instruction index.
func (a *asm) jmp(target int64) {
	a.raw(0xE9)
	a.fixups = append(a.fixups, fixup{at: a.pos(), target: target})
	a.u32(0)
}

// jccTo emits a conditional jump to an already-emitted code offset.
func (a *asm) jccTo(cond byte, off int) {
	a.raw(0x0F, cond)
	rel := int32(off - (a.pos() + 4))
	a.u32(uint32(rel))
}

// exitStep emits mov eax, statusStep; ret. The host services the
// instruction named by the pc slot and re-enters.
func (a *asm) exitStep() {
	a.movImm32(regA, statusStep)
	a.ret()
}

// resolve patches every pending rel32 against the final per-instruction
// offsets.
func (a *asm) resolve(offs []int32) {
	for _, f := range a.fixups {
		rel := offs[f.target] - int32(f.at+4)
		binary.LittleEndian.PutUint32(a.buf[f.at:], uint32(rel))
	}
}
