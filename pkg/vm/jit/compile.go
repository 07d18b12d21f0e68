package jit

import (
	"fmt"

	"github.com/fortiblox/ebpfvm/pkg/ebpf"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// statusStep is the only exit status generated code returns: the host
// must run the instruction at the recorded pc through the interpreter
// and re-enter. Memory access, calls, exit, budget shortfalls and zero
// divisors all funnel through it, so those paths keep the interpreter's
// exact fault behavior.
const statusStep = 1

// Program is compiled machine code for one executable plus the
// per-instruction entry offsets the host re-enters at.
type Program struct {
	code []byte
	offs []int32 // guest pc -> code offset; -1 marks wide-load second slots
}

// Code returns the raw machine code. Callers must not modify it.
func (p *Program) Code() []byte { return p.code }

// Offset returns the code offset for a guest instruction index. ok is
// false for out-of-range indices and wide-load second slots.
func (p *Program) Offset(pc int64) (int, bool) {
	if pc < 0 || pc >= int64(len(p.offs)) || p.offs[pc] < 0 {
		return 0, false
	}
	return int(p.offs[pc]), true
}

// Compile lowers a verified executable to amd64 machine code. Guest
// registers live in a context block addressed off R12; ALU, byte swap,
// wide loads and jumps run natively, everything that needs the memory
// map, the call stack or the syscall registry exits to the host.
func Compile(exec *vm.Executable) (*Program, error) {
	text := exec.Text()
	a := &asm{}

	// Shared host-exit stub. Budget and divisor checks jump here.
	stepStub := a.pos()
	a.exitStep()

	offs := make([]int32, len(text))
	for i := range offs {
		offs[i] = -1
	}

	for pc := 0; pc < len(text); {
		ins := ebpf.Instruction(text[pc])
		op := ins.Op()
		offs[pc] = int32(a.pos())

		var hi ebpf.Instruction
		if op == ebpf.OpLddw {
			hi = ebpf.Instruction(text[pc+1])
		}
		if err := lower(a, stepStub, int64(pc), ins, hi); err != nil {
			return nil, err
		}
		pc += ebpf.Slots(op)
	}

	a.resolve(offs)
	for i := 0; i < 4; i++ {
		a.trap()
	}
	return &Program{code: a.buf, offs: offs}, nil
}

// lower emits one guest instruction. The preamble records the pc and
// settles the meter; host-serviced forms exit before charging so the
// interpreter accounts for them itself.
func lower(a *asm, stepStub int, pc int64, ins, hi ebpf.Instruction) error {
	op := ins.Op()
	dst := int(ins.Dst())
	src := int(ins.Src())
	off := ins.Off()
	imm := ins.Imm()

	a.storePC(pc)

	switch ebpf.FormOf(op) {
	case ebpf.FormLoadReg, ebpf.FormStoreImm, ebpf.FormStoreReg,
		ebpf.FormCall, ebpf.FormExit:
		a.exitStep()
		return nil
	}

	cost := byte(1)
	if op == ebpf.OpLddw {
		cost = 2
	}
	a.cmpBudget(cost)
	a.jccTo(ccB, stepStub)

	// Zero divisors defer to the interpreter before the charge lands, so
	// the fault meters exactly like an interpreted run.
	switch op {
	case ebpf.OpDiv64Reg, ebpf.OpMod64Reg:
		a.loadSlot(regC, src)
		a.test64RCX()
		a.jccTo(ccE, stepStub)
	case ebpf.OpDiv32Reg, ebpf.OpMod32Reg:
		a.loadSlot32(regC, src)
		a.test32RCX()
		a.jccTo(ccE, stepStub)
	}
	a.subBudget(cost)

	target := pc + 1 + int64(off)

	switch op {
	// 64-bit immediate load
	case ebpf.OpLddw:
		a.movAbs(regA, ebpf.WideImm(ins, hi))
		a.storeSlot(dst, regA)

	// ALU64 immediate
	case ebpf.OpAdd64Imm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extAdd, imm)
		a.storeSlot(dst, regA)
	case ebpf.OpSub64Imm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extSub, imm)
		a.storeSlot(dst, regA)
	case ebpf.OpMul64Imm:
		a.loadSlot(regA, dst)
		a.mul64Imm(imm)
		a.storeSlot(dst, regA)
	case ebpf.OpDiv64Imm:
		a.movImmSigned(regC, imm)
		a.loadSlot(regA, dst)
		a.zeroRDX()
		a.div64RCX()
		a.storeSlot(dst, regA)
	case ebpf.OpOr64Imm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extOr, imm)
		a.storeSlot(dst, regA)
	case ebpf.OpAnd64Imm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extAnd, imm)
		a.storeSlot(dst, regA)
	case ebpf.OpLsh64Imm:
		a.loadSlot(regA, dst)
		a.shift64Imm(extShl, byte(imm&63))
		a.storeSlot(dst, regA)
	case ebpf.OpRsh64Imm:
		a.loadSlot(regA, dst)
		a.shift64Imm(extShr, byte(imm&63))
		a.storeSlot(dst, regA)
	case ebpf.OpNeg64:
		a.loadSlot(regA, dst)
		a.neg64()
		a.storeSlot(dst, regA)
	case ebpf.OpMod64Imm:
		a.movImmSigned(regC, imm)
		a.loadSlot(regA, dst)
		a.zeroRDX()
		a.div64RCX()
		a.storeSlot(dst, regD)
	case ebpf.OpXor64Imm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extXor, imm)
		a.storeSlot(dst, regA)
	case ebpf.OpMov64Imm:
		a.movImmSigned(regA, imm)
		a.storeSlot(dst, regA)
	case ebpf.OpArsh64Imm:
		a.loadSlot(regA, dst)
		a.shift64Imm(extSar, byte(imm&63))
		a.storeSlot(dst, regA)

	// ALU64 register; for div and mod the preamble left the divisor in
	// rcx already
	case ebpf.OpAdd64Reg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.alu64Reg(0x01)
		a.storeSlot(dst, regA)
	case ebpf.OpSub64Reg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.alu64Reg(0x29)
		a.storeSlot(dst, regA)
	case ebpf.OpMul64Reg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.mul64Reg()
		a.storeSlot(dst, regA)
	case ebpf.OpDiv64Reg:
		a.loadSlot(regA, dst)
		a.zeroRDX()
		a.div64RCX()
		a.storeSlot(dst, regA)
	case ebpf.OpOr64Reg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.alu64Reg(0x09)
		a.storeSlot(dst, regA)
	case ebpf.OpAnd64Reg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.alu64Reg(0x21)
		a.storeSlot(dst, regA)
	case ebpf.OpLsh64Reg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.shift64CL(extShl)
		a.storeSlot(dst, regA)
	case ebpf.OpRsh64Reg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.shift64CL(extShr)
		a.storeSlot(dst, regA)
	case ebpf.OpMod64Reg:
		a.loadSlot(regA, dst)
		a.zeroRDX()
		a.div64RCX()
		a.storeSlot(dst, regD)
	case ebpf.OpXor64Reg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.alu64Reg(0x31)
		a.storeSlot(dst, regA)
	case ebpf.OpMov64Reg:
		a.loadSlot(regA, src)
		a.storeSlot(dst, regA)
	case ebpf.OpArsh64Reg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.shift64CL(extSar)
		a.storeSlot(dst, regA)

	// ALU32 immediate; 32-bit results zero-extend through the full
	// register store
	case ebpf.OpAdd32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extAdd, imm)
		a.storeSlot(dst, regA)
	case ebpf.OpSub32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extSub, imm)
		a.storeSlot(dst, regA)
	case ebpf.OpMul32Imm:
		a.loadSlot32(regA, dst)
		a.mul32Imm(imm)
		a.storeSlot(dst, regA)
	case ebpf.OpDiv32Imm:
		a.movImm32(regC, uint32(imm))
		a.loadSlot32(regA, dst)
		a.zeroRDX()
		a.div32RCX()
		a.storeSlot(dst, regA)
	case ebpf.OpOr32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extOr, imm)
		a.storeSlot(dst, regA)
	case ebpf.OpAnd32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extAnd, imm)
		a.storeSlot(dst, regA)
	case ebpf.OpLsh32Imm:
		a.loadSlot32(regA, dst)
		a.shift32Imm(extShl, byte(imm&31))
		a.storeSlot(dst, regA)
	case ebpf.OpRsh32Imm:
		a.loadSlot32(regA, dst)
		a.shift32Imm(extShr, byte(imm&31))
		a.storeSlot(dst, regA)
	case ebpf.OpNeg32:
		a.loadSlot32(regA, dst)
		a.neg32()
		a.storeSlot(dst, regA)
	case ebpf.OpMod32Imm:
		a.movImm32(regC, uint32(imm))
		a.loadSlot32(regA, dst)
		a.zeroRDX()
		a.div32RCX()
		a.storeSlot(dst, regD)
	case ebpf.OpXor32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extXor, imm)
		a.storeSlot(dst, regA)
	case ebpf.OpMov32Imm:
		a.movImm32(regA, uint32(imm))
		a.storeSlot(dst, regA)
	case ebpf.OpArsh32Imm:
		a.loadSlot32(regA, dst)
		a.shift32Imm(extSar, byte(imm&31))
		a.storeSlot(dst, regA)

	// ALU32 register
	case ebpf.OpAdd32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.alu32Reg(0x01)
		a.storeSlot(dst, regA)
	case ebpf.OpSub32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.alu32Reg(0x29)
		a.storeSlot(dst, regA)
	case ebpf.OpMul32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.mul32Reg()
		a.storeSlot(dst, regA)
	case ebpf.OpDiv32Reg:
		a.loadSlot32(regA, dst)
		a.zeroRDX()
		a.div32RCX()
		a.storeSlot(dst, regA)
	case ebpf.OpOr32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.alu32Reg(0x09)
		a.storeSlot(dst, regA)
	case ebpf.OpAnd32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.alu32Reg(0x21)
		a.storeSlot(dst, regA)
	case ebpf.OpLsh32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.shift32CL(extShl)
		a.storeSlot(dst, regA)
	case ebpf.OpRsh32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.shift32CL(extShr)
		a.storeSlot(dst, regA)
	case ebpf.OpMod32Reg:
		a.loadSlot32(regA, dst)
		a.zeroRDX()
		a.div32RCX()
		a.storeSlot(dst, regD)
	case ebpf.OpXor32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.alu32Reg(0x31)
		a.storeSlot(dst, regA)
	case ebpf.OpMov32Reg:
		a.loadSlot32(regA, src)
		a.storeSlot(dst, regA)
	case ebpf.OpArsh32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.shift32CL(extSar)
		a.storeSlot(dst, regA)

	// Byte swap
	case ebpf.OpLE:
		switch imm {
		case 16:
			a.loadSlot(regA, dst)
			a.movzxAX()
			a.storeSlot(dst, regA)
		case 32:
			a.loadSlot(regA, dst)
			a.movEAX()
			a.storeSlot(dst, regA)
		case 64:
		default:
			return fmt.Errorf("jit: byte swap width %d at pc %d", imm, pc)
		}
	case ebpf.OpBE:
		switch imm {
		case 16:
			a.loadSlot(regA, dst)
			a.rorAX8()
			a.movzxAX()
			a.storeSlot(dst, regA)
		case 32:
			a.loadSlot(regA, dst)
			a.bswap32()
			a.storeSlot(dst, regA)
		case 64:
			a.loadSlot(regA, dst)
			a.bswap64()
			a.storeSlot(dst, regA)
		default:
			return fmt.Errorf("jit: byte swap width %d at pc %d", imm, pc)
		}

	// Jump unconditional
	case ebpf.OpJa:
		a.jmp(target)

	// Jump conditional (64-bit)
	case ebpf.OpJeqImm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extCmp, imm)
		a.jcc(ccE, target)
	case ebpf.OpJeqReg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.cmp64Reg()
		a.jcc(ccE, target)
	case ebpf.OpJgtImm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extCmp, imm)
		a.jcc(ccA, target)
	case ebpf.OpJgtReg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.cmp64Reg()
		a.jcc(ccA, target)
	case ebpf.OpJgeImm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extCmp, imm)
		a.jcc(ccAE, target)
	case ebpf.OpJgeReg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.cmp64Reg()
		a.jcc(ccAE, target)
	case ebpf.OpJltImm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extCmp, imm)
		a.jcc(ccB, target)
	case ebpf.OpJltReg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.cmp64Reg()
		a.jcc(ccB, target)
	case ebpf.OpJleImm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extCmp, imm)
		a.jcc(ccBE, target)
	case ebpf.OpJleReg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.cmp64Reg()
		a.jcc(ccBE, target)
	case ebpf.OpJneImm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extCmp, imm)
		a.jcc(ccNE, target)
	case ebpf.OpJneReg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.cmp64Reg()
		a.jcc(ccNE, target)
	case ebpf.OpJsetImm:
		a.loadSlot(regA, dst)
		a.test64Imm(imm)
		a.jcc(ccNE, target)
	case ebpf.OpJsetReg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.test64Reg()
		a.jcc(ccNE, target)
	case ebpf.OpJsgtImm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extCmp, imm)
		a.jcc(ccG, target)
	case ebpf.OpJsgtReg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.cmp64Reg()
		a.jcc(ccG, target)
	case ebpf.OpJsgeImm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extCmp, imm)
		a.jcc(ccGE, target)
	case ebpf.OpJsgeReg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.cmp64Reg()
		a.jcc(ccGE, target)
	case ebpf.OpJsltImm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extCmp, imm)
		a.jcc(ccL, target)
	case ebpf.OpJsltReg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.cmp64Reg()
		a.jcc(ccL, target)
	case ebpf.OpJsleImm:
		a.loadSlot(regA, dst)
		a.alu64Imm(extCmp, imm)
		a.jcc(ccLE, target)
	case ebpf.OpJsleReg:
		a.loadSlot(regA, dst)
		a.loadSlot(regC, src)
		a.cmp64Reg()
		a.jcc(ccLE, target)

	// Jump conditional (32-bit, low word)
	case ebpf.OpJeq32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extCmp, imm)
		a.jcc(ccE, target)
	case ebpf.OpJeq32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.cmp32Reg()
		a.jcc(ccE, target)
	case ebpf.OpJgt32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extCmp, imm)
		a.jcc(ccA, target)
	case ebpf.OpJgt32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.cmp32Reg()
		a.jcc(ccA, target)
	case ebpf.OpJge32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extCmp, imm)
		a.jcc(ccAE, target)
	case ebpf.OpJge32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.cmp32Reg()
		a.jcc(ccAE, target)
	case ebpf.OpJlt32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extCmp, imm)
		a.jcc(ccB, target)
	case ebpf.OpJlt32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.cmp32Reg()
		a.jcc(ccB, target)
	case ebpf.OpJle32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extCmp, imm)
		a.jcc(ccBE, target)
	case ebpf.OpJle32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.cmp32Reg()
		a.jcc(ccBE, target)
	case ebpf.OpJne32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extCmp, imm)
		a.jcc(ccNE, target)
	case ebpf.OpJne32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.cmp32Reg()
		a.jcc(ccNE, target)
	case ebpf.OpJset32Imm:
		a.loadSlot32(regA, dst)
		a.test32Imm(imm)
		a.jcc(ccNE, target)
	case ebpf.OpJset32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.test32Reg()
		a.jcc(ccNE, target)
	case ebpf.OpJsgt32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extCmp, imm)
		a.jcc(ccG, target)
	case ebpf.OpJsgt32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.cmp32Reg()
		a.jcc(ccG, target)
	case ebpf.OpJsge32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extCmp, imm)
		a.jcc(ccGE, target)
	case ebpf.OpJsge32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.cmp32Reg()
		a.jcc(ccGE, target)
	case ebpf.OpJslt32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extCmp, imm)
		a.jcc(ccL, target)
	case ebpf.OpJslt32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.cmp32Reg()
		a.jcc(ccL, target)
	case ebpf.OpJsle32Imm:
		a.loadSlot32(regA, dst)
		a.alu32Imm(extCmp, imm)
		a.jcc(ccLE, target)
	case ebpf.OpJsle32Reg:
		a.loadSlot32(regA, dst)
		a.loadSlot32(regC, src)
		a.cmp32Reg()
		a.jcc(ccLE, target)

	default:
		return fmt.Errorf("jit: opcode %#02x at pc %d", op, pc)
	}
	return nil
}
