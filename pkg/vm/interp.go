package vm

import (
	"fmt"
	"math/bits"

	"github.com/fortiblox/ebpfvm/pkg/ebpf"
)

// step executes exactly one instruction. It returns halted=true when exit
// pops the last frame. Errors are raw fault kinds; Step wraps them with
// the register snapshot.
func (m *Machine) step() (bool, error) {
	text := m.exec.Text()
	if m.pc < 0 || m.pc >= int64(len(text)) {
		return false, fmt.Errorf("program counter out of bounds: %d", m.pc)
	}

	ins := ebpf.Instruction(text[m.pc])
	op := ins.Op()
	dst := ins.Dst()
	src := ins.Src()
	off := ins.Off()
	imm := ins.Imm()
	r := &m.regs

	cost := CostDefault
	if op == ebpf.OpLddw {
		cost = CostLddw
	}
	if err := m.meter.Consume(cost); err != nil {
		return false, err
	}

	switch op {
	// 64-bit immediate load (uses two instruction slots)
	case ebpf.OpLddw:
		if m.pc+1 >= int64(len(text)) {
			return false, &UnsupportedInstruction{Opcode: op}
		}
		r[dst] = ebpf.WideImm(ins, ebpf.Instruction(text[m.pc+1]))
		m.pc += 2
		return false, nil

	// ALU64 immediate
	case ebpf.OpAdd64Imm:
		r[dst] += uint64(imm)
	case ebpf.OpSub64Imm:
		r[dst] -= uint64(imm)
	case ebpf.OpMul64Imm:
		r[dst] *= uint64(imm)
	case ebpf.OpDiv64Imm:
		if imm == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] /= uint64(imm)
	case ebpf.OpOr64Imm:
		r[dst] |= uint64(imm)
	case ebpf.OpAnd64Imm:
		r[dst] &= uint64(imm)
	case ebpf.OpLsh64Imm:
		r[dst] <<= uint64(imm) & 63
	case ebpf.OpRsh64Imm:
		r[dst] >>= uint64(imm) & 63
	case ebpf.OpNeg64:
		r[dst] = uint64(-int64(r[dst]))
	case ebpf.OpMod64Imm:
		if imm == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] %= uint64(imm)
	case ebpf.OpXor64Imm:
		r[dst] ^= uint64(imm)
	case ebpf.OpMov64Imm:
		r[dst] = uint64(imm)
	case ebpf.OpArsh64Imm:
		r[dst] = uint64(int64(r[dst]) >> (uint64(imm) & 63))

	// ALU64 register
	case ebpf.OpAdd64Reg:
		r[dst] += r[src]
	case ebpf.OpSub64Reg:
		r[dst] -= r[src]
	case ebpf.OpMul64Reg:
		r[dst] *= r[src]
	case ebpf.OpDiv64Reg:
		if r[src] == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] /= r[src]
	case ebpf.OpOr64Reg:
		r[dst] |= r[src]
	case ebpf.OpAnd64Reg:
		r[dst] &= r[src]
	case ebpf.OpLsh64Reg:
		r[dst] <<= r[src] & 63
	case ebpf.OpRsh64Reg:
		r[dst] >>= r[src] & 63
	case ebpf.OpMod64Reg:
		if r[src] == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] %= r[src]
	case ebpf.OpXor64Reg:
		r[dst] ^= r[src]
	case ebpf.OpMov64Reg:
		r[dst] = r[src]
	case ebpf.OpArsh64Reg:
		r[dst] = uint64(int64(r[dst]) >> (r[src] & 63))

	// ALU32 immediate
	case ebpf.OpAdd32Imm:
		r[dst] = uint64(uint32(r[dst]) + uint32(imm))
	case ebpf.OpSub32Imm:
		r[dst] = uint64(uint32(r[dst]) - uint32(imm))
	case ebpf.OpMul32Imm:
		r[dst] = uint64(uint32(r[dst]) * uint32(imm))
	case ebpf.OpDiv32Imm:
		if imm == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] = uint64(uint32(r[dst]) / uint32(imm))
	case ebpf.OpOr32Imm:
		r[dst] = uint64(uint32(r[dst]) | uint32(imm))
	case ebpf.OpAnd32Imm:
		r[dst] = uint64(uint32(r[dst]) & uint32(imm))
	case ebpf.OpLsh32Imm:
		r[dst] = uint64(uint32(r[dst]) << (uint32(imm) & 31))
	case ebpf.OpRsh32Imm:
		r[dst] = uint64(uint32(r[dst]) >> (uint32(imm) & 31))
	case ebpf.OpNeg32:
		r[dst] = uint64(uint32(-int32(r[dst])))
	case ebpf.OpMod32Imm:
		if imm == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] = uint64(uint32(r[dst]) % uint32(imm))
	case ebpf.OpXor32Imm:
		r[dst] = uint64(uint32(r[dst]) ^ uint32(imm))
	case ebpf.OpMov32Imm:
		r[dst] = uint64(uint32(imm))
	case ebpf.OpArsh32Imm:
		r[dst] = uint64(uint32(int32(r[dst]) >> (uint32(imm) & 31)))

	// ALU32 register
	case ebpf.OpAdd32Reg:
		r[dst] = uint64(uint32(r[dst]) + uint32(r[src]))
	case ebpf.OpSub32Reg:
		r[dst] = uint64(uint32(r[dst]) - uint32(r[src]))
	case ebpf.OpMul32Reg:
		r[dst] = uint64(uint32(r[dst]) * uint32(r[src]))
	case ebpf.OpDiv32Reg:
		if uint32(r[src]) == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] = uint64(uint32(r[dst]) / uint32(r[src]))
	case ebpf.OpOr32Reg:
		r[dst] = uint64(uint32(r[dst]) | uint32(r[src]))
	case ebpf.OpAnd32Reg:
		r[dst] = uint64(uint32(r[dst]) & uint32(r[src]))
	case ebpf.OpLsh32Reg:
		r[dst] = uint64(uint32(r[dst]) << (uint32(r[src]) & 31))
	case ebpf.OpRsh32Reg:
		r[dst] = uint64(uint32(r[dst]) >> (uint32(r[src]) & 31))
	case ebpf.OpMod32Reg:
		if uint32(r[src]) == 0 {
			return false, ErrDivisionByZero
		}
		r[dst] = uint64(uint32(r[dst]) % uint32(r[src]))
	case ebpf.OpXor32Reg:
		r[dst] = uint64(uint32(r[dst]) ^ uint32(r[src]))
	case ebpf.OpMov32Reg:
		r[dst] = uint64(uint32(r[src]))
	case ebpf.OpArsh32Reg:
		r[dst] = uint64(uint32(int32(r[dst]) >> (uint32(r[src]) & 31)))

	// Byte swap
	case ebpf.OpLE:
		switch imm {
		case 16:
			r[dst] &= 0xFFFF
		case 32:
			r[dst] &= 0xFFFFFFFF
		case 64:
		default:
			return false, &UnsupportedInstruction{Opcode: op}
		}
	case ebpf.OpBE:
		switch imm {
		case 16:
			r[dst] = uint64(bits.ReverseBytes16(uint16(r[dst])))
		case 32:
			r[dst] = uint64(bits.ReverseBytes32(uint32(r[dst])))
		case 64:
			r[dst] = bits.ReverseBytes64(r[dst])
		default:
			return false, &UnsupportedInstruction{Opcode: op}
		}

	// Memory load
	case ebpf.OpLdxb:
		val, err := m.mem.Read8(r[src] + uint64(off))
		if err != nil {
			return false, err
		}
		r[dst] = uint64(val)
	case ebpf.OpLdxh:
		val, err := m.mem.Read16(r[src] + uint64(off))
		if err != nil {
			return false, err
		}
		r[dst] = uint64(val)
	case ebpf.OpLdxw:
		val, err := m.mem.Read32(r[src] + uint64(off))
		if err != nil {
			return false, err
		}
		r[dst] = uint64(val)
	case ebpf.OpLdxdw:
		val, err := m.mem.Read64(r[src] + uint64(off))
		if err != nil {
			return false, err
		}
		r[dst] = val

	// Sign-extending memory load
	case ebpf.OpLdxsb:
		val, err := m.mem.Read8(r[src] + uint64(off))
		if err != nil {
			return false, err
		}
		r[dst] = uint64(int64(int8(val)))
	case ebpf.OpLdxsh:
		val, err := m.mem.Read16(r[src] + uint64(off))
		if err != nil {
			return false, err
		}
		r[dst] = uint64(int64(int16(val)))
	case ebpf.OpLdxsw:
		val, err := m.mem.Read32(r[src] + uint64(off))
		if err != nil {
			return false, err
		}
		r[dst] = uint64(int64(int32(val)))

	// Memory store
	case ebpf.OpStb:
		if err := m.mem.Write8(r[dst]+uint64(off), uint8(imm)); err != nil {
			return false, err
		}
	case ebpf.OpSth:
		if err := m.mem.Write16(r[dst]+uint64(off), uint16(imm)); err != nil {
			return false, err
		}
	case ebpf.OpStw:
		if err := m.mem.Write32(r[dst]+uint64(off), uint32(imm)); err != nil {
			return false, err
		}
	case ebpf.OpStdw:
		if err := m.mem.Write64(r[dst]+uint64(off), uint64(imm)); err != nil {
			return false, err
		}
	case ebpf.OpStxb:
		if err := m.mem.Write8(r[dst]+uint64(off), uint8(r[src])); err != nil {
			return false, err
		}
	case ebpf.OpStxh:
		if err := m.mem.Write16(r[dst]+uint64(off), uint16(r[src])); err != nil {
			return false, err
		}
	case ebpf.OpStxw:
		if err := m.mem.Write32(r[dst]+uint64(off), uint32(r[src])); err != nil {
			return false, err
		}
	case ebpf.OpStxdw:
		if err := m.mem.Write64(r[dst]+uint64(off), r[src]); err != nil {
			return false, err
		}

	// Jump unconditional
	case ebpf.OpJa:
		m.pc += int64(off)

	// Jump conditional (64-bit)
	case ebpf.OpJeqImm:
		if r[dst] == uint64(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJeqReg:
		if r[dst] == r[src] {
			m.pc += int64(off)
		}
	case ebpf.OpJgtImm:
		if r[dst] > uint64(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJgtReg:
		if r[dst] > r[src] {
			m.pc += int64(off)
		}
	case ebpf.OpJgeImm:
		if r[dst] >= uint64(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJgeReg:
		if r[dst] >= r[src] {
			m.pc += int64(off)
		}
	case ebpf.OpJltImm:
		if r[dst] < uint64(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJltReg:
		if r[dst] < r[src] {
			m.pc += int64(off)
		}
	case ebpf.OpJleImm:
		if r[dst] <= uint64(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJleReg:
		if r[dst] <= r[src] {
			m.pc += int64(off)
		}
	case ebpf.OpJneImm:
		if r[dst] != uint64(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJneReg:
		if r[dst] != r[src] {
			m.pc += int64(off)
		}
	case ebpf.OpJsetImm:
		if r[dst]&uint64(imm) != 0 {
			m.pc += int64(off)
		}
	case ebpf.OpJsetReg:
		if r[dst]&r[src] != 0 {
			m.pc += int64(off)
		}
	case ebpf.OpJsgtImm:
		if int64(r[dst]) > int64(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJsgtReg:
		if int64(r[dst]) > int64(r[src]) {
			m.pc += int64(off)
		}
	case ebpf.OpJsgeImm:
		if int64(r[dst]) >= int64(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJsgeReg:
		if int64(r[dst]) >= int64(r[src]) {
			m.pc += int64(off)
		}
	case ebpf.OpJsltImm:
		if int64(r[dst]) < int64(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJsltReg:
		if int64(r[dst]) < int64(r[src]) {
			m.pc += int64(off)
		}
	case ebpf.OpJsleImm:
		if int64(r[dst]) <= int64(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJsleReg:
		if int64(r[dst]) <= int64(r[src]) {
			m.pc += int64(off)
		}

	// Jump conditional (32-bit, low word)
	case ebpf.OpJeq32Imm:
		if uint32(r[dst]) == uint32(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJeq32Reg:
		if uint32(r[dst]) == uint32(r[src]) {
			m.pc += int64(off)
		}
	case ebpf.OpJgt32Imm:
		if uint32(r[dst]) > uint32(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJgt32Reg:
		if uint32(r[dst]) > uint32(r[src]) {
			m.pc += int64(off)
		}
	case ebpf.OpJge32Imm:
		if uint32(r[dst]) >= uint32(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJge32Reg:
		if uint32(r[dst]) >= uint32(r[src]) {
			m.pc += int64(off)
		}
	case ebpf.OpJlt32Imm:
		if uint32(r[dst]) < uint32(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJlt32Reg:
		if uint32(r[dst]) < uint32(r[src]) {
			m.pc += int64(off)
		}
	case ebpf.OpJle32Imm:
		if uint32(r[dst]) <= uint32(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJle32Reg:
		if uint32(r[dst]) <= uint32(r[src]) {
			m.pc += int64(off)
		}
	case ebpf.OpJne32Imm:
		if uint32(r[dst]) != uint32(imm) {
			m.pc += int64(off)
		}
	case ebpf.OpJne32Reg:
		if uint32(r[dst]) != uint32(r[src]) {
			m.pc += int64(off)
		}
	case ebpf.OpJset32Imm:
		if uint32(r[dst])&uint32(imm) != 0 {
			m.pc += int64(off)
		}
	case ebpf.OpJset32Reg:
		if uint32(r[dst])&uint32(r[src]) != 0 {
			m.pc += int64(off)
		}
	case ebpf.OpJsgt32Imm:
		if int32(r[dst]) > imm {
			m.pc += int64(off)
		}
	case ebpf.OpJsgt32Reg:
		if int32(r[dst]) > int32(r[src]) {
			m.pc += int64(off)
		}
	case ebpf.OpJsge32Imm:
		if int32(r[dst]) >= imm {
			m.pc += int64(off)
		}
	case ebpf.OpJsge32Reg:
		if int32(r[dst]) >= int32(r[src]) {
			m.pc += int64(off)
		}
	case ebpf.OpJslt32Imm:
		if int32(r[dst]) < imm {
			m.pc += int64(off)
		}
	case ebpf.OpJslt32Reg:
		if int32(r[dst]) < int32(r[src]) {
			m.pc += int64(off)
		}
	case ebpf.OpJsle32Imm:
		if int32(r[dst]) <= imm {
			m.pc += int64(off)
		}
	case ebpf.OpJsle32Reg:
		if int32(r[dst]) <= int32(r[src]) {
			m.pc += int64(off)
		}

	// Call and exit
	case ebpf.OpCall:
		return m.call(src, imm)

	case ebpf.OpExit:
		ret, ok := m.popFrame()
		if !ok {
			return true, nil
		}
		m.pc = ret
		return false, nil

	default:
		return false, &UnsupportedInstruction{Opcode: op}
	}

	m.pc++
	return false, nil
}

// call dispatches both syscalls (src=0, id in imm) and local calls
// (src=1, relative target in imm). An id that misses the registry but
// hits the executable's function map is a local call by hash.
func (m *Machine) call(src uint8, imm int32) (bool, error) {
	if src == ebpf.PseudoCall {
		if err := m.pushFrame(m.pc + 1); err != nil {
			return false, err
		}
		m.pc = m.pc + 1 + int64(imm)
		return false, nil
	}

	id := uint32(imm)
	if reg := m.exec.Registry(); reg != nil {
		if sc, ok := reg.Resolve(id); ok {
			r0, err := sc.Invoke(m, m.regs[1], m.regs[2], m.regs[3], m.regs[4], m.regs[5])
			if err != nil {
				return false, err
			}
			m.regs[0] = r0
			m.pc++
			return false, nil
		}
	}
	if target, ok := m.exec.Function(id); ok {
		if err := m.pushFrame(m.pc + 1); err != nil {
			return false, err
		}
		m.pc = target
		return false, nil
	}
	return false, &UnresolvedSyscall{ID: id}
}
