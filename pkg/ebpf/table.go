package ebpf

// Form describes the operand shape of an opcode. The verifier and the
// interpreter both derive instruction validity from FormOf so the two can
// never disagree about which opcodes exist.
type Form uint8

const (
	// FormInvalid marks an unrecognized opcode.
	FormInvalid Form = iota

	// FormAluImm writes dst from dst and an immediate operand.
	FormAluImm

	// FormAluReg writes dst from dst and src.
	FormAluReg

	// FormAluUnary writes dst from dst alone (neg).
	FormAluUnary

	// FormByteSwap writes dst; the immediate selects the width (16/32/64).
	FormByteSwap

	// FormLoadWide writes dst with a 64-bit constant spanning two slots.
	FormLoadWide

	// FormLoadReg writes dst from memory at src+off.
	FormLoadReg

	// FormStoreImm writes memory at dst+off from an immediate.
	FormStoreImm

	// FormStoreReg writes memory at dst+off from src.
	FormStoreReg

	// FormJump is an unconditional branch to the offset target.
	FormJump

	// FormJumpCondImm branches on a dst/immediate comparison.
	FormJumpCondImm

	// FormJumpCondReg branches on a dst/src comparison.
	FormJumpCondReg

	// FormCall is a syscall or local call selected by the src field.
	FormCall

	// FormExit terminates the current frame.
	FormExit
)

// FormOf returns the operand form of an opcode, or FormInvalid. This switch
// is the single source of truth for which opcodes the machine recognizes.
func FormOf(op uint8) Form {
	switch op {
	case OpAdd64Imm, OpSub64Imm, OpMul64Imm, OpDiv64Imm, OpOr64Imm,
		OpAnd64Imm, OpLsh64Imm, OpRsh64Imm, OpMod64Imm, OpXor64Imm,
		OpMov64Imm, OpArsh64Imm,
		OpAdd32Imm, OpSub32Imm, OpMul32Imm, OpDiv32Imm, OpOr32Imm,
		OpAnd32Imm, OpLsh32Imm, OpRsh32Imm, OpMod32Imm, OpXor32Imm,
		OpMov32Imm, OpArsh32Imm:
		return FormAluImm

	case OpAdd64Reg, OpSub64Reg, OpMul64Reg, OpDiv64Reg, OpOr64Reg,
		OpAnd64Reg, OpLsh64Reg, OpRsh64Reg, OpMod64Reg, OpXor64Reg,
		OpMov64Reg, OpArsh64Reg,
		OpAdd32Reg, OpSub32Reg, OpMul32Reg, OpDiv32Reg, OpOr32Reg,
		OpAnd32Reg, OpLsh32Reg, OpRsh32Reg, OpMod32Reg, OpXor32Reg,
		OpMov32Reg, OpArsh32Reg:
		return FormAluReg

	case OpNeg64, OpNeg32:
		return FormAluUnary

	case OpLE, OpBE:
		return FormByteSwap

	case OpLddw:
		return FormLoadWide

	case OpLdxb, OpLdxh, OpLdxw, OpLdxdw, OpLdxsb, OpLdxsh, OpLdxsw:
		return FormLoadReg

	case OpStb, OpSth, OpStw, OpStdw:
		return FormStoreImm

	case OpStxb, OpStxh, OpStxw, OpStxdw:
		return FormStoreReg

	case OpJa:
		return FormJump

	case OpJeqImm, OpJgtImm, OpJgeImm, OpJsetImm, OpJneImm, OpJsgtImm,
		OpJsgeImm, OpJltImm, OpJleImm, OpJsltImm, OpJsleImm,
		OpJeq32Imm, OpJgt32Imm, OpJge32Imm, OpJset32Imm, OpJne32Imm,
		OpJsgt32Imm, OpJsge32Imm, OpJlt32Imm, OpJle32Imm, OpJslt32Imm,
		OpJsle32Imm:
		return FormJumpCondImm

	case OpJeqReg, OpJgtReg, OpJgeReg, OpJsetReg, OpJneReg, OpJsgtReg,
		OpJsgeReg, OpJltReg, OpJleReg, OpJsltReg, OpJsleReg,
		OpJeq32Reg, OpJgt32Reg, OpJge32Reg, OpJset32Reg, OpJne32Reg,
		OpJsgt32Reg, OpJsge32Reg, OpJlt32Reg, OpJle32Reg, OpJslt32Reg,
		OpJsle32Reg:
		return FormJumpCondReg

	case OpCall:
		return FormCall

	case OpExit:
		return FormExit
	}
	return FormInvalid
}

// WritesDst reports whether the form writes the destination register.
func (f Form) WritesDst() bool {
	switch f {
	case FormAluImm, FormAluReg, FormAluUnary, FormByteSwap, FormLoadWide,
		FormLoadReg:
		return true
	}
	return false
}

// ReadsSrc reports whether the form reads the source register.
func (f Form) ReadsSrc() bool {
	switch f {
	case FormAluReg, FormLoadReg, FormStoreReg, FormJumpCondReg:
		return true
	}
	return false
}

// ReadsDst reports whether the form reads the destination register.
func (f Form) ReadsDst() bool {
	switch f {
	case FormAluImm, FormAluReg, FormAluUnary, FormByteSwap, FormStoreImm,
		FormStoreReg, FormJumpCondImm, FormJumpCondReg:
		return true
	}
	return false
}

// Branches reports whether the form transfers control via the offset field.
func (f Form) Branches() bool {
	switch f {
	case FormJump, FormJumpCondImm, FormJumpCondReg:
		return true
	}
	return false
}

// LoadSize returns the access width in bytes for a load or store opcode.
func LoadSize(op uint8) int {
	switch op & 0x18 {
	case SizeB:
		return 1
	case SizeH:
		return 2
	case SizeW:
		return 4
	default:
		return 8
	}
}

// SignExtends reports whether a load opcode sign-extends the loaded value.
func SignExtends(op uint8) bool {
	return op&0xE0 == ModeMemsx
}
