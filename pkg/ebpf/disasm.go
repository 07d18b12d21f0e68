package ebpf

import "fmt"

// aluSymbol maps ALU operation bits to the clang assembly operator.
func aluSymbol(op uint8) string {
	switch op & 0xF0 {
	case AluAdd:
		return "+="
	case AluSub:
		return "-="
	case AluMul:
		return "*="
	case AluDiv:
		return "/="
	case AluOr:
		return "|="
	case AluAnd:
		return "&="
	case AluLsh:
		return "<<="
	case AluRsh:
		return ">>="
	case AluMod:
		return "%="
	case AluXor:
		return "^="
	case AluMov:
		return "="
	case AluArsh:
		return "s>>="
	}
	return "?"
}

// jumpSymbol maps jump operation bits to the clang comparison operator.
func jumpSymbol(op uint8) string {
	switch op & 0xF0 {
	case JmpJeq:
		return "=="
	case JmpJgt:
		return ">"
	case JmpJge:
		return ">="
	case JmpJset:
		return "&"
	case JmpJne:
		return "!="
	case JmpJsgt:
		return "s>"
	case JmpJsge:
		return "s>="
	case JmpJlt:
		return "<"
	case JmpJle:
		return "<="
	case JmpJslt:
		return "s<"
	case JmpJsle:
		return "s<="
	}
	return "?"
}

// sizeName maps size bits to the clang pointer cast token.
func sizeName(op uint8) string {
	switch op & 0x18 {
	case SizeB:
		return "u8"
	case SizeH:
		return "u16"
	case SizeW:
		return "u32"
	default:
		return "u64"
	}
}

// regName renders a register reference; 32-bit forms use the w alias.
func regName(r uint8, wide bool) string {
	if wide {
		return fmt.Sprintf("r%d", r)
	}
	return fmt.Sprintf("w%d", r)
}

// memOperand renders "(rN + off)" with the sign folded into the offset.
func memOperand(r uint8, off int16) string {
	if off < 0 {
		return fmt.Sprintf("(r%d - %d)", r, -int32(off))
	}
	return fmt.Sprintf("(r%d + %d)", r, off)
}

// Disassemble renders one instruction in the clang assembly dialect and
// returns the text along with the number of slots consumed (2 for lddw).
// Unrecognized opcodes render as a raw comment.
func Disassemble(ins, next Instruction) (string, int) {
	op := ins.Op()
	switch FormOf(op) {
	case FormAluImm:
		wide := op&0x07 == ClassAlu64
		return fmt.Sprintf("%s %s %d", regName(ins.Dst(), wide), aluSymbol(op), ins.Imm()), 1

	case FormAluReg:
		wide := op&0x07 == ClassAlu64
		return fmt.Sprintf("%s %s %s", regName(ins.Dst(), wide), aluSymbol(op), regName(ins.Src(), wide)), 1

	case FormAluUnary:
		wide := op == OpNeg64
		d := regName(ins.Dst(), wide)
		return fmt.Sprintf("%s = -%s", d, d), 1

	case FormByteSwap:
		dir := "le"
		if op == OpBE {
			dir = "be"
		}
		return fmt.Sprintf("r%d = %s%d r%d", ins.Dst(), dir, ins.Imm(), ins.Dst()), 1

	case FormLoadWide:
		return fmt.Sprintf("r%d = %d ll", ins.Dst(), WideImm(ins, next)), 2

	case FormLoadReg:
		cast := sizeName(op)
		if SignExtends(op) {
			cast = "s" + cast[1:]
		}
		return fmt.Sprintf("r%d = *(%s *)%s", ins.Dst(), cast, memOperand(ins.Src(), ins.Off())), 1

	case FormStoreImm:
		return fmt.Sprintf("*(%s *)%s = %d", sizeName(op), memOperand(ins.Dst(), ins.Off()), ins.Imm()), 1

	case FormStoreReg:
		return fmt.Sprintf("*(%s *)%s = r%d", sizeName(op), memOperand(ins.Dst(), ins.Off()), ins.Src()), 1

	case FormJump:
		return fmt.Sprintf("goto %+d", ins.Off()), 1

	case FormJumpCondImm:
		wide := op&0x07 == ClassJmp
		return fmt.Sprintf("if %s %s %d goto %+d", regName(ins.Dst(), wide), jumpSymbol(op), ins.Imm(), ins.Off()), 1

	case FormJumpCondReg:
		wide := op&0x07 == ClassJmp
		return fmt.Sprintf("if %s %s %s goto %+d", regName(ins.Dst(), wide), jumpSymbol(op), regName(ins.Src(), wide), ins.Off()), 1

	case FormCall:
		if ins.Src() == PseudoCall {
			return fmt.Sprintf("call pc%+d", ins.Imm()), 1
		}
		return fmt.Sprintf("call %d", ins.Uimm()), 1

	case FormExit:
		return "exit", 1
	}
	return fmt.Sprintf("// raw 0x%016x", uint64(ins)), 1
}

// DisassembleProgram renders every slot of a program. The hidden second slot
// of an lddw produces an empty string so slot indices stay aligned.
func DisassembleProgram(text []uint64) []string {
	out := make([]string, len(text))
	for i := 0; i < len(text); i++ {
		ins := Instruction(text[i])
		var next Instruction
		if i+1 < len(text) {
			next = Instruction(text[i+1])
		}
		s, n := Disassemble(ins, next)
		out[i] = s
		if n == 2 && i+1 < len(text) {
			out[i+1] = ""
			i++
		}
	}
	return out
}
