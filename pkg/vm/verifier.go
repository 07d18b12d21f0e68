package vm

import (
	"fmt"

	"github.com/fortiblox/ebpfvm/pkg/ebpf"
)

// Verify statically checks a whole program. It returns nil or the first
// violation as a *VerifierError; a rejected program must never execute.
//
// The checks, in order per instruction: opcode recognized by the shared
// ISA table, register operands in range (r10 never written), branch and
// call targets inside the program and never on the hidden second slot of
// a wide load, constant-zero divisors, byte-swap widths, wide-load shape.
// A final walk from the entry proves execution cannot fall off the end
// and that at least one exit is reachable.
func Verify(prog *Program, registry *Registry) error {
	n := len(prog.Text)
	if prog.Entry < 0 || prog.Entry >= int64(n) {
		return &VerifierError{Index: 0, Err: fmt.Errorf("%w: entry %d outside program of %d slots", ErrInvalidJumpTarget, prog.Entry, n)}
	}

	hidden := hiddenSlots(prog.Text)
	if hidden[prog.Entry] {
		return &VerifierError{Index: int(prog.Entry), Err: fmt.Errorf("%w: entry on wide-load second slot", ErrInvalidJumpTarget)}
	}

	for i := 0; i < n; i++ {
		if hidden[i] {
			continue
		}
		ins := ebpf.Instruction(prog.Text[i])
		op := ins.Op()
		form := ebpf.FormOf(op)

		if form == ebpf.FormInvalid {
			return &VerifierError{Index: i, Err: &UnsupportedInstruction{Opcode: op}}
		}
		if err := checkRegisters(ins, form); err != nil {
			return &VerifierError{Index: i, Err: err}
		}

		switch form {
		case ebpf.FormJump, ebpf.FormJumpCondImm, ebpf.FormJumpCondReg:
			if err := checkTarget(i, int64(ins.Off()), n, hidden); err != nil {
				return &VerifierError{Index: i, Err: err}
			}

		case ebpf.FormCall:
			if err := checkCall(i, ins, n, hidden, prog, registry); err != nil {
				return &VerifierError{Index: i, Err: err}
			}

		case ebpf.FormAluImm:
			aluOp := op & 0xF0
			if (aluOp == ebpf.AluDiv || aluOp == ebpf.AluMod) && ins.Imm() == 0 {
				return &VerifierError{Index: i, Err: ErrDivisionByZero}
			}

		case ebpf.FormByteSwap:
			switch ins.Imm() {
			case 16, 32, 64:
			default:
				return &VerifierError{Index: i, Err: fmt.Errorf("%w: %d", ErrBadByteSwapWidth, ins.Imm())}
			}

		case ebpf.FormLoadWide:
			if i+1 >= n {
				return &VerifierError{Index: i, Err: ErrTruncatedWideInstruction}
			}
			next := ebpf.Instruction(prog.Text[i+1])
			if next.Op() != 0 || next.Dst() != 0 || next.Src() != 0 || next.Off() != 0 {
				return &VerifierError{Index: i, Err: fmt.Errorf("%w: malformed second slot", ErrTruncatedWideInstruction)}
			}
		}
	}

	return checkFlow(prog, hidden)
}

// hiddenSlots marks the second slot of each wide load.
func hiddenSlots(text []uint64) []bool {
	hidden := make([]bool, len(text))
	for i := 0; i < len(text); i++ {
		if hidden[i] {
			continue
		}
		if ebpf.Instruction(text[i]).Op() == ebpf.OpLddw && i+1 < len(text) {
			hidden[i+1] = true
		}
	}
	return hidden
}

func checkRegisters(ins ebpf.Instruction, form ebpf.Form) error {
	dst, src := ins.Dst(), ins.Src()
	if dst >= ebpf.NumRegisters {
		return fmt.Errorf("%w: r%d", ErrInvalidRegister, dst)
	}
	if form != ebpf.FormCall && src >= ebpf.NumRegisters {
		return fmt.Errorf("%w: r%d", ErrInvalidRegister, src)
	}
	if form.WritesDst() && dst == ebpf.FrameReg {
		return fmt.Errorf("%w: r10 is read-only", ErrInvalidRegister)
	}
	return nil
}

func checkTarget(i int, off int64, n int, hidden []bool) error {
	target := int64(i) + 1 + off
	if target < 0 || target >= int64(n) {
		return fmt.Errorf("%w: %d", ErrInvalidJumpTarget, target)
	}
	if hidden[target] {
		return fmt.Errorf("%w: %d is a wide-load second slot", ErrInvalidJumpTarget, target)
	}
	return nil
}

func checkCall(i int, ins ebpf.Instruction, n int, hidden []bool, prog *Program, registry *Registry) error {
	switch ins.Src() {
	case 0:
		id := ins.Uimm()
		if target, ok := prog.Functions[id]; ok {
			if target < 0 || target >= int64(n) || hidden[target] {
				return fmt.Errorf("%w: function 0x%08x at %d", ErrInvalidJumpTarget, id, target)
			}
			return nil
		}
		if registry == nil {
			return nil
		}
		if _, ok := registry.Resolve(id); ok {
			return nil
		}
		return &UnresolvedSyscall{ID: id}

	case ebpf.PseudoCall:
		return checkTarget(i, int64(ins.Imm()), n, hidden)

	default:
		return fmt.Errorf("%w: call mode %d", ErrUnsupportedInstruction, ins.Src())
	}
}

// checkFlow walks every path from the entry. Execution may never run past
// the last instruction, and at least one exit must be reachable.
func checkFlow(prog *Program, hidden []bool) error {
	n := int64(len(prog.Text))
	visited := make([]bool, n)
	stack := []int64{prog.Entry}
	exitSeen := false

	push := func(pc int64) {
		if !visited[pc] {
			visited[pc] = true
			stack = append(stack, pc)
		}
	}
	visited[prog.Entry] = true

	for len(stack) > 0 {
		pc := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		ins := ebpf.Instruction(prog.Text[pc])
		op := ins.Op()
		form := ebpf.FormOf(op)

		var next int64
		switch form {
		case ebpf.FormExit:
			exitSeen = true
			continue
		case ebpf.FormLoadWide:
			next = pc + 2
		default:
			next = pc + 1
		}

		switch form {
		case ebpf.FormJump:
			push(pc + 1 + int64(ins.Off()))
			continue
		case ebpf.FormJumpCondImm, ebpf.FormJumpCondReg:
			push(pc + 1 + int64(ins.Off()))
		case ebpf.FormCall:
			if ins.Src() == ebpf.PseudoCall {
				push(pc + 1 + int64(ins.Imm()))
			} else if target, ok := prog.Functions[ins.Uimm()]; ok {
				push(target)
			}
		}

		if next >= n {
			return &VerifierError{Index: int(pc), Err: ErrFallthroughEnd}
		}
		push(next)
	}

	if !exitSeen {
		return &VerifierError{Index: int(prog.Entry), Err: ErrNoTerminalExit}
	}
	return nil
}
