// Package jit provides an amd64 just-in-time backend for the virtual
// machine.
//
// Compiled code keeps the guest registers, the remaining instruction
// budget and the current instruction index in a context block addressed
// off a reserved base register. ALU instructions, byte swaps, wide
// constant loads and jumps execute natively; memory access, calls, exit
// and every fault path hand control back to the interpreter one
// instruction at a time, so a jitted run halts, faults and meters
// exactly like an interpreted one.
//
// Machine code lives in anonymous mappings that are never writable and
// executable at the same time.
package jit

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// ErrNotSupported is returned on platforms without a code generator. It
// unwraps to vm.ErrBackendUnavailable, so a Machine configured with an
// Engine anyway falls back to the interpreter.
var ErrNotSupported = fmt.Errorf("jit: %w", vm.ErrBackendUnavailable)

// Available reports whether this platform can execute compiled code.
func Available() bool { return available }

// runnable pairs compiled code with its executable mapping.
type runnable struct {
	prog *Program
	mem  []byte
}

func (r *runnable) addr(pc int64) (uintptr, bool) {
	off, ok := r.prog.Offset(pc)
	if !ok {
		return 0, false
	}
	return uintptr(unsafe.Pointer(&r.mem[0])) + uintptr(off), true
}

// Engine compiles executables on first use and caches the mappings, so
// machines sharing an executable share its machine code. It satisfies
// vm.Backend.
type Engine struct {
	mu   sync.Mutex
	runs map[*vm.Executable]*runnable
}

// New returns an empty engine.
func New() *Engine {
	return &Engine{runs: make(map[*vm.Executable]*runnable)}
}

// Close unmaps every compiled program. The engine stays usable and
// recompiles on demand.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for exec, r := range e.runs {
		if err := execUnmap(r.mem); err != nil && first == nil {
			first = err
		}
		delete(e.runs, exec)
	}
	return first
}

func (e *Engine) load(exec *vm.Executable) (*runnable, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[exec]; ok {
		return r, nil
	}
	prog, err := Compile(exec)
	if err != nil {
		return nil, err
	}
	mem, err := execMap(prog.Code())
	if err != nil {
		return nil, err
	}
	r := &runnable{prog: prog, mem: mem}
	e.runs[exec] = r
	return r, nil
}

// Execute runs the machine's program to completion. Generated code runs
// from the machine's current instruction until it needs the host; the
// host interprets that one instruction and re-enters. Every iteration
// either consumes budget or retires an instruction, so the instruction
// meter bounds the run.
func (e *Engine) Execute(m *vm.Machine) (uint64, error) {
	if !available {
		return 0, ErrNotSupported
	}
	run, err := e.load(m.Executable())
	if err != nil {
		return 0, err
	}

	var ctx [slotCount]uint64
	for {
		pc := m.PC()
		code, ok := run.addr(pc)
		if !ok {
			return 0, fmt.Errorf("jit: no entry point for pc %d", pc)
		}

		regs := m.Registers()
		copy(ctx[:vm.NumRegs], regs[:])
		before := m.Meter().Remaining()
		ctx[slotBudget] = before
		ctx[slotPC] = uint64(pc)

		status := enter(code, &ctx[0])

		for i := 0; i < vm.NumRegs; i++ {
			if err := m.SetRegister(i, ctx[i]); err != nil {
				return 0, err
			}
		}
		if used := before - ctx[slotBudget]; used != 0 {
			if err := m.Meter().Consume(used); err != nil {
				return 0, err
			}
		}
		if status != statusStep {
			return 0, fmt.Errorf("jit: unexpected exit status %d at pc %d", status, ctx[slotPC])
		}

		// The instruction at the recorded pc needs the host: interpret it
		// and carry on from wherever it leaves the machine.
		if err := m.SetPC(int64(ctx[slotPC])); err != nil {
			return 0, err
		}
		done, err := m.Step()
		if err != nil {
			return 0, err
		}
		if done {
			return m.Result()
		}
	}
}
