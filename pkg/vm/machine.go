// Package vm implements a user-space eBPF virtual machine.
//
// A program enters as raw instruction words, passes the static verifier
// to become an immutable Executable, and runs inside a Machine that owns
// the register file, the virtual memory map, and the instruction meter.
// The Machine can run to completion, single-step, and stop on
// breakpoints; a JIT backend can replace the interpreter for full runs.
//
// Guest memory is organized into regions; the default layout is:
//   - Program (0x100000000): read-only program data
//   - Stack   (0x200000000): read-write stack frames
//   - Heap    (0x300000000): read-write heap memory
//   - Input   (0x400000000): read-write input parameters
package vm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/ebpfvm/pkg/ebpf"
)

// Register file and call stack limits.
const (
	NumRegs      = ebpf.NumRegisters
	MaxCallDepth = 64
)

// Default machine sizing. The stack holds the entry frame plus one frame
// per nested call up to the depth limit.
const (
	DefaultBudget    = uint64(1 << 20)
	DefaultFrameSize = uint64(4096)
	DefaultStackSize = DefaultFrameSize * (MaxCallDepth + 1)
	DefaultHeapSize  = uint64(32 * 1024)
)

// ErrNotHalted is returned by Result before the machine has finished.
var ErrNotHalted = errors.New("machine has not halted")

// Status is the lifecycle state of a Machine.
type Status uint8

const (
	StatusReady Status = iota
	StatusHalted
	StatusFaulted
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusHalted:
		return "halted"
	case StatusFaulted:
		return "faulted"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// ErrBackendUnavailable is returned by a Backend that cannot serve the
// host platform. Run treats it as a capability check and falls back to
// the interpreter instead of faulting.
var ErrBackendUnavailable = errors.New("backend unavailable on this platform")

// Backend runs a verified program to completion against machine state.
// The interpreter is the reference; a backend must produce the same r0 on
// success and the same fault kind on failure. A backend declining the
// platform must report ErrBackendUnavailable before touching any state.
type Backend interface {
	Execute(m *Machine) (uint64, error)
}

// Config sizes a Machine.
type Config struct {
	Budget    uint64   // Instruction budget; 0 means DefaultBudget
	StackSize uint64   // Stack region size; 0 means DefaultStackSize
	FrameSize uint64   // Stack stride per call frame; 0 means DefaultFrameSize
	HeapSize  uint64   // Heap region size; 0 means DefaultHeapSize
	Input     []byte   // Input region contents, mapped at VaddrInput
	Regions   []Region // Additional caller-owned regions
	Backend   Backend  // Optional full-run backend (JIT); nil uses the interpreter
}

// DefaultConfig returns the default machine sizing.
func DefaultConfig() Config {
	return Config{
		Budget:    DefaultBudget,
		StackSize: DefaultStackSize,
		FrameSize: DefaultFrameSize,
		HeapSize:  DefaultHeapSize,
	}
}

// frame is one saved call frame. Callee-saved registers and the frame
// pointer live here, not in guest stack memory.
type frame struct {
	fp    uint64
	saved [4]uint64 // r6-r9
	ret   int64
}

// breakpoints is a two-mode table: linear slice scan while small, map
// lookup once it grows past the threshold.
type breakpoints struct {
	list []int64
	set  map[int64]struct{}
}

const breakpointListMax = 30

func (b *breakpoints) add(pc int64) {
	if b.has(pc) {
		return
	}
	if b.set != nil {
		b.set[pc] = struct{}{}
		return
	}
	if len(b.list) >= breakpointListMax {
		b.set = make(map[int64]struct{}, len(b.list)+1)
		for _, p := range b.list {
			b.set[p] = struct{}{}
		}
		b.list = nil
		b.set[pc] = struct{}{}
		return
	}
	b.list = append(b.list, pc)
}

func (b *breakpoints) remove(pc int64) {
	if b.set != nil {
		delete(b.set, pc)
		return
	}
	for i, p := range b.list {
		if p == pc {
			b.list = append(b.list[:i], b.list[i+1:]...)
			return
		}
	}
}

func (b *breakpoints) has(pc int64) bool {
	if b.set != nil {
		_, ok := b.set[pc]
		return ok
	}
	for _, p := range b.list {
		if p == pc {
			return true
		}
	}
	return false
}

func (b *breakpoints) all() []int64 {
	if b.set != nil {
		out := make([]int64, 0, len(b.set))
		for p := range b.set {
			out = append(out, p)
		}
		return out
	}
	out := make([]int64, len(b.list))
	copy(out, b.list)
	return out
}

// Machine executes one Executable. It owns all mutable run state and must
// be driven from a single goroutine.
type Machine struct {
	exec  *Executable
	mem   *MemoryMap
	meter *Meter

	regs   [NumRegs]uint64
	pc     int64
	frames []frame

	frameSize uint64
	stackEnd  uint64

	status Status
	result uint64
	err    error

	bps     breakpoints
	backend Backend
}

// New builds a Machine over a verified executable. Zero-valued Config
// fields take their defaults; the memory layout is program, stack, heap,
// and input regions at the standard bases plus any extra regions from the
// config.
func New(exec *Executable, cfg Config) (*Machine, error) {
	if cfg.Budget == 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.FrameSize == 0 {
		cfg.FrameSize = DefaultFrameSize
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = DefaultStackSize
	}
	if cfg.HeapSize == 0 {
		cfg.HeapSize = DefaultHeapSize
	}

	progData := exec.RO()
	if len(progData) == 0 {
		progData = encodeText(exec.Text())
	}
	input := make([]byte, len(cfg.Input))
	copy(input, cfg.Input)

	regions := []Region{
		{Name: "program", Base: VaddrProgram, Data: progData, Perm: AccessRead},
		{Name: "stack", Base: VaddrStack, Data: make([]byte, cfg.StackSize), Perm: AccessRead | AccessWrite},
		{Name: "heap", Base: VaddrHeap, Data: make([]byte, cfg.HeapSize), Perm: AccessRead | AccessWrite},
		{Name: "input", Base: VaddrInput, Data: input, Perm: AccessRead | AccessWrite},
	}
	regions = append(regions, cfg.Regions...)

	mem, err := NewMemoryMap(regions...)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		exec:      exec,
		mem:       mem,
		meter:     NewMeter(cfg.Budget),
		frameSize: cfg.FrameSize,
		stackEnd:  VaddrStack + cfg.StackSize,
		backend:   cfg.Backend,
	}
	m.regs[1] = VaddrInput
	m.regs[ebpf.FrameReg] = VaddrStack + cfg.FrameSize
	m.pc = exec.Entry()
	return m, nil
}

// encodeText renders instruction words as little-endian bytes for the
// program region.
func encodeText(text []uint64) []byte {
	buf := make([]byte, len(text)*8)
	for i, w := range text {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	return buf
}

// Run executes to completion, using the configured backend when present.
// It returns r0 on a clean halt or the terminal fault.
func (m *Machine) Run() (uint64, error) {
	switch m.status {
	case StatusHalted:
		return m.result, nil
	case StatusFaulted:
		return 0, m.err
	}

	if m.backend != nil {
		r0, err := m.backend.Execute(m)
		switch {
		case err == nil:
			m.status = StatusHalted
			m.result = r0
			m.regs[0] = r0
			return r0, nil
		case errors.Is(err, ErrBackendUnavailable):
			// Capability check, not a fault. Interpret instead.
		default:
			m.status = StatusFaulted
			m.err = err
			return 0, err
		}
	}

	for {
		done, err := m.Step()
		if err != nil {
			return 0, err
		}
		if done {
			return m.result, nil
		}
	}
}

// Step executes exactly one instruction through the interpreter. It
// returns done=true once the machine has halted or faulted; the Step that
// executes exit observes the halt in the same call. Stepping a finished
// machine is a no-op reporting its terminal state.
func (m *Machine) Step() (bool, error) {
	switch m.status {
	case StatusHalted:
		return true, nil
	case StatusFaulted:
		return true, m.err
	}

	halted, err := m.step()
	if err != nil {
		m.status = StatusFaulted
		m.err = &Fault{Err: err, Regs: m.regs, PC: m.pc}
		return true, m.err
	}
	if halted {
		m.status = StatusHalted
		m.result = m.regs[0]
		return true, nil
	}
	return false, nil
}

// RunUntilBreakpoint steps the interpreter until the next breakpoint,
// halt, or fault. It always executes at least one instruction, so a
// continue from a breakpoint makes progress, and it stops before
// executing the instruction at the breakpoint. done=false means a
// breakpoint was hit.
func (m *Machine) RunUntilBreakpoint() (bool, error) {
	for {
		done, err := m.Step()
		if done || err != nil {
			return done, err
		}
		if m.bps.has(m.pc) {
			return false, nil
		}
	}
}

// Registers returns a snapshot of the register file.
func (m *Machine) Registers() [NumRegs]uint64 {
	return m.regs
}

// SetRegister overwrites one register. The debug surface may write any
// register, including the frame pointer.
func (m *Machine) SetRegister(idx int, v uint64) error {
	if idx < 0 || idx >= NumRegs {
		return fmt.Errorf("%w: r%d", ErrInvalidRegister, idx)
	}
	m.regs[idx] = v
	return nil
}

// PC returns the current program counter.
func (m *Machine) PC() int64 {
	return m.pc
}

// SetPC moves the program counter to an instruction index.
func (m *Machine) SetPC(pc int64) error {
	if pc < 0 || pc >= int64(m.exec.Len()) {
		return fmt.Errorf("%w: %d", ErrInvalidJumpTarget, pc)
	}
	m.pc = pc
	return nil
}

// ReadMemory copies n bytes of guest memory at addr.
func (m *Machine) ReadMemory(addr uint64, n int) ([]byte, error) {
	out := make([]byte, n)
	if err := m.mem.Read(addr, out); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteMemory copies p into guest memory at addr.
func (m *Machine) WriteMemory(addr uint64, p []byte) error {
	return m.mem.Write(addr, p)
}

// SetBreakpoint arms a breakpoint at an instruction index.
func (m *Machine) SetBreakpoint(pc int64) {
	m.bps.add(pc)
}

// ClearBreakpoint disarms a breakpoint.
func (m *Machine) ClearBreakpoint(pc int64) {
	m.bps.remove(pc)
}

// Breakpoints returns the armed breakpoints in no particular order.
func (m *Machine) Breakpoints() []int64 {
	return m.bps.all()
}

// Status returns the machine lifecycle state.
func (m *Machine) Status() Status {
	return m.status
}

// Result returns r0 after a clean halt, the fault after a faulted run, or
// ErrNotHalted while the machine can still step.
func (m *Machine) Result() (uint64, error) {
	switch m.status {
	case StatusHalted:
		return m.result, nil
	case StatusFaulted:
		return 0, m.err
	}
	return 0, ErrNotHalted
}

// Executable returns the program this machine runs.
func (m *Machine) Executable() *Executable {
	return m.exec
}

// Memory returns the machine's memory map.
func (m *Machine) Memory() *MemoryMap {
	return m.mem
}

// Meter returns the instruction meter.
func (m *Machine) Meter() *Meter {
	return m.meter
}

// Depth returns the current call depth.
func (m *Machine) Depth() int {
	return len(m.frames)
}

// Caller interface: syscall handlers see the machine's memory and meter.

func (m *Machine) Read(addr uint64, p []byte) error   { return m.mem.Read(addr, p) }
func (m *Machine) Read8(addr uint64) (uint8, error)   { return m.mem.Read8(addr) }
func (m *Machine) Read16(addr uint64) (uint16, error) { return m.mem.Read16(addr) }
func (m *Machine) Read32(addr uint64) (uint32, error) { return m.mem.Read32(addr) }
func (m *Machine) Read64(addr uint64) (uint64, error) { return m.mem.Read64(addr) }

func (m *Machine) Write(addr uint64, p []byte) error      { return m.mem.Write(addr, p) }
func (m *Machine) Write8(addr uint64, x uint8) error      { return m.mem.Write8(addr, x) }
func (m *Machine) Write16(addr uint64, x uint16) error    { return m.mem.Write16(addr, x) }
func (m *Machine) Write32(addr uint64, x uint32) error    { return m.mem.Write32(addr, x) }
func (m *Machine) Write64(addr uint64, x uint64) error    { return m.mem.Write64(addr, x) }

func (m *Machine) Translate(addr, size uint64, access Access) ([]byte, error) {
	return m.mem.Translate(addr, size, access)
}

// pushFrame saves the caller state and advances the frame pointer by one
// stride. Depth and stack space are both bounded.
func (m *Machine) pushFrame(ret int64) error {
	if len(m.frames) >= MaxCallDepth {
		return ErrCallDepthExceeded
	}
	newFP := m.regs[ebpf.FrameReg] + m.frameSize
	if newFP > m.stackEnd {
		return ErrStackOverflow
	}

	f := frame{
		fp:  m.regs[ebpf.FrameReg],
		ret: ret,
	}
	copy(f.saved[:], m.regs[6:10])
	m.frames = append(m.frames, f)
	m.regs[ebpf.FrameReg] = newFP
	return nil
}

// popFrame restores the most recent frame. ok=false at depth zero.
func (m *Machine) popFrame() (int64, bool) {
	if len(m.frames) == 0 {
		return 0, false
	}
	f := m.frames[len(m.frames)-1]
	m.frames = m.frames[:len(m.frames)-1]
	copy(m.regs[6:10], f.saved[:])
	m.regs[ebpf.FrameReg] = f.fp
	return f.ret, true
}
