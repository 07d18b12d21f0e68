package vm

// Program is a raw, unverified program as produced by a loader or
// assembler.
type Program struct {
	Text      []uint64         // Instruction words
	Entry     int64            // Entry instruction index
	RO        []byte           // Read-only data blob mapped at VaddrProgram
	Functions map[uint32]int64 // Function hash -> instruction index
}

// Executable is a verified immutable program bound to a frozen syscall
// registry. It is safe to share across concurrently running Machines.
type Executable struct {
	text      []uint64
	entry     int64
	ro        []byte
	functions map[uint32]int64
	registry  *Registry
}

// NewExecutable verifies prog against registry and returns the immutable
// executable. The registry may be nil; if present it is frozen so its
// handler set cannot drift from the verifier's view. A program that fails
// verification never constructs an Executable.
func NewExecutable(prog *Program, registry *Registry) (*Executable, error) {
	if err := Verify(prog, registry); err != nil {
		return nil, err
	}

	text := make([]uint64, len(prog.Text))
	copy(text, prog.Text)
	ro := make([]byte, len(prog.RO))
	copy(ro, prog.RO)

	var functions map[uint32]int64
	if len(prog.Functions) > 0 {
		functions = make(map[uint32]int64, len(prog.Functions))
		for k, v := range prog.Functions {
			functions[k] = v
		}
	}

	if registry != nil {
		registry.freeze()
	}

	return &Executable{
		text:      text,
		entry:     prog.Entry,
		ro:        ro,
		functions: functions,
		registry:  registry,
	}, nil
}

// Text returns the instruction words. Callers must not modify the slice.
func (e *Executable) Text() []uint64 {
	return e.text
}

// Entry returns the entry instruction index.
func (e *Executable) Entry() int64 {
	return e.entry
}

// RO returns the read-only data blob. Callers must not modify the slice.
func (e *Executable) RO() []byte {
	return e.ro
}

// Registry returns the bound syscall registry, or nil.
func (e *Executable) Registry() *Registry {
	return e.registry
}

// Function looks up a local function target by hash.
func (e *Executable) Function(hash uint32) (int64, bool) {
	pc, ok := e.functions[hash]
	return pc, ok
}

// Len returns the program length in instruction slots.
func (e *Executable) Len() int {
	return len(e.text)
}
