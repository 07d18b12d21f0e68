package debugserve

// PCRegister is the pseudo register index that addresses the program
// counter in SetRegister calls. Indices 0 through 10 name r0-r10; the
// debugger convention exposes pc as one more 64-bit register after the
// register file.
const PCRegister = 11

// Stop reasons carried by StopReply.
const (
	// StopStep reports a completed single step with the machine still
	// runnable.
	StopStep = "step"

	// StopBreakpoint reports that execution stopped before the
	// instruction at an armed breakpoint.
	StopBreakpoint = "breakpoint"

	// StopHalted reports a clean exit; Result holds r0.
	StopHalted = "halted"

	// StopFaulted reports a terminal fault; Fault holds the message.
	StopFaulted = "faulted"
)

// StateRequest asks for a lifecycle snapshot of the machine.
type StateRequest struct{}

// StateReply describes the machine between steps.
type StateReply struct {
	// Status is the lifecycle state: "ready", "halted", or "faulted".
	Status string `json:"status"`

	// PC is the current instruction index.
	PC int64 `json:"pc"`

	// Depth is the current call depth.
	Depth int `json:"depth"`

	// Consumed, Remaining, and Budget report the instruction meter.
	Consumed  uint64 `json:"consumed"`
	Remaining uint64 `json:"remaining"`
	Budget    uint64 `json:"budget"`

	// Breakpoints lists armed breakpoints in ascending order.
	Breakpoints []int64 `json:"breakpoints,omitempty"`

	// Result holds r0 once Status is "halted".
	Result uint64 `json:"result,omitempty"`

	// Fault holds the fault message once Status is "faulted".
	Fault string `json:"fault,omitempty"`
}

// RegistersRequest asks for the register file.
type RegistersRequest struct{}

// RegistersReply carries r0-r10 plus the program counter.
type RegistersReply struct {
	Regs []uint64 `json:"regs"`
	PC   int64    `json:"pc"`
}

// SetRegisterRequest overwrites one register. Reg 0-10 name r0-r10;
// PCRegister moves the program counter.
type SetRegisterRequest struct {
	Reg   int    `json:"reg"`
	Value uint64 `json:"value"`
}

// SetRegisterReply acknowledges a register write.
type SetRegisterReply struct{}

// ReadMemoryRequest reads Len bytes of guest memory at Addr.
type ReadMemoryRequest struct {
	Addr uint64 `json:"addr"`
	Len  uint32 `json:"len"`
}

// ReadMemoryReply carries the bytes read.
type ReadMemoryReply struct {
	Data []byte `json:"data"`
}

// WriteMemoryRequest writes Data into guest memory at Addr.
type WriteMemoryRequest struct {
	Addr uint64 `json:"addr"`
	Data []byte `json:"data"`
}

// WriteMemoryReply acknowledges a memory write.
type WriteMemoryReply struct{}

// StepRequest executes exactly one instruction.
type StepRequest struct{}

// ContinueRequest resumes execution until the next breakpoint, halt, or
// fault.
type ContinueRequest struct{}

// StopReply reports where and why execution stopped. It answers both
// Step and Continue.
type StopReply struct {
	// Stopped is one of the Stop* reasons.
	Stopped string `json:"stopped"`

	// PC is the instruction index after the stop.
	PC int64 `json:"pc"`

	// Result holds r0 when Stopped is "halted".
	Result uint64 `json:"result,omitempty"`

	// Fault holds the fault message when Stopped is "faulted".
	Fault string `json:"fault,omitempty"`
}

// BreakpointRequest names an instruction index for SetBreakpoint and
// RemoveBreakpoint.
type BreakpointRequest struct {
	PC int64 `json:"pc"`
}

// BreakpointReply acknowledges a breakpoint change.
type BreakpointReply struct{}

// MetricsRequest asks for a snapshot of the VM metrics.
type MetricsRequest struct{}

// MetricsReply carries metric names mapped to their current values.
type MetricsReply struct {
	Values map[string]interface{} `json:"values"`
}
