// Package debugserve exposes a Machine's step and inspect surface over
// gRPC so an external debugger can drive a paused program.
//
// The service is registered from a hand-written grpc.ServiceDesc and
// speaks JSON-encoded messages (content-subtype "json"), so no generated
// protobuf code is involved. Supported methods:
//   - State: GetState, GetRegisters, SetRegister
//   - Memory: ReadMemory, WriteMemory
//   - Execution: Step, Continue
//   - Breakpoints: SetBreakpoint, RemoveBreakpoint
//   - Observability: Metrics
//
// Requests are serialized onto the wrapped Machine, which is safe for a
// single driver only. Program faults are reported in-band through
// StopReply and StateReply rather than as RPC errors, so a session can
// keep inspecting registers and memory after the machine has faulted.
package debugserve

import (
	"context"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/fortiblox/ebpfvm/pkg/metrics"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ebpfvm.Debug"

// Full method paths, shared by the service desc and the client.
const (
	methodGetState         = "/" + ServiceName + "/GetState"
	methodGetRegisters     = "/" + ServiceName + "/GetRegisters"
	methodSetRegister      = "/" + ServiceName + "/SetRegister"
	methodReadMemory       = "/" + ServiceName + "/ReadMemory"
	methodWriteMemory      = "/" + ServiceName + "/WriteMemory"
	methodStep             = "/" + ServiceName + "/Step"
	methodContinue         = "/" + ServiceName + "/Continue"
	methodSetBreakpoint    = "/" + ServiceName + "/SetBreakpoint"
	methodRemoveBreakpoint = "/" + ServiceName + "/RemoveBreakpoint"
	methodMetrics          = "/" + ServiceName + "/Metrics"
)

// Config holds debug server configuration.
type Config struct {
	// Addr is the listen address (host:port). The bridge speaks
	// plaintext gRPC; bind loopback addresses.
	Addr string

	// MaxMessageSize bounds request and response sizes in bytes.
	MaxMessageSize int

	// MaxChunk bounds the byte count of a single ReadMemory or
	// WriteMemory transfer.
	MaxChunk int

	// KeepaliveTime is the interval of server keepalive pings.
	KeepaliveTime time.Duration

	// KeepaliveTimeout is the wait before a dead connection is closed.
	KeepaliveTimeout time.Duration

	// LogRequests enables request logging.
	LogRequests bool
}

// DefaultConfig returns a default debug server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:             "127.0.0.1:9901",
		MaxMessageSize:   4 * 1024 * 1024, // 4MB
		MaxChunk:         1024 * 1024,     // 1MB
		KeepaliveTime:    10 * time.Second,
		KeepaliveTimeout: 5 * time.Second,
		LogRequests:      false,
	}
}

// Server bridges one Machine to remote debuggers.
type Server struct {
	config Config

	// Dependencies
	machine   *vm.Machine
	vmMetrics *metrics.Metrics

	// mmu serializes all machine access.
	mmu sync.Mutex

	// gRPC server
	grpcServer *grpc.Server
	lis        net.Listener

	// Lifecycle
	mu      sync.Mutex
	running bool
}

// New creates a debug server over machine. vmMetrics may be nil, in
// which case Metrics serves an empty snapshot.
func New(config Config, machine *vm.Machine, vmMetrics *metrics.Metrics) (*Server, error) {
	if machine == nil {
		return nil, fmt.Errorf("machine is required")
	}

	def := DefaultConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if config.MaxChunk <= 0 {
		config.MaxChunk = def.MaxChunk
	}
	if config.KeepaliveTime <= 0 {
		config.KeepaliveTime = def.KeepaliveTime
	}
	if config.KeepaliveTimeout <= 0 {
		config.KeepaliveTimeout = def.KeepaliveTimeout
	}

	return &Server{
		config:    config,
		machine:   machine,
		vmMetrics: vmMetrics,
	}, nil
}

// Start listens on the configured address and serves until ctx is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s.Serve(lis)
}

// Serve runs the gRPC server on lis, taking ownership of the listener.
// It blocks until the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		lis.Close()
		return fmt.Errorf("server already running")
	}
	s.running = true

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    s.config.KeepaliveTime,
			Timeout: s.config.KeepaliveTimeout,
		}),
		grpc.MaxRecvMsgSize(s.config.MaxMessageSize),
		grpc.MaxSendMsgSize(s.config.MaxMessageSize),
	}
	if s.config.LogRequests {
		opts = append(opts, grpc.UnaryInterceptor(logUnary))
	}

	s.grpcServer = grpc.NewServer(opts...)
	s.grpcServer.RegisterService(&debugServiceDesc, s)
	s.lis = lis
	s.mu.Unlock()

	if s.config.LogRequests {
		log.Printf("[debug] serving on %s", lis.Addr())
	}

	err := s.grpcServer.Serve(lis)
	if err == grpc.ErrServerStopped {
		return nil
	}
	return err
}

// Addr returns the actual listen address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop shuts the server down, draining in-flight requests for up to
// five seconds before closing connections.
func (s *Server) Stop() {
	s.mu.Lock()
	gs := s.grpcServer
	running := s.running
	s.running = false
	s.mu.Unlock()

	if !running || gs == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		gs.Stop()
	}
}

// logUnary logs one line per request when enabled.
func logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	log.Printf("[debug] %s", info.FullMethod)
	return handler(ctx, req)
}

// Service methods

// GetState reports the machine lifecycle snapshot.
func (s *Server) GetState(ctx context.Context, req *StateRequest) (*StateReply, error) {
	s.mmu.Lock()
	defer s.mmu.Unlock()

	m := s.machine
	reply := &StateReply{
		Status:    m.Status().String(),
		PC:        m.PC(),
		Depth:     m.Depth(),
		Consumed:  m.Meter().Consumed(),
		Remaining: m.Meter().Remaining(),
		Budget:    m.Meter().Budget(),
	}

	bps := m.Breakpoints()
	sort.Slice(bps, func(i, j int) bool { return bps[i] < bps[j] })
	reply.Breakpoints = bps

	switch m.Status() {
	case vm.StatusHalted:
		r0, _ := m.Result()
		reply.Result = r0
	case vm.StatusFaulted:
		_, err := m.Result()
		reply.Fault = err.Error()
	}
	return reply, nil
}

// GetRegisters reports r0-r10 and the program counter.
func (s *Server) GetRegisters(ctx context.Context, req *RegistersRequest) (*RegistersReply, error) {
	s.mmu.Lock()
	defer s.mmu.Unlock()

	regs := s.machine.Registers()
	out := make([]uint64, len(regs))
	copy(out, regs[:])
	return &RegistersReply{Regs: out, PC: s.machine.PC()}, nil
}

// SetRegister overwrites one register, or the program counter when Reg
// is PCRegister.
func (s *Server) SetRegister(ctx context.Context, req *SetRegisterRequest) (*SetRegisterReply, error) {
	s.mmu.Lock()
	defer s.mmu.Unlock()

	if req.Reg == PCRegister {
		if err := s.machine.SetPC(int64(req.Value)); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "set pc: %v", err)
		}
		return &SetRegisterReply{}, nil
	}
	if err := s.machine.SetRegister(req.Reg, req.Value); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "set register: %v", err)
	}
	return &SetRegisterReply{}, nil
}

// ReadMemory copies bytes out of guest memory.
func (s *Server) ReadMemory(ctx context.Context, req *ReadMemoryRequest) (*ReadMemoryReply, error) {
	if int64(req.Len) > int64(s.config.MaxChunk) {
		return nil, status.Errorf(codes.InvalidArgument, "read of %d bytes exceeds chunk limit %d", req.Len, s.config.MaxChunk)
	}

	s.mmu.Lock()
	defer s.mmu.Unlock()

	if req.Len == 0 {
		return &ReadMemoryReply{}, nil
	}
	data, err := s.machine.ReadMemory(req.Addr, int(req.Len))
	if err != nil {
		return nil, status.Errorf(codes.OutOfRange, "read memory: %v", err)
	}
	return &ReadMemoryReply{Data: data}, nil
}

// WriteMemory copies bytes into guest memory.
func (s *Server) WriteMemory(ctx context.Context, req *WriteMemoryRequest) (*WriteMemoryReply, error) {
	if len(req.Data) > s.config.MaxChunk {
		return nil, status.Errorf(codes.InvalidArgument, "write of %d bytes exceeds chunk limit %d", len(req.Data), s.config.MaxChunk)
	}

	s.mmu.Lock()
	defer s.mmu.Unlock()

	if len(req.Data) == 0 {
		return &WriteMemoryReply{}, nil
	}
	if err := s.machine.WriteMemory(req.Addr, req.Data); err != nil {
		return nil, status.Errorf(codes.OutOfRange, "write memory: %v", err)
	}
	return &WriteMemoryReply{}, nil
}

// Step executes one instruction. Stepping a finished machine reports
// its terminal state without executing anything.
func (s *Server) Step(ctx context.Context, req *StepRequest) (*StopReply, error) {
	s.mmu.Lock()
	defer s.mmu.Unlock()

	done, err := s.machine.Step()
	return s.stopReply(done, err, StopStep), nil
}

// Continue resumes execution until the next breakpoint, halt, or fault.
func (s *Server) Continue(ctx context.Context, req *ContinueRequest) (*StopReply, error) {
	s.mmu.Lock()
	defer s.mmu.Unlock()

	done, err := s.machine.RunUntilBreakpoint()
	return s.stopReply(done, err, StopBreakpoint), nil
}

// stopReply classifies a Step or RunUntilBreakpoint outcome. pending
// names the reason used when the machine can still run. Callers hold
// mmu.
func (s *Server) stopReply(done bool, err error, pending string) *StopReply {
	reply := &StopReply{PC: s.machine.PC()}
	switch {
	case err != nil:
		reply.Stopped = StopFaulted
		reply.Fault = err.Error()
	case !done:
		reply.Stopped = pending
	default:
		reply.Stopped = StopHalted
		r0, _ := s.machine.Result()
		reply.Result = r0
	}
	return reply
}

// SetBreakpoint arms a breakpoint at an instruction index.
func (s *Server) SetBreakpoint(ctx context.Context, req *BreakpointRequest) (*BreakpointReply, error) {
	s.mmu.Lock()
	defer s.mmu.Unlock()

	if req.PC < 0 || req.PC >= int64(s.machine.Executable().Len()) {
		return nil, status.Errorf(codes.InvalidArgument, "breakpoint out of range: %d", req.PC)
	}
	s.machine.SetBreakpoint(req.PC)
	return &BreakpointReply{}, nil
}

// RemoveBreakpoint disarms a breakpoint. Removing one that was never
// armed is a no-op.
func (s *Server) RemoveBreakpoint(ctx context.Context, req *BreakpointRequest) (*BreakpointReply, error) {
	s.mmu.Lock()
	defer s.mmu.Unlock()

	s.machine.ClearBreakpoint(req.PC)
	return &BreakpointReply{}, nil
}

// Metrics reports a snapshot of the VM metrics.
func (s *Server) Metrics(ctx context.Context, req *MetricsRequest) (*MetricsReply, error) {
	if s.vmMetrics == nil {
		return &MetricsReply{Values: map[string]interface{}{}}, nil
	}
	return &MetricsReply{Values: s.vmMetrics.Values()}, nil
}

// Service registration

// debugService is the method set registered under ServiceName.
type debugService interface {
	GetState(context.Context, *StateRequest) (*StateReply, error)
	GetRegisters(context.Context, *RegistersRequest) (*RegistersReply, error)
	SetRegister(context.Context, *SetRegisterRequest) (*SetRegisterReply, error)
	ReadMemory(context.Context, *ReadMemoryRequest) (*ReadMemoryReply, error)
	WriteMemory(context.Context, *WriteMemoryRequest) (*WriteMemoryReply, error)
	Step(context.Context, *StepRequest) (*StopReply, error)
	Continue(context.Context, *ContinueRequest) (*StopReply, error)
	SetBreakpoint(context.Context, *BreakpointRequest) (*BreakpointReply, error)
	RemoveBreakpoint(context.Context, *BreakpointRequest) (*BreakpointReply, error)
	Metrics(context.Context, *MetricsRequest) (*MetricsReply, error)
}

var _ debugService = (*Server)(nil)

// debugServiceDesc wires the methods by hand, standing in for the
// usual generated service descriptor.
var debugServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*debugService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetState", Handler: handleGetState},
		{MethodName: "GetRegisters", Handler: handleGetRegisters},
		{MethodName: "SetRegister", Handler: handleSetRegister},
		{MethodName: "ReadMemory", Handler: handleReadMemory},
		{MethodName: "WriteMemory", Handler: handleWriteMemory},
		{MethodName: "Step", Handler: handleStep},
		{MethodName: "Continue", Handler: handleContinue},
		{MethodName: "SetBreakpoint", Handler: handleSetBreakpoint},
		{MethodName: "RemoveBreakpoint", Handler: handleRemoveBreakpoint},
		{MethodName: "Metrics", Handler: handleMetrics},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pkg/debugserve",
}

func handleGetState(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(debugService).GetState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetState}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(debugService).GetState(ctx, req.(*StateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleGetRegisters(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegistersRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(debugService).GetRegisters(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetRegisters}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(debugService).GetRegisters(ctx, req.(*RegistersRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleSetRegister(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SetRegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(debugService).SetRegister(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSetRegister}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(debugService).SetRegister(ctx, req.(*SetRegisterRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleReadMemory(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReadMemoryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(debugService).ReadMemory(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodReadMemory}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(debugService).ReadMemory(ctx, req.(*ReadMemoryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleWriteMemory(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(WriteMemoryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(debugService).WriteMemory(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodWriteMemory}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(debugService).WriteMemory(ctx, req.(*WriteMemoryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleStep(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StepRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(debugService).Step(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodStep}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(debugService).Step(ctx, req.(*StepRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleContinue(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ContinueRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(debugService).Continue(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodContinue}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(debugService).Continue(ctx, req.(*ContinueRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleSetBreakpoint(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(BreakpointRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(debugService).SetBreakpoint(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSetBreakpoint}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(debugService).SetBreakpoint(ctx, req.(*BreakpointRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleRemoveBreakpoint(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(BreakpointRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(debugService).RemoveBreakpoint(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRemoveBreakpoint}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(debugService).RemoveBreakpoint(ctx, req.(*BreakpointRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func handleMetrics(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(MetricsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(debugService).Metrics(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodMetrics}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(debugService).Metrics(ctx, req.(*MetricsRequest))
	}
	return interceptor(ctx, in, info, handler)
}
