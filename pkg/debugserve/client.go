package debugserve

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ClientConfig holds debug client configuration.
type ClientConfig struct {
	// Endpoint is the server address (host:port).
	Endpoint string

	// MaxMessageSize bounds request and response sizes in bytes.
	MaxMessageSize int

	// KeepaliveTime is the interval of client keepalive pings.
	KeepaliveTime time.Duration

	// KeepaliveTimeout is the wait for a keepalive ack before the
	// connection is considered dead.
	KeepaliveTimeout time.Duration
}

// DefaultClientConfig returns a default debug client configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxMessageSize:   4 * 1024 * 1024, // 4MB
		KeepaliveTime:    10 * time.Second,
		KeepaliveTimeout: 5 * time.Second,
	}
}

// Client drives a remote debug session.
type Client struct {
	config ClientConfig
	conn   *grpc.ClientConn
}

// Dial connects to a debug server. The connection is plaintext; the
// bridge is meant to serve loopback addresses only.
func Dial(config ClientConfig) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	def := DefaultClientConfig()
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if config.KeepaliveTime <= 0 {
		config.KeepaliveTime = def.KeepaliveTime
	}
	if config.KeepaliveTimeout <= 0 {
		config.KeepaliveTimeout = def.KeepaliveTimeout
	}

	kacp := keepalive.ClientParameters{
		Time:                config.KeepaliveTime,
		Timeout:             config.KeepaliveTimeout,
		PermitWithoutStream: true,
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}

	//nolint:staticcheck // Using Dial for compatibility with older gRPC versions
	conn, err := grpc.Dial(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gRPC: %w", err)
	}

	return &Client{config: config, conn: conn}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// GetState fetches the machine lifecycle snapshot.
func (c *Client) GetState(ctx context.Context) (*StateReply, error) {
	out := new(StateReply)
	if err := c.conn.Invoke(ctx, methodGetState, &StateRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRegisters fetches r0-r10 and the program counter.
func (c *Client) GetRegisters(ctx context.Context) (*RegistersReply, error) {
	out := new(RegistersReply)
	if err := c.conn.Invoke(ctx, methodGetRegisters, &RegistersRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetRegister overwrites one register. Reg 0-10 name r0-r10;
// PCRegister moves the program counter.
func (c *Client) SetRegister(ctx context.Context, reg int, value uint64) error {
	return c.conn.Invoke(ctx, methodSetRegister, &SetRegisterRequest{Reg: reg, Value: value}, new(SetRegisterReply))
}

// SetPC moves the program counter.
func (c *Client) SetPC(ctx context.Context, pc int64) error {
	return c.SetRegister(ctx, PCRegister, uint64(pc))
}

// ReadMemory copies n bytes of guest memory at addr.
func (c *Client) ReadMemory(ctx context.Context, addr uint64, n uint32) ([]byte, error) {
	out := new(ReadMemoryReply)
	if err := c.conn.Invoke(ctx, methodReadMemory, &ReadMemoryRequest{Addr: addr, Len: n}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// WriteMemory copies data into guest memory at addr.
func (c *Client) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	return c.conn.Invoke(ctx, methodWriteMemory, &WriteMemoryRequest{Addr: addr, Data: data}, new(WriteMemoryReply))
}

// Step executes one instruction.
func (c *Client) Step(ctx context.Context) (*StopReply, error) {
	out := new(StopReply)
	if err := c.conn.Invoke(ctx, methodStep, &StepRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Continue resumes execution until the next breakpoint, halt, or fault.
func (c *Client) Continue(ctx context.Context) (*StopReply, error) {
	out := new(StopReply)
	if err := c.conn.Invoke(ctx, methodContinue, &ContinueRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetBreakpoint arms a breakpoint at an instruction index.
func (c *Client) SetBreakpoint(ctx context.Context, pc int64) error {
	return c.conn.Invoke(ctx, methodSetBreakpoint, &BreakpointRequest{PC: pc}, new(BreakpointReply))
}

// RemoveBreakpoint disarms a breakpoint.
func (c *Client) RemoveBreakpoint(ctx context.Context, pc int64) error {
	return c.conn.Invoke(ctx, methodRemoveBreakpoint, &BreakpointRequest{PC: pc}, new(BreakpointReply))
}

// Metrics fetches a snapshot of the VM metrics. JSON transport turns
// numeric values into float64.
func (c *Client) Metrics(ctx context.Context) (map[string]interface{}, error) {
	out := new(MetricsReply)
	if err := c.conn.Invoke(ctx, methodMetrics, &MetricsRequest{}, out); err != nil {
		return nil, err
	}
	return out.Values, nil
}
