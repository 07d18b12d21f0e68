package syscalls

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/ebpfvm/pkg/ebpf"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// newCaller boots a machine over a trivial program to act as the caller
// in direct handler tests.
func newCaller(t *testing.T, cfg vm.Config) *vm.Machine {
	t.Helper()
	text := []uint64{ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0)}
	exec, err := vm.NewExecutable(&vm.Program{Text: text}, nil)
	if err != nil {
		t.Fatalf("NewExecutable() failed: %v", err)
	}
	m, err := vm.New(exec, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return m
}

// bufSink collects log lines for inspection.
type bufSink struct {
	lines []string
}

func (s *bufSink) Log(msg string) { s.lines = append(s.lines, msg) }

// TestRegister tests that every standard syscall resolves under its name
// hash and that the classic numeric aliases are wired.
func TestRegister(t *testing.T) {
	reg := vm.NewRegistry()
	if err := Register(reg, nil); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	names := []string{
		NameLog, NameLog64, NameGatherBytes, NameMemfrob, NameSqrti,
		NameStrcmp, NameTimeGetNS, NameSha256, NameKeccak256, NameBlake3,
	}
	for _, name := range names {
		id := vm.HashName(name)
		if _, ok := reg.Resolve(id); !ok {
			t.Errorf("syscall %q (0x%08x) not registered", name, id)
			continue
		}
		if got, _ := reg.Name(id); got != name {
			t.Errorf("Name(0x%08x) = %q, want %q", id, got, name)
		}
	}

	aliases := []struct {
		id   uint32
		name string
	}{
		{HelperGatherBytes, NameGatherBytes},
		{HelperMemfrob, NameMemfrob},
		{HelperSqrti, NameSqrti},
		{HelperStrcmp, NameStrcmp},
		{HelperTimeGetNS, NameTimeGetNS},
		{HelperLog64, NameLog64},
	}
	for _, a := range aliases {
		if _, ok := reg.Resolve(a.id); !ok {
			t.Errorf("alias %d not registered", a.id)
			continue
		}
		if got, _ := reg.Name(a.id); got != a.name {
			t.Errorf("Name(%d) = %q, want %q", a.id, got, a.name)
		}
	}
}

// TestRegisterFrozen tests that registration fails once the registry is
// attached to an executable.
func TestRegisterFrozen(t *testing.T) {
	reg := vm.NewRegistry()
	text := []uint64{ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0)}
	if _, err := vm.NewExecutable(&vm.Program{Text: text}, reg); err != nil {
		t.Fatalf("NewExecutable() failed: %v", err)
	}

	if err := Register(reg, nil); !errors.Is(err, vm.ErrRegistryFrozen) {
		t.Fatalf("Register() = %v, want ErrRegistryFrozen", err)
	}
}

// TestLogMessage tests the string logging syscall, including the length
// clamp.
func TestLogMessage(t *testing.T) {
	long := strings.Repeat("a", MaxLogLen+5)

	tests := []struct {
		name         string
		input        string
		len          uint64
		want         string
		wantConsumed uint64
	}{
		{"short", "hello, world", 12, "hello, world", CostLogBase + 12},
		{"clamped", long, uint64(len(long)), long[:MaxLogLen], CostLogBase + MaxLogLen},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sink := &bufSink{}
			m := newCaller(t, vm.Config{Budget: 1 << 16, Input: []byte(tc.input)})

			fn := logMessage(sink)
			r0, err := fn(m, vm.VaddrInput, tc.len, 0, 0, 0)
			if err != nil {
				t.Fatalf("log failed: %v", err)
			}
			if r0 != 0 {
				t.Errorf("r0 = %d, want 0", r0)
			}
			if len(sink.lines) != 1 {
				t.Fatalf("logged %d lines, want 1", len(sink.lines))
			}
			if sink.lines[0] != tc.want {
				t.Errorf("logged %q, want %q", sink.lines[0], tc.want)
			}
			if got := m.Meter().Consumed(); got != tc.wantConsumed {
				t.Errorf("Consumed() = %d, want %d", got, tc.wantConsumed)
			}
		})
	}
}

// TestLogValues tests the five-value logging syscall's formatting.
func TestLogValues(t *testing.T) {
	sink := &bufSink{}
	m := newCaller(t, vm.Config{Budget: 1000})

	fn := logValues(sink)
	if _, err := fn(m, 1, 0xff, 16, 0, 0xdeadbeef); err != nil {
		t.Fatalf("log_64 failed: %v", err)
	}

	want := "0x1 0xff 0x10 0x0 0xdeadbeef"
	if len(sink.lines) != 1 || sink.lines[0] != want {
		t.Errorf("logged %v, want [%s]", sink.lines, want)
	}
	if got := m.Meter().Consumed(); got != CostLog64 {
		t.Errorf("Consumed() = %d, want %d", got, CostLog64)
	}
}

// TestGatherBytes tests low-byte packing.
func TestGatherBytes(t *testing.T) {
	tests := []struct {
		name               string
		r1, r2, r3, r4, r5 uint64
		want               uint64
	}{
		{"classic", 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xaabbccddee},
		{"high bits ignored", 0x1aa, 0xfbb, 0xffcc, 0x10dd, 0xffffee, 0xaabbccddee},
		{"zero", 0, 0, 0, 0, 0, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newCaller(t, vm.Config{Budget: 1000})
			got, err := gatherBytes(m, tc.r1, tc.r2, tc.r3, tc.r4, tc.r5)
			if err != nil {
				t.Fatalf("gather_bytes failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("gather_bytes = 0x%x, want 0x%x", got, tc.want)
			}
			if got := m.Meter().Consumed(); got != CostSyscallBase {
				t.Errorf("Consumed() = %d, want %d", got, CostSyscallBase)
			}
		})
	}
}

// TestMemfrob tests in-place frobnication and its edge cases.
func TestMemfrob(t *testing.T) {
	m := newCaller(t, vm.Config{Budget: 1000, Input: []byte("ABC")})

	if _, err := memfrob(m, vm.VaddrInput, 3, 0, 0, 0); err != nil {
		t.Fatalf("memfrob failed: %v", err)
	}
	got, err := m.ReadMemory(vm.VaddrInput, 3)
	if err != nil {
		t.Fatalf("ReadMemory() failed: %v", err)
	}
	if string(got) != "khi" {
		t.Errorf("frobbed = %q, want %q", got, "khi")
	}
	if got := m.Meter().Consumed(); got != CostMemOpBase+3 {
		t.Errorf("Consumed() = %d, want %d", got, CostMemOpBase+3)
	}

	// Frobbing twice restores the original.
	if _, err := memfrob(m, vm.VaddrInput, 3, 0, 0, 0); err != nil {
		t.Fatalf("second memfrob failed: %v", err)
	}
	got, err = m.ReadMemory(vm.VaddrInput, 3)
	if err != nil {
		t.Fatalf("ReadMemory() failed: %v", err)
	}
	if string(got) != "ABC" {
		t.Errorf("double frob = %q, want %q", got, "ABC")
	}

	// Zero length is free.
	before := m.Meter().Consumed()
	if _, err := memfrob(m, vm.VaddrInput, 0, 0, 0, 0); err != nil {
		t.Fatalf("zero-length memfrob failed: %v", err)
	}
	if got := m.Meter().Consumed(); got != before {
		t.Errorf("zero-length charge: Consumed() = %d, want %d", got, before)
	}

	// Oversized requests are rejected.
	if _, err := memfrob(m, vm.VaddrInput, MaxMemOpSize+1, 0, 0, 0); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("memfrob(oversized) = %v, want ErrInvalidLength", err)
	}

	// The program region rejects the write-back.
	if _, err := memfrob(m, vm.VaddrProgram, 8, 0, 0, 0); !errors.Is(err, vm.ErrAccessViolation) {
		t.Errorf("memfrob(program) = %v, want ErrAccessViolation", err)
	}
}

// TestSqrti tests the integer square root across the precision boundary
// of float64.
func TestSqrti(t *testing.T) {
	tests := []struct {
		x, want uint64
	}{
		{0, 0},
		{1, 1},
		{2, 1},
		{3, 1},
		{4, 2},
		{9, 3},
		{10, 3},
		{144, 12},
		{1 << 32, 1 << 16},
		{1 << 52, 1 << 26},
		{(1 << 52) - 1, (1 << 26) - 1},
		{(1 << 54) - 1, (1 << 27) - 1},
		{1 << 62, 1 << 31},
		{(1 << 62) - 1, (1 << 31) - 1},
		{math.MaxUint64, math.MaxUint32},
	}

	m := newCaller(t, vm.Config{Budget: 1 << 16})
	for _, tc := range tests {
		got, err := sqrti(m, tc.x, 0, 0, 0, 0)
		if err != nil {
			t.Fatalf("sqrti(%d) failed: %v", tc.x, err)
		}
		if got != tc.want {
			t.Errorf("sqrti(%d) = %d, want %d", tc.x, got, tc.want)
		}
	}
}

// TestStrcmp tests string comparison over guest memory.
func TestStrcmp(t *testing.T) {
	// Strings at input offsets 0, 4, 8 and 12.
	layout := []byte("abc\x00abc\x00abd\x00ab\x00")

	tests := []struct {
		name         string
		a, b         uint64
		want         int64
		wantConsumed uint64
	}{
		{"equal", 0, 4, 0, CostMemOpBase + 4},
		{"less", 0, 8, -1, CostMemOpBase + 3},
		{"greater", 8, 0, 1, CostMemOpBase + 3},
		{"prefix shorter", 12, 0, -99, CostMemOpBase + 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := newCaller(t, vm.Config{Budget: 1000, Input: layout})
			got, err := strcmp(m, vm.VaddrInput+tc.a, vm.VaddrInput+tc.b, 0, 0, 0)
			if err != nil {
				t.Fatalf("strcmp failed: %v", err)
			}
			if int64(got) != tc.want {
				t.Errorf("strcmp = %d, want %d", int64(got), tc.want)
			}
			if got := m.Meter().Consumed(); got != tc.wantConsumed {
				t.Errorf("Consumed() = %d, want %d", got, tc.wantConsumed)
			}
		})
	}

	// Unterminated strings stop at the region boundary.
	m := newCaller(t, vm.Config{Budget: 1000, Input: []byte("aaaa")})
	if _, err := strcmp(m, vm.VaddrInput, vm.VaddrInput, 0, 0, 0); !errors.Is(err, vm.ErrAccessViolation) {
		t.Errorf("strcmp(unterminated) = %v, want ErrAccessViolation", err)
	}
}

// TestTimeGetNS tests that the monotonic clock advances.
func TestTimeGetNS(t *testing.T) {
	m := newCaller(t, vm.Config{Budget: 1000})

	first, err := timeGetNS(m, 0, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("time_getns failed: %v", err)
	}
	second, err := timeGetNS(m, 0, 0, 0, 0, 0)
	if err != nil {
		t.Fatalf("second time_getns failed: %v", err)
	}

	if first == 0 {
		t.Error("first reading is zero")
	}
	if second < first {
		t.Errorf("clock went backwards: %d then %d", first, second)
	}
	if got := m.Meter().Consumed(); got != 2*CostSyscallBase {
		t.Errorf("Consumed() = %d, want %d", got, 2*CostSyscallBase)
	}
}

// runHash invokes a hash syscall over (ptr, len) pairs laid out in the
// input region, returning the digest and the meter charge.
func runHash(t *testing.T, name string, data []byte, pairs [][2]uint64) ([]byte, uint64) {
	t.Helper()

	reg := vm.NewRegistry()
	if err := Register(reg, nil); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	sc, ok := reg.Resolve(vm.HashName(name))
	if !ok {
		t.Fatalf("syscall %q not registered", name)
	}

	const pairBase = 2048
	input := make([]byte, 4096)
	copy(input, data)
	for i, p := range pairs {
		binary.LittleEndian.PutUint64(input[pairBase+i*16:], p[0])
		binary.LittleEndian.PutUint64(input[pairBase+i*16+8:], p[1])
	}

	m := newCaller(t, vm.Config{Budget: 1 << 20, Input: input})
	if _, err := sc.Invoke(m, vm.VaddrInput+pairBase, uint64(len(pairs)), vm.VaddrHeap, 0, 0); err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}

	digest, err := m.ReadMemory(vm.VaddrHeap, 32)
	if err != nil {
		t.Fatalf("ReadMemory() failed: %v", err)
	}
	return digest, m.Meter().Consumed()
}

// TestHashGather tests the three hash syscalls over scattered input.
func TestHashGather(t *testing.T) {
	whole := []byte("helloworld")
	sha := sha256.Sum256(whole)
	kec := sha3.NewLegacyKeccak256()
	kec.Write(whole)
	b3 := blake3.Sum256(whole)

	tests := []struct {
		name string
		base uint64
		want []byte
	}{
		{NameSha256, CostSha256Base, sha[:]},
		{NameKeccak256, CostKeccak256Base, kec.Sum(nil)},
		{NameBlake3, CostBlake3Base, b3[:]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			// Hash "hello" and "world" as two scattered slices.
			pairs := [][2]uint64{
				{vm.VaddrInput, 5},
				{vm.VaddrInput + 5, 5},
			}
			digest, consumed := runHash(t, tc.name, whole, pairs)
			if !bytes.Equal(digest, tc.want) {
				t.Errorf("digest = %x, want %x", digest, tc.want)
			}
			if want := tc.base + uint64(len(whole)); consumed != want {
				t.Errorf("consumed = %d, want %d", consumed, want)
			}
		})
	}
}

// TestHashVectors tests sha256 and keccak256 against published digests
// of "abc".
func TestHashVectors(t *testing.T) {
	tests := []struct {
		name    string
		wantHex string
	}{
		{NameSha256, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{NameKeccak256, "4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pairs := [][2]uint64{{vm.VaddrInput, 3}}
			digest, _ := runHash(t, tc.name, []byte("abc"), pairs)
			if got := hex.EncodeToString(digest); got != tc.wantHex {
				t.Errorf("digest = %s, want %s", got, tc.wantHex)
			}
		})
	}
}

// TestHashGatherErrors tests pair-count and length validation.
func TestHashGatherErrors(t *testing.T) {
	reg := vm.NewRegistry()
	if err := Register(reg, nil); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	sc, ok := reg.Resolve(vm.HashName(NameSha256))
	if !ok {
		t.Fatalf("syscall %q not registered", NameSha256)
	}

	m := newCaller(t, vm.Config{Budget: 1 << 20, Input: make([]byte, 64)})
	if _, err := sc.Invoke(m, vm.VaddrInput, MaxHashSlices+1, vm.VaddrHeap, 0, 0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Invoke(too many pairs) = %v, want ErrInvalidArgument", err)
	}

	input := make([]byte, 64)
	binary.LittleEndian.PutUint64(input[0:], vm.VaddrInput)
	binary.LittleEndian.PutUint64(input[8:], MaxMemOpSize+1)
	m = newCaller(t, vm.Config{Budget: 1 << 20, Input: input})
	if _, err := sc.Invoke(m, vm.VaddrInput, 1, vm.VaddrHeap, 0, 0); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("Invoke(oversized slice) = %v, want ErrInvalidLength", err)
	}

	binary.LittleEndian.PutUint64(input[0:], 0xdead0000)
	binary.LittleEndian.PutUint64(input[8:], 4)
	m = newCaller(t, vm.Config{Budget: 1 << 20, Input: input})
	if _, err := sc.Invoke(m, vm.VaddrInput, 1, vm.VaddrHeap, 0, 0); !errors.Is(err, vm.ErrAccessViolation) {
		t.Errorf("Invoke(bad data pointer) = %v, want ErrAccessViolation", err)
	}
}

// TestSyscallBudget tests that every handler fails cleanly when the
// meter cannot cover its base cost, without charging or side effects.
func TestSyscallBudget(t *testing.T) {
	sink := &bufSink{}
	reg := vm.NewRegistry()
	if err := Register(reg, sink); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	names := []string{
		NameLog, NameLog64, NameGatherBytes, NameMemfrob, NameSqrti,
		NameStrcmp, NameTimeGetNS, NameSha256, NameKeccak256, NameBlake3,
	}
	for _, name := range names {
		sc, ok := reg.Resolve(vm.HashName(name))
		if !ok {
			t.Fatalf("syscall %q not registered", name)
		}
		m := newCaller(t, vm.Config{Budget: 5, Input: []byte("data")})
		if _, err := sc.Invoke(m, vm.VaddrInput, 1, vm.VaddrHeap, 0, 0); !errors.Is(err, vm.ErrOutOfInstructions) {
			t.Errorf("%s on empty budget = %v, want ErrOutOfInstructions", name, err)
		}
		if got := m.Meter().Consumed(); got != 0 {
			t.Errorf("%s charged %d units on failure", name, got)
		}
	}
	if len(sink.lines) != 0 {
		t.Errorf("logged %d lines, want 0", len(sink.lines))
	}
}

// TestCallClassicHelper tests dispatch through a classic numeric id from
// a running program.
func TestCallClassicHelper(t *testing.T) {
	reg := vm.NewRegistry()
	if err := Register(reg, nil); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	text := []uint64{
		ebpf.Encode(ebpf.OpMov64Imm, 1, 0, 0, 0xaa),                 // r1 = 0xaa
		ebpf.Encode(ebpf.OpMov64Imm, 2, 0, 0, 0xbb),                 // r2 = 0xbb
		ebpf.Encode(ebpf.OpMov64Imm, 3, 0, 0, 0xcc),                 // r3 = 0xcc
		ebpf.Encode(ebpf.OpMov64Imm, 4, 0, 0, 0xdd),                 // r4 = 0xdd
		ebpf.Encode(ebpf.OpMov64Imm, 5, 0, 0, 0xee),                 // r5 = 0xee
		ebpf.Encode(ebpf.OpCall, 0, 0, 0, int32(HelperGatherBytes)), // call gather_bytes
		ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),                        // exit
	}

	exec, err := vm.NewExecutable(&vm.Program{Text: text}, reg)
	if err != nil {
		t.Fatalf("NewExecutable() failed: %v", err)
	}
	m, err := vm.New(exec, vm.Config{Budget: 1000})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	r0, err := m.Run()
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if r0 != 0xaabbccddee {
		t.Errorf("r0 = 0x%x, want 0xaabbccddee", r0)
	}
	if got, want := m.Meter().Consumed(), 7+CostSyscallBase; got != want {
		t.Errorf("Consumed() = %d, want %d", got, want)
	}
}

// TestCallByName tests dispatch through a murmur3 name hash, with log
// output reaching the sink.
func TestCallByName(t *testing.T) {
	sink := &bufSink{}
	reg := vm.NewRegistry()
	if err := Register(reg, sink); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	// r1 arrives holding the input base.
	text := []uint64{
		ebpf.Encode(ebpf.OpMov64Imm, 2, 0, 0, 5),                       // r2 = 5
		ebpf.Encode(ebpf.OpCall, 0, 0, 0, int32(vm.HashName(NameLog))), // call log
		ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),                           // exit
	}

	exec, err := vm.NewExecutable(&vm.Program{Text: text}, reg)
	if err != nil {
		t.Fatalf("NewExecutable() failed: %v", err)
	}
	m, err := vm.New(exec, vm.Config{Budget: 1000, Input: []byte("hello")})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	r0, err := m.Run()
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if r0 != 0 {
		t.Errorf("r0 = %d, want 0", r0)
	}
	if len(sink.lines) != 1 || sink.lines[0] != "hello" {
		t.Errorf("logged %v, want [hello]", sink.lines)
	}
	if got, want := m.Meter().Consumed(), 3+CostLogBase+5; got != want {
		t.Errorf("Consumed() = %d, want %d", got, want)
	}
}
