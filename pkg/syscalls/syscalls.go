// Package syscalls implements the standard syscall set for the VM.
//
// Syscalls are host functions callable from guest programs. Each is
// registered under the murmur3 hash of its name, with numeric aliases
// for the classic helper ids. Arguments arrive in registers r1-r5 and
// the return value lands in r0. Handlers charge the run's instruction
// meter before touching guest memory.
package syscalls

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"math"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// Syscall errors.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrInvalidLength   = errors.New("invalid length")
)

// Meter charges, in instruction budget units.
const (
	CostSyscallBase      = uint64(100)
	CostLogBase          = uint64(100)
	CostLogPerByte       = uint64(1)
	CostLog64            = uint64(100)
	CostMemOpBase        = uint64(10)
	CostMemOpPerByte     = uint64(1)
	CostSha256Base       = uint64(85)
	CostSha256PerByte    = uint64(1)
	CostKeccak256Base    = uint64(85)
	CostKeccak256PerByte = uint64(1)
	CostBlake3Base       = uint64(85)
	CostBlake3PerByte    = uint64(1)
)

// Maximum sizes.
const (
	MaxLogLen     = 10000            // Maximum log message length
	MaxMemOpSize  = 10 * 1024 * 1024 // Maximum memory operation size (10 MB)
	MaxHashSlices = 100              // Maximum (ptr, len) pairs per hash call
)

// Names of the standard syscalls. Call targets resolve to the murmur3
// hash of these strings.
const (
	NameLog         = "log"
	NameLog64       = "log_64"
	NameGatherBytes = "gather_bytes"
	NameMemfrob     = "memfrob"
	NameSqrti       = "sqrti"
	NameStrcmp      = "strcmp"
	NameTimeGetNS   = "time_getns"
	NameSha256      = "sha256"
	NameKeccak256   = "keccak256"
	NameBlake3      = "blake3"
)

// Classic numeric helper ids, registered as aliases so programs built
// against the historic call numbers keep working. Id 2 trashed host
// registers in the historic set and has no equivalent here.
const (
	HelperGatherBytes = uint32(0)
	HelperMemfrob     = uint32(1)
	HelperSqrti       = uint32(3)
	HelperStrcmp      = uint32(4)
	HelperTimeGetNS   = uint32(5)
	HelperLog64       = uint32(6)
)

// Sink receives log output from guest programs.
type Sink interface {
	Log(msg string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(msg string)

// Log implements Sink.
func (f SinkFunc) Log(msg string) { f(msg) }

// Discard is a Sink that drops all output.
var Discard Sink = SinkFunc(func(string) {})

// Register installs the standard syscall set into reg, by name and
// under the classic numeric aliases. Log output goes to sink; a nil
// sink discards it.
func Register(reg *vm.Registry, sink Sink) error {
	if sink == nil {
		sink = Discard
	}

	logFn := logMessage(sink)
	log64Fn := logValues(sink)

	named := []struct {
		name string
		fn   vm.SyscallFunc
	}{
		{NameLog, logFn},
		{NameLog64, log64Fn},
		{NameGatherBytes, gatherBytes},
		{NameMemfrob, memfrob},
		{NameSqrti, sqrti},
		{NameStrcmp, strcmp},
		{NameTimeGetNS, timeGetNS},
		{NameSha256, hashGather(CostSha256Base, CostSha256PerByte, sha256.New)},
		{NameKeccak256, hashGather(CostKeccak256Base, CostKeccak256PerByte, sha3.NewLegacyKeccak256)},
		{NameBlake3, hashGather(CostBlake3Base, CostBlake3PerByte, newBlake3)},
	}
	for _, s := range named {
		if _, err := reg.Register(s.name, s.fn); err != nil {
			return err
		}
	}

	aliases := []struct {
		id   uint32
		name string
		fn   vm.SyscallFunc
	}{
		{HelperGatherBytes, NameGatherBytes, gatherBytes},
		{HelperMemfrob, NameMemfrob, memfrob},
		{HelperSqrti, NameSqrti, sqrti},
		{HelperStrcmp, NameStrcmp, strcmp},
		{HelperTimeGetNS, NameTimeGetNS, timeGetNS},
		{HelperLog64, NameLog64, log64Fn},
	}
	for _, a := range aliases {
		if err := reg.RegisterID(a.id, a.name, a.fn); err != nil {
			return err
		}
	}

	return nil
}

// logMessage reads a string of r2 bytes at r1 and hands it to the sink.
func logMessage(sink Sink) vm.SyscallFunc {
	return func(c vm.Caller, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		n := r2
		if n > MaxLogLen {
			n = MaxLogLen
		}

		cost := CostLogBase + CostLogPerByte*n
		if err := c.Meter().Consume(cost); err != nil {
			return 0, err
		}

		msg := make([]byte, n)
		if err := c.Read(r1, msg); err != nil {
			return 0, err
		}

		sink.Log(string(msg))
		return 0, nil
	}
}

// logValues logs the five argument registers as hex.
func logValues(sink Sink) vm.SyscallFunc {
	return func(c vm.Caller, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := c.Meter().Consume(CostLog64); err != nil {
			return 0, err
		}

		sink.Log(fmt.Sprintf("0x%x 0x%x 0x%x 0x%x 0x%x", r1, r2, r3, r4, r5))
		return 0, nil
	}
}

// gatherBytes packs the low byte of each argument register into r0,
// r1 highest.
func gatherBytes(c vm.Caller, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	if err := c.Meter().Consume(CostSyscallBase); err != nil {
		return 0, err
	}

	v := (r1&0xff)<<32 |
		(r2&0xff)<<24 |
		(r3&0xff)<<16 |
		(r4&0xff)<<8 |
		r5&0xff
	return v, nil
}

// memfrob XORs r2 bytes at r1 with 42, the way GNU memfrob does.
func memfrob(c vm.Caller, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	dst, n := r1, r2

	if n == 0 {
		return 0, nil
	}
	if n > MaxMemOpSize {
		return 0, ErrInvalidLength
	}

	cost := CostMemOpBase + CostMemOpPerByte*n
	if err := c.Meter().Consume(cost); err != nil {
		return 0, err
	}

	data := make([]byte, n)
	if err := c.Read(dst, data); err != nil {
		return 0, err
	}
	for i := range data {
		data[i] ^= 0x2a
	}
	if err := c.Write(dst, data); err != nil {
		return 0, err
	}

	return 0, nil
}

// sqrti computes the integer square root of r1.
func sqrti(c vm.Caller, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	if err := c.Meter().Consume(CostSyscallBase); err != nil {
		return 0, err
	}

	// Float sqrt is inexact past 2^52, so settle the exact root.
	x := r1
	r := uint64(math.Sqrt(float64(x)))
	if r > math.MaxUint32 {
		r = math.MaxUint32
	}
	for r*r > x {
		r--
	}
	for r < math.MaxUint32 && (r+1)*(r+1) <= x {
		r++
	}
	return r, nil
}

// strcmp compares NUL-terminated strings at r1 and r2. It returns zero
// on equality and the difference of the first differing bytes
// otherwise, charging the meter per byte walked.
func strcmp(c vm.Caller, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	if err := c.Meter().Consume(CostMemOpBase); err != nil {
		return 0, err
	}

	for i := uint64(0); ; i++ {
		if err := c.Meter().Consume(CostMemOpPerByte); err != nil {
			return 0, err
		}

		a, err := c.Read8(r1 + i)
		if err != nil {
			return 0, err
		}
		b, err := c.Read8(r2 + i)
		if err != nil {
			return 0, err
		}

		if a != b {
			return uint64(int64(int32(a) - int32(b))), nil
		}
		if a == 0 {
			return 0, nil
		}
	}
}

// timeOrigin anchors the monotonic time syscall.
var timeOrigin = time.Now()

// timeGetNS returns nanoseconds of monotonic time since process start.
func timeGetNS(c vm.Caller, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	if err := c.Meter().Consume(CostSyscallBase); err != nil {
		return 0, err
	}

	return uint64(time.Since(timeOrigin)), nil
}

// hashGather builds a hash syscall over scattered guest memory.
//
// r1 points to an array of (ptr, len) pairs, r2 holds the pair count
// and r3 receives the 32-byte digest.
func hashGather(base, perByte uint64, newHash func() hash.Hash) vm.SyscallFunc {
	return func(c vm.Caller, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if r2 > MaxHashSlices {
			return 0, ErrInvalidArgument
		}

		if err := c.Meter().Consume(base); err != nil {
			return 0, err
		}

		h := newHash()
		for i := uint64(0); i < r2; i++ {
			ptr, err := c.Read64(r1 + i*16)
			if err != nil {
				return 0, err
			}
			n, err := c.Read64(r1 + i*16 + 8)
			if err != nil {
				return 0, err
			}
			if n > MaxMemOpSize {
				return 0, ErrInvalidLength
			}

			if err := c.Meter().Consume(perByte * n); err != nil {
				return 0, err
			}

			data := make([]byte, n)
			if err := c.Read(ptr, data); err != nil {
				return 0, err
			}
			h.Write(data)
		}

		if err := c.Write(r3, h.Sum(nil)); err != nil {
			return 0, err
		}
		return 0, nil
	}
}

func newBlake3() hash.Hash { return blake3.New() }
