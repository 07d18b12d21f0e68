package progstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/ebpfvm/internal/types"
	"github.com/fortiblox/ebpfvm/pkg/ebpf"
	"github.com/fortiblox/ebpfvm/pkg/loader"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// openStore opens an in-memory store for tests.
func openStore(t *testing.T, reg *vm.Registry) *Store {
	t.Helper()
	cfg := DefaultConfig("")
	cfg.InMemory = true
	cfg.Registry = reg
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// rawObject renders instruction words as a flat object file.
func rawObject(ws ...uint64) []byte {
	out := make([]byte, len(ws)*8)
	for i, w := range ws {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

func TestPutGet(t *testing.T) {
	s := openStore(t, nil)

	object := rawObject(
		ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, 7),
		ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),
	)

	meta, err := s.Put("seven.bin", object)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if meta.ID != types.ComputeProgramID(object) {
		t.Error("meta id does not match the object digest")
	}
	if meta.Name != "seven.bin" {
		t.Errorf("Name = %q, want %q", meta.Name, "seven.bin")
	}
	if meta.Format != FormatRaw {
		t.Errorf("Format = %q, want %q", meta.Format, FormatRaw)
	}
	if meta.Size != len(object) {
		t.Errorf("Size = %d, want %d", meta.Size, len(object))
	}
	if meta.StoredSize == 0 {
		t.Error("StoredSize is zero")
	}
	if meta.Insns != 2 || meta.Entry != 0 {
		t.Errorf("Insns, Entry = %d, %d, want 2, 0", meta.Insns, meta.Entry)
	}
	if meta.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero")
	}

	got, err := s.Get(meta.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, object) {
		t.Error("Get returned different bytes than stored")
	}

	info, err := s.Info(meta.ID)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.ID != meta.ID || info.Name != meta.Name || info.Insns != meta.Insns {
		t.Error("Info does not match the metadata returned by Put")
	}

	exists, err := s.Has(meta.ID)
	if err != nil || !exists {
		t.Errorf("Has = %v, %v, want true, nil", exists, err)
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}
}

func TestPutIdempotent(t *testing.T) {
	s := openStore(t, nil)

	object := rawObject(ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0))

	first, err := s.Put("a.bin", object)
	if err != nil {
		t.Fatalf("first Put failed: %v", err)
	}
	second, err := s.Put("b.bin", object)
	if err != nil {
		t.Fatalf("second Put failed: %v", err)
	}

	if second.ID != first.ID {
		t.Error("same bytes produced different ids")
	}
	// The second Put returns the existing entry, original name included.
	if second.Name != "a.bin" {
		t.Errorf("Name = %q, want %q", second.Name, "a.bin")
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Error("CreatedAt changed on re-admission")
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}
}

func TestPutRejectsInvalid(t *testing.T) {
	reg := vm.NewRegistry()
	nop := vm.SyscallFunc(func(c vm.Caller, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, nil
	})
	if _, err := reg.Register("probe", nop); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	s := openStore(t, reg)

	tests := []struct {
		name   string
		object []byte
		want   error
	}{
		{
			name:   "misaligned",
			object: make([]byte, 12),
			want:   loader.ErrMisalignedText,
		},
		{
			name:   "no exit",
			object: rawObject(ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, 0)),
			want:   vm.ErrFallthroughEnd,
		},
		{
			name: "unknown syscall",
			object: rawObject(
				ebpf.Encode(ebpf.OpCall, 0, 0, 0, 999),
				ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),
			),
			want: vm.ErrUnknownSyscall,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Put(tc.name, tc.object); !errors.Is(err, tc.want) {
				t.Errorf("Put() = %v, want %v", err, tc.want)
			}
		})
	}

	if s.Count() != 0 {
		t.Errorf("Count after rejected puts = %d, want 0", s.Count())
	}
}

func TestPutAcceptsRegisteredCall(t *testing.T) {
	reg := vm.NewRegistry()
	nop := vm.SyscallFunc(func(c vm.Caller, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 0, nil
	})
	id, err := reg.Register("probe", nop)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	s := openStore(t, reg)

	object := rawObject(
		ebpf.Encode(ebpf.OpCall, 0, 0, 0, int32(id)),
		ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),
	)
	if _, err := s.Put("probe.bin", object); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := openStore(t, nil)

	object := rawObject(ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0))
	meta, err := s.Put("x.bin", object)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := s.Delete(meta.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(meta.ID); !errors.Is(err, ErrProgramNotFound) {
		t.Errorf("Get after delete = %v, want ErrProgramNotFound", err)
	}
	if _, err := s.Info(meta.ID); !errors.Is(err, ErrProgramNotFound) {
		t.Errorf("Info after delete = %v, want ErrProgramNotFound", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count = %d, want 0", s.Count())
	}

	if err := s.Delete(meta.ID); !errors.Is(err, ErrProgramNotFound) {
		t.Errorf("second Delete = %v, want ErrProgramNotFound", err)
	}
}

func TestList(t *testing.T) {
	s := openStore(t, nil)

	want := make(map[types.ProgramID]bool)
	for i := int32(1); i <= 3; i++ {
		object := rawObject(
			ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, i),
			ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),
		)
		meta, err := s.Put("prog.bin", object)
		if err != nil {
			t.Fatalf("Put %d failed: %v", i, err)
		}
		want[meta.ID] = true
	}

	metas, err := s.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(metas) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(metas))
	}
	for _, m := range metas {
		if !want[m.ID] {
			t.Errorf("List returned unexpected id %s", m.ID)
		}
	}
	for i := 0; i < len(metas)-1; i++ {
		if metas[i].CreatedAt.Before(metas[i+1].CreatedAt) {
			t.Error("List is not ordered newest first")
		}
	}
}

func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	object := rawObject(
		ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, 1),
		ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),
	)
	meta, err := s.Put("persist.bin", object)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.Count() != 1 {
		t.Errorf("Count after reopen = %d, want 1", reopened.Count())
	}
	got, err := reopened.Get(meta.ID)
	if err != nil {
		t.Fatalf("Get after reopen failed: %v", err)
	}
	if !bytes.Equal(got, object) {
		t.Error("stored bytes changed across reopen")
	}
}

func TestClosed(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.InMemory = true
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	var id types.ProgramID
	if _, err := s.Put("x", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Put = %v, want ErrClosed", err)
	}
	if _, err := s.Get(id); !errors.Is(err, ErrClosed) {
		t.Errorf("Get = %v, want ErrClosed", err)
	}
	if _, err := s.List(); !errors.Is(err, ErrClosed) {
		t.Errorf("List = %v, want ErrClosed", err)
	}
	if err := s.Delete(id); !errors.Is(err, ErrClosed) {
		t.Errorf("Delete = %v, want ErrClosed", err)
	}
	if err := s.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}
