package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/ebpfvm/pkg/ebpf"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// bSection describes one section for the test object builder.
type bSection struct {
	name    string
	typ     uint32
	flags   uint64
	addr    uint64
	entsize uint64
	data    []byte
}

// buildELF assembles a little-endian ELF64 object from sections,
// prepending the null section and appending .shstrtab.
func buildELF(t *testing.T, typ uint16, entry uint64, secs []bSection) []byte {
	t.Helper()

	all := make([]bSection, 0, len(secs)+2)
	all = append(all, bSection{})
	all = append(all, secs...)
	all = append(all, bSection{name: ".shstrtab", typ: 3})

	strs := []byte{0}
	nameOff := make([]uint32, len(all))
	for i, s := range all {
		if s.name == "" {
			continue
		}
		nameOff[i] = uint32(len(strs))
		strs = append(strs, s.name...)
		strs = append(strs, 0)
	}
	all[len(all)-1].data = strs

	// Lay section bytes out after the header, 8-aligned.
	off := uint64(64)
	offs := make([]uint64, len(all))
	var body []byte
	for i, s := range all {
		off = (off + 7) &^ 7
		offs[i] = off
		body = append(body, make([]byte, int(off)-64-len(body))...)
		body = append(body, s.data...)
		off += uint64(len(s.data))
	}
	shoff := (off + 7) &^ 7
	body = append(body, make([]byte, int(shoff)-64-len(body))...)

	for i, s := range all {
		sh := make([]byte, 64)
		binary.LittleEndian.PutUint32(sh[0:], nameOff[i])
		binary.LittleEndian.PutUint32(sh[4:], s.typ)
		binary.LittleEndian.PutUint64(sh[8:], s.flags)
		binary.LittleEndian.PutUint64(sh[16:], s.addr)
		binary.LittleEndian.PutUint64(sh[24:], offs[i])
		binary.LittleEndian.PutUint64(sh[32:], uint64(len(s.data)))
		binary.LittleEndian.PutUint64(sh[56:], s.entsize)
		body = append(body, sh...)
	}

	hdr := make([]byte, 64)
	copy(hdr[0:4], elfMagic)
	hdr[4] = elfClass64
	hdr[5] = elfDataLSB
	hdr[6] = 1
	binary.LittleEndian.PutUint16(hdr[16:], typ)
	binary.LittleEndian.PutUint16(hdr[18:], elfMachineBPF)
	binary.LittleEndian.PutUint32(hdr[20:], 1)
	binary.LittleEndian.PutUint64(hdr[24:], entry)
	binary.LittleEndian.PutUint64(hdr[40:], shoff)
	binary.LittleEndian.PutUint16(hdr[58:], 64)
	binary.LittleEndian.PutUint16(hdr[60:], uint16(len(all)))
	binary.LittleEndian.PutUint16(hdr[62:], uint16(len(all)-1))

	return append(hdr, body...)
}

// words renders instruction words little-endian.
func words(ws ...uint64) []byte {
	out := make([]byte, len(ws)*8)
	for i, w := range ws {
		binary.LittleEndian.PutUint64(out[i*8:], w)
	}
	return out
}

// sym encodes one ELF64 symbol table entry.
func sym(nameOff uint32, info uint8, shndx uint16, value uint64) []byte {
	b := make([]byte, 24)
	binary.LittleEndian.PutUint32(b[0:], nameOff)
	b[4] = info
	binary.LittleEndian.PutUint16(b[6:], shndx)
	binary.LittleEndian.PutUint64(b[8:], value)
	return b
}

// rel encodes one implicit-addend relocation entry.
func rel(off uint64, symIdx uint32, typ uint32) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:], off)
	binary.LittleEndian.PutUint64(b[8:], uint64(symIdx)<<32|uint64(typ))
	return b
}

// TestLoadRaw tests the flat instruction word format.
func TestLoadRaw(t *testing.T) {
	text := []uint64{
		ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, 7), // r0 = 7
		ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),     // exit
	}

	prog, err := LoadRaw(words(text...))
	if err != nil {
		t.Fatalf("LoadRaw() failed: %v", err)
	}
	if prog.Entry != 0 {
		t.Errorf("Entry = %d, want 0", prog.Entry)
	}
	if len(prog.Text) != 2 || prog.Text[0] != text[0] || prog.Text[1] != text[1] {
		t.Errorf("Text = %#x, want %#x", prog.Text, text)
	}

	exec, err := vm.NewExecutable(prog, nil)
	if err != nil {
		t.Fatalf("NewExecutable() failed: %v", err)
	}
	m, err := vm.New(exec, vm.DefaultConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if r0, err := m.Run(); err != nil || r0 != 7 {
		t.Errorf("Run() = %d, %v, want 7, nil", r0, err)
	}

	if _, err := LoadRaw(make([]byte, 12)); !errors.Is(err, ErrMisalignedText) {
		t.Errorf("LoadRaw(misaligned) = %v, want ErrMisalignedText", err)
	}
	if _, err := LoadRaw(make([]byte, (ebpf.MaxInsns+1)*8)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("LoadRaw(oversized) = %v, want ErrTooLarge", err)
	}
}

// TestIsELF tests format detection.
func TestIsELF(t *testing.T) {
	if !IsELF([]byte{0x7f, 'E', 'L', 'F', 0, 0}) {
		t.Error("IsELF(magic) = false, want true")
	}
	if IsELF([]byte{0x7f, 'E', 'L'}) {
		t.Error("IsELF(short) = true, want false")
	}
	if IsELF(words(ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0))) {
		t.Error("IsELF(raw words) = true, want false")
	}
}

// TestLoadObject tests a full relocatable object: call and wide-load
// relocations, function symbols, the memory image, and a run of the
// result.
func TestLoadObject(t *testing.T) {
	text := []uint64{
		ebpf.Encode(ebpf.OpCall, 0, 0, 0, 0),     // call out_fn (relocated)
		ebpf.Encode(ebpf.OpLddw, 1, 0, 0, 16),    // r1 = table+16 (relocated)
		0,                                        //
		ebpf.Encode(ebpf.OpLdxb, 2, 1, 0, 0),     // r2 = *(u8 *)(r1)
		ebpf.Encode(ebpf.OpAdd64Reg, 0, 2, 0, 0), // r0 += r2
		ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),     // exit
	}

	rodata := make([]byte, 32)
	for i := range rodata {
		rodata[i] = byte(i)
	}

	strtab := []byte("\x00entrypoint\x00out_fn\x00table\x00")
	symtab := bytes.Join([][]byte{
		sym(0, 0, 0, 0),
		sym(1, 0x12, 1, 0),       // entrypoint: func in .text
		sym(12, 0x10, 0, 0),      // out_fn: external
		sym(19, 0x11, 2, 0x1000), // table: object in .rodata
	}, nil)
	relocs := bytes.Join([][]byte{
		rel(0, 2, rBPF64_32),
		rel(8, 3, rBPF64_64),
	}, nil)

	blob := buildELF(t, elfTypeRel, 0, []bSection{
		{name: ".text", typ: 1, flags: 0x6, addr: 0, data: words(text...)},
		{name: ".rodata", typ: 1, flags: 0x2, addr: 0x1000, data: rodata},
		{name: ".symtab", typ: 2, entsize: 24, data: symtab},
		{name: ".strtab", typ: 3, data: strtab},
		{name: ".rel.text", typ: 9, entsize: 16, data: relocs},
	})

	obj, err := Load(blob)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	prog := obj.Program

	if prog.Entry != 0 {
		t.Errorf("Entry = %d, want 0", prog.Entry)
	}

	wantID := vm.HashName("out_fn")
	if got := ebpf.Instruction(prog.Text[0]).Uimm(); got != wantID {
		t.Errorf("call imm = 0x%08x, want 0x%08x", got, wantID)
	}
	if len(obj.Syscalls) != 1 || obj.Syscalls[0] != wantID {
		t.Errorf("Syscalls = %#x, want [0x%08x]", obj.Syscalls, wantID)
	}

	wantAddr := vm.VaddrProgram + 0x1000 + 16
	if got := ebpf.WideImm(ebpf.Instruction(prog.Text[1]), ebpf.Instruction(prog.Text[2])); got != wantAddr {
		t.Errorf("wide imm = 0x%x, want 0x%x", got, wantAddr)
	}

	if got, ok := prog.Functions[vm.HashName("entrypoint")]; !ok || got != 0 {
		t.Errorf("Functions[entrypoint] = %d, %v, want 0, true", got, ok)
	}

	// The image holds the relocated text and the rodata bytes at their
	// virtual addresses.
	if got := binary.LittleEndian.Uint64(prog.RO[0:8]); got != prog.Text[0] {
		t.Errorf("image word 0 = %#x, want %#x", got, prog.Text[0])
	}
	if !bytes.Equal(prog.RO[0x1000:0x1000+32], rodata) {
		t.Error("image rodata does not match section contents")
	}

	// The loaded program runs: out_fn returns 42 and the wide load
	// lands on rodata[16].
	reg := vm.NewRegistry()
	outFn := vm.SyscallFunc(func(c vm.Caller, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		return 42, nil
	})
	if _, err := reg.Register("out_fn", outFn); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	exec, err := vm.NewExecutable(prog, reg)
	if err != nil {
		t.Fatalf("NewExecutable() failed: %v", err)
	}
	m, err := vm.New(exec, vm.DefaultConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	r0, err := m.Run()
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if r0 != 58 {
		t.Errorf("r0 = %d, want 58", r0)
	}
}

// TestLoadEntrypointSymbol tests that an entrypoint symbol overrides the
// header entry field.
func TestLoadEntrypointSymbol(t *testing.T) {
	text := []uint64{
		ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),     // exit
		ebpf.Encode(ebpf.OpMov64Imm, 0, 0, 0, 9), // r0 = 9
		ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0),     // exit
	}
	strtab := []byte("\x00entrypoint\x00")
	symtab := bytes.Join([][]byte{
		sym(0, 0, 0, 0),
		sym(1, 0x12, 1, 8), // entrypoint at instruction 1
	}, nil)

	blob := buildELF(t, elfTypeRel, 0, []bSection{
		{name: ".text", typ: 1, flags: 0x6, data: words(text...)},
		{name: ".symtab", typ: 2, entsize: 24, data: symtab},
		{name: ".strtab", typ: 3, data: strtab},
	})

	obj, err := Load(blob)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if obj.Program.Entry != 1 {
		t.Errorf("Entry = %d, want 1", obj.Program.Entry)
	}

	exec, err := vm.NewExecutable(obj.Program, nil)
	if err != nil {
		t.Fatalf("NewExecutable() failed: %v", err)
	}
	m, err := vm.New(exec, vm.DefaultConfig())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if r0, err := m.Run(); err != nil || r0 != 9 {
		t.Errorf("Run() = %d, %v, want 9, nil", r0, err)
	}
}

// TestLoadSharedObject tests virtual-address relocation offsets and the
// entry calculation for a nonzero text base.
func TestLoadSharedObject(t *testing.T) {
	text := []uint64{
		ebpf.Encode(ebpf.OpCall, 0, 0, 0, 0), // call helper (relocated)
		ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0), // exit
	}
	strtab := []byte("\x00helper\x00")
	symtab := bytes.Join([][]byte{
		sym(0, 0, 0, 0),
		sym(1, 0x10, 0, 0), // helper: external
	}, nil)
	relocs := rel(0x2000, 1, rBPF64_32) // virtual address of slot 0

	blob := buildELF(t, elfTypeDyn, 0x2008, []bSection{
		{name: ".text", typ: 1, flags: 0x6, addr: 0x2000, data: words(text...)},
		{name: ".dynsym", typ: 11, entsize: 24, data: symtab},
		{name: ".dynstr", typ: 3, data: strtab},
		{name: ".rel.dyn", typ: 9, entsize: 16, data: relocs},
	})

	obj, err := Load(blob)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if obj.Program.Entry != 1 {
		t.Errorf("Entry = %d, want 1", obj.Program.Entry)
	}

	wantID := vm.HashName("helper")
	if got := ebpf.Instruction(obj.Program.Text[0]).Uimm(); got != wantID {
		t.Errorf("call imm = 0x%08x, want 0x%08x", got, wantID)
	}
	if len(obj.Syscalls) != 1 || obj.Syscalls[0] != wantID {
		t.Errorf("Syscalls = %#x, want [0x%08x]", obj.Syscalls, wantID)
	}
}

// TestLoadErrors tests malformed inputs.
func TestLoadErrors(t *testing.T) {
	good := buildELF(t, elfTypeRel, 0, []bSection{
		{name: ".text", typ: 1, flags: 0x6, data: words(ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0))},
	})
	if _, err := Load(good); err != nil {
		t.Fatalf("Load(good) failed: %v", err)
	}

	mutate := func(idx int, v byte) []byte {
		b := append([]byte(nil), good...)
		b[idx] = v
		return b
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrInvalidELF},
		{"truncated", good[:40], ErrInvalidELF},
		{"bad magic", make([]byte, 64), ErrInvalidELF},
		{"bad class", mutate(4, 1), ErrUnsupportedClass},
		{"bad endianness", mutate(5, 2), ErrUnsupportedEndian},
		{"bad machine", mutate(18, 62), ErrUnsupportedMachine},
		{"no text", buildELF(t, elfTypeRel, 0, []bSection{
			{name: ".data", typ: 1, flags: 0x2, data: []byte{1, 2, 3}},
		}), ErrNoTextSection},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(tc.data); !errors.Is(err, tc.want) {
				t.Errorf("Load() = %v, want %v", err, tc.want)
			}
		})
	}
}
