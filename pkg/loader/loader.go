// Package loader parses program object files into raw programs for
// verification.
//
// Two input formats are accepted: ELF64 objects as emitted by
// clang -target bpf, and flat little-endian instruction words as written
// by the assembler. The loader decodes sections, resolves call and data
// relocations, and extracts function symbols; the verifier decides
// whether the result may run.
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fortiblox/ebpfvm/pkg/ebpf"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// ELF magic bytes.
var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// ELF identity and type values the loader accepts.
const (
	elfClass64     = 2   // 64-bit
	elfDataLSB     = 1   // Little endian
	elfMachineBPF  = 247 // eBPF
	elfMachineSBPF = 263 // BPF machine id used by some toolchains
	elfTypeRel     = 1   // Relocatable object
	elfTypeExec    = 2   // Executable
	elfTypeDyn     = 3   // Shared object
)

// Section and symbol table values.
const (
	shtRela   = 4   // Relocations with explicit addends
	shtNobits = 8   // .bss, no bytes in the file
	shfAlloc  = 0x2 // Section occupies memory at run time
	sttFunc   = 2   // Function symbol
)

// BPF relocation types.
const (
	rBPF64_64    = 1  // 64-bit address into an lddw pair
	rBPF64_32    = 10 // Call immediate by symbol name hash
	rBPFRelative = 8  // Program-base adjustment of an lddw pair
)

// Loader errors.
var (
	ErrInvalidELF         = errors.New("invalid ELF file")
	ErrUnsupportedClass   = errors.New("unsupported ELF class")
	ErrUnsupportedEndian  = errors.New("unsupported ELF endianness")
	ErrUnsupportedMachine = errors.New("unsupported machine type")
	ErrNoTextSection      = errors.New("no .text section")
	ErrInvalidSection     = errors.New("invalid section")
	ErrTooLarge           = errors.New("object too large")
	ErrMisalignedText     = errors.New("text length not a multiple of 8")
)

// Maximum sizes.
const (
	MaxObjectSize  = 10 * 1024 * 1024 // Maximum file and memory image size
	MaxSections    = 256              // Maximum number of sections
	MaxSymbols     = 100000           // Maximum number of symbols
	MaxRelocations = 100000           // Maximum number of relocations
)

// EntrypointSymbol overrides the header entry field when present.
const EntrypointSymbol = "entrypoint"

// elfHeader holds the ELF64 header fields the loader consumes.
type elfHeader struct {
	class     uint8
	data      uint8
	typ       uint16
	machine   uint16
	entry     uint64
	shoff     uint64
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

// sectionHeader holds the ELF64 section header fields the loader consumes.
type sectionHeader struct {
	name    uint32
	typ     uint32
	flags   uint64
	addr    uint64
	offset  uint64
	size    uint64
	entsize uint64
}

// symbol is an ELF64 symbol table entry.
type symbol struct {
	name  uint32
	info  uint8
	shndx uint16
	value uint64
}

// rela is one relocation, with the addend zero for implicit-addend
// sections.
type rela struct {
	offset uint64
	info   uint64
	addend int64
}

// Object is a parsed program file.
type Object struct {
	// Program is the decoded text, entry point, memory image and
	// function map, ready for verification.
	Program *vm.Program

	// Syscalls lists the call ids of external symbols the program
	// references, in first-use order.
	Syscalls []uint32
}

// IsELF reports whether data begins with the ELF magic.
func IsELF(data []byte) bool {
	return len(data) >= 4 && bytes.Equal(data[:4], elfMagic)
}

// LoadRaw decodes flat little-endian instruction words. The entry point
// is instruction zero and there is no separate data image.
func LoadRaw(data []byte) (*vm.Program, error) {
	if len(data) > MaxObjectSize {
		return nil, ErrTooLarge
	}
	if len(data)%8 != 0 {
		return nil, ErrMisalignedText
	}
	n := len(data) / 8
	if n > ebpf.MaxInsns {
		return nil, fmt.Errorf("%w: %d instructions", ErrTooLarge, n)
	}

	text := make([]uint64, n)
	for i := range text {
		text[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return &vm.Program{Text: text}, nil
}

// Load parses an ELF object and returns the decoded program together
// with its external call requirements.
func Load(data []byte) (*Object, error) {
	if len(data) > MaxObjectSize {
		return nil, ErrTooLarge
	}

	hdr, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if err := validateHeader(hdr); err != nil {
		return nil, err
	}

	sections, err := parseSectionHeaders(data, hdr)
	if err != nil {
		return nil, err
	}
	names, err := sectionNames(data, sections, hdr.shstrndx)
	if err != nil {
		return nil, err
	}

	textIdx := findSection(names, ".text")
	if textIdx < 0 {
		return nil, ErrNoTextSection
	}
	textSec := &sections[textIdx]

	text, err := extractText(data, textSec)
	if err != nil {
		return nil, err
	}
	image, err := buildImage(data, sections)
	if err != nil {
		return nil, err
	}

	// Prefer the static symbol table, fall back to the dynamic one.
	symbols, strtab, err := loadSymbols(data, sections, names)
	if err != nil {
		return nil, err
	}

	entry := int64(0)
	if hdr.entry >= textSec.addr {
		entry = int64((hdr.entry - textSec.addr) / 8)
	}

	functions := make(map[uint32]int64)
	for _, sym := range symbols {
		if sym.info&0xf != sttFunc || sym.shndx != uint16(textIdx) {
			continue
		}
		if sym.value < textSec.addr {
			continue
		}
		idx := int64((sym.value - textSec.addr) / 8)
		if idx >= int64(len(text)) {
			continue
		}
		name := symbolName(strtab, sym.name)
		if name == "" {
			continue
		}
		functions[vm.HashName(name)] = idx
		if name == EntrypointSymbol {
			entry = idx
		}
	}

	var syscalls []uint32
	for _, relName := range []string{".rel.text", ".rela.text", ".rel.dyn", ".rela.dyn"} {
		idx := findSection(names, relName)
		if idx < 0 {
			continue
		}
		if err := applyRelocations(data, &sections[idx], text, textSec.addr, symbols, strtab, &syscalls); err != nil {
			return nil, err
		}
	}
	syscalls = dedupe(syscalls)

	// The image must expose the relocated text.
	writeText(image, textSec.addr, text)

	return &Object{
		Program: &vm.Program{
			Text:      text,
			Entry:     entry,
			RO:        image,
			Functions: functions,
		},
		Syscalls: syscalls,
	}, nil
}

// inFile reports whether the [off, off+size) byte range lies inside
// data, rejecting offset arithmetic that wraps.
func inFile(data []byte, off, size uint64) bool {
	return off+size >= off && off+size <= uint64(len(data))
}

// parseHeader decodes and sanity-checks the fixed 64-byte ELF header.
func parseHeader(data []byte) (*elfHeader, error) {
	if len(data) < 64 {
		return nil, ErrInvalidELF
	}
	if !bytes.Equal(data[0:4], elfMagic) {
		return nil, ErrInvalidELF
	}

	return &elfHeader{
		class:     data[4],
		data:      data[5],
		typ:       binary.LittleEndian.Uint16(data[16:18]),
		machine:   binary.LittleEndian.Uint16(data[18:20]),
		entry:     binary.LittleEndian.Uint64(data[24:32]),
		shoff:     binary.LittleEndian.Uint64(data[40:48]),
		shentsize: binary.LittleEndian.Uint16(data[58:60]),
		shnum:     binary.LittleEndian.Uint16(data[60:62]),
		shstrndx:  binary.LittleEndian.Uint16(data[62:64]),
	}, nil
}

func validateHeader(h *elfHeader) error {
	if h.class != elfClass64 {
		return ErrUnsupportedClass
	}
	if h.data != elfDataLSB {
		return ErrUnsupportedEndian
	}
	if h.machine != elfMachineBPF && h.machine != elfMachineSBPF {
		return fmt.Errorf("%w: %d", ErrUnsupportedMachine, h.machine)
	}
	if h.typ != elfTypeRel && h.typ != elfTypeExec && h.typ != elfTypeDyn {
		return fmt.Errorf("%w: ELF type %d", ErrInvalidELF, h.typ)
	}
	return nil
}

func parseSectionHeaders(data []byte, hdr *elfHeader) ([]sectionHeader, error) {
	if hdr.shnum == 0 {
		return nil, nil
	}
	if hdr.shnum > MaxSections {
		return nil, fmt.Errorf("%w: %d sections", ErrInvalidELF, hdr.shnum)
	}
	if hdr.shentsize < 64 {
		return nil, fmt.Errorf("%w: section header entry size %d", ErrInvalidELF, hdr.shentsize)
	}
	if !inFile(data, hdr.shoff, uint64(hdr.shentsize)*uint64(hdr.shnum)) {
		return nil, ErrInvalidELF
	}

	sections := make([]sectionHeader, hdr.shnum)
	for i := range sections {
		off := hdr.shoff + uint64(i)*uint64(hdr.shentsize)
		sections[i] = sectionHeader{
			name:    binary.LittleEndian.Uint32(data[off : off+4]),
			typ:     binary.LittleEndian.Uint32(data[off+4 : off+8]),
			flags:   binary.LittleEndian.Uint64(data[off+8 : off+16]),
			addr:    binary.LittleEndian.Uint64(data[off+16 : off+24]),
			offset:  binary.LittleEndian.Uint64(data[off+24 : off+32]),
			size:    binary.LittleEndian.Uint64(data[off+32 : off+40]),
			entsize: binary.LittleEndian.Uint64(data[off+56 : off+64]),
		}
	}
	return sections, nil
}

// sectionNames resolves every section's name through the section name
// string table.
func sectionNames(data []byte, sections []sectionHeader, shstrndx uint16) ([]string, error) {
	if int(shstrndx) >= len(sections) {
		return nil, ErrInvalidSection
	}
	strtab := &sections[shstrndx]
	if !inFile(data, strtab.offset, strtab.size) {
		return nil, ErrInvalidSection
	}
	table := data[strtab.offset : strtab.offset+strtab.size]

	names := make([]string, len(sections))
	for i, sec := range sections {
		names[i] = tableString(table, sec.name)
	}
	return names, nil
}

func findSection(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}

// extractSection copies a section's bytes, materializing .bss as zeroes.
func extractSection(data []byte, sec *sectionHeader) ([]byte, error) {
	if sec.typ == shtNobits {
		return make([]byte, sec.size), nil
	}
	if !inFile(data, sec.offset, sec.size) {
		return nil, ErrInvalidSection
	}
	out := make([]byte, sec.size)
	copy(out, data[sec.offset:sec.offset+sec.size])
	return out, nil
}

// extractText decodes the text section into instruction words.
func extractText(data []byte, sec *sectionHeader) ([]uint64, error) {
	raw, err := extractSection(data, sec)
	if err != nil {
		return nil, err
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("%w: .text", ErrMisalignedText)
	}
	n := len(raw) / 8
	if n > ebpf.MaxInsns {
		return nil, fmt.Errorf("%w: %d instructions", ErrTooLarge, n)
	}

	text := make([]uint64, n)
	for i := range text {
		text[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return text, nil
}

// buildImage lays every alloc section out at its virtual address to form
// the program region contents.
func buildImage(data []byte, sections []sectionHeader) ([]byte, error) {
	var top uint64
	for i := range sections {
		sec := &sections[i]
		if sec.flags&shfAlloc == 0 {
			continue
		}
		end := sec.addr + sec.size
		if end < sec.addr {
			return nil, ErrInvalidSection
		}
		if end > top {
			top = end
		}
	}
	if top > MaxObjectSize {
		return nil, fmt.Errorf("%w: %d byte image", ErrTooLarge, top)
	}

	image := make([]byte, top)
	for i := range sections {
		sec := &sections[i]
		if sec.flags&shfAlloc == 0 || sec.typ == shtNobits || sec.size == 0 {
			continue
		}
		if !inFile(data, sec.offset, sec.size) {
			return nil, ErrInvalidSection
		}
		copy(image[sec.addr:], data[sec.offset:sec.offset+sec.size])
	}
	return image, nil
}

// writeText copies relocated instruction words back into the image.
func writeText(image []byte, textAddr uint64, text []uint64) {
	for i, w := range text {
		off := textAddr + uint64(i)*8
		if off+8 > uint64(len(image)) {
			return
		}
		binary.LittleEndian.PutUint64(image[off:], w)
	}
}

// loadSymbols returns the symbol table and its string table, preferring
// .symtab over .dynsym. Objects without symbols yield empty tables.
func loadSymbols(data []byte, sections []sectionHeader, names []string) ([]symbol, []byte, error) {
	for _, pair := range [][2]string{{".symtab", ".strtab"}, {".dynsym", ".dynstr"}} {
		symIdx := findSection(names, pair[0])
		strIdx := findSection(names, pair[1])
		if symIdx < 0 || strIdx < 0 {
			continue
		}
		symbols, err := parseSymbols(data, &sections[symIdx])
		if err != nil {
			return nil, nil, err
		}
		strtab, err := extractSection(data, &sections[strIdx])
		if err != nil {
			return nil, nil, err
		}
		return symbols, strtab, nil
	}
	return nil, nil, nil
}

func parseSymbols(data []byte, sec *sectionHeader) ([]symbol, error) {
	entsize := sec.entsize
	if entsize == 0 {
		entsize = 24
	}
	if entsize < 24 {
		return nil, fmt.Errorf("%w: symbol entry size %d", ErrInvalidSection, entsize)
	}
	if !inFile(data, sec.offset, sec.size) {
		return nil, ErrInvalidSection
	}

	n := sec.size / entsize
	if n > MaxSymbols {
		return nil, fmt.Errorf("%w: %d symbols", ErrInvalidELF, n)
	}

	symbols := make([]symbol, n)
	for i := range symbols {
		off := sec.offset + uint64(i)*entsize
		symbols[i] = symbol{
			name:  binary.LittleEndian.Uint32(data[off : off+4]),
			info:  data[off+4],
			shndx: binary.LittleEndian.Uint16(data[off+6 : off+8]),
			value: binary.LittleEndian.Uint64(data[off+8 : off+16]),
		}
	}
	return symbols, nil
}

// tableString reads a NUL-terminated string at a string table offset.
func tableString(table []byte, off uint32) string {
	if off >= uint32(len(table)) {
		return ""
	}
	end := bytes.IndexByte(table[off:], 0)
	if end == -1 {
		end = len(table) - int(off)
	}
	return string(table[off : off+uint32(end)])
}

func symbolName(strtab []byte, off uint32) string {
	return tableString(strtab, off)
}

// applyRelocations patches text words in place. Call relocations become
// murmur3 name hashes; address relocations gain the program region base
// so wide loads resolve inside the mapped image.
func applyRelocations(data []byte, sec *sectionHeader, text []uint64, textAddr uint64, symbols []symbol, strtab []byte, syscalls *[]uint32) error {
	explicit := sec.typ == shtRela
	entsize := sec.entsize
	if entsize == 0 {
		if explicit {
			entsize = 24
		} else {
			entsize = 16
		}
	}
	if entsize < 16 || (explicit && entsize < 24) {
		return fmt.Errorf("%w: relocation entry size %d", ErrInvalidSection, entsize)
	}
	if !inFile(data, sec.offset, sec.size) {
		return ErrInvalidSection
	}

	n := sec.size / entsize
	if n > MaxRelocations {
		return fmt.Errorf("%w: %d relocations", ErrInvalidELF, n)
	}

	for i := uint64(0); i < n; i++ {
		off := sec.offset + i*entsize
		r := rela{
			offset: binary.LittleEndian.Uint64(data[off : off+8]),
			info:   binary.LittleEndian.Uint64(data[off+8 : off+16]),
		}
		if explicit {
			r.addend = int64(binary.LittleEndian.Uint64(data[off+16 : off+24]))
		}

		symIdx := r.info >> 32
		relType := uint32(r.info)
		if symIdx >= uint64(len(symbols)) {
			continue
		}
		sym := &symbols[symIdx]

		// Offsets are text-relative in relocatable objects and
		// virtual addresses in shared objects.
		byteOff := r.offset
		if byteOff >= textAddr {
			byteOff -= textAddr
		}
		insIdx := byteOff / 8
		if insIdx >= uint64(len(text)) {
			continue
		}

		switch relType {
		case rBPF64_32:
			id := vm.HashName(symbolName(strtab, sym.name))
			if sym.shndx == 0 {
				*syscalls = append(*syscalls, id)
			}
			text[insIdx] = text[insIdx]&0x00000000FFFFFFFF | uint64(id)<<32

		case rBPF64_64:
			if insIdx+1 >= uint64(len(text)) {
				continue
			}
			addend := r.addend
			if !explicit {
				// The implicit addend lives in the low imm slot.
				addend = int64(ebpf.Instruction(text[insIdx]).Imm())
			}
			target := sym.value + uint64(addend)
			if target < vm.VaddrProgram {
				target += vm.VaddrProgram
			}
			patchWide(text, insIdx, target)

		case rBPFRelative:
			if insIdx+1 >= uint64(len(text)) {
				continue
			}
			lo := ebpf.Instruction(text[insIdx])
			hi := ebpf.Instruction(text[insIdx+1])
			target := ebpf.WideImm(lo, hi)
			if target < vm.VaddrProgram {
				target += vm.VaddrProgram
			}
			patchWide(text, insIdx, target)
		}
	}
	return nil
}

// patchWide writes a 64-bit constant across an lddw pair's immediate
// fields.
func patchWide(text []uint64, insIdx uint64, v uint64) {
	text[insIdx] = text[insIdx]&0x00000000FFFFFFFF | uint64(uint32(v))<<32
	text[insIdx+1] = text[insIdx+1]&0x00000000FFFFFFFF | uint64(uint32(v>>32))<<32
}

// dedupe keeps the first occurrence of each id.
func dedupe(ids []uint32) []uint32 {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[uint32]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
