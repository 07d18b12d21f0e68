// Package asm assembles clang-style eBPF assembly text into instruction
// words. The accepted dialect matches what clang -target bpf -S emits,
// with labels for jump and call targets.
package asm

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer/stateful"

	"github.com/fortiblox/ebpfvm/pkg/ebpf"
)

var (
	asmLexer = stateful.MustSimple([]stateful.Rule{
		{Name: "Comment", Pattern: `(?:#|//)[^\n]*`, Action: nil},
		{Name: "Register32", Pattern: `w[0-9]{1,2}`, Action: nil},
		{Name: "Register64", Pattern: `r[0-9]{1,2}`, Action: nil},
		{Name: "Number", Pattern: `0x[0-9a-fA-F]+|0b[01]+|[0-9]+`, Action: nil},
		{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`, Action: nil},
		{Name: "LabelEnd", Pattern: `:`, Action: nil},
		{Name: "Punct", Pattern: `[-+*/%&|^=<>!(),.]`, Action: nil},
		{Name: "Whitespace", Pattern: `[ \t\r]+`, Action: nil},
		{Name: "Newline", Pattern: `\n`, Action: nil},
	})
	asmParser = participle.MustBuild(&asmFile{},
		participle.Lexer(asmLexer),
		participle.Elide("Comment", "Whitespace"),
		participle.UseLookahead(100),
	)
)

// Assemble parses source text and returns the encoded program. The filename
// is only used in error messages.
func Assemble(filename string, reader io.Reader) ([]uint64, error) {
	ast := &asmFile{}
	if err := asmParser.Parse(filename, reader, ast); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	labels := make(map[string]int)

	// First pass assigns each label the index of the instruction that
	// follows it. Wide constants occupy two slots.
	slot := 0
	for _, e := range ast.Entries {
		if e.Label != "" {
			if _, dup := labels[e.Label]; dup {
				return nil, fmt.Errorf("duplicate label %q", e.Label)
			}
			labels[e.Label] = slot
			continue
		}
		if e.Instruction != nil {
			slot += e.Instruction.slots()
		}
	}

	var out []uint64
	slot = 0
	for _, e := range ast.Entries {
		if e.Instruction == nil {
			continue
		}
		words, err := e.Instruction.encode(slot, labels)
		if err != nil {
			return nil, err
		}
		out = append(out, words...)
		slot += len(words)
	}
	return out, nil
}

// AssembleString is a convenience wrapper over Assemble.
func AssembleString(src string) ([]uint64, error) {
	return Assemble("<input>", strings.NewReader(src))
}

type asmFile struct {
	Entries []*asmEntry `parser:"@@*"`
}

type asmEntry struct {
	Label       string          `parser:"( @Ident LabelEnd"`
	Instruction *asmInstruction `parser:"| @@ )? Newline*"`
}

type asmInstruction struct {
	Store  *asmStore  `parser:"  @@"`
	Branch *asmBranch `parser:"| @@"`
	Goto   *asmGoto   `parser:"| @@"`
	Call   *asmCall   `parser:"| @@"`
	Exit   *asmExit   `parser:"| @@"`
	Swap   *asmSwap   `parser:"| @@"`
	Neg    *asmNeg    `parser:"| @@"`
	Load   *asmLoad   `parser:"| @@"`
	Wide   *asmWide   `parser:"| @@"`
	Alu    *asmAlu    `parser:"| @@"`
}

func (i *asmInstruction) slots() int {
	if i.Wide != nil {
		return 2
	}
	return 1
}

func (i *asmInstruction) encode(index int, labels map[string]int) ([]uint64, error) {
	switch {
	case i.Store != nil:
		return i.Store.encode()
	case i.Branch != nil:
		return i.Branch.encode(index, labels)
	case i.Goto != nil:
		return i.Goto.encode(index, labels)
	case i.Call != nil:
		return i.Call.encode(index, labels)
	case i.Exit != nil:
		return []uint64{ebpf.Encode(ebpf.OpExit, 0, 0, 0, 0)}, nil
	case i.Swap != nil:
		return i.Swap.encode()
	case i.Neg != nil:
		return i.Neg.encode()
	case i.Load != nil:
		return i.Load.encode()
	case i.Wide != nil:
		lo, hi := ebpf.EncodeWide(i.Wide.Dst.Num, i.Wide.Imm.Value)
		return []uint64{lo, hi}, nil
	case i.Alu != nil:
		return i.Alu.encode()
	}
	return nil, fmt.Errorf("empty instruction at %d", index)
}

// asmReg captures rN or wN register operands.
type asmReg struct {
	Num  uint8
	Wide bool
}

func (r *asmReg) Capture(values []string) error {
	s := strings.Join(values, "")
	n, err := strconv.Atoi(s[1:])
	if err != nil {
		return err
	}
	if n >= ebpf.NumRegisters {
		return fmt.Errorf("register %s out of range", s)
	}
	r.Num = uint8(n)
	r.Wide = s[0] == 'r'
	return nil
}

// asmImm64 captures a 64-bit immediate in signed or unsigned spelling.
type asmImm64 struct {
	Value uint64
}

func (i *asmImm64) Capture(values []string) error {
	s := strings.Join(values, "")
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		i.Value = v
		return nil
	}
	v, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return fmt.Errorf("bad immediate %q: %w", s, err)
	}
	i.Value = uint64(v)
	return nil
}

type asmAlu struct {
	Dst *asmReg `parser:"@(Register64|Register32)"`
	Op  string  `parser:"@('<' '<'|'>' '>'|'s' '>' '>'|'+'|'-'|'*'|'/'|'%'|'&'|'|'|'^')? '='"`
	Src *asmReg `parser:"( @(Register64|Register32)"`
	Imm *int64  `parser:"| @(('+'|'-')? Number) )"`
}

var aluOps = map[string]uint8{
	"":    ebpf.AluMov,
	"+":   ebpf.AluAdd,
	"-":   ebpf.AluSub,
	"*":   ebpf.AluMul,
	"/":   ebpf.AluDiv,
	"%":   ebpf.AluMod,
	"&":   ebpf.AluAnd,
	"|":   ebpf.AluOr,
	"^":   ebpf.AluXor,
	"<<":  ebpf.AluLsh,
	">>":  ebpf.AluRsh,
	"s>>": ebpf.AluArsh,
}

func (i *asmAlu) encode() ([]uint64, error) {
	op, ok := aluOps[i.Op]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", i.Op)
	}
	class := uint8(ebpf.ClassAlu64)
	if !i.Dst.Wide {
		class = ebpf.ClassAlu
	}

	if i.Src != nil {
		if i.Src.Wide != i.Dst.Wide {
			return nil, fmt.Errorf("mixed register widths in ALU operation")
		}
		return []uint64{ebpf.Encode(class|ebpf.SrcX|op, i.Dst.Num, i.Src.Num, 0, 0)}, nil
	}
	imm, err := imm32(*i.Imm)
	if err != nil {
		return nil, err
	}
	return []uint64{ebpf.Encode(class|ebpf.SrcK|op, i.Dst.Num, 0, 0, imm)}, nil
}

type asmNeg struct {
	Dst *asmReg `parser:"@(Register64|Register32) '=' '-'"`
	Src *asmReg `parser:"@(Register64|Register32)"`
}

func (i *asmNeg) encode() ([]uint64, error) {
	if i.Dst.Num != i.Src.Num || i.Dst.Wide != i.Src.Wide {
		return nil, fmt.Errorf("negation requires matching source and destination")
	}
	op := uint8(ebpf.OpNeg64)
	if !i.Dst.Wide {
		op = ebpf.OpNeg32
	}
	return []uint64{ebpf.Encode(op, i.Dst.Num, 0, 0, 0)}, nil
}

type asmSwap struct {
	Dst  *asmReg `parser:"@Register64 '='"`
	Kind string  `parser:"@('le16'|'le32'|'le64'|'be16'|'be32'|'be64') Register64"`
}

func (i *asmSwap) encode() ([]uint64, error) {
	op := uint8(ebpf.OpLE)
	if i.Kind[0] == 'b' {
		op = ebpf.OpBE
	}
	width, err := strconv.Atoi(i.Kind[2:])
	if err != nil {
		return nil, err
	}
	return []uint64{ebpf.Encode(op, i.Dst.Num, 0, 0, int32(width))}, nil
}

type asmWide struct {
	Dst *asmReg   `parser:"@Register64 '='"`
	Imm *asmImm64 `parser:"@(('+'|'-')? Number) 'll'"`
}

type asmLoad struct {
	Dst  *asmReg `parser:"@(Register64|Register32) '=' '*' '('"`
	Size string  `parser:"@('u8'|'u16'|'u32'|'u64'|'s8'|'s16'|'s32') '*' ')' '('"`
	Base *asmReg `parser:"@Register64"`
	Off  int64   `parser:"@(('+'|'-') Number)? ')'"`
}

var loadOps = map[string]uint8{
	"u8":  ebpf.OpLdxb,
	"u16": ebpf.OpLdxh,
	"u32": ebpf.OpLdxw,
	"u64": ebpf.OpLdxdw,
	"s8":  ebpf.OpLdxsb,
	"s16": ebpf.OpLdxsh,
	"s32": ebpf.OpLdxsw,
}

func (i *asmLoad) encode() ([]uint64, error) {
	off, err := off16(i.Off)
	if err != nil {
		return nil, err
	}
	return []uint64{ebpf.Encode(loadOps[i.Size], i.Dst.Num, i.Base.Num, off, 0)}, nil
}

type asmStore struct {
	Size string  `parser:"'*' '(' @('u8'|'u16'|'u32'|'u64') '*' ')' '('"`
	Base *asmReg `parser:"@Register64"`
	Off  int64   `parser:"@(('+'|'-') Number)? ')' '='"`
	Src  *asmReg `parser:"( @(Register64|Register32)"`
	Imm  *int64  `parser:"| @(('+'|'-')? Number) )"`
}

var storeRegOps = map[string]uint8{
	"u8":  ebpf.OpStxb,
	"u16": ebpf.OpStxh,
	"u32": ebpf.OpStxw,
	"u64": ebpf.OpStxdw,
}

var storeImmOps = map[string]uint8{
	"u8":  ebpf.OpStb,
	"u16": ebpf.OpSth,
	"u32": ebpf.OpStw,
	"u64": ebpf.OpStdw,
}

func (i *asmStore) encode() ([]uint64, error) {
	off, err := off16(i.Off)
	if err != nil {
		return nil, err
	}
	if i.Src != nil {
		return []uint64{ebpf.Encode(storeRegOps[i.Size], i.Base.Num, i.Src.Num, off, 0)}, nil
	}
	imm, err := imm32(*i.Imm)
	if err != nil {
		return nil, err
	}
	return []uint64{ebpf.Encode(storeImmOps[i.Size], i.Base.Num, 0, off, imm)}, nil
}

type asmGoto struct {
	Offset *int64  `parser:"'goto' ( @(('+'|'-')? Number)"`
	Label  *string `parser:"| @Ident )"`
}

func (i *asmGoto) encode(index int, labels map[string]int) ([]uint64, error) {
	off, err := branchTarget(i.Offset, i.Label, index, labels)
	if err != nil {
		return nil, err
	}
	return []uint64{ebpf.Encode(ebpf.OpJa, 0, 0, off, 0)}, nil
}

type asmBranch struct {
	Dst    *asmReg `parser:"'if' @(Register64|Register32)"`
	Op     string  `parser:"@('=' '='|'!' '='|'s' '>' '='|'s' '<' '='|'s' '>'|'s' '<'|'>' '='|'<' '='|'>'|'<'|'&')"`
	Src    *asmReg `parser:"( @(Register64|Register32)"`
	Imm    *int64  `parser:"| @(('+'|'-')? Number) )"`
	Offset *int64  `parser:"'goto' ( @(('+'|'-')? Number)"`
	Label  *string `parser:"| @Ident )"`
}

var branchOps = map[string]uint8{
	"==":  ebpf.JmpJeq,
	"!=":  ebpf.JmpJne,
	">":   ebpf.JmpJgt,
	">=":  ebpf.JmpJge,
	"<":   ebpf.JmpJlt,
	"<=":  ebpf.JmpJle,
	"&":   ebpf.JmpJset,
	"s>":  ebpf.JmpJsgt,
	"s>=": ebpf.JmpJsge,
	"s<":  ebpf.JmpJslt,
	"s<=": ebpf.JmpJsle,
}

func (i *asmBranch) encode(index int, labels map[string]int) ([]uint64, error) {
	op, ok := branchOps[i.Op]
	if !ok {
		return nil, fmt.Errorf("unknown condition %q", i.Op)
	}
	class := uint8(ebpf.ClassJmp)
	if !i.Dst.Wide {
		class = ebpf.ClassJmp32
	}
	off, err := branchTarget(i.Offset, i.Label, index, labels)
	if err != nil {
		return nil, err
	}

	if i.Src != nil {
		if i.Src.Wide != i.Dst.Wide {
			return nil, fmt.Errorf("mixed register widths in condition")
		}
		return []uint64{ebpf.Encode(class|ebpf.SrcX|op, i.Dst.Num, i.Src.Num, off, 0)}, nil
	}
	imm, err := imm32(*i.Imm)
	if err != nil {
		return nil, err
	}
	return []uint64{ebpf.Encode(class|ebpf.SrcK|op, i.Dst.Num, 0, off, imm)}, nil
}

type asmCall struct {
	Local *int64  `parser:"'call' ( 'pc' @(('+'|'-') Number)"`
	Label *string `parser:"| @Ident"`
	ID    *int64  `parser:"| @Number )"`
}

func (i *asmCall) encode(index int, labels map[string]int) ([]uint64, error) {
	if i.Local != nil {
		imm, err := imm32(*i.Local)
		if err != nil {
			return nil, err
		}
		return []uint64{ebpf.Encode(ebpf.OpCall, 0, ebpf.PseudoCall, 0, imm)}, nil
	}
	if i.Label != nil {
		target, found := labels[*i.Label]
		if !found {
			return nil, fmt.Errorf("undefined label %q at instruction %d", *i.Label, index)
		}
		return []uint64{ebpf.Encode(ebpf.OpCall, 0, ebpf.PseudoCall, 0, int32(target-index) - 1)}, nil
	}
	imm, err := imm32(*i.ID)
	if err != nil {
		return nil, err
	}
	return []uint64{ebpf.Encode(ebpf.OpCall, 0, 0, 0, imm)}, nil
}

type asmExit struct {
	Exit struct{} `parser:"'exit'"`
}

func branchTarget(offset *int64, label *string, index int, labels map[string]int) (int16, error) {
	if label != nil {
		target, found := labels[*label]
		if !found {
			return 0, fmt.Errorf("undefined label %q at instruction %d", *label, index)
		}
		// An offset of 0 continues at the next instruction, so the
		// distance is relative to index+1.
		return off16(int64(target-index) - 1)
	}
	return off16(*offset)
}

func off16(v int64) (int16, error) {
	if v < -32768 || v > 32767 {
		return 0, fmt.Errorf("offset %d does not fit in 16 bits", v)
	}
	return int16(v), nil
}

func imm32(v int64) (int32, error) {
	if v < -2147483648 || v > 2147483647 {
		return 0, fmt.Errorf("immediate %d does not fit in 32 bits", v)
	}
	return int32(v), nil
}
