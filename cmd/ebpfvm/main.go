// ebpfvm: User-Space eBPF Virtual Machine
//
// This is the command line front end for the ebpfvm toolkit. It assembles,
// disassembles, verifies and executes eBPF programs, manages the on-disk
// program store and run ledger, and serves the gRPC debug bridge for
// interactive stepping.
package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fortiblox/ebpfvm/internal/types"
	"github.com/fortiblox/ebpfvm/pkg/ebpf"
	"github.com/fortiblox/ebpfvm/pkg/ebpf/asm"
	"github.com/fortiblox/ebpfvm/pkg/loader"
	"github.com/fortiblox/ebpfvm/pkg/syscalls"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

var flagDataDir string

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "ebpfvm",
		Short: "User-space eBPF virtual machine",
		Long: "ebpfvm runs eBPF programs in user space with a static verifier,\n" +
			"an instruction budget, an interpreter and an x86-64 JIT.",
	}
	c.PersistentFlags().StringVar(&flagDataDir, "data-dir", ".ebpfvm",
		"Directory holding the program store and run ledger")

	c.AddCommand(
		asmCmd(),
		disasmCmd(),
		verifyCmd(),
		runCmd(),
		debugCmd(),
		storeCmd(),
		ledgerCmd(),
		versionCmd(),
	)
	return c
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ebpfvm %s (commit %s)\n", Version, GitCommit)
		},
	}
}

var flagAsmOutput string

func asmCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "asm <source>",
		Short: "Assemble text assembly into instruction words",
		Args:  cobra.ExactArgs(1),
		RunE:  runAsm,
	}
	c.Flags().StringVarP(&flagAsmOutput, "output", "o", "",
		"Output file (default: source name with a .bin extension)")
	return c
}

func runAsm(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	src := args[0]
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	text, err := asm.Assemble(src, f)
	if err != nil {
		return err
	}

	out := flagAsmOutput
	if out == "" {
		out = strings.TrimSuffix(src, filepath.Ext(src)) + ".bin"
	}
	if err := os.WriteFile(out, encodeWords(text), 0644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	fmt.Printf("%s: %d instruction slots -> %s\n", src, len(text), out)
	return nil
}

// encodeWords flattens instruction words into the little-endian byte
// layout consumed by the raw loader.
func encodeWords(text []uint64) []byte {
	buf := make([]byte, len(text)*8)
	for i, w := range text {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	return buf
}

func disasmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disasm <object|id>",
		Short: "Disassemble an ELF object, raw instruction words or a stored program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			data, _, err := readObject(args[0])
			if err != nil {
				return err
			}
			obj, err := parseObject(data)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", args[0], err)
			}
			if obj.Program.Entry != 0 {
				fmt.Printf("// entry %d\n", obj.Program.Entry)
			}
			for i, line := range ebpf.DisassembleProgram(obj.Program.Text) {
				if line == "" {
					continue // second slot of an lddw
				}
				fmt.Printf("%5d: %s\n", i, line)
			}
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <object|id>",
		Short: "Verify a program without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			data, _, err := readObject(args[0])
			if err != nil {
				return err
			}
			obj, err := parseObject(data)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", args[0], err)
			}
			registry, err := newRegistry(syscalls.Discard)
			if err != nil {
				return err
			}
			exec, err := vm.NewExecutable(obj.Program, registry)
			if err != nil {
				return err
			}

			fmt.Printf("%s: ok\n", args[0])
			fmt.Printf("  slots:     %d\n", exec.Len())
			fmt.Printf("  entry:     %d\n", exec.Entry())
			fmt.Printf("  functions: %d\n", len(obj.Program.Functions))
			if len(obj.Syscalls) > 0 {
				fmt.Printf("  syscalls:  %s\n", syscallNames(registry, obj.Syscalls))
			}
			return nil
		},
	}
}

// syscallNames renders referenced syscall ids with their registered
// names, sorted by id so output is stable.
func syscallNames(registry *vm.Registry, ids []uint32) string {
	sorted := make([]uint32, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	parts := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if name, ok := registry.Name(id); ok {
			parts = append(parts, fmt.Sprintf("%s (0x%08x)", name, id))
		} else {
			parts = append(parts, fmt.Sprintf("0x%08x", id))
		}
	}
	return strings.Join(parts, ", ")
}

// readObject returns the raw object bytes for a file path, or for a
// stored program id when no such file exists. The second return is a
// display name for the source.
func readObject(arg string) ([]byte, string, error) {
	data, ferr := os.ReadFile(arg)
	if ferr == nil {
		return data, filepath.Base(arg), nil
	}
	id, err := types.ProgramIDFromBase58(arg)
	if err != nil {
		return nil, "", ferr
	}
	store, err := openStore(nil)
	if err != nil {
		return nil, "", err
	}
	defer store.Close()

	meta, err := store.Info(id)
	if err != nil {
		return nil, "", err
	}
	data, err = store.Get(id)
	if err != nil {
		return nil, "", err
	}
	return data, meta.Name, nil
}

// parseObject decodes an ELF object, or flat little-endian instruction
// words when the ELF magic is absent.
func parseObject(data []byte) (*loader.Object, error) {
	if loader.IsELF(data) {
		return loader.Load(data)
	}
	prog, err := loader.LoadRaw(data)
	if err != nil {
		return nil, err
	}
	return &loader.Object{Program: prog}, nil
}

// newRegistry builds a registry with the standard syscall set. Guest
// log output goes to sink.
func newRegistry(sink syscalls.Sink) (*vm.Registry, error) {
	registry := vm.NewRegistry()
	if err := syscalls.Register(registry, sink); err != nil {
		return nil, err
	}
	return registry, nil
}

func storePath() string {
	return filepath.Join(flagDataDir, "programs")
}

func ledgerPath() string {
	return filepath.Join(flagDataDir, "runs.db")
}
