package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortiblox/ebpfvm/internal/types"
	"github.com/fortiblox/ebpfvm/pkg/debugserve"
	"github.com/fortiblox/ebpfvm/pkg/metrics"
	"github.com/fortiblox/ebpfvm/pkg/progstore"
	"github.com/fortiblox/ebpfvm/pkg/runledger"
	"github.com/fortiblox/ebpfvm/pkg/syscalls"
	"github.com/fortiblox/ebpfvm/pkg/vm"
	"github.com/fortiblox/ebpfvm/pkg/vm/jit"
)

var (
	flagBudget    uint64
	flagStackSize uint64
	flagHeapSize  uint64
	flagInputHex  string
	flagInputFile string
	flagJIT       bool
	flagStore     bool
	flagNoLedger  bool
	flagRunName   string
	flagListen    string
)

// machineFlags registers the flags shared by run and debug.
func machineFlags(c *cobra.Command) {
	f := c.Flags()
	f.Uint64Var(&flagBudget, "budget", vm.DefaultBudget, "Instruction budget")
	f.Uint64Var(&flagStackSize, "stack", vm.DefaultStackSize, "Stack region size in bytes")
	f.Uint64Var(&flagHeapSize, "heap", vm.DefaultHeapSize, "Heap region size in bytes")
	f.StringVar(&flagInputHex, "input", "", "Input region contents as hex")
	f.StringVar(&flagInputFile, "input-file", "", "Input region contents read from a file")
}

func runCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run <object|id>",
		Short: "Verify and execute a program",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	machineFlags(c)
	f := c.Flags()
	f.BoolVar(&flagJIT, "jit", false, "Execute through the x86-64 JIT instead of the interpreter")
	f.BoolVar(&flagStore, "store", false, "Cache the verified program in the program store")
	f.BoolVar(&flagNoLedger, "no-ledger", false, "Skip recording the run in the run ledger")
	f.StringVar(&flagRunName, "name", "", "Program label for the store and ledger (default: file name)")
	return c
}

func runRun(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	data, srcName, err := readObject(args[0])
	if err != nil {
		return err
	}
	obj, err := parseObject(data)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", args[0], err)
	}
	input, err := parseInput()
	if err != nil {
		return err
	}

	name := flagRunName
	if name == "" {
		name = srcName
	}

	registry, err := newRegistry(guestLog())
	if err != nil {
		return err
	}
	exec, err := vm.NewExecutable(obj.Program, registry)
	if err != nil {
		return err
	}

	cfg := vm.Config{
		Budget:    flagBudget,
		StackSize: flagStackSize,
		HeapSize:  flagHeapSize,
		Input:     input,
	}
	backend := "interp"
	if flagJIT {
		if !jit.Available() {
			return fmt.Errorf("jit backend is not available on this platform")
		}
		engine := jit.New()
		defer engine.Close()
		cfg.Backend = engine
		backend = "jit"
	}

	m, err := vm.New(exec, cfg)
	if err != nil {
		return err
	}

	started := time.Now()
	r0, runErr := m.Run()
	duration := time.Since(started)
	consumed := m.Meter().Consumed()

	metrics.DefaultMetrics().RecordRun(consumed, duration, runErr)

	if flagStore {
		if err := cacheProgram(name, data, registry); err != nil {
			log.Printf("program store: %v", err)
		}
	}
	if !flagNoLedger {
		rec := &runledger.Record{
			ProgramID: types.ComputeProgramID(data),
			Name:      name,
			Backend:   backend,
			Status:    runledger.StatusOf(runErr),
			R0:        r0,
			Consumed:  consumed,
			Budget:    m.Meter().Budget(),
			InputSize: len(input),
			Duration:  duration,
			StartedAt: started.UTC(),
		}
		if runErr != nil {
			rec.Error = runErr.Error()
		}
		if err := recordRun(rec); err != nil {
			log.Printf("run ledger: %v", err)
		}
	}

	fmt.Printf("consumed %d of %d instructions (%s backend) in %s\n",
		consumed, m.Meter().Budget(), backend, duration.Round(time.Microsecond))
	if runErr != nil {
		return runErr
	}
	fmt.Printf("r0 = %d (0x%x)\n", r0, r0)
	return nil
}

// guestLog routes guest log_msg output through the process logger.
func guestLog() syscalls.Sink {
	return syscalls.SinkFunc(func(msg string) {
		log.Printf("[guest] %s", msg)
	})
}

func parseInput() ([]byte, error) {
	if flagInputHex != "" && flagInputFile != "" {
		return nil, fmt.Errorf("--input and --input-file are mutually exclusive")
	}
	if flagInputFile != "" {
		return os.ReadFile(flagInputFile)
	}
	if flagInputHex == "" {
		return nil, nil
	}
	s := strings.TrimPrefix(flagInputHex, "0x")
	s = strings.ReplaceAll(s, " ", "")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse --input: %w", err)
	}
	return data, nil
}

// cacheProgram stores the raw object under the content-addressed id.
// The registry is already frozen here, which is fine: the store only
// resolves against it, it never registers.
func cacheProgram(name string, object []byte, registry *vm.Registry) error {
	if err := os.MkdirAll(flagDataDir, 0755); err != nil {
		return err
	}
	cfg := progstore.DefaultConfig(storePath())
	cfg.Registry = registry
	store, err := progstore.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	meta, err := store.Put(name, object)
	if err != nil {
		return err
	}
	log.Printf("stored %s as %s", name, meta.ID)
	return nil
}

func recordRun(rec *runledger.Record) error {
	if err := os.MkdirAll(flagDataDir, 0755); err != nil {
		return err
	}
	ledger, err := runledger.Open(runledger.DefaultConfig(ledgerPath()))
	if err != nil {
		return err
	}
	defer ledger.Close()

	_, err = ledger.Append(rec)
	return err
}

func debugCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "debug <object|id>",
		Short: "Serve the gRPC debug bridge over a paused program",
		Long: "debug verifies the program, boots a machine without running it and\n" +
			"serves the debug bridge so a client can step, set breakpoints and\n" +
			"inspect registers and memory. Runs until interrupted.",
		Args: cobra.ExactArgs(1),
		RunE: runDebug,
	}
	machineFlags(c)
	c.Flags().StringVar(&flagListen, "listen", debugserve.DefaultConfig().Addr,
		"Debug bridge listen address")
	return c
}

func runDebug(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	data, srcName, err := readObject(args[0])
	if err != nil {
		return err
	}
	obj, err := parseObject(data)
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", args[0], err)
	}
	input, err := parseInput()
	if err != nil {
		return err
	}

	registry, err := newRegistry(guestLog())
	if err != nil {
		return err
	}
	exec, err := vm.NewExecutable(obj.Program, registry)
	if err != nil {
		return err
	}
	m, err := vm.New(exec, vm.Config{
		Budget:    flagBudget,
		StackSize: flagStackSize,
		HeapSize:  flagHeapSize,
		Input:     input,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config := debugserve.DefaultConfig()
	config.Addr = flagListen
	config.LogRequests = true

	srv, err := debugserve.New(config, m, metrics.DefaultMetrics())
	if err != nil {
		return err
	}

	log.Printf("debug bridge on %s, %s (%d instruction slots)",
		flagListen, srcName, exec.Len())
	return srv.Start(ctx)
}
