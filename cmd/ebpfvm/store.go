package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/cobra"

	"github.com/fortiblox/ebpfvm/internal/types"
	"github.com/fortiblox/ebpfvm/pkg/progstore"
	"github.com/fortiblox/ebpfvm/pkg/syscalls"
	"github.com/fortiblox/ebpfvm/pkg/vm"
)

func storeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "store",
		Short: "Manage the verified program store",
	}
	c.AddCommand(storeAddCmd(), storeListCmd(), storeInfoCmd(),
		storeGetCmd(), storeRmCmd(), storeGcCmd())
	return c
}

// openStore opens the program store under the data directory. A nil
// registry skips syscall resolution, which only Put needs.
func openStore(registry *vm.Registry) (*progstore.Store, error) {
	if err := os.MkdirAll(flagDataDir, 0755); err != nil {
		return nil, err
	}
	cfg := progstore.DefaultConfig(storePath())
	cfg.Registry = registry
	return progstore.Open(cfg)
}

var flagStoreAddName string

func storeAddCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "add <object>",
		Short: "Verify a program and add it to the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			name := flagStoreAddName
			if name == "" {
				name = args[0]
			}

			registry, err := newRegistry(syscalls.Discard)
			if err != nil {
				return err
			}
			store, err := openStore(registry)
			if err != nil {
				return err
			}
			defer store.Close()

			meta, err := store.Put(name, data)
			if err != nil {
				return err
			}
			printMeta(meta)
			return nil
		},
	}
	c.Flags().StringVar(&flagStoreAddName, "name", "", "Program label (default: file path)")
	return c
}

func storeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored programs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			store, err := openStore(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			metas, err := store.List()
			if err != nil {
				return err
			}
			if len(metas) == 0 {
				fmt.Println("no programs stored")
				return nil
			}
			for _, meta := range metas {
				fmt.Printf("%s  %-4s %6d insns  %-20s %s\n",
					meta.ID, meta.Format, meta.Insns, meta.Name,
					meta.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func storeInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <id>",
		Short: "Show details for a stored program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			id, err := types.ProgramIDFromBase58(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			meta, err := store.Info(id)
			if err != nil {
				return err
			}
			printMeta(meta)
			return nil
		},
	}
}

var flagStoreGetOutput string

func storeGetCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "get <id>",
		Short: "Write a stored program's object bytes to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			id, err := types.ProgramIDFromBase58(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			data, err := store.Get(id)
			if err != nil {
				return err
			}
			out := flagStoreGetOutput
			if out == "" {
				out = id.Short() + ".bin"
			}
			if err := os.WriteFile(out, data, 0644); err != nil {
				return err
			}
			fmt.Printf("%s: %d bytes -> %s\n", id, len(data), out)
			return nil
		},
	}
	c.Flags().StringVarP(&flagStoreGetOutput, "output", "o", "",
		"Output file (default: <short id>.bin)")
	return c
}

func storeGcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Compact the store's value log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			store, err := openStore(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.RunGC(); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				return err
			}
			lsm, vlog := store.Size()
			fmt.Printf("%d programs, %d bytes on disk\n", store.Count(), lsm+vlog)
			return nil
		},
	}
}

func storeRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a stored program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			id, err := types.ProgramIDFromBase58(args[0])
			if err != nil {
				return err
			}
			store, err := openStore(nil)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Delete(id); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", id)
			return nil
		},
	}
}

func printMeta(meta *progstore.Meta) {
	fmt.Printf("id:       %s\n", meta.ID)
	fmt.Printf("name:     %s\n", meta.Name)
	fmt.Printf("format:   %s\n", meta.Format)
	fmt.Printf("size:     %d bytes (%d stored)\n", meta.Size, meta.StoredSize)
	fmt.Printf("entry:    %d\n", meta.Entry)
	fmt.Printf("insns:    %d\n", meta.Insns)
	fmt.Printf("created:  %s\n", meta.CreatedAt.Format(time.RFC3339))
	if len(meta.Syscalls) > 0 {
		fmt.Printf("syscalls:")
		for _, id := range meta.Syscalls {
			fmt.Printf(" 0x%08x", id)
		}
		fmt.Println()
	}
}
