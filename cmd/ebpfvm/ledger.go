package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortiblox/ebpfvm/internal/types"
	"github.com/fortiblox/ebpfvm/pkg/runledger"
)

func ledgerCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the run ledger",
	}
	c.AddCommand(ledgerRecentCmd(), ledgerStatsCmd(), ledgerPruneCmd())
	return c
}

func openLedger() (*runledger.Ledger, error) {
	if _, err := os.Stat(ledgerPath()); err != nil {
		return nil, fmt.Errorf("no run ledger at %s", ledgerPath())
	}
	cfg := runledger.DefaultConfig(ledgerPath())
	cfg.ReadOnly = true
	return runledger.Open(cfg)
}

var (
	flagLedgerLimit   int
	flagLedgerProgram string
)

func ledgerRecentCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "recent",
		Short: "Show the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			ledger, err := openLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			var recs []*runledger.Record
			if flagLedgerProgram != "" {
				id, err := types.ProgramIDFromBase58(flagLedgerProgram)
				if err != nil {
					return err
				}
				recs, err = ledger.ByProgram(id, flagLedgerLimit)
				if err != nil {
					return err
				}
			} else {
				recs, err = ledger.Recent(flagLedgerLimit)
				if err != nil {
					return err
				}
			}
			if len(recs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			for _, rec := range recs {
				outcome := fmt.Sprintf("r0=%d", rec.R0)
				if rec.Status != runledger.StatusOK {
					outcome = rec.Error
				}
				fmt.Printf("#%-6d %s  %s  %-6s %-6s %d/%d insns  %-20s %s\n",
					rec.Seq, rec.StartedAt.Format(time.RFC3339),
					rec.ProgramID.Short(), rec.Backend, rec.Status,
					rec.Consumed, rec.Budget, rec.Name, outcome)
			}
			return nil
		},
	}
	f := c.Flags()
	f.IntVar(&flagLedgerLimit, "limit", 20, "Maximum records to show")
	f.StringVar(&flagLedgerProgram, "program", "", "Only runs of this program id")
	return c
}

var flagLedgerKeep uint64

func ledgerPruneCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "prune",
		Short: "Drop all but the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			// Pruning needs a writable handle.
			if _, err := os.Stat(ledgerPath()); err != nil {
				return fmt.Errorf("no run ledger at %s", ledgerPath())
			}
			ledger, err := runledger.Open(runledger.DefaultConfig(ledgerPath()))
			if err != nil {
				return err
			}
			defer ledger.Close()

			removed, err := ledger.Prune(flagLedgerKeep)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d runs\n", removed)
			return nil
		},
	}
	c.Flags().Uint64Var(&flagLedgerKeep, "keep", 100, "Number of recent runs to keep")
	return c
}

func ledgerStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate run statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			ledger, err := openLedger()
			if err != nil {
				return err
			}
			defer ledger.Close()

			stats, err := ledger.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("runs:          %d\n", stats.Total)
			fmt.Printf("  ok:          %d\n", stats.OK)
			fmt.Printf("  faulted:     %d\n", stats.Faults)
			fmt.Printf("  over budget: %d\n", stats.OutOfBudget)
			fmt.Printf("instructions:  %d\n", stats.TotalConsumed)
			fmt.Printf("database size: %d bytes\n", stats.DatabaseSize)
			return nil
		},
	}
}
