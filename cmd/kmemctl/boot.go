package main

import (
	"os"

	"github.com/spf13/cobra"
)

var bootVerify bool

func init() {
	cmd := newBootCmd()
	cmd.Flags().BoolVar(&bootVerify, "verify", true, "Check allocator invariants after boot")
	rootCmd.AddCommand(cmd)
}

func newBootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the memory core and print a summary",
		Long: `The boot command runs the full bring-up sequence and prints where the
boot structures landed and how much memory the buddy allocator owns.

Example:
  kmemctl boot --ram 512M
  kmemctl boot --memmap map.json --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBoot()
		},
	}
}

func runBoot() error {
	m, err := bootMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	if bootVerify {
		if err := m.mod.Verify(); err != nil {
			return err
		}
	}

	st := m.mod.Stats()
	if jsonOut {
		return printJSON(st)
	}

	printInfo("Memory map:\n")
	if !quiet {
		printMemoryMap(os.Stdout, m.memmap)
	}
	r, err := newReport()
	if err != nil || r == nil {
		return err
	}
	r.Summary(st)
	if bootVerify {
		printInfo("\nInvariants: ok\n")
	}
	return nil
}
