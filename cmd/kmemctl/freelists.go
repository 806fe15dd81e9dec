package main

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newFreeListsCmd())
}

func newFreeListsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "freelists",
		Short: "Show the buddy allocator's free lists",
		Long: `The freelists command boots the memory core and prints the number of free
blocks on each buddy order together with the allocator counters.

Example:
  kmemctl freelists --ram 1G
  kmemctl freelists --buddy-limit 4096 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFreeLists()
		},
	}
}

func runFreeLists() error {
	m, err := bootMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	b := m.mod.Buddy()
	if jsonOut {
		return printJSON(struct {
			Stats  any
			Blocks any
		}{b.Stats(), b.Snapshot()})
	}
	r, err := newReport()
	if err != nil || r == nil {
		return err
	}
	r.FreeLists(b.Stats())
	return nil
}
