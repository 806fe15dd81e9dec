package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/slab"
)

var (
	slabLayoutsOnly bool
	slabFill        []string
)

func init() {
	cmd := newSlabsCmd()
	cmd.Flags().BoolVar(&slabLayoutsOnly, "layouts", false, "Print the slab layout table without booting")
	cmd.Flags().StringSliceVar(&slabFill, "alloc", nil, "Allocate objects before reporting, as size:count pairs")
	rootCmd.AddCommand(cmd)
}

func newSlabsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slabs",
		Short: "Show slab size classes and cache statistics",
		Long: `The slabs command prints the block order, index width, capacity and space
efficiency of every size class, then boots the memory core and shows the
state of each cache.

Example:
  kmemctl slabs --layouts
  kmemctl slabs --alloc 64:1000,512:50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlabs()
		},
	}
}

type fillSpec struct {
	size, count uint64
}

func parseFill(specs []string) ([]fillSpec, error) {
	out := make([]fillSpec, 0, len(specs))
	for _, s := range specs {
		var f fillSpec
		if _, err := fmt.Sscanf(s, "%d:%d", &f.size, &f.count); err != nil {
			return nil, fmt.Errorf("invalid --alloc %q, want size:count", s)
		}
		out = append(out, f)
	}
	return out, nil
}

func runSlabs() error {
	layouts := slab.EfficiencyTable()
	if slabLayoutsOnly {
		if jsonOut {
			return printJSON(layouts)
		}
		r, err := newReport()
		if err != nil || r == nil {
			return err
		}
		r.Efficiency(layouts)
		return nil
	}

	fills, err := parseFill(slabFill)
	if err != nil {
		return err
	}
	m, err := bootMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	var held []mem.VirtAddr
	for _, f := range fills {
		for i := uint64(0); i < f.count; i++ {
			v, err := m.mod.Heap().Malloc(f.size)
			if err != nil {
				return fmt.Errorf("allocating %d bytes (#%d): %w", f.size, i, err)
			}
			held = append(held, v)
		}
	}
	printVerbose("Holding %d objects\n", len(held))

	stats := m.mod.Slabs().Stats()
	if jsonOut {
		return printJSON(struct {
			Layouts []slab.Layout
			Caches  []slab.CacheStats
		}{layouts, stats})
	}
	r, err := newReport()
	if err != nil || r == nil {
		return err
	}
	r.Efficiency(layouts)
	r.Slabs(stats)
	return nil
}
