package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/buddy"
	"github.com/joshuapare/kmem/mem/paging"
)

var (
	mapTranslate []string
	mapRange     string
	mapRangeVirt string
	mapAscending bool
	mapSource    string
)

func init() {
	cmd := newMapCmd()
	cmd.Flags().StringSliceVar(&mapTranslate, "translate", nil, "Virtual addresses to translate")
	cmd.Flags().StringVar(&mapRange, "range", "", "Map this many bytes with 4K pages backed by the memory map")
	cmd.Flags().StringVar(&mapRangeVirt, "at", "0xffffc00000000000", "Virtual base for --range")
	cmd.Flags().BoolVar(&mapAscending, "ascending", false, "Consume --range frames from low memory first")
	cmd.Flags().StringVar(&mapSource, "source", "buddy", "Frames for --range: buddy (claimed blocks) or memmap (raw map)")
	rootCmd.AddCommand(cmd)
}

func newMapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "map",
		Short: "Dump the boot page tables",
		Long: `The map command boots the memory core and lists every leaf mapping of the
kernel page tables, merging runs of contiguous pages.

Example:
  kmemctl map
  kmemctl map --translate 0xffff800000001234
  kmemctl map --range 64K --ascending`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMap()
		},
	}
}

type translation struct {
	Virt  mem.VirtAddr
	Phys  mem.PhysAddr
	Error string `json:",omitempty"`
}

func runMap() error {
	m, err := bootMachine()
	if err != nil {
		return err
	}
	defer m.Close()
	mapper := m.mod.Mapper()

	if mapRange != "" {
		size, err := parseSize(mapRange)
		if err != nil {
			return err
		}
		at, err := parseAddr(mapRangeVirt)
		if err != nil {
			return err
		}
		dir := paging.Descending
		if mapAscending {
			dir = paging.Ascending
		}
		var regions paging.RegionList
		switch mapSource {
		case "buddy":
			if regions, err = claimRegions(m, size); err != nil {
				return err
			}
		case "memmap":
			// Early-boot style: frames straight from the firmware map,
			// regardless of who owns them now.
			regions = paging.MemoryMapRegions(m.memmap)
		default:
			return fmt.Errorf("invalid --source %q, want buddy or memmap", mapSource)
		}
		used, err := mapper.MapRange(mem.VirtAddr(at), size, paging.FlagWritable|paging.FlagNoExecute, regions, dir)
		if err != nil {
			return err
		}
		printVerbose("Mapped %d pages from %d regions (%s)\n", used.Pages(), len(used), dir)
	}

	var translations []translation
	for _, s := range mapTranslate {
		v, err := parseAddr(s)
		if err != nil {
			return err
		}
		tr := translation{Virt: mem.VirtAddr(v)}
		if p, err := mapper.Translate(tr.Virt); err != nil {
			tr.Error = err.Error()
		} else {
			tr.Phys = p
		}
		translations = append(translations, tr)
	}

	mappings := mapper.Mappings()
	if jsonOut {
		return printJSON(struct {
			Root         mem.PhysAddr
			TableFrames  uint64
			Mappings     []paging.Mapping
			Translations []translation `json:",omitempty"`
		}{mapper.Root(), mapper.TableFrames(), mappings, translations})
	}

	r, err := newReport()
	if err != nil || r == nil {
		return err
	}
	printInfo("PML4 at %#x, %d table frames\n", uint64(mapper.Root()), mapper.TableFrames())
	r.Mappings(mappings)
	for _, tr := range translations {
		if tr.Error != "" {
			fmt.Printf("  %#x: %s\n", uint64(tr.Virt), tr.Error)
			continue
		}
		fmt.Printf("  %#x -> %#x\n", uint64(tr.Virt), uint64(tr.Phys))
	}
	return nil
}

// claimRegions takes buddy blocks covering size bytes and returns them as
// a region list.
func claimRegions(m *machine, size uint64) (paging.RegionList, error) {
	b := m.mod.Buddy()
	var out paging.RegionList
	for left := format.AlignUp(size, format.PageSize); left > 0; {
		order := min(buddy.OrderForSize(left), format.MaxOrder)
		p, err := b.Alloc(order)
		if err != nil {
			return nil, err
		}
		n := min(buddy.BlockSize(order), left)
		out = append(out, paging.Region{Base: p, Length: buddy.BlockSize(order)})
		left -= n
	}
	return out, nil
}
