package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/internal/physmem"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/memmap"
	"github.com/joshuapare/kmem/mem/memory"
)

var (
	ramSize       string
	mapFile       string
	multibootFile string
	lowestSafe    string
	buddyLimit    uint64
	useArena      bool
)

func addMachineFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&ramSize, "ram", "64M", "RAM size for the synthetic PC memory map")
	cmd.PersistentFlags().StringVar(&mapFile, "memmap", "", "JSON memory map file")
	cmd.PersistentFlags().
		StringVar(&multibootFile, "multiboot", "", "Raw Multiboot2 memory-map tag (type 6)")
	cmd.PersistentFlags().StringVar(&lowestSafe, "lowest-safe", "0x100000", "Lowest address boot structures may use")
	cmd.PersistentFlags().Uint64Var(&buddyLimit, "buddy-limit", 0, "Hand at most this many pages to the buddy allocator")
	cmd.PersistentFlags().BoolVar(&useArena, "arena", false, "Back memory with an anonymous mapping instead of a sparse page map")
}

// machine is a booted module plus the memory it runs on.
type machine struct {
	mod    *memory.Module
	memmap memmap.Map
	close  func() error
}

func (m *machine) Close() error {
	if m.close == nil {
		return nil
	}
	return m.close()
}

func loadMemoryMap() (memmap.Map, error) {
	switch {
	case mapFile != "" && multibootFile != "":
		return nil, fmt.Errorf("--memmap and --multiboot are mutually exclusive")
	case mapFile != "":
		f, err := os.Open(mapFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open memory map: %w", err)
		}
		defer f.Close()
		return memmap.Load(f)
	case multibootFile != "":
		data, err := os.ReadFile(multibootFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read multiboot tag: %w", err)
		}
		return memmap.ParseMultiboot2(data)
	default:
		size, err := parseSize(ramSize)
		if err != nil {
			return nil, err
		}
		return memmap.PC(size), nil
	}
}

func bootMachine() (*machine, error) {
	mm, err := loadMemoryMap()
	if err != nil {
		return nil, err
	}
	safe, err := parseAddr(lowestSafe)
	if err != nil {
		return nil, err
	}

	size := format.AlignUp(uint64(mm.Sorted().HighestAvailable()), format.PageSize)
	if size == 0 {
		return nil, fmt.Errorf("memory map has no available memory")
	}
	printVerbose("Memory map: %d entries, %d bytes available, top %#x\n", len(mm), mm.TotalAvailable(), size)

	var phys physmem.Memory
	var closer func() error
	if useArena {
		a, err := physmem.NewArena(size)
		if err != nil {
			return nil, err
		}
		phys, closer = a, a.Close
	} else {
		phys = physmem.NewSparse(size)
	}

	mod, err := memory.Boot(memory.Config{
		Map:            mm,
		Phys:           phys,
		LowestSafe:     mem.PhysAddr(safe),
		BuddyPageLimit: buddyLimit,
	})
	if err != nil {
		if closer != nil {
			closer()
		}
		return nil, err
	}
	return &machine{mod: mod, memmap: mm, close: closer}, nil
}

// printMemoryMap writes the entries of mm, one per line.
func printMemoryMap(w io.Writer, mm memmap.Map) {
	for _, e := range mm {
		fmt.Fprintf(w, "  %s\n", e)
	}
}
