package main

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/mem/buddy"
	"github.com/joshuapare/kmem/pkg/types"
)

var (
	stressOps        int
	stressSeed       int64
	stressMaxSize    uint64
	stressLargeRatio float64
	stressCheckEvery int
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVarP(&stressOps, "ops", "n", 100000, "Number of heap operations")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Random seed")
	cmd.Flags().Uint64Var(&stressMaxSize, "max-size", 1<<20, "Largest allocation in bytes")
	cmd.Flags().Float64Var(&stressLargeRatio, "large", 0.05, "Fraction of allocations above the slab classes")
	cmd.Flags().IntVar(&stressCheckEvery, "check-every", 10000, "Verify invariants every N operations (0 disables)")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run random heap traffic and verify allocator invariants",
		Long: `The stress command boots the memory core, performs a seeded random mix of
Malloc and Free calls, and checks the frame partition and free-list
invariants along the way. When the run completes every object is freed and
the buddy allocator must be back to its post-boot free page count.

Example:
  kmemctl stress --ops 1000000 --seed 42
  kmemctl stress --ram 256M --large 0.2 --check-every 1000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
}

type stressResult struct {
	Ops         int
	Seed        int64
	Allocs      int
	Frees       int
	OutOfMemory int
	PeakLive    int
	FreePages   uint64
	Duration    time.Duration
	Checks      int
	ShrunkSlabs int
}

func runStress() error {
	if stressMaxSize == 0 {
		return fmt.Errorf("--max-size must be positive")
	}
	if limit := buddy.BlockSize(format.MaxOrder); stressMaxSize > limit {
		return fmt.Errorf("--max-size %d exceeds the largest block (%d bytes)", stressMaxSize, limit)
	}
	m, err := bootMachine()
	if err != nil {
		return err
	}
	defer m.Close()

	h := m.mod.Heap()
	baseline := m.mod.Buddy().FreePages()
	rng := rand.New(rand.NewSource(stressSeed))
	res := stressResult{Ops: stressOps, Seed: stressSeed}

	var live []mem.VirtAddr
	start := time.Now()
	for i := 0; i < stressOps; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			j := rng.Intn(len(live))
			h.Free(live[j])
			live[j] = live[len(live)-1]
			live = live[:len(live)-1]
			res.Frees++
		} else {
			v, err := h.Malloc(randomSize(rng))
			switch {
			case errors.Is(err, types.ErrOutOfMemory):
				res.OutOfMemory++
			case err != nil:
				return err
			default:
				live = append(live, v)
				res.Allocs++
				res.PeakLive = max(res.PeakLive, len(live))
			}
		}
		if stressCheckEvery > 0 && (i+1)%stressCheckEvery == 0 {
			if err := m.mod.Verify(); err != nil {
				return fmt.Errorf("after %d operations: %w", i+1, err)
			}
			res.Checks++
			printVerbose("%d ops, %d live\n", i+1, len(live))
		}
	}

	for _, v := range live {
		h.Free(v)
	}
	res.ShrunkSlabs = m.mod.Slabs().Shrink()
	res.Duration = time.Since(start)
	res.FreePages = m.mod.Buddy().FreePages()

	if err := m.mod.Verify(); err != nil {
		return err
	}
	res.Checks++
	if res.FreePages != baseline {
		return fmt.Errorf("leak: %d free pages after the run, %d after boot", res.FreePages, baseline)
	}

	if jsonOut {
		return printJSON(res)
	}
	printInfo("Stress run (seed %d)\n", res.Seed)
	printInfo("  Operations:   %d in %s\n", res.Ops, res.Duration.Round(time.Millisecond))
	printInfo("  Allocations:  %d (%d out of memory)\n", res.Allocs, res.OutOfMemory)
	printInfo("  Frees:        %d\n", res.Frees)
	printInfo("  Peak live:    %d\n", res.PeakLive)
	printInfo("  Checks:       %d passed\n", res.Checks)
	printInfo("  Free pages:   %d (matches boot)\n", res.FreePages)
	return nil
}

// randomSize draws mostly small sizes, with a stressLargeRatio share above
// a page.
func randomSize(rng *rand.Rand) uint64 {
	if rng.Float64() < stressLargeRatio && stressMaxSize > 4096 {
		return 4097 + uint64(rng.Int63n(int64(stressMaxSize-4096)))
	}
	return 1 + uint64(rng.Intn(int(min(stressMaxSize, 4096))))
}
