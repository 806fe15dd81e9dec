// Package mem defines the address types shared by the allocators of the
// memory core.
//
// Physical and virtual addresses are distinct named types. Neither converts
// to the other implicitly: code goes through ToVirt (direct map) or ToPhys,
// which makes every crossing between the two address spaces visible.
package mem

import (
	"fmt"

	"github.com/joshuapare/kmem/internal/format"
)

// PhysAddr is a physical memory address.
type PhysAddr uint64

// VirtAddr is a virtual memory address.
type VirtAddr uint64

// PFN is a page frame number: a physical address divided by the page size.
type PFN uint64

// NoPFN is the null link value for PFN-indexed lists.
const NoPFN PFN = ^PFN(0)

// PFN returns the frame containing p.
func (p PhysAddr) PFN() PFN { return PFN(p >> format.PageShift) }

// ToVirt returns the direct-map alias of p.
func (p PhysAddr) ToVirt() VirtAddr { return VirtAddr(uint64(p) + format.DirectMapBase) }

// PageAligned reports whether p sits on a page boundary.
func (p PhysAddr) PageAligned() bool { return format.IsAligned(uint64(p), format.PageSize) }

func (p PhysAddr) String() string { return fmt.Sprintf("phys(%#x)", uint64(p)) }

// Addr returns the physical address of the first byte of the frame.
func (f PFN) Addr() PhysAddr { return PhysAddr(uint64(f) << format.PageShift) }

// Valid reports whether f is a real frame number rather than NoPFN.
func (f PFN) Valid() bool { return f != NoPFN }

func (f PFN) String() string {
	if f == NoPFN {
		return "pfn(none)"
	}
	return fmt.Sprintf("pfn(%d)", uint64(f))
}

// ToPhys translates v back to a physical address. Kernel image addresses
// subtract KernelBase, direct-map addresses subtract DirectMapBase, and
// lower-half addresses are treated as identity mapped (boot stage).
func (v VirtAddr) ToPhys() PhysAddr {
	switch {
	case uint64(v) >= format.KernelBase:
		return PhysAddr(uint64(v) - format.KernelBase)
	case uint64(v) >= format.DirectMapBase:
		return PhysAddr(uint64(v) - format.DirectMapBase)
	default:
		return PhysAddr(v)
	}
}

// Canonical reports whether v is a canonical 48-bit address: bits 63..47
// are all copies of bit 47.
func (v VirtAddr) Canonical() bool {
	top := uint64(v) >> 47
	return top == 0 || top == 0x1FFFF
}

// PageOffset returns the byte offset of v inside its 4 KiB page.
func (v VirtAddr) PageOffset() uint64 { return uint64(v) & format.PageMask }

func (v VirtAddr) String() string { return fmt.Sprintf("virt(%#x)", uint64(v)) }
