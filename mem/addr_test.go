package mem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmem/internal/format"
)

func TestPhysAddr_PFN(t *testing.T) {
	require.Equal(t, PFN(0), PhysAddr(0).PFN())
	require.Equal(t, PFN(0), PhysAddr(4095).PFN())
	require.Equal(t, PFN(1), PhysAddr(4096).PFN())
	require.Equal(t, PhysAddr(0x5000), PFN(5).Addr())
}

func TestDirectMapRoundTrip(t *testing.T) {
	p := PhysAddr(0x12345000)
	v := p.ToVirt()

	require.Equal(t, VirtAddr(format.DirectMapBase+0x12345000), v)
	require.Equal(t, p, v.ToPhys())
}

func TestVirtAddr_ToPhys(t *testing.T) {
	require.Equal(t, PhysAddr(0x100000), VirtAddr(format.KernelBase+0x100000).ToPhys())
	require.Equal(t, PhysAddr(0x2000), VirtAddr(0x2000).ToPhys())
}

func TestVirtAddr_Canonical(t *testing.T) {
	require.True(t, VirtAddr(0).Canonical())
	require.True(t, VirtAddr(0x00007FFFFFFFFFFF).Canonical())
	require.True(t, VirtAddr(format.DirectMapBase).Canonical())
	require.True(t, VirtAddr(format.KernelBase).Canonical())
	require.False(t, VirtAddr(0x0000800000000000).Canonical())
	require.False(t, VirtAddr(0xFFFF7FFFFFFFFFFF).Canonical())
}

func TestPFN_String(t *testing.T) {
	require.Equal(t, "pfn(none)", NoPFN.String())
	require.Equal(t, "pfn(42)", PFN(42).String())
	require.False(t, NoPFN.Valid())
	require.Equal(t, "phys(0x1000)", PhysAddr(0x1000).String())
}
