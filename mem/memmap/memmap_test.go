package memmap

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/pkg/types"
)

func TestMap_HighestAndTotal(t *testing.T) {
	m := Map{
		{Base: 0, Length: 0x9FC00, Type: TypeAvailable},
		{Base: 0x9FC00, Length: 0x60400, Type: TypeReserved},
		{Base: 0x100000, Length: 0x7F00000, Type: TypeAvailable},
		{Base: 0xFEC00000, Length: 0x1000, Type: TypeReserved},
	}

	require.Equal(t, mem.PhysAddr(0x8000000), m.HighestAvailable())
	require.Equal(t, uint64(0x9FC00+0x7F00000), m.TotalAvailable())
	require.Len(t, m.Available(), 2)
}

func TestMap_HighestIgnoresReserved(t *testing.T) {
	m := Map{{Base: 1 << 40, Length: 1 << 20, Type: TypeReserved}}
	require.Zero(t, m.HighestAvailable())
}

func TestMap_ValidateWrap(t *testing.T) {
	m := Map{{Base: ^mem.PhysAddr(0) - 0xFFF, Length: 0x2000, Type: TypeAvailable}}
	require.ErrorIs(t, m.Validate(), types.ErrBadMemoryMap)
}

func TestMap_Sorted(t *testing.T) {
	m := Map{
		{Base: 0x100000, Length: 1, Type: TypeAvailable},
		{Base: 0, Length: 1, Type: TypeAvailable},
	}
	s := m.Sorted()
	require.Equal(t, mem.PhysAddr(0), s[0].Base)
	require.Equal(t, mem.PhysAddr(0x100000), m[0].Base, "Sorted must not reorder the receiver")
}

func TestMap_Coalesced(t *testing.T) {
	tests := []struct {
		name string
		m    Map
		want Map
	}{
		{
			name: "overlapping available entries merge",
			m: Map{
				{Base: 0x200000, Length: 0x400000, Type: TypeAvailable},
				{Base: 0, Length: 0x400000, Type: TypeAvailable},
			},
			want: Map{{Base: 0, Length: 0x600000, Type: TypeAvailable}},
		},
		{
			name: "adjacent partial pages join before trimming",
			m: Map{
				{Base: 0x100, Length: 0x1700, Type: TypeAvailable},
				{Base: 0x1800, Length: 0x1800, Type: TypeAvailable},
			},
			want: Map{{Base: 0x1000, Length: 0x2000, Type: TypeAvailable}},
		},
		{
			name: "reserved range wins over an available one",
			m: Map{
				{Base: 0, Length: 0x10000, Type: TypeAvailable},
				{Base: 0x4800, Length: 0x1000, Type: TypeReserved},
			},
			want: Map{
				{Base: 0, Length: 0x4000, Type: TypeAvailable},
				{Base: 0x6000, Length: 0xA000, Type: TypeAvailable},
			},
		},
		{
			name: "empty and sub-page entries vanish",
			m: Map{
				{Base: 0x5000, Length: 0, Type: TypeAvailable},
				{Base: 0x7100, Length: 0x800, Type: TypeAvailable},
			},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.m.Coalesced())
		})
	}
}

func TestMap_Contains(t *testing.T) {
	m := Map{{Base: 0x1000, Length: 0x3000, Type: TypeAvailable}}
	require.True(t, m.Contains(0x1000, 0x3000))
	require.True(t, m.Contains(0x2000, 0x1000))
	require.False(t, m.Contains(0x3000, 0x2000))
	require.False(t, m.Contains(^mem.PhysAddr(0), 2))
}

func TestPC_Layout(t *testing.T) {
	m := PC(5 << 30)
	require.Len(t, m, 5)
	require.Equal(t, mem.PhysAddr(5<<30+1<<30), m.HighestAvailable())
	require.Equal(t, uint64(0x9FC00+(3<<30-0x100000)+(2<<30)), m.TotalAvailable())

	small := PC(64 << 20)
	require.Len(t, small, 3)
	require.Equal(t, mem.PhysAddr(64<<20), small.HighestAvailable())
}

func TestParseMultiboot2_HandBuilt(t *testing.T) {
	tag := make([]byte, 16+2*24)
	buf.PutU32LE(tag, 6)
	buf.PutU32LE(tag[4:], uint32(len(tag)))
	buf.PutU32LE(tag[8:], 24)
	buf.PutU64LE(tag[16:], 0x100000)
	buf.PutU64LE(tag[24:], 0x400000)
	buf.PutU32LE(tag[32:], 1)
	buf.PutU64LE(tag[40:], 0xFEC00000)
	buf.PutU64LE(tag[48:], 0x1000)
	buf.PutU32LE(tag[56:], 2)

	m, err := ParseMultiboot2(tag)
	require.NoError(t, err)
	require.Equal(t, Map{
		{Base: 0x100000, Length: 0x400000, Type: TypeAvailable},
		{Base: 0xFEC00000, Length: 0x1000, Type: TypeReserved},
	}, m)
	require.Equal(t, tag, m.EncodeMultiboot2())
}

func TestParseMultiboot2_WideEntries(t *testing.T) {
	tag := make([]byte, 16+32)
	buf.PutU32LE(tag, 6)
	buf.PutU32LE(tag[4:], uint32(len(tag)))
	buf.PutU32LE(tag[8:], 32)
	buf.PutU64LE(tag[16:], 0x200000)
	buf.PutU64LE(tag[24:], 0x1000)
	buf.PutU32LE(tag[32:], 3)
	buf.PutU64LE(tag[40:], 0xDEADBEEF) // vendor extension, skipped

	m, err := ParseMultiboot2(tag)
	require.NoError(t, err)
	require.Equal(t, Map{{Base: 0x200000, Length: 0x1000, Type: TypeACPIReclaimable}}, m)
}

func TestParseMultiboot2_Errors(t *testing.T) {
	good := Map{{Base: 0, Length: 0x1000, Type: TypeAvailable}}.EncodeMultiboot2()

	cases := map[string]func([]byte){
		"wrong tag type":  func(b []byte) { buf.PutU32LE(b, 4) },
		"size too large":  func(b []byte) { buf.PutU32LE(b[4:], uint32(len(b)+1)) },
		"entry too small": func(b []byte) { buf.PutU32LE(b[8:], 12) },
	}
	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			b := bytes.Clone(good)
			corrupt(b)
			_, err := ParseMultiboot2(b)
			require.ErrorIs(t, err, types.ErrBadMemoryMap)
		})
	}

	_, err := ParseMultiboot2(good[:8])
	require.ErrorIs(t, err, types.ErrBadMemoryMap)
}

func TestLoad_JSON(t *testing.T) {
	in := `[
		{"base": 0, "length": 654336, "type": "available"},
		{"base": 1048576, "length": 4194304, "type": 1},
		{"base": 4275044352, "length": 4096, "type": "reserved"}
	]`
	m, err := Load(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, m, 3)
	require.Equal(t, TypeAvailable, m[1].Type)
	require.Equal(t, TypeReserved, m[2].Type)

	var out bytes.Buffer
	require.NoError(t, m.Save(&out))
	require.Contains(t, out.String(), `"type": "available"`)

	again, err := Load(&out)
	require.NoError(t, err)
	require.Equal(t, m, again)
}

func TestLoad_UnknownType(t *testing.T) {
	_, err := Load(strings.NewReader(`[{"base":0,"length":1,"type":"flash"}]`))
	require.ErrorIs(t, err, types.ErrBadMemoryMap)
}

func TestType_String(t *testing.T) {
	require.Equal(t, "available", TypeAvailable.String())
	require.Equal(t, "type-9", Type(9).String())
}
