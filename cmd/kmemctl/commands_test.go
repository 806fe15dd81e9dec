package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/kmem/mem/memmap"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
		err  bool
	}{
		{"4096", 4096, false},
		{"64M", 64 << 20, false},
		{"64MiB", 64 << 20, false},
		{"2g", 2 << 30, false},
		{"16KB", 16 << 10, false},
		{"0x1000", 0x1000, false},
		{"0xB", 0xB, false},
		{"lots", 0, true},
		{"99999999999T", 0, true},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		if tt.err {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestBootCommand(t *testing.T) {
	out, err := run(t, "boot", "--ram", "64M")
	require.NoError(t, err)
	assert.Contains(t, out, "Buddy free:")
	assert.Contains(t, out, "Invariants: ok")
	assert.Contains(t, out, "available")
}

func TestBootCommand_JSON(t *testing.T) {
	out, err := run(t, "boot", "--ram", "32M", "--json")
	require.NoError(t, err)
	got := assertJSON(t, out)
	assert.Contains(t, got, "Buddy")
	assert.Contains(t, got, "TableFrames")
}

func TestBootCommand_MemoryMapFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "map.json")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, memmap.PC(48<<20).Save(f))
	require.NoError(t, f.Close())

	out, err := run(t, "boot", "--memmap", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Invariants: ok")
}

func TestBootCommand_Multiboot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mmap.bin")
	require.NoError(t, os.WriteFile(path, memmap.PC(16<<20).EncodeMultiboot2(), 0o644))

	out, err := run(t, "boot", "--multiboot", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Invariants: ok")

	_, err = run(t, "boot", "--multiboot", path, "--memmap", path)
	require.Error(t, err)
}

func TestFreeListsCommand(t *testing.T) {
	out, err := run(t, "freelists", "--ram", "64M")
	require.NoError(t, err)
	assert.Contains(t, out, "Buddy free lists")
	assert.Contains(t, out, "4.0 MiB")

	out, err = run(t, "freelists", "--ram", "64M", "--json")
	require.NoError(t, err)
	assertJSON(t, out)
}

func TestSlabsCommand(t *testing.T) {
	out, err := run(t, "slabs", "--layouts")
	require.NoError(t, err)
	assert.Contains(t, out, "Slab layouts")
	assert.Contains(t, out, "98.44%")
	assert.NotContains(t, out, "Slab caches")

	out, err = run(t, "slabs", "--alloc", "64:100,2048:3")
	require.NoError(t, err)
	assert.Contains(t, out, "kmalloc-64")
	assert.Contains(t, out, "kmalloc-2048")

	_, err = run(t, "slabs", "--alloc", "sixty-four")
	require.Error(t, err)
}

func TestMapCommand(t *testing.T) {
	out, err := run(t, "map", "--ram", "64M", "--translate", "0xffff800000001234", "--translate", "0x0000800000000000")
	require.NoError(t, err)
	assert.Contains(t, out, "0xffff800000001234 -> 0x1234")
	assert.Contains(t, out, "not canonical")
	assert.Contains(t, out, "Page tables")

	out, err = run(t, "map", "--ram", "64M", "--range", "64K", "--json")
	require.NoError(t, err)
	got := assertJSON(t, out)
	assert.Len(t, got["Mappings"], 512+1+16)

	_, err = run(t, "map", "--range", "8K", "--source", "nowhere")
	require.Error(t, err)
}

func TestStressCommand(t *testing.T) {
	out, err := run(t, "stress", "--ram", "64M", "--ops", "5000", "--check-every", "1000", "--seed", "7")
	require.NoError(t, err)
	assert.Contains(t, out, "matches boot")
	assert.Contains(t, out, "6 passed")
}

func TestStressCommand_RejectsOversizedMaxSize(t *testing.T) {
	_, err := run(t, "stress", "--ram", "64M", "--ops", "10", "--max-size", "8388608")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds the largest block")
}
