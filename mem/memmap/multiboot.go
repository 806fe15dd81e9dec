package memmap

import (
	"fmt"

	"github.com/joshuapare/kmem/internal/buf"
	"github.com/joshuapare/kmem/mem"
	"github.com/joshuapare/kmem/pkg/types"
)

// Multiboot2 memory-map tag layout (little-endian):
//
//	0x00  u32 type (6)
//	0x04  u32 size of the tag including this header
//	0x08  u32 entry_size (24 or larger)
//	0x0C  u32 entry_version (0)
//	0x10  entries: u64 base, u64 length, u32 type, u32 reserved
const (
	TagTypeMemoryMap = 6

	tagHeaderSize = 16
	entrySize     = 24
)

func formatErr(msg string, args ...any) error {
	return &types.Error{Kind: types.ErrKindFormat, Msg: "memmap: " + fmt.Sprintf(msg, args...)}
}

// ParseMultiboot2 decodes a Multiboot2 memory-map tag. Trailing bytes beyond
// the declared tag size are ignored; entries larger than 24 bytes have their
// extra fields skipped.
func ParseMultiboot2(tag []byte) (Map, error) {
	if !buf.Has(tag, 0, tagHeaderSize) {
		return nil, formatErr("tag truncated: %d bytes", len(tag))
	}
	if t := buf.U32LE(tag); t != TagTypeMemoryMap {
		return nil, formatErr("unexpected tag type %d", t)
	}
	size := int(buf.U32LE(tag[4:]))
	if size < tagHeaderSize || size > len(tag) {
		return nil, formatErr("tag size %d outside buffer of %d bytes", size, len(tag))
	}
	esize := int(buf.U32LE(tag[8:]))
	if esize < entrySize {
		return nil, formatErr("entry size %d < %d", esize, entrySize)
	}

	count := (size - tagHeaderSize) / esize
	if _, err := buf.CheckListBounds(size, tagHeaderSize, count, esize); err != nil {
		return nil, &types.Error{Kind: types.ErrKindFormat, Msg: "memmap: entries", Err: err}
	}

	m := make(Map, 0, count)
	for i := 0; i < count; i++ {
		e, _ := buf.Slice(tag, tagHeaderSize+i*esize, entrySize)
		m = append(m, Entry{
			Base:   mem.PhysAddr(buf.U64LE(e)),
			Length: buf.U64LE(e[8:]),
			Type:   Type(buf.U32LE(e[16:])),
		})
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// EncodeMultiboot2 produces the tag a boot loader would pass for m.
func (m Map) EncodeMultiboot2() []byte {
	size := tagHeaderSize + len(m)*entrySize
	out := make([]byte, size)
	buf.PutU32LE(out, TagTypeMemoryMap)
	buf.PutU32LE(out[4:], uint32(size))
	buf.PutU32LE(out[8:], entrySize)
	for i, e := range m {
		b := out[tagHeaderSize+i*entrySize:]
		buf.PutU64LE(b, uint64(e.Base))
		buf.PutU64LE(b[8:], e.Length)
		buf.PutU32LE(b[16:], uint32(e.Type))
	}
	return out
}
