package paging

import (
	"github.com/joshuapare/kmem/internal/format"
	"github.com/joshuapare/kmem/mem"
)

// Walk calls fn for every leaf in ascending virtual order until fn returns
// false.
func (m *Mapper) Walk(fn func(Mapping) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.walk(m.root, format.TableLevels, 0, fn)
}

// Mappings returns every leaf in ascending virtual order.
func (m *Mapper) Mappings() []Mapping {
	var out []Mapping
	m.Walk(func(mp Mapping) bool {
		out = append(out, mp)
		return true
	})
	return out
}

func (m *Mapper) walk(table mem.PhysAddr, level int, base uint64, fn func(Mapping) bool) bool {
	span := sizeAt(level)
	for i := uint64(0); i < format.EntriesPerTable; i++ {
		e := m.read(table + mem.PhysAddr(i*format.EntrySize))
		if !e.Present() {
			continue
		}
		virt := canonical(base + i*span)
		if level == 1 || (level < format.TableLevels && e.Huge()) {
			if !fn(mappingOf(virt, e, level)) {
				return false
			}
			continue
		}
		if !m.walk(e.Frame(), level-1, uint64(virt), fn) {
			return false
		}
	}
	return true
}

// canonical sign-extends bit 47.
func canonical(v uint64) mem.VirtAddr {
	if v&(1<<47) != 0 {
		v |= 0xFFFF000000000000
	}
	return mem.VirtAddr(v)
}
