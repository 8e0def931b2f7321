package memaddr

import "fmt"

// MappingEntry rewrites [Base, Base+Size) to [RealBase, RealBase+Size).
type MappingEntry struct {
	Base     Address
	Size     uint64
	RealBase Address
}

func (m MappingEntry) contains(a Address) bool {
	return uint64(a) >= uint64(m.Base) && uint64(a) < uint64(m.Base)+m.Size
}

// MemoryMap is an ordered list of mappings consulted before a physical
// backend is read. The first entry whose range contains the address wins;
// addresses outside every entry fail to translate.
type MemoryMap struct {
	entries []MappingEntry
}

// NewMemoryMap builds a MemoryMap from an ordered slice of entries. The
// slice is copied; later mutation of the caller's slice does not affect
// the map.
func NewMemoryMap(entries []MappingEntry) MemoryMap {
	cp := make([]MappingEntry, len(entries))
	copy(cp, entries)
	return MemoryMap{entries: cp}
}

// Identity returns a MemoryMap with a single entry covering [0, size) that
// maps to itself, used to verify "remap identity" behaviour (spec §8).
func Identity(size uint64) MemoryMap {
	return NewMemoryMap([]MappingEntry{{Base: 0, Size: size, RealBase: 0}})
}

// Entries returns a copy of the map's entries.
func (m MemoryMap) Entries() []MappingEntry {
	cp := make([]MappingEntry, len(m.entries))
	copy(cp, m.entries)
	return cp
}

func (m MemoryMap) Len() int { return len(m.entries) }

// Translate rewrites addr through the map, returning the real address.
// ok is false if no entry covers addr.
func (m MemoryMap) Translate(addr Address) (real Address, ok bool) {
	for _, e := range m.entries {
		if e.contains(addr) {
			offset := uint64(addr) - uint64(e.Base)
			return e.RealBase.Add(offset), true
		}
	}
	return Invalid, false
}

func (m MappingEntry) String() string {
	return fmt.Sprintf("[%s+0x%x -> %s]", m.Base, m.Size, m.RealBase)
}
