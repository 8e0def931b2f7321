package translate

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memerr"
	"github.com/tinyrange/guestmem/internal/physmem"
)

// VirtPageInfo returns the Page (base, size, type) containing v, or an
// error if v is unmapped.
func (t *Translator) VirtPageInfo(phys physmem.Memory, dtb1, dtb2 memaddr.Address, v memaddr.Address) (memaddr.Page, error) {
	pa, err := t.Single(phys, dtb1, dtb2, v)
	if err != nil {
		return memaddr.Page{}, err
	}
	size := pa.PageSize()
	if size == 0 {
		size = t.Arch.PageSize
	}
	base := memaddr.Address(uint64(v) &^ (size - 1))
	return memaddr.Page{Type: pa.Type, Base: base, Size: size}, nil
}

// VirtPageMap enumerates mapped virtual page ranges within [scanBase,
// scanBase+scanSize), merging adjacent ranges whose gap is <= maxGap.
// This is a scan over the caller-provided window rather than a full
// address-space walk (the full space is 2^48 wide on 64-bit; scanning it
// unconditionally is never what a caller wants).
func (t *Translator) VirtPageMap(phys physmem.Memory, dtb1, dtb2 memaddr.Address, scanBase memaddr.Address, scanSize uint64, maxGap uint64) ([]memaddr.MemoryRange, error) {
	if scanSize == 0 {
		return nil, nil
	}
	ranges := make([]VtopRange, 0)
	step := t.Arch.PageSize
	for off := uint64(0); off < scanSize; off += step {
		ranges = append(ranges, VtopRange{Base: scanBase.Add(off), Size: 1})
	}

	type hit struct {
		base memaddr.Address
		typ  memaddr.PageType
		size uint64
	}
	var hits []hit
	_ = t.BatchWalk(phys, ranges, dtb1, dtb2,
		func(tr memaddr.VirtualTranslation) {
			pageSize := tr.OutPhysical.PageSize()
			if pageSize == 0 {
				pageSize = step
			}
			base := memaddr.Address(uint64(tr.InVirtual) &^ (pageSize - 1))
			hits = append(hits, hit{base: base, typ: tr.OutPhysical.Type, size: pageSize})
		},
		func(memaddr.VirtualTranslationFail) {})

	sort.Slice(hits, func(i, j int) bool { return hits[i].base < hits[j].base })

	var out []memaddr.MemoryRange
	for _, h := range hits {
		if len(out) > 0 {
			last := &out[len(out)-1]
			end := uint64(last.Base) + last.Size
			var gap uint64
			if uint64(h.base) > end {
				gap = uint64(h.base) - end
			}
			if h.base >= last.Base && gap <= maxGap && last.Type == h.typ {
				newEnd := uint64(h.base) + h.size
				if newEnd > uint64(last.Base)+last.Size {
					last.Size = newEnd - uint64(last.Base)
				}
				continue
			}
		}
		out = append(out, memaddr.MemoryRange{Base: h.base, Size: h.size, Type: h.typ})
	}
	return out, nil
}

// VirtTranslationMap enumerates the full virtual->physical map within the
// given scan window, returning one VirtualTranslation per mapped range.
func (t *Translator) VirtTranslationMap(phys physmem.Memory, dtb1, dtb2 memaddr.Address, scanBase memaddr.Address, scanSize uint64) ([]memaddr.VirtualTranslation, error) {
	if scanSize == 0 {
		return nil, nil
	}
	step := t.Arch.PageSize
	ranges := make([]VtopRange, 0, scanSize/step+1)
	for off := uint64(0); off < scanSize; off += step {
		ranges = append(ranges, VtopRange{Base: scanBase.Add(off), Size: step})
	}
	var out []memaddr.VirtualTranslation
	err := t.BatchWalk(phys, ranges, dtb1, dtb2,
		func(tr memaddr.VirtualTranslation) { out = append(out, tr) },
		func(memaddr.VirtualTranslationFail) {})
	if err != nil && !errors.Is(err, memerr.ErrPartial) {
		return nil, err
	}
	return out, nil
}

// PhysToVirt is the optional reverse-lookup: given a physical address,
// find a virtual address that maps to it. Not every translator supports
// this (it generally requires a full forward scan, since page tables do
// not carry a reverse index); the default implementation reports
// ErrUnsupported, leaving reverse lookup to architectures or OS layers
// that can build an index cheaply.
func (t *Translator) PhysToVirt(memaddr.Address) (memaddr.Address, error) {
	return memaddr.Invalid, fmt.Errorf("translate: %w", memerr.ErrUnsupported)
}
