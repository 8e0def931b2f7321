// Package vmview implements the virtual memory view: a memview.View bound
// to a translator, a physical-memory backend, and a pair of translation
// roots (spec §4.4).
package vmview

import (
	"fmt"
	"sync"

	"github.com/tinyrange/guestmem/internal/arch"
	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memerr"
	"github.com/tinyrange/guestmem/internal/memview"
	"github.com/tinyrange/guestmem/internal/physmem"
	"github.com/tinyrange/guestmem/internal/translate"
)

// TranslationCache is the surface vmview needs from a translation cache
// (internal/cache.Translation implements it): the lookup/insert pair the
// translator consults, plus wholesale invalidation for SetDtb.
type TranslationCache interface {
	translate.Cache
	InvalidateAll()
}

// View binds a translator, a physical-memory backend, and translation
// roots into a memview.View. It owns no cache by default; callers that
// want translation caching attach one with WithCache.
type View struct {
	mu sync.Mutex

	phys  physmem.Memory
	tr    *translate.Translator
	arch  arch.Descriptor
	dtb1  memaddr.Address
	dtb2  memaddr.Address
	cache TranslationCache
}

// New builds a virtual memory view over phys, walked by tr, rooted at
// dtb1 (and dtb2 for split address spaces).
func New(phys physmem.Memory, tr *translate.Translator, dtb1, dtb2 memaddr.Address) *View {
	return &View{phys: phys, tr: tr, arch: tr.Arch, dtb1: dtb1, dtb2: dtb2}
}

// WithCache attaches a translation cache. Caches are not shared between
// clones (spec §5); callers that clone a View must supply a fresh cache
// or none at all to the clone.
func (v *View) WithCache(c TranslationCache) *View {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = c
	return v
}

// SetDtb overrides the translation roots. This is the only supported
// mutation of a process's translation state post-construction (spec
// §4.4). Per the resolved Open Question in spec §9, this wholesale
// invalidates the bound translation cache: entries keyed by the old
// (dtb1, dtb2) pair would otherwise silently serve now-stale physical
// addresses for what is, from the cache's perspective, an entirely
// different address space.
func (v *View) SetDtb(dtb1, dtb2 memaddr.Address) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dtb1 = dtb1
	v.dtb2 = dtb2
	if v.cache != nil {
		v.cache.InvalidateAll()
	}
}

func (v *View) Dtb() (memaddr.Address, memaddr.Address) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dtb1, v.dtb2
}

// Clone returns an independent View sharing the same physical-memory
// backend and translator but starting with no translation cache, per
// spec §5's "caches are not shared between clones" rule.
func (v *View) Clone() *View {
	v.mu.Lock()
	defer v.mu.Unlock()
	return New(v.phys, v.tr, v.dtb1, v.dtb2)
}

func (v *View) Metadata() memview.Metadata {
	v.mu.Lock()
	defer v.mu.Unlock()
	pm := v.phys.Metadata()
	return memview.Metadata{
		MaxAddress:   memaddr.Address(uint64(1)<<v.arch.AddressSpaceBits - 1),
		RealSize:     pm.RealSize,
		Readonly:     pm.Readonly,
		LittleEndian: v.arch.Endian == arch.LittleEndian,
		ArchBits:     v.arch.Bits,
	}
}

// subRange is one physical-memory transfer derived from splitting a
// memview element on virtual-page boundaries.
type subRange struct {
	ownerIdx int
	vaddr    memaddr.Address
	buf      []byte
}

// splitOnPages breaks buf (addressed starting at addr) into page-aligned
// VtopRange/subRange pairs, so no single translator request spans more
// than one leaf page (spec §4.4 step 1).
func splitOnPages(ownerIdx int, addr memaddr.Address, buf []byte, pageSize uint64) ([]translate.VtopRange, []subRange) {
	var ranges []translate.VtopRange
	var subs []subRange
	off := uint64(0)
	for off < uint64(len(buf)) {
		va := uint64(addr) + off
		pageEnd := alignUp(va+1, pageSize)
		chunk := pageEnd - va
		if rem := uint64(len(buf)) - off; chunk > rem {
			chunk = rem
		}
		ranges = append(ranges, translate.VtopRange{Base: memaddr.Address(va), Size: chunk})
		subs = append(subs, subRange{ownerIdx: ownerIdx, vaddr: memaddr.Address(va), buf: buf[off : off+chunk]})
		off += chunk
	}
	return ranges, subs
}

// ReadRawIter implements memview.View. It splits each input element on
// virtual-page boundaries (step 1), batches the resulting ranges through
// the translator (steps 2-3), drains the resulting physical reads
// through the backend in ideal-batch-size chunks (step 4), then
// aggregates per-element failures (step 5): an element is reported to
// onFail at most once.
func (v *View) ReadRawIter(reads physmem.Iterator[memview.ReadData], onFail func(memview.FailedRead)) error {
	v.mu.Lock()
	phys, tr, dtb1, dtb2, cache := v.phys, v.tr, v.dtb1, v.dtb2, v.cache
	v.mu.Unlock()

	var elems []memview.ReadData
	for {
		r, ok := reads.Next()
		if !ok {
			break
		}
		elems = append(elems, r)
	}

	pageSize := tr.Arch.PageSize
	var ranges []translate.VtopRange
	var subs []subRange
	for ei, e := range elems {
		r, s := splitOnPages(ei, e.Addr, e.Buffer, pageSize)
		ranges = append(ranges, r...)
		subs = append(subs, s...)
	}

	byVA := make(map[uint64][]*subRange, len(subs))
	for i := range subs {
		s := &subs[i]
		byVA[uint64(s.vaddr)] = append(byVA[uint64(s.vaddr)], s)
	}

	var physReads []physmem.Read
	physOwners := make(map[uint64][]int)
	failedOwner := make(map[int]bool)

	walk := tr.BatchWalk
	if cache != nil {
		walk = func(phys physmem.Memory, ranges []translate.VtopRange, dtb1, dtb2 memaddr.Address,
			onSuccess func(memaddr.VirtualTranslation), onFail func(memaddr.VirtualTranslationFail)) error {
			return tr.WalkCached(phys, cache, ranges, dtb1, dtb2, onSuccess, onFail)
		}
	}

	err := walk(phys, ranges, dtb1, dtb2,
		func(t memaddr.VirtualTranslation) {
			candidates := byVA[uint64(t.InVirtual)]
			if len(candidates) == 0 {
				return
			}
			s := candidates[0]
			byVA[uint64(t.InVirtual)] = candidates[1:]
			pa := uint64(t.OutPhysical.Addr)
			physOwners[pa] = append(physOwners[pa], s.ownerIdx)
			physReads = append(physReads, physmem.Read{Hint: t.OutPhysical, SlotOrigin: t.OutPhysical.Addr, Buffer: s.buf})
		},
		func(f memaddr.VirtualTranslationFail) {
			for _, s := range byVA[uint64(f.From)] {
				failedOwner[s.ownerIdx] = true
			}
		})
	if err != nil && err != memerr.ErrPartial {
		return err
	}

	ideal := int(phys.Metadata().IdealBatchSize)
	if ideal == 0 {
		ideal = 64
	}
	for start := 0; start < len(physReads); start += ideal {
		end := start + ideal
		if end > len(physReads) {
			end = len(physReads)
		}
		_ = phys.ReadRawIter(physmem.NewSliceIterator(physReads[start:end]), func(f physmem.FailedRead) {
			owners := physOwners[uint64(f.Read.SlotOrigin)]
			if len(owners) > 0 {
				failedOwner[owners[0]] = true
				physOwners[uint64(f.Read.SlotOrigin)] = owners[1:]
			}
		})
	}

	anyFail := false
	for idx, e := range elems {
		if failedOwner[idx] {
			anyFail = true
			if onFail != nil {
				onFail(memview.FailedRead{Read: e, Err: fmt.Errorf("vmview: read %s: %w", e.Addr, memerr.ErrUnmapped)})
			}
		}
	}
	if anyFail {
		return memerr.ErrPartial
	}
	return nil
}

// WriteRawIter is the write-side counterpart of ReadRawIter. Writes
// targeting a page the translator marked read-only fail, per spec §4.4.
func (v *View) WriteRawIter(writes physmem.Iterator[memview.WriteData], onFail func(memview.FailedWrite)) error {
	v.mu.Lock()
	phys, tr, dtb1, dtb2, cache := v.phys, v.tr, v.dtb1, v.dtb2, v.cache
	v.mu.Unlock()

	var elems []memview.WriteData
	for {
		w, ok := writes.Next()
		if !ok {
			break
		}
		elems = append(elems, w)
	}

	pageSize := tr.Arch.PageSize
	var ranges []translate.VtopRange
	var subs []subRange
	for ei, e := range elems {
		r, s := splitOnPages(ei, e.Addr, e.Buffer, pageSize)
		ranges = append(ranges, r...)
		subs = append(subs, s...)
	}

	byVA := make(map[uint64][]*subRange, len(subs))
	for i := range subs {
		s := &subs[i]
		byVA[uint64(s.vaddr)] = append(byVA[uint64(s.vaddr)], s)
	}

	var physWrites []physmem.Write
	physOwners := make(map[uint64][]int)
	failedOwner := make(map[int]bool)

	walk := tr.BatchWalk
	if cache != nil {
		walk = func(phys physmem.Memory, ranges []translate.VtopRange, dtb1, dtb2 memaddr.Address,
			onSuccess func(memaddr.VirtualTranslation), onFail func(memaddr.VirtualTranslationFail)) error {
			return tr.WalkCached(phys, cache, ranges, dtb1, dtb2, onSuccess, onFail)
		}
	}

	err := walk(phys, ranges, dtb1, dtb2,
		func(t memaddr.VirtualTranslation) {
			candidates := byVA[uint64(t.InVirtual)]
			if len(candidates) == 0 {
				return
			}
			s := candidates[0]
			byVA[uint64(t.InVirtual)] = candidates[1:]
			if t.OutPhysical.Type.Has(memaddr.PageReadOnly) {
				failedOwner[s.ownerIdx] = true
				return
			}
			pa := uint64(t.OutPhysical.Addr)
			physOwners[pa] = append(physOwners[pa], s.ownerIdx)
			physWrites = append(physWrites, physmem.Write{Hint: t.OutPhysical, SlotOrigin: t.OutPhysical.Addr, Buffer: s.buf})
		},
		func(f memaddr.VirtualTranslationFail) {
			for _, s := range byVA[uint64(f.From)] {
				failedOwner[s.ownerIdx] = true
			}
		})
	if err != nil && err != memerr.ErrPartial {
		return err
	}

	ideal := int(phys.Metadata().IdealBatchSize)
	if ideal == 0 {
		ideal = 64
	}
	for start := 0; start < len(physWrites); start += ideal {
		end := start + ideal
		if end > len(physWrites) {
			end = len(physWrites)
		}
		_ = phys.WriteRawIter(physmem.NewSliceIterator(physWrites[start:end]), func(f physmem.FailedWrite) {
			owners := physOwners[uint64(f.Write.SlotOrigin)]
			if len(owners) > 0 {
				failedOwner[owners[0]] = true
				physOwners[uint64(f.Write.SlotOrigin)] = owners[1:]
			}
		})
	}

	anyFail := false
	for idx, e := range elems {
		if failedOwner[idx] {
			anyFail = true
			if onFail != nil {
				onFail(memview.FailedWrite{Write: e, Err: fmt.Errorf("vmview: write %s: %w", e.Addr, memerr.ErrUnmapped)})
			}
		}
	}
	if anyFail {
		return memerr.ErrPartial
	}
	return nil
}

func (v *View) ReadRawList(reads []memview.ReadData) memview.ReturnCode {
	return memview.RunReadList(v, reads)
}

func (v *View) WriteRawList(writes []memview.WriteData) memview.ReturnCode {
	return memview.RunWriteList(v, writes)
}

func (v *View) ReadRawInto(addr memaddr.Address, out []byte) error {
	return memview.RunReadInto(v, addr, out)
}

func (v *View) WriteRaw(addr memaddr.Address, data []byte) error {
	return memview.RunWriteRaw(v, addr, data)
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	mask := align - 1
	return (v + mask) &^ mask
}

var _ memview.View = (*View)(nil)
