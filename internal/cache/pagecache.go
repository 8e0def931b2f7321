// Package cache implements the two caching layers of the memory-access
// stack: a page-content cache sitting in front of a physical-memory
// backend (spec §4.5), and a virtual-to-physical translation cache
// consulted by the batched translator (spec §4.6). Both are grounded on
// the teacher's fixed-size slot-array caches in internal/hv (the vCPU
// register-file caches in common.go use the same "flat array, modulo
// index, collision evicts incumbent" shape).
package cache

import (
	"time"

	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memerr"
	"github.com/tinyrange/guestmem/internal/memview"
	"github.com/tinyrange/guestmem/internal/physmem"
)

// PageConfig configures a Page cache.
type PageConfig struct {
	PageSize     uint64
	SizeBytes    uint64
	PageTypeMask memaddr.PageType // 0 means "cache every type"
	TTL          time.Duration
}

type pageSlot struct {
	valid     bool
	ppn       uint64
	inserted  time.Time
	pageType  memaddr.PageType
	pageBytes []byte
}

// Page is a fixed-size direct-mapped page-content cache in front of a
// physical-memory backend. Indexing is (physical page number mod
// bucket count); a collision evicts the incumbent slot outright, per
// spec §4.5 — there is no chaining or second-chance probing here, unlike
// the open-addressed Translation cache below.
type Page struct {
	under  physmem.Memory
	cfg    PageConfig
	slots  []pageSlot
	nowFn  func() time.Time // overridable for tests
}

// NewPage wraps under with a page-content cache sized per cfg.
func NewPage(under physmem.Memory, cfg PageConfig) *Page {
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	bucketCount := cfg.SizeBytes / cfg.PageSize
	if bucketCount == 0 {
		bucketCount = 1
	}
	return &Page{
		under: under,
		cfg:   cfg,
		slots: make([]pageSlot, bucketCount),
		nowFn: time.Now,
	}
}

func (c *Page) bucket(ppn uint64) int {
	return int(ppn % uint64(len(c.slots)))
}

func (c *Page) typeAllowed(t memaddr.PageType) bool {
	if c.cfg.PageTypeMask == 0 {
		return true
	}
	return t&c.cfg.PageTypeMask != 0
}

func (c *Page) validSlot(s *pageSlot, ppn uint64) bool {
	if !s.valid || s.ppn != ppn {
		return false
	}
	if c.cfg.TTL > 0 && c.nowFn().Sub(s.inserted) > c.cfg.TTL {
		return false
	}
	return c.typeAllowed(s.pageType)
}

// ReadRawIter splits every element on page boundaries (per spec §4.5),
// serving each page from a valid slot or filling the slot from the
// underlying backend on a miss.
func (c *Page) ReadRawIter(reads physmem.Iterator[physmem.Read], onFail func(physmem.FailedRead)) error {
	pageSize := c.cfg.PageSize
	var misses []physmem.Read
	type served struct {
		r   physmem.Read
		err error
	}
	var fromCache []served

	for {
		r, ok := reads.Next()
		if !ok {
			break
		}
		off := uint64(0)
		for off < uint64(len(r.Buffer)) {
			addr := uint64(r.Hint.Addr) + off
			ppn := addr / pageSize
			pageOff := addr % pageSize
			chunk := pageSize - pageOff
			if rem := uint64(len(r.Buffer)) - off; chunk > rem {
				chunk = rem
			}
			sub := physmem.Read{
				Hint:       memaddr.PhysicalAddress{Addr: memaddr.Address(addr), Type: r.Hint.Type, PageSizeLog2: r.Hint.PageSizeLog2},
				SlotOrigin: r.SlotOrigin,
				Buffer:     r.Buffer[off : off+chunk],
			}
			bi := c.bucket(ppn)
			slot := &c.slots[bi]
			if c.validSlot(slot, ppn) {
				copy(sub.Buffer, slot.pageBytes[pageOff:pageOff+chunk])
				fromCache = append(fromCache, served{r: sub})
			} else {
				misses = append(misses, sub)
			}
			off += chunk
		}
	}

	// Fill every missed page exactly once, even when several sub-reads
	// land in the same page (spec §4.5: "a cache miss always fills the
	// slot").
	pagesToFill := make(map[uint64]*pageSlot)
	var fillReads []physmem.Read
	for _, m := range misses {
		ppn := uint64(m.Hint.Addr) / pageSize
		if _, ok := pagesToFill[ppn]; ok {
			continue
		}
		bi := c.bucket(ppn)
		slot := &c.slots[bi]
		slot.pageBytes = make([]byte, pageSize)
		pagesToFill[ppn] = slot
		fillReads = append(fillReads, physmem.Read{
			Hint:   memaddr.PhysicalAddress{Addr: memaddr.Address(ppn * pageSize), Type: m.Hint.Type, PageSizeLog2: m.Hint.PageSizeLog2},
			Buffer: slot.pageBytes,
		})
	}

	failedPage := make(map[uint64]bool)
	if len(fillReads) > 0 {
		_ = c.under.ReadRawIter(physmem.NewSliceIterator(fillReads), func(f physmem.FailedRead) {
			failedPage[uint64(f.Read.Hint.Addr)/pageSize] = true
		})
	}
	for ppn, slot := range pagesToFill {
		if failedPage[ppn] {
			continue
		}
		slot.valid = true
		slot.ppn = ppn
		slot.inserted = c.nowFn()
		var hintType memaddr.PageType
		for _, m := range misses {
			if uint64(m.Hint.Addr)/pageSize == ppn {
				hintType = m.Hint.Type
				break
			}
		}
		slot.pageType = hintType
	}

	anyFail := false
	for _, s := range fromCache {
		if onFail != nil && s.err != nil {
			anyFail = true
			onFail(physmem.FailedRead{Read: s.r, Err: s.err})
		}
	}
	for _, m := range misses {
		ppn := uint64(m.Hint.Addr) / pageSize
		if failedPage[ppn] {
			anyFail = true
			if onFail != nil {
				onFail(physmem.FailedRead{Read: m, Err: memerr.ErrUnmapped})
			}
			continue
		}
		slot := pagesToFill[ppn]
		pageOff := uint64(m.Hint.Addr) % pageSize
		copy(m.Buffer, slot.pageBytes[pageOff:pageOff+uint64(len(m.Buffer))])
	}

	if anyFail {
		return memerr.ErrPartial
	}
	return nil
}

// WriteRawIter invalidates the covering slot before delegating to the
// underlying backend; the cache never buffers writes (spec §4.5).
func (c *Page) WriteRawIter(writes physmem.Iterator[physmem.Write], onFail func(physmem.FailedWrite)) error {
	pageSize := c.cfg.PageSize
	var items []physmem.Write
	for {
		w, ok := writes.Next()
		if !ok {
			break
		}
		items = append(items, w)
		off := uint64(0)
		for off < uint64(len(w.Buffer)) {
			addr := uint64(w.Hint.Addr) + off
			ppn := addr / pageSize
			bi := c.bucket(ppn)
			slot := &c.slots[bi]
			if slot.valid && slot.ppn == ppn {
				slot.valid = false
			}
			pageOff := addr % pageSize
			chunk := pageSize - pageOff
			if rem := uint64(len(w.Buffer)) - off; chunk > rem {
				chunk = rem
			}
			off += chunk
		}
	}
	return c.under.WriteRawIter(physmem.NewSliceIterator(items), onFail)
}

func (c *Page) Metadata() physmem.Metadata { return c.under.Metadata() }

func (c *Page) SetMemMap(m memaddr.MemoryMap) error { return c.under.SetMemMap(m) }

func (c *Page) PhysView() memview.View { return physmem.NewPhysView(c) }

var _ physmem.Memory = (*Page)(nil)
