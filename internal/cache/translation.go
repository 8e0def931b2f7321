package cache

import (
	"sync"
	"time"

	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memview"
	"github.com/tinyrange/guestmem/internal/physmem"
)

// TranslationConfig configures a Translation (VAT) cache.
type TranslationConfig struct {
	EntryCount uint64
	TTL        time.Duration
	PageSize   uint64 // table-page granularity for NoteTablePage; defaults to 4096
}

type translationEntry struct {
	valid    bool
	dtb1     memaddr.Address
	dtb2     memaddr.Address
	vpage    memaddr.Address
	pa       memaddr.PhysicalAddress
	inserted time.Time
}

// Translation is a flat open-addressed virtual-to-physical translation
// cache, keyed by (dtb1, dtb2, virtual_page_base) per spec §4.6. Each key
// maps to exactly one slot by hash modulo table size; a collision evicts
// whatever was there (first-probe eviction — there is no chain to walk).
//
// It additionally tracks which physical pages have been observed serving
// as page-table nodes during a walk (NoteTablePage), so an invalidating
// write wrapper (InvalidatingMemory) can implement spec §4.6's "writes to
// a page marked PAGE_TABLE by any cached translation invalidate the cache
// wholesale" rule without the translator itself needing to know about
// invalidation policy.
type Translation struct {
	mu    sync.Mutex
	cfg   TranslationConfig
	slots []translationEntry

	tablePages map[uint64]struct{}
	nowFn      func() time.Time
}

// NewTranslation builds a Translation cache sized per cfg.
func NewTranslation(cfg TranslationConfig) *Translation {
	if cfg.EntryCount == 0 {
		cfg.EntryCount = 1
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = 4096
	}
	return &Translation{
		cfg:        cfg,
		slots:      make([]translationEntry, cfg.EntryCount),
		tablePages: make(map[uint64]struct{}),
		nowFn:      time.Now,
	}
}

func (c *Translation) hash(dtb1, dtb2, vpage memaddr.Address) uint64 {
	h := uint64(14695981039346656037)
	for _, v := range [3]uint64{uint64(dtb1), uint64(dtb2), uint64(vpage)} {
		h ^= v
		h *= 1099511628211
	}
	return h % uint64(len(c.slots))
}

// Lookup implements translate.Cache.
func (c *Translation) Lookup(dtb1, dtb2, vpage memaddr.Address) (memaddr.PhysicalAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.hash(dtb1, dtb2, vpage)
	e := &c.slots[idx]
	if !e.valid || e.dtb1 != dtb1 || e.dtb2 != dtb2 || e.vpage != vpage {
		return memaddr.PhysicalAddress{}, false
	}
	if c.cfg.TTL > 0 && c.nowFn().Sub(e.inserted) > c.cfg.TTL {
		return memaddr.PhysicalAddress{}, false
	}
	return e.pa, true
}

// Insert implements translate.Cache, evicting whatever previously
// occupied the target slot.
func (c *Translation) Insert(dtb1, dtb2, vpage memaddr.Address, pa memaddr.PhysicalAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.hash(dtb1, dtb2, vpage)
	c.slots[idx] = translationEntry{
		valid:    true,
		dtb1:     dtb1,
		dtb2:     dtb2,
		vpage:    vpage,
		pa:       pa,
		inserted: c.nowFn(),
	}
}

// InvalidateAll drops every cached entry, per spec §4.6's "simplest
// correct policy" and vmview.SetDtb's wholesale-invalidation contract.
func (c *Translation) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.slots {
		c.slots[i] = translationEntry{}
	}
	c.tablePages = make(map[uint64]struct{})
}

// NoteTablePage records that the physical page containing addr was read
// as a page-table node during a walk. translate.BatchWalk calls this
// (through the optional translate.TableObserver capability) for every
// page-table-entry address it reads while this cache is attached.
func (c *Translation) NoteTablePage(addr memaddr.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tablePages[uint64(addr)/c.cfg.PageSize] = struct{}{}
}

func (c *Translation) isTablePage(ppn uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.tablePages[ppn]
	return ok
}

// InvalidatingMemory wraps a physical-memory backend so that a write
// landing in a page ever observed as a page-table node invalidates tc
// wholesale before the write is delegated, per spec §4.6. Reads pass
// through unchanged.
type InvalidatingMemory struct {
	under physmem.Memory
	tc    *Translation
}

// NewInvalidatingMemory wraps under, invalidating tc on writes that hit a
// known page-table page.
func NewInvalidatingMemory(under physmem.Memory, tc *Translation) *InvalidatingMemory {
	return &InvalidatingMemory{under: under, tc: tc}
}

func (m *InvalidatingMemory) ReadRawIter(reads physmem.Iterator[physmem.Read], onFail func(physmem.FailedRead)) error {
	return m.under.ReadRawIter(reads, onFail)
}

func (m *InvalidatingMemory) WriteRawIter(writes physmem.Iterator[physmem.Write], onFail func(physmem.FailedWrite)) error {
	var items []physmem.Write
	hitTable := false
	pageSize := m.tc.cfg.PageSize
	for {
		w, ok := writes.Next()
		if !ok {
			break
		}
		items = append(items, w)
		startPage := uint64(w.Hint.Addr) / pageSize
		endPage := (uint64(w.Hint.Addr) + uint64(len(w.Buffer)) - 1) / pageSize
		for ppn := startPage; ppn <= endPage; ppn++ {
			if m.tc.isTablePage(ppn) {
				hitTable = true
			}
		}
	}
	if hitTable {
		m.tc.InvalidateAll()
	}
	return m.under.WriteRawIter(physmem.NewSliceIterator(items), onFail)
}

func (m *InvalidatingMemory) Metadata() physmem.Metadata { return m.under.Metadata() }

func (m *InvalidatingMemory) SetMemMap(mm memaddr.MemoryMap) error { return m.under.SetMemMap(mm) }

func (m *InvalidatingMemory) PhysView() memview.View { return physmem.NewPhysView(m) }

var _ physmem.Memory = (*InvalidatingMemory)(nil)
