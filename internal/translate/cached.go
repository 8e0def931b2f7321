package translate

import (
	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memerr"
	"github.com/tinyrange/guestmem/internal/physmem"
)

// Cache is the surface the translator needs from a translation cache
// (spec §4.6): probe before walking, insert after a successful walk.
// internal/cache.Translation implements this; it is declared here rather
// than imported concretely so translate does not depend on cache.
type Cache interface {
	Lookup(dtb1, dtb2, vpage memaddr.Address) (memaddr.PhysicalAddress, bool)
	Insert(dtb1, dtb2, vpage memaddr.Address, pa memaddr.PhysicalAddress)
}

// WalkCached is BatchWalk augmented with an optional translation cache.
// Each range must already be chunked to at most one base page (vmview
// does this before calling in). Cached pages are served directly without
// entering the page-table walk; cache misses are walked normally and
// their results are inserted into the cache before being reported,
// matching spec §4.6: "before issuing page-table reads, probe the cache;
// emit cached successes directly; only non-cached virtual pages enter
// the walk. After a successful walk, insert the result."
func (t *Translator) WalkCached(phys physmem.Memory, cache Cache, ranges []VtopRange, dtb1, dtb2 memaddr.Address,
	onSuccess func(memaddr.VirtualTranslation), onFail func(memaddr.VirtualTranslationFail)) error {
	if cache == nil {
		return t.BatchWalk(phys, ranges, dtb1, dtb2, onSuccess, onFail)
	}

	pageSize := t.Arch.PageSize
	var miss []VtopRange
	anyFail := false

	for _, r := range ranges {
		vpage := memaddr.Address(uint64(r.Base) &^ (pageSize - 1))
		if pa, ok := cache.Lookup(dtb1, dtb2, vpage); ok {
			outAddr := pa.Addr.Add(uint64(r.Base) - uint64(vpage))
			onSuccess(memaddr.VirtualTranslation{
				InVirtual: r.Base,
				Size:      r.Size,
				OutPhysical: memaddr.PhysicalAddress{
					Addr:         outAddr,
					Type:         pa.Type,
					PageSizeLog2: pa.PageSizeLog2,
				},
			})
			continue
		}
		miss = append(miss, r)
	}

	if len(miss) == 0 {
		return nil
	}

	var observer TableObserver
	if obs, ok := cache.(TableObserver); ok {
		observer = obs
	}

	err := t.batchWalk(phys, miss, dtb1, dtb2, observer,
		func(tr memaddr.VirtualTranslation) {
			vpage := memaddr.Address(uint64(tr.InVirtual) &^ (pageSize - 1))
			pa := tr.OutPhysical
			pa.Addr = memaddr.Address(uint64(pa.Addr) - (uint64(tr.InVirtual) - uint64(vpage)))
			cache.Insert(dtb1, dtb2, vpage, pa)
			onSuccess(tr)
		},
		func(f memaddr.VirtualTranslationFail) {
			anyFail = true
			onFail(f)
		})
	if err != nil {
		return err
	}
	if anyFail {
		return memerr.ErrPartial
	}
	return nil
}
