// Package translate implements the virtual-to-physical translator: a
// single-address walker and the batched scatter walker that amortizes
// page-table reads across many pending requests (spec §4.3).
package translate

import (
	"fmt"

	"github.com/tinyrange/guestmem/internal/arch"
	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memerr"
	"github.com/tinyrange/guestmem/internal/physmem"
)

// VtopRange is one input element of a batched translation: translate
// [Base, Base+Size) under the architecture's page tables.
type VtopRange struct {
	Base memaddr.Address
	Size uint64
}

// Translator walks an architecture's page tables over a physical-memory
// backend. It holds no per-call state; every method takes the backend,
// DTB(s), and ranges explicitly, so a single Translator can be shared
// across many vmview.View instances (spec §5: translator state is owned
// by the virtual-memory view, not the Translator itself).
type Translator struct {
	Arch arch.Descriptor
}

// New builds a Translator for the given architecture descriptor.
func New(a arch.Descriptor) *Translator { return &Translator{Arch: a} }

// selectRoot picks dtb1 or dtb2 per the architecture's split-address-space
// rule (spec §4.3, §9 "split address space").
func (t *Translator) selectRoot(va memaddr.Address, dtb1, dtb2 memaddr.Address) memaddr.Address {
	switch t.Arch.SplitRule {
	case arch.SplitHighBit:
		topBit := uint64(1) << (t.Arch.AddressSpaceBits - 1)
		if uint64(va)&topBit != 0 {
			return dtb2
		}
		return dtb1
	case arch.SplitTTBR:
		if uint64(va)&(uint64(1)<<63) != 0 {
			return dtb2
		}
		return dtb1
	default:
		return dtb1
	}
}

func entryIndex(va uint64, lvl arch.LevelRule) uint64 {
	mask := (uint64(1) << lvl.IndexBits) - 1
	return (va >> lvl.IndexShift) & mask
}

// Single performs one non-batched virtual-to-physical translation,
// walking from the architectural root selected by dtb1/dtb2.
func (t *Translator) Single(phys physmem.Memory, dtb1, dtb2 memaddr.Address, va memaddr.Address) (memaddr.PhysicalAddress, error) {
	var result memaddr.PhysicalAddress
	var walkErr error
	t.batchWalk(phys, []VtopRange{{Base: va, Size: 1}}, dtb1, dtb2, nil,
		func(tr memaddr.VirtualTranslation) { result = tr.OutPhysical },
		func(f memaddr.VirtualTranslationFail) {
			walkErr = fmt.Errorf("translate: %s %w", f.From, memerr.ErrUnmapped)
		})
	if walkErr != nil {
		return memaddr.PhysicalAddress{}, walkErr
	}
	return result, nil
}

// TableObserver is an optional capability a Cache may implement:
// NoteTablePage is called for every page-table-entry address a walk
// reads, so a wrapping write-invalidation policy (internal/cache's
// InvalidatingMemory) can later tell whether a write landed on a page
// that served as a table node, per spec §4.6.
type TableObserver interface {
	NoteTablePage(addr memaddr.Address)
}

// pending is one in-flight scatter-walk request. Its lifetime is bounded
// by a single BatchWalk call; the whole pending slice is allocated once
// up front (sized from the chunked input count) so the hot loop performs
// no per-request heap allocation, per spec §9's "translator arena" note.
type pending struct {
	vaddr      uint64
	size       uint64
	slotOrigin memaddr.Address
	level      int
	tableBase  uint64
	writeable  bool // AND-accumulated across levels so far
	noExec     bool // OR-accumulated across levels so far
}

// BatchWalk translates many virtual ranges in one amortized traversal of
// the page tables, per spec §4.3's scatter-translator contract: at most
// one physical read per distinct page-table-entry address per round,
// lock-stepped state machines, arena-sized pending storage.
func (t *Translator) BatchWalk(phys physmem.Memory, ranges []VtopRange, dtb1, dtb2 memaddr.Address,
	onSuccess func(memaddr.VirtualTranslation), onFail func(memaddr.VirtualTranslationFail)) error {
	return t.batchWalk(phys, ranges, dtb1, dtb2, nil, onSuccess, onFail)
}

func (t *Translator) batchWalk(phys physmem.Memory, ranges []VtopRange, dtb1, dtb2 memaddr.Address,
	observer TableObserver,
	onSuccess func(memaddr.VirtualTranslation), onFail func(memaddr.VirtualTranslationFail)) error {
	if len(t.Arch.Levels) == 0 || t.Arch.Decode == nil {
		return fmt.Errorf("translate: architecture %s has no walk rules: %w", t.Arch.Ident, memerr.ErrUnsupported)
	}

	basePage := t.Arch.PageSize

	// Chunk each input range on base-page boundaries so no single pending
	// entry can span more than one leaf page; count first so the arena is
	// sized exactly once.
	chunkCount := 0
	for _, r := range ranges {
		chunkCount += countChunks(uint64(r.Base), r.Size, basePage)
	}
	arenaSlots := make([]pending, 0, chunkCount)

	for _, r := range ranges {
		start := uint64(r.Base)
		remaining := r.Size
		for remaining > 0 {
			pageEnd := alignUp(start+1, basePage)
			chunkSize := pageEnd - start
			if chunkSize > remaining {
				chunkSize = remaining
			}
			root := t.selectRoot(memaddr.Address(start), dtb1, dtb2)
			arenaSlots = append(arenaSlots, pending{
				vaddr:      start,
				size:       chunkSize,
				slotOrigin: r.Base,
				level:      0,
				tableBase:  uint64(root),
				writeable:  true,
				noExec:     false,
			})
			start += chunkSize
			remaining -= chunkSize
		}
	}

	activePtrs := make([]int, len(arenaSlots))
	for i := range activePtrs {
		activePtrs[i] = i
	}
	done := make([]bool, len(arenaSlots)) // true once reported success or failure
	failed := false

	for len(activePtrs) > 0 {
		groups := make(map[uint64]*entryGroup)
		order := make([]uint64, 0, len(activePtrs))

		for _, idx := range activePtrs {
			p := &arenaSlots[idx]
			level := t.Arch.Levels[p.level]
			idxBits := entryIndex(p.vaddr, level)
			entryAddr := p.tableBase + idxBits*uint64(level.EntrySize)
			g, ok := groups[entryAddr]
			if !ok {
				g = &entryGroup{entryAddr: entryAddr, entrySize: level.EntrySize}
				groups[entryAddr] = g
				order = append(order, entryAddr)
			}
			g.members = append(g.members, idx)
		}

		// Issue one batched physical read covering every distinct
		// page-table-entry address pending this round.
		entryBytes := make(map[uint64][]byte, len(order))
		reads := make([]physmem.Read, 0, len(order))
		for _, addr := range order {
			buf := make([]byte, 8) // entries are at most 8 bytes; 4-byte entries use the low 4
			entryBytes[addr] = buf
			reads = append(reads, physmem.Read{
				Hint:       memaddr.PhysicalAddress{Addr: memaddr.Address(addr), Type: memaddr.PageTable},
				SlotOrigin: memaddr.Address(addr),
				Buffer:     buf[:groups[addr].entrySize],
			})
			if observer != nil {
				observer.NoteTablePage(memaddr.Address(addr))
			}
		}
		readFail := make(map[uint64]bool, 0)
		_ = phys.ReadRawIter(physmem.NewSliceIterator(reads), func(f physmem.FailedRead) {
			readFail[uint64(f.Read.Hint.Addr)] = true
		})

		nextActive := activePtrs[:0:0]
		for _, addr := range order {
			g := groups[addr]
			if readFail[addr] {
				for _, idx := range g.members {
					if !done[idx] {
						done[idx] = true
						failed = true
						if onFail != nil {
							onFail(memaddr.VirtualTranslationFail{From: memaddr.Address(arenaSlots[idx].vaddr), Size: arenaSlots[idx].size})
						}
					}
				}
				continue
			}
			raw := decodeRaw(entryBytes[addr], g.entrySize)
			for _, idx := range g.members {
				p := &arenaSlots[idx]
				level := t.Arch.Levels[p.level]
				dec := t.Arch.Decode(p.level, raw)
				if !dec.Present {
					done[idx] = true
					failed = true
					if onFail != nil {
						onFail(memaddr.VirtualTranslationFail{From: memaddr.Address(p.vaddr), Size: p.size})
					}
					continue
				}
				p.writeable = p.writeable && dec.Writeable
				p.noExec = p.noExec || dec.NoExec

				isLastLevel := p.level == len(t.Arch.Levels)-1
				terminate := (level.CanTerminate && dec.Terminal) || isLastLevel
				if terminate {
					pageSizeLog2 := level.TerminatePageSizeLog2
					if pageSizeLog2 == 0 {
						pageSizeLog2 = t.Arch.PageSizeLog2(basePage)
					}
					pageSize := uint64(1) << pageSizeLog2
					outAddr := dec.NextBase + (p.vaddr & (pageSize - 1))

					pt := memaddr.PageUnknown
					if p.writeable {
						pt |= memaddr.PageWriteable
					} else {
						pt |= memaddr.PageReadOnly
					}
					if p.noExec {
						pt |= memaddr.PageNoExec
					}

					done[idx] = true
					if onSuccess != nil {
						onSuccess(memaddr.VirtualTranslation{
							InVirtual: memaddr.Address(p.vaddr),
							Size:      p.size,
							OutPhysical: memaddr.PhysicalAddress{
								Addr:         memaddr.Address(outAddr),
								Type:         pt,
								PageSizeLog2: pageSizeLog2,
							},
						})
					}
					continue
				}

				// Not terminal: advance to the next level.
				p.level++
				p.tableBase = dec.NextBase
				nextActive = append(nextActive, idx)
			}
		}
		activePtrs = nextActive
	}

	if failed {
		return memerr.ErrPartial
	}
	return nil
}

// entryGroup collects every pending request that next needs to fetch the
// same page-table-entry address, so the round issues one physical read
// for the whole group rather than one per request.
type entryGroup struct {
	entryAddr uint64
	entrySize uint8
	members   []int
}

func countChunks(base, size, pageSize uint64) int {
	if size == 0 {
		return 0
	}
	n := 0
	start := base
	remaining := size
	for remaining > 0 {
		pageEnd := alignUp(start+1, pageSize)
		chunk := pageEnd - start
		if chunk > remaining {
			chunk = remaining
		}
		start += chunk
		remaining -= chunk
		n++
	}
	return n
}

func alignUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	mask := align - 1
	return (v + mask) &^ mask
}

func decodeRaw(buf []byte, size uint8) uint64 {
	var v uint64
	for i := uint8(0); i < size; i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}
