// Package middleware implements the physmem.Memory wrappers of spec
// §4.7: address remapping, artificial delay, Prometheus metrics, and a
// file-backed physical-memory adapter. Every wrapper forwards failure
// callbacks verbatim and never silently drops an element, the same
// pass-through discipline the teacher's internal/hv backends apply when
// layering MMIO ranges over raw guest RAM.
package middleware

import (
	"fmt"

	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memerr"
	"github.com/tinyrange/guestmem/internal/memview"
	"github.com/tinyrange/guestmem/internal/physmem"
)

// Remap rewrites every address through a memaddr.MemoryMap before
// delegating to the wrapped backend; addresses outside every mapped
// range fail that element (spec §4.7).
type Remap struct {
	under physmem.Memory
	m     memaddr.MemoryMap
}

// NewRemap wraps under, rewriting addresses through m.
func NewRemap(under physmem.Memory, m memaddr.MemoryMap) *Remap {
	return &Remap{under: under, m: m}
}

// SetMap replaces the active memory map.
func (r *Remap) SetMap(m memaddr.MemoryMap) { r.m = m }

func (r *Remap) ReadRawIter(reads physmem.Iterator[physmem.Read], onFail func(physmem.FailedRead)) error {
	var items []physmem.Read
	failed := false
	for {
		req, ok := reads.Next()
		if !ok {
			break
		}
		real, ok := r.m.Translate(req.Hint.Addr)
		if !ok {
			failed = true
			if onFail != nil {
				onFail(physmem.FailedRead{Read: req, Err: fmt.Errorf("middleware: remap %s: %w", req.Hint.Addr, memerr.ErrUnmapped)})
			}
			continue
		}
		req.Hint.Addr = real
		items = append(items, req)
	}
	err := r.under.ReadRawIter(physmem.NewSliceIterator(items), onFail)
	if err != nil {
		return err
	}
	if failed {
		return memerr.ErrPartial
	}
	return nil
}

func (r *Remap) WriteRawIter(writes physmem.Iterator[physmem.Write], onFail func(physmem.FailedWrite)) error {
	var items []physmem.Write
	failed := false
	for {
		req, ok := writes.Next()
		if !ok {
			break
		}
		real, ok := r.m.Translate(req.Hint.Addr)
		if !ok {
			failed = true
			if onFail != nil {
				onFail(physmem.FailedWrite{Write: req, Err: fmt.Errorf("middleware: remap %s: %w", req.Hint.Addr, memerr.ErrUnmapped)})
			}
			continue
		}
		req.Hint.Addr = real
		items = append(items, req)
	}
	err := r.under.WriteRawIter(physmem.NewSliceIterator(items), onFail)
	if err != nil {
		return err
	}
	if failed {
		return memerr.ErrPartial
	}
	return nil
}

func (r *Remap) Metadata() physmem.Metadata { return r.under.Metadata() }

func (r *Remap) SetMemMap(m memaddr.MemoryMap) error {
	r.m = m
	return nil
}

func (r *Remap) PhysView() memview.View { return physmem.NewPhysView(r) }

var _ physmem.Memory = (*Remap)(nil)
