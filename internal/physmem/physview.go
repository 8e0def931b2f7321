package physmem

import (
	"github.com/tinyrange/guestmem/internal/iterseq"
	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memview"
)

// physView adapts a Memory to memview.View (spec §4.1's
// into_phys_view/phys_view), translating memview's Addr-keyed ReadData/
// WriteData into this layer's Hint/SlotOrigin-keyed Read/Write and back.
// A view built this way carries no provenance of its own, so every
// outgoing Hint has a zero PageType/PageSizeLog2 — callers wanting page
// provenance go through translate.BatchWalk instead.
type physView struct {
	under Memory
}

// NewPhysView wraps under as a memview.View over its own physical
// address space. Every Memory implementation in this module exposes this
// through its PhysView method rather than constructing one directly, so
// callers never need to know which concrete adapter is in play.
func NewPhysView(under Memory) memview.View {
	return &physView{under: under}
}

func (v *physView) ReadRawIter(reads iterseq.Iterator[memview.ReadData], onFail func(memview.FailedRead)) error {
	var items []Read
	for {
		r, ok := reads.Next()
		if !ok {
			break
		}
		items = append(items, Read{
			Hint:       memaddr.PhysicalAddress{Addr: r.Addr},
			SlotOrigin: r.SlotOrigin,
			Buffer:     r.Buffer,
		})
	}
	return v.under.ReadRawIter(NewSliceIterator(items), func(f FailedRead) {
		if onFail != nil {
			onFail(memview.FailedRead{
				Read: memview.ReadData{Addr: f.Read.Hint.Addr, SlotOrigin: f.Read.SlotOrigin, Buffer: f.Read.Buffer},
				Err:  f.Err,
			})
		}
	})
}

func (v *physView) WriteRawIter(writes iterseq.Iterator[memview.WriteData], onFail func(memview.FailedWrite)) error {
	var items []Write
	for {
		w, ok := writes.Next()
		if !ok {
			break
		}
		items = append(items, Write{
			Hint:       memaddr.PhysicalAddress{Addr: w.Addr},
			SlotOrigin: w.SlotOrigin,
			Buffer:     w.Buffer,
		})
	}
	return v.under.WriteRawIter(NewSliceIterator(items), func(f FailedWrite) {
		if onFail != nil {
			onFail(memview.FailedWrite{
				Write: memview.WriteData{Addr: f.Write.Hint.Addr, SlotOrigin: f.Write.SlotOrigin, Buffer: f.Write.Buffer},
				Err:   f.Err,
			})
		}
	})
}

func (v *physView) ReadRawList(reads []memview.ReadData) memview.ReturnCode {
	return memview.RunReadList(v, reads)
}

func (v *physView) WriteRawList(writes []memview.WriteData) memview.ReturnCode {
	return memview.RunWriteList(v, writes)
}

func (v *physView) ReadRawInto(addr memaddr.Address, out []byte) error {
	return memview.RunReadInto(v, addr, out)
}

func (v *physView) WriteRaw(addr memaddr.Address, data []byte) error {
	return memview.RunWriteRaw(v, addr, data)
}

func (v *physView) Metadata() memview.Metadata {
	m := v.under.Metadata()
	return memview.Metadata{
		MaxAddress: m.MaxAddress,
		RealSize:   m.RealSize,
		Readonly:   m.Readonly,
		// Physical address spaces carry no endianness/width opinion of
		// their own; a translator or vmview layered on top supplies
		// those (spec §4.1 leaves ArchBits/LittleEndian to the
		// consumer that knows the guest's architecture).
	}
}

var _ memview.View = (*physView)(nil)
