// Package memview defines the memory-view contract: the same batched
// shape as physmem.Memory but over an opaque address space (virtual
// addresses, or any other address space a view chooses to expose), with
// added scalar convenience helpers.
package memview

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/guestmem/internal/iterseq"
	"github.com/tinyrange/guestmem/internal/memaddr"
)

// ReadData/WriteData are the view-level counterparts of physmem.Read/Write:
// the Addr field carries the caller's address directly rather than a
// PhysicalAddress, since the view has not necessarily translated yet.
type ReadData struct {
	Addr       memaddr.Address
	SlotOrigin memaddr.Address
	Buffer     []byte
}

type WriteData struct {
	Addr       memaddr.Address
	SlotOrigin memaddr.Address
	Buffer     []byte
}

type FailedRead struct {
	Read ReadData
	Err  error
}

type FailedWrite struct {
	Write WriteData
	Err   error
}

// Metadata describes a memory-view backend's static properties.
type Metadata struct {
	MaxAddress    memaddr.Address
	RealSize      uint64
	Readonly      bool
	LittleEndian  bool
	ArchBits      int
}

// ReturnCode mirrors spec §4.2's read_raw_list/write_raw_list precise
// semantics: 0 iff every element succeeded, -2 iff at least one element
// failed (partial), other negative codes for setup-time failures.
type ReturnCode int32

const (
	CodeSuccess ReturnCode = 0
	CodePartial ReturnCode = -2
)

// View is the memory-view contract (spec §4.2).
type View interface {
	ReadRawIter(reads iterseq.Iterator[ReadData], onFail func(FailedRead)) error
	WriteRawIter(writes iterseq.Iterator[WriteData], onFail func(FailedWrite)) error

	// ReadRawList/WriteRawList are the eager list variants; they return a
	// ReturnCode rather than an error so callers can distinguish "some
	// elements failed" (CodePartial, after every success was still
	// delivered) from "the call could not even start".
	ReadRawList(reads []ReadData) ReturnCode
	WriteRawList(writes []WriteData) ReturnCode

	// ReadRawInto/WriteRaw handle a single contiguous range.
	ReadRawInto(addr memaddr.Address, out []byte) error
	WriteRaw(addr memaddr.Address, data []byte) error

	Metadata() Metadata
}

// readListIter/writeListIter adapt a slice of ReadData/WriteData for ReadRawIter reuse
// by ReadRawList implementations.
type readListIter struct {
	items []ReadData
	pos   int
}

func (r *readListIter) Next() (ReadData, bool) {
	if r.pos >= len(r.items) {
		return ReadData{}, false
	}
	v := r.items[r.pos]
	r.pos++
	return v, true
}

type writeListIter struct {
	items []WriteData
	pos   int
}

func (w *writeListIter) Next() (WriteData, bool) {
	if w.pos >= len(w.items) {
		return WriteData{}, false
	}
	v := w.items[w.pos]
	w.pos++
	return v, true
}

// ReadIter is the deprecated streaming variant of ReadRawIter. Its ABI
// history carries both a failure-only form and a separate success/failure
// form (spec §9 Open Question); this module implements it failure-only,
// identical in shape to ReadRawIter, so that callers migrating off it can
// do so mechanically.
func ReadIter(v View, reads iterseq.Iterator[ReadData], onFail func(FailedRead)) error {
	return v.ReadRawIter(reads, onFail)
}

// RunReadList drives a View's ReadRawIter over a slice, producing the
// ReturnCode semantics list-based implementations need. Helper shared by
// every View implementation so the eager/lazy paths cannot drift.
func RunReadList(v View, reads []ReadData) ReturnCode {
	anyFail := false
	err := v.ReadRawIter(&readListIter{items: reads}, func(FailedRead) { anyFail = true })
	if err != nil && !anyFail {
		return -1
	}
	if anyFail {
		return CodePartial
	}
	return CodeSuccess
}

// RunWriteList is the write-side counterpart of RunReadList.
func RunWriteList(v View, writes []WriteData) ReturnCode {
	anyFail := false
	err := v.WriteRawIter(&writeListIter{items: writes}, func(FailedWrite) { anyFail = true })
	if err != nil && !anyFail {
		return -1
	}
	if anyFail {
		return CodePartial
	}
	return CodeSuccess
}

// RunReadInto drives ReadRawIter for a single contiguous range, the
// pattern every View.ReadRawInto implementation shares.
func RunReadInto(v View, addr memaddr.Address, out []byte) error {
	var failErr error
	reads := []ReadData{{Addr: addr, SlotOrigin: addr, Buffer: out}}
	if err := v.ReadRawIter(&readListIter{items: reads}, func(f FailedRead) {
		failErr = f.Err
	}); err != nil && failErr == nil {
		return err
	}
	return failErr
}

// RunWriteRaw is the write-side counterpart of RunReadInto.
func RunWriteRaw(v View, addr memaddr.Address, data []byte) error {
	var failErr error
	writes := []WriteData{{Addr: addr, SlotOrigin: addr, Buffer: data}}
	if err := v.WriteRawIter(&writeListIter{items: writes}, func(f FailedWrite) {
		failErr = f.Err
	}); err != nil && failErr == nil {
		return err
	}
	return failErr
}

// Scalar helpers: endianness conversion is the view's responsibility
// here, keyed by Metadata().LittleEndian, exactly as spec §4.2 specifies.
func ReadU32(v View, addr memaddr.Address) (uint32, error) {
	var buf [4]byte
	if err := RunReadInto(v, addr, buf[:]); err != nil {
		return 0, err
	}
	if v.Metadata().LittleEndian {
		return binary.LittleEndian.Uint32(buf[:]), nil
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func ReadU64(v View, addr memaddr.Address) (uint64, error) {
	var buf [8]byte
	if err := RunReadInto(v, addr, buf[:]); err != nil {
		return 0, err
	}
	if v.Metadata().LittleEndian {
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func WriteU64(v View, addr memaddr.Address, val uint64) error {
	var buf [8]byte
	if v.Metadata().LittleEndian {
		binary.LittleEndian.PutUint64(buf[:], val)
	} else {
		binary.BigEndian.PutUint64(buf[:], val)
	}
	return RunWriteRaw(v, addr, buf[:])
}

// Gather reads a list of disjoint ranges in a single batched call,
// returning one buffer per input range in order, or an error for any
// range that failed.
func Gather(v View, ranges []memaddr.MemoryRange) ([][]byte, error) {
	bufs := make([][]byte, len(ranges))
	reads := make([]ReadData, len(ranges))
	for i, r := range ranges {
		bufs[i] = make([]byte, r.Size)
		reads[i] = ReadData{Addr: r.Base, SlotOrigin: memaddr.Address(i), Buffer: bufs[i]}
	}
	var firstErr error
	_ = v.ReadRawIter(&readListIter{items: reads}, func(f FailedRead) {
		if firstErr == nil {
			firstErr = fmt.Errorf("memview: gather slot %d: %w", f.Read.SlotOrigin, f.Err)
		}
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return bufs, nil
}
