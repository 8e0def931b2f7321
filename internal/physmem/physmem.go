// Package physmem defines the batched physical-memory contract: the
// lowest layer of the stack, the one concrete backends (hypervisor memory
// bridges, procfs readers, PCIe DMA drivers, crashdump parsers) implement.
// Only this interface is normative for those backends; their concrete
// code lives outside this module as plugins (see internal/plugin).
package physmem

import (
	"github.com/tinyrange/guestmem/internal/iterseq"
	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memview"
)

// Read is one element of a physical read batch. SlotOrigin lets callers
// correlate a failure back to their own bookkeeping when many requests
// are batched together; Hint carries the provenance (page type, page
// size) of the address being read, when known.
type Read struct {
	Hint       memaddr.PhysicalAddress
	SlotOrigin memaddr.Address
	Buffer     []byte
}

// Write is the write-side counterpart of Read.
type Write struct {
	Hint       memaddr.PhysicalAddress
	SlotOrigin memaddr.Address
	Buffer     []byte
}

// FailedRead/FailedWrite are delivered to a batch's failure callback.
// Buffer retains only the unwritten/unsent suffix when a backend
// delivers a partial transfer for a single element.
type FailedRead struct {
	Read Read
	Err  error
}

type FailedWrite struct {
	Write Write
	Err   error
}

// Metadata describes a physical-memory backend's static properties.
type Metadata struct {
	MaxAddress     memaddr.Address
	RealSize       uint64
	Readonly       bool
	IdealBatchSize uint32
}

// Memory is the batched physical-memory contract (spec §4.1). A single
// call delivers either a filled buffer or a failure-callback invocation
// for every element of the input; backends may reorder, coalesce, or
// parallelize internally but must account for every element before
// returning (spec §5 "happens-before on return").
//
// ReadRawIter/WriteRawIter take a pull-based cursor (an iterator, not a
// pre-collected slice) so that batching middleware can stream through
// without buffering more than its own coalescing needs, per the "lazy
// gather streams" design note in spec §9.
type Memory interface {
	ReadRawIter(reads Iterator[Read], onFail func(FailedRead)) error
	WriteRawIter(writes Iterator[Write], onFail func(FailedWrite)) error

	Metadata() Metadata

	// SetMemMap installs or replaces an address rewriter. On Buffer and
	// middleware.FileIo an empty map removes remapping; middleware.Remap
	// fails every address while its map is empty. Implementations that do
	// not support remapping return memerr.ErrUnsupported.
	SetMemMap(m memaddr.MemoryMap) error

	// PhysView exposes this backend as a memview.View over its own
	// physical address space, per spec §4.1. Callers that already hold
	// a physmem.Memory and need the scalar/list convenience helpers
	// memview provides (ReadU64, Gather, ...) use this instead of
	// standing up a second adapter.
	PhysView() memview.View
}

// Iterator is a minimal pull-based cursor, used instead of a channel or a
// pre-collected slice so that a batch can be driven to completion by a
// single goroutine with no allocation beyond the cursor itself.
//
// It is an alias onto iterseq.Iterator so existing call sites written as
// physmem.Iterator[...] keep compiling; the underlying type lives in
// iterseq so memview can reference it without importing physmem back,
// which would cycle against physmem importing memview for PhysView above.
type Iterator[T any] = iterseq.Iterator[T]

// SliceIterator adapts a slice to Iterator.
type SliceIterator[T any] = iterseq.SliceIterator[T]

func NewSliceIterator[T any](items []T) *SliceIterator[T] {
	return iterseq.NewSliceIterator(items)
}
