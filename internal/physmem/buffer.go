package physmem

import (
	"fmt"

	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memerr"
	"github.com/tinyrange/guestmem/internal/memview"
)

// Buffer is an in-memory Memory backend over a flat byte slice, used as
// the reference/testing backend and as the base every middleware wrapper
// is tested against. It plays the role the teacher's MemoryRegion
// (io.ReaderAt/io.WriterAt over VM guest RAM, internal/hv/common.go)
// plays for a single contiguous VM memory slot.
type Buffer struct {
	data     []byte
	readonly bool
	memMap   memaddr.MemoryMap
	hasMap   bool
}

// NewBuffer creates a Buffer backend of the given size, zero-initialized.
func NewBuffer(size uint64) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// NewBufferFrom wraps an existing slice without copying.
func NewBufferFrom(data []byte) *Buffer {
	return &Buffer{data: data}
}

func (b *Buffer) SetReadonly(ro bool) { b.readonly = ro }

// Bytes exposes the underlying slice for test setup/assertions.
func (b *Buffer) Bytes() []byte { return b.data }

func (b *Buffer) resolve(addr memaddr.Address) (memaddr.Address, error) {
	if b.hasMap {
		real, ok := b.memMap.Translate(addr)
		if !ok {
			return 0, fmt.Errorf("physmem: address %s %w", addr, memerr.ErrUnmapped)
		}
		return real, nil
	}
	return addr, nil
}

func (b *Buffer) ReadRawIter(reads Iterator[Read], onFail func(FailedRead)) error {
	partial := false
	for {
		r, ok := reads.Next()
		if !ok {
			break
		}
		real, err := b.resolve(r.Hint.Addr)
		if err == nil {
			real, err = b.boundsCheck(real, len(r.Buffer))
		}
		if err != nil {
			partial = true
			if onFail != nil {
				onFail(FailedRead{Read: r, Err: err})
			}
			continue
		}
		copy(r.Buffer, b.data[uint64(real):uint64(real)+uint64(len(r.Buffer))])
	}
	if partial {
		return memerr.ErrPartial
	}
	return nil
}

func (b *Buffer) WriteRawIter(writes Iterator[Write], onFail func(FailedWrite)) error {
	partial := false
	for {
		w, ok := writes.Next()
		if !ok {
			break
		}
		if b.readonly {
			partial = true
			if onFail != nil {
				onFail(FailedWrite{Write: w, Err: fmt.Errorf("physmem: %w", memerr.ErrReadOnly)})
			}
			continue
		}
		real, err := b.resolve(w.Hint.Addr)
		if err == nil {
			real, err = b.boundsCheck(real, len(w.Buffer))
		}
		if err != nil {
			partial = true
			if onFail != nil {
				onFail(FailedWrite{Write: w, Err: err})
			}
			continue
		}
		copy(b.data[uint64(real):uint64(real)+uint64(len(w.Buffer))], w.Buffer)
	}
	if partial {
		return memerr.ErrPartial
	}
	return nil
}

func (b *Buffer) boundsCheck(addr memaddr.Address, n int) (memaddr.Address, error) {
	if uint64(addr)+uint64(n) > uint64(len(b.data)) {
		return 0, fmt.Errorf("physmem: address %s+%d %w", addr, n, memerr.ErrOutOfBounds)
	}
	return addr, nil
}

func (b *Buffer) Metadata() Metadata {
	return Metadata{
		MaxAddress:     memaddr.Address(len(b.data)),
		RealSize:       uint64(len(b.data)),
		Readonly:       b.readonly,
		IdealBatchSize: 64,
	}
}

func (b *Buffer) SetMemMap(m memaddr.MemoryMap) error {
	b.memMap = m
	b.hasMap = m.Len() > 0
	return nil
}

func (b *Buffer) PhysView() memview.View { return NewPhysView(b) }

var _ Memory = (*Buffer)(nil)
