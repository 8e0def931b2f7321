package plugin

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memerr"
	"github.com/tinyrange/guestmem/internal/memview"
	"github.com/tinyrange/guestmem/internal/physmem"
)

// instanceMemory adapts a connector Instance's raw FFI entry points to
// physmem.Memory, one element at a time; the C side has no concept of
// batching, so coalescing across elements happens in the middleware
// layers wrapped around it (cache.Page), not here.
type instanceMemory struct {
	i *Instance
}

func (m *instanceMemory) call1(addr memaddr.Address, buf []byte, write bool) error {
	fn := m.i.rc.desc.readRaw
	if write {
		fn = m.i.rc.desc.writeRaw
	}
	if fn == nil {
		return fmt.Errorf("plugin: %s: %w", m.i.rc.desc.Name, memerr.ErrUnsupported)
	}
	var ptr uintptr
	if len(buf) > 0 {
		ptr = uintptr(unsafe.Pointer(&buf[0]))
	}
	code := fn(m.i.handle, uint64(addr), ptr, uintptr(len(buf)))
	if code != 0 {
		return fmt.Errorf("plugin: %s address %s: code %d", m.i.rc.desc.Name, addr, code)
	}
	return nil
}

func (m *instanceMemory) ReadRawIter(reads physmem.Iterator[physmem.Read], onFail func(physmem.FailedRead)) error {
	partial := false
	for {
		r, ok := reads.Next()
		if !ok {
			break
		}
		if err := m.call1(r.Hint.Addr, r.Buffer, false); err != nil {
			partial = true
			if onFail != nil {
				onFail(physmem.FailedRead{Read: r, Err: err})
			}
		}
	}
	if partial {
		return memerr.ErrPartial
	}
	return nil
}

func (m *instanceMemory) WriteRawIter(writes physmem.Iterator[physmem.Write], onFail func(physmem.FailedWrite)) error {
	partial := false
	for {
		w, ok := writes.Next()
		if !ok {
			break
		}
		if err := m.call1(w.Hint.Addr, w.Buffer, true); err != nil {
			partial = true
			if onFail != nil {
				onFail(physmem.FailedWrite{Write: w, Err: err})
			}
		}
	}
	if partial {
		return memerr.ErrPartial
	}
	return nil
}

func (m *instanceMemory) Metadata() physmem.Metadata {
	return physmem.Metadata{IdealBatchSize: 1}
}

// SetMemMap is unsupported: remapping belongs to the OS layer built atop
// this connector, not the connector's own raw address space.
func (m *instanceMemory) SetMemMap(memaddr.MemoryMap) error {
	return fmt.Errorf("plugin: %s: %w", m.i.rc.desc.Name, memerr.ErrUnsupported)
}

func (m *instanceMemory) PhysView() memview.View { return physmem.NewPhysView(m) }

var _ physmem.Memory = (*instanceMemory)(nil)
