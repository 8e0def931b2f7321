//go:build unix

package middleware

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memerr"
	"github.com/tinyrange/guestmem/internal/memview"
	"github.com/tinyrange/guestmem/internal/physmem"
)

// FileIo adapts a random-access file to the physical-memory contract
// (spec §4.7), using an identity memory map by default. It mmaps the
// file read-write (or read-only when NewFileIo's readonly is set) and
// serves every request directly from the mapping, the same
// golang.org/x/sys/unix.Mmap path the teacher uses for low-level OS
// primitives in internal/hv/kvm rather than hand-rolled ReadAt/WriteAt
// syscalls.
type FileIo struct {
	mu       sync.RWMutex
	f        *os.File
	data     []byte
	readonly bool
	memMap   memaddr.MemoryMap
	hasMap   bool
}

// NewFileIo mmaps f (already opened with the desired access mode) over
// its full size.
func NewFileIo(f *os.File, readonly bool) (*FileIo, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("middleware: stat backing file: %w", err)
	}
	prot := unix.PROT_READ
	if !readonly {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("middleware: mmap backing file: %w", err)
	}
	return &FileIo{f: f, data: data, readonly: readonly}, nil
}

// Close unmaps the backing file. The wrapped *os.File is left open; the
// caller owns its lifetime.
func (m *FileIo) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

func (m *FileIo) resolve(addr memaddr.Address) (memaddr.Address, error) {
	if m.hasMap {
		real, ok := m.memMap.Translate(addr)
		if !ok {
			return 0, fmt.Errorf("middleware: fileio address %s: %w", addr, memerr.ErrUnmapped)
		}
		return real, nil
	}
	return addr, nil
}

func (m *FileIo) bounds(addr memaddr.Address, n int) error {
	if uint64(addr)+uint64(n) > uint64(len(m.data)) {
		return fmt.Errorf("middleware: fileio address %s+%d: %w", addr, n, memerr.ErrOutOfBounds)
	}
	return nil
}

func (m *FileIo) ReadRawIter(reads physmem.Iterator[physmem.Read], onFail func(physmem.FailedRead)) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	partial := false
	for {
		r, ok := reads.Next()
		if !ok {
			break
		}
		real, err := m.resolve(r.Hint.Addr)
		if err == nil {
			err = m.bounds(real, len(r.Buffer))
		}
		if err != nil {
			partial = true
			if onFail != nil {
				onFail(physmem.FailedRead{Read: r, Err: err})
			}
			continue
		}
		copy(r.Buffer, m.data[uint64(real):uint64(real)+uint64(len(r.Buffer))])
	}
	if partial {
		return memerr.ErrPartial
	}
	return nil
}

func (m *FileIo) WriteRawIter(writes physmem.Iterator[physmem.Write], onFail func(physmem.FailedWrite)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	partial := false
	for {
		w, ok := writes.Next()
		if !ok {
			break
		}
		if m.readonly {
			partial = true
			if onFail != nil {
				onFail(physmem.FailedWrite{Write: w, Err: fmt.Errorf("middleware: %w", memerr.ErrReadOnly)})
			}
			continue
		}
		real, err := m.resolve(w.Hint.Addr)
		if err == nil {
			err = m.bounds(real, len(w.Buffer))
		}
		if err != nil {
			partial = true
			if onFail != nil {
				onFail(physmem.FailedWrite{Write: w, Err: err})
			}
			continue
		}
		copy(m.data[uint64(real):uint64(real)+uint64(len(w.Buffer))], w.Buffer)
	}
	if partial {
		return memerr.ErrPartial
	}
	return nil
}

func (m *FileIo) Metadata() physmem.Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return physmem.Metadata{
		MaxAddress:     memaddr.Address(len(m.data)),
		RealSize:       uint64(len(m.data)),
		Readonly:       m.readonly,
		IdealBatchSize: 64,
	}
}

func (m *FileIo) SetMemMap(mm memaddr.MemoryMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memMap = mm
	m.hasMap = mm.Len() > 0
	return nil
}

func (m *FileIo) PhysView() memview.View { return physmem.NewPhysView(m) }

var _ physmem.Memory = (*FileIo)(nil)
