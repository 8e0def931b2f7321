package physmem

import (
	"errors"
	"testing"

	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memerr"
)

func TestBufferReadWriteRoundTrip(t *testing.T) {
	buf := NewBuffer(0x1000)
	writes := []Write{
		{Hint: memaddr.PhysicalAddress{Addr: memaddr.Address(0x10)}, Buffer: []byte{1, 2, 3, 4}},
	}
	if err := buf.WriteRawIter(NewSliceIterator(writes), nil); err != nil {
		t.Fatalf("WriteRawIter: %v", err)
	}

	dst := make([]byte, 4)
	reads := []Read{
		{Hint: memaddr.PhysicalAddress{Addr: memaddr.Address(0x10)}, Buffer: dst},
	}
	if err := buf.ReadRawIter(NewSliceIterator(reads), nil); err != nil {
		t.Fatalf("ReadRawIter: %v", err)
	}
	if dst[0] != 1 || dst[1] != 2 || dst[2] != 3 || dst[3] != 4 {
		t.Fatalf("got %v, want [1 2 3 4]", dst)
	}
}

func TestBufferReadOutOfBoundsFails(t *testing.T) {
	buf := NewBuffer(0x100)
	dst := make([]byte, 16)
	reads := []Read{
		{Hint: memaddr.PhysicalAddress{Addr: memaddr.Address(0xf8)}, Buffer: dst},
	}
	var fails []FailedRead
	err := buf.ReadRawIter(NewSliceIterator(reads), func(f FailedRead) { fails = append(fails, f) })
	if !errors.Is(err, memerr.ErrPartial) {
		t.Fatalf("err = %v, want ErrPartial", err)
	}
	if len(fails) != 1 {
		t.Fatalf("got %d failures, want 1", len(fails))
	}
	if !errors.Is(fails[0].Err, memerr.ErrOutOfBounds) {
		t.Fatalf("failure err = %v, want ErrOutOfBounds", fails[0].Err)
	}
}

func TestBufferPartialBatchAggregatesAllFailures(t *testing.T) {
	buf := NewBuffer(0x100)
	reads := []Read{
		{Hint: memaddr.PhysicalAddress{Addr: memaddr.Address(0x00)}, Buffer: make([]byte, 4)},  // ok
		{Hint: memaddr.PhysicalAddress{Addr: memaddr.Address(0xfc)}, Buffer: make([]byte, 16)}, // out of bounds
		{Hint: memaddr.PhysicalAddress{Addr: memaddr.Address(0x10)}, Buffer: make([]byte, 4)},  // ok
		{Hint: memaddr.PhysicalAddress{Addr: memaddr.Address(0x200)}, Buffer: make([]byte, 4)}, // out of bounds
	}
	var fails []FailedRead
	err := buf.ReadRawIter(NewSliceIterator(reads), func(f FailedRead) { fails = append(fails, f) })
	if !errors.Is(err, memerr.ErrPartial) {
		t.Fatalf("err = %v, want ErrPartial", err)
	}
	if len(fails) != 2 {
		t.Fatalf("got %d failures, want 2 (batch must account for every failing element)", len(fails))
	}
}

func TestBufferWriteReadonlyFails(t *testing.T) {
	buf := NewBuffer(0x100)
	buf.SetReadonly(true)
	writes := []Write{
		{Hint: memaddr.PhysicalAddress{Addr: memaddr.Address(0x0)}, Buffer: []byte{1}},
	}
	var fails []FailedWrite
	err := buf.WriteRawIter(NewSliceIterator(writes), func(f FailedWrite) { fails = append(fails, f) })
	if !errors.Is(err, memerr.ErrPartial) {
		t.Fatalf("err = %v, want ErrPartial", err)
	}
	if len(fails) != 1 || !errors.Is(fails[0].Err, memerr.ErrReadOnly) {
		t.Fatalf("fails = %v, want one ErrReadOnly", fails)
	}
}

func TestBufferMemMapRewritesAddresses(t *testing.T) {
	buf := NewBuffer(0x2000)
	m := memaddr.NewMemoryMap([]memaddr.MappingEntry{
		{Base: 0x1000, Size: 0x10, RealBase: 0x0},
	})
	if err := buf.SetMemMap(m); err != nil {
		t.Fatalf("SetMemMap: %v", err)
	}

	// Writing through the mapped address 0x1000 must land at real
	// address 0x0.
	writes := []Write{{Hint: memaddr.PhysicalAddress{Addr: memaddr.Address(0x1000)}, Buffer: []byte{0xaa}}}
	if err := buf.WriteRawIter(NewSliceIterator(writes), nil); err != nil {
		t.Fatalf("WriteRawIter: %v", err)
	}
	if buf.Bytes()[0] != 0xaa {
		t.Fatalf("real byte 0 = %#x, want 0xaa (mapped write should land at RealBase)", buf.Bytes()[0])
	}

	dst := make([]byte, 1)
	reads := []Read{{Hint: memaddr.PhysicalAddress{Addr: memaddr.Address(0x1000)}, Buffer: dst}}
	if err := buf.ReadRawIter(NewSliceIterator(reads), nil); err != nil {
		t.Fatalf("ReadRawIter: %v", err)
	}
	if dst[0] != 0xaa {
		t.Fatalf("got %#x, want 0xaa (mapped address should read back what the real address stored)", dst[0])
	}

	unmapped := make([]byte, 1)
	err := buf.ReadRawIter(NewSliceIterator([]Read{{Hint: memaddr.PhysicalAddress{Addr: memaddr.Address(0x1020)}, Buffer: unmapped}}), nil)
	if !errors.Is(err, memerr.ErrPartial) {
		t.Fatalf("reading an address outside the map's ranges should fail, got %v", err)
	}
}
