package translate

import (
	"testing"

	"github.com/tinyrange/guestmem/internal/arch/aarch64"
	"github.com/tinyrange/guestmem/internal/arch/x86"
	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memview"
	"github.com/tinyrange/guestmem/internal/physmem"
)

// countingMemory wraps a physmem.Memory, counting the total number of
// Read/Write elements submitted across every call, so tests can assert
// on the number of physical page-table reads a walk actually issues.
type countingMemory struct {
	under     physmem.Memory
	readElems int
}

func (c *countingMemory) ReadRawIter(reads physmem.Iterator[physmem.Read], onFail func(physmem.FailedRead)) error {
	var items []physmem.Read
	for {
		r, ok := reads.Next()
		if !ok {
			break
		}
		c.readElems++
		items = append(items, r)
	}
	return c.under.ReadRawIter(physmem.NewSliceIterator(items), onFail)
}

func (c *countingMemory) WriteRawIter(writes physmem.Iterator[physmem.Write], onFail func(physmem.FailedWrite)) error {
	return c.under.WriteRawIter(writes, onFail)
}

func (c *countingMemory) Metadata() physmem.Metadata { return c.under.Metadata() }

func (c *countingMemory) SetMemMap(m memaddr.MemoryMap) error { return c.under.SetMemMap(m) }

func (c *countingMemory) PhysView() memview.View { return physmem.NewPhysView(c) }

// buildLong64PageTables lays out a 4-level long-mode page table mapping
// virtual page 0x1000 to physical page 0x9000, writeable and executable,
// in a freshly allocated buffer.
func buildLong64PageTables(t *testing.T) *physmem.Buffer {
	t.Helper()
	buf := physmem.NewBuffer(0x10000)
	data := buf.Bytes()

	putEntry := func(tableBase, index uint64, value uint64) {
		off := tableBase + index*8
		for i := 0; i < 8; i++ {
			data[off+uint64(i)] = byte(value >> (8 * i))
		}
	}

	const (
		pml4Base = 0x0000
		pdptBase = 0x1000
		pdBase   = 0x2000
		ptBase   = 0x3000
		dataPage = 0x9000
		present  = 1 << 0
		writable = 1 << 1
	)

	putEntry(pml4Base, 0, pdptBase|present|writable)
	putEntry(pdptBase, 0, pdBase|present|writable)
	putEntry(pdBase, 0, ptBase|present|writable)
	putEntry(ptBase, 1, dataPage|present|writable) // va 0x1000 -> index 1

	copy(data[dataPage:dataPage+4], []byte{0xde, 0xad, 0xbe, 0xef})

	return buf
}

func TestSingleLong64Translation(t *testing.T) {
	phys := buildLong64PageTables(t)
	tr := New(x86.Long64())

	pa, err := tr.Single(phys, memaddr.Address(0), memaddr.Address(0), memaddr.Address(0x1000))
	if err != nil {
		t.Fatalf("Single: %v", err)
	}
	if pa.Addr != memaddr.Address(0x9000) {
		t.Fatalf("translated address = %s, want 0x9000", pa.Addr)
	}
	if !pa.Type.Has(memaddr.PageWriteable) {
		t.Fatalf("expected WRITEABLE, got %s", pa.Type)
	}
	if pa.Type.Has(memaddr.PageNoExec) {
		t.Fatalf("expected executable (no NOEXEC), got %s", pa.Type)
	}
}

func TestBatchWalkCoalescesEntryReads(t *testing.T) {
	base := buildLong64PageTables(t)
	counting := &countingMemory{under: base}
	tr := New(x86.Long64())

	ranges := []VtopRange{
		{Base: memaddr.Address(0x1000), Size: 4},
		{Base: memaddr.Address(0x1004), Size: 4},
		{Base: memaddr.Address(0x1008), Size: 4},
		{Base: memaddr.Address(0x100c), Size: 4},
	}

	var results []memaddr.VirtualTranslation
	var fails []memaddr.VirtualTranslationFail
	err := tr.BatchWalk(counting, ranges, memaddr.Address(0), memaddr.Address(0),
		func(v memaddr.VirtualTranslation) { results = append(results, v) },
		func(f memaddr.VirtualTranslationFail) { fails = append(fails, f) })
	if err != nil {
		t.Fatalf("BatchWalk: %v", err)
	}
	if len(fails) != 0 {
		t.Fatalf("unexpected failures: %v", fails)
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}

	// All 4 requests share every page-table entry at every of the 4
	// levels (PML4/PDPT/PD/PT), so the walk must issue exactly one
	// physical read per level: 4 total, not 4 per request.
	if counting.readElems != 4 {
		t.Fatalf("issued %d page-table reads, want exactly 4", counting.readElems)
	}
}

func TestBatchWalkUnmappedFails(t *testing.T) {
	phys := buildLong64PageTables(t)
	tr := New(x86.Long64())

	var fails []memaddr.VirtualTranslationFail
	err := tr.BatchWalk(phys, []VtopRange{{Base: memaddr.Address(0x2000_000), Size: 8}},
		memaddr.Address(0), memaddr.Address(0),
		func(memaddr.VirtualTranslation) { t.Fatalf("unexpected success") },
		func(f memaddr.VirtualTranslationFail) { fails = append(fails, f) })
	if err == nil {
		t.Fatalf("expected partial-batch error, got nil")
	}
	if len(fails) != 1 {
		t.Fatalf("got %d failures, want 1", len(fails))
	}
}

// writeAArch64PageTables lays out a 4-level 4K-granule walk inside buf,
// with every table and the data page offset by physBase, mapping virtual
// page 0x1000 to physical page physBase+0x9000, read-write and
// executable. physBase lets two independent root tables share one
// backing buffer without their internal pointers colliding.
func writeAArch64PageTables(buf *physmem.Buffer, physBase uint64) {
	data := buf.Bytes()

	putEntry := func(tableBase, index uint64, value uint64) {
		off := tableBase + index*8
		for i := 0; i < 8; i++ {
			data[off+uint64(i)] = byte(value >> (8 * i))
		}
	}

	const (
		valid = 1 << 0
		table = 1 << 1 // table/page descriptor, not a block
	)
	l0Base := physBase + 0x0000
	l1Base := physBase + 0x1000
	l2Base := physBase + 0x2000
	l3Base := physBase + 0x3000
	dataPage := physBase + 0x9000

	putEntry(l0Base, 0, l1Base|valid|table)
	putEntry(l1Base, 0, l2Base|valid|table)
	putEntry(l2Base, 0, l3Base|valid|table)
	putEntry(l3Base, 1, dataPage|valid|table) // va 0x1000 -> L3 index 1

	copy(data[dataPage:dataPage+4], []byte{0xca, 0xfe, 0xba, 0xbe})
}

func TestSingleAArch64Translation(t *testing.T) {
	phys := physmem.NewBuffer(0x10000)
	writeAArch64PageTables(phys, 0)
	tr := New(aarch64.Granule4K())

	pa, err := tr.Single(phys, memaddr.Address(0), memaddr.Address(0), memaddr.Address(0x1000))
	if err != nil {
		t.Fatalf("Single: %v", err)
	}
	if pa.Addr != memaddr.Address(0x9000) {
		t.Fatalf("translated address = %s, want 0x9000", pa.Addr)
	}
	if !pa.Type.Has(memaddr.PageWriteable) {
		t.Fatalf("expected WRITEABLE, got %s", pa.Type)
	}
	if pa.Type.Has(memaddr.PageNoExec) {
		t.Fatalf("expected executable (no NOEXEC), got %s", pa.Type)
	}
}

func TestSingleAArch64HighHalfSelectsDtb2(t *testing.T) {
	const dtb2Base = 0x10000
	merged := physmem.NewBuffer(0x20000)
	writeAArch64PageTables(merged, dtb2Base) // dtb1 (0) is left empty, unmapped

	tr := New(aarch64.Granule4K())
	// Only bit 63 selects dtb2 (SplitTTBR ignores the rest); keep every
	// other index bit identical to the dtb1 case above so the same table
	// layout applies.
	highVA := memaddr.Address(uint64(1)<<63 | 0x1000)

	pa, err := tr.Single(merged, memaddr.Address(0), memaddr.Address(dtb2Base), highVA)
	if err != nil {
		t.Fatalf("Single: %v", err)
	}
	if pa.Addr != memaddr.Address(dtb2Base+0x9000) {
		t.Fatalf("translated address = %s, want %s", pa.Addr, memaddr.Address(dtb2Base+0x9000))
	}
}

// buildClassic32PageTables lays out a 2-level classic 32-bit walk (PD,
// PT; 4-byte entries, 4KiB leaf pages) mapping virtual page 0x1000 to
// physical page 0x9000, writeable and executable.
func buildClassic32PageTables(t *testing.T) *physmem.Buffer {
	t.Helper()
	buf := physmem.NewBuffer(0x10000)
	data := buf.Bytes()

	putEntry := func(tableBase, index uint64, value uint32) {
		off := tableBase + index*4
		for i := 0; i < 4; i++ {
			data[off+uint64(i)] = byte(value >> (8 * i))
		}
	}

	const (
		pdBase   = 0x0000
		ptBase   = 0x1000
		dataPage = 0x9000
		present  = 1 << 0
		writable = 1 << 1
	)

	putEntry(pdBase, 0, ptBase|present|writable)
	putEntry(ptBase, 1, dataPage|present|writable) // va 0x1000 -> PT index 1

	copy(data[dataPage:dataPage+4], []byte{0xde, 0xad, 0xbe, 0xef})

	return buf
}

func TestSingleClassic32Translation(t *testing.T) {
	phys := buildClassic32PageTables(t)
	tr := New(x86.Classic32())

	pa, err := tr.Single(phys, memaddr.Address(0), memaddr.Address(0), memaddr.Address(0x1000))
	if err != nil {
		t.Fatalf("Single: %v", err)
	}
	if pa.Addr != memaddr.Address(0x9000) {
		t.Fatalf("translated address = %s, want 0x9000", pa.Addr)
	}
	if !pa.Type.Has(memaddr.PageWriteable) {
		t.Fatalf("expected WRITEABLE, got %s", pa.Type)
	}
	if pa.Type.Has(memaddr.PageNoExec) {
		t.Fatalf("expected executable (no NOEXEC), got %s", pa.Type)
	}
}

// buildPAE32PageTables lays out a 3-level PAE 32-bit walk (PDPT, PD, PT;
// 8-byte entries, 4KiB leaf pages) mapping virtual page 0x1000 to physical
// page 0x9000, writeable and executable. The PDPT level has no
// present/writable bits of its own in the real architecture beyond
// present, but setting writable too is harmless for this walk.
func buildPAE32PageTables(t *testing.T) *physmem.Buffer {
	t.Helper()
	buf := physmem.NewBuffer(0x10000)
	data := buf.Bytes()

	putEntry := func(tableBase, index uint64, value uint64) {
		off := tableBase + index*8
		for i := 0; i < 8; i++ {
			data[off+uint64(i)] = byte(value >> (8 * i))
		}
	}

	const (
		pdptBase = 0x0000
		pdBase   = 0x1000
		ptBase   = 0x2000
		dataPage = 0x9000
		present  = 1 << 0
		writable = 1 << 1
	)

	putEntry(pdptBase, 0, pdBase|present|writable)
	putEntry(pdBase, 0, ptBase|present|writable)
	putEntry(ptBase, 1, dataPage|present|writable) // va 0x1000 -> PT index 1

	copy(data[dataPage:dataPage+4], []byte{0xde, 0xad, 0xbe, 0xef})

	return buf
}

func TestSinglePAE32Translation(t *testing.T) {
	phys := buildPAE32PageTables(t)
	tr := New(x86.PAE32())

	pa, err := tr.Single(phys, memaddr.Address(0), memaddr.Address(0), memaddr.Address(0x1000))
	if err != nil {
		t.Fatalf("Single: %v", err)
	}
	if pa.Addr != memaddr.Address(0x9000) {
		t.Fatalf("translated address = %s, want 0x9000", pa.Addr)
	}
	if !pa.Type.Has(memaddr.PageWriteable) {
		t.Fatalf("expected WRITEABLE, got %s", pa.Type)
	}
	if pa.Type.Has(memaddr.PageNoExec) {
		t.Fatalf("expected executable (no NOEXEC), got %s", pa.Type)
	}
}

func TestVirtPageInfo(t *testing.T) {
	phys := buildLong64PageTables(t)
	tr := New(x86.Long64())

	page, err := tr.VirtPageInfo(phys, memaddr.Address(0), memaddr.Address(0), memaddr.Address(0x1004))
	if err != nil {
		t.Fatalf("VirtPageInfo: %v", err)
	}
	if page.Base != memaddr.Address(0x1000) {
		t.Fatalf("page base = %s, want 0x1000", page.Base)
	}
	if page.Size != 0x1000 {
		t.Fatalf("page size = %d, want 0x1000", page.Size)
	}
}
