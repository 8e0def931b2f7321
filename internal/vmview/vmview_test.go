package vmview

import (
	"testing"

	"github.com/tinyrange/guestmem/internal/arch/x86"
	"github.com/tinyrange/guestmem/internal/cache"
	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memview"
	"github.com/tinyrange/guestmem/internal/physmem"
	"github.com/tinyrange/guestmem/internal/translate"
)

// buildLong64PageTables mirrors the layout translate_test.go builds:
// a 4-level long-mode page table mapping virtual page 0x1000 to
// physical page 0x9000.
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
	putEntry(ptBase, 1, dataPage|present|writable)

	copy(data[dataPage:dataPage+4], []byte{0xde, 0xad, 0xbe, 0xef})

	return buf
}

func TestViewReadRawIntoTranslatesAndReads(t *testing.T) {
	phys := buildLong64PageTables(t)
	tr := translate.New(x86.Long64())
	v := New(phys, tr, memaddr.Address(0), memaddr.Address(0))

	dst := make([]byte, 4)
	if err := v.ReadRawInto(memaddr.Address(0x1000), dst); err != nil {
		t.Fatalf("ReadRawInto: %v", err)
	}
	if dst[0] != 0xde || dst[1] != 0xad || dst[2] != 0xbe || dst[3] != 0xef {
		t.Fatalf("got %x, want deadbeef", dst)
	}
}

func TestViewWriteRawThenReadBack(t *testing.T) {
	phys := buildLong64PageTables(t)
	tr := translate.New(x86.Long64())
	v := New(phys, tr, memaddr.Address(0), memaddr.Address(0))

	if err := v.WriteRaw(memaddr.Address(0x1004), []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	dst := make([]byte, 4)
	if err := v.ReadRawInto(memaddr.Address(0x1004), dst); err != nil {
		t.Fatalf("ReadRawInto: %v", err)
	}
	if dst[0] != 1 || dst[3] != 4 {
		t.Fatalf("got %v, want [1 2 3 4]", dst)
	}
}

func TestViewReadUnmappedFails(t *testing.T) {
	phys := buildLong64PageTables(t)
	tr := translate.New(x86.Long64())
	v := New(phys, tr, memaddr.Address(0), memaddr.Address(0))

	dst := make([]byte, 4)
	err := v.ReadRawInto(memaddr.Address(0x500000), dst)
	if err == nil {
		t.Fatalf("expected failure reading an unmapped virtual address")
	}
}

func TestViewWithCachePopulatesCacheAndInvalidatesOnSetDtb(t *testing.T) {
	phys := buildLong64PageTables(t)
	tr := translate.New(x86.Long64())
	tc := cache.NewTranslation(cache.TranslationConfig{EntryCount: 16})
	v := New(phys, tr, memaddr.Address(0), memaddr.Address(0)).WithCache(tc)

	dst := make([]byte, 4)
	if err := v.ReadRawInto(memaddr.Address(0x1000), dst); err != nil {
		t.Fatalf("ReadRawInto: %v", err)
	}
	if _, ok := tc.Lookup(memaddr.Address(0), memaddr.Address(0), memaddr.Address(0x1000)); !ok {
		t.Fatalf("expected translation cached after a successful read")
	}

	v.SetDtb(memaddr.Address(0x4000), memaddr.Address(0))
	if _, ok := tc.Lookup(memaddr.Address(0), memaddr.Address(0), memaddr.Address(0x1000)); ok {
		t.Fatalf("expected cache invalidated wholesale on SetDtb")
	}
}

func TestViewCloneStartsWithoutCache(t *testing.T) {
	phys := buildLong64PageTables(t)
	tr := translate.New(x86.Long64())
	tc := cache.NewTranslation(cache.TranslationConfig{EntryCount: 16})
	v := New(phys, tr, memaddr.Address(0), memaddr.Address(0)).WithCache(tc)

	dst := make([]byte, 4)
	v.ReadRawInto(memaddr.Address(0x1000), dst)

	clone := v.Clone()
	if clone.cache != nil {
		t.Fatalf("expected clone to start with no attached cache")
	}
}

var _ memview.View = (*View)(nil)
