// Package memaddr holds the value types shared across the memory-access
// stack: addresses, page types, physical addresses, pages, and ranges.
// These are leaf types with no dependency on architecture, transport, or
// caching concerns, in the same spirit as the teacher's internal/hv value
// types (CpuArchitecture, Register, MMIOAllocation) that every backend
// depends on without a cycle.
package memaddr

import "fmt"

// Address is an unsigned 64-bit guest or host address. Arithmetic is not
// checked for overflow across 32/64-bit target boundaries; callers that
// need saturating behaviour must check before wraparound.
type Address uint64

// Null is the distinguished "no address" value.
const Null Address = 0

// Invalid is the distinguished "unrepresentable address" value.
const Invalid Address = ^Address(0)

// IsNull reports whether a is the distinguished NULL address.
func (a Address) IsNull() bool { return a == Null }

// IsInvalid reports whether a is the distinguished INVALID address.
func (a Address) IsInvalid() bool { return a == Invalid }

// Add returns a+delta. Overflow wraps per Go's unsigned-integer semantics.
func (a Address) Add(delta uint64) Address { return a + Address(delta) }

// String renders the address as a fixed-width hex literal.
func (a Address) String() string { return fmt.Sprintf("0x%016x", uint64(a)) }

// PageType is a bitflag describing the provenance and protection of a page.
// Multiple flags may coexist, e.g. WRITEABLE|NOEXEC.
type PageType uint32

const (
	PageNone      PageType = 0
	PageUnknown   PageType = 1 << 0
	PageTable     PageType = 1 << 1
	PageWriteable PageType = 1 << 2
	PageReadOnly  PageType = 1 << 3
	PageNoExec    PageType = 1 << 4
)

func (t PageType) Has(flag PageType) bool { return t&flag == flag }

func (t PageType) String() string {
	if t == PageNone {
		return "NONE"
	}
	names := []struct {
		flag PageType
		name string
	}{
		{PageUnknown, "UNKNOWN"},
		{PageTable, "PAGE_TABLE"},
		{PageWriteable, "WRITEABLE"},
		{PageReadOnly, "READ_ONLY"},
		{PageNoExec, "NOEXEC"},
	}
	s := ""
	for _, n := range names {
		if t.Has(n.flag) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return fmt.Sprintf("PageType(0x%x)", uint32(t))
	}
	return s
}

// PhysicalAddress carries the provenance of a translation result: the raw
// address, the accumulated page type of the walk that produced it, and the
// log2 of the page size it falls within. UNKNOWN/0 are legal defaults when
// provenance is absent (e.g. a physical-memory-only backend with no MMU).
type PhysicalAddress struct {
	Addr         Address
	Type         PageType
	PageSizeLog2 uint8
}

// PageSize returns 1<<PageSizeLog2, or 0 if no page size is known.
func (p PhysicalAddress) PageSize() uint64 {
	if p.PageSizeLog2 == 0 {
		return 0
	}
	return uint64(1) << p.PageSizeLog2
}

func (p PhysicalAddress) String() string {
	return fmt.Sprintf("%s[%s,2^%d]", p.Addr, p.Type, p.PageSizeLog2)
}

// Page describes a mapped virtual page: its type, base address, and size.
// Emitted by translator page-info/enumeration queries.
type Page struct {
	Type PageType
	Base Address
	Size uint64
}

func (p Page) Contains(a Address) bool {
	return uint64(a) >= uint64(p.Base) && uint64(a) < uint64(p.Base)+p.Size
}

// MemoryRange is a flat (address, size, type) triple used by range
// enumeration APIs (virt_page_map, virt_translation_map).
type MemoryRange struct {
	Base Address
	Size uint64
	Type PageType
}

// VirtualTranslation is a single successful scatter-translation result: an
// input virtual range mapped in full to a physical address.
type VirtualTranslation struct {
	InVirtual   Address
	Size        uint64
	OutPhysical PhysicalAddress
}

// VirtualTranslationFail is a single failed scatter-translation result.
type VirtualTranslationFail struct {
	From Address
	Size uint64
}
