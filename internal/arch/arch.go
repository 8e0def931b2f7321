// Package arch describes target-machine architectures: bitness, endianness,
// pointer size, the page-size ladder, and the page-table walk rules that
// the translate package drives. It generalizes the teacher's bare
// CpuArchitecture string-enum (internal/hv/common.go) into a tag plus a
// table of per-tag behaviour, the same move the teacher makes going from a
// tag to the register-file maps in the same file.
package arch

import "fmt"

// Endian is the byte order of the target architecture.
type Endian uint8

const (
	LittleEndian Endian = iota
	BigEndian
)

func (e Endian) String() string {
	if e == BigEndian {
		return "BE"
	}
	return "LE"
}

// Kind tags which architecture family a Descriptor belongs to.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindX86
	KindAArch64
)

// Ident is a tagged union identifying a concrete architecture variant:
// ArchIdent = X86(bits, addr_ext) | AArch64(page_size) | Unknown(opaque_id).
type Ident struct {
	Kind Kind

	// X86 fields.
	X86Bits   int  // 32 or 64
	X86PAE    bool // 32-bit PAE extension

	// AArch64 fields.
	AArch64PageSize uint64 // 4096, 16384, or 65536

	// Unknown fields.
	UnknownID string
}

func (i Ident) String() string {
	switch i.Kind {
	case KindX86:
		if i.X86Bits == 32 && i.X86PAE {
			return "x86-32-pae"
		}
		if i.X86Bits == 32 {
			return "x86-32"
		}
		return "x86-64"
	case KindAArch64:
		return fmt.Sprintf("aarch64-%dk", i.AArch64PageSize/1024)
	default:
		return "unknown:" + i.UnknownID
	}
}

// SplitAddressSpaceRule selects which root page-table base a virtual
// address is translated under.
type SplitAddressSpaceRule uint8

const (
	// SplitNone: a single root (dtb1) serves the whole address space.
	SplitNone SplitAddressSpaceRule = iota
	// SplitHighBit: the top bit(s) of the virtual address select dtb1 (0)
	// or dtb2 (1). No descriptor in this module selects it; the x86
	// descriptors use SplitNone.
	SplitHighBit
	// SplitTTBR: AArch64 TTBR0/TTBR1 split: bit 63 selects dtb1 (TTBR0,
	// low half) or dtb2 (TTBR1, high half, canonical-sign-extended).
	SplitTTBR
)

// LevelRule describes one level of a page-table walk: the bit range of
// the virtual address this level indexes, whether this level may
// terminate the walk (a huge/large page), and the page size produced if
// it does terminate here.
type LevelRule struct {
	// IndexShift/IndexBits select the bits of the virtual address used
	// to index this level's table: index = (va >> IndexShift) & ((1<<IndexBits)-1).
	IndexShift uint8
	IndexBits  uint8

	// CanTerminate is true if a "large page" bit in this level's entry
	// can end the walk early.
	CanTerminate bool

	// TerminatePageSizeLog2 is the page size (log2) produced if this
	// level terminates the walk.
	TerminatePageSizeLog2 uint8

	// EntrySize is the byte size of one page-table entry at this level
	// (4 for classic 32-bit x86, 8 for PAE, long mode and AArch64).
	EntrySize uint8
}

// Descriptor fully describes one architecture variant for translation and
// memory-view purposes.
type Descriptor struct {
	Ident Ident

	Bits             int // 32 or 64
	Endian           Endian
	PageSize         uint64   // base (smallest) page size
	AddressSize      uint8    // bytes per pointer: 4 or 8
	AddressSpaceBits uint8    // usable virtual address bits
	PageSizeLadder   []uint64 // all producible page sizes, smallest first

	SplitRule SplitAddressSpaceRule

	// Levels is the page-table walk, root level first.
	Levels []LevelRule

	// Decode interprets a raw page-table entry read at the given walk
	// level (0-indexed, matching Levels) into the flags the translator
	// needs. It is architecture-specific: x86 and AArch64 place their
	// present/terminal/writeable/no-exec bits differently. Present=false
	// ends the walk with Unmapped; Terminal=true ends the walk
	// successfully at this level (only meaningful when Levels[level].CanTerminate).
	Decode func(level int, raw uint64) DecodedEntry
}

// DecodedEntry is the architecture-neutral result of decoding one
// page-table entry.
type DecodedEntry struct {
	Present    bool
	Terminal   bool
	Writeable  bool
	NoExec     bool
	NextBase   uint64 // physical address of next table, or terminal page/block base
}

// PageSizeLog2 returns log2(size), or 0 if size is not in the ladder.
func (d Descriptor) PageSizeLog2(size uint64) uint8 {
	for _, s := range d.PageSizeLadder {
		if s == size {
			return log2(s)
		}
	}
	return 0
}

func log2(v uint64) uint8 {
	var n uint8
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

// LevelCount returns the number of page-table levels in the walk.
func (d Descriptor) LevelCount() int { return len(d.Levels) }
