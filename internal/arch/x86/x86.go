// Package x86 provides the three x86 page-table walk variants: 32-bit
// classic, 32-bit PAE, and 64-bit long mode. Entry-flag accumulation
// follows spec §9: READ_ONLY/NOEXEC accumulate by AND across levels (any
// restrictive level restricts the leaf); WRITEABLE requires all levels
// permissive.
package x86

import "github.com/tinyrange/guestmem/internal/arch"

// x86 page-table entry bit positions (shared by 32-bit PAE and long mode;
// the 2-level 32-bit non-PAE format differs only in entry width, handled
// separately by the translator via Descriptor.Levels[i].EntrySize).
const (
	BitPresent  = 0
	BitWrite    = 1
	BitUser     = 2
	BitPS       = 7 // "page size" / large-page bit
	BitNX       = 63
	PhysAddrMask32NonPAE = 0xFFFFF000
	PhysAddrMaskPAE      = 0x000FFFFFFFFFF000
)

// Long64 returns the descriptor for 64-bit long mode: 4 levels (PML4,
// PDPT, PD, PT), 4 KiB base pages, 2 MiB / 1 GiB huge pages.
func Long64() arch.Descriptor {
	return arch.Descriptor{
		Ident:            arch.Ident{Kind: arch.KindX86, X86Bits: 64},
		Bits:             64,
		Endian:           arch.LittleEndian,
		PageSize:         0x1000,
		AddressSize:      8,
		AddressSpaceBits: 48,
		PageSizeLadder:   []uint64{0x1000, 0x200000, 0x40000000},
		SplitRule:        arch.SplitNone,
		Levels: []arch.LevelRule{
			{IndexShift: 39, IndexBits: 9, EntrySize: 8}, // PML4
			{IndexShift: 30, IndexBits: 9, EntrySize: 8, CanTerminate: true, TerminatePageSizeLog2: 30}, // PDPT: 1GiB
			{IndexShift: 21, IndexBits: 9, EntrySize: 8, CanTerminate: true, TerminatePageSizeLog2: 21}, // PD: 2MiB
			{IndexShift: 12, IndexBits: 9, EntrySize: 8, CanTerminate: true, TerminatePageSizeLog2: 12}, // PT: 4KiB
		},
		Decode: decodePAEEntry,
	}
}

// PAE32 returns the descriptor for 32-bit PAE: 3 levels (PDPT, PD, PT),
// 4 KiB base pages, 2 MiB huge pages, physical addresses above 4 GiB.
func PAE32() arch.Descriptor {
	return arch.Descriptor{
		Ident:            arch.Ident{Kind: arch.KindX86, X86Bits: 32, X86PAE: true},
		Bits:             32,
		Endian:           arch.LittleEndian,
		PageSize:         0x1000,
		AddressSize:      4,
		AddressSpaceBits: 32,
		PageSizeLadder:   []uint64{0x1000, 0x200000},
		SplitRule:        arch.SplitNone,
		Levels: []arch.LevelRule{
			{IndexShift: 30, IndexBits: 2, EntrySize: 8}, // PDPT (4 entries)
			{IndexShift: 21, IndexBits: 9, EntrySize: 8, CanTerminate: true, TerminatePageSizeLog2: 21}, // PD: 2MiB
			{IndexShift: 12, IndexBits: 9, EntrySize: 8, CanTerminate: true, TerminatePageSizeLog2: 12}, // PT: 4KiB
		},
		Decode: decodePAEEntry,
	}
}

// Classic32 returns the descriptor for 32-bit non-PAE: 2 levels (PD, PT),
// 4 KiB base pages, 4 MiB huge pages.
func Classic32() arch.Descriptor {
	return arch.Descriptor{
		Ident:            arch.Ident{Kind: arch.KindX86, X86Bits: 32},
		Bits:             32,
		Endian:           arch.LittleEndian,
		PageSize:         0x1000,
		AddressSize:      4,
		AddressSpaceBits: 32,
		PageSizeLadder:   []uint64{0x1000, 0x400000},
		SplitRule:        arch.SplitNone,
		Levels: []arch.LevelRule{
			{IndexShift: 22, IndexBits: 10, EntrySize: 4, CanTerminate: true, TerminatePageSizeLog2: 22}, // PD: 4MiB
			{IndexShift: 12, IndexBits: 10, EntrySize: 4, CanTerminate: true, TerminatePageSizeLog2: 12}, // PT: 4KiB
		},
		Decode: decodeClassic32Entry,
	}
}

// EntryPresent reports whether bit 0 (P) is set.
func EntryPresent(entry uint64) bool { return entry&(1<<BitPresent) != 0 }

// EntryLargePage reports whether bit 7 (PS) is set; meaningless at the
// final PT level, where bit 7 is PAT instead (callers must not consult it
// at the last level).
func EntryLargePage(entry uint64) bool { return entry&(1<<BitPS) != 0 }

// EntryWriteable reports whether bit 1 (R/W) is set.
func EntryWriteable(entry uint64) bool { return entry&(1<<BitWrite) != 0 }

// EntryNoExec reports whether bit 63 (NX) is set. Only meaningful when
// the architecture/EFER has NX enabled; callers on non-PAE 32-bit never
// see this bit (entries are 32-bit wide, so it cannot be set).
func EntryNoExec(entry uint64) bool { return entry&(uint64(1)<<BitNX) != 0 }

// EntryNextTableBase extracts the physical address of the next-level
// table (or the terminal page base) from a PAE/long-mode entry.
func EntryNextTableBase(entry uint64) uint64 { return entry & PhysAddrMaskPAE }

// EntryNextTableBase32 extracts the physical address from a non-PAE
// 32-bit entry (4-byte entries, no NX/PAE extension bits).
func EntryNextTableBase32(entry uint32) uint64 {
	return uint64(entry & PhysAddrMask32NonPAE)
}

// decodePAEEntry decodes a PAE/long-mode (8-byte) entry. Per spec §9,
// READ_ONLY/NOEXEC accumulate by AND across levels (the translator, not
// this function, does the accumulation); this function reports only this
// level's own restriction.
func decodePAEEntry(level int, raw uint64) arch.DecodedEntry {
	terminal := EntryLargePage(raw)
	return arch.DecodedEntry{
		Present:   EntryPresent(raw),
		Terminal:  terminal,
		Writeable: EntryWriteable(raw),
		NoExec:    EntryNoExec(raw),
		NextBase:  EntryNextTableBase(raw),
	}
}

// decodeClassic32Entry decodes a non-PAE 32-bit (4-byte) entry, widened
// to uint64 by the caller before reaching here.
func decodeClassic32Entry(level int, raw uint64) arch.DecodedEntry {
	e32 := uint32(raw)
	terminal := EntryLargePage(raw)
	return arch.DecodedEntry{
		Present:   EntryPresent(raw),
		Terminal:  terminal,
		Writeable: EntryWriteable(raw),
		NoExec:    false, // non-PAE 32-bit has no NX bit
		NextBase:  EntryNextTableBase32(e32),
	}
}
