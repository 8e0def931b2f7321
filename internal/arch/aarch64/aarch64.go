// Package aarch64 provides the AArch64 4K-granule page-table walk: 4
// levels, TTBR0/TTBR1 split address space, 4 KiB/2 MiB/1 GiB page sizes.
package aarch64

import "github.com/tinyrange/guestmem/internal/arch"

const (
	BitValid = 0
	// Bit 1 distinguishes a block (0) from a table/page (1) descriptor
	// at levels that can terminate early.
	BitTableOrPage = 1
	BitAP2ReadOnly = 7  // AP[2]: 1 = read-only
	BitUXN         = 54 // unprivileged execute-never
	BitPXN         = 53 // privileged execute-never
	OutputAddrMask = 0x0000FFFFFFFFF000
)

// Granule4K returns the descriptor for the 4 KiB translation granule: 4
// levels, huge pages at level 1 (1 GiB) and level 2 (2 MiB).
func Granule4K() arch.Descriptor {
	return arch.Descriptor{
		Ident:            arch.Ident{Kind: arch.KindAArch64, AArch64PageSize: 4096},
		Bits:             64,
		Endian:           arch.LittleEndian,
		PageSize:         0x1000,
		AddressSize:      8,
		AddressSpaceBits: 48,
		PageSizeLadder:   []uint64{0x1000, 0x200000, 0x40000000},
		SplitRule:        arch.SplitTTBR,
		Levels: []arch.LevelRule{
			{IndexShift: 39, IndexBits: 9, EntrySize: 8}, // L0
			{IndexShift: 30, IndexBits: 9, EntrySize: 8, CanTerminate: true, TerminatePageSizeLog2: 30}, // L1: 1GiB block
			{IndexShift: 21, IndexBits: 9, EntrySize: 8, CanTerminate: true, TerminatePageSizeLog2: 21}, // L2: 2MiB block
			{IndexShift: 12, IndexBits: 9, EntrySize: 8, CanTerminate: true, TerminatePageSizeLog2: 12}, // L3: 4KiB page
		},
		Decode: decodeEntry,
	}
}

// decodeEntry decodes an AArch64 block/table/page descriptor. At the
// final level (L3), bit 1 distinguishes a valid page descriptor (1) from
// a reserved invalid encoding (0); at non-final levels a clear bit 1
// means a block descriptor (terminal), a set bit means a table
// descriptor (continue the walk).
func decodeEntry(level int, raw uint64) arch.DecodedEntry {
	if !EntryValid(raw) {
		return arch.DecodedEntry{Present: false}
	}
	isTableOrPage := EntryIsTableOrPage(raw)
	return arch.DecodedEntry{
		Present:   true,
		Terminal:  !isTableOrPage || level == 3,
		Writeable: !EntryReadOnly(raw),
		NoExec:    EntryNoExec(raw),
		NextBase:  EntryOutputAddress(raw),
	}
}

// EntryValid reports whether bit 0 is set.
func EntryValid(entry uint64) bool { return entry&(1<<BitValid) != 0 }

// EntryIsTableOrPage reports whether this entry is a table descriptor
// (non-terminal levels) or a page descriptor (final level); false means
// a block descriptor that terminates the walk early.
func EntryIsTableOrPage(entry uint64) bool { return entry&(1<<BitTableOrPage) != 0 }

// EntryReadOnly reports whether AP[2] (bit 7) is set.
func EntryReadOnly(entry uint64) bool { return entry&(1<<BitAP2ReadOnly) != 0 }

// EntryNoExec reports whether UXN or PXN is set (either makes the page
// unexecutable from the walk's perspective; the core does not model
// privilege levels).
func EntryNoExec(entry uint64) bool {
	return entry&(uint64(1)<<BitUXN) != 0 || entry&(uint64(1)<<BitPXN) != 0
}

// EntryOutputAddress extracts the physical output address (next table
// base, or terminal page/block base) from an entry.
func EntryOutputAddress(entry uint64) uint64 { return entry & OutputAddrMask }

// SelectRoot picks dtb1 (TTBR0) or dtb2 (TTBR1) by the sign bit (bit 63)
// of the virtual address, per the TTBR0/TTBR1 split rule.
func SelectRoot(va uint64) (useDtb2 bool) {
	return va&(uint64(1)<<63) != 0
}
