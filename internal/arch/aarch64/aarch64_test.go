package aarch64

import "testing"

func TestEntryValid(t *testing.T) {
	if EntryValid(0) {
		t.Fatalf("entry with bit 0 clear should be invalid")
	}
	if !EntryValid(1) {
		t.Fatalf("entry with bit 0 set should be valid")
	}
}

func TestEntryIsTableOrPage(t *testing.T) {
	if EntryIsTableOrPage(0b01) {
		t.Fatalf("bit 1 clear should read as a block descriptor")
	}
	if !EntryIsTableOrPage(0b11) {
		t.Fatalf("bit 1 set should read as a table/page descriptor")
	}
}

func TestEntryReadOnly(t *testing.T) {
	if EntryReadOnly(0) {
		t.Fatalf("AP[2] clear should be writeable")
	}
	if !EntryReadOnly(1 << BitAP2ReadOnly) {
		t.Fatalf("AP[2] set should be read-only")
	}
}

func TestEntryNoExec(t *testing.T) {
	if EntryNoExec(0) {
		t.Fatalf("neither UXN nor PXN set should be executable")
	}
	if !EntryNoExec(uint64(1) << BitUXN) {
		t.Fatalf("UXN alone should mark NOEXEC")
	}
	if !EntryNoExec(uint64(1) << BitPXN) {
		t.Fatalf("PXN alone should mark NOEXEC")
	}
}

func TestEntryOutputAddress(t *testing.T) {
	raw := uint64(0x1234000) | 1 | (1 << BitAP2ReadOnly)
	if got := EntryOutputAddress(raw); got != 0x1234000 {
		t.Fatalf("EntryOutputAddress(%#x) = %#x, want 0x1234000", raw, got)
	}
}

func TestSelectRoot(t *testing.T) {
	if SelectRoot(0x0000_7fff_ffff_ffff) {
		t.Fatalf("low canonical address should select TTBR0 (dtb1)")
	}
	if !SelectRoot(0xffff_8000_0000_0000) {
		t.Fatalf("high canonical address should select TTBR1 (dtb2)")
	}
}

func TestGranule4KShape(t *testing.T) {
	d := Granule4K()
	if d.LevelCount() != 4 {
		t.Fatalf("got %d levels, want 4", d.LevelCount())
	}
	if d.PageSize != 0x1000 {
		t.Fatalf("base page size = %#x, want 0x1000", d.PageSize)
	}
	if d.Ident.String() != "aarch64-4k" {
		t.Fatalf("Ident.String() = %q, want aarch64-4k", d.Ident.String())
	}
}
