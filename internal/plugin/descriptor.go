package plugin

import (
	"fmt"
	"unsafe"

	"github.com/Masterminds/semver/v3"
	"github.com/ebitengine/purego"
)

// HostAbiVersion is the ABI version this build implements. A candidate
// library is skipped unless its descriptor's AbiVersion matches exactly
// (spec §4.8: "checked against the host's version; mismatches are
// logged and the library is skipped").
const HostAbiVersion uint32 = 1

// rawDescriptor mirrors the C-layout struct a connector/OS library
// exports under the symbol name descriptorSymbol: a fixed ABI version
// followed by two NUL-terminated C strings. This is the same
// "hand-parse a struct behind an unsafe.Pointer read from a dlsym'd
// symbol" move the teacher's internal/hv/hvf/bindings package makes for
// Hypervisor.framework's opaque handle types.
type rawDescriptor struct {
	abiVersion uint32
	_          uint32 // padding to 8-byte align the pointers that follow
	name       *byte
	semver     *byte
}

const descriptorSymbol = "guestmem_descriptor"

// Descriptor is the parsed, Go-native form of a plugin's exported
// descriptor.
type Descriptor struct {
	Name       string
	AbiVersion uint32
	SemVer     *semver.Version // nil if absent or unparsable
	libPath    string
	handle     uintptr

	// Vtable entries take/return uintptr, not Go strings or pointers,
	// matching the C ABI purego binds against: a char* argument string,
	// an opaque handle, and a signed 32-bit error code (memerr.Code's
	// target representation).
	createConnector func(argString uintptr) (handle uintptr, errCode int32)
	createOs        func(argString uintptr, connector uintptr) (handle uintptr, errCode int32)
	cloneFn         func(handle uintptr) (newHandle uintptr, errCode int32)
	dropFn          func(handle uintptr)

	// readRaw/writeRaw are the connector's physical-memory entry points
	// (spec §4.1's read_raw_list/write_raw_list, bound one element at a
	// time across the FFI boundary): handle, a physical address, a
	// pointer to the Go-owned transfer buffer, and its length. A
	// connector descriptor that does not export these (an OS-only
	// plugin) leaves them nil; instanceMemory.ReadRawIter/WriteRawIter
	// fail every element with memerr.ErrUnsupported in that case.
	readRaw  func(handle uintptr, addr uint64, buf uintptr, length uintptr) int32
	writeRaw func(handle uintptr, addr uint64, buf uintptr, length uintptr) int32
}

func cString(p *byte) string {
	if p == nil {
		return ""
	}
	n := 0
	for {
		b := *(*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + uintptr(n)))
		if b == 0 {
			break
		}
		n++
	}
	return unsafe.String(p, n)
}

// Open dlopens path, reads its descriptor symbol, and binds the
// create_connector/create_os/clone/drop vtable entries via
// purego.RegisterLibFunc — the exact mechanism
// internal/hv/hvf/bindings uses to bind Hypervisor.framework across the
// cgo-free FFI boundary. The returned Descriptor does not validate the
// ABI version; callers (normally Inventory.Rescan) do that so a mismatch
// can be logged with full context before the candidate is discarded.
func Open(path string) (*Descriptor, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("plugin: dlopen %s: %w", path, err)
	}

	sym, err := purego.Dlsym(h, descriptorSymbol)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s missing %s symbol: %w", path, descriptorSymbol, err)
	}
	raw := (*rawDescriptor)(unsafe.Pointer(sym))

	d := &Descriptor{
		Name:       cString(raw.name),
		AbiVersion: raw.abiVersion,
		libPath:    path,
		handle:     h,
	}
	if sv := cString(raw.semver); sv != "" {
		if parsed, err := semver.NewVersion(sv); err == nil {
			d.SemVer = parsed
		}
	}

	purego.RegisterLibFunc(&d.createConnector, h, "guestmem_create_connector")
	purego.RegisterLibFunc(&d.createOs, h, "guestmem_create_os")
	purego.RegisterLibFunc(&d.cloneFn, h, "guestmem_clone")
	purego.RegisterLibFunc(&d.dropFn, h, "guestmem_drop")

	// guestmem_read_raw/guestmem_write_raw are optional: OS-layer-only
	// plugins (those that only ever wrap another connector) never
	// export them, so a missing symbol here is not itself an error.
	if _, err := purego.Dlsym(h, "guestmem_read_raw"); err == nil {
		purego.RegisterLibFunc(&d.readRaw, h, "guestmem_read_raw")
	}
	if _, err := purego.Dlsym(h, "guestmem_write_raw"); err == nil {
		purego.RegisterLibFunc(&d.writeRaw, h, "guestmem_write_raw")
	}

	return d, nil
}
