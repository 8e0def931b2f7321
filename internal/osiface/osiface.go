// Package osiface declares the OS-personality surface the core
// publishes but does not implement (spec §4.9): contracts an OS layer
// (e.g. a Windows or Linux introspection plugin) composes on top of
// memview.View and translate.Translator. None of these interfaces have
// an implementation in this module; they exist so OS layers built
// against guestmem share a common shape, the same way the teacher
// publishes hv.VirtualMachine as a contract that kvm/hvf/whp implement
// independently without the core package depending on any of them.
package osiface

import (
	"github.com/tinyrange/guestmem/internal/memaddr"
	"github.com/tinyrange/guestmem/internal/memview"
)

// ModuleInfo describes one loaded module (executable or library) within
// a process's address space.
type ModuleInfo struct {
	Base    memaddr.Address
	Size    uint64
	Name    string
	Path    string
}

// ExportInfo/ImportInfo describe one entry of a module's export or
// import table.
type ExportInfo struct {
	Name string
	Addr memaddr.Address
}

type ImportInfo struct {
	Name       string
	ModuleName string
}

// SectionInfo describes one section/segment of a module image.
type SectionInfo struct {
	Name string
	Addr memaddr.Address
	Size uint64
}

// ProcessInfo carries the scalar facts about a process an Os/Process
// implementation reports: identity, not memory contents.
type ProcessInfo struct {
	Pid      uint64
	Name     string
	Dtb1     memaddr.Address
	Dtb2     memaddr.Address
}

// VirtualTranslate is the per-process translation surface (spec
// §4.3/§4.4): composed, in a real OS layer, from a *translate.Translator
// bound to the process's dtb pair.
type VirtualTranslate interface {
	VirtPageInfo(v memaddr.Address) (memaddr.Page, error)
	VirtPageMap(scanBase memaddr.Address, scanSize uint64, maxGap uint64) ([]memaddr.MemoryRange, error)
	VirtTranslationMap(scanBase memaddr.Address, scanSize uint64) ([]memaddr.VirtualTranslation, error)
	SetDtb(dtb1, dtb2 memaddr.Address)
}

// Process is the per-process handle an OS layer publishes.
type Process interface {
	Info() (ProcessInfo, error)
	SetDtb(dtb1, dtb2 memaddr.Address)

	// ListModules pushes each module to fn, stopping early if fn
	// returns false, per spec §4.9's "callback form with short-circuit".
	ListModules(fn func(ModuleInfo) bool) error
	ModuleByName(name string) (ModuleInfo, error)
	PrimaryModule() (ModuleInfo, error)

	ListExports(module ModuleInfo, fn func(ExportInfo) bool) error
	ListImports(module ModuleInfo, fn func(ImportInfo) bool) error
	ListSections(module ModuleInfo, fn func(SectionInfo) bool) error

	ListMappedMemory(fn func(memaddr.MemoryRange) bool) error

	// MemoryView returns the process's memview.View, as constructed over
	// vmview.View in a real implementation.
	MemoryView() memview.View
	VirtualTranslate() VirtualTranslate
}

// Os is the per-guest-OS handle: process enumeration and lookup, plus
// kernel-scope module listing.
type Os interface {
	ListProcesses(fn func(ProcessInfo) bool) error
	ProcessByAddress(addr memaddr.Address) (Process, error)
	ProcessByPid(pid uint64) (Process, error)
	ProcessByName(name string) (Process, error)

	ListKernelModules(fn func(ModuleInfo) bool) error
	KernelModuleByName(name string) (ModuleInfo, error)

	KernelInfo() (ProcessInfo, error)
}

// KeyboardState is a point-in-time snapshot of key-down state.
type KeyboardState interface {
	IsDown(keycode uint32) bool
}

// Keyboard is the optional per-guest input surface (spec §4.9).
type Keyboard interface {
	IsDown(keycode uint32) (bool, error)
	State() (KeyboardState, error)
}
