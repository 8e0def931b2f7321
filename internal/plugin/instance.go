package plugin

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/tinyrange/guestmem/internal/cache"
	"github.com/tinyrange/guestmem/internal/memerr"
	"github.com/tinyrange/guestmem/internal/middleware"
	"github.com/tinyrange/guestmem/internal/physmem"
)

// cStringPtr allocates a NUL-terminated copy of s and returns it as a
// uintptr suitable for passing across the purego FFI boundary. The
// backing array is kept alive for the duration of the call by the
// caller retaining a reference to buf.
func cStringPtr(s string) (ptr uintptr, keepAlive []byte) {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return uintptr(unsafe.Pointer(&buf[0])), buf
}

// refcount is shared by an Instance and every Instance cloned from it;
// Clone increments it and Drop decrements it. Reaching zero does not
// unload the shared library: nothing in this package closes it.
type refcount struct {
	n    int32
	desc *Descriptor
}

func (r *refcount) retain() { atomic.AddInt32(&r.n, 1) }

func (r *refcount) release() int32 { return atomic.AddInt32(&r.n, -1) }

// Instance is an opaque handle returned by create_connector/create_os,
// paired with the shared-library refcount that keeps its owning
// library resident (spec §4.8). A connector Instance additionally holds
// the physmem.Memory view CreateConnector composed for it out of the
// arg_string's cache=/delay=/metrics= options (spec §4.8).
type Instance struct {
	handle uintptr
	rc     *refcount
	kind   string // "connector" or "os"
	mem    physmem.Memory
}

// Memory returns the physmem.Memory view of a connector Instance,
// already wrapped with whatever caching, pacing, or metrics middleware
// its arg_string requested. It is nil for an "os" Instance, which has no
// raw address space of its own to expose this way.
func (i *Instance) Memory() physmem.Memory { return i.mem }

// CreateConnector parses argString, invokes d's create entry point, and
// wraps the resulting handle with a fresh refcount on d's library. The
// options argString carries beyond the positional argument recognized by
// the native plugin — cache=, cache_size=, cache_time=, cache_page_size=,
// delay=, metrics= — never reach the plugin itself; this layer consumes
// them to compose cache.Page/middleware.Delay/middleware.Metrics around
// the connector's raw memory view (spec §4.8).
func CreateConnector(d *Descriptor, argString string) (*Instance, error) {
	args, err := ParseArgs(argString)
	if err != nil {
		return nil, fmt.Errorf("plugin: create_connector %s: %w", d.Name, err)
	}

	ptr, keep := cStringPtr(nativeArgString(args))
	h, code := d.createConnector(ptr)
	runtime.KeepAlive(keep)
	if code != 0 {
		return nil, fmt.Errorf("plugin: create_connector %s: code %d", d.Name, code)
	}
	rc := &refcount{n: 1, desc: d}
	inst := &Instance{handle: h, rc: rc, kind: "connector"}
	inst.mem, err = composeMemory(inst, args)
	if err != nil {
		d.dropFn(h)
		return nil, fmt.Errorf("plugin: create_connector %s: %w", d.Name, err)
	}
	return inst, nil
}

// nativeArgString is what actually crosses the FFI boundary into the
// plugin's own create entry point: the positional value, if any, since
// the cache=/delay=/metrics= options are this layer's own configuration,
// not the plugin's.
func nativeArgString(a Args) string {
	if a.HasPositional {
		return a.Positional
	}
	return ""
}

// composeMemory builds inst's raw FFI-backed physmem.Memory and wraps it
// with whatever caching, pacing, or metrics middleware args requested.
func composeMemory(inst *Instance, args Args) (physmem.Memory, error) {
	var mem physmem.Memory = &instanceMemory{i: inst}

	if bps, ok := args.Get("delay"); ok {
		f, err := strconv.ParseFloat(bps, 64)
		if err != nil {
			return nil, fmt.Errorf("plugin: delay=%q: %w", bps, memerr.ErrInvalidArgument)
		}
		burst := int(f)
		if burst <= 0 {
			burst = 4096
		}
		mem = middleware.NewDelay(mem, f, burst)
	}

	if _, cacheOn := args.Get("cache"); cacheOn || hasAnyOption(args, "cache_size", "cache_time", "cache_page_size") {
		cfg := cache.PageConfig{PageSize: 4096, SizeBytes: 16 << 20}
		if v, ok := args.Get("cache_size"); ok {
			n, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("plugin: cache_size=%q: %w", v, memerr.ErrInvalidArgument)
			}
			cfg.SizeBytes = n
		}
		if v, ok := args.Get("cache_page_size"); ok {
			n, err := strconv.ParseUint(v, 0, 64)
			if err != nil {
				return nil, fmt.Errorf("plugin: cache_page_size=%q: %w", v, memerr.ErrInvalidArgument)
			}
			cfg.PageSize = n
		}
		if v, ok := args.Get("cache_time"); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("plugin: cache_time=%q: %w", v, memerr.ErrInvalidArgument)
			}
			cfg.TTL = d
		}
		mem = cache.NewPage(mem, cfg)
	}

	if ns, ok := args.Get("metrics"); ok {
		namespace, subsystem := ns, "connector"
		if i := strings.IndexByte(ns, '/'); i >= 0 {
			namespace, subsystem = ns[:i], ns[i+1:]
		}
		mem = middleware.NewMetrics(mem, namespace, subsystem)
	}

	return mem, nil
}

func hasAnyOption(a Args, keys ...string) bool {
	for _, k := range keys {
		if _, ok := a.Get(k); ok {
			return true
		}
	}
	return false
}

// CreateOs is analogous to CreateConnector but moves connector into the
// new OS instance: on success, connector must not be dropped separately
// (spec §4.8).
func CreateOs(d *Descriptor, argString string, connector *Instance) (*Instance, error) {
	ptr, keep := cStringPtr(argString)
	var connHandle uintptr
	if connector != nil {
		connHandle = connector.handle
	}
	h, code := d.createOs(ptr, connHandle)
	runtime.KeepAlive(keep)
	if code != 0 {
		return nil, fmt.Errorf("plugin: create_os %s: code %d", d.Name, code)
	}
	if connector != nil {
		// Ownership moved into the OS instance; detach it from its own
		// refcount so a caller's later Drop(connector) is a no-op rather
		// than a double-release.
		connector.rc = nil
	}
	rc := &refcount{n: 1, desc: d}
	return &Instance{handle: h, rc: rc, kind: "os"}, nil
}

// Clone performs a deep clone of the handle via the plugin's vtable and
// bumps the library refcount.
func (i *Instance) Clone() (*Instance, error) {
	if i.rc == nil {
		return nil, fmt.Errorf("plugin: clone: %w", memerr.ErrInvalidArgument)
	}
	h, code := i.rc.desc.cloneFn(i.handle)
	if code != 0 {
		return nil, fmt.Errorf("plugin: clone %s: code %d", i.rc.desc.Name, code)
	}
	i.rc.retain()
	return &Instance{handle: h, rc: i.rc, kind: i.kind}, nil
}

// Drop releases the handle via the plugin's vtable and decrements the
// refcount shared with its clones. The library stays loaded when the
// refcount reaches zero; this package never calls dlclose on it.
// Drop on an already-moved Instance (one whose ownership CreateOs
// consumed) is a no-op.
func (i *Instance) Drop() {
	if i.rc == nil {
		return
	}
	i.rc.desc.dropFn(i.handle)
	i.rc.release()
	i.rc = nil
}

// Handle exposes the raw opaque handle for OS-layer code that composes
// further plugin-specific calls not modeled by this package's vtable.
func (i *Instance) Handle() uintptr { return i.handle }
