package plugin

import (
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// libPrefix/libSuffix are the platform-specific shared-library naming
// conventions the scan matches filenames against (spec §4.8).
func libPrefix() string {
	if runtime.GOOS == "windows" {
		return ""
	}
	return "guestmem_"
}

func libSuffix() string {
	switch runtime.GOOS {
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	default:
		return ".so"
	}
}

// Inventory indexes loaded plugin descriptors by name. A scan builds a
// new table and swaps it in atomically (spec §5: "scanning populates an
// immutable descriptor table that is swapped in atomically"), so
// concurrent lookups never observe a half-built table.
type Inventory struct {
	mu    sync.RWMutex
	table map[string]*Descriptor

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewInventory returns an empty Inventory. Call Rescan to populate it.
func NewInventory() *Inventory {
	return &Inventory{table: make(map[string]*Descriptor)}
}

// Lookup returns the descriptor registered under name, if any.
func (inv *Inventory) Lookup(name string) (*Descriptor, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	d, ok := inv.table[name]
	return d, ok
}

// Names returns every registered plugin name.
func (inv *Inventory) Names() []string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	names := make([]string, 0, len(inv.table))
	for n := range inv.table {
		names = append(names, n)
	}
	return names
}

// Rescan walks dirs concurrently — one goroutine per directory, joined
// with golang.org/x/sync/errgroup — mirroring the fan-out-then-join
// shape the teacher uses for multi-vCPU bring-up in kvm.go's runQueue.
// A candidate file is opened, its descriptor symbol read, and its
// AbiVersion checked against HostAbiVersion; mismatches are logged at
// Warn and the candidate is skipped rather than failing the whole scan.
func (inv *Inventory) Rescan(dirs []string) error {
	var mu sync.Mutex
	found := make(map[string]*Descriptor)

	var g errgroup.Group
	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			entries, err := os.ReadDir(dir)
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			prefix, suffix := libPrefix(), libSuffix()
			for _, ent := range entries {
				if ent.IsDir() {
					continue
				}
				name := ent.Name()
				if !strings.HasSuffix(name, suffix) {
					continue
				}
				if prefix != "" && !strings.HasPrefix(name, prefix) {
					continue
				}
				path := filepath.Join(dir, name)
				d, err := Open(path)
				if err != nil {
					slog.Warn("plugin: failed to open candidate", "path", path, "error", err)
					continue
				}
				if d.AbiVersion != HostAbiVersion {
					slog.Warn("plugin: abi version mismatch, skipping", "path", path, "plugin_abi", d.AbiVersion, "host_abi", HostAbiVersion)
					continue
				}
				if d.SemVer != nil {
					slog.Info("plugin: loaded", "name", d.Name, "path", path, "semver", d.SemVer.String())
				} else {
					slog.Info("plugin: loaded", "name", d.Name, "path", path)
				}
				mu.Lock()
				found[d.Name] = d
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	inv.mu.Lock()
	inv.table = found
	inv.mu.Unlock()
	return nil
}

// Watch optionally wraps dirs with fsnotify and re-triggers Rescan on
// create/remove events, for long-lived consumer processes that want
// newly dropped-in connector libraries picked up without a restart
// (spec §4.7/§4.8 expansion, added — the static scan's semantics are
// unchanged, this only retriggers it). Call the returned stop function
// to end the watch.
func (inv *Inventory) Watch(dirs []string) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := w.Add(dir); err != nil {
			slog.Warn("plugin: watch directory failed", "dir", dir, "error", err)
		}
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := inv.Rescan(dirs); err != nil {
						slog.Error("plugin: rescan after fs event failed", "error", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("plugin: watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		w.Close()
	}, nil
}

// SearchDirs returns the conventional scan locations: every directory on
// PATH, plus a per-user library directory, a system library directory,
// and the current working directory, per spec §4.8 ("an ordered union of
// directories from PATH-derived env, a per-user library directory, a
// system library directory, and the current working directory").
// Every entry is resolved to a canonical path (symlinks followed) before
// the list is deduplicated, so two names for the same directory — say
// PATH carrying both a symlink and its target — contribute one scan, not
// two.
func SearchDirs() []string {
	var dirs []string
	if p := os.Getenv("PATH"); p != "" {
		dirs = append(dirs, filepath.SplitList(p)...)
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".guestmem", "plugins"))
	}
	switch runtime.GOOS {
	case "windows":
		dirs = append(dirs, `C:\ProgramData\guestmem\plugins`)
	default:
		dirs = append(dirs, "/usr/local/lib/guestmem/plugins", "/usr/lib/guestmem/plugins")
	}
	if cwd, err := os.Getwd(); err == nil {
		dirs = append(dirs, cwd)
	}
	return canonicalizeAndDedup(dirs)
}

// canonicalizeAndDedup resolves each directory to an absolute, symlink-
// free path and drops every repeat, preserving the order of first
// occurrence. A directory that cannot be resolved (doesn't exist yet, a
// dangling symlink, a permissions error) falls back to its filepath.Abs
// form rather than being dropped outright, since Rescan already treats a
// missing directory as "nothing found here", not an error.
func canonicalizeAndDedup(dirs []string) []string {
	seen := make(map[string]bool, len(dirs))
	out := make([]string, 0, len(dirs))
	for _, d := range dirs {
		canon := d
		if abs, err := filepath.Abs(d); err == nil {
			canon = abs
			if real, err := filepath.EvalSymlinks(abs); err == nil {
				canon = real
			}
		}
		if seen[canon] {
			continue
		}
		seen[canon] = true
		out = append(out, canon)
	}
	return out
}
