// Package gzalloc is the zone allocator's exported surface: the thin
// wrapper a zone implementation calls into on every allocate and free,
// dispatching each call either through the guard engine (for zones the
// boot configuration decided to track) or straight through to the
// zone's own untracked sub-allocator.
package gzalloc

import (
	"io"
	"sync"

	"gzalloc/config"
	"gzalloc/diag"
	"gzalloc/guard"
	"gzalloc/mem"
	"gzalloc/zone"
)

var (
	engineMu sync.RWMutex
	engine   = guard.New(config.ParseEnv())
)

// SetConfig replaces the process-wide engine with one built from cfg.
// Production code never needs this — the engine is built once from
// GZALLOC_BOOTARGS at package init — but tests that want a deterministic
// configuration call it before constructing any zones.
func SetConfig(cfg config.Config) {
	engineMu.Lock()
	defer engineMu.Unlock()
	engine = guard.New(cfg)
}

func current() *guard.Engine {
	engineMu.RLock()
	defer engineMu.RUnlock()
	return engine
}

// MarkVMReady transitions the engine into the post-VM phase, bringing
// up the real VA arena. Call once after whatever a host considers its
// virtual-memory subsystem to have finished initializing; allocations
// made before this call are served from the bootstrap reserve and leak
// when freed, by design (§4.8).
func MarkVMReady() {
	current().ReadyVM()
}

// Enabled reports whether the guard engine is tracking anything at all.
func Enabled() bool {
	return current().Enabled()
}

// ZoneInit must be called exactly once per zone, at construction,
// before any Alloc or Free against it.
func ZoneInit(z *zone.Zone) {
	current().ZoneInit(z)
}

// AllocFlags controls an individual allocation request.
type AllocFlags struct {
	// PreemptDisabled marks a caller that queried the scheduler and
	// found preemption disabled at entry. The engine still performs
	// the allocation (it never blocks on its own locks) but records
	// that this happened for diagnostic purposes, per §5's preemption
	// discipline.
	PreemptDisabled bool

	// NoWait marks a call that must not block. Combined with
	// PreemptDisabled, the engine declines the allocation outright
	// (§4.5 step 1) rather than risk sleeping in the arena.
	NoWait bool
}

// Alloc returns elemSize bytes from z, routed through the guard engine
// if z was marked tracked by ZoneInit, or through z's own untracked
// sub-allocator otherwise. It returns nil if the guard engine declines
// the request, which happens when flags has both PreemptDisabled and
// NoWait set (reserve or arena exhaustion manifests as a panic instead,
// matching the fail-fast contract of §7).
func Alloc(z *zone.Zone, flags AllocFlags) []byte {
	if z.Guard != nil {
		ptr, ok := current().Allocate(z, flags.PreemptDisabled, flags.NoWait)
		if !ok {
			return nil
		}
		return mem.Bytes(mem.Addr(ptr), z.ElementSize())
	}
	return z.AllocUntracked()
}

// Free returns p to z: through the guard engine's validate-and-cache
// path for a tracked zone, or to z's untracked slab otherwise. It
// panics if p was not a live allocation from z, mirroring the guard
// engine's own fail-fast integrity checks.
func Free(z *zone.Zone, p []byte) {
	if z.Guard != nil {
		current().Free(z, uintptr(mem.AddrOf(p)))
		return
	}
	if err := z.FreeUntracked(p); err != nil {
		diag.Fatalf("gzalloc: %v", err)
	}
}

// EmptyFreeCache releases every range currently held in z's free cache
// back to the VA arena. Called by zone destruction; a no-op for an
// untracked zone.
func EmptyFreeCache(z *zone.Zone) {
	current().EmptyFreeCache(z)
}

// ElementSize performs reverse lookup: given any address that falls
// inside a tracked zone's guarded range, report the owning zone's name
// and the element's original size. ok is false if addr is not inside
// any tracked allocation known to the engine.
func ElementSize(addr uintptr) (zoneName string, size int, ok bool) {
	return current().ElementSize(addr)
}

// Dump writes a pprof-format snapshot of every range the guard engine's
// VA arena currently tracks to w, for offline per-zone inventory
// analysis (`go tool pprof`).
func Dump(w io.Writer) error {
	return current().Dump(w)
}
