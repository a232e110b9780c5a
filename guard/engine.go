// Package guard implements the guard-wrap engine: the algorithm that
// turns a zone allocation request into an isolated, page-aligned range
// with embedded metadata and an adjoining guard page, validates and
// decommissions such a range at free time, manages each zone's bounded
// free-VA cache, and answers reverse-lookup queries from a bare
// address back to its owning zone and element size.
//
// It orchestrates every other package in this module (config, res, vm,
// header, zone) the way the kernel subsystem it was distilled from
// orchestrates its own zone, VM map, and physical-memory collaborators,
// but does so entirely from userspace primitives.
package guard

import (
	"io"
	"sync"
	"sync/atomic"
	"unsafe"

	"gzalloc/config"
	"gzalloc/diag"
	"gzalloc/header"
	"gzalloc/mem"
	"gzalloc/metrics"
	"gzalloc/res"
	"gzalloc/vm"
	"gzalloc/zone"
)

// defaultZoneMapSize stands in for the parent zone map's size in the
// zone_map_size × zscale arena sizing formula (§4.3); there is no real
// kernel zone map here, so a fixed generous default is used instead.
const defaultZoneMapSize = 64 << 20

// Counters holds the engine's global, atomically-updated byte and call
// counters (§5: "Global counters... are updated atomically").
type Counters struct {
	Allocated     int64
	Freed         int64
	Wasted        int64
	EarlyAlloc    int64
	EarlyFree     int64
	PdzallocCount int64
	PdzfreeCount  int64

	// PreemptDisabled counts allocations entered with preemption
	// disabled; the engine performs them anyway (§5 Preemption
	// discipline) but this lets a caller audit how often it happened.
	PreemptDisabled int64
}

// Engine is the guard-wrap engine. A disabled Engine (constructed from
// a disabled config.Config) makes every operation a cheap no-op so a
// caller never needs to branch on whether guard mode is active.
type Engine struct {
	cfg config.Config

	reserve *res.Reserve
	arena   *vm.Arena

	phaseMu sync.RWMutex
	phase   config.Phase

	ownersMu sync.RWMutex
	owners   map[uintptr]*zone.Zone

	Counters Counters
}

// New constructs an Engine from cfg. If cfg is disabled, the returned
// Engine's Enabled method reports false and every other method becomes
// a no-op; no Reserve or Arena is allocated.
func New(cfg config.Config) *Engine {
	e := &Engine{cfg: cfg, owners: make(map[uintptr]*zone.Zone)}
	if !cfg.Enabled {
		return e
	}
	e.reserve = res.New(res.DefaultSize)
	return e
}

// Enabled reports whether the engine is tracking anything at all.
func (e *Engine) Enabled() bool { return e.cfg.Enabled }

// ReadyVM transitions the engine into the post-VM phase and brings up
// the real VA arena, sized zoneMapSize × zscale. Calling it more than
// once is a no-op after the first call. A host with no concept of VM
// bring-up can call this once, immediately after New, and the engine
// behaves as if it always had a ready VM.
func (e *Engine) ReadyVM() {
	if !e.cfg.Enabled {
		return
	}
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()
	if e.phase == config.PhasePostVM {
		return
	}
	e.arena = vm.New(defaultZoneMapSize, e.cfg.ZScale)
	e.phase = config.PhasePostVM
}

func (e *Engine) phaseNow() config.Phase {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.phase
}

// ZoneInit marks z tracked or untracked according to the frozen
// configuration, and if tracked, installs its free-cache extension.
// Called once per zone at construction.
func (e *Engine) ZoneInit(z *zone.Zone) {
	tracked := e.cfg.Enabled && e.cfg.Tracked(z.Name(), z.ElementSize())
	if tracked {
		z.Lock()
		z.Guard = &zone.GuardExt{Ring: e.newRing(e.cfg.FCSize)}
		z.ElemsFree = 0
		z.Unlock()

		e.ownersMu.Lock()
		e.owners[uintptr(unsafe.Pointer(z))] = z
		e.ownersMu.Unlock()
	}
	diag.Init(z.Name(), z.ElementSize(), tracked)
}

// newRing allocates the backing storage for a zone's free-cache ring.
// Per §4.2, the bootstrap reserve serves "the per-zone free-cache array
// when the VM is not yet ready": a zone constructed before ReadyVM gets
// its ring carved from the reserve rather than the Go heap, the same
// bump-pointer pool its pre-VM guarded allocations come from. A zone
// constructed after the VM is ready has no such constraint and gets a
// plain heap slice.
func (e *Engine) newRing(n int) []uintptr {
	if n == 0 {
		return nil
	}
	if e.phaseNow() == config.PhasePreVM {
		raw := e.reserve.Carve(n * int(unsafe.Sizeof(uintptr(0))))
		return unsafe.Slice((*uintptr)(unsafe.Pointer(&raw[0])), n)
	}
	return make([]uintptr, n)
}

// tracked reports whether z currently carries a guard extension.
func tracked(z *zone.Zone) bool { return z.Guard != nil }

// Allocate implements §4.5 Allocate(zone, flags) → address.
// preemptDisabled marks a caller that has disabled preemption; noWait
// marks one that must not block. Per §4.5 step 1 and §5's preemption
// discipline: if both are set, Allocate returns (0, false) without
// touching the arena; if only preemptDisabled is set, the allocation
// proceeds (this engine never blocks the caller's goroutine on its own
// locks across an OS call) but a diagnostic counter is incremented.
func (e *Engine) Allocate(z *zone.Zone, preemptDisabled, noWait bool) (uintptr, bool) {
	if !e.cfg.Enabled || !tracked(z) {
		return 0, false
	}
	if preemptDisabled && noWait {
		return 0, false
	}
	if preemptDisabled {
		atomic.AddInt64(&e.Counters.PreemptDisabled, 1)
	}

	elemSize := z.ElementSize()
	h := header.Size
	if elemSize+h > mem.Pagesize {
		diag.Fatalf("guard: zone %s element size %d plus header %d exceeds one page", z.Name(), elemSize, h)
	}
	p := mem.Pagesize
	r := p - elemSize

	phase := e.phaseNow()
	var pageBase mem.Addr
	var vaNew bool
	var owner uintptr

	if phase == config.PhasePreVM {
		carved := e.reserve.CarvePage(p + mem.Pagesize)
		pageBase = mem.AddrOf(carved)
		vaNew = true
		owner = header.PreVMOwner
		atomic.AddInt64(&e.Counters.PdzallocCount, 1)
		atomic.AddInt64(&e.Counters.EarlyAlloc, int64(p))
		metrics.PdzallocCount.Inc()
		metrics.EarlyAlloc.Add(float64(p))
	} else {
		base, _ := e.arena.AllocGuarded(p, e.cfg.Layout)
		vaNew = true
		owner = uintptr(unsafe.Pointer(z))
		if e.cfg.Layout == config.Underflow {
			pageBase = base.Add(mem.Pagesize)
		} else {
			pageBase = base
		}
	}

	elementAddr := header.Write(pageBase, elemSize, owner, e.cfg.Layout)

	z.Lock()
	z.ElemsFree--
	z.WiredCur++
	if vaNew {
		z.VaCur++
	}
	z.Unlock()
	z.AddAllocated(int64(p))

	atomic.AddInt64(&e.Counters.Allocated, int64(p))
	atomic.AddInt64(&e.Counters.Wasted, int64(r))
	metrics.Allocated.Add(float64(p))
	metrics.Wasted.Add(float64(r))

	return uintptr(elementAddr), true
}

// Free implements §4.5 Free(zone, elementPtr).
func (e *Engine) Free(z *zone.Zone, elementPtr uintptr) {
	if !e.cfg.Enabled || !tracked(z) {
		return
	}
	elemSize := z.ElementSize()
	p := mem.Pagesize
	r := p - elemSize

	elemAddr := mem.Addr(elementPtr)
	// pageBase is the start of the data page the element and its
	// header live on — the same reference point header.Layout's
	// offsets are relative to. base is the start of the whole tracked
	// range (data page plus guard page): in overflow mode the data
	// page leads, so the two coincide; in underflow mode the guard
	// page leads, so base sits one page before pageBase.
	var pageBase, base mem.Addr
	if e.cfg.Layout == config.Underflow {
		pageBase = elemAddr
		base = pageBase.Add(-mem.Pagesize)
	} else {
		pageBase = elemAddr.Add(-r)
		base = pageBase
	}
	if !base.Aligned() {
		diag.Fatalf("guard: free address %#x resolves to non-page-aligned base %#x", elementPtr, base)
	}

	if e.cfg.DoubleFreeCheck && z.Guard != nil {
		z.Lock()
		if slot, hit := z.Guard.Contains(uintptr(base)); hit {
			index := z.Guard.Index
			z.Unlock()
			diag.Fatalf("guard: double free detected, freed address: %#x, current free cache index: %d, freed index: %d",
				base, index, slot)
		}
		z.Unlock()
	}

	hdr := header.Read(elemAddr, elemSize, e.cfg.Layout)
	if e.cfg.Consistency {
		if hdr.Owner != uintptr(unsafe.Pointer(z)) && !hdr.FromPreVM() {
			diag.Fatalf("guard: header owner mismatch at %#x: recorded owner does not match zone %s", elementPtr, z.Name())
		}
		if hdr.ElementSize != elemSize {
			diag.Fatalf("guard: header element size mismatch at %#x: got %d, want %d", elementPtr, hdr.ElementSize, elemSize)
		}
		e.checkResidue(elemSize, pageBase)
	}

	if e.phaseNow() == config.PhasePreVM || hdr.FromPreVM() {
		atomic.AddInt64(&e.Counters.EarlyFree, int64(p))
		atomic.AddInt64(&e.Counters.PdzfreeCount, 1)
		metrics.EarlyFree.Add(float64(p))
		metrics.PdzfreeCount.Inc()
		return
	}

	if z.Guard != nil {
		e.arena.Protect(pageBase, pageBase.Add(p), e.cfg.ProtOnFree)
	}

	var toRelease uintptr
	var release bool
	z.Lock()
	if z.Guard != nil {
		evicted, ok := z.Guard.Insert(uintptr(base))
		toRelease, release = evicted, ok
	} else {
		toRelease, release = uintptr(base), true
	}
	if release {
		z.ElemsFree++
		z.WiredCur--
	}
	z.Unlock()
	z.AddFreed(int64(p))

	if release {
		e.arena.FreeRange(mem.Addr(toRelease), p)
		atomic.AddInt64(&e.Counters.Freed, int64(p))
		atomic.AddInt64(&e.Counters.Wasted, -int64(r))
		metrics.Freed.Add(float64(p))
		metrics.Wasted.Add(-float64(r))
		diag.Evict(z.Name(), toRelease, "free-cache insertion")
	}
	if z.Guard != nil {
		occ := 0
		for _, v := range z.Guard.Ring {
			if v != 0 {
				occ++
			}
		}
		metrics.FreeCacheOccupancy.WithLabelValues(z.Name()).Set(float64(occ))
	}
}

// checkResidue verifies every byte of the fill-pattern residue still
// reads back as mem.FillPattern, per §4.5 step 3's last bullet.
// pageBase is the start of the data page (header.Layout's reference
// point), not the start of the whole guard-plus-data range.
func (e *Engine) checkResidue(elemSize int, pageBase mem.Addr) {
	_, _, fillStart, fillEnd := header.Layout(elemSize, e.cfg.Layout)
	region := mem.Bytes(pageBase.Add(fillStart), fillEnd-fillStart)
	for i, b := range region {
		if b != mem.FillPattern {
			diag.Fatalf("guard: residue byte at %#x is %#02x, want fill pattern %#02x",
				pageBase.Add(fillStart+i), b, mem.FillPattern)
		}
	}
}

// LiveEntries returns one diag.LiveEntry per range currently mapped in
// the VA arena, read back through the header codec rather than tracked
// separately — the arena's own bookkeeping is the single source of
// truth for what is still outstanding. Ranges sitting in a zone's free
// cache remain in the arena (they are only unmapped or write-protected,
// per §3 invariant 3) and so still appear here; a caller that wants
// live-only entries should cross-reference against each zone's ring.
func (e *Engine) LiveEntries() []diag.LiveEntry {
	if !e.cfg.Enabled || e.arena == nil {
		return nil
	}
	entries := e.arena.Entries()
	out := make([]diag.LiveEntry, 0, len(entries))
	for _, ent := range entries {
		hdr := header.ReadFromEntry(ent.Start, ent.End, ent.Layout)
		zoneName := "unknown"
		e.ownersMu.RLock()
		if z, ok := e.owners[hdr.Owner]; ok {
			zoneName = z.Name()
		}
		e.ownersMu.RUnlock()
		out = append(out, diag.LiveEntry{
			Zone: zoneName,
			Addr: uintptr(ent.Start),
			Size: hdr.ElementSize,
		})
	}
	return out
}

// Dump writes a pprof-format snapshot of every range currently tracked
// by the VA arena to w (§6 "Allocation inventory dump").
func (e *Engine) Dump(w io.Writer) error {
	return diag.Dump(w, e.LiveEntries())
}

// EmptyFreeCache implements §4.5 EmptyFreeCache(zone): snapshot and
// clear the ring under the zone lock, then release every entry outside
// the lock.
func (e *Engine) EmptyFreeCache(z *zone.Zone) {
	if !e.cfg.Enabled || z.Guard == nil {
		return
	}
	z.Lock()
	entries := z.Guard.Snapshot()
	z.Unlock()

	freedElements := 0
	p := mem.Pagesize
	for _, base := range entries {
		e.arena.FreeRange(mem.Addr(base), p)
		freedElements++
	}

	if freedElements > 0 {
		z.Lock()
		z.ElemsFree += int64(freedElements)
		z.WiredCur -= int64(freedElements)
		z.Unlock()
	}
}

// ElementSize implements §4.7 reverse lookup.
func (e *Engine) ElementSize(addr uintptr) (ownerName string, size int, ok bool) {
	if !e.cfg.Enabled || e.arena == nil {
		return "", 0, false
	}
	a := mem.Addr(addr)
	if !e.arena.Contains(a) {
		return "", 0, false
	}
	entry, found := e.arena.LookupEntry(a)
	if !found {
		diag.Fatalf("guard: address %#x reported in-arena but has no entry", addr)
	}

	hdr := header.ReadFromEntry(entry.Start, entry.End, entry.Layout)

	e.ownersMu.RLock()
	z, known := e.owners[hdr.Owner]
	e.ownersMu.RUnlock()
	if !known {
		diag.Fatalf("guard: reverse lookup at %#x resolved to an unknown owner %#x", addr, hdr.Owner)
	}
	if !e.cfg.Tracked(z.Name(), z.ElementSize()) {
		diag.Fatalf("guard: reverse lookup at %#x resolved to zone %s which is no longer tracked", addr, z.Name())
	}
	return z.Name(), hdr.ElementSize, true
}
