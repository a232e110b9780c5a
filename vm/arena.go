// Package vm implements the VA arena collaborator (§3 "VA arena", §4.3,
// §6): a sub-map dedicated to guarded allocations, each backed by a
// real page mapping plus exactly one adjoining guard page whose
// protection is set to none.
//
// The kernel this was distilled from sub-allocates its guarded ranges
// out of one kernel-map suballoc and walks its own page tables to mark
// the guard page unreadable (vm.Vm_t / the original memory_allocate
// collaborator). A Go process cannot install its own page-table
// entries, so each guarded range here is its own anonymous mapping
// (golang.org/x/sys/unix.Mmap) with the guard page carved out by
// mprotect — functionally identical from the point of view of a
// faulting load or store, at the cost of one mapping per allocation
// rather than one mapping per arena.
package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"gzalloc/config"
	"gzalloc/mem"
)

// Entry describes one arena-tracked range: the page-aligned allocation
// plus its guard page. Start/End span the whole range, including the
// guard page, matching invariant 1 (§3): "every tracked allocation is
// covered by exactly one VA-arena map entry whose length is P + page."
type Entry struct {
	Start, End mem.Addr
	Layout     config.Layout
	// epoch is stamped once, at insertion, under the arena lock. It
	// realizes the "entry marked atomic" cross-check of §4.7 step 2:
	// an Entry reachable from the page index but whose epoch is zero
	// (never stamped) indicates the bookkeeping map
	// and the live mapping have diverged, which should never happen
	// and is therefore a panic, not an error return.
	epoch uint64
}

// Arena is a collection of independently-mapped guarded ranges, each
// indexed by the page numbers it spans so any address inside a range
// resolves back to its Entry in O(1).
type Arena struct {
	mu      sync.Mutex
	byPage  map[mem.Addr]*Entry
	budget  int
	used    int
	epochCt uint64
}

// New creates an arena with a soft capacity of zoneMapSize*zscale bytes
// (§4.3). The capacity is enforced as a bookkeeping budget rather than
// a single contiguous reservation, since nothing below requires the
// guarded ranges to be contiguous with one another.
func New(zoneMapSize, zscale int) *Arena {
	if zscale <= 0 {
		zscale = 1
	}
	return &Arena{
		byPage: make(map[mem.Addr]*Entry),
		budget: zoneMapSize * zscale,
	}
}

func pageOf(a mem.Addr) mem.Addr {
	return a.Rounddown()
}

// AllocGuarded returns a range of bytes+Pagesize, mapped read/write
// except for one guard page set to PROT_NONE at the end dictated by
// layout (§4.3). It panics on mmap/mprotect failure, matching the
// original's "panics on failure" contract — there is no partial-range
// recovery path once the kernel/OS has refused the request.
func (a *Arena) AllocGuarded(bytes int, layout config.Layout) (mem.Addr, *Entry) {
	if bytes <= 0 || bytes%mem.Pagesize != 0 {
		panic(fmt.Sprintf("vm: AllocGuarded called with non-page-multiple size %d", bytes))
	}
	total := bytes + mem.Pagesize

	a.mu.Lock()
	if a.used+total > a.budget && a.budget > 0 {
		a.mu.Unlock()
		panic(fmt.Sprintf("vm: arena budget exhausted: used %d, requested %d, budget %d",
			a.used, total, a.budget))
	}
	a.mu.Unlock()

	b, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Sprintf("vm: mmap of %d bytes failed: %v", total, err))
	}
	base := mem.Addr(uintptrOf(b))

	var guardStart mem.Addr
	if layout == config.Underflow {
		guardStart = base
	} else {
		guardStart = base.Add(bytes)
	}
	if err := unix.Mprotect(b[guardStart.Sub(base):guardStart.Sub(base)+mem.Pagesize], unix.PROT_NONE); err != nil {
		_ = unix.Munmap(b)
		panic(fmt.Sprintf("vm: mprotect(PROT_NONE) of guard page failed: %v", err))
	}

	e := &Entry{Start: base, End: base.Add(total), Layout: layout, epoch: atomic.AddUint64(&a.epochCt, 1)}

	a.mu.Lock()
	a.used += total
	for p := pageOf(base); p < e.End; p = p.Add(mem.Pagesize) {
		a.byPage[p] = e
	}
	a.mu.Unlock()

	return base, e
}

// FreeRange releases a previously-allocated range, including its guard
// page, back to the OS and forgets its bookkeeping entry (§4.5 step 7,
// §4.8 "evict").
func (a *Arena) FreeRange(base mem.Addr, bytes int) {
	total := bytes + mem.Pagesize

	a.mu.Lock()
	e, ok := a.byPage[pageOf(base)]
	if ok {
		for p := pageOf(base); p < e.End; p = p.Add(mem.Pagesize) {
			delete(a.byPage, p)
		}
		a.used -= e.End.Sub(e.Start)
	}
	a.mu.Unlock()

	b := bytesAt(base, total)
	if err := unix.Munmap(b); err != nil {
		panic(fmt.Sprintf("vm: munmap of %#x (%d bytes) failed: %v", base, total, err))
	}
}

// Protect changes the protection of [start, end) to either read-only
// (the `wp` boot token) or fully inaccessible, without unmapping the
// range or forgetting its Entry — the range stays reachable for
// reverse lookup and double-free scanning until it is evicted from the
// free cache and FreeRange is called (§4.5 step 5, §3 invariant 3).
func (a *Arena) Protect(start, end mem.Addr, prot config.Protection) {
	var p int
	switch prot {
	case config.ProtReadOnly:
		p = unix.PROT_READ
	default:
		p = unix.PROT_NONE
	}
	b := bytesAt(start, end.Sub(start))
	if err := unix.Mprotect(b, p); err != nil {
		panic(fmt.Sprintf("vm: protect(%#x, %#x, %d) failed: %v", start, end, prot, err))
	}
}

// Entries returns every distinct range currently tracked by the arena,
// used by the guard engine's live-allocation dump (§6 "Allocation
// inventory dump"). The arena indexes entries per-page, so duplicates
// are collapsed by entry identity before returning.
func (a *Arena) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := make(map[*Entry]bool, len(a.byPage))
	out := make([]Entry, 0, len(a.byPage))
	for _, e := range a.byPage {
		if seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, *e)
	}
	return out
}

// Contains reports whether addr falls inside any tracked entry.
func (a *Arena) Contains(addr mem.Addr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.byPage[pageOf(addr)]
	return ok
}

// LookupEntry returns the arena entry covering addr, used by reverse
// lookup (§4.7 step 2). It panics if addr resolves to an entry whose
// recorded epoch is zero, which cannot happen for an entry reached via
// byPage and would indicate the map and the live mapping have
// diverged.
func (a *Arena) LookupEntry(addr mem.Addr) (Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.byPage[pageOf(addr)]
	if !ok {
		return Entry{}, false
	}
	if e.epoch == 0 {
		panic(fmt.Sprintf("vm: arena entry for %#x has no epoch stamp; map corrupted", addr))
	}
	return *e, true
}
