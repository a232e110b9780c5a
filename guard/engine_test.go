package guard

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gzalloc/config"
	"gzalloc/header"
	"gzalloc/mem"
	"gzalloc/zone"
)

// newTestEngine builds a ready-to-use Engine and a tracked zone from a
// boot-token string, the way a host wires the two together after its
// own VM subsystem has come up.
func newTestEngine(t *testing.T, tokens string) (*Engine, *zone.Zone) {
	t.Helper()
	e := New(config.Parse(tokens))
	e.ReadyVM()
	z := zone.New("widgets", 64)
	e.ZoneInit(z)
	return e, z
}

func TestAllocateReturnsWritableElement(t *testing.T) {
	e, z := newTestEngine(t, "enable,size=64,fc_size=4")

	ptr, ok := e.Allocate(z, false, false)
	require.True(t, ok)
	require.NotZero(t, ptr)

	data := mem.Bytes(mem.Addr(ptr), 64)
	data[0] = 0x11
	data[63] = 0x22
	assert.Equal(t, byte(0x11), data[0])
	assert.Equal(t, byte(0x22), data[63])
}

func TestAllocateDeclinesWhenPreemptDisabledAndNoWait(t *testing.T) {
	e, z := newTestEngine(t, "enable,size=64,fc_size=4")

	ptr, ok := e.Allocate(z, true, true)
	assert.False(t, ok)
	assert.Zero(t, ptr)
}

func TestAllocateOnUntrackedZoneIsNoOp(t *testing.T) {
	// size=128 tracks only exact 64-byte... no, 128-byte elements, so a
	// 64-byte zone's ZoneInit leaves it untracked (z.Guard stays nil) and
	// the engine must never touch the arena for it.
	e, z := newTestEngine(t, "enable,size=128,fc_size=4")

	ptr, ok := e.Allocate(z, false, false)
	assert.False(t, ok)
	assert.Zero(t, ptr)
}

// TestOverflowModeResidueCorruptionPanicsOnFree covers §8's overflow
// scenario: in overflow mode the guard page traps a forward write past
// the element instantly (a hardware fault this test cannot safely
// reproduce without crashing the process), but a write into the
// residue gap ahead of the header — a backward corruption within the
// same tracked page — is caught by the fill-pattern check at Free.
func TestOverflowModeResidueCorruptionPanicsOnFree(t *testing.T) {
	e, z := newTestEngine(t, "enable,size=64,fc_size=4")
	ptr, ok := e.Allocate(z, false, false)
	require.True(t, ok)

	elementStart, _, fillStart, fillEnd := header.Layout(64, config.Overflow)
	require.Greater(t, fillEnd, fillStart, "overflow layout must reserve residue to corrupt")
	pageBase := mem.Addr(ptr).Add(-elementStart)
	residue := mem.Bytes(pageBase.Add(fillStart), fillEnd-fillStart)
	residue[0] ^= 0xFF

	assert.Panics(t, func() { e.Free(z, ptr) })
}

// TestUnderflowModeResidueCorruptionPanicsOnFree covers §8's underflow
// scenario, the mirror image: the guard page leads, trapping a
// backward write instantly, and the residue check catches a forward
// write past the header and before the trailing duplicate header.
func TestUnderflowModeResidueCorruptionPanicsOnFree(t *testing.T) {
	e, z := newTestEngine(t, "enable,size=64,fc_size=4,uf_mode")
	ptr, ok := e.Allocate(z, false, false)
	require.True(t, ok)

	elementStart, _, fillStart, fillEnd := header.Layout(64, config.Underflow)
	require.Greater(t, fillEnd, fillStart, "underflow layout must reserve residue to corrupt")
	pageBase := mem.Addr(ptr).Add(-elementStart)
	residue := mem.Bytes(pageBase.Add(fillStart), fillEnd-fillStart)
	residue[0] ^= 0xFF

	assert.Panics(t, func() { e.Free(z, ptr) })
}

func TestDoubleFreeDetected(t *testing.T) {
	e, z := newTestEngine(t, "enable,size=64,fc_size=4")
	ptr, ok := e.Allocate(z, false, false)
	require.True(t, ok)

	e.Free(z, ptr)
	assert.Panics(t, func() { e.Free(z, ptr) }, "freeing the same pointer twice must be caught")
}

// TestDoubleFreeCheckCanBeDisabled uses `wp` alongside `no_dfree_check`
// so the second Free's header re-read lands on read-only, not
// PROT_NONE, memory: disabling the check means a double free is no
// longer caught, not that reading the (by-then reprotected) range is
// itself safe in general.
func TestDoubleFreeCheckCanBeDisabled(t *testing.T) {
	e, z := newTestEngine(t, "enable,size=64,fc_size=4,no_dfree_check,wp")
	ptr, ok := e.Allocate(z, false, false)
	require.True(t, ok)

	e.Free(z, ptr)
	assert.NotPanics(t, func() { e.Free(z, ptr) })
}

// TestFreedRangeNotReusedWhileCached guards against use-after-free the
// way this allocator actually prevents it: a range sitting in a zone's
// free cache is write-protected and never handed back out by Allocate
// until it is evicted, so two outstanding ranges can never alias.
func TestFreedRangeNotReusedWhileCached(t *testing.T) {
	e, z := newTestEngine(t, "enable,size=64,fc_size=4")

	p1, ok := e.Allocate(z, false, false)
	require.True(t, ok)
	e.Free(z, p1)

	p2, ok := e.Allocate(z, false, false)
	require.True(t, ok)

	elementStart, _, _, _ := header.Layout(64, config.Overflow)
	base1 := mem.Addr(p1).Add(-elementStart)
	base2 := mem.Addr(p2).Add(-elementStart)
	assert.NotEqual(t, base1, base2, "a fresh allocation must never alias a range still parked in the free cache")

	_, hit := z.Guard.Contains(uintptr(base1))
	assert.True(t, hit, "p1's range should still be in the free cache, not reused")
}

func TestFreeCacheLRUEvictionReleasesOldest(t *testing.T) {
	e, z := newTestEngine(t, "enable,size=64,fc_size=2")

	var ptrs []uintptr
	for i := 0; i < 3; i++ {
		p, ok := e.Allocate(z, false, false)
		require.True(t, ok)
		ptrs = append(ptrs, p)
	}

	freedBefore := atomic.LoadInt64(&e.Counters.Freed)
	e.Free(z, ptrs[0])
	e.Free(z, ptrs[1])
	assert.Equal(t, freedBefore, atomic.LoadInt64(&e.Counters.Freed),
		"a ring of size 2 has nothing to evict after only two inserts")

	e.Free(z, ptrs[2])
	assert.Greater(t, atomic.LoadInt64(&e.Counters.Freed), freedBefore,
		"the third free should evict and release the oldest cached range")

	_, _, ok := e.ElementSize(ptrs[0])
	assert.False(t, ok, "the evicted range must be fully unmapped, no longer reverse-lookup-able")
}

func TestFreeCacheSizeZeroReleasesImmediately(t *testing.T) {
	e, z := newTestEngine(t, "enable,size=64,fc_size=0")

	ptr, ok := e.Allocate(z, false, false)
	require.True(t, ok)

	freedBefore := atomic.LoadInt64(&e.Counters.Freed)
	e.Free(z, ptr)
	assert.Greater(t, atomic.LoadInt64(&e.Counters.Freed), freedBefore,
		"fc_size=0 must transition LIVE to RELEASED directly, with nothing cached in between")

	_, _, ok = e.ElementSize(ptr)
	assert.False(t, ok)
}

func TestReverseLookupFindsMidElementAddress(t *testing.T) {
	e, z := newTestEngine(t, "enable,size=64,fc_size=4")
	ptr, ok := e.Allocate(z, false, false)
	require.True(t, ok)

	name, size, ok := e.ElementSize(ptr + 10)
	require.True(t, ok)
	assert.Equal(t, "widgets", name)
	assert.Equal(t, 64, size)
}

func TestReverseLookupMissOutsideAnyTrackedRange(t *testing.T) {
	e, _ := newTestEngine(t, "enable,size=64,fc_size=4")
	_, _, ok := e.ElementSize(0xdeadbeef)
	assert.False(t, ok)
}

func TestEmptyFreeCacheReleasesEverythingAndIsIdempotent(t *testing.T) {
	e, z := newTestEngine(t, "enable,size=64,fc_size=4")

	var ptrs []uintptr
	for i := 0; i < 3; i++ {
		p, ok := e.Allocate(z, false, false)
		require.True(t, ok)
		ptrs = append(ptrs, p)
		e.Free(z, p)
	}

	e.EmptyFreeCache(z)
	for _, p := range ptrs {
		_, _, ok := e.ElementSize(p)
		assert.False(t, ok)
	}

	assert.NotPanics(t, func() { e.EmptyFreeCache(z) }, "emptying an already-empty cache is a no-op")
}

func TestPreVMAllocationsAreCountedEarlyAndLeakOnFree(t *testing.T) {
	cfg := config.Parse("enable,size=64,fc_size=4")
	e := New(cfg) // no ReadyVM: the engine stays in its pre-VM phase
	z := zone.New("widgets", 64)
	e.ZoneInit(z)

	ptr, ok := e.Allocate(z, false, false)
	require.True(t, ok)
	assert.EqualValues(t, 1, e.Counters.PdzallocCount)
	assert.EqualValues(t, mem.Pagesize, e.Counters.EarlyAlloc)

	e.Free(z, ptr)
	assert.EqualValues(t, 1, e.Counters.PdzfreeCount)
	assert.EqualValues(t, mem.Pagesize, e.Counters.EarlyFree)
}

func TestLiveEntriesReportsOutstandingAllocations(t *testing.T) {
	e, z := newTestEngine(t, "enable,size=64,fc_size=4")
	_, ok := e.Allocate(z, false, false)
	require.True(t, ok)

	entries := e.LiveEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "widgets", entries[0].Zone)
	assert.Equal(t, 64, entries[0].Size)
}

func TestDisabledEngineIsAllNoOps(t *testing.T) {
	e := New(config.Default())
	z := zone.New("widgets", 64)
	e.ZoneInit(z)

	ptr, ok := e.Allocate(z, false, false)
	assert.False(t, ok)
	assert.Zero(t, ptr)
	assert.Nil(t, z.Guard)
	assert.Empty(t, e.LiveEntries())
}
