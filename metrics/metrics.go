// Package metrics exports the guard engine's counters for scraping: the
// global byte counters named in the specification table plus a
// per-zone free-cache occupancy gauge.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Allocated is the running total of bytes handed out through the
	// guard engine (P per allocation, including header and residue).
	Allocated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gzalloc",
		Name:      "allocated_bytes_total",
		Help:      "Total bytes allocated through the guard engine.",
	})

	// Freed is the running total of bytes actually released back to
	// the VA arena (as opposed to merely freed into the cache).
	Freed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gzalloc",
		Name:      "freed_bytes_total",
		Help:      "Total bytes released back to the VA arena.",
	})

	// Wasted tracks the residue bytes currently reserved by live
	// allocations (R = P - E, summed), a gauge rather than a counter
	// since it rises and falls with outstanding allocations.
	Wasted = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gzalloc",
		Name:      "wasted_bytes",
		Help:      "Residue bytes currently reserved by live guarded allocations.",
	})

	// EarlyAlloc counts bytes allocated before the VM subsystem was
	// ready, which leak by design.
	EarlyAlloc = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gzalloc",
		Name:      "early_alloc_bytes_total",
		Help:      "Bytes allocated from the bootstrap reserve before the VA arena existed.",
	})

	// EarlyFree counts bytes "freed" while still pre-VM or
	// sentinel-owned, which leak rather than being released.
	EarlyFree = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gzalloc",
		Name:      "early_free_bytes_total",
		Help:      "Bytes freed while pre-VM or sentinel-owned; these leak by design.",
	})

	// PdzallocCount counts calls that carved a guarded allocation out
	// of the bootstrap reserve rather than the VA arena.
	PdzallocCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gzalloc",
		Name:      "pdzalloc_total",
		Help:      "Guarded allocations served from the bootstrap reserve.",
	})

	// PdzfreeCount counts frees of a reserve-backed (pre-VM or
	// sentinel-owned) allocation.
	PdzfreeCount = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gzalloc",
		Name:      "pdzfree_total",
		Help:      "Frees of a reserve-backed allocation.",
	})

	// FreeCacheOccupancy reports how many slots of each tracked zone's
	// free cache are currently occupied.
	FreeCacheOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gzalloc",
		Name:      "free_cache_occupancy",
		Help:      "Occupied slots in a tracked zone's free-VA cache ring.",
	}, []string{"zone"})
)

// Register adds every collector in this package to reg. Call once at
// process start with prometheus.DefaultRegisterer, or with a test
// registry to isolate metrics per test.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		Allocated, Freed, Wasted, EarlyAlloc, EarlyFree,
		PdzallocCount, PdzfreeCount, FreeCacheOccupancy,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
