// Package res implements the pre-VM physical-memory bootstrap reserve
// (§3 "Reserve", §4.2): a single block of memory stolen from the OS
// once, at process start, and handed out strictly bump-pointer style
// thereafter. It exists so the guard engine has somewhere to put
// allocations and free-cache rings before the real VA arena (package
// vm) has been brought up.
//
// The kernel this was distilled from steals physical pages from the
// pmap layer (phys.Phys_init bump-allocates a slab of Physpg_t before
// the direct map even exists); the equivalent bootstrap step here is a
// single anonymous mmap, since a userspace process has no separate
// physical/virtual distinction to bootstrap through.
package res

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"gzalloc/mem"
)

// DefaultSize is the default reserve size (§3).
const DefaultSize = 2 << 20

// lowWaterFraction sets the level (1/lowWaterFraction of a Reserve's
// own size remaining) at which LowCh fires, mirroring the kernel's OOM notification channel
// (oommsg.OomCh) but scoped to the bootstrap reserve rather than all of
// physical memory.
const lowWaterFraction = 16

// LowCh receives one value the first time a Reserve's remaining
// capacity drops below 1/16th of its starting size. It is buffered so
// the signalling carve() never blocks on a reader that isn't watching.
var LowCh = make(chan struct{}, 1)

// Reserve is a bump-pointer pool of bytes usable before the VA arena
// exists. It is never shrunk and never returns memory to the OS.
type Reserve struct {
	mu       sync.Mutex
	mem      []byte
	off      int
	lowFired bool
}

// New steals size bytes from the OS via a single anonymous mapping and
// returns a Reserve ready to carve from. It panics if the initial
// mapping itself fails, since there is no fallback bootstrap path.
func New(size int) *Reserve {
	if size <= 0 {
		size = DefaultSize
	}
	size = mem.RoundupBytes(size)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		panic(fmt.Sprintf("res: failed to steal %d bytes from the OS: %v", size, err))
	}
	return &Reserve{mem: b}
}

// Remaining reports how many bytes are left uncarved.
func (r *Reserve) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mem) - r.off
}

// Carve hands out the next n bytes of the reserve as a slice backed by
// the reserve's mapping, bump-pointer style; it never returns memory.
// It panics with "reserve exhausted" if fewer than n bytes remain,
// since there is no recovery path once the pre-VM bootstrap pool is
// spent (§4.2).
func (r *Reserve) Carve(n int) []byte {
	if n <= 0 {
		panic("res: carve of non-positive size")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.off+n > len(r.mem) {
		panic(fmt.Sprintf("reserve exhausted: requested %d bytes, %d remain of %d",
			n, len(r.mem)-r.off, len(r.mem)))
	}
	out := r.mem[r.off : r.off+n]
	r.off += n
	if !r.lowFired && len(r.mem)-r.off < len(r.mem)/lowWaterFraction {
		r.lowFired = true
		select {
		case LowCh <- struct{}{}:
		default:
		}
	}
	return out
}

// CarvePage hands out n bytes, rounded up to a whole number of pages,
// starting on a page boundary — first rounding the bump pointer itself
// up to the next page if an earlier odd-sized carve left it misaligned.
// The guard engine's pre-VM guarded-allocation path relies on this to
// get a page-aligned data page; its pre-VM free-cache rings use Carve.
func (r *Reserve) CarvePage(n int) []byte {
	n = mem.RoundupBytes(n)
	r.mu.Lock()
	r.off = mem.RoundupBytes(r.off)
	if r.off+n > len(r.mem) {
		r.mu.Unlock()
		panic(fmt.Sprintf("reserve exhausted: requested %d page-aligned bytes, %d remain of %d",
			n, len(r.mem)-r.off, len(r.mem)))
	}
	out := r.mem[r.off : r.off+n]
	r.off += n
	lowNow := !r.lowFired && len(r.mem)-r.off < len(r.mem)/lowWaterFraction
	if lowNow {
		r.lowFired = true
	}
	r.mu.Unlock()
	if lowNow {
		select {
		case LowCh <- struct{}{}:
		default:
		}
	}
	return out
}

// Base returns the address of the first byte of the reserve's backing
// mapping, used by callers that need to compute mem.Addr values over
// carved slices.
func (r *Reserve) Base() mem.Addr {
	if len(r.mem) == 0 {
		return 0
	}
	return mem.Addr(uintptr(unsafe.Pointer(unsafe.SliceData(r.mem))))
}
