// Package mem holds the page-granularity constants and the address type
// shared by every other guard-allocator package: the reserve, the VA
// arena, the header codec, and the guard engine all measure ranges in
// units of Pagesize and pass addresses around as mem.Addr.
package mem

import (
	"unsafe"

	"gzalloc/util"
)

// Pageshift is the base-2 exponent for the page size.
const Pageshift uint = 12

// Pagesize is the size of a single page in bytes.
const Pagesize int = 1 << Pageshift

// Pageoffset masks the in-page offset of an address.
const Pageoffset Addr = Addr(Pagesize - 1)

// Pagemask masks the page number of an address.
const Pagemask Addr = ^Pageoffset

// Addr is a virtual address inside the guard allocator's own address
// space. It is a distinct type from uintptr so that accidentally mixing
// it with an arbitrary integer is a compile error.
type Addr uintptr

// Roundup rounds v up to the next multiple of Pagesize.
func (a Addr) Roundup() Addr {
	return Addr(util.Roundup(uintptr(a), uintptr(Pagesize)))
}

// Rounddown rounds v down to the previous multiple of Pagesize, i.e.
// truncates to the containing page.
func (a Addr) Rounddown() Addr {
	return Addr(util.Rounddown(uintptr(a), uintptr(Pagesize)))
}

// Aligned reports whether a falls on a page boundary.
func (a Addr) Aligned() bool {
	return a&Pageoffset == 0
}

// Add returns a+n.
func (a Addr) Add(n int) Addr {
	return Addr(int64(a) + int64(n))
}

// Sub returns a-b as a signed byte count.
func (a Addr) Sub(b Addr) int {
	return int(int64(a) - int64(b))
}

// RoundupBytes rounds n up to a multiple of Pagesize.
func RoundupBytes(n int) int {
	return util.Roundup(n, Pagesize)
}

// FillPattern is the byte stamped across an allocation's residue when
// it is laid out and checked again at free time (§3 invariant 5). Any
// address in the residue that does not hold this byte indicates an
// overflow or underflow.
const FillPattern uint8 = 0x67

// Signature is the 32-bit constant written into every guard header.
// Implementations must use this exact value for compatibility with
// existing memory dumps.
const Signature uint32 = 0xABADCAFE

// Bytes returns a []byte view of length n over the live memory at addr.
// Every package that needs to read or write raw allocation bytes
// (header codec, guard engine's fill-pattern scan) goes through this
// one unsafe conversion point rather than re-deriving it locally.
func Bytes(addr Addr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// AddrOf is the inverse of Bytes: it returns the address of b's first
// byte. Used whenever a []byte obtained from a bump allocator (the
// bootstrap reserve) needs to be reasoned about as a mem.Addr range.
func AddrOf(b []byte) Addr {
	if len(b) == 0 {
		return 0
	}
	return Addr(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}
