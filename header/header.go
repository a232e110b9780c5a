// Package header implements the guard allocator's header codec: the
// small piece of bookkeeping co-located with every guarded element that
// records which zone owns it and how big it is, and that reverse lookup
// uses to recover that information from a bare address with no other
// context.
//
// The kernel this was distilled from overlays a C struct directly on
// top of reserved physical pages (see the direct-map struct-overlay
// idiom the teacher's mem package used before this rework). The same
// technique carries over here: Write and Read cast a raw byte range
// obtained from mem.Bytes onto a rawHeader via unsafe.Pointer rather
// than serializing through encoding/binary, since the header always
// lives in this process's own address space and never crosses a wire.
package header

import (
	"fmt"
	"unsafe"

	"gzalloc/config"
	"gzalloc/mem"
	"gzalloc/util"
)

// PreVMOwner is stamped into Owner for allocations carved out of the
// bootstrap reserve before the real VA arena exists, standing in for
// the zone pointer that a post-VM allocation records instead.
const PreVMOwner = ^uintptr(0)

// rawHeader is the in-memory layout overlaid directly on the header
// bytes. Signature follows Owner and ElementSize (only padding comes
// after it), so a forward scan across an unknown range can identify a
// header by that word without knowing E and step back by its field
// offset to the header start.
type rawHeader struct {
	Owner       uintptr
	ElementSize uint64
	Signature   uint32
	_           uint32 // pad to keep the struct 8-byte aligned
}

// Size is the number of bytes a header occupies.
const Size = int(unsafe.Sizeof(rawHeader{}))

// Header is the decoded, copyable view of a rawHeader.
type Header struct {
	Owner       uintptr
	ElementSize int
}

// FromPreVM reports whether the header was written before the VA arena
// was brought up.
func (h Header) FromPreVM() bool {
	return h.Owner == PreVMOwner
}

func overlay(addr mem.Addr) *rawHeader {
	return (*rawHeader)(unsafe.Pointer(uintptr(addr)))
}

// Layout returns the byte offsets for a header belonging to an element
// of size elemSize placed inside a single page at base, according to
// layout. elementStart is relative to base; headerStart is relative to
// base; fillStart/fillEnd bound the residue that Write stamps with
// mem.FillPattern and Free checks, and are expressed relative to base as
// well. Every offset is page-local: gzalloc never spans an element and
// its header across more than one data page, so elemSize+Size must not
// exceed mem.Pagesize.
func Layout(elemSize int, layout config.Layout) (elementStart, headerStart, fillStart, fillEnd int) {
	if elemSize < 0 {
		panic("header: negative element size")
	}
	if elemSize+Size > mem.Pagesize {
		panic(fmt.Sprintf("header: element of %d bytes plus %d-byte header exceeds one page; "+
			"allocations spanning multiple pages are not supported", elemSize, Size))
	}

	switch layout {
	case config.Underflow:
		elementStart = 0
		headerStart = elemSize
		fillStart = headerStart + Size
		fillEnd = mem.Pagesize - Size // leaves room for the trailing duplicate header
	default:
		r := mem.Pagesize - elemSize
		elementStart = r
		headerStart = r - Size
		fillStart = 0
		fillEnd = headerStart
	}
	return
}

// Write stamps a header for an elemSize-byte element inside the data
// page starting at pageBase, and fills the residue with mem.FillPattern
// (invariant: every byte outside the element and its header reads back
// as the fill pattern until the next write). It returns the address the
// caller should hand back to the allocation's requester.
func Write(pageBase mem.Addr, elemSize int, owner uintptr, layout config.Layout) mem.Addr {
	elementStart, headerStart, fillStart, fillEnd := Layout(elemSize, layout)

	fill := mem.Bytes(pageBase.Add(fillStart), fillEnd-fillStart)
	for i := range fill {
		fill[i] = mem.FillPattern
	}

	hdr := overlay(pageBase.Add(headerStart))
	hdr.Owner = owner
	hdr.ElementSize = uint64(elemSize)
	hdr.Signature = mem.Signature

	if layout == config.Underflow {
		dup := overlay(pageBase.Add(mem.Pagesize - Size))
		dup.Owner = owner
		dup.ElementSize = uint64(elemSize)
		dup.Signature = mem.Signature
	}

	return pageBase.Add(elementStart)
}

// Read recovers the header belonging to an element whose size is
// already known to the caller (the Free path: the caller always knows
// which zone, and therefore which element size, an address came from).
// It panics if the recovered signature does not match, which indicates
// header corruption or that elementPtr was never handed out by Write.
func Read(elementPtr mem.Addr, elemSize int, layout config.Layout) Header {
	var headerStart mem.Addr
	switch layout {
	case config.Underflow:
		headerStart = elementPtr.Add(elemSize)
	default:
		headerStart = elementPtr.Add(-Size)
	}

	hdr := overlay(headerStart)
	if hdr.Signature != mem.Signature {
		panic(fmt.Sprintf("header: bad signature at %#x: got %#x, want %#x",
			headerStart, hdr.Signature, mem.Signature))
	}
	return Header{Owner: hdr.Owner, ElementSize: int(hdr.ElementSize)}
}

// ReadFromEntry recovers a header from a tracked arena range with no
// prior knowledge of the element size — the reverse lookup path. In
// underflow mode the trailing duplicate header sits at a fixed offset
// from entryEnd regardless of E, so no scan is needed. In overflow mode
// the header precedes a variable-length element, so ReadFromEntry scans
// forward one 32-bit word at a time from entryStart looking for the
// signature; the header begins the Signature field's offset within
// rawHeader before the word that matched.
//
// It panics if no signature is found before the scan would run past
// entryEnd, or if one is found but the recovered header's own bounds
// would overrun entryEnd — both indicate the arena's bookkeeping and
// the live mapping have diverged.
func ReadFromEntry(entryStart, entryEnd mem.Addr, layout config.Layout) Header {
	if layout == config.Underflow {
		headerStart := entryEnd.Add(-Size)
		if headerStart.Sub(entryStart) < 0 {
			panic("header: underflow entry too small to hold a trailing header")
		}
		hdr := overlay(headerStart)
		if hdr.Signature != mem.Signature {
			panic(fmt.Sprintf("header: bad trailing signature at %#x: got %#x, want %#x",
				headerStart, hdr.Signature, mem.Signature))
		}
		return Header{Owner: hdr.Owner, ElementSize: int(hdr.ElementSize)}
	}

	// The guard page trails the data page in overflow mode (arena.go),
	// so the scan must stop at the data-page boundary: reading past it
	// would touch the PROT_NONE guard page and fault the process instead
	// of reaching the "no signature found" panic below. dataEnd is also
	// cross-checked against entryEnd per the Open Question resolution in
	// SPEC_FULL.md; for an arena overflow entry entryEnd lies one guard
	// page past dataEnd, so the clamp only matters for a shorter range.
	dataEnd := entryStart.Add(mem.Pagesize)
	if dataEnd.Sub(entryStart) > entryEnd.Sub(entryStart) {
		dataEnd = entryEnd
	}

	const word = 4
	for addr := entryStart; addr.Add(word).Sub(entryStart) <= dataEnd.Sub(entryStart); addr = addr.Add(word) {
		if util.ReadWord32(mem.Bytes(addr, word), 0) != mem.Signature {
			continue
		}
		headerStart := addr.Add(-int(unsafe.Offsetof(rawHeader{}.Signature)))
		if headerStart.Sub(entryStart) < 0 || headerStart.Add(Size).Sub(entryStart) > dataEnd.Sub(entryStart) {
			panic(fmt.Sprintf("header: signature match at %#x yields out-of-range header", addr))
		}
		hdr := overlay(headerStart)
		return Header{Owner: hdr.Owner, ElementSize: int(hdr.ElementSize)}
	}
	panic(fmt.Sprintf("header: no signature found scanning [%#x, %#x)", entryStart, dataEnd))
}
