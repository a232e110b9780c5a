package vm

import (
	"unsafe"

	"gzalloc/mem"
)

// uintptrOf returns the address of the first byte of b. It is the
// inverse of bytesAt: mmap returns a []byte, but the rest of the arena
// indexes everything by mem.Addr.
func uintptrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// bytesAt reconstructs a []byte view of length n over memory starting
// at addr. It is only ever used to hand a previously-mmap'd range back
// to munmap/mprotect, which take a []byte purely to recover the
// address and length they were given at map time.
func bytesAt(addr mem.Addr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}
