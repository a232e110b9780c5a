package header

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"gzalloc/config"
	"gzalloc/mem"
)

// mapPage mmaps exactly one data page (underflow's trailing duplicate
// header fits inside it) for a test to write into directly,
// standing in for a page handed out by the VA arena or reserve.
func mapPage(t *testing.T) mem.Addr {
	t.Helper()
	b, err := unix.Mmap(-1, 0, mem.Pagesize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(b) })
	return mem.AddrOf(b)
}

func TestWriteReadRoundTripOverflow(t *testing.T) {
	base := mapPage(t)
	owner := uintptr(0x1234)
	elemSize := 48

	p := Write(base, elemSize, owner, config.Overflow)
	h := Read(p, elemSize, config.Overflow)

	assert.Equal(t, owner, h.Owner)
	assert.Equal(t, elemSize, h.ElementSize)
	assert.False(t, h.FromPreVM())
}

func TestWriteReadRoundTripUnderflow(t *testing.T) {
	base := mapPage(t)
	owner := uintptr(0x5678)
	elemSize := 48

	p := Write(base, elemSize, owner, config.Underflow)
	h := Read(p, elemSize, config.Underflow)

	assert.Equal(t, owner, h.Owner)
	assert.Equal(t, elemSize, h.ElementSize)
}

func TestReadFromEntryOverflowScans(t *testing.T) {
	base := mapPage(t)
	owner := uintptr(0xdead)
	elemSize := 100

	Write(base, elemSize, owner, config.Overflow)
	h := ReadFromEntry(base, base.Add(mem.Pagesize), config.Overflow)

	assert.Equal(t, owner, h.Owner)
	assert.Equal(t, elemSize, h.ElementSize)
}

func TestReadFromEntryUnderflowReadsTrailingCopy(t *testing.T) {
	base := mapPage(t)
	owner := uintptr(0xbeef)
	elemSize := 37

	Write(base, elemSize, owner, config.Underflow)
	h := ReadFromEntry(base, base.Add(mem.Pagesize), config.Underflow)

	assert.Equal(t, owner, h.Owner)
	assert.Equal(t, elemSize, h.ElementSize)
}

func TestWritePanicsWhenElementTooLargeForPage(t *testing.T) {
	base := mapPage(t)
	assert.Panics(t, func() {
		Write(base, mem.Pagesize, 1, config.Overflow)
	})
}

func TestResidueIsFillPatterned(t *testing.T) {
	base := mapPage(t)
	elemSize := 16

	Write(base, elemSize, 1, config.Overflow)
	_, headerStart, fillStart, fillEnd := Layout(elemSize, config.Overflow)
	assert.Equal(t, 0, fillStart)
	assert.Equal(t, headerStart, fillEnd)

	fill := mem.Bytes(base.Add(fillStart), fillEnd-fillStart)
	for _, b := range fill {
		assert.Equal(t, mem.FillPattern, b)
	}
}

func TestReadPanicsOnBadSignature(t *testing.T) {
	base := mapPage(t)
	assert.Panics(t, func() {
		Read(base.Add(mem.Pagesize-8), 8, config.Overflow)
	})
}
