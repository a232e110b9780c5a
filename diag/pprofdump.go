package diag

import (
	"io"

	"github.com/google/pprof/profile"
)

// LiveEntry describes one outstanding guarded allocation for inclusion
// in a Dump: which zone it belongs to, its element pointer, and its
// size.
type LiveEntry struct {
	Zone string
	Addr uintptr
	Size int
}

// Dump writes a snapshot of every currently live guarded allocation to
// w in pprof's wire format: one sample per entry, valued by byte size,
// grouped by owning zone. Opening the result in `go tool pprof` gives a
// per-zone inventory of what is still outstanding, the guard-allocator
// equivalent of a kernel memory dump.
func Dump(w io.Writer, entries []LiveEntry) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "allocations", Unit: "count"},
			{Type: "bytes", Unit: "bytes"},
		},
	}

	funcs := map[string]*profile.Function{}
	locs := map[string]*profile.Location{}
	var nextID uint64 = 1

	locFor := func(zone string) *profile.Location {
		if l, ok := locs[zone]; ok {
			return l
		}
		fn, ok := funcs[zone]
		if !ok {
			fn = &profile.Function{ID: nextID, Name: "zone:" + zone}
			nextID++
			funcs[zone] = fn
			p.Function = append(p.Function, fn)
		}
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		nextID++
		locs[zone] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for _, e := range entries {
		loc := locFor(e.Zone)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{1, int64(e.Size)},
			Label: map[string][]string{
				"zone": {e.Zone},
			},
			NumLabel: map[string][]int64{
				"addr": {int64(e.Addr)},
			},
		})
	}

	return p.Write(w)
}
