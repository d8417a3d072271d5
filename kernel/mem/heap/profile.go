package heap

import (
	"io"
	"strconv"

	"github.com/google/pprof/profile"
)

// WriteProfile encodes the heap's current per-class free-slot counts as a
// pprof profile (one sample per size class, labeled by slot size, whose
// "objects" value is the class's free-slot count and whose "space" value is
// that count times the slot size), so the heap's state can be inspected with the same
// tooling used for userspace Go heap profiles.
func (h *Heap) WriteProfile(w io.Writer) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "objects", Unit: "count"},
			{Type: "space", Unit: "bytes"},
		},
		DefaultSampleType: "space",
		PeriodType:        &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:            1,
	}

	stats := h.Stats()
	for i, cs := range stats {
		fn := &profile.Function{
			ID:   uint64(i + 1),
			Name: classFunctionName(cs.SlotSize),
		}
		loc := &profile.Location{
			ID:   uint64(i + 1),
			Line: []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)

		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(cs.FreeSlots), int64(cs.FreeSlots) * int64(cs.SlotSize)},
			Label:    map[string][]string{"class": {classFunctionName(cs.SlotSize)}},
		})
	}

	return p.Write(w)
}

func classFunctionName(slotSize uintptr) string {
	return "class-" + strconv.FormatUint(uint64(slotSize), 10)
}
