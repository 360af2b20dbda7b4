// Package profile snapshots the frame allocator's refcount histogram
// and the scheduler's per-CPU ready-queue depths into a
// github.com/google/pprof/profile.Profile, the natural target for a
// kernel that has no net/http and therefore no net/http/pprof handler
// to expose this kind of state through.
package profile

import (
	"strconv"
	"time"

	"github.com/google/pprof/profile"

	"kernelcore/internal/mem"
	"kernelcore/internal/sched"
)

var sampleTypes = []*profile.ValueType{
	{Type: "frames", Unit: "count"},
}

// Snapshot builds a profile whose samples are labeled by source
// ("allocator" or "scheduler") plus a dimension label (refcount bucket
// or CPU id) and whose value is the count at that bucket. It is meant
// to be written with (*profile.Profile).Write and inspected offline
// with `go tool pprof`.
func Snapshot(alloc *mem.Allocator, s *sched.Scheduler) *profile.Profile {
	root := &profile.Function{ID: 1, Name: "kernelcore.Snapshot"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: root}}}

	p := &profile.Profile{
		SampleType:    sampleTypes,
		Function:      []*profile.Function{root},
		Location:      []*profile.Location{loc},
		TimeNanos:     time.Now().UnixNano(),
		DurationNanos: 0,
	}

	for refcount, n := range alloc.RefcountHistogram() {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(n)},
			Label: map[string][]string{
				"source":   {"allocator"},
				"refcount": {strconv.Itoa(refcount)},
			},
		})
	}

	for cpu := 0; cpu < s.NumCPU(); cpu++ {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(s.ReadyLen(cpu))},
			Label: map[string][]string{
				"source": {"scheduler"},
				"cpu":    {strconv.Itoa(cpu)},
			},
		})
	}

	return p
}
