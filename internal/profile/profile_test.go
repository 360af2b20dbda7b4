package profile_test

import (
	"testing"

	"kernelcore/internal/kerr"
	"kernelcore/internal/mem"
	"kernelcore/internal/profile"
	"kernelcore/internal/sched"
)

func TestSnapshotIncludesAllocatorAndSchedulerSamples(t *testing.T) {
	alloc, err := mem.New([]mem.Region{{Base: 0, Len: 8}})
	if err != kerr.OK {
		t.Fatalf("mem.New: %v", err)
	}
	if _, err := alloc.AllocFrame(); err != kerr.OK {
		t.Fatalf("AllocFrame: %v", err)
	}
	if _, err := alloc.AllocFrame(); err != kerr.OK {
		t.Fatalf("AllocFrame: %v", err)
	}

	s := sched.New(2, nil)

	p := profile.Snapshot(alloc, s)

	if len(p.SampleType) != 1 || p.SampleType[0].Type != "frames" {
		t.Fatalf("SampleType = %+v, want a single frames type", p.SampleType)
	}

	var allocatorSamples, schedulerSamples int
	for _, sample := range p.Sample {
		switch sample.Label["source"][0] {
		case "allocator":
			allocatorSamples++
		case "scheduler":
			schedulerSamples++
		default:
			t.Fatalf("sample with unexpected source label: %+v", sample.Label)
		}
	}
	if allocatorSamples == 0 {
		t.Fatalf("expected at least one allocator sample")
	}
	if schedulerSamples != s.NumCPU() {
		t.Fatalf("scheduler samples = %d, want %d (one per CPU)", schedulerSamples, s.NumCPU())
	}
}

func TestSnapshotOnEmptyAllocatorHasNoAllocatorSamples(t *testing.T) {
	// Base is nonzero so frame 0's automatic null-frame reservation
	// (mem.New) does not fall inside this allocator's range, leaving it
	// genuinely empty.
	alloc, err := mem.New([]mem.Region{{Base: 100, Len: 4}})
	if err != kerr.OK {
		t.Fatalf("mem.New: %v", err)
	}
	s := sched.New(1, nil)

	p := profile.Snapshot(alloc, s)

	for _, sample := range p.Sample {
		if sample.Label["source"][0] == "allocator" {
			t.Fatalf("expected no allocator samples on an empty allocator, got %+v", sample)
		}
	}
}
