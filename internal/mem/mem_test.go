package mem_test

import (
	"testing"

	"kernelcore/internal/kerr"
	"kernelcore/internal/mem"
)

func newAllocator(t *testing.T, nframes uint64) *mem.Allocator {
	t.Helper()
	a, err := mem.New([]mem.Region{{Base: 0, Len: nframes}})
	if err != kerr.OK {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestAllocFreeRoundTrip(t *testing.T) {
	a := newAllocator(t, 16)
	before := a.InUseCount()

	f, err := a.AllocFrame()
	if err != kerr.OK {
		t.Fatalf("AllocFrame: %v", err)
	}
	if a.Refcount(f) != 1 {
		t.Fatalf("refcount = %d, want 1", a.Refcount(f))
	}
	if got := a.InUseCount(); got != before+1 {
		t.Fatalf("InUseCount = %d, want %d", got, before+1)
	}

	a.FreeFrame(f)
	if got := a.Refcount(f); got != 0 {
		t.Fatalf("refcount after free = %d, want 0", got)
	}
	if got := a.InUseCount(); got != before {
		t.Fatalf("InUseCount after free = %d, want %d", got, before)
	}
}

func TestFrameZeroNeverAllocated(t *testing.T) {
	a := newAllocator(t, 16)
	// 16 frames with frame 0 reserved: exhaust all 15 usable ones.
	for i := 0; i < 15; i++ {
		f, err := a.AllocFrame()
		if err != kerr.OK {
			t.Fatalf("AllocFrame %d: %v", i, err)
		}
		if f == 0 {
			t.Fatalf("frame 0 was handed out")
		}
	}
}

func TestFreeFrameZeroIsNoop(t *testing.T) {
	a := newAllocator(t, 16)
	before := a.InUseCount()
	a.FreeFrame(0)
	if got := a.InUseCount(); got != before {
		t.Fatalf("InUseCount changed after freeing frame 0: %d vs %d", got, before)
	}
	if a.Refcount(0) != 1 {
		t.Fatalf("frame 0 refcount = %d, want 1 (permanently reserved)", a.Refcount(0))
	}
}

func TestIncrefDecref(t *testing.T) {
	a := newAllocator(t, 16)
	f, _ := a.AllocFrame()
	a.Incref(f)
	if a.Refcount(f) != 2 {
		t.Fatalf("refcount = %d, want 2", a.Refcount(f))
	}
	if a.Decref(f) {
		t.Fatalf("Decref should not have freed the frame at refcount 2->1")
	}
	if !a.Decref(f) {
		t.Fatalf("Decref should have freed the frame at refcount 1->0")
	}
	if a.Refcount(f) != 0 {
		t.Fatalf("refcount after final decref = %d, want 0", a.Refcount(f))
	}
}

func TestDecrefOfFreeFramePanics(t *testing.T) {
	a := newAllocator(t, 16)
	f, _ := a.AllocFrame()
	a.FreeFrame(f)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on decref of a frame with refcount 0")
		}
	}()
	a.Decref(f)
}

func TestOutOfMemory(t *testing.T) {
	a := newAllocator(t, 2) // frame 0 reserved, frame 1 available
	if _, err := a.AllocFrame(); err != kerr.OK {
		t.Fatalf("first AllocFrame: %v", err)
	}
	if _, err := a.AllocFrame(); err != kerr.OutOfMemory {
		t.Fatalf("AllocFrame on exhausted pool: got %v, want OutOfMemory", err)
	}
}

func TestAllocFramesContiguous(t *testing.T) {
	a := newAllocator(t, 32)
	base, err := a.AllocFrames(4)
	if err != kerr.OK {
		t.Fatalf("AllocFrames: %v", err)
	}
	for i := 0; i < 4; i++ {
		if a.Refcount(base+mem.Frame(i)) != 1 {
			t.Fatalf("frame %d not marked in-use", base+mem.Frame(i))
		}
	}
}

func TestAllocFramesFailsWhenNoWindowFits(t *testing.T) {
	a := newAllocator(t, 8)
	// Allocate four single frames: with frame 0 reserved they take frames
	// 1-4, leaving only frames 5-7 free, so no run of 4 contiguous free
	// frames remains.
	for i := 1; i < 8; i += 2 {
		if _, err := a.AllocFrames(1); err != kerr.OK {
			t.Fatalf("AllocFrames(1) #%d: %v", i, err)
		}
	}
	if _, err := a.AllocFrames(4); err != kerr.OutOfMemory {
		t.Fatalf("AllocFrames(4) on fragmented pool: got %v, want OutOfMemory", err)
	}
}

func TestRAMDmapPersistsUntilDrop(t *testing.T) {
	ram := mem.NewRAM()
	pg := ram.Dmap(5)
	pg[0] = 0xAB
	again := ram.Dmap(5)
	if again[0] != 0xAB {
		t.Fatalf("Dmap did not return the same backing page on repeat access")
	}
	ram.Drop(5)
	fresh := ram.Dmap(5)
	if fresh[0] != 0 {
		t.Fatalf("page content survived Drop")
	}
}

func TestHoleFramesNeverCountTowardInUse(t *testing.T) {
	// Two usable regions with a gap between them (e.g. an MMIO hole):
	// frames in the gap must never be allocatable and must never
	// inflate InUseCount.
	a, err := mem.New([]mem.Region{{Base: 0, Len: 4}, {Base: 8, Len: 4}})
	if err != kerr.OK {
		t.Fatalf("New: %v", err)
	}
	if got := a.InUseCount(); got != 1 { // just the reserved frame 0
		t.Fatalf("InUseCount at startup = %d, want 1", got)
	}
	for i := 0; i < 7; i++ { // 3 usable frames left in [0,4) + all 4 in [8,12)
		if _, err := a.AllocFrame(); err != kerr.OK {
			t.Fatalf("AllocFrame %d: %v", i, err)
		}
	}
	if _, err := a.AllocFrame(); err != kerr.OutOfMemory {
		t.Fatalf("expected pool exhaustion once every valid frame is taken, got %v", err)
	}
}
