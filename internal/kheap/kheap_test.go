package kheap_test

import (
	"testing"

	"kernelcore/internal/kerr"
	"kernelcore/internal/kheap"
	"kernelcore/internal/mem"
)

func newHeap(t *testing.T, nframes uint64) *kheap.Heap {
	t.Helper()
	alloc, err := mem.New([]mem.Region{{Base: 0, Len: nframes}})
	if err != kerr.OK {
		t.Fatalf("mem.New: %v", err)
	}
	return kheap.New(alloc, mem.NewRAM(), 64)
}

func TestAllocReturnsZeroedAlignedMemory(t *testing.T) {
	h := newHeap(t, 16)
	buf, err := h.Alloc(100)
	if err != kerr.OK {
		t.Fatalf("Alloc: %v", err)
	}
	if len(buf) != 112 { // rounded up to the next multiple of 16
		t.Fatalf("len(buf) = %d, want 112", len(buf))
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
}

func TestAllocFreeReuse(t *testing.T) {
	h := newHeap(t, 16)
	a, err := h.Alloc(64)
	if err != kerr.OK {
		t.Fatalf("Alloc: %v", err)
	}
	h.Free(a)
	b, err := h.Alloc(64)
	if err != kerr.OK {
		t.Fatalf("Alloc after free: %v", err)
	}
	if &a[0] != &b[0] {
		t.Fatal("expected the freed block to be reused by the next same-size allocation")
	}
}

func TestAllocGrowsArenaAcrossFrames(t *testing.T) {
	h := newHeap(t, 64)
	// Request just under a page, several times, forcing the arena to
	// grow by more than one frame.
	var bufs [][]byte
	for i := 0; i < 5; i++ {
		b, err := h.Alloc(3000)
		if err != kerr.OK {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		bufs = append(bufs, b)
	}
	for i, b := range bufs {
		b[0] = byte(i + 1)
	}
	for i, b := range bufs {
		if b[0] != byte(i+1) {
			t.Fatalf("buffer %d corrupted: got %d", i, b[0])
		}
	}
}

func TestDoubleFreeIsIgnoredNotFatal(t *testing.T) {
	h := newHeap(t, 16)
	a, _ := h.Alloc(32)
	h.Free(a)
	h.Free(a) // must not panic
}

func TestRequestLargerThanAPageFails(t *testing.T) {
	h := newHeap(t, 16)
	if _, err := h.Alloc(mem.PageSize * 2); err != kerr.OutOfMemory {
		t.Fatalf("Alloc(2 pages): got %v, want OutOfMemory", err)
	}
}

func TestForwardCoalesceAllowsLargerAllocAfterFreeingNeighbors(t *testing.T) {
	h := newHeap(t, 16)
	a, _ := h.Alloc(1000)
	b, _ := h.Alloc(1000)
	c, _ := h.Alloc(1000)
	h.Free(b)
	h.Free(a)
	h.Free(c)
	// With every block freed and coalesced back into one, a single
	// large allocation up to (roughly) the frame size should succeed.
	big, err := h.Alloc(3500)
	if err != kerr.OK {
		t.Fatalf("Alloc after freeing and coalescing all blocks: %v", err)
	}
	if len(big) < 3500 {
		t.Fatalf("len(big) = %d, want >= 3500", len(big))
	}
}
