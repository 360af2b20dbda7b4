package vmm_test

import (
	"testing"

	"kernelcore/internal/kerr"
	"kernelcore/internal/mem"
	"kernelcore/internal/vmm"
)

func newEnv(t *testing.T, nframes uint64) (*mem.Allocator, *mem.RAM) {
	t.Helper()
	a, err := mem.New([]mem.Region{{Base: 0, Len: nframes}})
	if err != kerr.OK {
		t.Fatalf("mem.New: %v", err)
	}
	return a, mem.NewRAM()
}

func TestMapTranslateUnmap(t *testing.T) {
	alloc, ram := newEnv(t, 64)
	as, err := vmm.Create(alloc, ram, 0x7fff00000000)
	if err != kerr.OK {
		t.Fatalf("Create: %v", err)
	}
	pf, err := alloc.AllocFrame()
	if err != kerr.OK {
		t.Fatalf("AllocFrame: %v", err)
	}

	const va = 0x400000
	if err := as.Map(va, pf, vmm.PTE_W|vmm.PTE_U); err != kerr.OK {
		t.Fatalf("Map: %v", err)
	}
	got, ok := as.Translate(va)
	if !ok || got != pf {
		t.Fatalf("Translate = (%v, %v), want (%v, true)", got, ok, pf)
	}

	as.Unmap(va)
	if _, ok := as.Translate(va); ok {
		t.Fatal("translate succeeded after unmap")
	}
}

func TestWriteToPlainReadOnlyPageFails(t *testing.T) {
	alloc, ram := newEnv(t, 64)
	as, _ := vmm.Create(alloc, ram, 0x7fff00000000)
	pf, _ := alloc.AllocFrame()
	const va = 0x400000
	as.Map(va, pf, vmm.PTE_U) // read-only, not COW

	if err := as.Write8(va, 9); err != kerr.Invalid {
		t.Fatalf("Write8 to read-only page: got %v, want Invalid", err)
	}
}

// TestCOWForkWriteFault implements scenario S2: a parent maps one
// page, forks (installing a shared, COW, read-only mapping in both
// parent and child at refcount 2), then the parent writes to its
// mapping. The write-fault path must give the parent a private copy
// (a different physical frame than before) while the child keeps
// reading the original content from the original frame, now back down
// to refcount 1.
func TestCOWForkWriteFault(t *testing.T) {
	alloc, ram := newEnv(t, 64)
	parent, err := vmm.Create(alloc, ram, 0x7fff00000000)
	if err != kerr.OK {
		t.Fatalf("Create: %v", err)
	}
	pf, _ := alloc.AllocFrame()
	const va = 0x400000
	if err := parent.Map(va, pf, vmm.PTE_W|vmm.PTE_U); err != kerr.OK {
		t.Fatalf("Map: %v", err)
	}
	alloc.Decref(pf) // Map took its own reference; drop the allocation's so the mapping is the only owner
	*ram.Dmap(pf) = [mem.PageSize]byte{}
	ram.Dmap(pf)[0] = 42

	child, err := parent.CloneForFork()
	if err != kerr.OK {
		t.Fatalf("CloneForFork: %v", err)
	}

	origFrame, ok := parent.Translate(va)
	if !ok || origFrame != pf {
		t.Fatalf("parent translate after fork = (%v,%v), want (%v,true)", origFrame, ok, pf)
	}
	if cf, ok := child.Translate(va); !ok || cf != pf {
		t.Fatalf("child translate after fork = (%v,%v), want (%v,true)", cf, ok, pf)
	}
	if alloc.Refcount(pf) != 2 {
		t.Fatalf("shared frame refcount after fork = %d, want 2", alloc.Refcount(pf))
	}

	if err := parent.Write8(va, 7); err != kerr.OK {
		t.Fatalf("parent Write8: %v", err)
	}

	newFrame, ok := parent.Translate(va)
	if !ok {
		t.Fatal("parent translate after write-fault failed")
	}
	if newFrame == pf {
		t.Fatal("parent still on the shared frame after a write fault; COW did not trigger")
	}
	if alloc.Refcount(pf) != 1 {
		t.Fatalf("original frame refcount after parent's write = %d, want 1", alloc.Refcount(pf))
	}
	if alloc.Refcount(newFrame) != 1 {
		t.Fatalf("parent's new private frame refcount = %d, want 1", alloc.Refcount(newFrame))
	}

	childByte, err := child.Read8(va)
	if err != kerr.OK {
		t.Fatalf("child Read8: %v", err)
	}
	if childByte != 42 {
		t.Fatalf("child read %d, want 42 (original content, untouched by parent's write)", childByte)
	}
	parentByte, err := parent.Read8(va)
	if err != kerr.OK {
		t.Fatalf("parent Read8: %v", err)
	}
	if parentByte != 7 {
		t.Fatalf("parent read %d after its own write, want 7", parentByte)
	}
}

// TestCOWFastPathWhenSoleOwner exercises the other branch of
// resolveCOWLocked: once a fork's child has exited and dropped its
// reference, the parent is back to being the sole owner of the
// formerly shared frame, so its next write fault must take the fast
// path (flip Writable in place) rather than allocate a new frame.
func TestCOWFastPathWhenSoleOwner(t *testing.T) {
	alloc, ram := newEnv(t, 64)
	as, _ := vmm.Create(alloc, ram, 0x7fff00000000)
	pf, _ := alloc.AllocFrame()
	const va = 0x400000
	as.Map(va, pf, vmm.PTE_W|vmm.PTE_U)
	alloc.Decref(pf) // Map took its own reference; drop the allocation's so the mapping is the only owner

	child, _ := as.CloneForFork()
	child.Destroy() // child drops its reference; parent is sole owner again

	if alloc.Refcount(pf) != 1 {
		t.Fatalf("refcount after child destroy = %d, want 1", alloc.Refcount(pf))
	}
	if err := as.Write8(va, 99); err != kerr.OK {
		t.Fatalf("Write8: %v", err)
	}
	f, _ := as.Translate(va)
	if f != pf {
		t.Fatalf("sole-owner write fault should reuse the same frame via the fast path, got a new frame %v instead of %v", f, pf)
	}
}

func TestDestroyFreesUserFrames(t *testing.T) {
	alloc, ram := newEnv(t, 64)
	as, _ := vmm.Create(alloc, ram, 0x7fff00000000)
	pf, _ := alloc.AllocFrame()
	as.Map(0x400000, pf, vmm.PTE_W|vmm.PTE_U)
	alloc.Decref(pf) // Map took its own reference; drop the allocation's so the mapping is the only owner

	as.Destroy()
	if alloc.Refcount(pf) != 0 {
		t.Fatalf("refcount after destroy = %d, want 0", alloc.Refcount(pf))
	}
}
