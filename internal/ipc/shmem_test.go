package ipc_test

import (
	"testing"

	"kernelcore/internal/ipc"
	"kernelcore/internal/kerr"
	"kernelcore/internal/mem"
	"kernelcore/internal/vmm"
)

func newShmemFixture(t *testing.T, nframes uint64) (*ipc.ShmemTable, *mem.Allocator, *mem.RAM) {
	t.Helper()
	a, err := mem.New([]mem.Region{{Base: 0, Len: nframes}})
	if err != kerr.OK {
		t.Fatalf("mem.New: %v", err)
	}
	ram := mem.NewRAM()
	return ipc.NewShmemTable(a, ram), a, ram
}

func TestShmemCreateAllocatesRoundedUpFrameCount(t *testing.T) {
	tbl, _, _ := newShmemFixture(t, 16)
	id, err := tbl.Create(vmm.PageSize + 1)
	if err != kerr.OK {
		t.Fatalf("Create: %v", err)
	}
	if got := tbl.FrameCount(id); got != 2 {
		t.Fatalf("FrameCount = %d, want 2", got)
	}
}

func TestShmemMapInstallsUserMappingsAndUnmapTearsThemDown(t *testing.T) {
	tbl, alloc, ram := newShmemFixture(t, 16)
	id, err := tbl.Create(2 * vmm.PageSize)
	if err != kerr.OK {
		t.Fatalf("Create: %v", err)
	}

	as, err := vmm.Create(alloc, ram, 0x7f0000000000)
	if err != kerr.OK {
		t.Fatalf("vmm.Create: %v", err)
	}

	const base = uintptr(0x500000)
	if err := tbl.Map(id, as, base, vmm.PTE_W); err != kerr.OK {
		t.Fatalf("Map: %v", err)
	}
	if _, ok := as.Translate(base); !ok {
		t.Fatal("region not mapped at base after Map")
	}
	if _, ok := as.Translate(base + vmm.PageSize); !ok {
		t.Fatal("region's second page not mapped after Map")
	}

	if err := tbl.Unmap(id, as, base); err != kerr.OK {
		t.Fatalf("Unmap: %v", err)
	}
	if _, ok := as.Translate(base); ok {
		t.Fatal("mapping still present after Unmap")
	}
}

func TestShmemDestroyedWhenMappingsAndCreatorBothGone(t *testing.T) {
	tbl, alloc, ram := newShmemFixture(t, 16)
	id, err := tbl.Create(vmm.PageSize)
	if err != kerr.OK {
		t.Fatalf("Create: %v", err)
	}

	as, err := vmm.Create(alloc, ram, 0x7f0000000000)
	if err != kerr.OK {
		t.Fatalf("vmm.Create: %v", err)
	}
	const base = uintptr(0x500000)
	if err := tbl.Map(id, as, base, vmm.PTE_W); err != kerr.OK {
		t.Fatalf("Map: %v", err)
	}

	// Dropping the creator's own reference must not destroy the
	// region while a mapping still exists.
	tbl.Drop(id)
	if got := tbl.FrameCount(id); got != 1 {
		t.Fatalf("region destroyed while still mapped: FrameCount = %d", got)
	}

	if err := tbl.Unmap(id, as, base); err != kerr.OK {
		t.Fatalf("Unmap: %v", err)
	}
	if got := tbl.FrameCount(id); got != 0 {
		t.Fatalf("region not destroyed once mappings and creator ref both reached zero: FrameCount = %d", got)
	}
}

func TestShmemUnmapOfUnknownMappingFails(t *testing.T) {
	tbl, alloc, ram := newShmemFixture(t, 16)
	id, err := tbl.Create(vmm.PageSize)
	if err != kerr.OK {
		t.Fatalf("Create: %v", err)
	}
	as, err := vmm.Create(alloc, ram, 0x7f0000000000)
	if err != kerr.OK {
		t.Fatalf("vmm.Create: %v", err)
	}
	if err := tbl.Unmap(id, as, 0x500000); err != kerr.NotFound {
		t.Fatalf("Unmap of never-mapped region: got %v, want NotFound", err)
	}
}

func TestShmemCreateFailsWhenFramesExhausted(t *testing.T) {
	tbl, _, _ := newShmemFixture(t, 1) // the only frame is frame 0, which the allocator reserves, so nothing is allocatable
	if _, err := tbl.Create(4 * vmm.PageSize); err != kerr.OutOfFrames && err != kerr.OutOfMemory {
		t.Fatalf("Create beyond capacity: got %v, want an out-of-frames style error", err)
	}
}
