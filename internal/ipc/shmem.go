package ipc

import (
	"sync/atomic"

	"kernelcore/internal/kerr"
	"kernelcore/internal/ksync"
	"kernelcore/internal/mem"
	"kernelcore/internal/vmm"
)

// shmapping records one address space's mapping of a shared region.
type shmapping struct {
	as   *vmm.AddressSpace
	base uintptr
}

// Region is an anonymous shared-memory region: a set of frames held
// by strong reference, mapped into zero or more address spaces (spec
// §3 "Shared-memory region", §4.8 shmem_*).
type Region struct {
	lock ksync.Spinlock

	id        uint64
	alloc     *mem.Allocator
	ram       *mem.RAM
	frames    []mem.Frame
	mappings  []shmapping
	creatorUp bool // the creator's own reference has not yet been dropped
}

// ShmemTable owns region allocation and frame accounting for shared
// memory.
type ShmemTable struct {
	alloc *mem.Allocator
	ram   *mem.RAM

	lock    ksync.Spinlock
	nextID  uint64
	regions map[uint64]*Region
}

// NewShmemTable creates an empty region table drawing frames from
// alloc/ram.
func NewShmemTable(alloc *mem.Allocator, ram *mem.RAM) *ShmemTable {
	return &ShmemTable{alloc: alloc, ram: ram, regions: make(map[uint64]*Region)}
}

// Create allocates ceil(size/PageSize) frames (not necessarily
// contiguous) and returns a new region id holding a strong reference
// to each (spec §4.8 shmem_create()).
func (t *ShmemTable) Create(size int) (uint64, kerr.Errno) {
	if size <= 0 {
		return 0, kerr.Invalid
	}
	n := (size + vmm.PageSize - 1) / vmm.PageSize
	frames := make([]mem.Frame, 0, n)
	for i := 0; i < n; i++ {
		f, err := t.alloc.AllocFrame()
		if err != kerr.OK {
			for _, held := range frames {
				t.alloc.Decref(held)
			}
			return 0, err
		}
		frames = append(frames, f)
	}
	id := atomic.AddUint64(&t.nextID, 1)
	r := &Region{id: id, alloc: t.alloc, ram: t.ram, frames: frames, creatorUp: true}
	t.lock.Lock()
	t.regions[id] = r
	t.lock.Unlock()
	return id, kerr.OK
}

// Map installs the region's frames starting at base in as, user
// read/write (plus whatever extra perm bits the caller asks for), and
// increfs every mapped frame (spec §4.8 shmem_map()).
func (t *ShmemTable) Map(id uint64, as *vmm.AddressSpace, base uintptr, perm vmm.PTE) kerr.Errno {
	r, ok := t.lookup(id)
	if !ok {
		return kerr.NotFound
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	for i, f := range r.frames {
		va := base + uintptr(i)*vmm.PageSize
		if err := as.Map(va, f, perm|vmm.PTE_U); err != kerr.OK {
			// unwind any mappings already installed by this call
			for j := 0; j < i; j++ {
				as.Unmap(base + uintptr(j)*vmm.PageSize)
			}
			return err
		}
	}
	r.mappings = append(r.mappings, shmapping{as: as, base: base})
	return kerr.OK
}

// Unmap tears down as's mapping of region id at base, decref-ing every
// frame, and destroys the region once nothing references it anymore
// (spec §4.8 shmem_unmap(): "Regions are destroyed when their mapping
// count and creator reference both reach zero").
func (t *ShmemTable) Unmap(id uint64, as *vmm.AddressSpace, base uintptr) kerr.Errno {
	r, ok := t.lookup(id)
	if !ok {
		return kerr.NotFound
	}
	r.lock.Lock()
	found := -1
	for i, m := range r.mappings {
		if m.as == as && m.base == base {
			found = i
			break
		}
	}
	if found == -1 {
		r.lock.Unlock()
		return kerr.NotFound
	}
	for i := range r.frames {
		as.Unmap(base + uintptr(i)*vmm.PageSize)
	}
	r.mappings = append(r.mappings[:found], r.mappings[found+1:]...)
	empty := len(r.mappings) == 0 && !r.creatorUp
	r.lock.Unlock()
	if empty {
		t.destroy(r)
	}
	return kerr.OK
}

// Drop releases the creator's own reference to the region (distinct
// from any mapping it may also hold), destroying it if no mappings
// remain either.
func (t *ShmemTable) Drop(id uint64) {
	r, ok := t.lookup(id)
	if !ok {
		return
	}
	r.lock.Lock()
	r.creatorUp = false
	empty := len(r.mappings) == 0
	r.lock.Unlock()
	if empty {
		t.destroy(r)
	}
}

func (t *ShmemTable) lookup(id uint64) (*Region, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()
	r, ok := t.regions[id]
	return r, ok
}

func (t *ShmemTable) destroy(r *Region) {
	t.lock.Lock()
	delete(t.regions, r.id)
	t.lock.Unlock()
	for _, f := range r.frames {
		if t.alloc.Decref(f) {
			t.ram.Drop(f)
		}
	}
}

// FrameCount returns the number of frames backing region id, for
// tests (0 if the region no longer exists).
func (t *ShmemTable) FrameCount(id uint64) int {
	r, ok := t.lookup(id)
	if !ok {
		return 0
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.frames)
}
