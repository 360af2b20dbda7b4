package vmm

import (
	"sync"

	"kernelcore/internal/kerr"
	"kernelcore/internal/mem"
)

// PageSize mirrors mem.PageSize for callers that only import vmm.
const PageSize = mem.PageSize

// kernelHigher holds the 256 upper (kernel) PML4 entries shared, by
// reference, across every address space (spec §4.2: "copy the
// kernel's higher-half entries... by reference... sharing occurs at
// the PML4-entry level so no deep walk is needed"). It is one of the
// few pieces of truly global state this module keeps, matching design
// note 9's allowance for CPU-local/process-wide singletons.
var kernelHigher struct {
	mu      sync.Mutex
	entries [256]PTE
}

// MapKernel installs a kernel-only mapping visible in every address
// space's upper half. Intended to be called during boot before any
// user address space is created.
func MapKernel(idx int, f mem.Frame, flags PTE) {
	if idx < 0 || idx >= 256 {
		panic("vmm: bad kernel pml4 index")
	}
	kernelHigher.mu.Lock()
	defer kernelHigher.mu.Unlock()
	kernelHigher.entries[idx] = mkPTE(f, flags|PTE_P)
}

// AddressSpace is a process's page tables, VMA list, and brk/mmap
// cursors (spec §3). Grounded on biscuit/src/vm/as.go's Vm_t, with
// Pmap/P_pmap collapsed into a single Root frame number plus the
// shared mem.RAM backing store standing in for the HHDM.
type AddressSpace struct {
	mu sync.Mutex

	alloc *mem.Allocator
	ram   *mem.RAM

	Root mem.Frame // PML4 frame (the "CR3 value", spec §3)
	Vmas *VMATracker
	Brk  uintptr
}

// Create allocates a fresh PML4 and copies in the shared kernel
// higher-half entries by reference (spec §4.2 create()).
func Create(alloc *mem.Allocator, ram *mem.RAM, mmapBase uintptr) (*AddressSpace, kerr.Errno) {
	root, err := alloc.AllocFrame()
	if err != kerr.OK {
		return nil, err
	}
	as := &AddressSpace{
		alloc: alloc,
		ram:   ram,
		Root:  root,
		Vmas:  NewVMATracker(mmapBase),
	}
	t := as.table(root)
	kernelHigher.mu.Lock()
	copy(t.entries[256:], kernelHigher.entries[:])
	kernelHigher.mu.Unlock()
	return as, kerr.OK
}

// Map installs va -> pa with the given flags, allocating intermediate
// page-table frames as needed (spec §4.2 map()). The mapped frame's
// refcount is incremented; the caller retains its own reference.
func (as *AddressSpace) Map(va uintptr, pa mem.Frame, flags PTE) kerr.Errno {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, err := as.walk(va, true)
	if err != kerr.OK {
		return err
	}
	if *pte&PTE_P != 0 {
		old := pte.frame()
		if old != pa {
			as.alloc.Decref(old)
		} else {
			return kerr.OK
		}
	}
	as.alloc.Incref(pa)
	*pte = mkPTE(pa, flags|PTE_P)
	return kerr.OK
}

// Unmap clears the PTE at va, decrementing the backing frame's
// refcount (freeing it if this was the last reference). It is a no-op
// if va is unmapped.
func (as *AddressSpace) Unmap(va uintptr) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, err := as.walk(va, false)
	if err != kerr.OK {
		return
	}
	if *pte&PTE_P == 0 {
		return
	}
	f := pte.frame()
	*pte = 0
	if as.alloc.Decref(f) {
		as.ram.Drop(f)
	}
}

// Translate resolves va to its backing physical frame, if mapped.
func (as *AddressSpace) Translate(va uintptr) (mem.Frame, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	pte, err := as.walk(va, false)
	if err != kerr.OK || *pte&PTE_P == 0 {
		return 0, false
	}
	return pte.frame(), true
}

// Read8 reads byte va from the address space's mapped user memory.
func (as *AddressSpace) Read8(va uintptr) (byte, kerr.Errno) {
	f, ok := as.Translate(va)
	if !ok {
		return 0, kerr.Invalid
	}
	pg := as.ram.Dmap(f)
	return pg[va%PageSize], kerr.OK
}

// Write8 writes byte val at va, triggering copy-on-write if the
// target page is a shared COW mapping (spec §4.2: "On the next
// write-fault to a shared frame, the VMM allocates a new frame,
// copies, and restores Writable").
func (as *AddressSpace) Write8(va uintptr, val byte) kerr.Errno {
	as.mu.Lock()
	pte, err := as.walk(va, false)
	if err != kerr.OK {
		as.mu.Unlock()
		return kerr.Invalid
	}
	if *pte&PTE_P == 0 {
		as.mu.Unlock()
		return kerr.Invalid
	}
	if *pte&PTE_W == 0 {
		if *pte&PTE_COW == 0 {
			as.mu.Unlock()
			return kerr.Invalid // read-only, not COW: real fault
		}
		if err := as.resolveCOWLocked(pte); err != kerr.OK {
			as.mu.Unlock()
			return err
		}
	}
	f := pte.frame()
	as.mu.Unlock()
	pg := as.ram.Dmap(f)
	pg[va%PageSize] = val
	return kerr.OK
}

// resolveCOWLocked implements the write-fault path of spec §4.2: if
// the shared frame's refcount is exactly 1 (no other address space
// shares it), the fault can simply mark the existing page writable;
// otherwise a new frame is allocated, the old content copied, and the
// new frame installed with Writable set and the old frame decref'd
// once (it is no longer shared by this mapping).
func (as *AddressSpace) resolveCOWLocked(pte *PTE) kerr.Errno {
	old := pte.frame()
	if as.alloc.Refcount(old) == 1 {
		*pte = mkPTE(old, pte.flags()|PTE_W|PTE_P) &^ PTE_COW
		return kerr.OK
	}
	nf, err := as.alloc.AllocFrame()
	if err != kerr.OK {
		return err
	}
	*as.ram.Dmap(nf) = *as.ram.Dmap(old)
	as.alloc.Decref(old)
	*pte = mkPTE(nf, (pte.flags()|PTE_W|PTE_P)&^PTE_COW)
	return kerr.OK
}

// forEachUserPTE walks every present PML4 entry in the user half
// (indices 0..255) down to its leaves, invoking f on each present leaf
// PTE along with the virtual address it maps.
func (as *AddressSpace) forEachUserPTE(f func(va uintptr, pte *PTE)) {
	root := as.table(as.Root)
	for i4 := 0; i4 < 256; i4++ {
		e4 := &root.entries[i4]
		if *e4&PTE_P == 0 {
			continue
		}
		t3 := as.table(e4.frame())
		for i3 := 0; i3 < 512; i3++ {
			e3 := &t3.entries[i3]
			if *e3&PTE_P == 0 {
				continue
			}
			t2 := as.table(e3.frame())
			for i2 := 0; i2 < 512; i2++ {
				e2 := &t2.entries[i2]
				if *e2&PTE_P == 0 {
					continue
				}
				t1 := as.table(e2.frame())
				for i1 := 0; i1 < 512; i1++ {
					e1 := &t1.entries[i1]
					if *e1&PTE_P == 0 {
						continue
					}
					va := uintptr(i4)<<39 | uintptr(i3)<<30 | uintptr(i2)<<21 | uintptr(i1)<<12
					f(va, e1)
				}
			}
		}
	}
}

// CloneForFork deep-walks the source's user page tables, clearing
// Writable on both sides and installing a shared, COW-marked mapping
// in the child for each present user page (spec §4.2 clone_for_fork).
func (as *AddressSpace) CloneForFork() (*AddressSpace, kerr.Errno) {
	as.mu.Lock()
	defer as.mu.Unlock()
	child, err := Create(as.alloc, as.ram, as.Vmas.MmapBase)
	if err != kerr.OK {
		return nil, err
	}
	child.Brk = as.Brk
	for _, v := range as.Vmas.All() {
		child.Vmas.Insert(v.Start, v.End, v.Perm, v.Kind)
	}
	as.forEachUserPTE(func(va uintptr, pte *PTE) {
		*pte = (*pte &^ PTE_W) | PTE_COW
		f := pte.frame()
		as.alloc.Incref(f)
		cpte, cerr := child.walk(va, true)
		if cerr != kerr.OK {
			panic("vmm: fork could not allocate page table")
		}
		*cpte = *pte
	})
	return child, kerr.OK
}

// Destroy decref's every user-mapped frame and frees every
// intermediate page-table frame plus the root. Kernel higher-half
// entries are shared and are never freed (spec §4.2 destroy()).
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.forEachUserPTE(func(va uintptr, pte *PTE) {
		f := pte.frame()
		*pte = 0
		if as.alloc.Decref(f) {
			as.ram.Drop(f)
		}
	})
	root := as.table(as.Root)
	for i4 := 0; i4 < 256; i4++ {
		e4 := &root.entries[i4]
		if *e4&PTE_P == 0 {
			continue
		}
		t3f := e4.frame()
		t3 := as.table(t3f)
		for i3 := 0; i3 < 512; i3++ {
			e3 := &t3.entries[i3]
			if *e3&PTE_P == 0 {
				continue
			}
			t2f := e3.frame()
			t2 := as.table(t2f)
			for i2 := 0; i2 < 512; i2++ {
				e2 := &t2.entries[i2]
				if *e2&PTE_P == 0 {
					continue
				}
				t1f := e2.frame()
				as.ram.Drop(t1f)
				as.alloc.FreeFrame(t1f)
			}
			as.ram.Drop(t2f)
			as.alloc.FreeFrame(t2f)
		}
		as.ram.Drop(t3f)
		as.alloc.FreeFrame(t3f)
		*e4 = 0
	}
	as.ram.Drop(as.Root)
	as.alloc.FreeFrame(as.Root)
	as.Vmas.areas = nil
}
