// Package vmm implements the per-process address space manager
// (§4.2): 4-level page tables with copy-on-write fork, and the VMA
// tracker (§4.3). Grounded on biscuit/src/vm/as.go's Vm_t, generalized
// from its embedded *mem.Pmap_t/Pa_t pair into an owning *AddressSpace
// handle per design note 9. Because CPU bring-up (GDT/IDT/CR3 loading)
// is out of scope (spec §1), page-table frames are backed by
// mem.RAM (the HHDM stand-in) rather than real hardware page tables;
// the walk/flag semantics are otherwise identical to x86_64.
package vmm

import (
	"unsafe"

	"kernelcore/internal/kerr"
	"kernelcore/internal/mem"
)

// PTE is a page-table entry: a physical frame number packed with flag
// bits, mirroring mem.Pa_t's PTE_* constants in the teacher.
type PTE uint64

const (
	addrShift = 12
	addrMask  = PTE(^uint64(0xfff))

	PTE_P   PTE = 1 << 0 // present
	PTE_W   PTE = 1 << 1 // writable
	PTE_U   PTE = 1 << 2 // user-accessible
	PTE_PCD PTE = 1 << 4 // no-cache
	PTE_A   PTE = 1 << 5 // accessed
	PTE_D   PTE = 1 << 6 // dirty
	PTE_COW PTE = 1 << 9 // software bit: copy-on-write
)

func mkPTE(f mem.Frame, flags PTE) PTE {
	return PTE(uint64(f)<<addrShift) | (flags &^ addrMask)
}

func (p PTE) frame() mem.Frame { return mem.Frame(uint64(p&addrMask) >> addrShift) }
func (p PTE) flags() PTE       { return p &^ addrMask }

// pageTable is the content of one page-table frame: 512 entries,
// indexed by a 9-bit slice of the virtual address.
type pageTable struct {
	entries [512]PTE
}

// vaIndices splits a canonical virtual address into its four 9-bit
// page-table indices, most significant (PML4) first.
func vaIndices(va uintptr) [4]int {
	return [4]int{
		int((va >> 39) & 0x1ff),
		int((va >> 30) & 0x1ff),
		int((va >> 21) & 0x1ff),
		int((va >> 12) & 0x1ff),
	}
}

// table reinterprets frame f's HHDM-backed page as a pageTable,
// mirroring the teacher's pg2pmap cast of a *Pg_t to a *Pmap_t.
func (as *AddressSpace) table(f mem.Frame) *pageTable {
	raw := as.ram.Dmap(f)
	return (*pageTable)(unsafe.Pointer(raw))
}

// walk descends the 4-level hierarchy from the root toward va,
// allocating intermediate page-table frames as needed when create is
// true. It returns a pointer to the leaf (level-1) PTE slot.
func (as *AddressSpace) walk(va uintptr, create bool) (*PTE, kerr.Errno) {
	idx := vaIndices(va)
	cur := as.Root
	for level := 0; level < 3; level++ {
		t := as.table(cur)
		e := &t.entries[idx[level]]
		if *e&PTE_P == 0 {
			if !create {
				return nil, kerr.NotFound
			}
			nf, err := as.alloc.AllocFrame()
			if err != kerr.OK {
				return nil, err
			}
			*e = mkPTE(nf, PTE_P|PTE_W|PTE_U)
		}
		cur = e.frame()
	}
	t := as.table(cur)
	return &t.entries[idx[3]], kerr.OK
}
