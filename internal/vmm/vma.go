package vmm

import (
	"sort"

	"kernelcore/internal/diag"
)

// Kind enumerates the purpose of a virtual-memory area (spec §3).
type Kind int

const (
	KindAnonymous Kind = iota
	KindFile
	KindStack
	KindHeap
	KindDevice
)

// Perm is the permission mask of a VMA: R, W, X, U (spec §3).
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
	PermU
)

// VMA is a closed-open virtual address range with uniform flags,
// grounded on the Vminfo_t{Pgn,Pglen,Perms,Mtype} fields in
// biscuit/src/vm/as.go, generalized to explicit byte addresses.
type VMA struct {
	Start uintptr
	End   uintptr
	Perm  Perm
	Kind  Kind
}

func (v VMA) overlaps(o VMA) bool {
	return v.Start < o.End && o.Start < v.End
}

// VMATracker is the per-process sorted, non-overlapping list of VMAs
// (spec §4.3). It has no associated go file in the retrieved portion
// of the teacher (vm/as.go references a Vmregion_t this pack does not
// include in full), so the sorted-slice representation follows design
// note 9's guidance directly: "a Vec-backed index... preserves the O(1)
// [up to a linear scan] insert/remove the spec requires".
type VMATracker struct {
	areas    []VMA
	MmapBase uintptr
}

// NewVMATracker creates an empty tracker with the downward-growing
// mmap cursor seeded at base.
func NewVMATracker(base uintptr) *VMATracker {
	return &VMATracker{MmapBase: base}
}

// Insert adds a new VMA. It panics on overlap with an existing area,
// the same invariant violation the teacher treats as a programming
// error rather than a recoverable condition.
func (t *VMATracker) Insert(start, end uintptr, perm Perm, kind Kind) {
	if end <= start {
		panic("vmm: bad vma range")
	}
	nv := VMA{Start: start, End: end, Perm: perm, Kind: kind}
	for _, v := range t.areas {
		if v.overlaps(nv) {
			diag.Halt(diag.CPUFault{
				CPU:    -1,
				Reason: "vmm: overlapping vma insert",
				Fields: map[string]interface{}{"start": start, "end": end},
			})
		}
	}
	i := sort.Search(len(t.areas), func(i int) bool { return t.areas[i].Start >= start })
	t.areas = append(t.areas, VMA{})
	copy(t.areas[i+1:], t.areas[i:])
	t.areas[i] = nv
}

// Find returns the VMA containing va, if any.
func (t *VMATracker) Find(va uintptr) (VMA, bool) {
	i := sort.Search(len(t.areas), func(i int) bool { return t.areas[i].End > va })
	if i < len(t.areas) && t.areas[i].Start <= va && va < t.areas[i].End {
		return t.areas[i], true
	}
	return VMA{}, false
}

// Remove deletes [start,end) from the tracker, splitting or
// truncating any VMA that only partially overlaps the removed range
// (spec §4.3: no overlap, full containment, left-partial,
// right-partial, and spanning must all be handled correctly).
func (t *VMATracker) Remove(start, end uintptr) {
	if end <= start {
		panic("vmm: bad remove range")
	}
	var out []VMA
	for _, v := range t.areas {
		switch {
		case v.End <= start || v.Start >= end:
			// no overlap
			out = append(out, v)
		case v.Start >= start && v.End <= end:
			// fully contained: drop it
		case v.Start < start && v.End > end:
			// spanning: split into a left and a right remainder
			out = append(out, VMA{Start: v.Start, End: start, Perm: v.Perm, Kind: v.Kind})
			out = append(out, VMA{Start: end, End: v.End, Perm: v.Perm, Kind: v.Kind})
		case v.Start < start:
			// right-partial: truncate the end
			out = append(out, VMA{Start: v.Start, End: start, Perm: v.Perm, Kind: v.Kind})
		default:
			// left-partial: truncate the start
			out = append(out, VMA{Start: end, End: v.End, Perm: v.Perm, Kind: v.Kind})
		}
	}
	t.areas = out
}

// All returns a copy of the sorted VMA list, for tests and CloneForFork.
func (t *VMATracker) All() []VMA {
	cp := make([]VMA, len(t.areas))
	copy(cp, t.areas)
	return cp
}

// FindFree searches downward from MmapBase for a page-aligned gap of
// at least size bytes, and advances MmapBase past it on success (spec
// §4.3: "searching down from mmap_base, updating it").
func (t *VMATracker) FindFree(size int, pageSize uintptr) uintptr {
	if size <= 0 {
		panic("vmm: bad find-free size")
	}
	need := uintptr(size)
	need = (need + pageSize - 1) / pageSize * pageSize

	cursor := t.MmapBase
	for {
		if cursor < need {
			panic("vmm: address space exhausted")
		}
		candStart := cursor - need
		candEnd := cursor
		cand := VMA{Start: candStart, End: candEnd}
		ok := true
		for _, v := range t.areas {
			if v.overlaps(cand) {
				ok = false
				// retry just below the blocking VMA
				cursor = v.Start
				break
			}
		}
		if ok {
			t.MmapBase = candStart
			return candStart
		}
	}
}
