// Package mem implements the physical frame allocator (§4.1): a bitmap
// of in-use frames plus a per-frame refcount, both living in ordinary
// Go memory rather than HHDM-mapped pages (the HHDM itself is a boot
// collaborator, out of scope per spec §1), with a wrapping hint cursor
// and a null-pointer guard on frame 0. Grounded on
// biscuit/src/mem/mem.go's Physmem_t, generalized from its package-level
// *Physmem_t singleton into an owning *Allocator handle per design note 9.
package mem

import (
	"sync"

	"kernelcore/internal/diag"
	"kernelcore/internal/kerr"
)

// PageSize is the frame size in bytes (spec §3: "4 KiB").
const PageSize = 4096

// Frame is a physical frame number (not a byte address): frame i
// covers bytes [i*PageSize, (i+1)*PageSize).
type Frame uint64

// Region describes one usable span of the boot memory map.
type Region struct {
	Base Frame  // first frame of the region
	Len  uint64 // number of frames in the region
}

// Allocator owns the in-use bitmap and refcount array for every frame
// usable by the kernel. It corresponds to the teacher's Physmem_t,
// generalized to an explicit handle (the teacher keeps a single
// package-level *Physmem_t; this type lets tests construct independent
// allocators).
type Allocator struct {
	mu sync.Mutex

	base    Frame // frame number of bitmap[0]
	nframes uint64
	inuse   []uint64 // bitmap, 64 frames per word
	valid   []uint64 // bitmap of frames actually covered by the memory map
	refcnt  []uint16

	hint uint64 // next bit index to try
}

// New builds an Allocator over the usable regions of a boot memory
// map. It fails with OutOfMemory (mapped from spec's MemoryMapUnusable,
// which in this implementation is folded into the same code since both
// mean "no region is usable") if no region can hold at least one frame.
func New(regions []Region) (*Allocator, kerr.Errno) {
	if len(regions) == 0 {
		return nil, kerr.OutOfMemory
	}
	lo, hi := regions[0].Base, regions[0].Base+Frame(regions[0].Len)
	for _, r := range regions[1:] {
		if r.Base < lo {
			lo = r.Base
		}
		end := r.Base + Frame(r.Len)
		if end > hi {
			hi = end
		}
	}
	if hi <= lo {
		return nil, kerr.OutOfMemory
	}
	n := uint64(hi - lo)
	a := &Allocator{
		base:    lo,
		nframes: n,
		inuse:   make([]uint64, (n+63)/64),
		valid:   make([]uint64, (n+63)/64),
		refcnt:  make([]uint16, n),
	}
	// Start fully marked in-use and invalid (regions not covered by the
	// memory map, e.g. MMIO holes between usable spans, must never be
	// handed out and must never count toward InUseCount); then mark
	// each usable region valid and free.
	for i := range a.inuse {
		a.inuse[i] = ^uint64(0)
	}
	any := false
	for _, r := range regions {
		start := uint64(r.Base - lo)
		for i := uint64(0); i < r.Len; i++ {
			a.clearBit(start + i)
			a.setValid(start + i)
			any = true
		}
	}
	if !any {
		return nil, kerr.OutOfMemory
	}
	// Frame 0 is the reserved null frame: it must never be allocated
	// (free_frame(0) is a documented no-op, spec §4.1). If it falls
	// within the usable range, claim it permanently with refcount 1 so
	// the bitmap/refcount invariant (refcount>0 iff bit set) still
	// holds for it.
	if lo == 0 && n > 0 && a.isValid(0) {
		a.setBit(0)
		a.refcnt[0] = 1
	}
	return a, kerr.OK
}

func (a *Allocator) idx(f Frame) uint64 { return uint64(f - a.base) }

func (a *Allocator) testBit(i uint64) bool {
	return a.inuse[i/64]&(1<<(i%64)) != 0
}
func (a *Allocator) setBit(i uint64)   { a.inuse[i/64] |= 1 << (i % 64) }
func (a *Allocator) clearBit(i uint64) { a.inuse[i/64] &^= 1 << (i % 64) }
func (a *Allocator) setValid(i uint64) { a.valid[i/64] |= 1 << (i % 64) }
func (a *Allocator) isValid(i uint64) bool {
	return a.valid[i/64]&(1<<(i%64)) != 0
}

// AllocFrame hands out a single free frame, advancing the hint cursor
// past it. The free-space search wraps exactly once; OutOfMemory is
// returned only after a full wrap finds nothing.
func (a *Allocator) AllocFrame() (Frame, kerr.Errno) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.findFreeLocked()
	if !ok {
		return 0, kerr.OutOfMemory
	}
	a.setBit(i)
	a.refcnt[i] = 1
	a.hint = (i + 1) % a.nframes
	return a.base + Frame(i), kerr.OK
}

// findFreeLocked scans starting at a.hint, wrapping once.
func (a *Allocator) findFreeLocked() (uint64, bool) {
	n := a.nframes
	for k := uint64(0); k < n; k++ {
		i := (a.hint + k) % n
		if !a.testBit(i) {
			return i, true
		}
	}
	return 0, false
}

// AllocFrames hands out n contiguous frames. The window slides by one
// and restarts whenever an in-use bit is found inside it.
func (a *Allocator) AllocFrames(n int) (Frame, kerr.Errno) {
	if n <= 0 {
		return 0, kerr.Invalid
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.nframes
	if uint64(n) > total {
		return 0, kerr.OutOfMemory
	}
	start := a.hint
	for tries := uint64(0); tries <= total; tries++ {
		base := (start + tries) % total
		if base+uint64(n) > total {
			// window would wrap past the end of the array; the
			// teacher's contiguous allocator does not wrap a
			// multi-frame window around the array boundary.
			continue
		}
		ok := true
		for j := uint64(0); j < uint64(n); j++ {
			if a.testBit(base + j) {
				ok = false
				break
			}
		}
		if ok {
			for j := uint64(0); j < uint64(n); j++ {
				a.setBit(base + j)
				a.refcnt[base+j] = 1
			}
			a.hint = (base + uint64(n)) % total
			return a.base + Frame(base), kerr.OK
		}
	}
	return 0, kerr.OutOfMemory
}

// FreeFrame drops a frame back to the free pool. It is a no-op on
// frame 0 (the null-pointer guard, spec §4.1).
func (a *Allocator) FreeFrame(f Frame) {
	if f == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.idx(f)
	a.refcnt[i] = 0
	a.clearBit(i)
}

// Incref bumps a frame's reference count. Mirrors Physmem_t.Refup.
func (a *Allocator) Incref(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refcnt[a.idx(f)]++
}

// Decref drops a frame's reference count, freeing the frame (clearing
// its in-use bit) when it reaches zero. It returns true iff the frame
// was freed. Mirrors Physmem_t.Refdown / _refdec.
func (a *Allocator) Decref(f Frame) bool {
	if f == 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.idx(f)
	if a.refcnt[i] == 0 {
		diag.Halt(diag.CPUFault{
			CPU:    -1,
			Reason: "mem: decref of frame with refcount 0",
			Fields: map[string]interface{}{"frame": uint64(f)},
		})
	}
	a.refcnt[i]--
	if a.refcnt[i] == 0 {
		a.clearBit(i)
		return true
	}
	return false
}

// Refcount returns a frame's current reference count (0 = free).
func (a *Allocator) Refcount(f Frame) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.refcnt[a.idx(f)])
}

// RAM emulates the HHDM: a byte-addressable view of every physical
// frame's contents, lazily materialized on first touch. The real
// kernel gets this for free from the boot-time direct map (out of
// scope per spec §1); this stand-in plays the same role as
// Physmem_t.Dmap in the teacher, letting the VMM and block cache treat
// a Frame as "a slice of bytes" without real hardware.
type RAM struct {
	mu    sync.Mutex
	pages map[Frame]*[PageSize]byte
}

// NewRAM creates an empty backing store.
func NewRAM() *RAM {
	return &RAM{pages: make(map[Frame]*[PageSize]byte)}
}

// Dmap returns the direct-mapped page backing frame f, allocating a
// zeroed page on first access. Mirrors Physmem_t.Dmap.
func (r *RAM) Dmap(f Frame) *[PageSize]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pages[f]
	if !ok {
		p = &[PageSize]byte{}
		r.pages[f] = p
	}
	return p
}

// Drop releases the backing storage for a freed frame. Safe to call
// even if the frame was never touched.
func (r *RAM) Drop(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pages, f)
}

// InUseCount returns the number of frames currently marked in-use,
// exercised by the PMM round-trip property in spec §8.
func (a *Allocator) InUseCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := uint64(0); i < a.nframes; i++ {
		if a.isValid(i) && a.testBit(i) {
			n++
		}
	}
	return n
}

// RefcountHistogram buckets every in-use frame by its current
// refcount, for internal/profile's allocator snapshot.
func (a *Allocator) RefcountHistogram() map[int]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	hist := make(map[int]int)
	for i := uint64(0); i < a.nframes; i++ {
		if a.isValid(i) && a.testBit(i) {
			hist[int(a.refcnt[i])]++
		}
	}
	return hist
}
