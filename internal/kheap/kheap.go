// Package kheap implements the kernel heap: a singly-linked,
// coalescing first-fit allocator over frames acquired on demand from
// the physical frame allocator (spec §4.4). There is no surviving
// teacher heap implementation in the retrieval pack (biscuit's own
// kernel heap fell outside the filtered file set), so this follows
// the shape spec §4.4 describes directly, in the texture of the
// teacher's other allocators: a package-level spinlock-guarded struct
// (mem.Physmem_t), "XXXPANIC"-style invariant checks (mem/mem.go), and
// Readn/Writen-style raw byte-header access (util/util.go).
package kheap

import (
	"sync"
	"unsafe"

	"kernelcore/internal/diag"
	"kernelcore/internal/kerr"
	"kernelcore/internal/mem"
)

const (
	magic     = uint32(0xb15c01f3)
	headerSz  = int(unsafe.Sizeof(blockHdr{}))
	alignment = 16
)

// blockHdr precedes every block, free or allocated, in the heap's
// frame-backed arena.
type blockHdr struct {
	magic uint32
	free  uint32 // 0 or 1; kept as uint32 to keep the header's size a
	// multiple of 8 without fighting the compiler's field padding.
	size int64 // size of the block's payload, in bytes, excluding the header
	next int64 // byte offset (within the arena) of the next block, or -1
}

// defaultMaxFrames bounds arena growth when New is called without an
// explicit limit (tests mostly don't care about the ceiling, only that
// there is one).
const defaultMaxFrames = 1 << 12

// Heap is the kernel's dynamic memory allocator. Acquired frames are
// never returned to the PMM individually; the heap only grows, up to
// a fixed virtual window reserved at New time (spec §4.4). The arena's
// backing slice is pre-capacity-reserved for that whole window so that
// append-driven growth never reallocates
// memory a live pointer from a prior Alloc already points into — the
// same reason a real kernel heap is backed by a fixed VA range rather
// than one that can move).
type Heap struct {
	mu    sync.Mutex
	alloc *mem.Allocator
	ram   *mem.RAM

	frames []mem.Frame // frames backing the arena, in allocation order
	arena  []byte      // flattened view over every acquired frame
	maxLen int         // arena may never grow past this many bytes

	freeHead int64 // byte offset of the first free block, or -1
}

// New creates an empty heap drawing frames from alloc/ram, capped at
// maxFrames frames of total arena growth.
func New(alloc *mem.Allocator, ram *mem.RAM, maxFrames int) *Heap {
	if maxFrames <= 0 {
		maxFrames = defaultMaxFrames
	}
	return &Heap{
		alloc:    alloc,
		ram:      ram,
		arena:    make([]byte, 0, maxFrames*mem.PageSize),
		maxLen:   maxFrames * mem.PageSize,
		freeHead: -1,
	}
}

func (h *Heap) hdrAt(off int64) *blockHdr {
	return (*blockHdr)(unsafe.Pointer(&h.arena[off]))
}

// growLocked acquires one more frame from the PMM and appends it to
// the arena as a single free block at the head of the free list. It
// does not merge the new block with a free block that ends where the
// new frame begins.
func (h *Heap) growLocked() kerr.Errno {
	if len(h.arena)+mem.PageSize > h.maxLen {
		return kerr.OutOfMemory
	}
	f, err := h.alloc.AllocFrame()
	if err != kerr.OK {
		return kerr.OutOfMemory
	}
	base := int64(len(h.arena))
	pg := h.ram.Dmap(f)
	h.arena = append(h.arena, pg[:]...) // never reallocates: capacity was reserved in New
	h.frames = append(h.frames, f)

	nh := h.hdrAt(base)
	nh.magic = magic
	nh.free = 1
	nh.size = int64(mem.PageSize) - int64(headerSz)
	nh.next = h.freeHead
	h.freeHead = base
	return kerr.OK
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}

// Alloc returns size bytes of zeroed memory, 16-byte aligned, growing
// the arena by one frame at a time until a first-fit block is found
// (spec §4.4: "align request to 16 bytes; first-fit; split residual
// if the tail is larger than header + 16 B").
func (h *Heap) Alloc(size int) ([]byte, kerr.Errno) {
	if size <= 0 {
		return nil, kerr.Invalid
	}
	size = roundUp(size, alignment)
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		if off, ok := h.firstFitLocked(size); ok {
			hdr := h.hdrAt(off)
			h.unlinkFreeLocked(off)
			h.maybeSplitLocked(off, hdr, size)
			hdr.free = 0
			start := off + int64(headerSz)
			buf := h.arena[start : start+int64(size)]
			for i := range buf {
				buf[i] = 0
			}
			return buf, kerr.OK
		}
		if size > mem.PageSize-headerSz {
			// a single frame can never satisfy this request; larger
			// multi-frame allocations are outside this heap's scope
			// (callers needing >1 page should allocate frames
			// directly).
			return nil, kerr.OutOfMemory
		}
		if err := h.growLocked(); err != kerr.OK {
			return nil, err
		}
	}
}

func (h *Heap) firstFitLocked(size int) (int64, bool) {
	for off := h.freeHead; off != -1; {
		hdr := h.hdrAt(off)
		if hdr.magic != magic {
			diag.Halt(diag.CPUFault{
				CPU:    -1,
				Reason: "kheap: corrupt free list (bad magic)",
				Fields: map[string]interface{}{"offset": off},
			})
		}
		if hdr.size >= int64(size) {
			return off, true
		}
		off = hdr.next
	}
	return 0, false
}

func (h *Heap) unlinkFreeLocked(off int64) {
	if h.freeHead == off {
		h.freeHead = h.hdrAt(off).next
		return
	}
	for p := h.freeHead; p != -1; p = h.hdrAt(p).next {
		if h.hdrAt(p).next == off {
			h.hdrAt(p).next = h.hdrAt(off).next
			return
		}
	}
	diag.Halt(diag.CPUFault{
		CPU:    -1,
		Reason: "kheap: block not in free list",
		Fields: map[string]interface{}{"offset": off},
	})
}

func (h *Heap) linkFreeLocked(off int64) {
	hdr := h.hdrAt(off)
	hdr.free = 1
	hdr.next = h.freeHead
	h.freeHead = off
}

// maybeSplitLocked splits the tail of a just-removed free block into a
// new free block when the remainder is large enough to hold another
// header plus the minimum 16-byte payload.
func (h *Heap) maybeSplitLocked(off int64, hdr *blockHdr, want int) {
	remain := hdr.size - int64(want)
	if remain < int64(headerSz+alignment) {
		return
	}
	newOff := off + int64(headerSz) + int64(want)
	nh := h.hdrAt(newOff)
	nh.magic = magic
	nh.size = remain - int64(headerSz)
	hdr.size = int64(want)
	h.linkFreeLocked(newOff)
}

// Free returns a previously allocated block to the heap, coalescing
// with its physical successor if that block is free, then attempting
// one backward coalesce by scanning the free list for a predecessor
// whose end abuts this header (spec §4.4). A double-free or a magic
// mismatch is logged and ignored rather than propagated, matching the
// teacher's preference for diagnostics over crashing on
// already-corrupt free-list state outside of a true invariant
// violation.
func (h *Heap) Free(buf []byte) {
	if len(buf) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	off := h.offsetOf(buf)
	hdr := h.hdrAt(off)
	if hdr.magic != magic {
		kheapLog("free: bad magic at offset %d, ignoring", off)
		return
	}
	if hdr.free != 0 {
		kheapLog("free: double free at offset %d, ignoring", off)
		return
	}

	h.linkFreeLocked(off)
	h.coalesceForwardLocked(off)
	h.coalesceBackwardLocked(off)
}

func (h *Heap) offsetOf(buf []byte) int64 {
	return int64(uintptr(unsafe.Pointer(&buf[0])) - uintptr(unsafe.Pointer(&h.arena[0])) - uintptr(headerSz))
}

// coalesceForwardLocked merges off with its immediate physical
// successor if that successor is also free.
func (h *Heap) coalesceForwardLocked(off int64) {
	hdr := h.hdrAt(off)
	succOff := off + int64(headerSz) + hdr.size
	if succOff >= int64(len(h.arena)) {
		return
	}
	succ := h.hdrAt(succOff)
	if succ.magic != magic || succ.free == 0 {
		return
	}
	h.unlinkFreeLocked(succOff)
	hdr.size += int64(headerSz) + succ.size
}

// coalesceBackwardLocked scans the free list for a predecessor block
// whose end address abuts off, merging off into it if found.
func (h *Heap) coalesceBackwardLocked(off int64) {
	for p := h.freeHead; p != -1; {
		next := h.hdrAt(p).next
		if p != off {
			phdr := h.hdrAt(p)
			if p+int64(headerSz)+phdr.size == off {
				cur := h.hdrAt(off)
				h.unlinkFreeLocked(off)
				phdr.size += int64(headerSz) + cur.size
				return
			}
		}
		p = next
	}
}

// kheapLog is overridable by tests; in production it routes through
// internal/diag.Log so a double-free or magic mismatch shows up as a
// structured warning instead of vanishing silently.
var kheapLog = func(format string, args ...interface{}) {
	diag.Log.Warnf(format, args...)
}
