// Package ksync implements the lock primitive every other subsystem
// builds on: a ticket-free test-and-set spinlock (spec §4.6/§5: "the
// PMM bitmap, refcount array, heap free list, bcache LRU, each port's
// queue, each address space's VMA list, and the task table each have
// a dedicated spinlock"). The counting semaphore and futex (spec
// §4.5) live in package sched instead, since both need to call back
// into task block/unblock and putting them there avoids an import
// cycle between a synchronization package and the scheduler it must
// depend on.
package ksync

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a simple test-and-set lock: Lock spins, yielding the Go
// scheduler between attempts, until it wins the compare-and-swap.
// Grounded on the atomic.CompareAndSwap usage in
// biscuit/src/hashtable/hashtable.go's lock-free bucket traversal,
// generalized from a single CAS into a spin loop.
type Spinlock struct {
	state int32
}

// Lock acquires the spinlock, blocking the calling goroutine until no
// other holder is present.
func (s *Spinlock) Lock() {
	for !s.TryLock() {
		runtime.Gosched()
	}
}

// TryLock attempts to acquire the spinlock without blocking.
func (s *Spinlock) TryLock() bool {
	return atomic.CompareAndSwapInt32(&s.state, 0, 1)
}

// Unlock releases the spinlock. Unlocking an already-unlocked
// spinlock is a programming error and panics, the same way the
// teacher's negative-refcount checks (mem/mem.go: "XXXPANIC") treat
// impossible states as invariant violations rather than silent no-ops.
func (s *Spinlock) Unlock() {
	if !atomic.CompareAndSwapInt32(&s.state, 1, 0) {
		panic("ksync: unlock of unlocked spinlock")
	}
}
