package sched

import "kernelcore/internal/ksync"

// Semaphore is a counting semaphore with a FIFO wait queue of blocked
// tasks (spec §4.5 Synchronization: "decrement-or-queue on wait; post
// increments and wakes one waiter"). Grounded on the
// lock-plus-slice-of-waiters shape of biscuit/src/hashtable/hashtable.go's
// bucket chains, generalized from a chain of entries to a FIFO queue
// of blocked tasks.
type Semaphore struct {
	lock    ksync.Spinlock
	count   int
	waiters []*Task
}

// NewSemaphore creates a semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{count: initial}
}

// Wait decrements the semaphore, blocking the calling task if the
// count is already zero. The task resumes here, past the block, once
// some other task calls Post.
func (s *Semaphore) Wait(t *Task) {
	s.lock.Lock()
	if s.count > 0 {
		s.count--
		s.lock.Unlock()
		return
	}
	s.waiters = append(s.waiters, t)
	s.lock.Unlock()
	t.Block()
}

// Post increments the semaphore, or if a task is already waiting,
// hands the unit directly to the oldest waiter instead (spec: "post
// increments and wakes one waiter if any").
func (s *Semaphore) Post() {
	s.lock.Lock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.lock.Unlock()
		w.sched.Unblock(w)
		return
	}
	s.count++
	s.lock.Unlock()
}

// Count returns the semaphore's current count (for tests; not part of
// the blocking contract).
func (s *Semaphore) Count() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.count
}

// futexKey is the (virtual address, address-space id) pair a futex
// wait queue is keyed by (spec §4.5: "hash (virtual address,
// address-space id) to a bucket... WAKE pops up to N waiters from the
// bucket matching (address, address-space)"). Two address spaces that
// happen to share a virtual address (the common case: every process's
// heap/stack/mmap region reuses the same low canonical addresses)
// must never share a wait queue.
type futexKey struct {
	addr uintptr
	asid uint64
}

// futexBucket holds every task waiting on (address, address-space)
// pairs that hash to it.
type futexBucket struct {
	lock    ksync.Spinlock
	waiters map[futexKey][]*Task
}

// Futex is a hashed table of wait queues keyed by (address,
// address-space id) (spec §4.5). The hashing into a fixed bucket
// count, rather than one queue per key, follows
// biscuit/src/hashtable/hashtable.go's fixed bucket array plus
// chaining design.
type Futex struct {
	buckets []*futexBucket
}

const futexBucketCount = 64

// NewFutex creates an empty futex table.
func NewFutex() *Futex {
	f := &Futex{buckets: make([]*futexBucket, futexBucketCount)}
	for i := range f.buckets {
		f.buckets[i] = &futexBucket{waiters: make(map[futexKey][]*Task)}
	}
	return f
}

func (f *Futex) bucket(key futexKey) *futexBucket {
	h := uint64(key.addr)*31 + key.asid
	return f.buckets[h%uint64(len(f.buckets))]
}

// Wait blocks t on (addr, asid) if *check() still holds once t is
// registered as a waiter (the classic futex compare-and-block
// contract: the caller samples the value, calls Wait with a closure
// that re-checks it under the futex's own lock, and only blocks if
// nothing changed in between — avoiding the lost-wakeup race between
// the check and the block). asid identifies the calling task's
// address space, so two tasks blocked on the same virtual address in
// different address spaces queue independently.
func (f *Futex) Wait(t *Task, addr uintptr, asid uint64, stillTrue func() bool) {
	key := futexKey{addr, asid}
	b := f.bucket(key)
	b.lock.Lock()
	if !stillTrue() {
		b.lock.Unlock()
		return
	}
	b.waiters[key] = append(b.waiters[key], t)
	b.lock.Unlock()
	t.Block()
}

// Wake unblocks up to n tasks waiting on (addr, asid), FIFO, returning
// the number actually woken. A wake for asid never disturbs waiters
// queued under a different address space's identical virtual address.
func (f *Futex) Wake(addr uintptr, asid uint64, n int) int {
	key := futexKey{addr, asid}
	b := f.bucket(key)
	b.lock.Lock()
	q := b.waiters[key]
	if n > len(q) {
		n = len(q)
	}
	woken := q[:n]
	remaining := q[n:]
	if len(remaining) == 0 {
		delete(b.waiters, key)
	} else {
		b.waiters[key] = remaining
	}
	b.lock.Unlock()
	for _, w := range woken {
		w.sched.Unblock(w)
	}
	return len(woken)
}
