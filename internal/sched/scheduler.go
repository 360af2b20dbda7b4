package sched

import (
	"sync/atomic"

	"kernelcore/internal/diag"
	"kernelcore/internal/kerr"
	"kernelcore/internal/kheap"
	"kernelcore/internal/ksync"
)

const kstackSize = 16 * 1024

// cpu is one CPU's ready queue and current-task pointer, each CPU
// guarded by its own spinlock so that unrelated CPUs never contend
// with each other (spec §4.5: "each CPU's ready queue has its own
// spinlock").
type cpu struct {
	lock        ksync.Spinlock
	ready       []*Task
	current     *Task
	pendingReap *Task
}

// Scheduler owns every CPU's ready queue and the task table. Grounded
// on biscuit/src/mem/mem.go's Physmem_t in spirit (a single struct
// bundling the thing being protected with a lock guarding it), scaled
// up to one lock per CPU instead of one lock for the whole machine,
// per spec §4.5's explicit requirement that per-CPU queues not
// contend with each other.
type Scheduler struct {
	cpus []*cpu
	heap *kheap.Heap // optional; nil heap skips kernel-stack bookkeeping

	rrCounter uint64 // round-robin cursor for CreateTask's CPU assignment
	nextID    uint64
}

// New creates a scheduler with ncpus CPUs, each starting idle. heap
// may be nil in tests that don't care about kernel-stack accounting.
func New(ncpus int, heap *kheap.Heap) *Scheduler {
	if ncpus <= 0 {
		panic("sched: need at least one cpu")
	}
	s := &Scheduler{heap: heap}
	s.cpus = make([]*cpu, ncpus)
	for i := range s.cpus {
		s.cpus[i] = &cpu{}
	}
	return s
}

// NumCPU returns the number of CPUs this scheduler manages.
func (s *Scheduler) NumCPU() int { return len(s.cpus) }

// CreateTask allocates a task, assigns it a home CPU by round-robin
// (spec §4.5: "assigned round-robin across CPUs at creation; no
// migration thereafter"), and starts its body running as a goroutine
// parked until the scheduler actually grants it the CPU.
func (s *Scheduler) CreateTask(name string, fn func(t *Task)) *Task {
	id := atomic.AddUint64(&s.nextID, 1)
	cpuID := int(atomic.AddUint64(&s.rrCounter, 1)-1) % len(s.cpus)

	t := &Task{
		ID:       id,
		Name:     name,
		homeCPU:  cpuID,
		sched:    s,
		resumeCh: make(chan struct{}),
	}
	if s.heap != nil {
		if buf, err := s.heap.Alloc(kstackSize); err == kerr.OK {
			t.Stack = buf
		}
	}
	t.setState(Ready)

	go func() {
		<-t.resumeCh
		fn(t)
		t.Exit()
	}()

	s.enqueueAndMaybeKick(cpuID, t)
	return t
}

// Unblock moves a BLOCKED or SLEEPING task back to READY on its home
// CPU, waking an idle CPU if that CPU currently has nothing running
// (spec §4.5 unblock()). It is a no-op if the task is not actually
// blocked or sleeping.
func (s *Scheduler) Unblock(t *Task) {
	c := s.cpus[t.homeCPU]
	c.lock.Lock()
	st := t.State()
	if st != Blocked && st != Sleeping {
		c.lock.Unlock()
		return
	}
	t.setState(Ready)
	c.ready = append(c.ready, t)
	kicked := s.kickIfIdleLocked(c)
	c.lock.Unlock()
	if kicked != nil {
		kicked.resumeCh <- struct{}{}
	}
}

// Tick simulates the per-CPU timer interrupt (spec §4.5, switch
// trigger (ii)): the current task is moved to the back of the ready
// queue and the next task is promoted. The outgoing task's goroutine
// only actually stops running once it reaches its own next
// CheckPreempt call; see the package doc for why.
func (s *Scheduler) Tick(cpuID int) {
	c := s.cpus[cpuID]
	c.lock.Lock()
	cur := c.current
	if cur == nil {
		c.lock.Unlock()
		return
	}
	c.lock.Unlock()
	s.doSwitch(cpuID, cur, Ready)
}

// Current returns the task currently running on cpuID, or nil if that
// CPU is idle.
func (s *Scheduler) Current(cpuID int) *Task {
	c := s.cpus[cpuID]
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current
}

func (s *Scheduler) isCurrent(t *Task) bool {
	c := s.cpus[t.homeCPU]
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current == t
}

// enqueueAndMaybeKick appends t to cpuID's ready queue and, if that
// CPU is idle, immediately promotes and resumes it (a freshly created
// task waking an idle CPU, spec §4.5).
func (s *Scheduler) enqueueAndMaybeKick(cpuID int, t *Task) {
	c := s.cpus[cpuID]
	c.lock.Lock()
	c.ready = append(c.ready, t)
	kicked := s.kickIfIdleLocked(c)
	c.lock.Unlock()
	if kicked != nil {
		kicked.resumeCh <- struct{}{}
	}
}

// kickIfIdleLocked dequeues and promotes the front of the ready queue
// if the CPU has no current task. Caller holds c.lock.
func (s *Scheduler) kickIfIdleLocked(c *cpu) *Task {
	if c.current != nil || len(c.ready) == 0 {
		return nil
	}
	next := c.ready[0]
	c.ready = c.ready[1:]
	next.setState(Running)
	c.current = next
	return next
}

// doSwitch is the core switch algorithm (spec §4.5 switch()):
//  1. reap any task left pending from a prior switch (a TERMINATED
//     task cannot free its own stack; that happens on the next switch
//     that observes it, never by the terminated task itself)
//  2. move the outgoing task to its next state, enqueueing it if that
//     state is READY
//  3. dequeue the front of the ready queue (FIFO); if the outgoing task
//     was re-enqueued and nothing else was waiting, it is dequeued
//     right back out, i.e. it keeps running
//  4. if empty, the CPU goes idle
//  5. hand the CPU to whichever task was chosen, if it isn't already
//     the one running
//
// It returns the task chosen to run next.
func (s *Scheduler) doSwitch(cpuID int, outgoing *Task, nextState State) *Task {
	c := s.cpus[cpuID]
	c.lock.Lock()
	if c.pendingReap != nil {
		r := c.pendingReap
		c.pendingReap = nil
		c.lock.Unlock()
		s.reap(r)
		c.lock.Lock()
	}

	switch nextState {
	case Ready:
		outgoing.setState(Ready)
		c.ready = append(c.ready, outgoing)
	case Blocked, Sleeping:
		outgoing.setState(nextState)
	case Terminated:
		outgoing.setState(Terminated)
		c.pendingReap = outgoing
	default:
		c.lock.Unlock()
		diag.Halt(diag.CPUFault{
			CPU:    cpuID,
			Reason: "sched: bad switch target state",
			Fields: map[string]interface{}{"state": int(nextState)},
		})
	}

	var next *Task
	if len(c.ready) > 0 {
		next = c.ready[0]
		c.ready = c.ready[1:]
		next.setState(Running)
	}
	c.current = next
	c.lock.Unlock()

	if next != nil && next != outgoing {
		next.resumeCh <- struct{}{}
	}
	return next
}

// reap releases a terminated task's kernel stack and runs its OnExit
// callback, if any (spec §4.5: resource teardown happens on the
// switch that discovers TERMINATED, not inside the exiting task).
func (s *Scheduler) reap(t *Task) {
	if s.heap != nil && t.Stack != nil {
		s.heap.Free(t.Stack)
		t.Stack = nil
	}
	if t.OnExit != nil {
		t.OnExit()
	}
	t.setState(Unused)
}

// ReadyLen reports the number of tasks currently waiting (not
// running) on cpuID; internal/profile samples it.
func (s *Scheduler) ReadyLen(cpuID int) int {
	c := s.cpus[cpuID]
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.ready)
}
