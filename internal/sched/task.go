// Package sched implements the SMP preemptive scheduler (spec §4.5):
// per-CPU FIFO ready queues, task lifecycle, a timer-driven preemption
// path, and the blocking primitives (counting semaphore, futex) that
// sit on top of block/unblock. There is no surviving teacher scheduler
// in the retrieval pack (biscuit's proc/kernel packages fell outside
// the filtered file set), so the task bookkeeping follows the shape of
// biscuit/src/accnt/accnt.go's Accnt_t (a small struct with its own
// spinlock, mutated in place by the owning subsystem) and the
// switch/park handoff is built around a per-task token channel the way
// a cooperative green-thread scheduler hosted in Go must be, since Go
// gives no way to suspend an arbitrary goroutine from the outside.
//
// Each task body runs as its own goroutine. Only one task's goroutine
// is ever actually making progress per CPU at a time: the scheduler
// hands a task the CPU by sending on its resumeCh, and the task gives
// it back either voluntarily (Yield, Block, Exit — all regular
// function calls the task makes) or cooperatively, by calling
// CheckPreempt at a safe point after an involuntary Tick. This is a
// deliberate simplification of real hardware timer interrupts, which
// truly can stop an arbitrary instruction stream; see DESIGN.md.
package sched

import (
	"runtime"
	"sync/atomic"
)

// State is a task's scheduling state (spec §4.5).
type State int32

const (
	Unused State = iota
	Ready
	Running
	Blocked
	Sleeping
	Terminated
)

func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Sleeping:
		return "sleeping"
	case Terminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// Task is one schedulable unit of execution, pinned to the CPU it was
// created on for its entire lifetime (spec §4.5: "no task migration").
type Task struct {
	ID      uint64
	Name    string
	homeCPU int
	sched   *Scheduler

	state    int32 // State, accessed atomically for State()/setState()
	resumeCh chan struct{}

	// Stack is the task's kernel stack. CreateTask requests kstackSize
	// bytes from the scheduler's kernel heap, if it has one, and reap
	// frees a non-nil Stack. The heap serves at most one frame's payload
	// per allocation, which is less than kstackSize, so that request is
	// refused and Stack stays nil; the task runs without one.
	Stack []byte

	// OnExit, if set, runs once on the CPU that reaps this task (the
	// next switch that observes it terminated), after the task's own
	// goroutine has already returned. Used to tear down an address
	// space without requiring the exiting task to free resources it is
	// still using.
	OnExit func()
}

// State returns the task's current scheduling state.
func (t *Task) State() State { return State(atomic.LoadInt32(&t.state)) }

func (t *Task) setState(s State) { atomic.StoreInt32(&t.state, int32(s)) }

// HomeCPU returns the CPU id this task is permanently bound to.
func (t *Task) HomeCPU() int { return t.homeCPU }

// Yield voluntarily gives up the CPU, rejoining the back of its home
// CPU's ready queue (spec §4.5: "voluntary yields... land in the same
// switch path").
func (t *Task) Yield() { t.leave(Ready) }

// Block marks the task BLOCKED and gives up the CPU. It is the
// primitive Semaphore and Futex build on; ordinary task code should
// not call it directly except through those primitives or an
// equivalent condition-and-recheck loop.
func (t *Task) Block() { t.leave(Blocked) }

// Sleep marks the task SLEEPING and gives up the CPU, to be resumed
// later by an explicit Unblock (there is no timer-driven wake queue in
// this core; a timeout facility is a cooperating-code concern per spec
// §5).
func (t *Task) Sleep() { t.leave(Sleeping) }

// Exit terminates the task: it is marked TERMINATED, control passes to
// whatever task is scheduled next, and the calling goroutine never
// returns from this call (it is torn down via runtime.Goexit, mirroring
// a real kernel task whose last action never returns to its caller).
func (t *Task) Exit() {
	t.leave(Terminated)
	runtime.Goexit()
}

// CheckPreempt is the cooperative checkpoint task bodies must call
// periodically so that a prior Tick on this task's CPU can actually
// take effect (see package doc). It is a no-op if this task is still
// its CPU's current task.
func (t *Task) CheckPreempt() {
	if !t.sched.isCurrent(t) {
		<-t.resumeCh
	}
}

// leave performs the common "give up the CPU" sequence: ask the
// scheduler to switch this task out to nextState, then park on
// resumeCh if some other task was chosen to run instead.
func (t *Task) leave(nextState State) {
	next := t.sched.doSwitch(t.homeCPU, t, nextState)
	if next != t && nextState != Terminated {
		<-t.resumeCh
	}
}
