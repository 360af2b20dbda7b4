package sched_test

import (
	"sync/atomic"
	"testing"
	"time"

	"kernelcore/internal/sched"
)

func waitUntilCurrentChanges(t *testing.T, s *sched.Scheduler, cpuID int, prev uint64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		cur := s.Current(cpuID)
		if cur == nil || cur.ID != prev {
			return
		}
		time.Sleep(time.Microsecond)
	}
}

func TestSchedulerFairness(t *testing.T) {
	s := sched.New(1, nil)
	const numTasks = 3
	const totalTicks = 3000

	var counts [numTasks]int64
	var stop [numTasks]int32

	for i := 0; i < numTasks; i++ {
		i := i
		s.CreateTask("worker", func(task *sched.Task) {
			for atomic.LoadInt32(&stop[i]) == 0 {
				atomic.AddInt64(&counts[i], 1)
				task.CheckPreempt()
			}
		})
	}

	for tick := 0; tick < totalTicks; tick++ {
		var prevID uint64
		if cur := s.Current(0); cur != nil {
			prevID = cur.ID
		}
		s.Tick(0)
		waitUntilCurrentChanges(t, s, 0, prevID, 50*time.Millisecond)
	}

	for i := range stop {
		atomic.StoreInt32(&stop[i], 1)
	}
	for i := 0; i < numTasks+1; i++ {
		s.Tick(0)
		time.Sleep(time.Millisecond)
	}

	var total int64
	for i := range counts {
		v := atomic.LoadInt64(&counts[i])
		if v == 0 {
			t.Fatalf("task %d never ran", i)
		}
		total += v
	}
	avg := total / numTasks
	for i := range counts {
		v := atomic.LoadInt64(&counts[i])
		if v < avg/4 {
			t.Fatalf("task %d got %d iterations, far below the %d average (starvation)", i, v, avg)
		}
	}
}

func TestSemaphoreBlocksUntilPost(t *testing.T) {
	s := sched.New(1, nil)
	sem := sched.NewSemaphore(0)
	result := make(chan int, 1)

	s.CreateTask("waiter", func(task *sched.Task) {
		sem.Wait(task)
		result <- 42
	})

	time.Sleep(10 * time.Millisecond)
	select {
	case <-result:
		t.Fatal("waiter returned from Wait before Post")
	default:
	}

	sem.Post()

	select {
	case v := <-result:
		if v != 42 {
			t.Fatalf("got %d, want 42", v)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("waiter did not resume after Post")
	}
}

func TestSemaphoreFastPathDoesNotBlock(t *testing.T) {
	s := sched.New(1, nil)
	sem := sched.NewSemaphore(1)
	result := make(chan int, 1)

	s.CreateTask("taker", func(task *sched.Task) {
		sem.Wait(task)
		result <- 1
	})

	select {
	case <-result:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("wait on a positive semaphore should not have blocked")
	}
	if sem.Count() != 0 {
		t.Fatalf("count = %d, want 0", sem.Count())
	}
}

func TestFutexWaitWake(t *testing.T) {
	s := sched.New(1, nil)
	f := sched.NewFutex()
	var val int32
	done := make(chan struct{})

	s.CreateTask("waiter", func(task *sched.Task) {
		f.Wait(task, 0x1000, 1, func() bool { return atomic.LoadInt32(&val) == 0 })
		close(done)
	})

	time.Sleep(10 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("waiter resumed before wake")
	default:
	}

	atomic.StoreInt32(&val, 1)
	if woken := f.Wake(0x1000, 1, 1); woken != 1 {
		t.Fatalf("Wake returned %d, want 1", woken)
	}

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("waiter did not resume after wake")
	}
}

func TestFutexWaitStaleCheckDoesNotBlock(t *testing.T) {
	s := sched.New(1, nil)
	f := sched.NewFutex()
	done := make(chan struct{})

	s.CreateTask("waiter", func(task *sched.Task) {
		f.Wait(task, 0x2000, 1, func() bool { return false })
		close(done)
	})

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Wait should not have blocked when stillTrue() is already false")
	}
}

// TestFutexWaitCrossAddressSpaceIsolation confirms that two tasks
// blocked on the same virtual address but in different address spaces
// (spec §4.5: futex keys are (address, address-space id) pairs) queue
// independently: waking asid 1 must not disturb a waiter parked under
// asid 2 on the identical address.
func TestFutexWaitCrossAddressSpaceIsolation(t *testing.T) {
	s := sched.New(1, nil)
	f := sched.NewFutex()
	doneA := make(chan struct{})
	doneB := make(chan struct{})

	s.CreateTask("waiter-a", func(task *sched.Task) {
		f.Wait(task, 0x3000, 1, func() bool { return true })
		close(doneA)
	})
	s.CreateTask("waiter-b", func(task *sched.Task) {
		f.Wait(task, 0x3000, 2, func() bool { return true })
		close(doneB)
	})

	time.Sleep(10 * time.Millisecond)

	if woken := f.Wake(0x3000, 1, 1); woken != 1 {
		t.Fatalf("Wake(asid 1) returned %d, want 1", woken)
	}
	select {
	case <-doneA:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("waiter-a did not resume after its own asid's wake")
	}
	select {
	case <-doneB:
		t.Fatal("waiter-b resumed from a wake targeting a different asid")
	default:
	}

	if woken := f.Wake(0x3000, 2, 1); woken != 1 {
		t.Fatalf("Wake(asid 2) returned %d, want 1", woken)
	}
	select {
	case <-doneB:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("waiter-b did not resume after its own asid's wake")
	}
}

func TestMultiCPURoundRobinAssignment(t *testing.T) {
	s := sched.New(2, nil)
	homes := make(map[int]int)
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		task := s.CreateTask("t", func(task *sched.Task) {
			<-done
		})
		homes[task.HomeCPU()]++
	}
	close(done)
	if homes[0] != 2 || homes[1] != 2 {
		t.Fatalf("expected 2 tasks per cpu, got %v", homes)
	}
}
