package ipc_test

import (
	"testing"
	"time"

	"kernelcore/internal/ipc"
	"kernelcore/internal/kerr"
	"kernelcore/internal/sched"
)

func newRegistry() (*sched.Scheduler, *ipc.Registry) {
	s := sched.New(1, nil)
	return s, ipc.NewRegistry(s)
}

func TestSendRecvNonBlockingRoundTrip(t *testing.T) {
	s, r := newRegistry()
	p := r.Create(2)
	caller := s.CreateTask("t", func(t *sched.Task) {})

	msg := ipc.Message{MsgID: 1, Size: 3}
	copy(msg.Payload[:], "hi!")
	if err := r.Send(p, caller, msg, true); err != kerr.OK {
		t.Fatalf("Send: %v", err)
	}
	if p.QueueLen() != 1 {
		t.Fatalf("QueueLen = %d, want 1", p.QueueLen())
	}

	got, err := r.Recv(p, caller, true)
	if err != kerr.OK {
		t.Fatalf("Recv: %v", err)
	}
	if got.MsgID != 1 || got.Payload[0] != 'h' {
		t.Fatalf("Recv returned %+v", got)
	}
}

func TestSendNonBlockingQueueFull(t *testing.T) {
	s, r := newRegistry()
	p := r.Create(1)
	caller := s.CreateTask("t", func(t *sched.Task) {})

	if err := r.Send(p, caller, ipc.Message{MsgID: 1}, true); err != kerr.OK {
		t.Fatalf("first Send: %v", err)
	}
	if err := r.Send(p, caller, ipc.Message{MsgID: 2}, true); err != kerr.QueueFull {
		t.Fatalf("second Send: got %v, want QueueFull", err)
	}
}

func TestRecvNonBlockingEmptyWouldBlock(t *testing.T) {
	s, r := newRegistry()
	p := r.Create(1)
	caller := s.CreateTask("t", func(t *sched.Task) {})
	if _, err := r.Recv(p, caller, true); err != kerr.WouldBlock {
		t.Fatalf("Recv on empty queue: got %v, want WouldBlock", err)
	}
}

func TestFIFOOrderingOfTwoSendsThenTwoRecvs(t *testing.T) {
	s, r := newRegistry()
	p := r.Create(4)
	caller := s.CreateTask("t", func(t *sched.Task) {})

	m1 := ipc.Message{MsgID: 1}
	m2 := ipc.Message{MsgID: 2}
	if err := r.Send(p, caller, m1, true); err != kerr.OK {
		t.Fatalf("Send 1: %v", err)
	}
	if err := r.Send(p, caller, m2, true); err != kerr.OK {
		t.Fatalf("Send 2: %v", err)
	}
	got1, err := r.Recv(p, caller, true)
	if err != kerr.OK || got1.MsgID != 1 {
		t.Fatalf("Recv 1: %+v, %v", got1, err)
	}
	got2, err := r.Recv(p, caller, true)
	if err != kerr.OK || got2.MsgID != 2 {
		t.Fatalf("Recv 2: %+v, %v", got2, err)
	}
}

func TestBlockingRecvWakesOnSend(t *testing.T) {
	s, r := newRegistry()
	p := r.Create(1)

	received := make(chan ipc.Message, 1)
	s.CreateTask("receiver", func(t *sched.Task) {
		msg, err := r.Recv(p, t, false)
		if err != kerr.OK {
			t.Errorf("blocking Recv: %v", err)
			return
		}
		received <- msg
	})

	// Give the receiver goroutine a chance to reach Recv and block.
	time.Sleep(20 * time.Millisecond)

	sender := s.CreateTask("sender", func(t *sched.Task) {})
	msg := ipc.Message{MsgID: 42}
	if err := r.Send(p, sender, msg, false); err != kerr.OK {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got.MsgID != 42 {
			t.Fatalf("receiver got MsgID=%d, want 42", got.MsgID)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked receiver was never woken by Send")
	}
}

func TestBlockingSendWakesOnRecv(t *testing.T) {
	s, r := newRegistry()
	p := r.Create(1)
	caller := s.CreateTask("filler", func(t *sched.Task) {})
	if err := r.Send(p, caller, ipc.Message{MsgID: 1}, true); err != kerr.OK {
		t.Fatalf("fill queue: %v", err)
	}

	sent := make(chan struct{})
	s.CreateTask("sender", func(t *sched.Task) {
		if err := r.Send(p, t, ipc.Message{MsgID: 2}, false); err != kerr.OK {
			t.Errorf("blocking Send: %v", err)
			return
		}
		close(sent)
	})

	time.Sleep(20 * time.Millisecond)

	if _, err := r.Recv(p, caller, true); err != kerr.OK {
		t.Fatalf("Recv to free a slot: %v", err)
	}

	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("blocked sender was never woken by Recv")
	}
}

func TestCloseWakesBlockedWaitersWithPortClosed(t *testing.T) {
	s, r := newRegistry()
	p := r.Create(1)

	result := make(chan kerr.Errno, 1)
	s.CreateTask("receiver", func(t *sched.Task) {
		_, err := r.Recv(p, t, false)
		result <- err
	})
	time.Sleep(20 * time.Millisecond)

	r.Close(p)

	select {
	case err := <-result:
		if err != kerr.PortClosed {
			t.Fatalf("blocked Recv after Close: got %v, want PortClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked receiver was never woken by Close")
	}

	caller := s.CreateTask("late", func(t *sched.Task) {})
	if err := r.Send(p, caller, ipc.Message{}, true); err != kerr.PortClosed {
		t.Fatalf("Send on closed port: got %v, want PortClosed", err)
	}
}

func TestRegisterAndLookupByName(t *testing.T) {
	_, r := newRegistry()
	p := r.Create(1)
	if err := r.Register(p, "console"); err != kerr.OK {
		t.Fatalf("Register: %v", err)
	}
	found, err := r.Lookup("console")
	if err != kerr.OK {
		t.Fatalf("Lookup: %v", err)
	}
	if found.ID() != p.ID() {
		t.Fatalf("Lookup returned a different port")
	}

	p2 := r.Create(1)
	if err := r.Register(p2, "console"); err != kerr.AlreadyExists {
		t.Fatalf("duplicate Register: got %v, want AlreadyExists", err)
	}
	if _, err := r.Lookup("no-such-port"); err != kerr.NotFound {
		t.Fatalf("Lookup of unknown name: got %v, want NotFound", err)
	}
}
