package transactions

import (
	"sync"
	"testing"
	"time"

	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/realtime"
)

type fakeSender struct {
	mu     sync.Mutex
	nextID uint64
	sent   []protocol.RpcMethod
	ids    []uint64
	fail   bool
}

func (s *fakeSender) SendRpc(method protocol.RpcMethod, input []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, realtime.ErrNotConnected
	}
	s.nextID++
	s.sent = append(s.sent, method)
	s.ids = append(s.ids, s.nextID)
	return s.nextID, nil
}

func (s *fakeSender) sentMethods() []protocol.RpcMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.RpcMethod(nil), s.sent...)
}

func (s *fakeSender) lastID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ids) == 0 {
		return 0
	}
	return s.ids[len(s.ids)-1]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestDispatcherSendsOneAtATimeInOrder(t *testing.T) {
	q := newTestQueue(t)
	sender := &fakeSender{}
	events := make(chan realtime.ClientEvent, 16)
	d := NewDispatcher(DispatcherConfig{Queue: q, Sender: sender, Events: events})
	d.Start()
	defer d.Stop()

	events <- realtime.ClientOpen{}
	if _, err := q.Queue(&Transaction{Method: protocol.MethodSendMessage, Kind: KindMutation}); err != nil {
		t.Fatalf("queue first: %v", err)
	}
	if _, err := q.Queue(&Transaction{Method: protocol.MethodEditMessage, Kind: KindMutation}); err != nil {
		t.Fatalf("queue second: %v", err)
	}

	waitFor(t, func() bool { return len(sender.sentMethods()) == 1 }, "first dispatch")

	// The second mutation must wait for the first to resolve.
	time.Sleep(20 * time.Millisecond)
	if got := sender.sentMethods(); len(got) != 1 {
		t.Fatalf("expected single inflight transaction, got %v", got)
	}

	first := sender.lastID()
	events <- realtime.ClientAck{MsgID: first}
	events <- realtime.ClientRpcResult{MsgID: first, Result: nil}

	waitFor(t, func() bool { return len(sender.sentMethods()) == 2 }, "second dispatch")
	if got := sender.sentMethods(); got[0] != protocol.MethodSendMessage || got[1] != protocol.MethodEditMessage {
		t.Fatalf("expected FIFO dispatch order, got %v", got)
	}
}

func TestDispatcherRequeuesUnackedOnReconnect(t *testing.T) {
	q := newTestQueue(t)
	sender := &fakeSender{}
	events := make(chan realtime.ClientEvent, 16)
	d := NewDispatcher(DispatcherConfig{Queue: q, Sender: sender, Events: events})
	d.Start()
	defer d.Stop()

	events <- realtime.ClientOpen{}
	if _, err := q.Queue(&Transaction{Method: protocol.MethodSendMessage, Kind: KindMutation}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	waitFor(t, func() bool { return len(sender.sentMethods()) == 1 }, "first dispatch")

	// Drop without an ack; the same mutation goes out again on reopen.
	events <- realtime.ClientDisconnected{}
	events <- realtime.ClientOpen{}
	waitFor(t, func() bool { return len(sender.sentMethods()) == 2 }, "redispatch after reconnect")
}

func TestDispatcherReportsDroppedAckedMutations(t *testing.T) {
	q := newTestQueue(t)
	sender := &fakeSender{}
	events := make(chan realtime.ClientEvent, 16)
	droppedCh := make(chan []*Wrapper, 1)
	d := NewDispatcher(DispatcherConfig{
		Queue:     q,
		Sender:    sender,
		Events:    events,
		OnDropped: func(dropped []*Wrapper) { droppedCh <- dropped },
	})
	d.Start()
	defer d.Stop()

	events <- realtime.ClientOpen{}
	if _, err := q.Queue(&Transaction{Method: protocol.MethodSendMessage, Kind: KindMutation}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	waitFor(t, func() bool { return sender.lastID() != 0 }, "dispatch")

	events <- realtime.ClientAck{MsgID: sender.lastID()}
	events <- realtime.ClientDisconnected{}
	events <- realtime.ClientOpen{}

	select {
	case dropped := <-droppedCh:
		if len(dropped) != 1 {
			t.Fatalf("expected 1 dropped transaction, got %d", len(dropped))
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for dropped callback")
	}

	// Nothing to resend: the mutation must not go out a second time.
	time.Sleep(20 * time.Millisecond)
	if got := sender.sentMethods(); len(got) != 1 {
		t.Fatalf("expected no redelivery, got %v", got)
	}
}
