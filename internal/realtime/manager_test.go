package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridianchat/meridian/internal/protocol"
)

func newTestManager(t *testing.T, url string) *ConnectionManager {
	t.Helper()
	transport := NewTransport(TransportConfig{URL: url})
	transport.backoffFn = func(int) time.Duration { return 5 * time.Millisecond }
	client := NewProtocolClient(ClientConfig{
		Transport: transport,
		Token:     func() string { return testToken },
	})
	manager := NewConnectionManager(ManagerConfig{
		Client:             client,
		Transport:          transport,
		PingInterval:       50 * time.Millisecond,
		ForegroundDebounce: 5 * time.Millisecond,
	})
	t.Cleanup(manager.Stop)
	return manager
}

func waitForState(t *testing.T, manager *ConnectionManager, want ManagerState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if manager.CurrentSnapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state %v, stuck at %v", want, manager.CurrentSnapshot().State)
}

func TestManagerWaitsForAllConstraints(t *testing.T) {
	dialed := make(chan struct{}, 8)
	url := newTestGateway(t, func(conn *websocket.Conn) {
		dialed <- struct{}{}
		_ = acceptHandshake(conn)
		_, _ = readClientFrame(conn)
	})

	manager := newTestManager(t, url)
	manager.Start()
	waitForState(t, manager, ManagerWaitingForConstraints)

	manager.SetAuthAvailable(true)
	manager.SetNetworkUp(true)
	select {
	case <-dialed:
		t.Fatalf("dialed with an unsatisfied constraint")
	case <-time.After(50 * time.Millisecond):
	}

	manager.SetForegrounded(true)
	waitForState(t, manager, ManagerConnected)

	snap := manager.CurrentSnapshot()
	if !snap.Constraints.satisfied() {
		t.Fatalf("expected satisfied constraints, got %+v", snap.Constraints)
	}
	if snap.LastConnectedAt.IsZero() {
		t.Fatalf("expected last connected timestamp to be set")
	}
}

func TestManagerSettersIdempotent(t *testing.T) {
	url := newTestGateway(t, func(conn *websocket.Conn) {
		_ = acceptHandshake(conn)
		_, _ = readClientFrame(conn)
	})

	manager := newTestManager(t, url)
	manager.Start()
	manager.SetAuthAvailable(true)
	manager.SetNetworkUp(true)
	manager.SetForegrounded(true)
	waitForState(t, manager, ManagerConnected)

	// Repeating the same values must not bounce the connection.
	manager.SetAuthAvailable(true)
	manager.SetNetworkUp(true)
	manager.SetForegrounded(true)

	time.Sleep(50 * time.Millisecond)
	if got := manager.CurrentSnapshot().State; got != ManagerConnected {
		t.Fatalf("expected to stay connected, got %v", got)
	}
}

func TestManagerPausesWhenConstraintDrops(t *testing.T) {
	url := newTestGateway(t, func(conn *websocket.Conn) {
		_ = acceptHandshake(conn)
		_, _ = readClientFrame(conn)
	})

	manager := newTestManager(t, url)
	manager.Start()
	manager.SetAuthAvailable(true)
	manager.SetNetworkUp(true)
	manager.SetForegrounded(true)
	waitForState(t, manager, ManagerConnected)

	manager.SetNetworkUp(false)
	waitForState(t, manager, ManagerWaitingForConstraints)

	manager.SetNetworkUp(true)
	waitForState(t, manager, ManagerConnected)
}

func TestManagerAuthFailureClearsAuthConstraint(t *testing.T) {
	url := newTestGateway(t, func(conn *websocket.Conn) {
		frame, err := readClientFrame(conn)
		if err != nil {
			return
		}
		if _, ok := frame.Body.(*protocol.ConnectionInit); !ok {
			return
		}
		_ = writeServerFrame(conn, &protocol.ServerMessage{ID: 1, Body: &protocol.ConnectionError{
			Code:    protocol.ConnErrUnauthorized,
			Message: "expired",
		}})
		time.Sleep(20 * time.Millisecond)
	})

	manager := newTestManager(t, url)
	manager.Start()
	manager.SetAuthAvailable(true)
	manager.SetNetworkUp(true)
	manager.SetForegrounded(true)

	waitForState(t, manager, ManagerWaitingForConstraints)
	snap := manager.CurrentSnapshot()
	if snap.Constraints.AuthAvailable {
		t.Fatalf("expected auth constraint cleared after rejection")
	}
}

func TestManagerForegroundFlappingCoalesces(t *testing.T) {
	url := newTestGateway(t, func(conn *websocket.Conn) {
		_ = acceptHandshake(conn)
		_, _ = readClientFrame(conn)
	})

	manager := newTestManager(t, url)
	manager.Start()
	manager.SetAuthAvailable(true)
	manager.SetNetworkUp(true)

	for i := 0; i < 5; i++ {
		manager.SetForegrounded(true)
		manager.SetForegrounded(false)
	}
	manager.SetForegrounded(true)
	waitForState(t, manager, ManagerConnected)
}

func TestManagerPingTimeoutEntersBackoff(t *testing.T) {
	transport := NewTransport(TransportConfig{URL: "ws://127.0.0.1:1/ws"})
	client := NewProtocolClient(ClientConfig{Transport: transport})
	manager := NewConnectionManager(ManagerConfig{Client: client, Transport: transport})
	events := manager.Subscribe()

	// Place the manager in the running, client-up position the prober
	// fires from; the transport itself stays down so the state holds.
	manager.mu.Lock()
	manager.started = true
	manager.clientRunning = true
	manager.mu.Unlock()

	manager.onPingTimeout()

	snap := manager.CurrentSnapshot()
	if snap.State != ManagerBackoff {
		t.Fatalf("expected backoff after ping timeout, got %v", snap.State)
	}
	if !errors.Is(snap.Reason, ErrPingTimeout) {
		t.Fatalf("expected ping timeout reason, got %v", snap.Reason)
	}
	select {
	case ev := <-events:
		if _, ok := ev.(ClientPingTimeout); !ok {
			t.Fatalf("expected ping timeout event, got %T", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for ping timeout event")
	}
}

func TestManagerPingTimeoutFiresWithoutPongs(t *testing.T) {
	url := newTestGateway(t, func(conn *websocket.Conn) {
		if err := acceptHandshake(conn); err != nil {
			return
		}
		// Swallow pings without answering so liveness fails.
		for {
			if _, err := readClientFrame(conn); err != nil {
				return
			}
		}
	})

	transport := NewTransport(TransportConfig{URL: url})
	transport.backoffFn = func(int) time.Duration { return 5 * time.Millisecond }
	client := NewProtocolClient(ClientConfig{
		Transport: transport,
		Token:     func() string { return testToken },
	})
	manager := NewConnectionManager(ManagerConfig{
		Client:       client,
		Transport:    transport,
		PingInterval: 20 * time.Millisecond,
		PingTimeout:  80 * time.Millisecond,
	})
	t.Cleanup(manager.Stop)

	events := manager.Subscribe()
	manager.Start()
	manager.SetAuthAvailable(true)
	manager.SetNetworkUp(true)
	manager.SetForegrounded(true)
	waitForState(t, manager, ManagerConnected)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if _, ok := ev.(ClientPingTimeout); ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for ping timeout event")
		}
	}
}

func TestManagerSubscribersSeeOpenEvents(t *testing.T) {
	url := newTestGateway(t, func(conn *websocket.Conn) {
		_ = acceptHandshake(conn)
		_, _ = readClientFrame(conn)
	})

	manager := newTestManager(t, url)
	events := manager.Subscribe()
	manager.Start()
	manager.SetAuthAvailable(true)
	manager.SetNetworkUp(true)
	manager.SetForegrounded(true)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if _, ok := ev.(ClientOpen); ok {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for open event")
		}
	}
}
