package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridianchat/meridian/internal/protocol"
)

// newTestGateway runs script against each accepted websocket and returns
// the ws:// endpoint URL.
func newTestGateway(t *testing.T, script func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func writeServerFrame(conn *websocket.Conn, msg *protocol.ServerMessage) error {
	payload, err := protocol.MarshalServerMessage(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, payload)
}

func readClientFrame(conn *websocket.Conn) (*protocol.ClientMessage, error) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return protocol.UnmarshalClientMessage(payload)
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for transport event")
		return nil
	}
}

func TestBackoffDelayCurve(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 200 * time.Millisecond},
		{attempt: 1, want: 600 * time.Millisecond},
		{attempt: 4, want: 3400 * time.Millisecond},
	}
	for _, tc := range cases {
		got := BackoffDelay(tc.attempt)
		diff := got - tc.want
		if diff < -time.Millisecond || diff > time.Millisecond {
			t.Fatalf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}

	// Past the cap the delay saturates at 8s plus up to 4s of jitter.
	for i := 0; i < 20; i++ {
		got := BackoffDelay(9)
		if got < 8*time.Second || got >= 12*time.Second+time.Millisecond {
			t.Fatalf("attempt 9: delay %v outside [8s, 12s)", got)
		}
	}
}

func TestTransportConnectReceiveDisconnect(t *testing.T) {
	release := make(chan struct{})
	url := newTestGateway(t, func(conn *websocket.Conn) {
		if err := writeServerFrame(conn, &protocol.ServerMessage{ID: 1, Body: &protocol.ConnectionOpen{}}); err != nil {
			return
		}
		<-release
	})

	transport := NewTransport(TransportConfig{URL: url})
	transport.Start()
	defer transport.Stop()

	if _, ok := nextEvent(t, transport.Events()).(EventConnecting); !ok {
		t.Fatalf("expected connecting first")
	}
	if _, ok := nextEvent(t, transport.Events()).(EventConnected); !ok {
		t.Fatalf("expected connected after connecting")
	}
	msg, ok := nextEvent(t, transport.Events()).(EventMessage)
	if !ok {
		t.Fatalf("expected message event")
	}
	if _, ok := msg.Message.Body.(*protocol.ConnectionOpen); !ok {
		t.Fatalf("expected connection open body, got %T", msg.Message.Body)
	}

	close(release)
	if _, ok := nextEvent(t, transport.Events()).(EventDisconnected); !ok {
		t.Fatalf("expected disconnected after server close")
	}
}

func TestTransportSendRequiresConnection(t *testing.T) {
	transport := NewTransport(TransportConfig{URL: "ws://127.0.0.1:1/ws"})

	err := transport.Send(&protocol.ClientMessage{ID: 1, Body: &protocol.Ping{Nonce: 7}})
	if err == nil {
		t.Fatalf("expected error sending while disconnected")
	}
	if !strings.Contains(err.Error(), "not connected") {
		t.Fatalf("expected not connected error, got %v", err)
	}
}

func TestTransportNeverTwoConnectedWithoutDisconnect(t *testing.T) {
	url := newTestGateway(t, func(conn *websocket.Conn) {
		// Accept and immediately drop, forcing reconnect cycles.
	})

	transport := NewTransport(TransportConfig{URL: url})
	transport.backoffFn = func(int) time.Duration { return time.Millisecond }
	transport.Start()
	defer transport.Stop()

	connected := false
	for i := 0; i < 12; i++ {
		switch nextEvent(t, transport.Events()).(type) {
		case EventConnected:
			if connected {
				t.Fatalf("two connected events without a disconnect between them")
			}
			connected = true
		case EventDisconnected:
			connected = false
		case EventStopping:
			return
		}
	}
}
