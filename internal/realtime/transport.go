package realtime

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/meridianchat/meridian/internal/protocol"
)

// Event is a transport lifecycle notification delivered on Events().
type Event interface{ transportEvent() }

// EventConnecting reports the start of a dial attempt.
type EventConnecting struct{}

// EventConnected reports a successfully opened socket.
type EventConnected struct{}

// EventMessage carries one decoded inbound frame.
type EventMessage struct{ Message *protocol.ServerMessage }

// EventStopping reports that Stop was called.
type EventStopping struct{}

// EventDisconnected reports a closed or failed socket.
type EventDisconnected struct{ Reason error }

func (EventConnecting) transportEvent()   {}
func (EventConnected) transportEvent()    {}
func (EventMessage) transportEvent()      {}
func (EventStopping) transportEvent()     {}
func (EventDisconnected) transportEvent() {}

// TransportConfig configures a Transport.
type TransportConfig struct {
	// URL is the websocket endpoint, e.g. wss://gateway.example.com/ws.
	URL string
	// DialTimeout caps a single dial attempt. Defaults to 10s.
	DialTimeout time.Duration
	// Logger defaults to a no-op logger.
	Logger *zerolog.Logger
}

// Transport owns a single WebSocket and delivers decoded server frames.
//
// It reconnects with exponential backoff until stopped. Events are delivered
// on a single-consumer channel; backpressure is the consumer's problem.
type Transport struct {
	url         string
	dialTimeout time.Duration
	log         zerolog.Logger

	events chan Event

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	conn      *websocket.Conn
	connected bool
	attempt   int
	skipDelay bool

	writeMu sync.Mutex

	connectNow chan struct{}
	done       chan struct{}

	// backoffFn is replaced in tests to avoid real sleeps.
	backoffFn func(attempt int) time.Duration
}

// NewTransport returns a stopped transport for the given endpoint.
func NewTransport(cfg TransportConfig) *Transport {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return &Transport{
		url:         cfg.URL,
		dialTimeout: dialTimeout,
		log:         logger.With().Str("component", "transport").Logger(),
		events:      make(chan Event, 64),
		connectNow:  make(chan struct{}, 1),
		backoffFn:   BackoffDelay,
	}
}

// Events returns the lifecycle event stream. Single consumer.
func (t *Transport) Events() <-chan Event { return t.events }

// Attempt returns the current consecutive failed-attempt count.
func (t *Transport) Attempt() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempt
}

// BackoffDelay computes the reconnect delay for an attempt number:
// min(8, 0.2 + attempt^1.5 * 0.4) seconds, plus uniform jitter in [0, 4)
// once attempts reach 8.
func BackoffDelay(attempt int) time.Duration {
	seconds := 0.2 + math.Pow(float64(attempt), 1.5)*0.4
	if seconds > 8 {
		seconds = 8
	}
	if attempt >= 8 {
		seconds += rand.Float64() * 4
	}
	return time.Duration(seconds * float64(time.Second))
}

// Start begins connecting. Idempotent while running.
func (t *Transport) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.running = true
	t.cancel = cancel
	t.attempt = 0
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.run(ctx)
	}()
}

// Stop terminates the current socket and inhibits reconnection. Idempotent.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel := t.cancel
	conn := t.conn
	done := t.done
	t.mu.Unlock()

	t.emitNonBlocking(EventStopping{})
	cancel()
	if conn != nil {
		_ = conn.Close()
	}
	<-done
}

// Send serializes msg and writes one binary frame.
func (t *Transport) Send(msg *protocol.ClientMessage) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	payload, err := protocol.MarshalClientMessage(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return wrapErr(CodeNotConnected, "write frame", err)
	}
	return nil
}

// Reconnect cancels the current socket and schedules a new attempt. With
// skipDelay the pending backoff is bypassed.
func (t *Transport) Reconnect(skipDelay bool) {
	t.mu.Lock()
	if skipDelay {
		t.skipDelay = true
	}
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		// Closing unblocks the read loop, which re-enters the connect
		// cycle.
		_ = conn.Close()
		return
	}
	if skipDelay {
		select {
		case t.connectNow <- struct{}{}:
		default:
		}
	}
}

func (t *Transport) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		t.emit(ctx, EventConnecting{})
		conn, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.mu.Lock()
			t.attempt++
			attempt := t.attempt
			t.mu.Unlock()
			t.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			t.emit(ctx, EventDisconnected{Reason: err})
			if !t.waitBackoff(ctx, attempt) {
				return
			}
			continue
		}

		t.mu.Lock()
		t.conn = conn
		t.connected = true
		t.attempt = 0
		t.mu.Unlock()
		t.log.Debug().Msg("connected")
		t.emit(ctx, EventConnected{})

		reason := t.readLoop(ctx, conn)

		t.mu.Lock()
		t.conn = nil
		t.connected = false
		t.attempt++
		attempt := t.attempt
		t.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		t.log.Debug().Err(reason).Msg("disconnected")
		t.emit(ctx, EventDisconnected{Reason: reason})
		if !t.waitBackoff(ctx, attempt) {
			return
		}
	}
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: t.dialTimeout}
	conn, resp, err := dialer.DialContext(dialCtx, t.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", t.url, err)
	}
	return conn, nil
}

// readLoop decodes inbound frames until the socket fails. Text frames and
// malformed binary frames are logged and dropped.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.BinaryMessage {
			t.log.Error().Int("message_type", messageType).Msg("dropping non-binary frame")
			continue
		}
		msg, err := protocol.UnmarshalServerMessage(payload)
		if err != nil {
			t.log.Error().Err(err).Int("bytes", len(payload)).Msg("dropping malformed frame")
			continue
		}
		t.emit(ctx, EventMessage{Message: msg})
	}
}

// waitBackoff sleeps for the attempt's delay, returning early on Reconnect
// with skipDelay. Reports false when the transport is stopping.
func (t *Transport) waitBackoff(ctx context.Context, attempt int) bool {
	t.mu.Lock()
	skip := t.skipDelay
	t.skipDelay = false
	t.mu.Unlock()
	if skip {
		return ctx.Err() == nil
	}

	// Drain a stale connect-now signal from before this cycle.
	select {
	case <-t.connectNow:
		return ctx.Err() == nil
	default:
	}

	delay := t.backoffFn(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.connectNow:
		return true
	case <-timer.C:
		return true
	}
}

func (t *Transport) emit(ctx context.Context, ev Event) {
	select {
	case t.events <- ev:
	case <-ctx.Done():
	}
}

func (t *Transport) emitNonBlocking(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn().Msg("event channel full, dropping lifecycle event")
	}
}
