package realtime

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianchat/meridian/internal/protocol"
)

// ClientState is the protocol client's connection state.
type ClientState int32

const (
	StateIdle ClientState = iota
	StateConnecting
	StateHandshaking
	StateAuthenticating
	StateOpen
	StateBackoff
	StateStopped
)

func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateBackoff:
		return "backoff"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ClientEvent is a protocol-level notification delivered on Events().
type ClientEvent interface{ clientEvent() }

// ClientConnecting reports a transport dial in progress.
type ClientConnecting struct{}

// ClientOpen reports a completed handshake; RPCs flow from here.
type ClientOpen struct{}

// ClientRpcResult carries a server result frame. Result is the encoded
// per-method result; the caller that knows the method decodes it.
type ClientRpcResult struct {
	MsgID  uint64
	Result []byte
}

// ClientRpcError carries a server error frame.
type ClientRpcError struct {
	MsgID   uint64
	Failure RpcFailure
}

// ClientAck reports server receipt of a client message.
type ClientAck struct{ MsgID uint64 }

// ClientUpdates carries pushed updates for one bucket.
type ClientUpdates struct{ Payload *protocol.UpdatesPayload }

// ClientAuthFailed reports that the server rejected the credentials.
type ClientAuthFailed struct{}

// ClientPingTimeout reports a missed pong past the liveness timeout.
type ClientPingTimeout struct{}

// ClientDisconnected reports transport loss; a reconnect is scheduled
// unless the owner stops the client.
type ClientDisconnected struct{ Reason error }

func (ClientConnecting) clientEvent()   {}
func (ClientOpen) clientEvent()         {}
func (ClientRpcResult) clientEvent()    {}
func (ClientRpcError) clientEvent()     {}
func (ClientAck) clientEvent()          {}
func (ClientUpdates) clientEvent()      {}
func (ClientAuthFailed) clientEvent()   {}
func (ClientPingTimeout) clientEvent()  {}
func (ClientDisconnected) clientEvent() {}

// DefaultCallTimeout bounds an RPC round trip unless overridden per call.
const DefaultCallTimeout = 30 * time.Second

// defaultAuthTimeout bounds the ConnectionInit -> ConnectionOpen exchange.
const defaultAuthTimeout = 10 * time.Second

// TokenProvider returns the current auth token snapshot. Called on every
// handshake so rotated tokens are picked up without restarting.
type TokenProvider func() string

// ClientConfig configures a ProtocolClient.
type ClientConfig struct {
	Transport *Transport
	Token     TokenProvider
	// Build and Device are reported in ConnectionInit metadata.
	Build  string
	Device string
	// AuthTimeout defaults to 10s.
	AuthTimeout time.Duration
	Logger      *zerolog.Logger
}

// CallOpts tunes one CallRpc invocation.
type CallOpts struct {
	// Timeout overrides DefaultCallTimeout. Zero means the default; a
	// negative value disables the timeout.
	Timeout time.Duration
	// MayQueueBeforeOpen parks the call until the next open instead of
	// failing with ErrNotConnected. Defaults to true via CallRpc.
	MayQueueBeforeOpen bool
	// RetryAfterAck resends the call after reconnect even when the server
	// acked it; only safe for idempotent or query methods.
	RetryAfterAck bool
}

// Call is a pending RPC future. Await resolves exactly once.
type Call struct {
	MsgID  uint64
	Method protocol.RpcMethod

	done   chan struct{}
	result []byte
	err    error
}

// Await blocks for the result, the call's failure, or ctx cancellation.
func (c *Call) Await(ctx context.Context) ([]byte, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, wrapErr(CodeCancelled, "await rpc", ctx.Err())
	}
}

// Done is closed when the call resolves.
func (c *Call) Done() <-chan struct{} { return c.done }

type pendingCall struct {
	call          *Call
	frame         *protocol.ClientMessage
	timer         *time.Timer
	sent          bool
	acked         bool
	retryAfterAck bool
}

// ProtocolClient layers RPC matching, updates, and liveness over a
// Transport. It owns the pending-RPC table and the message id generator.
type ProtocolClient struct {
	transport   *Transport
	token       TokenProvider
	build       string
	device      string
	authTimeout time.Duration
	log         zerolog.Logger

	ids    *protocol.MsgIDGenerator
	events chan ClientEvent
	quit   chan struct{}

	mu        sync.Mutex
	state     ClientState
	seq       uint32
	pending   map[uint64]*pendingCall
	authTimer *time.Timer
	onPong    func(nonce uint64)
	loopDone  chan struct{}
	stopped   bool
}

// NewProtocolClient wires a client over the given transport.
func NewProtocolClient(cfg ClientConfig) *ProtocolClient {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	authTimeout := cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	return &ProtocolClient{
		transport:   cfg.Transport,
		token:       cfg.Token,
		build:       cfg.Build,
		device:      cfg.Device,
		authTimeout: authTimeout,
		log:         logger.With().Str("component", "protocol_client").Logger(),
		ids:         protocol.NewMsgIDGenerator(),
		events:      make(chan ClientEvent, 128),
		quit:        make(chan struct{}),
		state:       StateIdle,
		pending:     make(map[uint64]*pendingCall),
	}
}

// Events returns the protocol event stream. Single consumer.
func (c *ProtocolClient) Events() <-chan ClientEvent { return c.events }

// State returns the current connection state.
func (c *ProtocolClient) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetPongHandler routes inbound pongs, typically to a PingPongService.
func (c *ProtocolClient) SetPongHandler(fn func(nonce uint64)) {
	c.mu.Lock()
	c.onPong = fn
	c.mu.Unlock()
}

// Start starts the transport and the receive loop. Safe to call again
// after Pause; idempotent while running.
func (c *ProtocolClient) Start() {
	c.mu.Lock()
	c.stopped = false
	if c.state == StateStopped {
		c.setStateLocked(StateIdle)
	}
	if c.loopDone == nil {
		c.loopDone = make(chan struct{})
		done := c.loopDone
		go func() {
			defer close(done)
			c.loop()
		}()
	}
	c.mu.Unlock()

	c.transport.Start()
}

// Pause stops the transport but keeps parked and pending calls for the
// next Start. Used when an external precondition drops.
func (c *ProtocolClient) Pause() {
	c.mu.Lock()
	c.cancelAuthTimerLocked()
	if c.state != StateStopped {
		c.setStateLocked(StateIdle)
	}
	for _, p := range c.pending {
		p.sent = false
	}
	c.mu.Unlock()

	c.transport.Stop()
}

// Stop stops the transport and fails every pending call with ErrStopped.
func (c *ProtocolClient) Stop() {
	c.mu.Lock()
	if c.loopDone == nil {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	done := c.loopDone
	c.loopDone = nil
	c.setStateLocked(StateStopped)
	c.mu.Unlock()

	// Unblock an emit stuck on a full buffer so the loop can exit.
	close(c.quit)
	c.transport.Stop()
	// The transport's stopping event is dropped when its buffer is full, so
	// feed one directly until the loop has seen it.
	select {
	case c.transport.events <- EventStopping{}:
	case <-done:
	}
	<-done
	c.failAllPending(ErrStopped)
	// Terminal stop: no emitter remains, so consumers can drain and exit.
	close(c.events)
}

// Reconnect marks pending RPCs resumable and bounces the transport.
func (c *ProtocolClient) Reconnect(skipDelay bool) {
	c.mu.Lock()
	for _, p := range c.pending {
		p.sent = false
	}
	c.mu.Unlock()
	c.transport.Reconnect(skipDelay)
}

// SendRpc sends a call without a future and returns the assigned message
// id. Fails with ErrNotConnected unless the connection is open.
func (c *ProtocolClient) SendRpc(method protocol.RpcMethod, input []byte) (uint64, error) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	frame := c.newFrameLocked(&protocol.RpcCall{Method: method, Input: input})
	c.mu.Unlock()

	if err := c.transport.Send(frame); err != nil {
		return 0, err
	}
	return frame.ID, nil
}

// CallRpc sends a call and returns a future for its result. Unless
// disabled, calls made before the connection is open are parked and sent on
// the next open.
func (c *ProtocolClient) CallRpc(method protocol.RpcMethod, input []byte, opts *CallOpts) (*Call, error) {
	options := CallOpts{MayQueueBeforeOpen: true}
	if opts != nil {
		options = *opts
	}
	timeout := options.Timeout
	if timeout == 0 {
		timeout = DefaultCallTimeout
	}

	c.mu.Lock()
	if c.state != StateOpen && !options.MayQueueBeforeOpen {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	frame := c.newFrameLocked(&protocol.RpcCall{Method: method, Input: input})
	call := &Call{MsgID: frame.ID, Method: method, done: make(chan struct{})}
	p := &pendingCall{call: call, frame: frame, retryAfterAck: options.RetryAfterAck}
	if timeout > 0 {
		msgID := frame.ID
		p.timer = time.AfterFunc(timeout, func() { c.timeoutCall(msgID) })
	}
	c.pending[frame.ID] = p
	open := c.state == StateOpen
	c.mu.Unlock()

	if open {
		c.sendPending(frame.ID)
	}
	return call, nil
}

// SendPing transmits a liveness probe. Best effort: failures are logged.
func (c *ProtocolClient) SendPing(nonce uint64) {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	frame := c.newFrameLocked(&protocol.Ping{Nonce: nonce})
	c.mu.Unlock()

	if err := c.transport.Send(frame); err != nil {
		c.log.Debug().Err(err).Msg("ping send failed")
	}
}

// newFrameLocked assigns the next message id and connection sequence.
func (c *ProtocolClient) newFrameLocked(body protocol.ClientBody) *protocol.ClientMessage {
	c.seq++
	return &protocol.ClientMessage{ID: c.ids.Next(), Seq: c.seq, Body: body}
}

func (c *ProtocolClient) loop() {
	for ev := range c.transport.Events() {
		switch ev := ev.(type) {
		case EventConnecting:
			c.setState(StateConnecting)
			c.emit(ClientConnecting{})
		case EventConnected:
			c.handleConnected()
		case EventMessage:
			c.handleMessage(ev.Message)
		case EventStopping:
			c.mu.Lock()
			stopped := c.stopped
			c.mu.Unlock()
			if stopped {
				return
			}
		case EventDisconnected:
			c.handleDisconnected(ev.Reason)
		}
	}
}

func (c *ProtocolClient) handleConnected() {
	token := ""
	if c.token != nil {
		token = c.token()
	}

	c.mu.Lock()
	c.setStateLocked(StateHandshaking)
	c.seq = 0
	frame := c.newFrameLocked(&protocol.ConnectionInit{
		Token:  token,
		Layer:  protocol.Layer,
		Build:  c.build,
		Device: c.device,
	})
	c.mu.Unlock()

	if err := c.transport.Send(frame); err != nil {
		c.log.Warn().Err(err).Msg("connection init send failed")
		c.transport.Reconnect(false)
		return
	}

	c.mu.Lock()
	c.setStateLocked(StateAuthenticating)
	c.armAuthTimerLocked()
	c.mu.Unlock()
}

func (c *ProtocolClient) armAuthTimerLocked() {
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.authTimer = time.AfterFunc(c.authTimeout, func() {
		c.mu.Lock()
		expired := c.state == StateAuthenticating || c.state == StateHandshaking
		c.mu.Unlock()
		if expired {
			c.log.Warn().Dur("timeout", c.authTimeout).Msg("handshake timed out")
			c.transport.Reconnect(false)
		}
	})
}

func (c *ProtocolClient) cancelAuthTimerLocked() {
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}
}

func (c *ProtocolClient) handleMessage(msg *protocol.ServerMessage) {
	switch body := msg.Body.(type) {
	case *protocol.ConnectionOpen:
		c.mu.Lock()
		c.cancelAuthTimerLocked()
		c.setStateLocked(StateOpen)
		resend := c.unsentIDsLocked()
		c.mu.Unlock()
		c.emit(ClientOpen{})
		for _, id := range resend {
			c.sendPending(id)
		}
	case *protocol.RpcResult:
		c.resolveCall(body.ReqMsgID, body.Result, nil)
		c.emit(ClientRpcResult{MsgID: body.ReqMsgID, Result: body.Result})
	case *protocol.RpcError:
		failure := RpcFailure{ErrorCode: body.ErrorCode, Code: body.Code, Message: body.Message}
		c.resolveCall(body.ReqMsgID, nil, &failure)
		c.emit(ClientRpcError{MsgID: body.ReqMsgID, Failure: failure})
	case *protocol.Ack:
		c.mu.Lock()
		if p, ok := c.pending[body.MsgID]; ok {
			p.acked = true
		}
		c.mu.Unlock()
		c.emit(ClientAck{MsgID: body.MsgID})
	case *protocol.UpdatesPayload:
		c.emit(ClientUpdates{Payload: body})
	case *protocol.Pong:
		c.mu.Lock()
		onPong := c.onPong
		c.mu.Unlock()
		if onPong != nil {
			onPong(body.Nonce)
		}
	case *protocol.ConnectionError:
		c.handleConnectionError(body)
	}
}

func (c *ProtocolClient) handleConnectionError(connErr *protocol.ConnectionError) {
	c.log.Warn().Uint32("code", connErr.Code).Str("message", connErr.Message).Msg("connection error from server")
	if connErr.Code == protocol.ConnErrUnauthorized {
		// The owner clears the auth constraint; no reconnect until new
		// credentials arrive.
		c.emit(ClientAuthFailed{})
		return
	}
	c.transport.Reconnect(false)
}

func (c *ProtocolClient) handleDisconnected(reason error) {
	c.mu.Lock()
	c.cancelAuthTimerLocked()
	if c.state != StateStopped {
		c.setStateLocked(StateBackoff)
	}
	var dropped []*pendingCall
	for id, p := range c.pending {
		if p.sent && p.acked && !p.retryAfterAck {
			delete(c.pending, id)
			dropped = append(dropped, p)
			continue
		}
		p.sent = false
	}
	c.mu.Unlock()

	for _, p := range dropped {
		if p.timer != nil {
			p.timer.Stop()
		}
		c.resolve(p.call, nil, ErrAckedButNoResult)
	}
	c.emit(ClientDisconnected{Reason: reason})
}

// unsentIDsLocked returns pending calls awaiting (re)send in id order, so
// parked calls go out in the order they were made.
func (c *ProtocolClient) unsentIDsLocked() []uint64 {
	var ids []uint64
	for id, p := range c.pending {
		if !p.sent {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *ProtocolClient) sendPending(msgID uint64) {
	c.mu.Lock()
	p, ok := c.pending[msgID]
	if !ok || p.sent {
		c.mu.Unlock()
		return
	}
	p.sent = true
	frame := p.frame
	c.mu.Unlock()

	if err := c.transport.Send(frame); err != nil {
		c.mu.Lock()
		if p, ok := c.pending[msgID]; ok {
			p.sent = false
		}
		c.mu.Unlock()
		c.log.Debug().Err(err).Uint64("msg_id", msgID).Msg("rpc send deferred")
	}
}

func (c *ProtocolClient) timeoutCall(msgID uint64) {
	c.mu.Lock()
	p, ok := c.pending[msgID]
	if ok {
		delete(c.pending, msgID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.resolve(p.call, nil, ErrTimeout)
}

// resolveCall completes the future for msgID. Late replies for timed-out
// calls find no entry and are dropped.
func (c *ProtocolClient) resolveCall(msgID uint64, result []byte, failure *RpcFailure) {
	c.mu.Lock()
	p, ok := c.pending[msgID]
	if ok {
		delete(c.pending, msgID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if failure != nil {
		c.resolve(p.call, nil, failure)
		return
	}
	c.resolve(p.call, result, nil)
}

func (c *ProtocolClient) resolve(call *Call, result []byte, err error) {
	call.result = result
	call.err = err
	close(call.done)
}

func (c *ProtocolClient) failAllPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()
	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		c.resolve(p.call, nil, err)
	}
}

func (c *ProtocolClient) setState(next ClientState) {
	c.mu.Lock()
	c.setStateLocked(next)
	c.mu.Unlock()
}

func (c *ProtocolClient) setStateLocked(next ClientState) {
	if c.state == next {
		return
	}
	c.log.Debug().Str("from", c.state.String()).Str("to", next.String()).Msg("state change")
	c.state = next
}

// emit blocks until the consumer accepts the event. Dropping here would
// lose RPC completions, so backpressure propagates to the transport
// instead; Stop unblocks a pending emit.
func (c *ProtocolClient) emit(ev ClientEvent) {
	select {
	case c.events <- ev:
	case <-c.quit:
	}
}
