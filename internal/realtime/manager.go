package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ManagerState is the connection manager's lifecycle state.
type ManagerState int32

const (
	ManagerIdle ManagerState = iota
	ManagerWaitingForConstraints
	ManagerConnecting
	ManagerHandshaking
	ManagerAuthenticating
	ManagerConnected
	ManagerBackoff
	ManagerStopped
)

func (s ManagerState) String() string {
	switch s {
	case ManagerIdle:
		return "idle"
	case ManagerWaitingForConstraints:
		return "waiting_for_constraints"
	case ManagerConnecting:
		return "connecting"
	case ManagerHandshaking:
		return "handshaking"
	case ManagerAuthenticating:
		return "authenticating"
	case ManagerConnected:
		return "connected"
	case ManagerBackoff:
		return "backoff"
	case ManagerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Constraints are the external preconditions for running the transport.
// The manager connects only while all three hold.
type Constraints struct {
	AuthAvailable bool
	NetworkUp     bool
	Foregrounded  bool
}

func (c Constraints) satisfied() bool {
	return c.AuthAvailable && c.NetworkUp && c.Foregrounded
}

// Snapshot is a read-only view of the manager.
type Snapshot struct {
	State           ManagerState
	Reason          error
	Constraints     Constraints
	Attempt         int
	LastConnectedAt time.Time
}

// ManagerConfig configures a ConnectionManager.
type ManagerConfig struct {
	Client    *ProtocolClient
	Transport *Transport
	// PingInterval defaults to 5s.
	PingInterval time.Duration
	// PingTimeout defaults to 6s; PingTimeoutConstrained to 12s, applied
	// while SetLinkConstrained(true) is in effect.
	PingTimeout            time.Duration
	PingTimeoutConstrained time.Duration
	// ForegroundDebounce collapses foreground flaps into one reconnect.
	// Defaults to 150ms.
	ForegroundDebounce time.Duration
	Logger             *zerolog.Logger
}

// ConnectionManager gates the ProtocolClient on external constraints and
// owns the liveness prober. All pushed client events are fanned out to
// subscribers in arrival order.
type ConnectionManager struct {
	client    *ProtocolClient
	transport *Transport
	pings     *PingPongService
	log       zerolog.Logger

	pingTimeout     time.Duration
	pingConstrained time.Duration
	fgDebounce      time.Duration

	mu            sync.Mutex
	state         ManagerState
	reason        error
	constraints   Constraints
	constrained   bool
	clientRunning bool
	started       bool
	fgTimer       *time.Timer
	lastConnected time.Time
	subs          []chan ClientEvent
	loopDone      chan struct{}
}

// NewConnectionManager wires a manager over the given client and transport.
func NewConnectionManager(cfg ManagerConfig) *ConnectionManager {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	pingTimeout := cfg.PingTimeout
	if pingTimeout <= 0 {
		pingTimeout = 6 * time.Second
	}
	pingConstrained := cfg.PingTimeoutConstrained
	if pingConstrained <= 0 {
		pingConstrained = 12 * time.Second
	}
	fgDebounce := cfg.ForegroundDebounce
	if fgDebounce <= 0 {
		fgDebounce = 150 * time.Millisecond
	}

	m := &ConnectionManager{
		client:          cfg.Client,
		transport:       cfg.Transport,
		log:             logger.With().Str("component", "connection_manager").Logger(),
		pingTimeout:     pingTimeout,
		pingConstrained: pingConstrained,
		fgDebounce:      fgDebounce,
		state:           ManagerIdle,
	}
	m.pings = NewPingPongService(PingPongConfig{
		Interval:  cfg.PingInterval,
		Timeout:   pingTimeout,
		SendPing:  m.client.SendPing,
		OnTimeout: m.onPingTimeout,
		Logger:    cfg.Logger,
	})
	m.client.SetPongHandler(m.pings.Pong)
	return m
}

// Subscribe returns a new event stream. Events are dropped for slow
// subscribers, so consumers must keep up.
func (m *ConnectionManager) Subscribe() <-chan ClientEvent {
	ch := make(chan ClientEvent, 64)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Start begins consuming client events and connects once constraints hold.
// Idempotent while running.
func (m *ConnectionManager) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.state = ManagerIdle
	m.loopDone = make(chan struct{})
	done := m.loopDone
	action := m.evaluateLocked()
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.loop()
	}()
	m.apply(action)
}

// Stop shuts everything down. Pending RPCs fail with ErrStopped.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.clientRunning = false
	m.setStateLocked(ManagerStopped, nil)
	if m.fgTimer != nil {
		m.fgTimer.Stop()
		m.fgTimer = nil
	}
	done := m.loopDone
	m.mu.Unlock()

	m.pings.Stop()
	m.client.Stop()
	if done != nil {
		<-done
	}
}

// SetAuthAvailable records token availability. Idempotent.
func (m *ConnectionManager) SetAuthAvailable(ok bool) {
	m.setConstraint(func(c *Constraints) bool {
		if c.AuthAvailable == ok {
			return false
		}
		c.AuthAvailable = ok
		return true
	})
}

// SetNetworkUp records network reachability. Idempotent.
func (m *ConnectionManager) SetNetworkUp(ok bool) {
	m.setConstraint(func(c *Constraints) bool {
		if c.NetworkUp == ok {
			return false
		}
		c.NetworkUp = ok
		return true
	})
}

// SetForegrounded records app visibility. Foreground transitions are
// debounced so rapid flapping collapses into a single reconnect.
func (m *ConnectionManager) SetForegrounded(ok bool) {
	m.mu.Lock()
	if m.constraints.Foregrounded == ok {
		m.mu.Unlock()
		return
	}
	m.constraints.Foregrounded = ok

	if !ok {
		if m.fgTimer != nil {
			m.fgTimer.Stop()
			m.fgTimer = nil
		}
		action := m.evaluateLocked()
		m.mu.Unlock()
		m.apply(action)
		return
	}

	if m.fgTimer != nil {
		m.mu.Unlock()
		return
	}
	m.fgTimer = time.AfterFunc(m.fgDebounce, m.foregroundFired)
	m.mu.Unlock()
}

func (m *ConnectionManager) foregroundFired() {
	m.mu.Lock()
	m.fgTimer = nil
	if !m.constraints.Foregrounded {
		m.mu.Unlock()
		return
	}
	action := m.evaluateLocked()
	backoff := m.state == ManagerBackoff
	m.mu.Unlock()

	m.apply(action)
	if backoff {
		m.client.Reconnect(true)
	}
}

// SetLinkConstrained widens or restores the ping timeout for poor links.
func (m *ConnectionManager) SetLinkConstrained(constrained bool) {
	m.mu.Lock()
	m.constrained = constrained
	timeout := m.pingTimeout
	if constrained {
		timeout = m.pingConstrained
	}
	m.mu.Unlock()
	m.pings.SetTimeout(timeout)
}

// ConnectNow clears any pending backoff and dials immediately, provided
// constraints allow it.
func (m *ConnectionManager) ConnectNow() {
	m.mu.Lock()
	if !m.started || !m.constraints.satisfied() {
		m.mu.Unlock()
		return
	}
	action := m.evaluateLocked()
	running := m.clientRunning
	m.mu.Unlock()

	m.apply(action)
	if running && action == actionNone {
		m.client.Reconnect(true)
	}
}

// CurrentSnapshot returns a read-only view of the manager.
func (m *ConnectionManager) CurrentSnapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		State:           m.state,
		Reason:          m.reason,
		Constraints:     m.constraints,
		LastConnectedAt: m.lastConnected,
	}
	m.mu.Unlock()

	if m.transport != nil {
		snap.Attempt = m.transport.Attempt()
	}
	// Refine the dial phase from the client's own state machine.
	if snap.State == ManagerConnecting {
		switch m.client.State() {
		case StateHandshaking:
			snap.State = ManagerHandshaking
		case StateAuthenticating:
			snap.State = ManagerAuthenticating
		}
	}
	return snap
}

// Client exposes the underlying protocol client for RPC issuance.
func (m *ConnectionManager) Client() *ProtocolClient { return m.client }

type managerAction int

const (
	actionNone managerAction = iota
	actionStartClient
	actionPauseClient
)

func (m *ConnectionManager) setConstraint(update func(*Constraints) bool) {
	m.mu.Lock()
	if !update(&m.constraints) {
		m.mu.Unlock()
		return
	}
	action := m.evaluateLocked()
	m.mu.Unlock()
	m.apply(action)
}

// evaluateLocked reconciles desired vs actual client state and returns the
// side effect to run outside the lock.
func (m *ConnectionManager) evaluateLocked() managerAction {
	if !m.started || m.state == ManagerStopped {
		return actionNone
	}
	if m.constraints.satisfied() {
		if !m.clientRunning {
			m.clientRunning = true
			m.setStateLocked(ManagerConnecting, nil)
			return actionStartClient
		}
		return actionNone
	}
	if m.clientRunning {
		m.clientRunning = false
		m.setStateLocked(ManagerWaitingForConstraints, nil)
		return actionPauseClient
	}
	m.setStateLocked(ManagerWaitingForConstraints, nil)
	return actionNone
}

func (m *ConnectionManager) apply(action managerAction) {
	switch action {
	case actionStartClient:
		m.client.Start()
	case actionPauseClient:
		m.pings.Stop()
		m.client.Pause()
	}
}

func (m *ConnectionManager) loop() {
	for ev := range m.client.Events() {
		switch ev := ev.(type) {
		case ClientConnecting:
			m.mu.Lock()
			if m.state == ManagerBackoff || m.state == ManagerConnecting {
				m.setStateLocked(ManagerConnecting, m.reason)
			}
			m.mu.Unlock()
		case ClientOpen:
			m.mu.Lock()
			m.setStateLocked(ManagerConnected, nil)
			m.lastConnected = time.Now()
			m.mu.Unlock()
			m.pings.Reset()
			m.pings.Start()
		case ClientDisconnected:
			m.pings.Stop()
			m.mu.Lock()
			if m.started && m.clientRunning {
				m.setStateLocked(ManagerBackoff, ev.Reason)
			}
			m.mu.Unlock()
		case ClientAuthFailed:
			m.handleAuthFailed()
		}
		m.fanOut(ev)

		m.mu.Lock()
		stopped := !m.started && m.state == ManagerStopped
		m.mu.Unlock()
		if stopped {
			return
		}
	}
}

func (m *ConnectionManager) handleAuthFailed() {
	m.log.Warn().Msg("credentials rejected, pausing until a new token arrives")
	m.mu.Lock()
	m.constraints.AuthAvailable = false
	action := m.evaluateLocked()
	m.reason = ErrAuthFailed
	m.mu.Unlock()
	m.apply(action)
}

func (m *ConnectionManager) onPingTimeout() {
	m.mu.Lock()
	running := m.clientRunning
	if running {
		m.setStateLocked(ManagerBackoff, ErrPingTimeout)
	}
	m.mu.Unlock()
	if !running {
		return
	}
	m.fanOut(ClientPingTimeout{})
	m.client.Reconnect(true)
}

func (m *ConnectionManager) fanOut(ev ClientEvent) {
	m.mu.Lock()
	subs := m.subs
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			m.log.Warn().Msg("subscriber channel full, dropping event")
		}
	}
}

func (m *ConnectionManager) setStateLocked(next ManagerState, reason error) {
	m.reason = reason
	if m.state == next {
		return
	}
	m.log.Debug().Str("from", m.state.String()).Str("to", next.String()).Msg("state change")
	m.state = next
}
