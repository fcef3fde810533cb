package realtime

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PingPongConfig configures the liveness prober.
type PingPongConfig struct {
	// Interval between pings. Defaults to 5s.
	Interval time.Duration
	// Timeout after which an unanswered ping is considered lost. Defaults
	// to 6s; the connection manager widens it for constrained links.
	Timeout time.Duration
	// SendPing transmits one ping. Send errors are the sender's to swallow.
	SendPing func(nonce uint64)
	// OnTimeout asks the owner to reconnect. Called at most once per
	// detection; outstanding pings are dropped before the call.
	OnTimeout func()
	Logger    *zerolog.Logger
}

// PingPongService detects dead connections by tracking unanswered pings.
type PingPongService struct {
	sendPing  func(nonce uint64)
	onTimeout func()
	log       zerolog.Logger

	mu       sync.Mutex
	interval time.Duration
	timeout  time.Duration
	pending  map[uint64]time.Time
	stop     chan struct{}
	running  bool

	now      func() time.Time
	newNonce func() uint64
}

// NewPingPongService returns a stopped prober.
func NewPingPongService(cfg PingPongConfig) *PingPongService {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	return &PingPongService{
		sendPing:  cfg.SendPing,
		onTimeout: cfg.OnTimeout,
		log:       logger.With().Str("component", "pingpong").Logger(),
		interval:  interval,
		timeout:   timeout,
		pending:   make(map[uint64]time.Time),
		now:       time.Now,
		newNonce:  randomNonce,
	}
}

func randomNonce() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing is unrecoverable; fall back to the clock so
		// liveness keeps working with weaker nonces.
		return uint64(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint64(buf[:])
}

// Start begins probing. Idempotent while running.
func (p *PingPongService) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stop = make(chan struct{})
	stop := p.stop
	interval := p.interval
	p.mu.Unlock()

	go p.loop(stop, interval)
}

// Stop halts probing and drops outstanding nonces. Idempotent.
func (p *PingPongService) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.pending = make(map[uint64]time.Time)
	p.mu.Unlock()
}

// Reset drops all outstanding nonces without stopping the prober.
func (p *PingPongService) Reset() {
	p.mu.Lock()
	p.pending = make(map[uint64]time.Time)
	p.mu.Unlock()
}

// SetTimeout changes the active timeout, e.g. when the link quality changes.
func (p *PingPongService) SetTimeout(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	p.mu.Lock()
	p.timeout = timeout
	p.mu.Unlock()
}

// Pong records a pong. Unknown nonces are ignored.
func (p *PingPongService) Pong(nonce uint64) {
	p.mu.Lock()
	delete(p.pending, nonce)
	p.mu.Unlock()
}

func (p *PingPongService) loop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if p.tick() {
				return
			}
		}
	}
}

// tick checks outstanding pings and sends a new one. Reports true when a
// timeout fired and the loop should exit.
func (p *PingPongService) tick() bool {
	p.mu.Lock()
	now := p.now()
	timeout := p.timeout
	overdue := false
	for _, sentAt := range p.pending {
		if now.Sub(sentAt) > timeout {
			overdue = true
			break
		}
	}
	if overdue {
		p.pending = make(map[uint64]time.Time)
		p.running = false
		close(p.stop)
		p.mu.Unlock()
		p.log.Warn().Dur("timeout", timeout).Msg("ping timed out")
		if p.onTimeout != nil {
			p.onTimeout()
		}
		return true
	}

	nonce := p.newNonce()
	p.pending[nonce] = now
	p.mu.Unlock()

	if p.sendPing != nil {
		p.sendPing(nonce)
	}
	return false
}
