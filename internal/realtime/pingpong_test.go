package realtime

import (
	"sync"
	"testing"
	"time"
)

func TestPingPongAnsweredPingsKeepConnectionAlive(t *testing.T) {
	var mu sync.Mutex
	timedOut := false

	var service *PingPongService
	service = NewPingPongService(PingPongConfig{
		Interval: 10 * time.Millisecond,
		Timeout:  30 * time.Millisecond,
		SendPing: func(nonce uint64) { service.Pong(nonce) },
		OnTimeout: func() {
			mu.Lock()
			timedOut = true
			mu.Unlock()
		},
	})
	service.Start()
	defer service.Stop()

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if timedOut {
		t.Fatalf("answered pings must not time out")
	}
}

func TestPingPongUnansweredPingTriggersTimeoutOnce(t *testing.T) {
	timeouts := make(chan struct{}, 4)
	service := NewPingPongService(PingPongConfig{
		Interval:  10 * time.Millisecond,
		Timeout:   20 * time.Millisecond,
		SendPing:  func(uint64) {},
		OnTimeout: func() { timeouts <- struct{}{} },
	})
	service.Start()

	select {
	case <-timeouts:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for ping timeout")
	}

	// The service stops itself on timeout; no further callbacks fire.
	time.Sleep(100 * time.Millisecond)
	select {
	case <-timeouts:
		t.Fatalf("timeout callback fired more than once")
	default:
	}
}

func TestPingPongUnknownNonceIgnored(t *testing.T) {
	sent := make(chan uint64, 16)
	timeouts := make(chan struct{}, 1)
	service := NewPingPongService(PingPongConfig{
		Interval:  10 * time.Millisecond,
		Timeout:   40 * time.Millisecond,
		SendPing:  func(nonce uint64) { sent <- nonce },
		OnTimeout: func() { timeouts <- struct{}{} },
	})
	service.Start()
	defer service.Stop()

	// Answer with a wrong nonce; the real one stays outstanding.
	var real uint64
	select {
	case real = <-sent:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for ping")
	}
	service.Pong(real + 1)

	select {
	case <-timeouts:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected timeout despite bogus pong")
	}
}

func TestPingPongResetDropsOutstandingNonces(t *testing.T) {
	sent := make(chan uint64, 16)
	timeouts := make(chan struct{}, 1)
	service := NewPingPongService(PingPongConfig{
		Interval:  10 * time.Millisecond,
		Timeout:   25 * time.Millisecond,
		SendPing:  func(nonce uint64) { sent <- nonce },
		OnTimeout: func() { timeouts <- struct{}{} },
	})
	service.Start()
	defer service.Stop()

	go func() {
		for range sent {
			// Keep resetting before any ping can age past the timeout.
			service.Reset()
		}
	}()

	select {
	case <-timeouts:
		t.Fatalf("reset pings must not time out")
	case <-time.After(120 * time.Millisecond):
	}
}
