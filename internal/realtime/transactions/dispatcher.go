package transactions

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/realtime"
)

// Sender issues fire-and-forget RPCs; satisfied by realtime.ProtocolClient.
type Sender interface {
	SendRpc(method protocol.RpcMethod, input []byte) (uint64, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Queue  *Queue
	Sender Sender
	// Events is the connection event stream, typically from
	// ConnectionManager.Subscribe.
	Events <-chan realtime.ClientEvent
	// OnDropped receives transactions failed during RequeueAll so the app
	// can surface the errors. Optional.
	OnDropped func(dropped []*Wrapper)
	Logger    *zerolog.Logger
}

// Dispatcher drives the queue against the connection: it sends the head
// transaction when the link is open and routes acks, results, and errors
// back into the queue.
type Dispatcher struct {
	queue     *Queue
	sender    Sender
	events    <-chan realtime.ClientEvent
	onDropped func([]*Wrapper)
	log       zerolog.Logger

	mu      sync.Mutex
	open    bool
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewDispatcher wires a dispatcher. Call Start to begin processing.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Dispatcher{
		queue:     cfg.Queue,
		sender:    cfg.Sender,
		events:    cfg.Events,
		onDropped: cfg.OnDropped,
		log:       logger.With().Str("component", "transaction_dispatcher").Logger(),
	}
}

// Start launches the dispatch loop. Idempotent while running.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	stop, done := d.stop, d.done
	d.mu.Unlock()

	go func() {
		defer close(done)
		d.loop(stop)
	}()
}

// Stop halts the loop. Queued transactions stay journaled for the next run.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()
	<-done
}

func (d *Dispatcher) loop(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			d.handleEvent(ev)
		case <-d.queue.Notify():
			d.dispatch()
		}
	}
}

func (d *Dispatcher) handleEvent(ev realtime.ClientEvent) {
	switch ev := ev.(type) {
	case realtime.ClientOpen:
		d.mu.Lock()
		d.open = true
		d.mu.Unlock()
		dropped := d.queue.RequeueAll()
		if len(dropped) > 0 {
			d.log.Warn().Int("count", len(dropped)).Msg("dropped acked transactions after reconnect")
			if d.onDropped != nil {
				d.onDropped(dropped)
			}
		}
		d.dispatch()
	case realtime.ClientDisconnected:
		d.mu.Lock()
		d.open = false
		d.mu.Unlock()
		d.queue.ConnectionLost()
	case realtime.ClientAck:
		d.queue.Ack(ev.MsgID)
	case realtime.ClientRpcResult:
		d.queue.Complete(ev.MsgID, ev.Result)
		d.dispatch()
	case realtime.ClientRpcError:
		failure := ev.Failure
		d.queue.Fail(ev.MsgID, &failure)
		d.dispatch()
	}
}

// dispatch sends the queue head if the pipeline is idle and the link open.
func (d *Dispatcher) dispatch() {
	d.mu.Lock()
	open := d.open
	d.mu.Unlock()
	if !open || d.queue.Busy() {
		return
	}

	w := d.queue.Dequeue()
	if w == nil {
		return
	}
	msgID, err := d.sender.SendRpc(w.Tx.Method, w.Tx.Input)
	if err != nil {
		d.log.Debug().Err(err).Str("tx_id", w.ID.String()).Msg("send deferred, requeueing")
		// Sends only fail when the link dropped; stop until the next open.
		d.mu.Lock()
		d.open = false
		d.mu.Unlock()
		d.queue.Requeue(w.ID)
		return
	}
	d.queue.Running(w.ID, msgID)
}
