// Package sync implements the client catch-up engine: it tracks per-bucket
// cursors, pulls missed updates after reconnects and notifications, and
// applies them in order.
package sync

import (
	"context"
	"fmt"
	"sort"
	sysync "sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/realtime"
)

// Caller performs one RPC round trip and returns the raw result bytes.
type Caller interface {
	Invoke(ctx context.Context, method protocol.RpcMethod, input []byte) ([]byte, error)
}

// ClientCaller adapts a realtime.ProtocolClient to the Caller interface
// with catch-up friendly options: calls queue before open and are safe to
// resend after an ack.
type ClientCaller struct {
	Client  *realtime.ProtocolClient
	Timeout time.Duration
}

func (c ClientCaller) Invoke(ctx context.Context, method protocol.RpcMethod, input []byte) ([]byte, error) {
	call, err := c.Client.CallRpc(method, input, &realtime.CallOpts{
		Timeout:            c.Timeout,
		MayQueueBeforeOpen: true,
		RetryAfterAck:      true,
	})
	if err != nil {
		return nil, err
	}
	return call.Await(ctx)
}

// ApplyFunc consumes ordered updates for one bucket. It must be idempotent
// for repeated sequence numbers; the engine never delivers out of order.
type ApplyFunc func(bucket protocol.Bucket, updates []protocol.Update) error

// Config configures an Engine.
type Config struct {
	Caller Caller
	Store  CursorStore
	// Events is the connection event stream, typically from
	// ConnectionManager.Subscribe.
	Events <-chan realtime.ClientEvent
	Apply  ApplyFunc
	// Interest lists the buckets checked on every state fetch.
	Interest func() []protocol.Bucket
	// EnableMessageUpdates applies newMessage/editMessage payloads; when
	// false those are skipped and message content is pulled lazily via
	// history RPCs. Cursors still advance.
	EnableMessageUpdates bool
	// SafetyGap is subtracted from the server date when advancing the
	// global watermark. Defaults to 15s.
	SafetyGap time.Duration
	// FetchTimeout bounds one catch-up RPC. Defaults to 30s.
	FetchTimeout time.Duration
	// FetchLimit is the page size for getUpdates. Defaults to 100.
	FetchLimit uint32
	// Registry receives the engine's metrics. Defaults to a private
	// registry so independent engines never collide.
	Registry prometheus.Registerer
	Logger   *zerolog.Logger
}

type fetchState struct {
	inFlight bool
	again    bool
}

// Engine drives bucket catch-up. One engine per account session.
type Engine struct {
	caller         Caller
	store          CursorStore
	events         <-chan realtime.ClientEvent
	apply          ApplyFunc
	interest       func() []protocol.Bucket
	messageUpdates bool
	safetyGap      time.Duration
	fetchTimeout   time.Duration
	fetchLimit     uint32
	log            zerolog.Logger

	tooLong prometheus.Counter

	mu      sysync.Mutex
	fetches map[protocol.Bucket]*fetchState
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sysync.WaitGroup
}

// NewEngine wires a sync engine. Call Start to begin processing.
func NewEngine(cfg Config) *Engine {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	safetyGap := cfg.SafetyGap
	if safetyGap <= 0 {
		safetyGap = 15 * time.Second
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 30 * time.Second
	}
	fetchLimit := cfg.FetchLimit
	if fetchLimit == 0 {
		fetchLimit = 100
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	tooLong := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "meridian_bucket_fetch_too_long_total",
		Help: "Catch-up fetches answered with TOO_LONG, forcing a cursor fast-forward.",
	})
	registry.MustRegister(tooLong)

	return &Engine{
		caller:         cfg.Caller,
		store:          cfg.Store,
		events:         cfg.Events,
		apply:          cfg.Apply,
		interest:       cfg.Interest,
		messageUpdates: cfg.EnableMessageUpdates,
		safetyGap:      safetyGap,
		fetchTimeout:   fetchTimeout,
		fetchLimit:     fetchLimit,
		log:            logger.With().Str("component", "sync_engine").Logger(),
		tooLong:        tooLong,
		fetches:        make(map[protocol.Bucket]*fetchState),
	}
}

// Start launches the event loop. Idempotent while running.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.done = make(chan struct{})
	done := e.done
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.loop()
	}()
}

// Stop cancels in-flight fetches and halts the loop.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done
	e.wg.Wait()
}

// TriggerBucket schedules a catch-up fetch for one bucket. Triggers while a
// fetch is in flight coalesce into a single follow-up.
func (e *Engine) TriggerBucket(bucket protocol.Bucket) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	fs := e.fetches[bucket]
	if fs == nil {
		fs = &fetchState{}
		e.fetches[bucket] = fs
	}
	if fs.inFlight {
		fs.again = true
		e.mu.Unlock()
		return
	}
	fs.inFlight = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.fetchLoop(bucket)
	}()
}

// TriggerAll re-checks every interesting bucket against the server, e.g.
// on a foreground transition.
func (e *Engine) TriggerAll() {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.syncAll()
	}()
}

func (e *Engine) loop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-e.events:
			if !ok {
				return
			}
			switch ev := ev.(type) {
			case realtime.ClientOpen:
				e.TriggerAll()
			case realtime.ClientUpdates:
				e.handlePush(ev.Payload)
			}
		}
	}
}

// syncAll asks the server for its cursor on every interesting bucket and
// schedules fetches for the ones that moved ahead.
func (e *Engine) syncAll() {
	var buckets []protocol.Bucket
	if e.interest != nil {
		buckets = e.interest()
	}

	input, err := protocol.MarshalRpcInput(protocol.MethodGetUpdatesState, &protocol.GetUpdatesStateInput{Buckets: buckets})
	if err != nil {
		e.log.Error().Err(err).Msg("encode updates state input")
		return
	}
	raw, err := e.call(protocol.MethodGetUpdatesState, input)
	if err != nil {
		e.log.Warn().Err(err).Msg("updates state fetch failed")
		return
	}
	decoded, err := protocol.UnmarshalRpcResult(protocol.MethodGetUpdatesState, raw)
	if err != nil {
		e.log.Error().Err(err).Msg("decode updates state result")
		return
	}
	result := decoded.(*protocol.GetUpdatesStateResult)

	var maxDate int64
	for _, state := range result.States {
		if state.Date > maxDate {
			maxDate = state.Date
		}
		local, _, err := e.store.BucketState(e.ctx, state.Bucket)
		if err != nil {
			e.log.Error().Err(err).Msg("read bucket cursor")
			continue
		}
		if state.Pts > local.Seq {
			e.TriggerBucket(state.Bucket)
		}
	}
	e.advanceWatermark(maxDate)
}

// handlePush applies pushed updates when they extend the cursor
// contiguously; any gap falls back to a fetch.
func (e *Engine) handlePush(payload *protocol.UpdatesPayload) {
	if payload == nil {
		return
	}

	var concrete []protocol.Update
	for _, update := range payload.Updates {
		switch p := update.Payload.(type) {
		case *protocol.UpdateChatHasNew:
			e.TriggerBucket(protocol.Bucket{Kind: protocol.BucketKindChat, EntityID: p.ChatID})
		case *protocol.UpdateSpaceHasNew:
			e.TriggerBucket(protocol.Bucket{Kind: protocol.BucketKindSpace, EntityID: p.SpaceID})
		case *protocol.UpdateUserHasNew:
			e.TriggerBucket(protocol.Bucket{Kind: protocol.BucketKindUser, EntityID: p.UserID})
		default:
			concrete = append(concrete, update)
		}
	}
	if len(concrete) == 0 {
		return
	}

	SortUpdates(concrete)
	local, known, err := e.store.BucketState(e.ctx, payload.Bucket)
	if err != nil {
		e.log.Error().Err(err).Msg("read bucket cursor")
		return
	}
	if known && concrete[0].Seq > local.Seq+1 {
		// Gap between the cursor and the push; pull the whole range.
		e.TriggerBucket(payload.Bucket)
		return
	}
	if err := e.applyOrdered(payload.Bucket, concrete, local.Seq); err != nil {
		e.log.Error().Err(err).Msg("apply pushed updates")
	}
}

func (e *Engine) fetchLoop(bucket protocol.Bucket) {
	for {
		e.fetchBucket(bucket)

		e.mu.Lock()
		fs := e.fetches[bucket]
		if fs != nil && fs.again {
			fs.again = false
			e.mu.Unlock()
			continue
		}
		if fs != nil {
			fs.inFlight = false
		}
		e.mu.Unlock()
		return
	}
}

// fetchBucket pulls pages until the server reports the slice final.
func (e *Engine) fetchBucket(bucket protocol.Bucket) {
	for {
		local, _, err := e.store.BucketState(e.ctx, bucket)
		if err != nil {
			e.log.Error().Err(err).Msg("read bucket cursor")
			return
		}

		input, err := protocol.MarshalRpcInput(protocol.MethodGetUpdates, &protocol.GetUpdatesInput{
			Bucket:   bucket,
			SinceSeq: local.Seq,
			Limit:    e.fetchLimit,
		})
		if err != nil {
			e.log.Error().Err(err).Msg("encode updates input")
			return
		}
		raw, err := e.call(protocol.MethodGetUpdates, input)
		if err != nil {
			e.log.Warn().Err(err).Str("bucket", bucket.Kind.String()).Int64("entity_id", bucket.EntityID).Msg("updates fetch failed")
			return
		}
		decoded, err := protocol.UnmarshalRpcResult(protocol.MethodGetUpdates, raw)
		if err != nil {
			e.log.Error().Err(err).Msg("decode updates result")
			return
		}
		result := decoded.(*protocol.GetUpdatesResult)

		switch result.ResultType {
		case protocol.GetUpdatesEmpty:
			e.advanceBucket(bucket, BucketState{Seq: result.Seq, Date: result.Date})
			e.advanceWatermark(result.Date)
			return
		case protocol.GetUpdatesTooLong:
			// The gap exceeds retention; fast-forward and let bulk refetch
			// repopulate through the regular data paths.
			e.tooLong.Inc()
			e.log.Warn().Str("bucket", bucket.Kind.String()).Int64("entity_id", bucket.EntityID).Uint32("server_seq", result.Seq).Msg("update gap exceeds retention, fast-forwarding")
			e.advanceBucket(bucket, BucketState{Seq: result.Seq, Date: result.Date})
			e.advanceWatermark(result.Date)
			return
		case protocol.GetUpdatesSlice:
			updates := result.Updates
			SortUpdates(updates)
			if err := e.applyOrdered(bucket, updates, local.Seq); err != nil {
				e.log.Error().Err(err).Msg("apply fetched updates")
				return
			}
			e.advanceWatermark(result.Date)
			if result.Final {
				return
			}
			// More pages remain; loop with the advanced cursor.
		default:
			e.log.Error().Uint32("result_type", uint32(result.ResultType)).Msg("unknown updates result type")
			return
		}
	}
}

// applyOrdered gates and applies updates with seq above sinceSeq, then
// advances the bucket cursor to the last applied update.
func (e *Engine) applyOrdered(bucket protocol.Bucket, updates []protocol.Update, sinceSeq uint32) error {
	var deliver []protocol.Update
	last := BucketState{}
	for _, update := range updates {
		if update.Seq <= sinceSeq {
			continue
		}
		last = BucketState{Seq: update.Seq, Date: update.Date}
		if !e.messageUpdates {
			switch update.Payload.(type) {
			case *protocol.UpdateNewMessage, *protocol.UpdateEditMessage:
				continue
			}
		}
		deliver = append(deliver, update)
	}

	if len(deliver) > 0 && e.apply != nil {
		if err := e.apply(bucket, deliver); err != nil {
			return fmt.Errorf("apply updates: %w", err)
		}
	}
	if last.Seq > 0 {
		e.advanceBucket(bucket, last)
	}
	return nil
}

func (e *Engine) advanceBucket(bucket protocol.Bucket, state BucketState) {
	if err := e.store.AdvanceBucket(e.ctx, bucket, state); err != nil {
		e.log.Error().Err(err).Msg("advance bucket cursor")
	}
}

// advanceWatermark moves the global sync date to serverDate minus the
// safety gap, never backwards.
func (e *Engine) advanceWatermark(serverDate int64) {
	if serverDate <= 0 {
		return
	}
	date := serverDate - int64(e.safetyGap/time.Millisecond)
	if date <= 0 {
		return
	}
	if err := e.store.AdvanceLastSyncDate(e.ctx, date); err != nil {
		e.log.Error().Err(err).Msg("advance sync watermark")
	}
}

func (e *Engine) call(method protocol.RpcMethod, input []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(e.ctx, e.fetchTimeout)
	defer cancel()
	return e.caller.Invoke(ctx, method, input)
}

// SortUpdates orders updates by seq ascending, breaking ties by date and
// then by the payload's own entity id so replays are deterministic.
func SortUpdates(updates []protocol.Update) {
	sort.SliceStable(updates, func(i, j int) bool {
		a, b := updates[i], updates[j]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		return payloadID(a.Payload) < payloadID(b.Payload)
	})
}

// payloadID extracts the payload's primary entity id for tie-breaking.
func payloadID(payload protocol.UpdatePayload) int64 {
	switch p := payload.(type) {
	case *protocol.UpdateNewMessage:
		return p.Message.GlobalID
	case *protocol.UpdateEditMessage:
		return p.Message.GlobalID
	case *protocol.UpdateDeleteMessages:
		return p.ChatID
	case *protocol.UpdateUserStatus:
		return p.UserID
	case *protocol.UpdateNewChat:
		return p.Chat.ID
	case *protocol.UpdateSpaceMemberAdd:
		return p.SpaceID
	case *protocol.UpdateChatHasNew:
		return p.ChatID
	case *protocol.UpdateSpaceHasNew:
		return p.SpaceID
	case *protocol.UpdateUserHasNew:
		return p.UserID
	default:
		return 0
	}
}
