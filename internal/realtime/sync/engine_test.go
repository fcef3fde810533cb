package sync

import (
	"context"
	"fmt"
	sysync "sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/realtime"
)

var testBucket = protocol.Bucket{Kind: protocol.BucketKindChat, EntityID: 42}

// fakeCaller answers getUpdatesState and getUpdates from canned responses.
type fakeCaller struct {
	mu          sysync.Mutex
	states      []protocol.BucketStateInfo
	updates     map[protocol.Bucket][]*protocol.GetUpdatesResult
	fetchCalls  int
	stateCalls  int
	block       chan struct{}
	blockActive bool
}

func (f *fakeCaller) Invoke(ctx context.Context, method protocol.RpcMethod, input []byte) ([]byte, error) {
	f.mu.Lock()
	block := f.block
	active := f.blockActive
	f.mu.Unlock()
	if active && block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch method {
	case protocol.MethodGetUpdatesState:
		f.mu.Lock()
		f.stateCalls++
		states := f.states
		f.mu.Unlock()
		return protocol.MarshalRpcResult(method, &protocol.GetUpdatesStateResult{States: states})
	case protocol.MethodGetUpdates:
		decoded, err := protocol.UnmarshalRpcInput(method, input)
		if err != nil {
			return nil, err
		}
		in := decoded.(*protocol.GetUpdatesInput)

		f.mu.Lock()
		f.fetchCalls++
		queue := f.updates[in.Bucket]
		if len(queue) == 0 {
			f.mu.Unlock()
			return protocol.MarshalRpcResult(method, &protocol.GetUpdatesResult{ResultType: protocol.GetUpdatesEmpty, Seq: in.SinceSeq, Final: true})
		}
		next := queue[0]
		f.updates[in.Bucket] = queue[1:]
		f.mu.Unlock()
		return protocol.MarshalRpcResult(method, next)
	default:
		return nil, fmt.Errorf("unexpected method %v", method)
	}
}

func (f *fakeCaller) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls
}

type recordedApply struct {
	mu      sysync.Mutex
	batches [][]protocol.Update
}

func (r *recordedApply) apply(bucket protocol.Bucket, updates []protocol.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]protocol.Update(nil), updates...))
	return nil
}

func (r *recordedApply) seqs() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var seqs []uint32
	for _, batch := range r.batches {
		for _, u := range batch {
			seqs = append(seqs, u.Seq)
		}
	}
	return seqs
}

func newMessageUpdate(seq uint32, date int64, msgID int64) protocol.Update {
	return protocol.Update{Seq: seq, Date: date, Payload: &protocol.UpdateNewMessage{
		Message: protocol.Message{GlobalID: msgID, ChatID: testBucket.EntityID, Text: "m"},
	}}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
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

func newTestEngine(t *testing.T, caller *fakeCaller, store CursorStore, apply ApplyFunc, events <-chan realtime.ClientEvent, opts ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Caller:               caller,
		Store:                store,
		Events:               events,
		Apply:                apply,
		Interest:             func() []protocol.Bucket { return []protocol.Bucket{testBucket} },
		EnableMessageUpdates: true,
		SafetyGap:            15 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	engine := NewEngine(cfg)
	engine.Start()
	t.Cleanup(engine.Stop)
	return engine
}

func TestEngineCatchesUpOnOpen(t *testing.T) {
	caller := &fakeCaller{
		states: []protocol.BucketStateInfo{{Bucket: testBucket, Pts: 3, Date: 100_000}},
		updates: map[protocol.Bucket][]*protocol.GetUpdatesResult{
			testBucket: {{
				ResultType: protocol.GetUpdatesSlice,
				Updates: []protocol.Update{
					newMessageUpdate(1, 10, 11),
					newMessageUpdate(2, 20, 12),
					newMessageUpdate(3, 30, 13),
				},
				Date:  100_000,
				Final: true,
			}},
		},
	}
	store := NewMemoryCursorStore()
	applied := &recordedApply{}
	events := make(chan realtime.ClientEvent, 4)

	newTestEngine(t, caller, store, applied.apply, events)
	events <- realtime.ClientOpen{}

	waitUntil(t, func() bool { return len(applied.seqs()) == 3 }, "updates applied")
	if got := applied.seqs(); got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("expected ordered application, got %v", got)
	}

	state, ok, err := store.BucketState(context.Background(), testBucket)
	if err != nil || !ok {
		t.Fatalf("bucket state: ok=%v err=%v", ok, err)
	}
	if state.Seq != 3 {
		t.Fatalf("expected cursor at 3, got %d", state.Seq)
	}
}

func TestEnginePagesUntilFinal(t *testing.T) {
	caller := &fakeCaller{
		states: []protocol.BucketStateInfo{{Bucket: testBucket, Pts: 4, Date: 100_000}},
		updates: map[protocol.Bucket][]*protocol.GetUpdatesResult{
			testBucket: {
				{
					ResultType: protocol.GetUpdatesSlice,
					Updates:    []protocol.Update{newMessageUpdate(1, 10, 11), newMessageUpdate(2, 20, 12)},
					Final:      false,
				},
				{
					ResultType: protocol.GetUpdatesSlice,
					Updates:    []protocol.Update{newMessageUpdate(3, 30, 13), newMessageUpdate(4, 40, 14)},
					Final:      true,
				},
			},
		},
	}
	store := NewMemoryCursorStore()
	applied := &recordedApply{}
	events := make(chan realtime.ClientEvent, 4)

	newTestEngine(t, caller, store, applied.apply, events)
	events <- realtime.ClientOpen{}

	waitUntil(t, func() bool { return len(applied.seqs()) == 4 }, "both pages applied")
	state, _, _ := store.BucketState(context.Background(), testBucket)
	if state.Seq != 4 {
		t.Fatalf("expected cursor at 4 after paging, got %d", state.Seq)
	}
}

func TestEngineTooLongFastForwardsWithoutApplying(t *testing.T) {
	registry := prometheus.NewRegistry()
	caller := &fakeCaller{
		states: []protocol.BucketStateInfo{{Bucket: testBucket, Pts: 50_000, Date: 900_000}},
		updates: map[protocol.Bucket][]*protocol.GetUpdatesResult{
			testBucket: {{ResultType: protocol.GetUpdatesTooLong, Seq: 50_000, Date: 900_000}},
		},
	}
	store := NewMemoryCursorStore()
	applied := &recordedApply{}
	events := make(chan realtime.ClientEvent, 4)

	newTestEngine(t, caller, store, applied.apply, events, func(cfg *Config) { cfg.Registry = registry })
	events <- realtime.ClientOpen{}

	waitUntil(t, func() bool {
		state, ok, _ := store.BucketState(context.Background(), testBucket)
		return ok && state.Seq == 50_000
	}, "cursor fast-forwarded")

	if len(applied.seqs()) != 0 {
		t.Fatalf("expected no updates applied on TOO_LONG, got %v", applied.seqs())
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	found := false
	for _, fam := range families {
		if fam.GetName() == "meridian_bucket_fetch_too_long_total" {
			found = true
			if got := fam.GetMetric()[0].GetCounter().GetValue(); got != 1 {
				t.Fatalf("expected counter 1, got %v", got)
			}
		}
	}
	if !found {
		t.Fatalf("expected too-long counter registered")
	}
}

func TestEngineWatermarkKeepsSafetyGap(t *testing.T) {
	caller := &fakeCaller{
		states: []protocol.BucketStateInfo{{Bucket: testBucket, Pts: 0, Date: 1_000_000}},
	}
	store := NewMemoryCursorStore()
	events := make(chan realtime.ClientEvent, 4)

	newTestEngine(t, caller, store, nil, events)
	events <- realtime.ClientOpen{}

	waitUntil(t, func() bool {
		date, _ := store.LastSyncDate(context.Background())
		return date != 0
	}, "watermark advanced")

	date, _ := store.LastSyncDate(context.Background())
	want := int64(1_000_000 - 15_000)
	if date != want {
		t.Fatalf("expected watermark %d, got %d", want, date)
	}

	// Older server dates must not move the watermark backwards.
	if err := store.AdvanceLastSyncDate(context.Background(), want-10_000); err != nil {
		t.Fatalf("advance: %v", err)
	}
	date, _ = store.LastSyncDate(context.Background())
	if date != want {
		t.Fatalf("expected monotonic watermark, got %d", date)
	}
}

func TestEngineCoalescesTriggersInFlightPlusOne(t *testing.T) {
	block := make(chan struct{})
	caller := &fakeCaller{
		updates:     map[protocol.Bucket][]*protocol.GetUpdatesResult{},
		block:       block,
		blockActive: true,
	}
	store := NewMemoryCursorStore()
	events := make(chan realtime.ClientEvent, 4)

	engine := newTestEngine(t, caller, store, nil, events)

	// Three triggers while the first fetch blocks collapse into one
	// follow-up fetch.
	engine.TriggerBucket(testBucket)
	waitUntil(t, func() bool { return caller.fetchCount() == 1 }, "first fetch started")
	engine.TriggerBucket(testBucket)
	engine.TriggerBucket(testBucket)
	engine.TriggerBucket(testBucket)

	caller.mu.Lock()
	caller.blockActive = false
	caller.mu.Unlock()
	close(block)

	waitUntil(t, func() bool { return caller.fetchCount() == 2 }, "exactly one follow-up fetch")
	time.Sleep(20 * time.Millisecond)
	if got := caller.fetchCount(); got != 2 {
		t.Fatalf("expected 2 fetches total, got %d", got)
	}
}

func TestEngineGatesMessageUpdates(t *testing.T) {
	caller := &fakeCaller{
		states: []protocol.BucketStateInfo{{Bucket: testBucket, Pts: 2, Date: 50_000}},
		updates: map[protocol.Bucket][]*protocol.GetUpdatesResult{
			testBucket: {{
				ResultType: protocol.GetUpdatesSlice,
				Updates: []protocol.Update{
					newMessageUpdate(1, 10, 11),
					{Seq: 2, Date: 20, Payload: &protocol.UpdateUserStatus{UserID: 9, Online: true}},
				},
				Final: true,
			}},
		},
	}
	store := NewMemoryCursorStore()
	applied := &recordedApply{}
	events := make(chan realtime.ClientEvent, 4)

	newTestEngine(t, caller, store, applied.apply, events, func(cfg *Config) { cfg.EnableMessageUpdates = false })
	events <- realtime.ClientOpen{}

	waitUntil(t, func() bool {
		state, ok, _ := store.BucketState(context.Background(), testBucket)
		return ok && state.Seq == 2
	}, "cursor advanced past gated update")

	seqs := applied.seqs()
	if len(seqs) != 1 || seqs[0] != 2 {
		t.Fatalf("expected only the status update applied, got %v", seqs)
	}
}

func TestEnginePushWithGapTriggersFetch(t *testing.T) {
	caller := &fakeCaller{
		updates: map[protocol.Bucket][]*protocol.GetUpdatesResult{
			testBucket: {{
				ResultType: protocol.GetUpdatesSlice,
				Updates:    []protocol.Update{newMessageUpdate(2, 20, 12), newMessageUpdate(3, 30, 13), newMessageUpdate(4, 40, 14)},
				Final:      true,
			}},
		},
	}
	store := NewMemoryCursorStore()
	if err := store.AdvanceBucket(context.Background(), testBucket, BucketState{Seq: 1, Date: 10}); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	applied := &recordedApply{}
	events := make(chan realtime.ClientEvent, 4)

	newTestEngine(t, caller, store, applied.apply, events)

	// Pushed seq 4 while the cursor sits at 1: a gap, so the engine fetches.
	events <- realtime.ClientUpdates{Payload: &protocol.UpdatesPayload{
		Bucket:  testBucket,
		Updates: []protocol.Update{newMessageUpdate(4, 40, 14)},
	}}

	waitUntil(t, func() bool { return len(applied.seqs()) == 3 }, "gap fetched and applied")
	if got := applied.seqs(); got[0] != 2 || got[2] != 4 {
		t.Fatalf("expected seqs 2..4 applied, got %v", got)
	}
}

func TestSortUpdatesOrdersBySeqDateThenPayloadID(t *testing.T) {
	updates := []protocol.Update{
		newMessageUpdate(2, 20, 200),
		newMessageUpdate(1, 10, 101),
		newMessageUpdate(1, 10, 100),
		newMessageUpdate(1, 5, 300),
	}
	SortUpdates(updates)

	wantIDs := []int64{300, 100, 101, 200}
	for i, want := range wantIDs {
		msg := updates[i].Payload.(*protocol.UpdateNewMessage)
		if msg.Message.GlobalID != want {
			t.Fatalf("position %d: expected message %d, got %d", i, want, msg.Message.GlobalID)
		}
	}
}
