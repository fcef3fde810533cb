package sync

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/meridianchat/meridian/internal/protocol"
)

func openTestCursorStore(t *testing.T) *SQLiteCursorStore {
	t.Helper()
	store, err := OpenCursorStore(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open cursor store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCursorStoreUnknownBucket(t *testing.T) {
	store := openTestCursorStore(t)

	_, ok, err := store.BucketState(context.Background(), testBucket)
	if err != nil {
		t.Fatalf("bucket state: %v", err)
	}
	if ok {
		t.Fatalf("expected unknown bucket")
	}
}

func TestCursorStoreAdvanceIsMonotonic(t *testing.T) {
	store := openTestCursorStore(t)
	ctx := context.Background()

	if err := store.AdvanceBucket(ctx, testBucket, BucketState{Seq: 10, Date: 100}); err != nil {
		t.Fatalf("advance: %v", err)
	}
	// A stale write must not move the cursor backwards.
	if err := store.AdvanceBucket(ctx, testBucket, BucketState{Seq: 5, Date: 50}); err != nil {
		t.Fatalf("stale advance: %v", err)
	}

	state, ok, err := store.BucketState(ctx, testBucket)
	if err != nil || !ok {
		t.Fatalf("bucket state: ok=%v err=%v", ok, err)
	}
	if state.Seq != 10 || state.Date != 100 {
		t.Fatalf("expected cursor {10 100}, got %+v", state)
	}

	if err := store.AdvanceBucket(ctx, testBucket, BucketState{Seq: 11, Date: 110}); err != nil {
		t.Fatalf("advance forward: %v", err)
	}
	state, _, _ = store.BucketState(ctx, testBucket)
	if state.Seq != 11 {
		t.Fatalf("expected cursor advanced to 11, got %d", state.Seq)
	}
}

func TestCursorStoreBucketsAreIndependent(t *testing.T) {
	store := openTestCursorStore(t)
	ctx := context.Background()

	other := protocol.Bucket{Kind: protocol.BucketKindUser, EntityID: 7}
	if err := store.AdvanceBucket(ctx, testBucket, BucketState{Seq: 3, Date: 30}); err != nil {
		t.Fatalf("advance chat: %v", err)
	}
	if err := store.AdvanceBucket(ctx, other, BucketState{Seq: 8, Date: 80}); err != nil {
		t.Fatalf("advance user: %v", err)
	}

	chat, _, _ := store.BucketState(ctx, testBucket)
	user, _, _ := store.BucketState(ctx, other)
	if chat.Seq != 3 || user.Seq != 8 {
		t.Fatalf("expected independent cursors, got chat=%d user=%d", chat.Seq, user.Seq)
	}
}

func TestCursorStoreSyncDateMonotonic(t *testing.T) {
	store := openTestCursorStore(t)
	ctx := context.Background()

	date, err := store.LastSyncDate(ctx)
	if err != nil {
		t.Fatalf("last sync date: %v", err)
	}
	if date != 0 {
		t.Fatalf("expected zero watermark initially, got %d", date)
	}

	if err := store.AdvanceLastSyncDate(ctx, 500); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := store.AdvanceLastSyncDate(ctx, 400); err != nil {
		t.Fatalf("stale advance: %v", err)
	}

	date, _ = store.LastSyncDate(ctx)
	if date != 500 {
		t.Fatalf("expected watermark 500, got %d", date)
	}
}
