package app

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridianchat/meridian/internal/services/gateway/storage/seal"
	"github.com/meridianchat/meridian/internal/services/gateway/storage/sqlite"
)

type spacesStub struct {
	*sqlite.Store
	member bool
	calls  int
}

func (s *spacesStub) IsSpaceMember(ctx context.Context, spaceID, userID int64) (bool, error) {
	s.calls++
	return s.member, nil
}

func newAccessTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	sealer, err := seal.New(bytes.Repeat([]byte{0x11}, seal.KeySize))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "access.db"), sealer)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAccessGuardCachesOnlyGrants(t *testing.T) {
	store := newAccessTestStore(t)
	stub := &spacesStub{Store: store, member: false}
	guard := newAccessGuard(store, stub)
	ctx := context.Background()

	if err := guard.checkSpace(ctx, 1, 7); err == nil {
		t.Fatalf("expected denial for non-member")
	}

	// Denials are not cached: a fresh grant is visible immediately.
	stub.member = true
	if err := guard.checkSpace(ctx, 1, 7); err != nil {
		t.Fatalf("expected grant after membership: %v", err)
	}

	// The grant is cached: further checks skip the store.
	callsAfterGrant := stub.calls
	if err := guard.checkSpace(ctx, 1, 7); err != nil {
		t.Fatalf("cached check: %v", err)
	}
	if stub.calls != callsAfterGrant {
		t.Fatalf("expected cached grant, store was queried again")
	}
}

func TestAccessGuardGrantExpires(t *testing.T) {
	store := newAccessTestStore(t)
	stub := &spacesStub{Store: store, member: true}
	guard := newAccessGuardTTL(store, stub, 20*time.Millisecond)
	ctx := context.Background()

	if err := guard.checkSpace(ctx, 2, 9); err != nil {
		t.Fatalf("grant: %v", err)
	}

	// Within the TTL the stale grant still answers.
	stub.member = false
	if err := guard.checkSpace(ctx, 2, 9); err != nil {
		t.Fatalf("expected cached grant inside the ttl: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if err := guard.checkSpace(ctx, 2, 9); err == nil {
		t.Fatalf("expected denial after the grant expired")
	}
}

func TestAccessGuardPrivateChat(t *testing.T) {
	store := newAccessTestStore(t)
	guard := newAccessGuard(store, store)
	ctx := context.Background()

	alice, err := store.CreateUser(ctx, "alice", "alice", time.Now())
	if err != nil {
		t.Fatalf("create alice: %v", err)
	}
	bob, err := store.CreateUser(ctx, "bob", "bob", time.Now())
	if err != nil {
		t.Fatalf("create bob: %v", err)
	}
	carol, err := store.CreateUser(ctx, "carol", "carol", time.Now())
	if err != nil {
		t.Fatalf("create carol: %v", err)
	}
	chat, _, err := store.CreatePrivateChat(ctx, alice.ID, bob.ID, time.Now())
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	if err := guard.checkChat(ctx, chat.ID, alice.ID); err != nil {
		t.Fatalf("alice should access her chat: %v", err)
	}
	if err := guard.checkChat(ctx, chat.ID, carol.ID); err == nil {
		t.Fatalf("carol must not access the chat")
	}
}
