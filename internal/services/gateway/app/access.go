package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/meridianchat/meridian/internal/services/gateway/storage"
)

const (
	accessCacheSize = 10_000
	accessCacheTTL  = 10 * time.Minute
)

type accessScope uint8

const (
	scopeChat accessScope = iota + 1
	scopeSpace
)

type accessKey struct {
	scope    accessScope
	entityID int64
	userID   int64
}

// accessGuard answers membership questions against the store with a
// positive-only cache. Denials are never cached so a grant takes effect on
// the next call; cached grants age out with the TTL.
type accessGuard struct {
	chats  storage.Chats
	spaces storage.Spaces
	cache  *expirable.LRU[accessKey, struct{}]
}

func newAccessGuard(chats storage.Chats, spaces storage.Spaces) *accessGuard {
	return newAccessGuardTTL(chats, spaces, accessCacheTTL)
}

// newAccessGuardTTL allows overriding the grant lifetime.
func newAccessGuardTTL(chats storage.Chats, spaces storage.Spaces, ttl time.Duration) *accessGuard {
	return &accessGuard{
		chats:  chats,
		spaces: spaces,
		cache:  expirable.NewLRU[accessKey, struct{}](accessCacheSize, nil, ttl),
	}
}

// checkChat verifies the user may act in the chat: one of the pair for a
// private dialog, a space member (plus participant when non-public) for a
// space thread.
func (g *accessGuard) checkChat(ctx context.Context, chatID, userID int64) error {
	key := accessKey{scope: scopeChat, entityID: chatID, userID: userID}
	if _, ok := g.cache.Get(key); ok {
		return nil
	}

	chat, err := g.chats.ChatByID(ctx, chatID)
	if err != nil {
		return err
	}

	if chat.MinUserID > 0 {
		if userID != chat.MinUserID && userID != chat.MaxUserID {
			return fmt.Errorf("user %d is not part of chat %d", userID, chatID)
		}
		g.cache.Add(key, struct{}{})
		return nil
	}

	if err := g.checkSpace(ctx, chat.SpaceID, userID); err != nil {
		return err
	}
	if !chat.Public {
		ok, err := g.chats.IsChatParticipant(ctx, chatID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("user %d is not a participant of chat %d", userID, chatID)
		}
	}
	g.cache.Add(key, struct{}{})
	return nil
}

// checkSpace verifies space membership.
func (g *accessGuard) checkSpace(ctx context.Context, spaceID, userID int64) error {
	key := accessKey{scope: scopeSpace, entityID: spaceID, userID: userID}
	if _, ok := g.cache.Get(key); ok {
		return nil
	}

	ok, err := g.spaces.IsSpaceMember(ctx, spaceID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("user %d is not a member of space %d", userID, spaceID)
	}
	g.cache.Add(key, struct{}{})
	return nil
}
