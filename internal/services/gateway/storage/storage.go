// Package storage defines the persistence contracts for the gateway: domain
// rows, the per-bucket update log, and the records mutations hand to the
// update broker after commit.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/meridianchat/meridian/internal/protocol"
)

// ErrNotFound marks lookups for rows that do not exist.
var ErrNotFound = errors.New("not found")

// ErrForbidden marks mutations the acting user is not allowed to make.
var ErrForbidden = errors.New("forbidden")

// CommittedUpdate is one update row that reached the database. Only committed
// updates are handed to the broker for fan-out.
type CommittedUpdate struct {
	Bucket protocol.Bucket
	Update protocol.Update
}

// SendMessageParams carries one message submission. RandomID deduplicates
// client retries: resending the same (chat, sender, random id) triple returns
// the originally stored message without appending a second update.
type SendMessageParams struct {
	ChatID   int64
	FromID   int64
	RandomID int64
	Text     string
	Now      time.Time
}

// UpdatesPage is one answer to an update-log fetch.
type UpdatesPage struct {
	ResultType protocol.GetUpdatesResultType
	Updates    []protocol.Update
	Seq        uint32
	Date       int64
	Final      bool
}

// Users persists profile rows and presence.
type Users interface {
	CreateUser(ctx context.Context, username, firstName string, now time.Time) (protocol.User, error)
	UserByID(ctx context.Context, id int64) (protocol.User, error)
	UserByUsername(ctx context.Context, username string) (protocol.User, error)
	SetUserStatus(ctx context.Context, userID int64, online bool, now time.Time) ([]CommittedUpdate, error)
}

// Chats persists private dialogs and their participant sets.
type Chats interface {
	CreatePrivateChat(ctx context.Context, creatorID, peerID int64, now time.Time) (protocol.Chat, []CommittedUpdate, error)
	ChatByID(ctx context.Context, id int64) (protocol.Chat, error)
	ChatParticipantIDs(ctx context.Context, chatID int64) ([]int64, error)
	IsChatParticipant(ctx context.Context, chatID, userID int64) (bool, error)
}

// Messages persists chat messages through the mutation pipeline.
type Messages interface {
	SendMessage(ctx context.Context, p SendMessageParams) (protocol.Message, uint32, []CommittedUpdate, error)
	EditMessage(ctx context.Context, chatID, messageID, editorID int64, text string, now time.Time) (protocol.Message, []CommittedUpdate, error)
	DeleteMessages(ctx context.Context, chatID int64, messageIDs []int64, now time.Time) ([]int64, []CommittedUpdate, error)
	ChatHistory(ctx context.Context, chatID, beforeMsgID int64, limit int) ([]protocol.Message, error)
}

// Spaces persists shared groups and their memberships.
type Spaces interface {
	CreateSpace(ctx context.Context, creatorID int64, title string, now time.Time) (protocol.Space, []CommittedUpdate, error)
	AddSpaceMember(ctx context.Context, spaceID, userID int64, now time.Time) ([]CommittedUpdate, error)
	SpaceByID(ctx context.Context, id int64) (protocol.Space, error)
	IsSpaceMember(ctx context.Context, spaceID, userID int64) (bool, error)
	SpaceMemberIDs(ctx context.Context, spaceID int64) ([]int64, error)
}

// UpdateLog serves the catch-up surface over the per-bucket update rows.
type UpdateLog interface {
	Updates(ctx context.Context, bucket protocol.Bucket, sinceSeq uint32, limit int) (UpdatesPage, error)
	BucketStates(ctx context.Context, buckets []protocol.Bucket) ([]protocol.BucketStateInfo, error)
	BucketRecipients(ctx context.Context, bucket protocol.Bucket) ([]int64, error)
	PruneUpdates(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full gateway persistence surface.
type Store interface {
	Users
	Chats
	Messages
	Spaces
	UpdateLog
	Close() error
}
