package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/services/gateway/storage"
)

// CreatePrivateChat creates (or returns) the dialog between two users. The
// pair is stored ordered so the same dialog cannot exist twice; resubmission
// returns the existing chat with no new updates. A fresh chat commits a
// newChat notice into both participants' user buckets.
func (s *Store) CreatePrivateChat(ctx context.Context, creatorID, peerID int64, now time.Time) (protocol.Chat, []storage.CommittedUpdate, error) {
	if creatorID == peerID {
		return protocol.Chat{}, nil, fmt.Errorf("cannot open a chat with yourself")
	}
	minID, maxID := creatorID, peerID
	if minID > maxID {
		minID, maxID = maxID, minID
	}

	if chat, err := s.chatBetween(ctx, minID, maxID); err == nil {
		return chat, nil, nil
	} else if err != storage.ErrNotFound {
		return protocol.Chat{}, nil, err
	}

	nowMillis := toMillis(now)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Chat{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO chats (space_id, min_user_id, max_user_id, title, public, created_at)
VALUES (0, ?, ?, '', 0, ?)
`, minID, maxID, nowMillis)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent create of the same pair.
			_ = tx.Rollback()
			chat, lookupErr := s.chatBetween(ctx, minID, maxID)
			if lookupErr != nil {
				return protocol.Chat{}, nil, lookupErr
			}
			return chat, nil, nil
		}
		return protocol.Chat{}, nil, fmt.Errorf("insert chat: %w", err)
	}
	chatID, err := res.LastInsertId()
	if err != nil {
		return protocol.Chat{}, nil, fmt.Errorf("read chat id: %w", err)
	}

	for _, userID := range []int64{minID, maxID} {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chat_participants (chat_id, user_id, added_at) VALUES (?, ?, ?)
`, chatID, userID, nowMillis); err != nil {
			return protocol.Chat{}, nil, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return protocol.Chat{}, nil, fmt.Errorf("commit tx: %w", err)
	}

	chat := protocol.Chat{ID: chatID, MinUserID: minID, MaxUserID: maxID}
	committed, err := s.appendUserNotices(ctx, []int64{minID, maxID}, &protocol.UpdateNewChat{Chat: chat}, nowMillis)
	if err != nil {
		return chat, committed, err
	}
	return chat, committed, nil
}

// ChatByID loads one chat row.
func (s *Store) ChatByID(ctx context.Context, id int64) (protocol.Chat, error) {
	return s.scanChat(s.sqlDB.QueryRowContext(ctx, `
SELECT id, space_id, min_user_id, max_user_id, title, public FROM chats WHERE id = ?
`, id))
}

func (s *Store) chatBetween(ctx context.Context, minID, maxID int64) (protocol.Chat, error) {
	return s.scanChat(s.sqlDB.QueryRowContext(ctx, `
SELECT id, space_id, min_user_id, max_user_id, title, public
FROM chats
WHERE min_user_id = ? AND max_user_id = ?
`, minID, maxID))
}

func (s *Store) scanChat(row *sql.Row) (protocol.Chat, error) {
	var (
		chat   protocol.Chat
		public int
	)
	err := row.Scan(&chat.ID, &chat.SpaceID, &chat.MinUserID, &chat.MaxUserID, &chat.Title, &public)
	if err == sql.ErrNoRows {
		return protocol.Chat{}, storage.ErrNotFound
	}
	if err != nil {
		return protocol.Chat{}, fmt.Errorf("scan chat row: %w", err)
	}
	chat.Public = public != 0
	return chat, nil
}

// ChatParticipantIDs returns every participant of a chat.
func (s *Store) ChatParticipantIDs(ctx context.Context, chatID int64) ([]int64, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT user_id FROM chat_participants WHERE chat_id = ? ORDER BY user_id ASC
`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read participant rows: %w", err)
	}
	return ids, nil
}

// IsChatParticipant reports whether the user participates in the chat.
func (s *Store) IsChatParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var found int
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM chat_participants WHERE chat_id = ? AND user_id = ?
`, chatID, userID)
	err := row.Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return true, nil
}
