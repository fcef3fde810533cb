package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/services/gateway/storage"
)

const defaultHistoryLimit = 50

// SendMessage stores one message and commits its newMessage update into the
// chat bucket in the same transaction. Replays of the same (chat, sender,
// random id) triple return the originally stored message and its update seq
// without appending anything.
func (s *Store) SendMessage(ctx context.Context, p storage.SendMessageParams) (protocol.Message, uint32, []storage.CommittedUpdate, error) {
	if strings.TrimSpace(p.Text) == "" {
		return protocol.Message{}, 0, nil, fmt.Errorf("message text is required")
	}

	if p.RandomID != 0 {
		if msg, seq, err := s.messageByRandomID(ctx, p.ChatID, p.FromID, p.RandomID); err == nil {
			return msg, seq, nil, nil
		} else if err != storage.ErrNotFound {
			return protocol.Message{}, 0, nil, err
		}
	}

	nowMillis := toMillis(p.Now)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Message{}, 0, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO messages (chat_id, from_id, date, text, edit_date, random_id, update_seq, deleted)
VALUES (?, ?, ?, ?, 0, ?, 0, 0)
`, p.ChatID, p.FromID, nowMillis, p.Text, p.RandomID)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent replay of the same triple.
			_ = tx.Rollback()
			msg, seq, lookupErr := s.messageByRandomID(ctx, p.ChatID, p.FromID, p.RandomID)
			if lookupErr != nil {
				return protocol.Message{}, 0, nil, lookupErr
			}
			return msg, seq, nil, nil
		}
		return protocol.Message{}, 0, nil, fmt.Errorf("insert message: %w", err)
	}
	globalID, err := res.LastInsertId()
	if err != nil {
		return protocol.Message{}, 0, nil, fmt.Errorf("read message id: %w", err)
	}

	msg := protocol.Message{
		GlobalID: globalID,
		ChatID:   p.ChatID,
		FromID:   p.FromID,
		Date:     nowMillis,
		Text:     p.Text,
	}

	bucket := protocol.Bucket{Kind: protocol.BucketKindChat, EntityID: p.ChatID}
	update, err := s.appendUpdateTx(ctx, tx, bucket, &protocol.UpdateNewMessage{Message: msg}, nowMillis, globalID)
	if err != nil {
		return protocol.Message{}, 0, nil, err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE messages SET update_seq = ? WHERE global_id = ?
`, update.Seq, globalID); err != nil {
		return protocol.Message{}, 0, nil, fmt.Errorf("record update seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return protocol.Message{}, 0, nil, fmt.Errorf("commit tx: %w", err)
	}

	committed := []storage.CommittedUpdate{{Bucket: bucket, Update: update}}

	participants, err := s.ChatParticipantIDs(ctx, p.ChatID)
	if err != nil {
		return msg, update.Seq, committed, err
	}
	var others []int64
	for _, id := range participants {
		if id != p.FromID {
			others = append(others, id)
		}
	}
	notices, err := s.appendUserNotices(ctx, others, &protocol.UpdateChatHasNew{ChatID: p.ChatID}, nowMillis)
	committed = append(committed, notices...)
	if err != nil {
		return msg, update.Seq, committed, err
	}
	return msg, update.Seq, committed, nil
}

func (s *Store) messageByRandomID(ctx context.Context, chatID, fromID, randomID int64) (protocol.Message, uint32, error) {
	var (
		msg protocol.Message
		seq uint32
	)
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT global_id, chat_id, from_id, date, text, edit_date, update_seq
FROM messages
WHERE chat_id = ? AND from_id = ? AND random_id = ?
`, chatID, fromID, randomID)
	err := row.Scan(&msg.GlobalID, &msg.ChatID, &msg.FromID, &msg.Date, &msg.Text, &msg.EditDate, &seq)
	if err == sql.ErrNoRows {
		return protocol.Message{}, 0, storage.ErrNotFound
	}
	if err != nil {
		return protocol.Message{}, 0, fmt.Errorf("scan message row: %w", err)
	}
	return msg, seq, nil
}

// EditMessage rewrites a message's text. Only the original sender may edit;
// the editMessage update commits in the same transaction.
func (s *Store) EditMessage(ctx context.Context, chatID, messageID, editorID int64, text string, now time.Time) (protocol.Message, []storage.CommittedUpdate, error) {
	if strings.TrimSpace(text) == "" {
		return protocol.Message{}, nil, fmt.Errorf("message text is required")
	}

	nowMillis := toMillis(now)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Message{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var msg protocol.Message
	row := tx.QueryRowContext(ctx, `
SELECT global_id, chat_id, from_id, date
FROM messages
WHERE global_id = ? AND chat_id = ? AND deleted = 0
`, messageID, chatID)
	if err := row.Scan(&msg.GlobalID, &msg.ChatID, &msg.FromID, &msg.Date); err != nil {
		if err == sql.ErrNoRows {
			return protocol.Message{}, nil, storage.ErrNotFound
		}
		return protocol.Message{}, nil, fmt.Errorf("read message: %w", err)
	}
	if msg.FromID != editorID {
		return protocol.Message{}, nil, fmt.Errorf("only the sender can edit a message: %w", storage.ErrForbidden)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE messages SET text = ?, edit_date = ? WHERE global_id = ?
`, text, nowMillis, messageID); err != nil {
		return protocol.Message{}, nil, fmt.Errorf("update message: %w", err)
	}
	msg.Text = text
	msg.EditDate = nowMillis

	bucket := protocol.Bucket{Kind: protocol.BucketKindChat, EntityID: chatID}
	update, err := s.appendUpdateTx(ctx, tx, bucket, &protocol.UpdateEditMessage{Message: msg}, nowMillis, 0)
	if err != nil {
		return protocol.Message{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return protocol.Message{}, nil, fmt.Errorf("commit tx: %w", err)
	}

	return msg, []storage.CommittedUpdate{{Bucket: bucket, Update: update}}, nil
}

// DeleteMessages soft-deletes the given messages and commits one
// deleteMessages update listing the ids that actually existed. Deleting
// nothing emits nothing.
func (s *Store) DeleteMessages(ctx context.Context, chatID int64, messageIDs []int64, now time.Time) ([]int64, []storage.CommittedUpdate, error) {
	if len(messageIDs) == 0 {
		return nil, nil, nil
	}

	nowMillis := toMillis(now)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deleted []int64
	for _, id := range messageIDs {
		res, err := tx.ExecContext(ctx, `
UPDATE messages SET deleted = 1
WHERE global_id = ? AND chat_id = ? AND deleted = 0
`, id, chatID)
		if err != nil {
			return nil, nil, fmt.Errorf("delete message %d: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			deleted = append(deleted, id)
		}
	}

	if len(deleted) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("commit tx: %w", err)
		}
		return nil, nil, nil
	}

	bucket := protocol.Bucket{Kind: protocol.BucketKindChat, EntityID: chatID}
	update, err := s.appendUpdateTx(ctx, tx, bucket, &protocol.UpdateDeleteMessages{
		ChatID:     chatID,
		MessageIDs: deleted,
	}, nowMillis, 0)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit tx: %w", err)
	}

	return deleted, []storage.CommittedUpdate{{Bucket: bucket, Update: update}}, nil
}

// ChatHistory returns messages newest first, strictly older than beforeMsgID
// when it is positive.
func (s *Store) ChatHistory(ctx context.Context, chatID, beforeMsgID int64, limit int) ([]protocol.Message, error) {
	if limit <= 0 || limit > maxFetchLimit {
		limit = defaultHistoryLimit
	}

	query := `
SELECT global_id, chat_id, from_id, date, text, edit_date
FROM messages
WHERE chat_id = ? AND deleted = 0
`
	args := []any{chatID}
	if beforeMsgID > 0 {
		query += ` AND global_id < ?`
		args = append(args, beforeMsgID)
	}
	query += ` ORDER BY global_id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.Message
	for rows.Next() {
		var msg protocol.Message
		if err := rows.Scan(&msg.GlobalID, &msg.ChatID, &msg.FromID, &msg.Date, &msg.Text, &msg.EditDate); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read message rows: %w", err)
	}
	return msgs, nil
}
