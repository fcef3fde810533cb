package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/services/gateway/storage"
)

const (
	defaultFetchLimit = 100
	maxFetchLimit     = 1000
)

// appendUpdateTx runs steps 5 to 7 of the mutation pipeline inside the
// caller's transaction: read the bucket cursor, seal the payload at the next
// seq, insert the update row, and advance the bucket. lastMsgID advances the
// bucket's last message pointer when positive.
func (s *Store) appendUpdateTx(ctx context.Context, tx *sql.Tx, bucket protocol.Bucket, payload protocol.UpdatePayload, nowMillis, lastMsgID int64) (protocol.Update, error) {
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO buckets (kind, entity_id, pts, last_update_date, last_msg_id)
VALUES (?, ?, 0, 0, 0)
`, int(bucket.Kind), bucket.EntityID); err != nil {
		return protocol.Update{}, fmt.Errorf("ensure bucket row: %w", err)
	}

	var pts uint32
	row := tx.QueryRowContext(ctx, `
SELECT pts FROM buckets WHERE kind = ? AND entity_id = ?
`, int(bucket.Kind), bucket.EntityID)
	if err := row.Scan(&pts); err != nil {
		return protocol.Update{}, fmt.Errorf("read bucket pts: %w", err)
	}

	update := protocol.Update{Seq: pts + 1, Date: nowMillis, Payload: payload}
	plain, err := protocol.MarshalUpdate(&update)
	if err != nil {
		return protocol.Update{}, fmt.Errorf("encode update: %w", err)
	}
	sealed, err := s.sealer.Seal(plain)
	if err != nil {
		return protocol.Update{}, fmt.Errorf("seal update: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO updates (kind, entity_id, seq, date, payload)
VALUES (?, ?, ?, ?, ?)
`, int(bucket.Kind), bucket.EntityID, update.Seq, nowMillis, sealed); err != nil {
		return protocol.Update{}, fmt.Errorf("insert update row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE buckets
SET pts = ?, last_update_date = ?,
    last_msg_id = CASE WHEN ? > 0 THEN ? ELSE last_msg_id END
WHERE kind = ? AND entity_id = ?
`, update.Seq, nowMillis, lastMsgID, lastMsgID, int(bucket.Kind), bucket.EntityID); err != nil {
		return protocol.Update{}, fmt.Errorf("advance bucket: %w", err)
	}

	return update, nil
}

// appendUpdate commits one update in its own transaction. Secondary
// notification updates (the has-new nudges into user buckets) go through
// here so each keeps the single-bucket-per-transaction rule.
func (s *Store) appendUpdate(ctx context.Context, bucket protocol.Bucket, payload protocol.UpdatePayload, nowMillis int64) (storage.CommittedUpdate, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.CommittedUpdate{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	update, err := s.appendUpdateTx(ctx, tx, bucket, payload, nowMillis, 0)
	if err != nil {
		return storage.CommittedUpdate{}, err
	}
	if err := tx.Commit(); err != nil {
		return storage.CommittedUpdate{}, fmt.Errorf("commit tx: %w", err)
	}
	return storage.CommittedUpdate{Bucket: bucket, Update: update}, nil
}

// appendUserNotices appends one notification payload per user bucket, each
// in its own transaction.
func (s *Store) appendUserNotices(ctx context.Context, userIDs []int64, payload protocol.UpdatePayload, nowMillis int64) ([]storage.CommittedUpdate, error) {
	var committed []storage.CommittedUpdate
	for _, userID := range userIDs {
		bucket := protocol.Bucket{Kind: protocol.BucketKindUser, EntityID: userID}
		update, err := s.appendUpdate(ctx, bucket, payload, nowMillis)
		if err != nil {
			return committed, err
		}
		committed = append(committed, update)
	}
	return committed, nil
}

// Updates answers one catch-up fetch against the bucket's update log.
func (s *Store) Updates(ctx context.Context, bucket protocol.Bucket, sinceSeq uint32, limit int) (storage.UpdatesPage, error) {
	if limit <= 0 || limit > maxFetchLimit {
		limit = defaultFetchLimit
	}

	var (
		pts      uint32
		lastDate int64
	)
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT pts, last_update_date FROM buckets WHERE kind = ? AND entity_id = ?
`, int(bucket.Kind), bucket.EntityID)
	if err := row.Scan(&pts, &lastDate); err != nil {
		if err == sql.ErrNoRows {
			return storage.UpdatesPage{ResultType: protocol.GetUpdatesEmpty, Final: true}, nil
		}
		return storage.UpdatesPage{}, fmt.Errorf("read bucket: %w", err)
	}

	if sinceSeq >= pts {
		return storage.UpdatesPage{
			ResultType: protocol.GetUpdatesEmpty,
			Seq:        pts,
			Date:       lastDate,
			Final:      true,
		}, nil
	}

	tooLong := storage.UpdatesPage{
		ResultType: protocol.GetUpdatesTooLong,
		Seq:        pts,
		Date:       lastDate,
	}
	if pts > retentionWindow && sinceSeq < pts-retentionWindow {
		return tooLong, nil
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT seq, date, payload
FROM updates
WHERE kind = ? AND entity_id = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?
`, int(bucket.Kind), bucket.EntityID, sinceSeq, limit)
	if err != nil {
		return storage.UpdatesPage{}, fmt.Errorf("query updates: %w", err)
	}
	defer rows.Close()

	var updates []protocol.Update
	for rows.Next() {
		var (
			seq    uint32
			date   int64
			sealed []byte
		)
		if err := rows.Scan(&seq, &date, &sealed); err != nil {
			return storage.UpdatesPage{}, fmt.Errorf("scan update row: %w", err)
		}
		plain, err := s.sealer.Open(sealed)
		if err != nil {
			return storage.UpdatesPage{}, fmt.Errorf("unseal update %d: %w", seq, err)
		}
		update, err := protocol.UnmarshalUpdate(plain)
		if err != nil {
			return storage.UpdatesPage{}, fmt.Errorf("decode update %d: %w", seq, err)
		}
		updates = append(updates, *update)
	}
	if err := rows.Err(); err != nil {
		return storage.UpdatesPage{}, fmt.Errorf("read update rows: %w", err)
	}

	// Pruned rows inside the requested range mean the caller cannot catch
	// up incrementally anymore.
	if len(updates) == 0 || updates[0].Seq != sinceSeq+1 {
		return tooLong, nil
	}

	last := updates[len(updates)-1]
	return storage.UpdatesPage{
		ResultType: protocol.GetUpdatesSlice,
		Updates:    updates,
		Seq:        last.Seq,
		Date:       last.Date,
		Final:      last.Seq == pts,
	}, nil
}

// BucketStates returns the current cursor per requested bucket. Buckets
// without rows report a zero cursor.
func (s *Store) BucketStates(ctx context.Context, buckets []protocol.Bucket) ([]protocol.BucketStateInfo, error) {
	states := make([]protocol.BucketStateInfo, 0, len(buckets))
	for _, bucket := range buckets {
		state := protocol.BucketStateInfo{Bucket: bucket}
		row := s.sqlDB.QueryRowContext(ctx, `
SELECT pts, last_update_date FROM buckets WHERE kind = ? AND entity_id = ?
`, int(bucket.Kind), bucket.EntityID)
		if err := row.Scan(&state.Pts, &state.Date); err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("read bucket state: %w", err)
		}
		states = append(states, state)
	}
	return states, nil
}

// BucketRecipients resolves the user ids an update in this bucket should be
// pushed to: chat participants, space members, or (for user buckets) the
// user plus everyone sharing a private chat with them.
func (s *Store) BucketRecipients(ctx context.Context, bucket protocol.Bucket) ([]int64, error) {
	switch bucket.Kind {
	case protocol.BucketKindChat:
		return s.ChatParticipantIDs(ctx, bucket.EntityID)
	case protocol.BucketKindSpace:
		return s.SpaceMemberIDs(ctx, bucket.EntityID)
	case protocol.BucketKindUser:
		rows, err := s.sqlDB.QueryContext(ctx, `
SELECT DISTINCT CASE WHEN min_user_id = ? THEN max_user_id ELSE min_user_id END
FROM chats
WHERE min_user_id = ? OR max_user_id = ?
`, bucket.EntityID, bucket.EntityID, bucket.EntityID)
		if err != nil {
			return nil, fmt.Errorf("query chat peers: %w", err)
		}
		defer rows.Close()

		ids := []int64{bucket.EntityID}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, fmt.Errorf("scan peer id: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("read peer rows: %w", err)
		}
		return ids, nil
	default:
		return nil, fmt.Errorf("unknown bucket kind %d", bucket.Kind)
	}
}

// PruneUpdates enforces retention: rows past the per-bucket window and rows
// older than the maximum age are dropped. Returns the number of rows removed.
func (s *Store) PruneUpdates(ctx context.Context, now time.Time) (int64, error) {
	var total int64

	res, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM updates
WHERE EXISTS (
    SELECT 1 FROM buckets b
    WHERE b.kind = updates.kind AND b.entity_id = updates.entity_id
      AND b.pts > ? AND updates.seq <= b.pts - ?
)
`, retentionWindow, retentionWindow)
	if err != nil {
		return 0, fmt.Errorf("prune by window: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	cutoff := toMillis(now.Add(-retentionMaxAge))
	res, err = s.sqlDB.ExecContext(ctx, `DELETE FROM updates WHERE date < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("prune by age: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	return total, nil
}
