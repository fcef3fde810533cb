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

// CreateSpace creates a space with the creator as its first member and
// commits the membership update into the new space's bucket.
func (s *Store) CreateSpace(ctx context.Context, creatorID int64, title string, now time.Time) (protocol.Space, []storage.CommittedUpdate, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return protocol.Space{}, nil, fmt.Errorf("space title is required")
	}

	nowMillis := toMillis(now)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Space{}, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO spaces (title, creator_id, created_at) VALUES (?, ?, ?)
`, title, creatorID, nowMillis)
	if err != nil {
		return protocol.Space{}, nil, fmt.Errorf("insert space: %w", err)
	}
	spaceID, err := res.LastInsertId()
	if err != nil {
		return protocol.Space{}, nil, fmt.Errorf("read space id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO space_members (space_id, user_id, added_at) VALUES (?, ?, ?)
`, spaceID, creatorID, nowMillis); err != nil {
		return protocol.Space{}, nil, fmt.Errorf("insert member: %w", err)
	}

	bucket := protocol.Bucket{Kind: protocol.BucketKindSpace, EntityID: spaceID}
	update, err := s.appendUpdateTx(ctx, tx, bucket, &protocol.UpdateSpaceMemberAdd{
		SpaceID: spaceID,
		UserID:  creatorID,
	}, nowMillis, 0)
	if err != nil {
		return protocol.Space{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return protocol.Space{}, nil, fmt.Errorf("commit tx: %w", err)
	}

	space := protocol.Space{ID: spaceID, Title: title, CreatorID: creatorID, Date: nowMillis}
	return space, []storage.CommittedUpdate{{Bucket: bucket, Update: update}}, nil
}

// AddSpaceMember adds a user to a space and commits the membership update
// into the space bucket, then nudges the new member's user bucket. Adding an
// existing member is a no-op.
func (s *Store) AddSpaceMember(ctx context.Context, spaceID, userID int64, now time.Time) ([]storage.CommittedUpdate, error) {
	if _, err := s.SpaceByID(ctx, spaceID); err != nil {
		return nil, err
	}

	nowMillis := toMillis(now)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO space_members (space_id, user_id, added_at) VALUES (?, ?, ?)
`, spaceID, userID, nowMillis)
	if err != nil {
		return nil, fmt.Errorf("insert member: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Already a member.
		return nil, nil
	}

	bucket := protocol.Bucket{Kind: protocol.BucketKindSpace, EntityID: spaceID}
	update, err := s.appendUpdateTx(ctx, tx, bucket, &protocol.UpdateSpaceMemberAdd{
		SpaceID: spaceID,
		UserID:  userID,
	}, nowMillis, 0)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	committed := []storage.CommittedUpdate{{Bucket: bucket, Update: update}}
	notices, err := s.appendUserNotices(ctx, []int64{userID}, &protocol.UpdateSpaceHasNew{SpaceID: spaceID}, nowMillis)
	committed = append(committed, notices...)
	if err != nil {
		return committed, err
	}
	return committed, nil
}

// SpaceByID loads one space row.
func (s *Store) SpaceByID(ctx context.Context, id int64) (protocol.Space, error) {
	var space protocol.Space
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, title, creator_id, created_at FROM spaces WHERE id = ?
`, id)
	err := row.Scan(&space.ID, &space.Title, &space.CreatorID, &space.Date)
	if err == sql.ErrNoRows {
		return protocol.Space{}, storage.ErrNotFound
	}
	if err != nil {
		return protocol.Space{}, fmt.Errorf("scan space row: %w", err)
	}
	return space, nil
}

// IsSpaceMember reports whether the user belongs to the space.
func (s *Store) IsSpaceMember(ctx context.Context, spaceID, userID int64) (bool, error) {
	var found int
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT 1 FROM space_members WHERE space_id = ? AND user_id = ?
`, spaceID, userID)
	err := row.Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check member: %w", err)
	}
	return true, nil
}

// SpaceMemberIDs returns every member of a space.
func (s *Store) SpaceMemberIDs(ctx context.Context, spaceID int64) ([]int64, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT user_id FROM space_members WHERE space_id = ? ORDER BY user_id ASC
`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read member rows: %w", err)
	}
	return ids, nil
}
