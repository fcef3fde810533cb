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

// CreateUser inserts a profile row. Usernames are unique.
func (s *Store) CreateUser(ctx context.Context, username, firstName string, now time.Time) (protocol.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return protocol.User{}, fmt.Errorf("username is required")
	}

	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (username, first_name, online, last_seen, created_at)
VALUES (?, ?, 0, 0, ?)
`, username, strings.TrimSpace(firstName), toMillis(now))
	if err != nil {
		if isUniqueViolation(err) {
			return protocol.User{}, fmt.Errorf("username %q is taken", username)
		}
		return protocol.User{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.User{}, fmt.Errorf("read user id: %w", err)
	}
	return protocol.User{ID: id, Username: username, FirstName: strings.TrimSpace(firstName)}, nil
}

// UserByID loads one profile row.
func (s *Store) UserByID(ctx context.Context, id int64) (protocol.User, error) {
	return s.scanUser(s.sqlDB.QueryRowContext(ctx, `
SELECT id, username, first_name, online, last_seen FROM users WHERE id = ?
`, id))
}

// UserByUsername loads one profile row by its unique username.
func (s *Store) UserByUsername(ctx context.Context, username string) (protocol.User, error) {
	return s.scanUser(s.sqlDB.QueryRowContext(ctx, `
SELECT id, username, first_name, online, last_seen FROM users WHERE username = ?
`, strings.TrimSpace(username)))
}

func (s *Store) scanUser(row *sql.Row) (protocol.User, error) {
	var (
		user   protocol.User
		online int
	)
	err := row.Scan(&user.ID, &user.Username, &user.FirstName, &online, &user.LastSeen)
	if err == sql.ErrNoRows {
		return protocol.User{}, storage.ErrNotFound
	}
	if err != nil {
		return protocol.User{}, fmt.Errorf("scan user row: %w", err)
	}
	user.Online = online != 0
	return user, nil
}

// SetUserStatus flips presence and commits a userStatus update into the
// user's own bucket. A no-op flip still records the latest last-seen time
// but emits no update.
func (s *Store) SetUserStatus(ctx context.Context, userID int64, online bool, now time.Time) ([]storage.CommittedUpdate, error) {
	nowMillis := toMillis(now)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var wasOnline int
	row := tx.QueryRowContext(ctx, `SELECT online FROM users WHERE id = ?`, userID)
	if err := row.Scan(&wasOnline); err != nil {
		if err == sql.ErrNoRows {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("read user: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE users SET online = ?, last_seen = ? WHERE id = ?
`, boolToInt(online), nowMillis, userID); err != nil {
		return nil, fmt.Errorf("update user status: %w", err)
	}

	if (wasOnline != 0) == online {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit tx: %w", err)
		}
		return nil, nil
	}

	bucket := protocol.Bucket{Kind: protocol.BucketKindUser, EntityID: userID}
	update, err := s.appendUpdateTx(ctx, tx, bucket, &protocol.UpdateUserStatus{
		UserID:   userID,
		Online:   online,
		LastSeen: nowMillis,
	}, nowMillis, 0)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return []storage.CommittedUpdate{{Bucket: bucket, Update: update}}, nil
}
