package sync

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	sysync "sync"

	_ "modernc.org/sqlite"

	"github.com/meridianchat/meridian/internal/platform/storage/sqlitemigrate"
	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/realtime/sync/migrations"
)

// BucketState is the client's cursor into one bucket's update stream.
type BucketState struct {
	Seq  uint32
	Date int64
}

// CursorStore persists per-bucket cursors and the global sync watermark.
// Advancement is monotonic: writes that would move a cursor backwards are
// silently ignored.
type CursorStore interface {
	BucketState(ctx context.Context, bucket protocol.Bucket) (BucketState, bool, error)
	AdvanceBucket(ctx context.Context, bucket protocol.Bucket, state BucketState) error
	LastSyncDate(ctx context.Context) (int64, error)
	AdvanceLastSyncDate(ctx context.Context, date int64) error
	Close() error
}

// SQLiteCursorStore is the SQLite-backed cursor store.
type SQLiteCursorStore struct {
	sqlDB *sql.DB
}

// OpenCursorStore opens (or creates) the cursor database at path.
func OpenCursorStore(path string) (*SQLiteCursorStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cursor store path is required")
	}

	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, "."); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteCursorStore{sqlDB: sqlDB}, nil
}

// Close closes the underlying database. Nil-safe.
func (s *SQLiteCursorStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// BucketState returns the cursor for one bucket; ok is false when the
// bucket has never been synced.
func (s *SQLiteCursorStore) BucketState(ctx context.Context, bucket protocol.Bucket) (BucketState, bool, error) {
	var state BucketState
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT seq, date FROM bucket_state WHERE kind = ? AND entity_id = ?
`, int(bucket.Kind), bucket.EntityID).Scan(&state.Seq, &state.Date)
	if err == sql.ErrNoRows {
		return BucketState{}, false, nil
	}
	if err != nil {
		return BucketState{}, false, fmt.Errorf("query bucket state: %w", err)
	}
	return state, true, nil
}

// AdvanceBucket moves a bucket cursor forward. Stale writes are dropped.
func (s *SQLiteCursorStore) AdvanceBucket(ctx context.Context, bucket protocol.Bucket, state BucketState) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO bucket_state (kind, entity_id, seq, date)
VALUES (?, ?, ?, ?)
ON CONFLICT (kind, entity_id) DO UPDATE SET
    seq = excluded.seq,
    date = excluded.date
WHERE excluded.seq > bucket_state.seq
`, int(bucket.Kind), bucket.EntityID, state.Seq, state.Date)
	if err != nil {
		return fmt.Errorf("advance bucket state: %w", err)
	}
	return nil
}

// LastSyncDate returns the global watermark, zero when never set.
func (s *SQLiteCursorStore) LastSyncDate(ctx context.Context) (int64, error) {
	var date int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT last_sync_date FROM sync_state WHERE id = 1`).Scan(&date)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query last sync date: %w", err)
	}
	return date, nil
}

// AdvanceLastSyncDate moves the watermark forward. Stale writes are dropped.
func (s *SQLiteCursorStore) AdvanceLastSyncDate(ctx context.Context, date int64) error {
	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_state (id, last_sync_date)
VALUES (1, ?)
ON CONFLICT (id) DO UPDATE SET last_sync_date = excluded.last_sync_date
WHERE excluded.last_sync_date > sync_state.last_sync_date
`, date)
	if err != nil {
		return fmt.Errorf("advance last sync date: %w", err)
	}
	return nil
}

// MemoryCursorStore keeps cursors in memory, for ephemeral sessions and
// tests.
type MemoryCursorStore struct {
	mu       sysync.Mutex
	buckets  map[protocol.Bucket]BucketState
	syncDate int64
}

// NewMemoryCursorStore returns an empty in-memory cursor store.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{buckets: make(map[protocol.Bucket]BucketState)}
}

func (m *MemoryCursorStore) BucketState(_ context.Context, bucket protocol.Bucket) (BucketState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.buckets[bucket]
	return state, ok, nil
}

func (m *MemoryCursorStore) AdvanceBucket(_ context.Context, bucket protocol.Bucket, state BucketState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.buckets[bucket]; ok && state.Seq <= current.Seq {
		return nil
	}
	m.buckets[bucket] = state
	return nil
}

func (m *MemoryCursorStore) LastSyncDate(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncDate, nil
}

func (m *MemoryCursorStore) AdvanceLastSyncDate(_ context.Context, date int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if date > m.syncDate {
		m.syncDate = date
	}
	return nil
}

func (m *MemoryCursorStore) Close() error { return nil }
