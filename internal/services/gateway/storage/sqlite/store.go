// Package sqlite persists the gateway's domain state and per-bucket update
// log in a single SQLite database. Mutating methods run the full update
// pipeline: domain rows, the sealed update row, and the bucket cursor advance
// all commit in one transaction.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meridianchat/meridian/internal/platform/storage/sqlitemigrate"
	"github.com/meridianchat/meridian/internal/services/gateway/storage/seal"
	"github.com/meridianchat/meridian/internal/services/gateway/storage/sqlite/migrations"
)

// Retention bounds for the update log. Rows beyond either bound may be
// pruned; a fetch that reaches into pruned territory answers TOO_LONG.
const (
	retentionWindow = 10_000
	retentionMaxAge = 30 * 24 * time.Hour
)

// Store is the SQLite-backed gateway store.
type Store struct {
	sqlDB  *sql.DB
	sealer *seal.Sealer
}

// Open opens (or creates) the database at path, applies migrations, and
// seals update payloads with the given sealer.
func Open(path string, sealer *seal.Sealer) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("sealer is required")
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
	return &Store{sqlDB: sqlDB, sealer: sealer}, nil
}

// Close closes the underlying database. Nil-safe.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint") || strings.Contains(value, "constraint failed")
}
