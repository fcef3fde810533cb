package transactions

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/meridianchat/meridian/internal/platform/storage/sqlitemigrate"
	"github.com/meridianchat/meridian/internal/protocol"
	"github.com/meridianchat/meridian/internal/realtime/transactions/migrations"
)

// Record is one journaled transaction.
type Record struct {
	ID            uuid.UUID
	Date          time.Time
	Method        protocol.RpcMethod
	Input         []byte
	Kind          Kind
	RetryAfterAck bool
}

// Log persists queued transactions so a restart cannot lose a mutation the
// user already saw applied optimistically.
type Log interface {
	Append(ctx context.Context, rec Record) error
	MarkDeleted(ctx context.Context, id uuid.UUID) error
	Pending(ctx context.Context) ([]Record, error)
	Clear(ctx context.Context) error
	Close() error
}

// SQLiteLog is the SQLite-backed journal.
type SQLiteLog struct {
	sqlDB *sql.DB
}

// OpenLog opens (or creates) the journal database at path and applies its
// schema.
func OpenLog(path string) (*SQLiteLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
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
	return &SQLiteLog{sqlDB: sqlDB}, nil
}

// Close closes the underlying database. Nil-safe.
func (l *SQLiteLog) Close() error {
	if l == nil || l.sqlDB == nil {
		return nil
	}
	return l.sqlDB.Close()
}

// Append inserts one journal row.
func (l *SQLiteLog) Append(ctx context.Context, rec Record) error {
	retryAfterAck := 0
	if rec.RetryAfterAck {
		retryAfterAck = 1
	}
	_, err := l.sqlDB.ExecContext(ctx, `
INSERT INTO transaction_log (id, date, method, input, kind, retry_after_ack, deleted)
VALUES (?, ?, ?, ?, ?, ?, 0)
`, rec.ID.String(), rec.Date.UTC().UnixMilli(), int(rec.Method), rec.Input, int(rec.Kind), retryAfterAck)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// MarkDeleted soft-deletes a resolved transaction. The row stays for
// debugging until Clear.
func (l *SQLiteLog) MarkDeleted(ctx context.Context, id uuid.UUID) error {
	_, err := l.sqlDB.ExecContext(ctx, `
UPDATE transaction_log SET deleted = 1 WHERE id = ?
`, id.String())
	if err != nil {
		return fmt.Errorf("mark transaction deleted: %w", err)
	}
	return nil
}

// Pending returns undeleted rows oldest first.
func (l *SQLiteLog) Pending(ctx context.Context) ([]Record, error) {
	rows, err := l.sqlDB.QueryContext(ctx, `
SELECT id, date, method, input, kind, retry_after_ack
FROM transaction_log
WHERE deleted = 0
ORDER BY date ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("query pending transactions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rawID         string
			dateMillis    int64
			method        int
			input         []byte
			kind          int
			retryAfterAck int
		)
		if err := rows.Scan(&rawID, &dateMillis, &method, &input, &kind, &retryAfterAck); err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("parse transaction id %q: %w", rawID, err)
		}
		records = append(records, Record{
			ID:            id,
			Date:          time.UnixMilli(dateMillis).UTC(),
			Method:        protocol.RpcMethod(method),
			Input:         input,
			Kind:          Kind(kind),
			RetryAfterAck: retryAfterAck != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read transaction rows: %w", err)
	}
	return records, nil
}

// Clear removes every row, deleted or not.
func (l *SQLiteLog) Clear(ctx context.Context) error {
	_, err := l.sqlDB.ExecContext(ctx, `DELETE FROM transaction_log`)
	if err != nil {
		return fmt.Errorf("clear transaction log: %w", err)
	}
	return nil
}
