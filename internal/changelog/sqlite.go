package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteOperationTimeout = 5 * time.Second

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS changes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	op TEXT NOT NULL,
	data TEXT,
	ts INTEGER NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0,
	synced_at INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	device_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_synced ON changes(synced, id);

CREATE TABLE IF NOT EXISTS meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`

type sqliteStore struct {
	db *sql.DB
}

func openSQLite(path string) (*sqliteStore, error) {
	if path == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func removeSQLiteFiles(path string) error {
	var firstErr error
	for _, candidate := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(candidate); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *sqliteStore) Append(ctx context.Context, change Change) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO changes (table_name, record_id, op, data, ts, synced, retry_count, last_error, device_id)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		change.Table, change.RecordID, string(change.Op), nullableString(string(change.Data)),
		change.Timestamp.UnixMilli(), change.RetryCount, nullableString(change.LastError), change.DeviceID)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *sqliteStore) Pending(ctx context.Context) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, op, data, ts, synced, synced_at, retry_count, last_error, device_id
		FROM changes WHERE synced = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChanges(rows)
}

func (s *sqliteStore) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE changes SET synced = 1, synced_at = ?, last_error = NULL WHERE id = ?",
		at.UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *sqliteStore) RecordFailure(ctx context.Context, id int64, message string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE changes SET retry_count = retry_count + 1, last_error = ? WHERE id = ?",
		nullableString(message), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *sqliteStore) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM changes WHERE synced = 1 AND synced_at < ?", before.UnixMilli())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (s *sqliteStore) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE synced = 0),
			COUNT(*) FILTER (WHERE synced = 1),
			COUNT(*)
		FROM changes`).Scan(&counts.Pending, &counts.Synced, &counts.Total)
	return counts, err
}

func (s *sqliteStore) ResetStalled(ctx context.Context, retryCap int) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE changes SET retry_count = 0 WHERE synced = 0 AND retry_count > ?", retryCap)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (s *sqliteStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT v FROM meta WHERE k = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *sqliteStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (k, v) VALUES (?, ?)
		ON CONFLICT (k) DO UPDATE SET v = excluded.v`, key, value)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanChanges(rows rowScanner) ([]Change, error) {
	var changes []Change
	for rows.Next() {
		var (
			change    Change
			op        string
			data      sql.NullString
			ts        int64
			syncedAt  sql.NullInt64
			lastError sql.NullString
		)
		if err := rows.Scan(&change.ID, &change.Table, &change.RecordID, &op, &data,
			&ts, &change.Synced, &syncedAt, &change.RetryCount, &lastError, &change.DeviceID); err != nil {
			return nil, err
		}
		change.Op = Operation(op)
		if data.Valid {
			change.Data = []byte(data.String)
		}
		change.Timestamp = time.UnixMilli(ts).UTC()
		if syncedAt.Valid {
			change.SyncedAt = time.UnixMilli(syncedAt.Int64).UTC()
		}
		change.LastError = lastError.String
		changes = append(changes, change)
	}
	return changes, rows.Err()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
