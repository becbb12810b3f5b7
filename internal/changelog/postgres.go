package changelog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

const postgresSchema = `
CREATE TABLE IF NOT EXISTS caresync_changes (
	id BIGSERIAL PRIMARY KEY,
	table_name TEXT NOT NULL,
	record_id TEXT NOT NULL,
	op TEXT NOT NULL,
	data TEXT,
	ts BIGINT NOT NULL,
	synced INTEGER NOT NULL DEFAULT 0,
	synced_at BIGINT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	device_id TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS caresync_changes_synced_idx ON caresync_changes (synced, id);

CREATE TABLE IF NOT EXISTS caresync_meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`

type postgresStore struct {
	db *sql.DB
}

func openPostgres(dsn string) (*postgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &postgresStore{db: db}, nil
}

func dropPostgresTables(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS caresync_changes, caresync_meta")
	return err
}

func (s *postgresStore) Append(ctx context.Context, change Change) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO caresync_changes (table_name, record_id, op, data, ts, synced, retry_count, last_error, device_id)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8)
		RETURNING id`,
		change.Table, change.RecordID, string(change.Op), nullableString(string(change.Data)),
		change.Timestamp.UnixMilli(), change.RetryCount, nullableString(change.LastError), change.DeviceID).Scan(&id)
	return id, err
}

func (s *postgresStore) Pending(ctx context.Context) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, op, data, ts, synced, synced_at, retry_count, last_error, device_id
		FROM caresync_changes WHERE synced = 0 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChanges(rows)
}

func (s *postgresStore) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE caresync_changes SET synced = 1, synced_at = $1, last_error = NULL WHERE id = $2",
		at.UnixMilli(), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *postgresStore) RecordFailure(ctx context.Context, id int64, message string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE caresync_changes SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2",
		nullableString(message), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *postgresStore) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM caresync_changes WHERE synced = 1 AND synced_at < $1", before.UnixMilli())
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (s *postgresStore) Counts(ctx context.Context) (Counts, error) {
	var counts Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE synced = 0),
			COUNT(*) FILTER (WHERE synced = 1),
			COUNT(*)
		FROM caresync_changes`).Scan(&counts.Pending, &counts.Synced, &counts.Total)
	return counts, err
}

func (s *postgresStore) ResetStalled(ctx context.Context, retryCap int) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE caresync_changes SET retry_count = 0 WHERE synced = 0 AND retry_count > $1", retryCap)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (s *postgresStore) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT v FROM caresync_meta WHERE k = $1", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (s *postgresStore) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO caresync_meta (k, v) VALUES ($1, $2)
		ON CONFLICT (k) DO UPDATE SET v = EXCLUDED.v`, key, value)
	return err
}

func (s *postgresStore) Close() error {
	return s.db.Close()
}
