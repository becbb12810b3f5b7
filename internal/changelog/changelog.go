// Package changelog is the authoritative local ledger of domain-entity
// mutations awaiting remote application. It is independent of the gateway's
// offline queue: the two originate in different execution contexts with
// different failure domains and are deliberately never merged.
package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caresync/syncagent/internal/storeguard"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Change is one tracked domain mutation. Synced is an integer discriminant
// (0 pending, 1 synced) rather than a boolean so backends can index and
// range-scan it uniformly.
type Change struct {
	ID         int64           `json:"id"`
	Table      string          `json:"tableName"`
	RecordID   string          `json:"recordId"`
	Op         Operation       `json:"operation"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Synced     int             `json:"synced"`
	SyncedAt   time.Time       `json:"syncedAt,omitempty"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
	DeviceID   string          `json:"deviceId"`
}

type Counts struct {
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	Total   int `json:"total"`
}

const (
	metaDeviceID   = "device_id"
	metaLastSyncAt = "last_sync_at"
)

// Store is one durable backend for the change log.
type Store interface {
	Append(ctx context.Context, change Change) (int64, error)
	Pending(ctx context.Context) ([]Change, error)
	MarkSynced(ctx context.Context, id int64, at time.Time) error
	RecordFailure(ctx context.Context, id int64, message string) error
	PurgeSynced(ctx context.Context, before time.Time) (int, error)
	Counts(ctx context.Context) (Counts, error)
	ResetStalled(ctx context.Context, retryCap int) (int, error)
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
	Close() error
}

// Tracker wraps a Store with the recovery guard semantics: TrackChange must
// never lose a record, so a failing backend is swapped for an in-memory
// store mid-flight rather than surfacing an error to the caller.
type Tracker struct {
	mu       sync.Mutex
	store    Store
	degraded bool
	deviceID string
	logger   *log.Logger
}

// Open builds a tracker from a DSN. Supported schemes: none/file/sqlite
// (sqlite file store, the default), postgres/postgresql, and
// memory/mem/inmem. Open never fails on a broken backend: the guard
// recreates or degrades instead.
func Open(dsn, deviceID string, logger *log.Logger) (*Tracker, error) {
	if logger == nil {
		logger = log.Default()
	}
	store, degraded, err := buildStore(dsn, logger)
	if err != nil {
		return nil, err
	}
	tracker := &Tracker{store: store, degraded: degraded, logger: logger}
	tracker.deviceID = tracker.resolveDeviceID(deviceID)
	return tracker, nil
}

func buildStore(dsn string, logger *log.Logger) (Store, bool, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, false, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, false, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "memory", "mem", "inmem":
		return newMemoryStore(), false, nil
	case "", "file", "sqlite":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, false, pathErr
		}
		var store Store
		outcome, _ := storeguard.OpenStore("change-log", logger,
			func() error {
				s, openErr := openSQLite(path)
				if openErr != nil {
					return openErr
				}
				store = s
				return nil
			},
			func() error { return removeSQLiteFiles(path) },
		)
		if outcome == storeguard.Degraded {
			return newMemoryStore(), true, nil
		}
		return store, false, nil
	case "postgres", "postgresql":
		var store Store
		outcome, _ := storeguard.OpenStore("change-log", logger,
			func() error {
				s, openErr := openPostgres(dsn)
				if openErr != nil {
					return openErr
				}
				store = s
				return nil
			},
			func() error { return dropPostgresTables(dsn) },
		)
		if outcome == storeguard.Degraded {
			return newMemoryStore(), true, nil
		}
		return store, false, nil
	default:
		return nil, false, fmt.Errorf("unsupported change-log scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Opaque)
	if path == "" {
		// A relative path after the scheme ("sqlite://data/changes.db")
		// parses as host+path; rejoin them.
		path = strings.TrimSpace(parsed.Host + parsed.Path)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func (t *Tracker) resolveDeviceID(configured string) string {
	configured = strings.TrimSpace(configured)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if configured != "" {
		_ = t.store.SetMeta(ctx, metaDeviceID, configured)
		return configured
	}
	if stored, err := t.store.GetMeta(ctx, metaDeviceID); err == nil && stored != "" {
		return stored
	}
	generated := uuid.NewString()
	if err := t.store.SetMeta(ctx, metaDeviceID, generated); err != nil {
		t.logger.Printf("failed to persist device id: %v", err)
	}
	return generated
}

func (t *Tracker) DeviceID() string { return t.deviceID }

func (t *Tracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

func (t *Tracker) current() Store {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store
}

// degrade swaps the backing store for memory for the rest of the process
// lifetime. Records already persisted stay on disk for the next start.
func (t *Tracker) degrade(cause error) Store {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.degraded {
		t.logger.Printf("change-log store failing, switching to in-memory fallback: %v", cause)
		t.store = newMemoryStore()
		t.degraded = true
	}
	return t.store
}

// TrackChange records a domain mutation synchronously, regardless of
// connectivity. It only fails if data cannot be marshalled.
func (t *Tracker) TrackChange(ctx context.Context, table, recordID string, op Operation, data any) (int64, error) {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(recordID) == "" {
		return 0, ErrInvalidInput
	}
	var payload json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return 0, err
		}
		payload = encoded
	}
	change := Change{
		Table:     table,
		RecordID:  recordID,
		Op:        op,
		Data:      payload,
		Timestamp: time.Now().UTC(),
		DeviceID:  t.deviceID,
	}
	id, err := t.current().Append(ctx, change)
	if err != nil {
		id, err = t.degrade(err).Append(ctx, change)
	}
	return id, err
}

func (t *Tracker) GetPendingChanges(ctx context.Context) ([]Change, error) {
	return t.current().Pending(ctx)
}

func (t *Tracker) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	return t.current().MarkSynced(ctx, id, at)
}

// UpdateRetry increments the retry counter and records the last error for a
// change whose remote apply failed.
func (t *Tracker) UpdateRetry(ctx context.Context, id int64, applyErr error) error {
	message := ""
	if applyErr != nil {
		message = applyErr.Error()
	}
	return t.current().RecordFailure(ctx, id, message)
}

func (t *Tracker) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	return t.current().PurgeSynced(ctx, before)
}

func (t *Tracker) Count(ctx context.Context) Counts {
	counts, err := t.current().Counts(ctx)
	if err != nil {
		t.logger.Printf("change-log count failed: %v", err)
		return Counts{}
	}
	return counts
}

// RetryStalled re-arms changes whose retry count exceeded the cap so the
// next pass attempts them again.
func (t *Tracker) RetryStalled(ctx context.Context, retryCap int) (int, error) {
	return t.current().ResetStalled(ctx, retryCap)
}

func (t *Tracker) LastSyncAt(ctx context.Context) (time.Time, bool) {
	raw, err := t.current().GetMeta(ctx, metaLastSyncAt)
	if err != nil || raw == "" {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}

func (t *Tracker) SetLastSyncAt(ctx context.Context, at time.Time) {
	if err := t.current().SetMeta(ctx, metaLastSyncAt, at.UTC().Format(time.RFC3339Nano)); err != nil {
		t.logger.Printf("failed to persist last sync time: %v", err)
	}
}

func (t *Tracker) Close() error {
	return t.current().Close()
}
