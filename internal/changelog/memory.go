package changelog

import (
	"context"
	"sync"
	"time"
)

// memoryStore is the degraded-mode substitute for a broken durable backend
// and the explicit backend behind memory:// DSNs in tests.
type memoryStore struct {
	mu      sync.Mutex
	nextID  int64
	changes []Change
	meta    map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{nextID: 1, meta: map[string]string{}}
}

func (s *memoryStore) Append(ctx context.Context, change Change) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	change.ID = s.nextID
	s.nextID++
	s.changes = append(s.changes, change)
	return change.ID, nil
}

func (s *memoryStore) Pending(ctx context.Context) ([]Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []Change
	for _, change := range s.changes {
		if change.Synced == 0 {
			pending = append(pending, change)
		}
	}
	return pending, nil
}

func (s *memoryStore) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.changes {
		if s.changes[i].ID == id {
			s.changes[i].Synced = 1
			s.changes[i].SyncedAt = at
			s.changes[i].LastError = ""
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryStore) RecordFailure(ctx context.Context, id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.changes {
		if s.changes[i].ID == id {
			s.changes[i].RetryCount++
			s.changes[i].LastError = message
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryStore) PurgeSynced(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.changes[:0]
	purged := 0
	for _, change := range s.changes {
		if change.Synced == 1 && change.SyncedAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, change)
	}
	s.changes = kept
	return purged, nil
}

func (s *memoryStore) Counts(ctx context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := Counts{Total: len(s.changes)}
	for _, change := range s.changes {
		if change.Synced == 0 {
			counts.Pending++
		} else {
			counts.Synced++
		}
	}
	return counts, nil
}

func (s *memoryStore) ResetStalled(ctx context.Context, retryCap int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reset := 0
	for i := range s.changes {
		if s.changes[i].Synced == 0 && s.changes[i].RetryCount > retryCap {
			s.changes[i].RetryCount = 0
			reset++
		}
	}
	return reset, nil
}

func (s *memoryStore) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta[key], nil
}

func (s *memoryStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}

func (s *memoryStore) Close() error { return nil }
