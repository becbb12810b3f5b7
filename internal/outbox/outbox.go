// Package outbox is the durable queue of mutating requests that failed with
// a transport error inside the gateway. Records are replayed in insertion
// order on every drain; the queue must never surface a storage error into
// the request path, so every operation falls back to memory instead.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caresync/syncagent/internal/storeguard"
)

var ErrInvalidInput = errors.New("invalid input")

// Mutation is one queued outbound request, captured before the network
// attempt because request bodies are single-read.
type Mutation struct {
	ID         int64             `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Header     map[string]string `json:"header,omitempty"`
	Body       string            `json:"body,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

type queueState struct {
	NextID int64      `json:"nextId"`
	Items  []Mutation `json:"items"`
}

// DrainResult reports one drain pass over the queue. Rejected counts
// mutations the upstream refused with a 4xx; they are removed like synced
// ones but must stay visible in broadcasts.
type DrainResult struct {
	Synced    int
	Rejected  int
	Failed    int
	Remaining int
}

type Queue struct {
	path     string
	logger   *log.Logger
	mu       sync.Mutex
	nextID   int64
	items    []Mutation
	degraded bool
}

// NewQueue opens the queue at path through the recovery guard. A corrupted
// backing file leaves the queue in sticky in-memory degraded mode; any other
// open failure gets one delete-and-recreate.
func NewQueue(path string, logger *log.Logger) (*Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = log.Default()
	}
	q := &Queue{path: path, logger: logger, nextID: 1}
	outcome, _ := storeguard.OpenStore("offline-queue", logger,
		func() error {
			q.items = nil
			q.nextID = 1
			return q.load()
		},
		func() error { return os.Remove(q.path) },
	)
	if outcome == storeguard.Degraded {
		q.items = nil
		q.nextID = 1
		q.degraded = true
	}
	return q, nil
}

func (q *Queue) Degraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.degraded
}

// Enqueue records a failed mutating request. It never fails: a persistence
// error flips the queue into degraded mode and the record stays in memory.
func (q *Queue) Enqueue(method, url string, header map[string]string, body string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	q.items = append(q.items, Mutation{
		ID:         id,
		Method:     strings.ToUpper(strings.TrimSpace(method)),
		URL:        url,
		Header:     cloneHeader(header),
		Body:       body,
		EnqueuedAt: time.Now().UTC(),
	})
	q.saveLocked()
	return id
}

func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns the queued mutations in insertion order.
func (q *Queue) Snapshot() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Mutation(nil), q.items...)
}

func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.saveLocked()
}

// Drain replays queued mutations in ordinal order. replay returns the HTTP
// status of the attempt; any status below 500 removes the record (client
// errors are terminal, not retried), while a 5xx or a transport error keeps
// it queued for the next drain.
func (q *Queue) Drain(ctx context.Context, replay func(ctx context.Context, m Mutation) (int, error)) DrainResult {
	pending := q.Snapshot()
	var result DrainResult
	for _, mutation := range pending {
		if ctx.Err() != nil {
			break
		}
		status, err := replay(ctx, mutation)
		if err != nil {
			q.logger.Printf("replay of queued %s %s failed: %v", mutation.Method, mutation.URL, err)
			result.Failed++
			continue
		}
		if status >= 500 {
			q.logger.Printf("replay of queued %s %s got status %d, keeping for retry", mutation.Method, mutation.URL, status)
			result.Failed++
			continue
		}
		if status >= 400 {
			q.logger.Printf("replay of queued %s %s rejected with status %d, dropping", mutation.Method, mutation.URL, status)
			q.remove(mutation.ID)
			result.Rejected++
			continue
		}
		q.remove(mutation.ID)
		result.Synced++
	}
	result.Remaining = q.Count()
	return result
}

func (q *Queue) remove(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	q.saveLocked()
}

func (q *Queue) load() error {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot queueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	q.items = append([]Mutation(nil), snapshot.Items...)
	q.nextID = snapshot.NextID
	if q.nextID < 1 {
		q.nextID = 1
		for _, item := range q.items {
			if item.ID >= q.nextID {
				q.nextID = item.ID + 1
			}
		}
	}
	return nil
}

func (q *Queue) saveLocked() {
	if q.degraded {
		return
	}
	snapshot := queueState{
		NextID: q.nextID,
		Items:  append([]Mutation(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		q.logger.Printf("offline queue marshal failed, continuing in memory: %v", err)
		q.degraded = true
		return
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		q.logger.Printf("offline queue mkdir failed, continuing in memory: %v", err)
		q.degraded = true
		return
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		q.logger.Printf("offline queue write failed, continuing in memory: %v", err)
		q.degraded = true
		return
	}
	if err := os.Rename(tmp, q.path); err != nil {
		q.logger.Printf("offline queue rename failed, continuing in memory: %v", err)
		q.degraded = true
	}
}

func cloneHeader(header map[string]string) map[string]string {
	if header == nil {
		return nil
	}
	clone := make(map[string]string, len(header))
	for key, value := range header {
		clone[key] = value
	}
	return clone
}
