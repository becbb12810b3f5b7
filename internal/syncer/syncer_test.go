package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/caresync/syncagent/internal/bridge"
	"github.com/caresync/syncagent/internal/changelog"
	"github.com/caresync/syncagent/internal/outbox"
)

type fakeCloud struct {
	mu      sync.Mutex
	records map[string]map[string]string
	failAll error
	gate    chan struct{}
	entered chan struct{}
	upserts int
	deletes int
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{records: map[string]map[string]string{}}
}

func (c *fakeCloud) Upsert(ctx context.Context, table, recordID string, record json.RawMessage) error {
	if c.entered != nil {
		c.entered <- struct{}{}
	}
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserts++
	if c.failAll != nil {
		return c.failAll
	}
	if c.records[table] == nil {
		c.records[table] = map[string]string{}
	}
	c.records[table][recordID] = string(record)
	return nil
}

func (c *fakeCloud) Delete(ctx context.Context, table, recordID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	if c.failAll != nil {
		return c.failAll
	}
	delete(c.records[table], recordID)
	return nil
}

func (c *fakeCloud) Health(ctx context.Context) error { return nil }

func (c *fakeCloud) snapshot() map[string]map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	clone := map[string]map[string]string{}
	for table, records := range c.records {
		clone[table] = map[string]string{}
		for id, data := range records {
			clone[table][id] = data
		}
	}
	return clone
}

type fakeBus struct {
	mu       sync.Mutex
	messages []bridge.Message
}

func (b *fakeBus) Broadcast(msg bridge.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
}

func (b *fakeBus) byType(messageType bridge.Type) []bridge.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []bridge.Message
	for _, msg := range b.messages {
		if msg.Type == messageType {
			matched = append(matched, msg)
		}
	}
	return matched
}

func newTestOrchestrator(t *testing.T, cloudClient *fakeCloud, opts Options) (*Orchestrator, *changelog.Tracker, *fakeBus) {
	t.Helper()
	tracker, err := changelog.Open("memory://", "test-device", nil)
	if err != nil {
		t.Fatalf("open tracker: %v", err)
	}
	bus := &fakeBus{}
	opts.Tracker = tracker
	opts.Cloud = cloudClient
	opts.Bus = bus
	orchestrator, err := NewOrchestrator(opts)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orchestrator, tracker, bus
}

func TestOfflineChangeSyncsOnReconnect(t *testing.T) {
	cloudClient := newFakeCloud()
	orchestrator, tracker, bus := newTestOrchestrator(t, cloudClient, Options{})
	ctx := context.Background()

	if _, err := tracker.TrackChange(ctx, "patients", "p1", changelog.OpCreate, map[string]any{"name": "A"}); err != nil {
		t.Fatalf("track change: %v", err)
	}
	if counts := tracker.Count(ctx); counts.Pending != 1 {
		t.Fatalf("expected 1 pending while offline, got %+v", counts)
	}

	orchestrator.SetOnline(true)
	orchestrator.SyncPass(ctx)

	counts := tracker.Count(ctx)
	if counts.Pending != 0 || counts.Synced != 1 {
		t.Fatalf("expected drained ledger, got %+v", counts)
	}
	if cloudClient.snapshot()["patients"]["p1"] == "" {
		t.Fatalf("record never reached the cloud")
	}
	completed := bus.byType(bridge.TypeSyncCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected one SYNC_COMPLETED, got %d", len(completed))
	}
	var data bridge.SyncCompletedData
	if err := bridge.DecodeData(completed[0], &data); err != nil || data.Synced != 1 || data.Remaining != 0 {
		t.Fatalf("unexpected completion payload: %+v err=%v", data, err)
	}

	// The following successful pass garbage-collects the synced record.
	orchestrator.SyncPass(ctx)
	if counts := tracker.Count(ctx); counts.Total != 0 {
		t.Fatalf("expected synced record purged on next pass, got %+v", counts)
	}
	if orchestrator.State().LastSyncAt == nil {
		t.Fatalf("expected lastSyncAt to be recorded")
	}
}

func TestNoOverlappingPasses(t *testing.T) {
	cloudClient := newFakeCloud()
	cloudClient.gate = make(chan struct{})
	cloudClient.entered = make(chan struct{}, 1)
	orchestrator, tracker, bus := newTestOrchestrator(t, cloudClient, Options{InitialOnline: true})
	ctx := context.Background()

	if _, err := tracker.TrackChange(ctx, "patients", "p1", changelog.OpCreate, map[string]any{}); err != nil {
		t.Fatalf("track change: %v", err)
	}

	done := make(chan struct{})
	go func() {
		orchestrator.SyncPass(ctx)
		close(done)
	}()
	select {
	case <-cloudClient.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("first pass never reached the cloud")
	}

	// A second trigger while the first pass is in flight must be a no-op.
	orchestrator.SyncPass(ctx)

	close(cloudClient.gate)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("first pass never finished")
	}

	if cloudClient.upserts != 1 {
		t.Fatalf("expected exactly one apply, got %d", cloudClient.upserts)
	}
	if completed := bus.byType(bridge.TypeSyncCompleted); len(completed) != 1 {
		t.Fatalf("expected exactly one completion broadcast, got %d", len(completed))
	}
}

func TestFailedAppliesRetryWithoutAbortingPass(t *testing.T) {
	cloudClient := newFakeCloud()
	cloudClient.failAll = errors.New("upstream 503")
	orchestrator, tracker, bus := newTestOrchestrator(t, cloudClient, Options{InitialOnline: true})
	ctx := context.Background()

	if _, err := tracker.TrackChange(ctx, "patients", "p1", changelog.OpUpdate, map[string]any{}); err != nil {
		t.Fatalf("track change: %v", err)
	}
	if _, err := tracker.TrackChange(ctx, "observations", "o1", changelog.OpCreate, map[string]any{}); err != nil {
		t.Fatalf("track change: %v", err)
	}

	orchestrator.SyncPass(ctx)

	if cloudClient.upserts != 2 {
		t.Fatalf("a failure must not abort the pass, got %d applies", cloudClient.upserts)
	}
	pending, _ := tracker.GetPendingChanges(ctx)
	if len(pending) != 2 {
		t.Fatalf("expected both changes still pending, got %d", len(pending))
	}
	for _, change := range pending {
		if change.RetryCount != 1 || change.LastError == "" {
			t.Fatalf("expected retry metadata on %s, got %+v", change.RecordID, change)
		}
	}
	state := orchestrator.State()
	if state.SyncError == "" || state.LastSyncAt != nil {
		t.Fatalf("expected sync error without lastSyncAt, got %+v", state)
	}
	var data bridge.SyncCompletedData
	completed := bus.byType(bridge.TypeSyncCompleted)
	if err := bridge.DecodeData(completed[len(completed)-1], &data); err != nil || data.Failed != 2 || data.Remaining != 2 {
		t.Fatalf("unexpected completion payload: %+v err=%v", data, err)
	}
}

func TestStalledChangesAreSkippedUntilRearmed(t *testing.T) {
	cloudClient := newFakeCloud()
	orchestrator, tracker, _ := newTestOrchestrator(t, cloudClient, Options{RetryCap: 2, InitialOnline: true})
	ctx := context.Background()

	id, err := tracker.TrackChange(ctx, "patients", "p1", changelog.OpUpdate, map[string]any{})
	if err != nil {
		t.Fatalf("track change: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := tracker.UpdateRetry(ctx, id, errors.New("boom")); err != nil {
			t.Fatalf("update retry: %v", err)
		}
	}

	orchestrator.SyncPass(ctx)
	if cloudClient.upserts != 0 {
		t.Fatalf("stalled change must not be attempted, got %d applies", cloudClient.upserts)
	}
	if orchestrator.State().Stalled != 1 {
		t.Fatalf("expected 1 stalled change in state, got %+v", orchestrator.State())
	}

	reset, err := orchestrator.RetryStalled(ctx)
	if err != nil || reset != 1 {
		t.Fatalf("retry stalled: reset=%d err=%v", reset, err)
	}
	orchestrator.SyncPass(ctx)
	if cloudClient.upserts != 1 {
		t.Fatalf("re-armed change must be attempted, got %d applies", cloudClient.upserts)
	}
}

func TestReplayingSameChangeIsIdempotent(t *testing.T) {
	cloudClient := newFakeCloud()
	orchestrator, tracker, _ := newTestOrchestrator(t, cloudClient, Options{InitialOnline: true})
	ctx := context.Background()

	payload := map[string]any{"name": "A", "ward": 7}
	if _, err := tracker.TrackChange(ctx, "patients", "p1", changelog.OpCreate, payload); err != nil {
		t.Fatalf("track change: %v", err)
	}
	orchestrator.SyncPass(ctx)
	first := cloudClient.snapshot()

	if _, err := tracker.TrackChange(ctx, "patients", "p1", changelog.OpCreate, payload); err != nil {
		t.Fatalf("track change: %v", err)
	}
	orchestrator.SyncPass(ctx)
	second := cloudClient.snapshot()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replaying the same change must not alter cloud state:\nfirst:  %v\nsecond: %v", first, second)
	}
}

func TestDeleteOperationsReachTheCloud(t *testing.T) {
	cloudClient := newFakeCloud()
	orchestrator, tracker, _ := newTestOrchestrator(t, cloudClient, Options{InitialOnline: true})
	ctx := context.Background()

	if _, err := tracker.TrackChange(ctx, "patients", "p9", changelog.OpDelete, nil); err != nil {
		t.Fatalf("track change: %v", err)
	}
	orchestrator.SyncPass(ctx)
	if cloudClient.deletes != 1 {
		t.Fatalf("expected one delete, got %d", cloudClient.deletes)
	}
}

func TestDrainOutboxBroadcastsCounts(t *testing.T) {
	queue, err := outbox.NewQueue(filepath.Join(t.TempDir(), "q.json"), nil)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	queue.Enqueue("POST", "/api/patients", nil, `{"id":"p1"}`)
	queue.Enqueue("POST", "/api/patients", nil, `{"id":"dup"}`)

	cloudClient := newFakeCloud()
	orchestrator, _, bus := newTestOrchestrator(t, cloudClient, Options{
		Queue: queue,
		Replay: func(ctx context.Context, m outbox.Mutation) (int, error) {
			if m.Body == `{"id":"dup"}` {
				return 409, nil
			}
			return 200, nil
		},
	})

	orchestrator.DrainOutbox(context.Background())

	if queue.Count() != 0 {
		t.Fatalf("expected drained queue, got %d", queue.Count())
	}
	updated := bus.byType(bridge.TypeOfflineQueueUpdated)
	if len(updated) != 1 {
		t.Fatalf("expected OFFLINE_QUEUE_UPDATED broadcast, got %d", len(updated))
	}
	var status bridge.QueueStatusData
	if err := bridge.DecodeData(updated[0], &status); err != nil || status.PendingCount != 0 {
		t.Fatalf("unexpected queue status: %+v err=%v", status, err)
	}
	completed := bus.byType(bridge.TypeSyncCompleted)
	if len(completed) != 1 {
		t.Fatalf("expected SYNC_COMPLETED broadcast, got %d", len(completed))
	}
	var data bridge.SyncCompletedData
	if err := bridge.DecodeData(completed[0], &data); err != nil || data.Synced != 1 || data.Rejected != 1 {
		t.Fatalf("rejected replays must stay visible in the broadcast: %+v err=%v", data, err)
	}
}

func TestOfflinePassesPreserveRetryBudget(t *testing.T) {
	cloudClient := newFakeCloud()
	orchestrator, tracker, _ := newTestOrchestrator(t, cloudClient, Options{RetryCap: 2})
	ctx := context.Background()

	if _, err := tracker.TrackChange(ctx, "patients", "p1", changelog.OpCreate, map[string]any{}); err != nil {
		t.Fatalf("track change: %v", err)
	}
	for i := 0; i < 3; i++ {
		orchestrator.SyncPass(ctx)
	}
	if cloudClient.upserts != 0 {
		t.Fatalf("offline passes must not attempt applies, got %d", cloudClient.upserts)
	}
	pending, _ := tracker.GetPendingChanges(ctx)
	if len(pending) != 1 || pending[0].RetryCount != 0 {
		t.Fatalf("offline passes must not consume the retry budget: %+v", pending)
	}

	orchestrator.SetOnline(true)
	orchestrator.SyncPass(ctx)
	if counts := tracker.Count(ctx); counts.Pending != 0 || counts.Synced != 1 {
		t.Fatalf("record must sync on the first online pass, got %+v", counts)
	}
}

func TestSubscribeDeliversStateSnapshots(t *testing.T) {
	cloudClient := newFakeCloud()
	orchestrator, _, _ := newTestOrchestrator(t, cloudClient, Options{})

	var mu sync.Mutex
	var seen []State
	orchestrator.Subscribe(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	mu.Lock()
	if len(seen) != 1 || seen[0].IsOnline {
		t.Fatalf("expected immediate delivery of the offline state, got %+v", seen)
	}
	mu.Unlock()

	orchestrator.SetOnline(true)
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		last := State{}
		if len(seen) > 0 {
			last = seen[len(seen)-1]
		}
		mu.Unlock()
		if last.IsOnline {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("online transition never reached the subscriber")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDebounceCoalescesRapidChangesIntoOnePass(t *testing.T) {
	cloudClient := newFakeCloud()
	orchestrator, tracker, bus := newTestOrchestrator(t, cloudClient, Options{
		DebounceDelay: 20 * time.Millisecond,
		SyncInterval:  time.Hour,
		InitialOnline: true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orchestrator.Run(ctx)

	for i := 0; i < 3; i++ {
		recordID := fmt.Sprintf("p%d", i)
		if _, err := tracker.TrackChange(ctx, "patients", recordID, changelog.OpCreate, map[string]any{}); err != nil {
			t.Fatalf("track change: %v", err)
		}
		orchestrator.NotifyChange()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if counts := tracker.Count(context.Background()); counts.Pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("debounced pass never drained the ledger: %+v", tracker.Count(context.Background()))
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give any extra (incorrectly uncoalesced) passes a moment to show up.
	time.Sleep(50 * time.Millisecond)
	if completed := bus.byType(bridge.TypeSyncCompleted); len(completed) != 1 {
		t.Fatalf("expected one coalesced pass, got %d completions", len(completed))
	}
}
