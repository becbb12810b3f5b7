// Package syncer drains the local change log and the offline request queue
// against the cloud endpoint, and owns the process-wide sync state that is
// broadcast to every foreground context.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caresync/syncagent/internal/bridge"
	"github.com/caresync/syncagent/internal/changelog"
	"github.com/caresync/syncagent/internal/cloud"
	"github.com/caresync/syncagent/internal/outbox"
)

var ErrInvalidInput = errors.New("invalid input")

// State is the process-wide sync state. It is mutated exclusively by the
// orchestrator and pushed to subscribers on every mutation.
type State struct {
	IsOnline       bool       `json:"isOnline"`
	PendingChanges int        `json:"pendingChanges"`
	LastSyncAt     *time.Time `json:"lastSyncAt,omitempty"`
	IsSyncing      bool       `json:"isSyncing"`
	SyncError      string     `json:"syncError,omitempty"`
	QueuedRequests int        `json:"queuedRequests"`
	Stalled        int        `json:"stalled,omitempty"`
}

// Broadcaster fans a message out to all connected foreground contexts.
type Broadcaster interface {
	Broadcast(msg bridge.Message)
}

type noopBroadcaster struct{}

func (noopBroadcaster) Broadcast(bridge.Message) {}

type Options struct {
	Tracker *changelog.Tracker
	Queue   *outbox.Queue
	Cloud   cloud.Client
	// Replay re-issues one queued gateway mutation and returns the HTTP
	// status of the attempt.
	Replay func(ctx context.Context, m outbox.Mutation) (int, error)
	Bus    Broadcaster
	Logger *log.Logger

	// RetryCap is the retry count beyond which a change is skipped by
	// passes and reported as stalled instead of being attempted forever.
	RetryCap      int
	DebounceDelay time.Duration
	SyncInterval  time.Duration
	InitialOnline bool
}

type Orchestrator struct {
	tracker *changelog.Tracker
	queue   *outbox.Queue
	cloud   cloud.Client
	replay  func(ctx context.Context, m outbox.Mutation) (int, error)
	bus     Broadcaster
	logger  *log.Logger

	retryCap int
	debounce time.Duration
	interval time.Duration

	inFlight atomic.Bool
	kick     chan struct{}

	mu            sync.Mutex
	state         State
	subscribers   []func(State)
	debounceTimer *time.Timer
}

func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Tracker == nil || opts.Cloud == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	bus := opts.Bus
	if bus == nil {
		bus = noopBroadcaster{}
	}
	retryCap := opts.RetryCap
	if retryCap <= 0 {
		retryCap = 10
	}
	debounce := opts.DebounceDelay
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	interval := opts.SyncInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	o := &Orchestrator{
		tracker:  opts.Tracker,
		queue:    opts.Queue,
		cloud:    opts.Cloud,
		replay:   opts.Replay,
		bus:      bus,
		logger:   logger,
		retryCap: retryCap,
		debounce: debounce,
		interval: interval,
		kick:     make(chan struct{}, 1),
		state:    State{IsOnline: opts.InitialOnline},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if at, ok := opts.Tracker.LastSyncAt(ctx); ok {
		o.state.LastSyncAt = &at
	}
	counts := opts.Tracker.Count(ctx)
	o.state.PendingChanges = counts.Pending
	if opts.Queue != nil {
		o.state.QueuedRequests = opts.Queue.Count()
	}
	return o, nil
}

// Run services triggers until ctx is cancelled: manual/debounced kicks,
// the periodic wakeup, and online transitions all land here.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.kick:
		case <-ticker.C:
		}
		o.SyncPass(ctx)
		o.DrainOutbox(ctx)
	}
}

// Subscribe registers an in-process listener for state mutations. The
// current state is delivered immediately.
func (o *Orchestrator) Subscribe(fn func(State)) {
	o.mu.Lock()
	o.subscribers = append(o.subscribers, fn)
	snapshot := o.state
	o.mu.Unlock()
	fn(snapshot)
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// TriggerSync requests a pass. It is a no-op while a pass is in flight;
// the running pass picks up items enumerated at its start only.
func (o *Orchestrator) TriggerSync() {
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// NotifyChange coalesces rapid successive trackChange calls into one
// delayed sync trigger and tells other contexts to expect fresh data.
func (o *Orchestrator) NotifyChange() {
	o.mu.Lock()
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	o.debounceTimer = time.AfterFunc(o.debounce, o.TriggerSync)
	counts := o.tracker.Count(context.Background())
	o.state.PendingChanges = counts.Pending
	o.notifyLocked()
	o.mu.Unlock()
	o.bus.Broadcast(bridge.Make(bridge.TypeSyncRequired, bridge.SyncRequiredData{Timestamp: time.Now().UTC()}))
}

// SetOnline records a connectivity transition. Coming back online triggers
// a drain of both queues; going offline aborts nothing, an in-flight pass
// simply fails its remaining attempts and leaves records queued.
func (o *Orchestrator) SetOnline(online bool) {
	o.mu.Lock()
	wasOnline := o.state.IsOnline
	o.state.IsOnline = online
	changed := wasOnline != online
	if changed {
		o.notifyLocked()
	}
	o.mu.Unlock()
	if changed && online {
		o.TriggerSync()
	}
}

// SyncPass drains the change log once. A pass already running suppresses
// this one entirely; overlapping passes cannot occur.
func (o *Orchestrator) SyncPass(ctx context.Context) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer o.inFlight.Store(false)

	// A pass while provably offline would fail every attempt and burn the
	// retry budget; records would stall before the connection ever returns.
	o.mu.Lock()
	online := o.state.IsOnline
	o.mu.Unlock()
	if !online {
		o.logger.Printf("sync pass skipped while offline")
		return
	}

	passStart := time.Now().UTC()
	o.updateState(func(s *State) { s.IsSyncing = true })

	pending, err := o.tracker.GetPendingChanges(ctx)
	if err != nil {
		o.logger.Printf("sync pass could not enumerate pending changes: %v", err)
		o.updateState(func(s *State) {
			s.IsSyncing = false
			s.SyncError = err.Error()
		})
		return
	}

	var synced, failed, stalled int
	for _, change := range pending {
		if ctx.Err() != nil {
			break
		}
		if change.RetryCount > o.retryCap {
			stalled++
			continue
		}
		if applyErr := o.apply(ctx, change); applyErr != nil {
			failed++
			o.logger.Printf("apply %s %s/%s failed (retry %d): %v",
				change.Op, change.Table, change.RecordID, change.RetryCount+1, applyErr)
			if retryErr := o.tracker.UpdateRetry(ctx, change.ID, applyErr); retryErr != nil {
				o.logger.Printf("failed to record retry for change %d: %v", change.ID, retryErr)
			}
			continue
		}
		if markErr := o.tracker.MarkSynced(ctx, change.ID, time.Now().UTC()); markErr != nil {
			o.logger.Printf("failed to mark change %d synced: %v", change.ID, markErr)
		}
		synced++
	}

	if failed == 0 && ctx.Err() == nil {
		if _, purgeErr := o.tracker.PurgeSynced(ctx, passStart); purgeErr != nil {
			o.logger.Printf("failed to purge synced changes: %v", purgeErr)
		}
		o.tracker.SetLastSyncAt(ctx, time.Now().UTC())
	}

	counts := o.tracker.Count(ctx)
	now := time.Now().UTC()
	o.updateState(func(s *State) {
		s.IsSyncing = false
		s.PendingChanges = counts.Pending
		s.Stalled = stalled
		if failed == 0 {
			s.SyncError = ""
			s.LastSyncAt = &now
		} else {
			s.SyncError = fmt.Sprintf("%d changes failed to apply", failed)
		}
	})
	o.bus.Broadcast(bridge.Make(bridge.TypeSyncCompleted, bridge.SyncCompletedData{
		Synced:    synced,
		Failed:    failed,
		Remaining: counts.Pending,
		Stalled:   stalled,
	}))
}

func (o *Orchestrator) apply(ctx context.Context, change changelog.Change) error {
	switch change.Op {
	case changelog.OpCreate, changelog.OpUpdate:
		return o.cloud.Upsert(ctx, change.Table, change.RecordID, change.Data)
	case changelog.OpDelete:
		return o.cloud.Delete(ctx, change.Table, change.RecordID)
	default:
		return fmt.Errorf("%w: operation %q", ErrInvalidInput, change.Op)
	}
}

// DrainOutbox replays the gateway's offline queue. It is independent of the
// change-log pass: the two queues originate in different execution contexts
// and are never merged.
func (o *Orchestrator) DrainOutbox(ctx context.Context) {
	if o.queue == nil || o.replay == nil {
		return
	}
	if o.queue.Count() == 0 {
		return
	}
	result := o.queue.Drain(ctx, o.replay)
	o.updateState(func(s *State) { s.QueuedRequests = result.Remaining })
	o.bus.Broadcast(bridge.Make(bridge.TypeOfflineQueueUpdated, bridge.QueueStatusData{
		PendingCount: result.Remaining,
		Degraded:     o.queue.Degraded(),
	}))
	o.bus.Broadcast(bridge.Make(bridge.TypeSyncCompleted, bridge.SyncCompletedData{
		Synced:    result.Synced,
		Rejected:  result.Rejected,
		Failed:    result.Failed,
		Remaining: result.Remaining,
	}))
}

// RetryStalled re-arms changes parked beyond the retry cap and schedules a
// pass for them.
func (o *Orchestrator) RetryStalled(ctx context.Context) (int, error) {
	reset, err := o.tracker.RetryStalled(ctx, o.retryCap)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		o.TriggerSync()
	}
	return reset, nil
}

func (o *Orchestrator) updateState(mutate func(*State)) {
	o.mu.Lock()
	mutate(&o.state)
	o.notifyLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) notifyLocked() {
	snapshot := o.state
	subscribers := append([]func(State){}, o.subscribers...)
	go func() {
		for _, fn := range subscribers {
			fn(snapshot)
		}
	}()
	o.bus.Broadcast(bridge.Make(bridge.TypeSyncState, bridge.SyncStateData{
		IsOnline:       snapshot.IsOnline,
		PendingChanges: snapshot.PendingChanges,
		LastSyncAt:     snapshot.LastSyncAt,
		IsSyncing:      snapshot.IsSyncing,
		SyncError:      snapshot.SyncError,
		QueuedRequests: snapshot.QueuedRequests,
		Stalled:        snapshot.Stalled,
	}))
}
