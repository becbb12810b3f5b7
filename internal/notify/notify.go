// Package notify turns push payloads into bridge NOTIFY broadcasts and keeps
// re-announcing time-critical ones until a foreground context acknowledges
// them. Pending notifications survive restarts in per-kind JSON files.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caresync/syncagent/internal/bridge"
	"github.com/caresync/syncagent/internal/storeguard"
)

var ErrInvalidInput = errors.New("invalid input")

const (
	KindAssignment    = "assignment"
	KindSchedule      = "schedule"
	KindMDTInvitation = "mdt-invitation"
)

// vibrationPatterns gives each kind a distinct haptic signature so staff can
// tell an assignment apart from an invitation without looking.
var vibrationPatterns = map[string][]int{
	KindAssignment:    {200, 100, 200},
	KindSchedule:      {200},
	KindMDTInvitation: {300, 100, 300, 100, 300},
}

// Record is one delivered notification awaiting acknowledgement.
type Record struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Title           string    `json:"title"`
	Body            string    `json:"body,omitempty"`
	Tag             string    `json:"tag,omitempty"`
	Link            string    `json:"link,omitempty"`
	ReceivedAt      time.Time `json:"receivedAt"`
	LastAnnouncedAt time.Time `json:"lastAnnouncedAt"`
}

// Broadcaster fans a message out to all connected foreground contexts.
type Broadcaster interface {
	Broadcast(msg bridge.Message)
}

// ContextCounter reports how many foreground contexts are connected. While
// any context is open the richer in-app surface handles attention, so
// re-announcements are suppressed.
type ContextCounter interface {
	ContextCount() int
}

type Options struct {
	Dir      string
	Bus      Broadcaster
	Contexts ContextCounter
	Logger   *log.Logger

	AssignmentCadence time.Duration
	InvitationCadence time.Duration
	TickInterval      time.Duration
}

type Dispatcher struct {
	bus      Broadcaster
	contexts ContextCounter
	logger   *log.Logger

	assignmentCadence time.Duration
	invitationCadence time.Duration
	tick              time.Duration

	stores map[string]*recordStore
}

func New(opts Options) (*Dispatcher, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" || opts.Bus == nil {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	assignmentCadence := opts.AssignmentCadence
	if assignmentCadence <= 0 {
		assignmentCadence = 30 * time.Second
	}
	invitationCadence := opts.InvitationCadence
	if invitationCadence <= 0 {
		invitationCadence = 45 * time.Second
	}
	tick := opts.TickInterval
	if tick <= 0 {
		tick = 5 * time.Second
	}
	d := &Dispatcher{
		bus:               opts.Bus,
		contexts:          opts.Contexts,
		logger:            logger,
		assignmentCadence: assignmentCadence,
		invitationCadence: invitationCadence,
		tick:              tick,
		stores:            map[string]*recordStore{},
	}
	for _, kind := range []string{KindAssignment, KindSchedule, KindMDTInvitation} {
		d.stores[kind] = openRecordStore(kind, filepath.Join(dir, "notify-"+kind+".json"), logger)
	}
	return d, nil
}

type pushPayload struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Tag   string `json:"tag"`
	Link  string `json:"link"`
}

// HandlePush ingests one push payload. Payloads are JSON when the sender
// cooperates, but a plain-text body must still produce a visible
// notification rather than an error.
func (d *Dispatcher) HandlePush(payload []byte) Record {
	var parsed pushPayload
	if err := json.Unmarshal(payload, &parsed); err != nil || parsed.Title == "" && parsed.Kind == "" {
		parsed = pushPayload{Title: strings.TrimSpace(string(payload))}
	}
	if parsed.Title == "" {
		parsed.Title = "CareSync"
	}
	if _, known := vibrationPatterns[parsed.Kind]; !known {
		parsed.Kind = KindSchedule
	}
	if parsed.ID == "" {
		parsed.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	rec := Record{
		ID:              parsed.ID,
		Kind:            parsed.Kind,
		Title:           parsed.Title,
		Body:            parsed.Body,
		Tag:             parsed.Tag,
		Link:            parsed.Link,
		ReceivedAt:      now,
		LastAnnouncedAt: now,
	}
	if rec.Kind != KindSchedule {
		d.stores[rec.Kind].put(rec)
	}
	d.announce(rec)
	return rec
}

// Acknowledge marks a notification handled so it stops re-announcing. It is
// idempotent: acknowledging an unknown or already-acknowledged id is a no-op,
// because multiple contexts may ack the same tap.
func (d *Dispatcher) Acknowledge(id string) {
	for _, store := range d.stores {
		store.delete(id)
	}
}

// Pending returns unacknowledged notifications across all kinds, oldest first.
func (d *Dispatcher) Pending() []Record {
	var all []Record
	for _, store := range d.stores {
		all = append(all, store.snapshot()...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ReceivedAt.Before(all[j].ReceivedAt) })
	return all
}

// Run re-announces overdue notifications until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(time.Now().UTC())
		}
	}
}

// Sweep announces every notification whose cadence has elapsed. Nothing is
// announced while a foreground context is connected; the in-app surface owns
// attention then and the record simply waits.
func (d *Dispatcher) Sweep(now time.Time) int {
	if d.contexts != nil && d.contexts.ContextCount() > 0 {
		return 0
	}
	announced := 0
	for kind, cadence := range map[string]time.Duration{
		KindAssignment:    d.assignmentCadence,
		KindMDTInvitation: d.invitationCadence,
	} {
		store := d.stores[kind]
		for _, rec := range store.snapshot() {
			if !dueForReannounce(rec, cadence, now) {
				continue
			}
			rec.LastAnnouncedAt = now
			store.put(rec)
			d.announce(rec)
			announced++
		}
	}
	return announced
}

func dueForReannounce(rec Record, cadence time.Duration, now time.Time) bool {
	return now.Sub(rec.LastAnnouncedAt) >= cadence
}

func (d *Dispatcher) announce(rec Record) {
	d.bus.Broadcast(bridge.Make(bridge.TypeNotify, bridge.NotifyData{
		Kind:      rec.Kind,
		ID:        rec.ID,
		Title:     rec.Title,
		Body:      rec.Body,
		Tag:       rec.Tag,
		Link:      rec.Link,
		Vibration: vibrationPatterns[rec.Kind],
	}))
}

// recordStore is one kind's persistent pending set. Like the other JSON
// stores it opens through the recovery guard and degrades to memory-only on
// persistence failure instead of dropping notifications.
type recordStore struct {
	name     string
	path     string
	logger   *log.Logger
	mu       sync.Mutex
	records  map[string]Record
	degraded bool
}

func openRecordStore(name, path string, logger *log.Logger) *recordStore {
	s := &recordStore{name: name, path: path, logger: logger, records: map[string]Record{}}
	outcome, _ := storeguard.OpenStore("notify-"+name, logger,
		func() error {
			s.records = map[string]Record{}
			return s.load()
		},
		func() error { return os.Remove(s.path) },
	)
	if outcome == storeguard.Degraded {
		s.records = map[string]Record{}
		s.degraded = true
	}
	return s
}

func (s *recordStore) put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = rec
	s.saveLocked()
}

func (s *recordStore) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return
	}
	delete(s.records, id)
	s.saveLocked()
}

func (s *recordStore) snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	return records
}

func (s *recordStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var records map[string]Record
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	if records != nil {
		s.records = records
	}
	return nil
}

func (s *recordStore) saveLocked() {
	if s.degraded {
		return
	}
	data, err := json.Marshal(s.records)
	if err != nil {
		s.logger.Printf("notify store %s marshal failed, continuing in memory: %v", s.name, err)
		s.degraded = true
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.logger.Printf("notify store %s mkdir failed, continuing in memory: %v", s.name, err)
		s.degraded = true
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Printf("notify store %s write failed, continuing in memory: %v", s.name, err)
		s.degraded = true
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		s.logger.Printf("notify store %s rename failed, continuing in memory: %v", s.name, err)
		s.degraded = true
	}
}
