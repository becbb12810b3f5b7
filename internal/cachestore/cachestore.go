// Package cachestore persists HTTP response snapshots in named cache tiers.
// Each tier is one JSON file under the data directory; the file name embeds
// the tier class and the agent version tag so stale tiers from a previous
// version can be deleted by a plain name comparison.
package cachestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caresync/syncagent/internal/storeguard"
)

const (
	ClassShell   = "shell"
	ClassDynamic = "dynamic"
	ClassAPI     = "api"
)

var ErrInvalidInput = errors.New("invalid input")

// Entry is one cached request/response pair.
type Entry struct {
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Status   int               `json:"status"`
	Header   map[string]string `json:"header,omitempty"`
	Body     []byte            `json:"body,omitempty"`
	StoredAt time.Time         `json:"storedAt"`
}

func entryKey(method, url string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(url)
}

type tierState struct {
	Entries map[string]Entry `json:"entries"`
}

// Tier is a named persistent collection of response snapshots with one
// refresh policy, decided by the gateway. A tier whose backing file is
// unusable keeps serving from memory for the rest of the process lifetime.
type Tier struct {
	name     string
	path     string
	logger   *log.Logger
	mu       sync.Mutex
	entries  map[string]Entry
	degraded bool
}

func (t *Tier) Name() string { return t.name }

func (t *Tier) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

// Match returns a copy of the cached entry for method+url, if present.
func (t *Tier) Match(method, url string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[entryKey(method, url)]
	if !ok {
		return Entry{}, false
	}
	clone := entry
	clone.Header = cloneHeader(entry.Header)
	clone.Body = append([]byte(nil), entry.Body...)
	return clone, true
}

// Put stores an entry, overwriting any previous snapshot for the same
// method+url. A persistence failure degrades the tier to memory-only
// rather than surfacing an error to the request path.
func (t *Tier) Put(entry Entry) {
	if strings.TrimSpace(entry.URL) == "" {
		return
	}
	if entry.Method == "" {
		entry.Method = "GET"
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now().UTC()
	}
	entry.Header = cloneHeader(entry.Header)
	entry.Body = append([]byte(nil), entry.Body...)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[entryKey(entry.Method, entry.URL)] = entry
	t.saveLocked()
}

func (t *Tier) Delete(method, url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, entryKey(method, url))
	t.saveLocked()
}

func (t *Tier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = map[string]Entry{}
	t.saveLocked()
}

func (t *Tier) load() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot tierState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Entries != nil {
		t.entries = snapshot.Entries
	}
	return nil
}

func (t *Tier) saveLocked() {
	if t.degraded {
		return
	}
	snapshot := tierState{Entries: t.entries}
	data, err := json.Marshal(snapshot)
	if err != nil {
		t.logger.Printf("cache tier %s marshal failed, keeping entries in memory: %v", t.name, err)
		t.degraded = true
		return
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		t.logger.Printf("cache tier %s mkdir failed, keeping entries in memory: %v", t.name, err)
		t.degraded = true
		return
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.logger.Printf("cache tier %s write failed, keeping entries in memory: %v", t.name, err)
		t.degraded = true
		return
	}
	if err := os.Rename(tmp, t.path); err != nil {
		t.logger.Printf("cache tier %s rename failed, keeping entries in memory: %v", t.name, err)
		t.degraded = true
	}
}

// Store owns the cache tiers for one version tag.
type Store struct {
	dir        string
	prefix     string
	versionTag string
	logger     *log.Logger
	mu         sync.Mutex
	tiers      map[string]*Tier
}

type Options struct {
	Dir        string
	Prefix     string
	VersionTag string
	Logger     *log.Logger
}

func NewStore(opts Options) (*Store, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "caresync"
	}
	versionTag := strings.TrimSpace(opts.VersionTag)
	if versionTag == "" {
		versionTag = "dev"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		dir:        dir,
		prefix:     prefix,
		versionTag: versionTag,
		logger:     logger,
		tiers:      map[string]*Tier{},
	}, nil
}

func (s *Store) VersionTag() string { return s.versionTag }

func (s *Store) tierFileName(class string) string {
	return fmt.Sprintf("%s-%s-%s.json", s.prefix, class, s.versionTag)
}

// Tier returns the tier for class, opening it through the recovery guard on
// first use. Concurrent callers share the one handle.
func (s *Store) Tier(class string) *Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tier, ok := s.tiers[class]; ok {
		return tier
	}
	tier := &Tier{
		name:    s.prefix + "-" + class + "-" + s.versionTag,
		path:    filepath.Join(s.dir, s.tierFileName(class)),
		logger:  s.logger,
		entries: map[string]Entry{},
	}
	outcome, _ := storeguard.OpenStore(tier.name, s.logger,
		func() error {
			tier.entries = map[string]Entry{}
			return tier.load()
		},
		func() error { return os.Remove(tier.path) },
	)
	if outcome == storeguard.Degraded {
		tier.entries = map[string]Entry{}
		tier.degraded = true
	}
	s.tiers[class] = tier
	return tier
}

// DeleteStaleTiers removes tier files written under a different version tag.
// Tiers matching the current tag are never touched.
func (s *Store) DeleteStaleTiers() error {
	names, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	suffix := "-" + s.versionTag + ".json"
	for _, info := range names {
		name := info.Name()
		if info.IsDir() || !strings.HasPrefix(name, s.prefix+"-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		if strings.HasSuffix(name, suffix) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
			s.logger.Printf("failed to delete stale cache tier %s: %v", name, err)
			continue
		}
		s.logger.Printf("deleted stale cache tier %s", name)
	}
	return nil
}

// Clear wipes the dynamic and API tiers. The shell tier survives so an
// explicit cache clear cannot take the offline app shell away.
func (s *Store) Clear() {
	s.Tier(ClassDynamic).Clear()
	s.Tier(ClassAPI).Clear()
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
