// Package checkpoint persists per-source cursors and dedup windows.
// One JSON file per source, written atomically via temp-then-rename.
package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DedupEntry is one persisted fingerprint with its expiry.
type DedupEntry struct {
	FP        string    `json:"fp"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Checkpoint is the persisted cursor state for one source.
type Checkpoint struct {
	Cursor    string       `json:"cursor"`
	UpdatedAt time.Time    `json:"updated_at"`
	Dedup     []DedupEntry `json:"dedup,omitempty"`
}

// sourceState holds in-memory state for one source. Writes are
// serialized by mu; reads go through the atomic snapshot.
type sourceState struct {
	mu   sync.Mutex
	snap atomic.Pointer[Checkpoint]
	fps  map[string]time.Time
	idx  ttlIndex
}

// Store is the on-disk checkpoint store.
type Store struct {
	dir    string
	logger *slog.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	sources map[string]*sourceState
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets a custom clock for testing.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// Open loads all checkpoint files from dir, creating it if needed.
func Open(dir string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create dir %s: %w", dir, err)
	}
	s := &Store{
		dir:     dir,
		logger:  logger,
		clock:   time.Now,
		sources: make(map[string]*sourceState),
	}
	for _, opt := range opts {
		opt(s)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			// A half-written file cannot exist (rename is atomic); an
			// unreadable one is operator damage worth surfacing.
			return nil, fmt.Errorf("checkpoint: decode %s: %w", path, err)
		}
		s.sources[id] = newSourceState(&cp)
	}
	return s, nil
}

func newSourceState(cp *Checkpoint) *sourceState {
	st := &sourceState{fps: make(map[string]time.Time, len(cp.Dedup))}
	for _, d := range cp.Dedup {
		st.fps[d.FP] = d.ExpiresAt
		st.idx.add(d.FP, d.ExpiresAt)
	}
	st.snap.Store(cp)
	return st
}

func (s *Store) state(sourceID string) *sourceState {
	s.mu.RLock()
	st, ok := s.sources[sourceID]
	s.mu.RUnlock()
	if ok {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.sources[sourceID]; ok {
		return st
	}
	st = newSourceState(&Checkpoint{})
	s.sources[sourceID] = st
	return st
}

// Get returns a lock-free snapshot of the source's checkpoint. The
// second return is false when no checkpoint has ever been written.
func (s *Store) Get(sourceID string) (Checkpoint, bool) {
	s.mu.RLock()
	st, ok := s.sources[sourceID]
	s.mu.RUnlock()
	if !ok {
		return Checkpoint{}, false
	}
	cp := st.snap.Load()
	if cp.UpdatedAt.IsZero() && cp.Cursor == "" && len(cp.Dedup) == 0 {
		return *cp, false
	}
	return *cp, true
}

// Put advances the source's cursor and persists it. UpdatedAt is
// monotonically non-decreasing even if the wall clock steps backwards.
func (s *Store) Put(sourceID, cursor string) error {
	st := s.state(sourceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.clock().UTC()
	if prev := st.snap.Load(); now.Before(prev.UpdatedAt) {
		now = prev.UpdatedAt.Add(time.Nanosecond)
	}
	return s.persistLocked(sourceID, st, cursor, now)
}

// ObserveFingerprint records a fingerprint in the source's dedup window
// with the given TTL and persists the window.
func (s *Store) ObserveFingerprint(sourceID, fp string, ttl time.Duration) error {
	st := s.state(sourceID)
	st.mu.Lock()
	defer st.mu.Unlock()

	expires := s.clock().UTC().Add(ttl)
	st.fps[fp] = expires
	st.idx.add(fp, expires)

	prev := st.snap.Load()
	return s.persistLocked(sourceID, st, prev.Cursor, prev.UpdatedAt)
}

// Seen reports whether the fingerprint is in the source's live dedup
// window. Reads take the per-source lock briefly; no I/O.
func (s *Store) Seen(sourceID, fp string) bool {
	s.mu.RLock()
	st, ok := s.sources[sourceID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	expires, ok := st.fps[fp]
	st.mu.Unlock()
	return ok && expires.After(s.clock())
}

// Sweep drops expired fingerprints across all sources and persists the
// sources that changed.
func (s *Store) Sweep() {
	now := s.clock().UTC()

	s.mu.RLock()
	ids := make([]string, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		st := s.state(id)
		st.mu.Lock()
		expired := st.idx.expire(now)
		for _, fp := range expired {
			delete(st.fps, fp)
		}
		if len(expired) > 0 {
			prev := st.snap.Load()
			if err := s.persistLocked(id, st, prev.Cursor, prev.UpdatedAt); err != nil {
				s.logger.Error("checkpoint sweep persist failed", "source", id, "error", err)
			}
		}
		st.mu.Unlock()
	}
}

// persistLocked builds the new snapshot and writes it atomically.
// Callers hold st.mu.
func (s *Store) persistLocked(sourceID string, st *sourceState, cursor string, updatedAt time.Time) error {
	cp := &Checkpoint{
		Cursor:    cursor,
		UpdatedAt: updatedAt,
		Dedup:     make([]DedupEntry, 0, len(st.fps)),
	}
	for _, e := range st.idx.entries {
		cp.Dedup = append(cp.Dedup, DedupEntry{FP: e.fp, ExpiresAt: e.expiresAt})
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: encode %s: %w", sourceID, err)
	}

	final := filepath.Join(s.dir, sourceID+".json")
	tmp, err := os.CreateTemp(s.dir, sourceID+".tmp-*")
	if err != nil {
		return fmt.Errorf("checkpoint: temp file for %s: %w", sourceID, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: write %s: %w", sourceID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: fsync %s: %w", sourceID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: close temp for %s: %w", sourceID, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("checkpoint: rename %s: %w", sourceID, err)
	}

	st.snap.Store(cp)
	return nil
}
