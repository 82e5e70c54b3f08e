// Package store provides the durable on-disk client store. It holds the
// client identity and the pending-progress map that survives restarts.
package store

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/watchlink/watchlink/internal/domain/media"
)

// Entry is a pending progress record for a single item.
type Entry struct {
	Position time.Duration
	Duration time.Duration
	State    media.TimelineState
}

// persistedEntry is the on-disk representation. Positions are stored as
// integral milliseconds so the file stays readable and stable across
// Go versions.
type persistedEntry struct {
	PositionMs int64  `json:"position_ms"`
	DurationMs int64  `json:"duration_ms"`
	State      string `json:"state"`
}

type persistedData struct {
	ClientID        string                    `json:"client_id"`
	PendingProgress map[string]persistedEntry `json:"pending_progress"`
}

// Store is a single-writer JSON file store.
type Store struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
	data persistedData
}

// Open loads the store from path, creating it (with a fresh client ID) if
// it does not exist yet.
func Open(fs afero.Fs, path string) (*Store, error) {
	s := &Store{fs: fs, path: path}

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stat store file")
	}
	if exists {
		raw, err := afero.ReadFile(fs, path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read store file")
		}
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, errors.Wrap(err, "failed to parse store file")
		}
	}
	if s.data.PendingProgress == nil {
		s.data.PendingProgress = make(map[string]persistedEntry)
	}
	if s.data.ClientID == "" {
		s.data.ClientID = uuid.New().String()
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ClientID returns the persistent client identity.
func (s *Store) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ClientID
}

// GetPending returns the pending entry for the given key.
func (s *Store) GetPending(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.data.PendingProgress[key]
	if !ok {
		return Entry{}, false
	}
	return fromPersisted(p), true
}

// ListPending returns a copy of all pending entries.
func (s *Store) ListPending() map[string]Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Entry, len(s.data.PendingProgress))
	for k, p := range s.data.PendingProgress {
		out[k] = fromPersisted(p)
	}
	return out
}

// UpsertPending writes the pending entry for the given key. Negative
// positions and durations are clamped to zero.
func (s *Store) UpsertPending(key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.PendingProgress[key] = persistedEntry{
		PositionMs: clampMs(e.Position),
		DurationMs: clampMs(e.Duration),
		State:      string(e.State),
	}
	return s.saveLocked()
}

// RemovePending removes the pending entry for the given key. Removing a
// missing key is a no-op.
func (s *Store) RemovePending(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.PendingProgress[key]; !ok {
		return nil
	}
	delete(s.data.PendingProgress, key)
	return s.saveLocked()
}

// saveLocked writes the store to disk. Must be called with s.mu held.
func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode store")
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create store directory")
		}
	}
	if err := afero.WriteFile(s.fs, s.path, raw, 0644); err != nil {
		return errors.Wrap(err, "failed to write store file")
	}
	return nil
}

func fromPersisted(p persistedEntry) Entry {
	return Entry{
		Position: time.Duration(p.PositionMs) * time.Millisecond,
		Duration: time.Duration(p.DurationMs) * time.Millisecond,
		State:    media.TimelineState(p.State),
	}
}

func clampMs(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}
