// Package cursor persists the per-conversation delivery cursor: the
// sequence number of the last message confirmed delivered to the sink.
// A cursor only moves forward, and only after a successful delivery.
package cursor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Entry is one cursor map entry, used for introspection output.
type Entry struct {
	Key      string `json:"key"`
	Sequence int64  `json:"itemId"`
}

// Store is the durable conversation-key -> last-delivered-sequence map.
// The relay loop is the only writer; the control surface reads concurrently.
type Store struct {
	mu    sync.RWMutex
	path  string
	seen  map[string]int64
	saves int64
	log   zerolog.Logger
}

// Open loads the cursor file at path. A missing or malformed file is not an
// error: the relay starts fresh and redelivers at most what the sink has
// already seen.
func Open(path string, log zerolog.Logger) *Store {
	s := &Store{
		path: path,
		seen: make(map[string]int64),
		log:  log.With().Str("component", "cursor").Logger(),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", path).Msg("Cursor file unreadable, starting fresh")
		}
		return s
	}
	var raw map[string]int64
	if err := json.Unmarshal(data, &raw); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("Cursor file corrupted, starting fresh")
		return s
	}
	s.seen = raw
	return s
}

// Get returns the last delivered sequence for key, or 0 if unseen.
func (s *Store) Get(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seen[key]
}

// Advance records seq as delivered for key and persists the map atomically.
// A sequence at or below the stored cursor is ignored without a save.
func (s *Store) Advance(key string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.seen[key] {
		return nil
	}
	s.seen[key] = seq
	return s.saveLocked()
}

// Len returns the number of tracked conversations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}

// Saves returns how many times the map has been persisted.
func (s *Store) Saves() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

// Recent returns up to n entries with the highest sequences, descending.
func (s *Store) Recent(n int) []Entry {
	s.mu.RLock()
	entries := make([]Entry, 0, len(s.seen))
	for k, v := range s.seen {
		entries = append(entries, Entry{Key: k, Sequence: v})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Sequence != entries[j].Sequence {
			return entries[i].Sequence > entries[j].Sequence
		}
		return entries[i].Key < entries[j].Key
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// Snapshot returns a copy of the full cursor map.
func (s *Store) Snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.seen))
	for k, v := range s.seen {
		out[k] = v
	}
	return out
}

// Evict drops the lowest-sequence entries until at most capacity remain,
// then persists. Returns the number of dropped entries.
func (s *Store) Evict(capacity int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.seen) <= capacity {
		return 0, nil
	}
	entries := make([]Entry, 0, len(s.seen))
	for k, v := range s.seen {
		entries = append(entries, Entry{Key: k, Sequence: v})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })

	dropped := len(entries) - capacity
	for _, e := range entries[:dropped] {
		delete(s.seen, e.Key)
	}
	s.log.Info().Int("dropped", dropped).Int("kept", capacity).Msg("Evicted stale cursors")
	return dropped, s.saveLocked()
}

// saveLocked writes the map to a temp file and renames it into place, so a
// crash mid-write leaves the previous file intact.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.seen, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cursors: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cursor dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cursor temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace cursor file: %w", err)
	}
	s.saves++
	return nil
}
