// Package store persists session records across restarts.
//
// Records are keyed by chat thread ID and written to sessions.json in the
// data directory. A record maps a thread to its native subprocess session ID
// so a conversation can be resumed after the bot restarts.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zhubert/relay-core/paths"
)

// Record is the durable state for one thread's session.
type Record struct {
	NativeSessionID   string    `json:"native_session_id"`
	ChannelID         string    `json:"channel_id"`
	WorkingDir        string    `json:"working_dir"`
	StartedAt         time.Time `json:"started_at"`
	LastActivityAt    time.Time `json:"last_activity_at"`
	IsPaused          bool      `json:"is_paused"`
	MessageCount      int       `json:"message_count"`
	TotalCost         float64   `json:"total_cost"`
	TotalInputTokens  int       `json:"total_input_tokens"`
	TotalOutputTokens int       `json:"total_output_tokens"`
}

// Store is a thread-safe session record store backed by a JSON file.
// All mutating operations write through to disk.
type Store struct {
	mu      sync.RWMutex
	path    string
	records map[string]Record
}

// Open loads the store from the default sessions file, creating an empty
// store if the file does not exist.
func Open() (*Store, error) {
	fp, err := paths.SessionsFilePath()
	if err != nil {
		return nil, err
	}
	return OpenAt(fp)
}

// OpenAt loads the store from an explicit path.
func OpenAt(path string) (*Store, error) {
	s := &Store{
		path:    path,
		records: make(map[string]Record),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session store: %w", err)
	}

	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("failed to parse session store: %w", err)
	}
	return s, nil
}

// Get returns the record for a thread and whether it exists.
func (s *Store) Get(threadID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[threadID]
	return rec, ok
}

// Put stores the record for a thread and writes through to disk.
func (s *Store) Put(threadID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[threadID] = rec
	return s.save()
}

// Delete removes the record for a thread. Deleting a missing record is not
// an error.
func (s *Store) Delete(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[threadID]; !ok {
		return nil
	}
	delete(s.records, threadID)
	return s.save()
}

// Touch updates the last-activity timestamp for a thread.
// A missing record is ignored.
func (s *Store) Touch(threadID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[threadID]
	if !ok {
		return nil
	}
	rec.LastActivityAt = at
	s.records[threadID] = rec
	return s.save()
}

// MarkPaused sets the paused flag for a thread. A missing record is ignored.
func (s *Store) MarkPaused(threadID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[threadID]
	if !ok {
		return nil
	}
	rec.IsPaused = paused
	s.records[threadID] = rec
	return s.save()
}

// RecordTurn folds a completed turn into a thread's record: bumps the
// message count, adds usage, and refreshes activity. A missing record is
// ignored.
func (s *Store) RecordTurn(threadID string, cost float64, inputTokens, outputTokens int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[threadID]
	if !ok {
		return nil
	}
	rec.MessageCount++
	rec.TotalCost += cost
	rec.TotalInputTokens += inputTokens
	rec.TotalOutputTokens += outputTokens
	rec.LastActivityAt = at
	s.records[threadID] = rec
	return s.save()
}

// All returns a copy of every record keyed by thread ID.
func (s *Store) All() map[string]Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Record, len(s.records))
	for k, v := range s.records {
		out[k] = v
	}
	return out
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// save writes the full record map atomically: marshal to a temp file in the
// same directory, then rename over the target. Caller must hold mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write session store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace session store: %w", err)
	}
	return nil
}
