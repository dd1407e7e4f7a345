package ledger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentctl/internal/stream"
)

// debounceWindow coalesces bursts of events into a single on-disk write.
const debounceWindow = 250 * time.Millisecond

// Store is the mutable, process-local holder of the projected ledger. It
// applies events synchronously (so readers always see the latest state
// in memory) and persists to disk on a debounced timer plus an explicit
// Flush for shutdown.
type Store struct {
	mu       sync.Mutex
	path     string
	jsonPath string
	ledger   *Ledger
	log      *slog.Logger

	dirty bool
	timer *time.Timer
}

// NewStore creates a store that renders to path (markdown) and keeps a
// JSON snapshot alongside it at path+".json" for fast, replay-free reload.
func NewStore(path string, initial *Ledger) *Store {
	if initial == nil {
		initial = New("")
	}
	return &Store{
		path:     path,
		jsonPath: path + ".json",
		ledger:   initial,
		log:      slog.With("component", "ledger_store"),
	}
}

// LoadSnapshot reads a previously persisted JSON snapshot, if present. The
// event log remains the source of truth: crash recovery always replaces
// the loaded ledger with a full replay of the log, keeping only the
// snapshot's session_id.
func LoadSnapshot(path string) (*Ledger, error) {
	data, err := os.ReadFile(path + ".json")
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ledger: read snapshot: %w", err)
	}
	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("ledger: decode snapshot: %w", err)
	}
	return &l, nil
}

// Current returns a snapshot of the projected ledger.
func (s *Store) Current() Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.ledger
}

// Mutate applies an arbitrary change to the projected ledger and schedules a
// debounced write. Used by collaborators (e.g. internal/actor's processor)
// that need to reflect a non-ledger.* event into the projection without
// round-tripping through Apply's event-type switch.
func (s *Store) Mutate(fn func(*Ledger)) {
	s.mu.Lock()
	fn(s.ledger)
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(debounceWindow, s.flushTimer)
	} else {
		s.timer.Reset(debounceWindow)
	}
	s.mu.Unlock()
}

// ApplyEvent folds a stream event into the in-memory ledger and schedules a
// debounced write.
func (s *Store) ApplyEvent(ev stream.Event) {
	s.mu.Lock()
	Apply(s.ledger, ev)
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(debounceWindow, s.flushTimer)
	} else {
		s.timer.Reset(debounceWindow)
	}
	s.mu.Unlock()
}

func (s *Store) flushTimer() {
	if err := s.Flush(); err != nil {
		s.log.Warn("debounced ledger flush failed", "error", err)
	}
}

// Flush writes the current ledger to disk immediately, rendering both the
// human-readable markdown view and the JSON recovery snapshot under an
// exclusive file lock.
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	snapshot := *s.ledger
	s.dirty = false
	s.mu.Unlock()

	md := Render(&snapshot)
	jsonData, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal snapshot: %w", err)
	}

	return withFileLock(s.path, func() error {
		if err := os.WriteFile(s.path, []byte(md), 0o644); err != nil {
			return fmt.Errorf("ledger: write markdown: %w", err)
		}
		if err := os.WriteFile(s.jsonPath, jsonData, 0o644); err != nil {
			return fmt.Errorf("ledger: write snapshot: %w", err)
		}
		return nil
	})
}

// Close stops the debounce timer and performs a final synchronous flush,
// part of the shutdown protocol.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	return s.Flush()
}
