// Package stream implements the durable event stream: the append-only,
// line-delimited log that is the orchestrator's system of record, plus
// in-process pub/sub, a bounded history ring, segment rotation, and replay.
//
// Subscribers that need a terminal event must snapshot History before
// subscribing (catchup-then-listen); a failing subscriber is isolated and
// never blocks Append.
package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentctl/internal/ids"
	"github.com/codeready-toolchain/agentctl/internal/orcherr"
)

const (
	defaultHistoryCapacity = 1000
	defaultMaxSegmentBytes = 10 * 1024 * 1024
)

// Handler is invoked for each event a subscriber is interested in. Handlers
// for a single subscription are invoked sequentially in offset order; a
// panicking or erroring handler is isolated and logged, never propagated.
type Handler func(Event)

type subscription struct {
	id      uint64
	typ     EventType
	handler Handler
}

// ResumeStats summarizes a completed replay.
type ResumeStats struct {
	EventsReplayed int
	LastOffset     uint64
}

// Stream is a single append-only event log with rotation and pub/sub.
type Stream struct {
	mu           sync.Mutex // serializes appends and the delivery queue
	dir          string
	baseName     string
	maxSegBytes  int64
	file         *os.File
	writer       *bufio.Writer
	writtenBytes int64
	nextOffset   uint64
	pending      []Event // appended, not yet delivered to subscribers
	draining     bool    // an Append call is delivering pending outside mu

	historyMu sync.Mutex
	history   *ring

	subsMu  sync.Mutex
	subs    []*subscription
	subSeq  uint64

	log *slog.Logger
}

// Options configures a new Stream.
type Options struct {
	// Dir is the directory the segment files live in (created if absent).
	Dir string
	// BaseName is the current segment's filename, e.g. "orchestration_stream.jsonl".
	BaseName string
	// MaxSegmentBytes is the rotation threshold; 0 uses the 10MiB default.
	MaxSegmentBytes int64
	// HistoryCapacity is the ring size; 0 uses the 1000 default.
	HistoryCapacity int
}

// New opens (creating if necessary) the stream's current segment for append.
func New(opts Options) (*Stream, error) {
	if opts.Dir == "" || opts.BaseName == "" {
		return nil, fmt.Errorf("%w: stream dir and base name are required", orcherr.ErrMissingArgument)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating stream dir: %w", err)
	}

	maxBytes := opts.MaxSegmentBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxSegmentBytes
	}

	s := &Stream{
		dir:         opts.Dir,
		baseName:    opts.BaseName,
		maxSegBytes: maxBytes,
		history:     newRing(coalesce(opts.HistoryCapacity, defaultHistoryCapacity)),
		log:         slog.With("component", "stream"),
	}
	if err := s.openCurrentSegment(); err != nil {
		return nil, err
	}
	return s, nil
}

func coalesce(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (s *Stream) currentPath() string {
	return filepath.Join(s.dir, s.baseName)
}

func (s *Stream) openCurrentSegment() error {
	f, err := os.OpenFile(s.currentPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: opening segment: %v", orcherr.ErrStreamUnavailable, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: stat segment: %v", orcherr.ErrStreamUnavailable, err)
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.writtenBytes = info.Size()
	return nil
}

// Append assigns a monotonically increasing offset, unique id, and timestamp
// to in, persists it before returning, then notifies subscribers without
// holding the append lock, so a handler may itself call Append. An Append
// made while another call is delivering (for example from a handler) queues
// its event, and the delivering call hands it out in offset order. Returns
// ErrStreamUnavailable only if the underlying log write fails — callers must
// treat that as fatal for the originating request.
func (s *Stream) Append(in Input) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.nextOffset++
	ev := Event{
		Offset:        s.nextOffset,
		ID:            ids.NewEventID(in.CorrelationID, now),
		Type:          in.Type,
		TimestampMS:   now.UnixMilli(),
		StreamID:      in.StreamID,
		CorrelationID: in.CorrelationID,
		Actor:         in.Actor,
		ParentEventID: in.ParentEventID,
		Payload:       in.Payload,
		Metadata:      in.Metadata,
		Checkpoint:    in.Checkpoint,
	}

	line, err := json.Marshal(ev)
	if err != nil {
		s.nextOffset-- // roll back: nothing was persisted
		return Event{}, fmt.Errorf("marshaling event: %w", err)
	}
	if _, err := s.writer.Write(line); err != nil {
		s.nextOffset--
		return Event{}, fmt.Errorf("%w: %v", orcherr.ErrStreamUnavailable, err)
	}
	if _, err := s.writer.WriteString("\n"); err != nil {
		s.nextOffset--
		return Event{}, fmt.Errorf("%w: %v", orcherr.ErrStreamUnavailable, err)
	}
	if err := s.writer.Flush(); err != nil {
		s.nextOffset--
		return Event{}, fmt.Errorf("%w: %v", orcherr.ErrStreamUnavailable, err)
	}
	s.writtenBytes += int64(len(line)) + 1

	s.historyMu.Lock()
	s.history.push(ev)
	s.historyMu.Unlock()

	if s.writtenBytes >= s.maxSegBytes {
		if err := s.rotateLocked(); err != nil {
			// Rotation errors surface as warnings; appends continue on the
			// current (over-threshold) segment until a rotation succeeds.
			s.log.Warn("segment rotation failed", "error", err)
		}
	}

	s.pending = append(s.pending, ev)
	if s.draining {
		return ev, nil
	}
	s.draining = true
	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		s.notify(next)
		s.mu.Lock()
	}
	s.draining = false
	return ev, nil
}

// notify delivers ev to every subscriber whose type matches, in subscription
// registration order, isolating panics and errors.
func (s *Stream) notify(ev Event) {
	s.subsMu.Lock()
	subs := make([]*subscription, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	for _, sub := range subs {
		if sub.typ != AnyType && sub.typ != ev.Type {
			continue
		}
		s.invoke(sub, ev)
	}
}

func (s *Stream) invoke(sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("subscriber handler panicked", "subscription_type", sub.typ, "recover", r)
		}
	}()
	sub.handler(ev)
}

// Subscribe registers an in-process handler for typ ("*" for all types).
// Returns an unsubscribe function.
func (s *Stream) Subscribe(typ EventType, handler Handler) func() {
	s.subsMu.Lock()
	s.subSeq++
	sub := &subscription{id: s.subSeq, typ: typ, handler: handler}
	s.subs = append(s.subs, sub)
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, existing := range s.subs {
			if existing.id == sub.id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// History returns a bounded window of recent events in ascending offset
// order, optionally narrowed by filter. Callers must treat events missing
// from this window (older than the ring's retention) as non-authoritative
// and fall back to Query for a full replay.
func (s *Stream) History(limit int, filter Filter) []Event {
	s.historyMu.Lock()
	all := s.history.snapshot()
	s.historyMu.Unlock()

	out := make([]Event, 0, len(all))
	for _, e := range all {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Query performs a linear scan over the persisted log (all segments) for
// events matching filter, used by recovery and lineage views.
func (s *Stream) Query(filter Filter) ([]Event, error) {
	all, err := s.readAllSegments()
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(all))
	for _, e := range all {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Resume reads all segments in order, repopulates the history ring, and
// returns the full replayed event list plus statistics. Callers (crash
// recovery, actor replay, checkpoint rehydration) fold over the returned
// events themselves.
func (s *Stream) Resume() ([]Event, ResumeStats, error) {
	events, err := s.readAllSegments()
	if err != nil {
		return nil, ResumeStats{}, err
	}

	s.mu.Lock()
	// A current segment that does not end in a newline holds a partial
	// record: cut it off so the next Append takes its place. A complete
	// record that only lacks its newline is kept and terminated.
	if data, err := os.ReadFile(s.currentPath()); err == nil && len(data) > 0 && data[len(data)-1] != '\n' {
		cut := strings.LastIndexByte(string(data), '\n') + 1
		if json.Valid(data[cut:]) {
			if _, err := s.file.WriteString("\n"); err == nil {
				s.writtenBytes++
			}
		} else if err := s.file.Truncate(int64(cut)); err == nil {
			s.writtenBytes = int64(cut)
		}
	}
	s.historyMu.Lock()
	s.history = newRing(s.history.cap)
	for _, e := range events {
		s.history.push(e)
		if e.Offset > s.nextOffset {
			s.nextOffset = e.Offset
		}
	}
	s.historyMu.Unlock()
	s.mu.Unlock()

	stats := ResumeStats{EventsReplayed: len(events)}
	if len(events) > 0 {
		stats.LastOffset = events[len(events)-1].Offset
	}
	return events, stats, nil
}

// readAllSegments loads every segment file (rotated + current), parses each
// line, discards a malformed trailing line (a partial write interrupted by a
// crash), and returns the combined set sorted by offset — offsets are
// globally monotonic across rotations, so sorting by offset is robust to any
// segment-naming quirk.
func (s *Stream) readAllSegments() ([]Event, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: listing segments: %v", orcherr.ErrStreamUnavailable, err)
	}

	prefix := strings.TrimSuffix(s.baseName, filepath.Ext(s.baseName))
	var events []Event
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name != s.baseName && !strings.HasPrefix(name, prefix+"_") {
			continue
		}
		segEvents, err := readSegment(filepath.Join(s.dir, name))
		if err != nil {
			return nil, err
		}
		events = append(events, segEvents...)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].Offset < events[j].Offset })
	return events, nil
}

// readSegment parses one jsonl file. If the final line fails to parse, it is
// treated as a partially-written trailing record and silently discarded —
// the next Append will overwrite it. A parse failure on any earlier line is
// a real corruption and is returned as an error.
func readSegment(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading segment %s: %v", orcherr.ErrStreamUnavailable, path, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}

	events := make([]Event, 0, len(lines))
	for i, line := range lines {
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			if i == len(lines)-1 {
				break // discard partial trailing record
			}
			return nil, fmt.Errorf("%w: corrupt record in %s at line %d: %v", orcherr.ErrStreamUnavailable, path, i+1, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

// Rotate seals the current segment under a timestamped name and begins a
// fresh one, whatever the segment's size. Safe to call manually; Append
// also triggers it automatically once the segment reaches the configured
// byte threshold.
func (s *Stream) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *Stream) rotateLocked() error {
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flushing before rotation: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing segment before rotation: %w", err)
	}

	prefix := strings.TrimSuffix(s.baseName, filepath.Ext(s.baseName))
	ts := time.Now().UnixMilli()
	sealedName := fmt.Sprintf("%s_%d%s", prefix, ts, filepath.Ext(s.baseName))
	// Two rotations within one millisecond take the next free timestamp
	// rather than overwrite an already sealed segment.
	for _, err := os.Stat(filepath.Join(s.dir, sealedName)); err == nil; _, err = os.Stat(filepath.Join(s.dir, sealedName)) {
		ts++
		sealedName = fmt.Sprintf("%s_%d%s", prefix, ts, filepath.Ext(s.baseName))
	}
	if err := os.Rename(s.currentPath(), filepath.Join(s.dir, sealedName)); err != nil {
		// Reopen the original segment so appends can continue.
		_ = s.openCurrentSegment()
		return fmt.Errorf("sealing segment: %w", err)
	}

	return s.openCurrentSegment()
}

// Close flushes and closes the current segment file.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}
