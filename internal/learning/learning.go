// Package learning implements the Learning Extractor: turning a
// session's events into typed, confidence-scored learnings, either in real
// time off the live stream or in a batch pass over a finished session.
package learning

import (
	"context"
	"strings"
	"time"

	"github.com/codeready-toolchain/agentctl/internal/ids"
	"github.com/codeready-toolchain/agentctl/internal/stream"
)

// Kind is the typed learning category.
type Kind string

const (
	KindDecision    Kind = "decision"
	KindCorrection  Kind = "correction"
	KindAntiPattern Kind = "anti_pattern"
	KindPreference  Kind = "preference"
)

// Learning is one accepted, classified observation extracted from an event.
type Learning struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Content       string    `json:"content"`
	Confidence    float64   `json:"confidence"`
	SourceEventID string    `json:"source_event_id"`
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	// DefaultMinConfidence is the acceptance threshold.
	DefaultMinConfidence = 0.6
	// DefaultMaxLearnings bounds how many learnings one extractor accepts.
	DefaultMaxLearnings = 10
)

var correctionCues = []string{"instead", "don't use", "should be"}
var failurePhrases = []string{"timeout", "crash", "disconnect"}
var decisiveCues = []string{"success", "decided", "will use", "chose", "selected"}

// classify applies the four classification rules to a single event and
// returns the accepted learning's kind, content, and confidence, or false if
// the event matches none of them.
func classify(ev stream.Event) (Kind, string, float64, bool) {
	switch ev.Type {
	case stream.EventAgentCompleted:
		result := str(ev.Payload, "result")
		if containsAny(result, decisiveCues) {
			return KindDecision, result, 0.75, true
		}
	case stream.EventSessionError:
		if msg := str(ev.Payload, "error"); msg != "" {
			return KindCorrection, msg, 0.65, true
		}
	case stream.EventAgentFailed:
		errMsg := str(ev.Payload, "error")
		if containsAny(errMsg, failurePhrases) {
			return KindAntiPattern, errMsg, 0.7, true
		}
	case stream.EventCheckpointApproved:
		if opt := str(ev.Payload, "selected_option"); opt != "" {
			return KindPreference, opt, 0.9, true
		}
	}

	// The correction cue rule also applies across any event's free-text
	// payload fields, not just session.error.
	if text := flattenPayloadText(ev.Payload); containsAny(text, correctionCues) {
		return KindCorrection, text, 0.65, true
	}

	return "", "", 0, false
}

func str(p stream.Payload, key string) string {
	if p == nil {
		return ""
	}
	v, _ := p[key].(string)
	return v
}

func flattenPayloadText(p stream.Payload) string {
	var b strings.Builder
	for _, v := range p {
		if s, ok := v.(string); ok {
			b.WriteString(s)
			b.WriteString(" ")
		}
	}
	return b.String()
}

func containsAny(text string, cues []string) bool {
	lower := strings.ToLower(text)
	for _, c := range cues {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// Persister is the narrow seam to optional durable storage (implemented by
// internal/learningstore). A nil Persister means learnings live only in the
// ledger's in-memory Learnings lists.
type Persister interface {
	Save(l Learning) error
}

// Loader is the restart-survivable retrieval half of a Persister: both
// learningstore backends (Postgres-backed Store and the in-process
// MemoryStore) implement it. Callers type-assert a Persister to Loader where
// they want to backfill state the live ledger snapshot may have lost (e.g.
// after a disk loss that outlives the ledger's own JSON snapshot).
type Loader interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]Learning, error)
}

// Extractor classifies events into learnings, capping at maxLearnings and
// dropping anything below minConfidence.
type Extractor struct {
	sessionID     string
	minConfidence float64
	maxLearnings  int
	persister     Persister
	stream        *stream.Stream

	accepted int
}

// Option customizes an Extractor away from the defaults.
type Option func(*Extractor)

func WithMinConfidence(c float64) Option { return func(e *Extractor) { e.minConfidence = c } }
func WithMaxLearnings(n int) Option      { return func(e *Extractor) { e.maxLearnings = n } }
func WithPersister(p Persister) Option   { return func(e *Extractor) { e.persister = p } }

// NewExtractor creates an Extractor for sessionID, appending accepted
// learnings as ledger.learning.extracted events onto s.
func NewExtractor(sessionID string, s *stream.Stream, opts ...Option) *Extractor {
	e := &Extractor{
		sessionID:     sessionID,
		minConfidence: DefaultMinConfidence,
		maxLearnings:  DefaultMaxLearnings,
		stream:        s,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Subscribe wires the extractor to the live stream for real-time
// extraction: one ledger.learning.extracted event per accepted learning.
// The returned func unsubscribes.
func (e *Extractor) Subscribe() func() {
	return e.stream.Subscribe(stream.AnyType, func(ev stream.Event) {
		if l, ok := e.accept(ev); ok {
			e.emit(l)
		}
	})
}

// ExtractSession runs the batch (on-demand) mode over a closed slice of
// events, returning everything accepted without touching the live stream.
func (e *Extractor) ExtractSession(events []stream.Event) []Learning {
	var out []Learning
	for _, ev := range events {
		if l, ok := e.accept(ev); ok {
			out = append(out, l)
			if e.persister != nil {
				_ = e.persister.Save(l)
			}
		}
	}
	return out
}

func (e *Extractor) accept(ev stream.Event) (Learning, bool) {
	if e.accepted >= e.maxLearnings {
		return Learning{}, false
	}
	kind, content, confidence, ok := classify(ev)
	if !ok || confidence < e.minConfidence {
		return Learning{}, false
	}
	e.accepted++
	return Learning{
		ID:            ids.NewLearningID(),
		Kind:          kind,
		Content:       content,
		Confidence:    confidence,
		SourceEventID: ev.ID,
		SessionID:     e.sessionID,
		CreatedAt:     time.UnixMilli(ev.TimestampMS),
	}, true
}

func (e *Extractor) emit(l Learning) {
	_, _ = e.stream.Append(stream.Input{
		Type:     stream.EventLedgerLearningExtracted,
		StreamID: e.sessionID,
		Actor:    "learning-extractor",
		Payload: stream.Payload{
			"learning_id": l.ID,
			"kind":        string(l.Kind),
			"content":     l.Content,
			"confidence":  l.Confidence,
		},
	})
	if e.persister != nil {
		_ = e.persister.Save(l)
	}
}
