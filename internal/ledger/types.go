// Package ledger implements the Ledger Store & Projector: the
// projected, human-readable view of orchestrator state, maintained as a pure
// function of selected stream events plus a compaction policy.
package ledger

import "time"

// SessionStatus is the ledger's top-level session state.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionPaused  SessionStatus = "paused"
	SessionHandoff SessionStatus = "handoff"
)

// AssumptionStatus tracks review state for a pending assumption.
type AssumptionStatus string

const (
	AssumptionPendingReview AssumptionStatus = "pending_review"
	AssumptionApproved      AssumptionStatus = "approved"
	AssumptionRejected      AssumptionStatus = "rejected"
)

// EpicStatus is the lifecycle of a bounded unit of work.
type EpicStatus string

const (
	EpicInProgress EpicStatus = "in_progress"
	EpicPaused     EpicStatus = "paused"
	EpicCompleted  EpicStatus = "completed"
	EpicFailed     EpicStatus = "failed"
)

// TaskStatus mirrors registry.Status for the subset the ledger renders,
// each with a distinct visual marker (stale and suspended must not be
// confused with each other).
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskSuspended TaskStatus = "suspended"
	TaskStale     TaskStatus = "stale"
	TaskYielded   TaskStatus = "yielded"
)

// Directive is an immutable user decision that constrains agents.
type Directive struct {
	Content   string    `json:"content"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Assumption is an agent decision pending review.
type Assumption struct {
	Content   string           `json:"content"`
	Source    string           `json:"source"`
	Rationale string           `json:"rationale"`
	Status    AssumptionStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

// Governance holds directives and assumptions.
type Governance struct {
	Directives  []Directive  `json:"directives"`
	Assumptions []Assumption `json:"assumptions"`
}

// EpicTask is one of an epic's up-to-3 tasks.
type EpicTask struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Epic is a bounded unit of work with at most 3 tasks.
type Epic struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Request     string     `json:"request"`
	Status      EpicStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Tasks       []EpicTask `json:"tasks"`
	Context     []string   `json:"context"`
	ProgressLog []string   `json:"progress_log"`
}

// Learnings holds the four typed learning sequences: decisions,
// corrections, anti-patterns, and preferences.
type Learnings struct {
	Decisions    []string `json:"decisions"`
	Corrections  []string `json:"corrections"`
	AntiPatterns []string `json:"anti_patterns"`
	Preferences  []string `json:"preferences"`
}

// Handoff is a snapshot of in-progress work used to resume across sessions.
type Handoff struct {
	Decisions         []string  `json:"decisions"`
	Plan              []string  `json:"plan"`
	AffectedFiles     []string  `json:"affected_files"`
	RelevantLearnings []string  `json:"relevant_learnings"`
	CreatedAt         time.Time `json:"created_at"`
}

// Meta is the ledger's top-level session metadata.
type Meta struct {
	SessionID      string        `json:"session_id"`
	Status         SessionStatus `json:"status"`
	Phase          string        `json:"phase"`
	LastUpdated    time.Time     `json:"last_updated"`
	TasksCompleted string        `json:"tasks_completed"` // "done/total"
	CurrentTask    string        `json:"current_task,omitempty"`
}

const (
	maxEpicTasks = 3
	maxArchive   = 5
	maxActivity  = 10
)

// Ledger is the full projection.
type Ledger struct {
	Meta       Meta       `json:"meta"`
	Governance Governance `json:"governance"`
	Epic       *Epic      `json:"epic"`
	Activity   []string   `json:"activity"`
	Learnings  Learnings  `json:"learnings"`
	Handoff    *Handoff   `json:"handoff"`
	Archive    []Epic     `json:"archive"`
}

// New returns an empty ledger for a fresh session.
func New(sessionID string) *Ledger {
	return &Ledger{
		Meta: Meta{
			SessionID:      sessionID,
			Status:         SessionActive,
			Phase:          "INIT",
			LastUpdated:    time.Now(),
			TasksCompleted: "0/0",
		},
	}
}

// NoteActivity appends a line to the bounded activity ring (FIFO eviction
// beyond 10). Exported for collaborators outside this package (e.g.
// internal/actor's processor) that mutate the ledger via Store.Mutate.
func (l *Ledger) NoteActivity(line string) {
	l.pushActivity(line)
}

// pushActivity appends to the bounded activity ring (FIFO eviction beyond 10).
func (l *Ledger) pushActivity(line string) {
	l.Activity = append(l.Activity, line)
	if len(l.Activity) > maxActivity {
		l.Activity = l.Activity[len(l.Activity)-maxActivity:]
	}
}

// archiveEpic appends a finished epic to the bounded archive (FIFO eviction beyond 5).
func (l *Ledger) archiveEpic(e Epic) {
	l.Archive = append(l.Archive, e)
	if len(l.Archive) > maxArchive {
		l.Archive = l.Archive[len(l.Archive)-maxArchive:]
	}
}

// addLearning appends content to the given typed list unless it's already
// present; duplicates are rejected.
func addLearning(list []string, content string) []string {
	for _, existing := range list {
		if existing == content {
			return list
		}
	}
	return append(list, content)
}

// SeedLearnings merges externally-retrieved learning content into the
// per-kind pools with the same dedup rule addLearning applies to live
// ledger.learning.extracted events. Used at startup to backfill from a
// durable archive (internal/learningstore) when it retained more history
// than the ledger's own snapshot did.
func (l *Ledger) SeedLearnings(decisions, corrections, antiPatterns, preferences []string) {
	for _, c := range decisions {
		l.Learnings.Decisions = addLearning(l.Learnings.Decisions, c)
	}
	for _, c := range corrections {
		l.Learnings.Corrections = addLearning(l.Learnings.Corrections, c)
	}
	for _, c := range antiPatterns {
		l.Learnings.AntiPatterns = addLearning(l.Learnings.AntiPatterns, c)
	}
	for _, c := range preferences {
		l.Learnings.Preferences = addLearning(l.Learnings.Preferences, c)
	}
}
