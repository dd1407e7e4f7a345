// Package registry implements the task registry: the in-memory index of
// supervised tasks, with idempotent status updates, heartbeat capture, and
// the queries the supervisor polls on each tick.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentctl/internal/ids"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusStale     Status = "stale"
	StatusSuspended Status = "suspended"
)

// Complexity drives the Supervisor's adaptive polling interval.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

const (
	DefaultMaxRetries = 2
	DefaultTimeoutMS  = 60_000
)

// Descriptor is the caller-supplied content for Register.
type Descriptor struct {
	SessionID        string
	AgentName        string
	Prompt           string
	MaxRetries       int        // 0 => DefaultMaxRetries
	TimeoutMS        int64      // 0 => DefaultTimeoutMS
	Complexity       Complexity // "" => ComplexityMedium
	ParentSessionID  string
	LedgerTaskID     string
}

// Task is a mutable registry entry.
type Task struct {
	ID              string
	SessionID       string
	AgentName       string
	Prompt          string
	Status          Status
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	RetryCount      int
	MaxRetries      int
	TimeoutMS       int64
	Complexity      Complexity
	LastHeartbeat   *time.Time
	ParentSessionID string
	LedgerTaskID    string
	Result          string
	Error           string
}

func (t Task) clone() Task {
	cp := t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		cp.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		cp.CompletedAt = &ts
	}
	if t.LastHeartbeat != nil {
		ts := *t.LastHeartbeat
		cp.LastHeartbeat = &ts
	}
	return cp
}

// forwardTransitions encodes which status transitions are legal. Terminal
// statuses {failed, timeout, stale} may re-open to running on retry; all
// other transitions only move forward.
var forwardTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusRunning: true, StatusSuspended: true, StatusFailed: true},
	StatusRunning: {
		StatusCompleted: true, StatusFailed: true, StatusTimeout: true,
		StatusStale: true, StatusSuspended: true,
	},
	StatusFailed:    {StatusRunning: true},
	StatusTimeout:   {StatusRunning: true},
	StatusStale:     {StatusRunning: true},
	StatusSuspended: {StatusRunning: true},
	StatusCompleted: {},
}

// Registry is the process-local, in-memory task index.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	log   *slog.Logger

	// onLedgerProject, if set, is called after a status update with a ledger
	// task id so the caller can project the change to the linked epic task.
	onLedgerProject func(ledgerTaskID string, status Status, result, errMsg string)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tasks: make(map[string]*Task),
		log:   slog.With("component", "registry"),
	}
}

// OnLedgerProject registers the callback invoked after every status update.
func (r *Registry) OnLedgerProject(fn func(ledgerTaskID string, status Status, result, errMsg string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLedgerProject = fn
}

// Register creates a pending task entry, seeding defaults for max_retries,
// timeout_ms, and complexity.
func (r *Registry) Register(d Descriptor) string {
	id := ids.NewTaskID()
	maxRetries := d.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	timeoutMS := d.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = DefaultTimeoutMS
	}
	complexity := d.Complexity
	if complexity == "" {
		complexity = ComplexityMedium
	}

	t := &Task{
		ID:              id,
		SessionID:       d.SessionID,
		AgentName:       d.AgentName,
		Prompt:          d.Prompt,
		Status:          StatusPending,
		CreatedAt:       time.Now(),
		MaxRetries:      maxRetries,
		TimeoutMS:       timeoutMS,
		Complexity:      complexity,
		ParentSessionID: d.ParentSessionID,
		LedgerTaskID:    d.LedgerTaskID,
	}

	r.mu.Lock()
	r.tasks[id] = t
	r.mu.Unlock()
	return id
}

// Get returns a copy of the task, or false if unknown.
func (r *Registry) Get(id string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// UpdateStatus enforces the transition rules and sets timestamps. An unknown
// id or illegal transition is logged and is a no-op, never a fault.
func (r *Registry) UpdateStatus(id string, status Status, result, errMsg string) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		r.log.Warn("update_status on unknown task", "task_id", id)
		return
	}

	if !forwardTransitions[t.Status][status] && t.Status != status {
		r.mu.Unlock()
		r.log.Warn("illegal task status transition ignored",
			"task_id", id, "from", t.Status, "to", status)
		return
	}

	now := time.Now()
	switch status {
	case StatusRunning:
		if t.Status != StatusRunning {
			t.StartedAt = &now
		}
		if t.Status == StatusFailed || t.Status == StatusTimeout || t.Status == StatusStale {
			t.RetryCount++
		}
	case StatusCompleted, StatusFailed, StatusTimeout:
		t.CompletedAt = &now
	}
	t.Status = status
	if result != "" {
		t.Result = result
	}
	if errMsg != "" {
		t.Error = errMsg
	}

	ledgerTaskID := t.LedgerTaskID
	cb := r.onLedgerProject
	r.mu.Unlock()

	if cb != nil && ledgerTaskID != "" {
		cb(ledgerTaskID, status, result, errMsg)
	}
}

// Heartbeat updates last_heartbeat; a no-op for an unknown id.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return
	}
	now := time.Now()
	t.LastHeartbeat = &now
}

// UpdateSessionID rebinds a task to a new runtime session on retry, and
// resets StartedAt so timeout detection measures from the new attempt.
func (r *Registry) UpdateSessionID(id, newSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		r.log.Warn("update_session_id on unknown task", "task_id", id)
		return
	}
	t.SessionID = newSessionID
	now := time.Now()
	t.StartedAt = &now
}

// ByStatus returns all tasks with the given status.
func (r *Registry) ByStatus(status Status) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Task
	for _, t := range r.tasks {
		if t.Status == status {
			out = append(out, t.clone())
		}
	}
	return out
}

// TimedOut returns running tasks whose elapsed time since StartedAt exceeds
// their TimeoutMS.
func (r *Registry) TimedOut(now time.Time) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Task
	for _, t := range r.tasks {
		if t.Status != StatusRunning || t.StartedAt == nil {
			continue
		}
		if now.Sub(*t.StartedAt) > time.Duration(t.TimeoutMS)*time.Millisecond {
			out = append(out, t.clone())
		}
	}
	return out
}

// Stuck returns running tasks whose heartbeat (or StartedAt, if no heartbeat
// yet arrived) is older than stuckThreshold.
func (r *Registry) Stuck(now time.Time, stuckThreshold time.Duration) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Task
	for _, t := range r.tasks {
		if t.Status != StatusRunning {
			continue
		}
		last := t.StartedAt
		if t.LastHeartbeat != nil && (last == nil || t.LastHeartbeat.After(*last)) {
			last = t.LastHeartbeat
		}
		if last == nil {
			continue
		}
		if now.Sub(*last) > stuckThreshold {
			out = append(out, t.clone())
		}
	}
	return out
}

// Retriable returns failed/timeout tasks with retry budget remaining.
func (r *Registry) Retriable() []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Task
	for _, t := range r.tasks {
		if (t.Status == StatusFailed || t.Status == StatusTimeout) && t.RetryCount < t.MaxRetries {
			out = append(out, t.clone())
		}
	}
	return out
}

// Summary is an aggregate count by status.
type Summary struct {
	Pending, Running, Completed, Failed, Timeout, Stale, Suspended int
}

// Summary tallies tasks by status.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Summary
	for _, t := range r.tasks {
		switch t.Status {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusTimeout:
			s.Timeout++
		case StatusStale:
			s.Stale++
		case StatusSuspended:
			s.Suspended++
		}
	}
	return s
}

// Cleanup removes completed/failed/timeout entries older than maxAge.
func (r *Registry) Cleanup(maxAge time.Duration) int {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, t := range r.tasks {
		if t.CompletedAt == nil {
			continue
		}
		terminal := t.Status == StatusCompleted || t.Status == StatusFailed || t.Status == StatusTimeout
		if terminal && now.Sub(*t.CompletedAt) > maxAge {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed
}

// Reset clears every tracked task, part of the shutdown protocol.
// The registry is process-local and reconstructed from the ledger on the
// next startup, so nothing needs to survive here across a clean shutdown.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = make(map[string]*Task)
}

// HydratedTask is the minimal shape load_from_ledger needs to seed a pending
// or running task during crash recovery — session_ids are left empty until
// the coordinator re-spawns them. LastActivity, when known, is the timestamp
// of the most recent stream event observed for this task before the crash;
// it backdates StartedAt so boot-time staleness can be judged against the
// task's real age instead of the moment the process happened to restart.
type HydratedTask struct {
	LedgerTaskID string
	AgentName    string
	Prompt       string
	Status       Status
	LastActivity time.Time
}

// LoadFromLedger hydrates the registry from the ledger's best-effort view of
// pending/running tasks after a crash. A task rehydrated as
// running whose LastActivity already exceeds stuckThreshold is immediately
// marked stale rather than being given a fresh clock — this closes the gap
// between "process restarted" and "first supervisor tick observes it" that a
// naive StartedAt=now hydration would leave open.
func (r *Registry) LoadFromLedger(tasks []HydratedTask, stuckThreshold time.Duration) []string {
	now := time.Now()
	taskIDs := make([]string, 0, len(tasks))
	for _, ht := range tasks {
		id := r.Register(Descriptor{
			AgentName:    ht.AgentName,
			Prompt:       ht.Prompt,
			LedgerTaskID: ht.LedgerTaskID,
		})
		if ht.Status == StatusRunning {
			r.UpdateStatus(id, StatusRunning, "", "")
			if !ht.LastActivity.IsZero() {
				r.backdateStartedAt(id, ht.LastActivity)
				if stuckThreshold > 0 && now.Sub(ht.LastActivity) > stuckThreshold {
					r.UpdateStatus(id, StatusStale, "", "stale at boot: no activity observed since before the crash exceeding the stuck threshold")
				}
			}
		}
		taskIDs = append(taskIDs, id)
	}
	return taskIDs
}

// backdateStartedAt overwrites a just-hydrated task's StartedAt with its real
// pre-crash timestamp, bypassing UpdateStatus's now() stamping.
func (r *Registry) backdateStartedAt(id string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if task, ok := r.tasks[id]; ok {
		ts := t
		task.StartedAt = &ts
	}
}
