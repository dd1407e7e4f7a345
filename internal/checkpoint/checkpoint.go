// Package checkpoint implements the HITL approval subsystem:
// request/approve/reject/timeout, with an in-memory pending registry that is
// the source of truth during recovery.
package checkpoint

import (
	"sync"
	"time"

	"github.com/codeready-toolchain/agentctl/internal/ids"
)

// Status is the checkpoint lifecycle state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed_out"
)

// Option is one of the choices offered to the human reviewer.
type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Checkpoint is a HITL approval request with options and an expiry.
type Checkpoint struct {
	ID             string    `json:"id"`
	StreamID       string    `json:"stream_id"`
	DecisionPoint  string    `json:"decision_point"`
	Options        []Option  `json:"options"`
	RequestedBy    string    `json:"requested_by"`
	RequestedAt    time.Time `json:"requested_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	Status         Status    `json:"status"`
	ApprovedBy     string    `json:"approved_by,omitempty"`
	ApprovedAt     time.Time `json:"approved_at,omitempty"`
	SelectedOption string    `json:"selected_option,omitempty"`
	RejectedReason string    `json:"rejected_reason,omitempty"`
}

// ResolveFunc is invoked exactly once when a checkpoint resolves, whether by
// approval, rejection, or timeout. cp.RejectedReason is empty for an
// explicit approval and "timeout" for an expiry.
type ResolveFunc func(cp Checkpoint)

// entry bundles a checkpoint with its expiry timer and resolve handler so a
// timeout and a concurrent approve/reject race safely against each other.
type entry struct {
	cp        Checkpoint
	timer     *time.Timer
	onResolve ResolveFunc
	resolved  bool
}

// Manager is the in-memory pending-checkpoint registry. It is
// process-local; mutation is serialized by mu.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*entry

	// onExpire is invoked with the checkpoint when its timer fires without a
	// prior resolution; it is separate from the per-request onResolve so the
	// caller of Request doesn't need to distinguish expiry from their own
	// approve/reject call path.
	onExpire func(cp Checkpoint)

	snapshots *snapshotter // nil disables snapshot files
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithSnapshots writes one JSON file per requested checkpoint into dir,
// pruning the oldest files beyond max. Snapshot writes are best-effort; a
// failure never blocks the request itself.
func WithSnapshots(dir string, max int) ManagerOption {
	return func(m *Manager) { m.snapshots = newSnapshotter(dir, max) }
}

// NewManager creates an empty checkpoint manager. onExpire is called whenever
// a pending checkpoint's deadline elapses without resolution; it may be nil.
func NewManager(onExpire func(cp Checkpoint), opts ...ManagerOption) *Manager {
	m := &Manager{
		pending:  make(map[string]*entry),
		onExpire: onExpire,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request registers a new pending checkpoint and arms its expiry timer.
func (m *Manager) Request(streamID, decisionPoint string, options []Option, requestedBy string, timeout time.Duration) Checkpoint {
	now := time.Now()
	cp := Checkpoint{
		ID:            ids.NewCheckpointID(),
		StreamID:      streamID,
		DecisionPoint: decisionPoint,
		Options:       options,
		RequestedBy:   requestedBy,
		RequestedAt:   now,
		ExpiresAt:     now.Add(timeout),
		Status:        StatusPending,
	}

	e := &entry{cp: cp}
	m.mu.Lock()
	m.pending[cp.ID] = e
	e.timer = time.AfterFunc(timeout, func() { m.expire(cp.ID) })
	m.mu.Unlock()

	if m.snapshots != nil {
		m.snapshots.write(cp)
	}
	return cp
}

// Rehydrate re-registers a checkpoint recovered from the event log as pending,
// arming a timer to its ExpiresAt (which may already be in the past, in which
// case it fires a synthetic rejection immediately).
func (m *Manager) Rehydrate(cp Checkpoint) {
	if cp.Status != StatusPending {
		return
	}
	remaining := time.Until(cp.ExpiresAt)
	if remaining < 0 {
		remaining = 0
	}

	e := &entry{cp: cp}
	m.mu.Lock()
	m.pending[cp.ID] = e
	e.timer = time.AfterFunc(remaining, func() { m.expire(cp.ID) })
	m.mu.Unlock()
}

// Approve resolves a pending checkpoint with the selected option. Returns
// false if the checkpoint is unknown or already resolved (exactly-once
// semantics — a subsequent approve/reject after the first never "wins").
func (m *Manager) Approve(id, selectedOption string) (Checkpoint, bool) {
	return m.resolve(id, func(cp *Checkpoint) {
		cp.Status = StatusApproved
		cp.ApprovedAt = time.Now()
		cp.SelectedOption = selectedOption
	})
}

// Reject resolves a pending checkpoint as rejected with the given reason.
func (m *Manager) Reject(id, reason string) (Checkpoint, bool) {
	return m.resolve(id, func(cp *Checkpoint) {
		cp.Status = StatusRejected
		cp.RejectedReason = reason
	})
}

func (m *Manager) resolve(id string, mutate func(cp *Checkpoint)) (Checkpoint, bool) {
	m.mu.Lock()
	e, ok := m.pending[id]
	if !ok || e.resolved {
		m.mu.Unlock()
		return Checkpoint{}, false
	}
	e.resolved = true
	e.timer.Stop()
	mutate(&e.cp)
	resolved := e.cp
	onResolve := e.onResolve
	delete(m.pending, id)
	m.mu.Unlock()

	if onResolve != nil {
		onResolve(resolved)
	}
	return resolved, true
}

// expire fires a synthetic timeout rejection for a checkpoint whose deadline
// elapsed without an explicit approve/reject call.
func (m *Manager) expire(id string) {
	cp, ok := m.resolve(id, func(cp *Checkpoint) {
		cp.Status = StatusTimedOut
		cp.RejectedReason = "timeout"
	})
	if !ok {
		return
	}
	if m.onExpire != nil {
		m.onExpire(cp)
	}
}

// OnResolve registers a one-shot callback for when the given checkpoint id
// resolves (approve, reject, or timeout), whichever comes first. Returns
// false if the checkpoint is not currently pending.
func (m *Manager) OnResolve(id string, fn ResolveFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pending[id]
	if !ok || e.resolved {
		return false
	}
	e.onResolve = fn
	return true
}

// Pending returns a snapshot of all currently pending checkpoints, used by
// the recovery subsystem to list what's awaiting a human.
func (m *Manager) Pending() []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, 0, len(m.pending))
	for _, e := range m.pending {
		out = append(out, e.cp)
	}
	return out
}

// Shutdown resolves every pending checkpoint as rejected with reason
// "shutdown", per the shutdown protocol.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Reject(id, "shutdown")
	}
}
