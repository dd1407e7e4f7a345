// Package supervisor implements the supervisor loop: a single periodic
// ticker, adaptive to the complexity of currently running work, that
// drives timeout detection, stuck-task recovery, in-flight completion
// detection, and terminal-task cleanup. Errors are isolated per tick so
// one bad scan never kills the loop.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentctl/internal/checkpoint"
	"github.com/codeready-toolchain/agentctl/internal/ledger"
	"github.com/codeready-toolchain/agentctl/internal/registry"
	"github.com/codeready-toolchain/agentctl/internal/runtime"
	"github.com/codeready-toolchain/agentctl/internal/stream"
)

const (
	// DefaultBaseInterval is the tick interval when the busiest running
	// task is low complexity.
	DefaultBaseInterval = 30 * time.Second
	// DefaultMaxInterval is the tick interval when the busiest running task
	// is high complexity, or when nothing is running.
	DefaultMaxInterval = 120 * time.Second

	// DefaultStuckThreshold is the heartbeat/start age past which a running
	// task is considered stuck. A multiple of the base interval, so a task
	// survives at least a couple of ticks before being flagged.
	DefaultStuckThreshold = 5 * time.Minute

	// DefaultCleanupAge is how long a terminal task lingers in the registry
	// before Cleanup reclaims it.
	DefaultCleanupAge = 1 * time.Hour

	// DefaultCheckpointTimeout bounds how long a heartbeat-timeout
	// checkpoint waits for a human before it auto-expires.
	DefaultCheckpointTimeout = 5 * time.Minute
)

// Retrier re-dispatches a timed-out task to the runtime for another attempt.
// Implemented by an adapter around the Spawner so this package never needs
// to import it: the loop owns scheduling, the interface owns doing the
// work.
type Retrier interface {
	Retry(ctx context.Context, task registry.Task) (newSessionID string, err error)
}

// Supervisor drives one periodic observation loop over the task registry.
type Supervisor struct {
	rt          runtime.Runtime
	reg         *registry.Registry
	stream      *stream.Stream
	ledger      *ledger.Store
	checkpoints *checkpoint.Manager
	retrier     Retrier

	baseInterval      time.Duration
	maxInterval       time.Duration
	stuckThreshold    time.Duration
	cleanupAge        time.Duration
	checkpointTimeout time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	log      *slog.Logger
}

// Option customizes a Supervisor's intervals away from the defaults.
type Option func(*Supervisor)

func WithIntervals(base, max time.Duration) Option {
	return func(s *Supervisor) { s.baseInterval, s.maxInterval = base, max }
}

func WithStuckThreshold(d time.Duration) Option {
	return func(s *Supervisor) { s.stuckThreshold = d }
}

func WithCleanupAge(d time.Duration) Option {
	return func(s *Supervisor) { s.cleanupAge = d }
}

func WithCheckpointTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.checkpointTimeout = d }
}

// New creates a Supervisor. retrier may be nil, in which case timed-out
// tasks within their retry budget are marked timeout immediately (no
// redispatch path configured).
func New(rt runtime.Runtime, reg *registry.Registry, s *stream.Stream, ledgerStore *ledger.Store, checkpoints *checkpoint.Manager, retrier Retrier, opts ...Option) *Supervisor {
	sup := &Supervisor{
		rt:                rt,
		reg:               reg,
		stream:            s,
		ledger:            ledgerStore,
		checkpoints:       checkpoints,
		retrier:           retrier,
		baseInterval:      DefaultBaseInterval,
		maxInterval:       DefaultMaxInterval,
		stuckThreshold:    DefaultStuckThreshold,
		cleanupAge:        DefaultCleanupAge,
		checkpointTimeout: DefaultCheckpointTimeout,
		stopCh:            make(chan struct{}),
		log:               slog.With("component", "supervisor"),
	}
	for _, opt := range opts {
		opt(sup)
	}
	return sup
}

// Start launches the observation loop in a background goroutine.
func (sup *Supervisor) Start(ctx context.Context) {
	sup.wg.Add(1)
	go func() {
		defer sup.wg.Done()
		sup.run(ctx)
	}()
}

// Stop signals the loop to exit and waits for it to finish.
func (sup *Supervisor) Stop() {
	sup.stopOnce.Do(func() { close(sup.stopCh) })
	sup.wg.Wait()
}

func (sup *Supervisor) run(ctx context.Context) {
	for {
		timer := time.NewTimer(sup.nextInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-sup.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			sup.tick(ctx)
		}
	}
}

// nextInterval is the adaptive scheduling rule: base for low, midpoint for
// medium, max for high complexity among running tasks, and max when nothing
// is running.
func (sup *Supervisor) nextInterval() time.Duration {
	highest := registry.Complexity("")
	for _, t := range sup.reg.ByStatus(registry.StatusRunning) {
		switch {
		case t.Complexity == registry.ComplexityHigh:
			highest = registry.ComplexityHigh
		case t.Complexity == registry.ComplexityMedium && highest != registry.ComplexityHigh:
			highest = registry.ComplexityMedium
		case highest == "":
			highest = registry.ComplexityLow
		}
	}
	switch highest {
	case registry.ComplexityLow:
		return sup.baseInterval
	case registry.ComplexityMedium:
		return (sup.baseInterval + sup.maxInterval) / 2
	default:
		return sup.maxInterval
	}
}

// tick runs one observation pass. A panic or error in any step is isolated
// and logged — supervisor ticks never abort the loop.
func (sup *Supervisor) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sup.log.Error("supervisor tick panicked, continuing", "panic", r)
		}
	}()

	now := time.Now()
	sup.handleTimedOut(ctx, now)
	sup.handleStuck(ctx, now)
	sup.handleRunning(ctx)
	removed := sup.reg.Cleanup(sup.cleanupAge)
	if removed > 0 {
		sup.log.Info("cleaned up terminal tasks", "count", removed)
	}
}

func (sup *Supervisor) handleTimedOut(ctx context.Context, now time.Time) {
	for _, t := range sup.reg.TimedOut(now) {
		if t.RetryCount < t.MaxRetries && sup.retrier != nil {
			newSessionID, err := sup.retrier.Retry(ctx, t)
			if err != nil {
				sup.log.Warn("retry dispatch failed, marking timeout", "task_id", t.ID, "error", err)
				sup.markTimeout(t)
				continue
			}
			// Re-open through timeout so UpdateStatus's retry-count bump
			// (the {failed,timeout,stale} -> running transition) applies;
			// a direct running -> running self-transition wouldn't count it.
			sup.reg.UpdateStatus(t.ID, registry.StatusTimeout, "", "retrying")
			sup.reg.UpdateSessionID(t.ID, newSessionID)
			sup.reg.UpdateStatus(t.ID, registry.StatusRunning, "", "")
			sup.appendEvent(stream.EventAgentSpawned, newSessionID, t, stream.Payload{
				"agent": t.AgentName, "retry_count": t.RetryCount + 1,
			})
			continue
		}
		sup.markTimeout(t)
	}
}

func (sup *Supervisor) markTimeout(t registry.Task) {
	sup.reg.UpdateStatus(t.ID, registry.StatusTimeout, "", "task exceeded timeout_ms with no retry budget remaining")
	sup.appendEvent(stream.EventAgentFailed, t.SessionID, t, stream.Payload{
		"agent": t.AgentName, "error": "timeout",
	})
	if sup.ledger != nil {
		sup.ledger.Mutate(func(l *ledger.Ledger) {
			l.Learnings.AntiPatterns = append(l.Learnings.AntiPatterns,
				"agent "+t.AgentName+" timed out on: "+truncate(t.Prompt, 120))
		})
	}
	sup.scheduleDeletion(t.SessionID)
}

func (sup *Supervisor) handleStuck(ctx context.Context, now time.Time) {
	for _, t := range sup.reg.Stuck(now, sup.stuckThreshold) {
		statuses, err := sup.rt.Status(ctx)
		if err != nil {
			sup.log.Warn("status query failed during stuck scan", "task_id", t.ID, "error", err)
			continue
		}
		if statuses[t.SessionID] == runtime.SessionIdle {
			text, err := runtime.LastAssistantMessage(ctx, sup.rt, t.SessionID)
			if err != nil {
				sup.log.Warn("failed to fetch result for idle stuck task", "task_id", t.ID, "error", err)
				continue
			}
			sup.reg.UpdateStatus(t.ID, registry.StatusCompleted, text, "")
			sup.appendEvent(stream.EventAgentCompleted, t.SessionID, t, stream.Payload{"result": text})
			continue
		}

		sup.reg.UpdateStatus(t.ID, registry.StatusStale, "", "heartbeat timeout while runtime session still busy")
		if sup.ledger != nil {
			sup.ledger.Mutate(func(l *ledger.Ledger) {
				if l.Epic != nil {
					l.Epic.Status = ledger.EpicPaused
					l.Epic.ProgressLog = append(l.Epic.ProgressLog, "heartbeat timeout on task "+t.ID)
				}
				l.NoteActivity("checkpoint requested: heartbeat timeout on task " + t.ID)
			})
		}
		if sup.checkpoints != nil {
			cp := sup.checkpoints.Request(t.SessionID, "heartbeat_timeout", nil, "supervisor", sup.checkpointTimeout)
			_, _ = sup.stream.Append(stream.Input{
				Type:       stream.EventCheckpointRequested,
				StreamID:   t.SessionID,
				Actor:      "supervisor",
				Payload:    stream.Payload{"task_id": t.ID, "reason": "heartbeat_timeout"},
				Checkpoint: &cp,
			})
		}
	}
}

func (sup *Supervisor) handleRunning(ctx context.Context) {
	statuses, err := sup.rt.Status(ctx)
	if err != nil {
		sup.log.Warn("status query failed during running scan", "error", err)
		return
	}
	for _, t := range sup.reg.ByStatus(registry.StatusRunning) {
		if statuses[t.SessionID] != runtime.SessionIdle {
			continue
		}
		text, err := runtime.LastAssistantMessage(ctx, sup.rt, t.SessionID)
		if err != nil {
			sup.log.Warn("failed to fetch result for idle running task", "task_id", t.ID, "error", err)
			continue
		}
		sup.reg.UpdateStatus(t.ID, registry.StatusCompleted, text, "")
		sup.appendEvent(stream.EventAgentCompleted, t.SessionID, t, stream.Payload{"result": text})
	}
}

// scheduleDeletion deletes the runtime session unless it's reported busy; a
// busy session must never be deleted and is left for a later tick to retry.
// A session the runtime no longer knows about is deleted like an idle one —
// only an explicit busy report defers.
func (sup *Supervisor) scheduleDeletion(sessionID string) {
	if sessionID == "" {
		return
	}
	ctx := context.Background()
	statuses, err := sup.rt.Status(ctx)
	if err != nil {
		return
	}
	if statuses[sessionID] == runtime.SessionBusy {
		sup.log.Info("session busy, deferring deletion", "session_id", sessionID)
		return
	}
	if err := sup.rt.Delete(ctx, sessionID); err != nil {
		sup.log.Warn("failed to delete session", "session_id", sessionID, "error", err)
	}
}

func (sup *Supervisor) appendEvent(typ stream.EventType, sessionID string, t registry.Task, payload stream.Payload) {
	if sup.stream == nil {
		return
	}
	_, _ = sup.stream.Append(stream.Input{
		Type:          typ,
		StreamID:      sessionID,
		CorrelationID: t.ParentSessionID,
		Actor:         t.AgentName,
		Payload:       payload,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
