// Package recovery implements crash recovery: reconstructing enough state
// from the durable event log to continue cleanly after a restart, plus a
// one-shot sweep for runtime sessions the previous process left behind,
// run once before the supervisor's steady-state loop begins.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/agentctl/internal/checkpoint"
	"github.com/codeready-toolchain/agentctl/internal/ledger"
	"github.com/codeready-toolchain/agentctl/internal/registry"
	"github.com/codeready-toolchain/agentctl/internal/runtime"
	"github.com/codeready-toolchain/agentctl/internal/stream"
)

// Result summarizes what recovery reconstructed, for startup logging.
type Result struct {
	EventsReplayed     int
	LastOffset         uint64
	HydratedTaskIDs    []string
	PendingCheckpoints int
}

// Resume replays the stream, rebuilds the ledger, rehydrates pending
// checkpoints, and seeds the task registry. store, reg, and checkpoints are
// mutated in place. stuckThreshold is the same age used by the Supervisor's
// steady-state stuck-task scan; a task already past it at boot is marked
// stale immediately rather than waiting for the first tick.
func Resume(s *stream.Stream, store *ledger.Store, reg *registry.Registry, checkpoints *checkpoint.Manager, stuckThreshold time.Duration) (Result, error) {
	log := slog.With("component", "recovery")

	events, stats, err := s.Resume()
	if err != nil {
		return Result{}, err
	}

	sessionID := store.Current().Meta.SessionID
	rebuilt := ledger.Rebuild(sessionID, events)
	store.Mutate(func(l *ledger.Ledger) { *l = *rebuilt })
	if err := store.Flush(); err != nil {
		log.Warn("failed to flush recovered ledger", "error", err)
	}

	pending := 0
	for _, cp := range latestCheckpointsByID(events) {
		if cp.Status != checkpoint.StatusPending {
			continue
		}
		checkpoints.Rehydrate(cp)
		pending++
	}

	lastActivity := latestActivityByTaskID(events)

	var hydratedIDs []string
	if rebuilt.Epic != nil {
		var tasks []registry.HydratedTask
		for _, t := range rebuilt.Epic.Tasks {
			if t.Status != ledger.TaskPending && t.Status != ledger.TaskRunning {
				continue
			}
			tasks = append(tasks, registry.HydratedTask{
				LedgerTaskID: t.ID,
				Prompt:       t.Description,
				Status:       registry.Status(t.Status),
				LastActivity: lastActivity[t.ID],
			})
		}
		hydratedIDs = reg.LoadFromLedger(tasks, stuckThreshold)
	}

	log.Info("crash recovery complete",
		"events_replayed", stats.EventsReplayed,
		"last_offset", stats.LastOffset,
		"hydrated_tasks", len(hydratedIDs),
		"pending_checkpoints", pending)

	return Result{
		EventsReplayed:     stats.EventsReplayed,
		LastOffset:         stats.LastOffset,
		HydratedTaskIDs:    hydratedIDs,
		PendingCheckpoints: pending,
	}, nil
}

// latestCheckpointsByID folds the replayed event sequence down to the most
// recent Checkpoint snapshot per id — a checkpoint.requested event carries
// the pending snapshot, and a later checkpoint.(approved|rejected) event (if
// one was appended before the crash) supersedes it.
func latestCheckpointsByID(events []stream.Event) map[string]checkpoint.Checkpoint {
	out := make(map[string]checkpoint.Checkpoint)
	for _, ev := range events {
		if ev.Checkpoint == nil {
			continue
		}
		out[ev.Checkpoint.ID] = *ev.Checkpoint
	}
	return out
}

// latestActivityByTaskID folds the replayed event sequence down to the most
// recent timestamp seen for each task_id carried in an event's payload —
// the only durable proxy for "last heartbeat" available after a restart,
// since heartbeats themselves are process-local and never stream-appended.
func latestActivityByTaskID(events []stream.Event) map[string]time.Time {
	out := make(map[string]time.Time)
	for _, ev := range events {
		id, ok := ev.Payload["task_id"].(string)
		if !ok || id == "" {
			continue
		}
		ts := time.UnixMilli(ev.TimestampMS)
		if ts.After(out[id]) {
			out[id] = ts
		}
	}
	return out
}

// SweepOrphanSessions reaps idle runtime sessions left behind by a crashed
// prior process that aren't claimed by any just-hydrated task. A still-busy
// orphan is never deleted — it's logged and left for the
// supervisor's stuck-task handling to eventually pick up once re-tracked.
func SweepOrphanSessions(ctx context.Context, rt runtime.Runtime, knownSessionIDs map[string]bool) ([]string, error) {
	statuses, err := rt.Status(ctx)
	if err != nil {
		return nil, err
	}

	log := slog.With("component", "recovery")
	var closed []string
	for id, state := range statuses {
		if knownSessionIDs[id] {
			continue
		}
		if state != runtime.SessionIdle {
			log.Warn("orphaned session still busy at startup, leaving in place", "session_id", id)
			continue
		}
		if err := rt.Delete(ctx, id); err != nil {
			log.Warn("failed to delete orphaned session", "session_id", id, "error", err)
			continue
		}
		closed = append(closed, id)
	}
	return closed, nil
}
