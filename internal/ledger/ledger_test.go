package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentctl/internal/stream"
)

func ev(typ stream.EventType, payload stream.Payload) stream.Event {
	return stream.Event{Type: typ, TimestampMS: time.Now().UnixMilli(), Payload: payload}
}

func TestApplyEpicLifecycle(t *testing.T) {
	l := New("sess-1")

	Apply(l, ev(stream.EventLedgerEpicCreated, stream.Payload{
		"epic_id": "epic-1", "title": "Ship feature", "request": "add X",
	}))
	require.NotNil(t, l.Epic)
	assert.Equal(t, EpicInProgress, l.Epic.Status)

	Apply(l, ev(stream.EventLedgerTaskCreated, stream.Payload{
		"task_id": "task-1", "description": "write code",
	}))
	require.Len(t, l.Epic.Tasks, 1)

	Apply(l, ev(stream.EventLedgerTaskStarted, stream.Payload{"task_id": "task-1"}))
	assert.Equal(t, TaskRunning, l.Epic.Tasks[0].Status)

	Apply(l, ev(stream.EventLedgerTaskCompleted, stream.Payload{"task_id": "task-1", "result": "done"}))
	assert.Equal(t, TaskCompleted, l.Epic.Tasks[0].Status)
	assert.Equal(t, "1/1", l.Meta.TasksCompleted)

	Apply(l, ev(stream.EventLedgerEpicCompleted, stream.Payload{"status": "completed"}))
	assert.Nil(t, l.Epic)
	require.Len(t, l.Archive, 1)
	assert.Equal(t, EpicCompleted, l.Archive[0].Status)
}

func TestEpicTasksAreBoundedToThree(t *testing.T) {
	l := New("sess-1")
	Apply(l, ev(stream.EventLedgerEpicCreated, stream.Payload{"epic_id": "e1", "title": "t"}))

	for i := 0; i < 4; i++ {
		Apply(l, ev(stream.EventLedgerTaskCreated, stream.Payload{
			"task_id": string(rune('a' + i)), "description": "task",
		}))
	}

	assert.Len(t, l.Epic.Tasks, 3, "invariant: epic.tasks size <= 3")
	assert.NotEmpty(t, l.Epic.ProgressLog, "compacted task should leave a trace")
}

func TestArchiveIsBoundedToFive(t *testing.T) {
	l := New("sess-1")
	for i := 0; i < 7; i++ {
		Apply(l, ev(stream.EventLedgerEpicCreated, stream.Payload{"epic_id": "e", "title": "t"}))
		Apply(l, ev(stream.EventLedgerEpicCompleted, stream.Payload{"status": "completed"}))
	}
	assert.Len(t, l.Archive, 5, "invariant: archive retains only the most recent 5")
}

func TestActivityIsBoundedToTen(t *testing.T) {
	l := New("sess-1")
	for i := 0; i < 15; i++ {
		Apply(l, ev(stream.EventLedgerDirectiveAdded, stream.Payload{"content": "d", "source": "user"}))
	}
	assert.Len(t, l.Activity, 10, "invariant: activity retains only the most recent 10")
}

func TestDuplicateLearningContentIsRejected(t *testing.T) {
	l := New("sess-1")
	Apply(l, ev(stream.EventLedgerLearningExtracted, stream.Payload{"kind": "decision", "content": "use retries"}))
	Apply(l, ev(stream.EventLedgerLearningExtracted, stream.Payload{"kind": "decision", "content": "use retries"}))
	assert.Len(t, l.Learnings.Decisions, 1)
}

func TestSeedLearningsDedupesAgainstExistingContent(t *testing.T) {
	l := New("sess-1")
	Apply(l, ev(stream.EventLedgerLearningExtracted, stream.Payload{"kind": "decision", "content": "use retries"}))

	l.SeedLearnings(
		[]string{"use retries", "prefer async spawn"},
		[]string{"avoid bare panics"},
		nil,
		nil,
	)

	assert.Equal(t, []string{"use retries", "prefer async spawn"}, l.Learnings.Decisions)
	assert.Equal(t, []string{"avoid bare panics"}, l.Learnings.Corrections)
}

func TestAssumptionResolution(t *testing.T) {
	l := New("sess-1")
	Apply(l, ev(stream.EventLedgerAssumptionRecorded, stream.Payload{
		"content": "assume postgres", "source": "agent", "rationale": "observed in config",
	}))
	require.Len(t, l.Governance.Assumptions, 1)
	assert.Equal(t, AssumptionPendingReview, l.Governance.Assumptions[0].Status)

	Apply(l, ev(stream.EventLedgerAssumptionResolved, stream.Payload{
		"content": "assume postgres", "status": "approved",
	}))
	assert.Equal(t, AssumptionApproved, l.Governance.Assumptions[0].Status)
}

func TestHandoffCreatedAndResumed(t *testing.T) {
	l := New("sess-1")
	Apply(l, ev(stream.EventLedgerHandoffCreated, stream.Payload{
		"decisions": []any{"use postgres"},
		"plan":      []any{"step 1", "step 2"},
	}))
	require.NotNil(t, l.Handoff)
	assert.Equal(t, SessionHandoff, l.Meta.Status)
	assert.Equal(t, []string{"use postgres"}, l.Handoff.Decisions)

	Apply(l, ev(stream.EventLedgerHandoffResumed, nil))
	assert.Nil(t, l.Handoff)
	assert.Equal(t, SessionActive, l.Meta.Status)
}

func TestRebuildReplaysEventsFromScratch(t *testing.T) {
	events := []stream.Event{
		ev(stream.EventLedgerEpicCreated, stream.Payload{"epic_id": "e1", "title": "feature"}),
		ev(stream.EventLedgerTaskCreated, stream.Payload{"task_id": "t1", "description": "work"}),
		ev(stream.EventLedgerTaskCompleted, stream.Payload{"task_id": "t1", "result": "ok"}),
	}
	l := Rebuild("sess-1", events)
	assert.Equal(t, "sess-1", l.Meta.SessionID)
	require.Len(t, l.Archive, 1, "the replayed epic has all tasks completed, so rebuild archives it")
	assert.Equal(t, "1/1", l.Meta.TasksCompleted)
}

func TestRebuildFinalizesEpicWithAllTasksCompleted(t *testing.T) {
	events := []stream.Event{
		ev(stream.EventLedgerEpicCreated, stream.Payload{"epic_id": "e1", "title": "feature"}),
		ev(stream.EventLedgerTaskCreated, stream.Payload{"task_id": "t1", "description": "build"}),
		ev(stream.EventLedgerTaskCreated, stream.Payload{"task_id": "t2", "description": "test"}),
		ev(stream.EventLedgerTaskCompleted, stream.Payload{"task_id": "t1", "result": "ok"}),
		ev(stream.EventLedgerTaskCompleted, stream.Payload{"task_id": "t2", "result": "ok"}),
	}
	l := Rebuild("sess-1", events)

	assert.Nil(t, l.Epic, "an all-completed epic is closed out during rebuild")
	require.Len(t, l.Archive, 1)
	assert.Equal(t, EpicCompleted, l.Archive[0].Status)
	require.NotNil(t, l.Archive[0].CompletedAt)
}

func TestRebuildFinalizesEpicWithAllTasksFailed(t *testing.T) {
	events := []stream.Event{
		ev(stream.EventLedgerEpicCreated, stream.Payload{"epic_id": "e1", "title": "feature"}),
		ev(stream.EventLedgerTaskCreated, stream.Payload{"task_id": "t1", "description": "build"}),
		ev(stream.EventLedgerTaskFailed, stream.Payload{"task_id": "t1", "error": "boom"}),
	}
	l := Rebuild("sess-1", events)

	assert.Nil(t, l.Epic)
	require.Len(t, l.Archive, 1)
	assert.Equal(t, EpicFailed, l.Archive[0].Status)
}

func TestRebuildLeavesMixedEpicOpen(t *testing.T) {
	events := []stream.Event{
		ev(stream.EventLedgerEpicCreated, stream.Payload{"epic_id": "e1", "title": "feature"}),
		ev(stream.EventLedgerTaskCreated, stream.Payload{"task_id": "t1", "description": "build"}),
		ev(stream.EventLedgerTaskCreated, stream.Payload{"task_id": "t2", "description": "test"}),
		ev(stream.EventLedgerTaskCompleted, stream.Payload{"task_id": "t1", "result": "ok"}),
	}
	l := Rebuild("sess-1", events)

	require.NotNil(t, l.Epic, "an epic with work remaining stays open")
	assert.Equal(t, EpicInProgress, l.Epic.Status)
}

func TestRenderIncludesKeySections(t *testing.T) {
	l := New("sess-1")
	Apply(l, ev(stream.EventLedgerEpicCreated, stream.Payload{"epic_id": "e1", "title": "feature", "request": "do it"}))

	out := Render(l)
	assert.Contains(t, out, "# Session sess-1")
	assert.Contains(t, out, "## Epic")
	assert.Contains(t, out, "feature")
}

func TestStoreAppliesAndFlushesDebounced(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir+"/LEDGER.md", New("sess-1"))

	store.ApplyEvent(ev(stream.EventLedgerEpicCreated, stream.Payload{"epic_id": "e1", "title": "x"}))
	require.NoError(t, store.Flush())

	current := store.Current()
	require.NotNil(t, current.Epic)

	snapshot, err := LoadSnapshot(dir + "/LEDGER.md")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, "sess-1", snapshot.Meta.SessionID)
}

func TestStoreCloseFlushesOutstandingWrites(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir+"/LEDGER.md", New("sess-1"))
	store.ApplyEvent(ev(stream.EventLedgerEpicCreated, stream.Payload{"epic_id": "e1", "title": "y"}))

	require.NoError(t, store.Close())

	snapshot, err := LoadSnapshot(dir + "/LEDGER.md")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	require.NotNil(t, snapshot.Epic)
	assert.Equal(t, "y", snapshot.Epic.Title)
}
