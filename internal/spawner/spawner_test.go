package spawner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/agentctl/internal/ledger"
	"github.com/codeready-toolchain/agentctl/internal/orcherr"
	"github.com/codeready-toolchain/agentctl/internal/registry"
	"github.com/codeready-toolchain/agentctl/internal/runtime"
	"github.com/codeready-toolchain/agentctl/internal/stream"
)

func newTestStream(t *testing.T) *stream.Stream {
	t.Helper()
	s, err := stream.New(stream.Options{Dir: t.TempDir(), BaseName: "stream.jsonl"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// respondAndSignalDone wires an InMemory runtime's Respond callback so that,
// the instant a reply is produced, a terminal event is appended to s for the
// session — standing in for the Supervisor tick that would otherwise detect
// the now-idle runtime session and emit it.
func respondAndSignalDone(s *stream.Stream, reply string, err error) func(sessionID, agent string, parts []runtime.Part) (string, error) {
	return func(sessionID, agent string, parts []runtime.Part) (string, error) {
		if err != nil {
			_, _ = s.Append(stream.Input{Type: stream.EventAgentFailed, StreamID: sessionID, Payload: stream.Payload{"error": err.Error()}})
			return "", err
		}
		_, _ = s.Append(stream.Input{Type: stream.EventAgentCompleted, StreamID: sessionID, Payload: stream.Payload{"result": reply}})
		return reply, nil
	}
}

func TestSpawnSyncSuccessPath(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	rt.Respond = respondAndSignalDone(s, "all done here", nil)
	sp := New(rt, s, registry.New(), nil, AgentRegistry{}, "coordinator")

	result, err := sp.Spawn(context.Background(), Request{
		AgentName: "worker",
		Prompt:    "do the thing",
		Mode:      ModeSync,
		TimeoutMS: 2000,
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.TimedOut)
	assert.Equal(t, "all done here", result.Result)
	assert.NotEmpty(t, result.SessionID)
}

func TestSpawnAccessDeniedForInternalAgentFromNonCoordinator(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	agents := AgentRegistry{"internal-agent": AgentInfo{Name: "internal-agent", Public: false}}
	sp := New(rt, s, registry.New(), nil, agents, "coordinator")

	_, err := sp.Spawn(context.Background(), Request{
		CallerAgent: "some-other-agent",
		AgentName:   "internal-agent",
		Prompt:      "do the thing",
		Mode:        ModeSync,
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, orcherr.ErrAccessDenied))
}

func TestSpawnAccessAllowedForInternalAgentFromCoordinator(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	rt.Respond = respondAndSignalDone(s, "ok", nil)
	agents := AgentRegistry{"internal-agent": AgentInfo{Name: "internal-agent", Public: false}}
	sp := New(rt, s, registry.New(), nil, agents, "coordinator")

	result, err := sp.Spawn(context.Background(), Request{
		CallerAgent: "coordinator",
		AgentName:   "internal-agent",
		Prompt:      "do the thing",
		Mode:        ModeSync,
		TimeoutMS:   2000,
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestSpawnRecursionDetectedWhenAgentAlreadyInStack(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	sp := New(rt, s, registry.New(), nil, AgentRegistry{}, "coordinator")

	_, err := sp.Spawn(context.Background(), Request{
		AgentName:      "worker",
		Prompt:         "do the thing",
		Mode:           ModeSync,
		ExecutionStack: []string{"coordinator", "worker"},
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, orcherr.ErrRecursionDetected))
}

func TestSpawnRecursionDetectedWhenStackTooDeep(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	sp := New(rt, s, registry.New(), nil, AgentRegistry{}, "coordinator")

	deepStack := make([]string, 0, maxExecutionStackDepth+1)
	for i := 0; i <= maxExecutionStackDepth; i++ {
		deepStack = append(deepStack, "ancestor")
	}

	_, err := sp.Spawn(context.Background(), Request{
		AgentName:      "worker",
		Prompt:         "do the thing",
		Mode:           ModeSync,
		ExecutionStack: deepStack,
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, orcherr.ErrRecursionDetected))
}

func TestSpawnAsyncModeReturnsImmediatelyWithContinuationHint(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	started := make(chan struct{})
	rt.Respond = func(sessionID, agent string, parts []runtime.Part) (string, error) {
		close(started)
		return "irrelevant", nil
	}
	sp := New(rt, s, registry.New(), nil, AgentRegistry{}, "coordinator")

	result, err := sp.Spawn(context.Background(), Request{
		AgentName: "worker",
		Prompt:    "do the thing",
		Mode:      ModeAsync,
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, result.SessionID, result.ContinuationHint)

	<-started // PromptAsync must still have dispatched the prompt
}

func TestSpawnSyncTimesOutWhenNoTerminalEventArrives(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	rt.Respond = func(sessionID, agent string, parts []runtime.Part) (string, error) {
		// Deliberately does not append any terminal event, simulating a
		// supervisor tick that hasn't fired yet.
		return "still working", nil
	}
	sp := New(rt, s, registry.New(), nil, AgentRegistry{}, "coordinator")

	result, err := sp.Spawn(context.Background(), Request{
		AgentName: "worker",
		Prompt:    "do the thing",
		Mode:      ModeSync,
		TimeoutMS: 20,
	})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.True(t, result.TimedOut)
	assert.Equal(t, result.SessionID, result.ContinuationHint)
}

func TestSpawnSyncBlocksOnDialogueState(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	rt.Respond = func(sessionID, agent string, parts []runtime.Part) (string, error) {
		// Signal the end of the turn with session.idle, so any agent.completed
		// on this session could only come from the spawner itself.
		_, _ = s.Append(stream.Input{Type: stream.EventSessionIdle, StreamID: sessionID})
		return `{"dialogue_state":{"status":"needs_approval","message_to_user":"ok to proceed?"}}`, nil
	}
	sp := New(rt, s, registry.New(), nil, AgentRegistry{}, "coordinator")

	result, err := sp.Spawn(context.Background(), Request{
		AgentName: "worker",
		Prompt:    "do the thing",
		Mode:      ModeSync,
		TimeoutMS: 2000,
	})

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, result.SessionID, result.ContinuationHint)
	require.NotNil(t, result.DialogueState)
	assert.Equal(t, DialogueNeedsApproval, result.DialogueState.Status)

	for _, ev := range s.History(0, stream.Filter{StreamID: result.SessionID}) {
		assert.NotEqual(t, stream.EventAgentCompleted, ev.Type, "a blocking dialogue state must not emit agent.completed")
	}
}

func TestAssembleContextPrependsDirectivesLearningsAndHandoff(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()

	l := ledger.New("root-session")
	l.Governance.Directives = append(l.Governance.Directives, ledger.Directive{Content: "never touch production data"})
	l.Learnings.Decisions = append(l.Learnings.Decisions, "always retry postgres connections")
	store := ledger.NewStore(t.TempDir()+"/ledger", l)
	t.Cleanup(func() { _ = store.Close() })

	agents := AgentRegistry{"worker": {Name: "worker", Public: true, RequiresContext: true}}
	sp := New(rt, s, registry.New(), store, agents, "coordinator")

	var capturedPrompt string
	rt.Respond = func(sessionID, agent string, parts []runtime.Part) (string, error) {
		capturedPrompt = parts[0].Text
		_, _ = s.Append(stream.Input{Type: stream.EventAgentCompleted, StreamID: sessionID, Payload: stream.Payload{"result": "ok"}})
		return "ok", nil
	}

	result, err := sp.Spawn(context.Background(), Request{
		AgentName: "worker",
		Prompt:    "help with the postgres migration",
		Mode:      ModeSync,
		TimeoutMS: 2000,
		HandoffContext: &HandoffContext{
			Decisions: []string{"use blue/green rollout"},
		},
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, capturedPrompt, "[directive] never touch production data")
	assert.Contains(t, capturedPrompt, "[learning] always retry postgres connections")
	assert.Contains(t, capturedPrompt, "[handoff:decision] use blue/green rollout")
	assert.Contains(t, capturedPrompt, "help with the postgres migration")
}

func TestAssembleContextSkipsHandoffWhenPreservationDisabled(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()

	agents := AgentRegistry{"worker": {Name: "worker", Public: true, RequiresContext: true}}
	sp := New(rt, s, registry.New(), nil, agents, "coordinator", WithContextPreservation(false))

	var capturedPrompt string
	rt.Respond = func(sessionID, agent string, parts []runtime.Part) (string, error) {
		capturedPrompt = parts[0].Text
		_, _ = s.Append(stream.Input{Type: stream.EventAgentCompleted, StreamID: sessionID, Payload: stream.Payload{"result": "ok"}})
		return "ok", nil
	}

	_, err := sp.Spawn(context.Background(), Request{
		AgentName: "worker",
		Prompt:    "continue the migration",
		Mode:      ModeSync,
		TimeoutMS: 2000,
		HandoffContext: &HandoffContext{
			Decisions: []string{"use blue/green rollout"},
		},
	})

	require.NoError(t, err)
	assert.NotContains(t, capturedPrompt, "[handoff:decision]")
	assert.Contains(t, capturedPrompt, "continue the migration")
}

func TestSpawnRegistersSupervisedTask(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	rt.Respond = respondAndSignalDone(s, "all done here", nil)
	reg := registry.New()
	sp := New(rt, s, reg, nil, AgentRegistry{}, "coordinator")

	result, err := sp.Spawn(context.Background(), Request{
		AgentName:    "worker",
		Prompt:       "do the thing",
		Mode:         ModeSync,
		TimeoutMS:    2000,
		LedgerTaskID: "ledger-task-1",
	})

	require.NoError(t, err)
	require.NotEmpty(t, result.TaskID)
	task, ok := reg.Get(result.TaskID)
	require.True(t, ok)
	assert.Equal(t, registry.StatusCompleted, task.Status)
	assert.Equal(t, "all done here", task.Result)
	assert.Equal(t, result.SessionID, task.SessionID)
	assert.Equal(t, "ledger-task-1", task.LedgerTaskID)
}

func TestSpawnAsyncLeavesTaskRunningForSupervisor(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	reg := registry.New()
	sp := New(rt, s, reg, nil, AgentRegistry{}, "coordinator")

	result, err := sp.Spawn(context.Background(), Request{
		AgentName: "worker",
		Prompt:    "do the thing",
		Mode:      ModeAsync,
	})

	require.NoError(t, err)
	task, ok := reg.Get(result.TaskID)
	require.True(t, ok)
	assert.Equal(t, registry.StatusRunning, task.Status, "completion of an async spawn belongs to the supervisor")
	assert.Equal(t, result.SessionID, task.SessionID)
}

func TestRedispatchDoesNotRegisterANewTask(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	reg := registry.New()
	sp := New(rt, s, reg, nil, AgentRegistry{}, "coordinator")

	sessionID, err := sp.Redispatch(context.Background(), registry.Task{
		AgentName: "worker",
		Prompt:    "do the thing again",
	})

	require.NoError(t, err)
	assert.NotEmpty(t, sessionID)
	assert.Equal(t, registry.Summary{}, reg.Summary(), "retry bookkeeping stays with the supervisor")
}

func TestStartEpicOpensLedgerEpicAndDispatchesTasks(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	reg := registry.New()
	sp := New(rt, s, reg, nil, AgentRegistry{}, "coordinator")

	epicID, taskIDs, err := sp.StartEpic(context.Background(), "root-session", "Ship feature", "add X", []TaskSpec{
		{AgentName: "builder", Prompt: "write the code"},
		{AgentName: "reviewer", Prompt: "review the code"},
	})

	require.NoError(t, err)
	assert.NotEmpty(t, epicID)
	require.Len(t, taskIDs, 2)

	created := s.History(0, stream.Filter{Type: stream.EventLedgerEpicCreated})
	require.Len(t, created, 1)
	assert.Equal(t, epicID, created[0].Payload["epic_id"])
	assert.Len(t, s.History(0, stream.Filter{Type: stream.EventLedgerTaskCreated}), 2)

	running := reg.ByStatus(registry.StatusRunning)
	require.Len(t, running, 2)
	for _, task := range running {
		assert.Contains(t, taskIDs, task.LedgerTaskID)
		assert.NotEmpty(t, task.SessionID)
	}
}

func TestStartEpicRejectsMoreThanThreeTasks(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	sp := New(rt, s, registry.New(), nil, AgentRegistry{}, "coordinator")

	specs := []TaskSpec{
		{AgentName: "a", Prompt: "1"}, {AgentName: "b", Prompt: "2"},
		{AgentName: "c", Prompt: "3"}, {AgentName: "d", Prompt: "4"},
	}
	_, _, err := sp.StartEpic(context.Background(), "root-session", "too big", "r", specs)
	require.Error(t, err)
	assert.True(t, errors.Is(err, orcherr.ErrMissingArgument))
}

func TestCancelSessionReportsFalseForUnknownSession(t *testing.T) {
	s := newTestStream(t)
	rt := runtime.NewInMemory()
	rt.Respond = func(sessionID, agent string, parts []runtime.Part) (string, error) {
		// Never called: no Spawn runs here, so there is no active wait.
		return "still working", nil
	}
	sp := New(rt, s, registry.New(), nil, AgentRegistry{}, "coordinator")

	assert.False(t, sp.CancelSession("unknown-session"))
}
