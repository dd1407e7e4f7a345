package actor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownMessageTypeReturnsStateUnchanged(t *testing.T) {
	state := New("sess-1", "", "sess-1")
	next := Reduce(state, 1, Message{Type: "bogus.message"})
	assert.Equal(t, state, next)
}

func TestPhaseChangeAppliesAndBumpsOffset(t *testing.T) {
	state := New("sess-1", "", "sess-1")
	next := Reduce(state, 5, Message{Type: MsgPhaseChange, Payload: Payload{"phase": "PLANNING"}})
	assert.Equal(t, PhasePlanning, next.Phase)
	assert.Equal(t, uint64(5), next.EventOffset)
	assert.True(t, next.LastUpdated.After(state.LastUpdated) || next.LastUpdated.Equal(state.LastUpdated))
}

func TestPhaseRegressionToInitStillApplies(t *testing.T) {
	state := New("sess-1", "", "sess-1")
	state.Phase = PhaseExecuting
	next := Reduce(state, 1, Message{Type: MsgPhaseChange, Payload: Payload{"phase": "INIT"}})
	assert.Equal(t, PhaseInit, next.Phase, "regression is logged, not blocked")
}

func TestAssumptionTrackAndVerify(t *testing.T) {
	state := New("sess-1", "", "sess-1")
	state = Reduce(state, 1, Message{Type: MsgAssumptionTrack, Payload: Payload{
		"worker": "w1", "assumed": "uses postgres", "confidence": 0.9,
	}})
	require.Len(t, state.Assumptions, 1)
	assert.False(t, state.Assumptions[0].Verified)

	state = Reduce(state, 2, Message{Type: MsgAssumptionVerify, Payload: Payload{"assumed": "uses postgres"}})
	assert.True(t, state.Assumptions[0].Verified)
}

func TestShouldSurfaceAssumptionsOnThreeUnverified(t *testing.T) {
	state := New("sess-1", "", "sess-1")
	for i := 0; i < 3; i++ {
		state = Reduce(state, uint64(i+1), Message{Type: MsgAssumptionTrack, Payload: Payload{
			"worker": "w", "assumed": "a", "confidence": 0.95,
		}})
	}
	assert.True(t, state.ShouldSurfaceAssumptions())
}

func TestShouldSurfaceAssumptionsOnLowConfidence(t *testing.T) {
	state := New("sess-1", "", "sess-1")
	state = Reduce(state, 1, Message{Type: MsgAssumptionTrack, Payload: Payload{
		"worker": "w", "assumed": "a", "confidence": 0.2,
	}})
	assert.True(t, state.ShouldSurfaceAssumptions())
}

func TestSubAgentLifecycle(t *testing.T) {
	state := New("sess-1", "", "sess-1")
	state = Reduce(state, 1, Message{Type: MsgSubagentSpawn, Payload: Payload{"session_id": "sub-1", "agent": "reviewer"}})
	require.Contains(t, state.SubAgents, "sub-1")
	assert.Equal(t, SubAgentSpawned, state.SubAgents["sub-1"].Status)

	state = Reduce(state, 2, Message{Type: MsgAgentYield, Payload: Payload{"session_id": "sub-1"}})
	assert.Equal(t, SubAgentYielded, state.SubAgents["sub-1"].Status)

	state = Reduce(state, 3, Message{Type: MsgAgentResume, Payload: Payload{"session_id": "sub-1"}})
	assert.Equal(t, SubAgentRunning, state.SubAgents["sub-1"].Status)

	state = Reduce(state, 4, Message{Type: MsgSubagentComplete, Payload: Payload{"session_id": "sub-1", "result": "ok"}})
	assert.Equal(t, SubAgentCompleted, state.SubAgents["sub-1"].Status)
	assert.Equal(t, "ok", state.SubAgents["sub-1"].Result)
	require.NotNil(t, state.SubAgents["sub-1"].CompletedAt)
}

func TestDirectionUpdateOnlyReplacesNamedFields(t *testing.T) {
	state := New("sess-1", "", "sess-1")
	state.Direction.Constraints = []string{"no breaking changes"}

	state = Reduce(state, 1, Message{Type: MsgDirectionUpdate, Payload: Payload{
		"goals": []any{"ship feature"},
	}})

	assert.Equal(t, []string{"ship feature"}, state.Direction.Goals)
	assert.Equal(t, []string{"no breaking changes"}, state.Direction.Constraints, "unmentioned field must survive")
}

