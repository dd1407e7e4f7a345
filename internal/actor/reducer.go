package actor

import (
	"log/slog"
	"time"
)

// Reduce is the pure reducer contract: given (state, message), return a new
// state with LastUpdated bumped and EventOffset set to the event that
// carried this message. Unknown message types return the input state
// unchanged.
func Reduce(state State, offset uint64, msg Message) State {
	if !isKnown(msg.Type) {
		return state
	}

	next := state.clone()
	next.LastUpdated = time.Now()
	next.EventOffset = offset

	switch msg.Type {
	case MsgUserRequest:
		next.CurrentTask = msg.Payload.str("prompt")
		if next.Phase == PhaseInit {
			next.Phase = PhasePlanning
		}
	case MsgUserApproval:
		decision := msg.Payload.str("decision")
		if decision == "" {
			decision = "approved"
		}
		next.Direction.Decisions = append(next.Direction.Decisions, decision)
	case MsgPhaseChange:
		applyPhaseChange(&next, msg.Payload.str("phase"))
	case MsgAssumptionTrack:
		next.Assumptions = append(next.Assumptions, Assumption{
			Worker:     msg.Payload.str("worker"),
			Assumed:    msg.Payload.str("assumed"),
			Confidence: msg.Payload.float("confidence"),
			Verified:   false,
			Timestamp:  time.Now(),
		})
	case MsgAssumptionVerify:
		verifyFirstMatch(&next, msg.Payload.str("assumed"))
	case MsgSubagentSpawn:
		applySpawn(&next, msg.Payload)
	case MsgSubagentComplete:
		applyComplete(&next, msg.Payload, SubAgentCompleted)
	case MsgSubagentFailed:
		applyComplete(&next, msg.Payload, SubAgentFailed)
	case MsgAgentYield:
		setSubAgentStatus(&next, msg.Payload.str("session_id"), SubAgentYielded)
	case MsgAgentResume:
		setSubAgentStatus(&next, msg.Payload.str("session_id"), SubAgentRunning)
	case MsgDirectionUpdate:
		applyDirectionUpdate(&next, msg.Payload)
	case MsgTaskUpdate:
		next.CurrentTask = msg.Payload.str("task")
	}

	return next
}

func isKnown(t MessageType) bool {
	switch t {
	case MsgUserRequest, MsgUserApproval, MsgPhaseChange, MsgAssumptionTrack, MsgAssumptionVerify,
		MsgSubagentSpawn, MsgSubagentComplete, MsgSubagentFailed, MsgAgentYield, MsgAgentResume,
		MsgDirectionUpdate, MsgTaskUpdate:
		return true
	default:
		return false
	}
}

// applyPhaseChange replaces the phase. Regression to INIT is never silently
// dropped — it is logged and still applied.
func applyPhaseChange(state *State, newPhase string) {
	p := Phase(newPhase)
	if p == "" {
		return
	}
	if p == PhaseInit && state.Phase != PhaseInit {
		slog.Warn("actor phase regressed to INIT", "session_id", state.SessionID, "from", state.Phase)
	}
	state.Phase = p
}

func verifyFirstMatch(state *State, assumed string) {
	for i := range state.Assumptions {
		if state.Assumptions[i].Assumed == assumed && !state.Assumptions[i].Verified {
			state.Assumptions[i].Verified = true
			return
		}
	}
}

func applySpawn(state *State, p Payload) {
	sessionID := p.str("session_id")
	if sessionID == "" {
		return
	}
	state.SubAgents[sessionID] = SubAgentEntry{
		Status:    SubAgentSpawned,
		Agent:     p.str("agent"),
		SpawnedAt: time.Now(),
	}
}

func applyComplete(state *State, p Payload, status SubAgentStatus) {
	sessionID := p.str("session_id")
	if sessionID == "" {
		return
	}
	entry := state.SubAgents[sessionID]
	entry.Status = status
	now := time.Now()
	entry.CompletedAt = &now
	if status == SubAgentCompleted {
		entry.Result = p.str("result")
	} else {
		entry.Error = p.str("error")
	}
	state.SubAgents[sessionID] = entry
}

func setSubAgentStatus(state *State, sessionID string, status SubAgentStatus) {
	if sessionID == "" {
		return
	}
	entry, ok := state.SubAgents[sessionID]
	if !ok {
		entry = SubAgentEntry{}
	}
	entry.Status = status
	state.SubAgents[sessionID] = entry
}

// applyDirectionUpdate replaces only the named fields present in the
// payload; fields absent from the payload are left untouched, never
// deleted.
func applyDirectionUpdate(state *State, p Payload) {
	if goals, ok := p.strSlice("goals"); ok {
		state.Direction.Goals = goals
	}
	if constraints, ok := p.strSlice("constraints"); ok {
		state.Direction.Constraints = constraints
	}
	if decisions, ok := p.strSlice("decisions"); ok {
		state.Direction.Decisions = decisions
	}
}
