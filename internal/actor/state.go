// Package actor implements the Actor State & Reducer: a pure
// reducer over a typed message set, wrapped by an effectful processor that
// appends the corresponding event, persists the new state, and projects
// "significant" transitions to the ledger.
package actor

import "time"

// Phase is the coordinator's lifecycle phase.
type Phase string

const (
	PhaseInit       Phase = "INIT"
	PhasePlanning   Phase = "PLANNING"
	PhaseValidating Phase = "VALIDATING"
	PhaseExecuting  Phase = "EXECUTING"
	PhaseCompleted  Phase = "COMPLETED"
	PhaseFailed     Phase = "FAILED"
)

// Direction is the accumulated goals/constraints/decisions for the session.
type Direction struct {
	Goals       []string
	Constraints []string
	Decisions   []string
}

func (d Direction) clone() Direction {
	return Direction{
		Goals:       append([]string(nil), d.Goals...),
		Constraints: append([]string(nil), d.Constraints...),
		Decisions:   append([]string(nil), d.Decisions...),
	}
}

// Assumption is an agent decision pending human verification.
type Assumption struct {
	Worker     string
	Assumed    string
	Confidence float64
	Verified   bool
	Timestamp  time.Time
}

// SubAgentStatus is a spawned sub-agent's lifecycle state.
type SubAgentStatus string

const (
	SubAgentSpawned   SubAgentStatus = "spawned"
	SubAgentRunning   SubAgentStatus = "running"
	SubAgentYielded   SubAgentStatus = "yielded"
	SubAgentCompleted SubAgentStatus = "completed"
	SubAgentFailed    SubAgentStatus = "failed"
)

// SubAgentEntry tracks one spawned sub-agent keyed by its runtime session id.
type SubAgentEntry struct {
	Status      SubAgentStatus
	Agent       string
	SpawnedAt   time.Time
	CompletedAt *time.Time
	Result      string
	Error       string
}

// State is the coordinator's in-memory actor state.
type State struct {
	Phase           Phase
	SessionID       string
	ParentSessionID string
	RootSessionID   string
	ExecutionStack  []string
	Direction       Direction
	Assumptions     []Assumption
	SubAgents       map[string]SubAgentEntry
	EventOffset     uint64
	CurrentTask     string
	LastUpdated     time.Time
}

// New returns the initial actor state for a fresh session.
func New(sessionID, parentSessionID, rootSessionID string) State {
	return State{
		Phase:           PhaseInit,
		SessionID:       sessionID,
		ParentSessionID: parentSessionID,
		RootSessionID:   rootSessionID,
		SubAgents:       make(map[string]SubAgentEntry),
		LastUpdated:     time.Now(),
	}
}

func (s State) clone() State {
	cp := s
	cp.ExecutionStack = append([]string(nil), s.ExecutionStack...)
	cp.Direction = s.Direction.clone()
	cp.Assumptions = append([]Assumption(nil), s.Assumptions...)
	cp.SubAgents = make(map[string]SubAgentEntry, len(s.SubAgents))
	for k, v := range s.SubAgents {
		cp.SubAgents[k] = v
	}
	return cp
}

// UnverifiedAssumptions returns the subset of assumptions still awaiting
// human verification.
func (s State) UnverifiedAssumptions() []Assumption {
	var out []Assumption
	for _, a := range s.Assumptions {
		if !a.Verified {
			out = append(out, a)
		}
	}
	return out
}

// ShouldSurfaceAssumptions reports whether the caller should surface the
// accumulated assumptions to the user:
// three or more unverified assumptions have accumulated, or any one of them
// carries confidence below 0.6.
func (s State) ShouldSurfaceAssumptions() bool {
	unverified := s.UnverifiedAssumptions()
	if len(unverified) >= 3 {
		return true
	}
	for _, a := range unverified {
		if a.Confidence < 0.6 {
			return true
		}
	}
	return false
}
