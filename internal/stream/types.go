package stream

import "github.com/codeready-toolchain/agentctl/internal/checkpoint"

// EventType is the closed taxonomy of event types the stream accepts.
// '*' is reserved for subscriptions that want every type, never emitted as a
// real event's Type.
type EventType string

const (
	EventSessionCreated      EventType = "session.created"
	EventSessionResumed      EventType = "session.resumed"
	EventSessionIdle         EventType = "session.idle"
	EventSessionError        EventType = "session.error"
	EventAgentSpawned        EventType = "agent.spawned"
	EventAgentCompleted      EventType = "agent.completed"
	EventAgentFailed         EventType = "agent.failed"
	EventHandoffInitiated    EventType = "handoff.initiated"
	EventHandoffCompleted    EventType = "handoff.completed"
	EventContextSnapshot     EventType = "context.snapshot"
	EventContextRestored     EventType = "context.restored"
	EventCheckpointRequested EventType = "checkpoint.requested"
	EventCheckpointApproved  EventType = "checkpoint.approved"
	EventCheckpointRejected  EventType = "checkpoint.rejected"
	EventHumanIntervention   EventType = "human.intervention"
	EventHumanApproved       EventType = "human.approved"
	EventHumanRejected       EventType = "human.rejected"
	EventLearningExtracted   EventType = "learning.extracted"
	EventErrorRecovered      EventType = "error.recovered"

	// Actor message family — one event per reducer message type,
	// appended by the effectful processor before the reducer runs.
	EventUserRequest      EventType = "user.request"
	EventUserApproval     EventType = "user.approval"
	EventPhaseChange      EventType = "phase.change"
	EventAssumptionTrack  EventType = "assumption.track"
	EventAssumptionVerify EventType = "assumption.verify"
	EventSubagentYield    EventType = "agent.yield"
	EventSubagentResume   EventType = "agent.resume"
	EventDirectionUpdate  EventType = "direction.update"
	EventTaskUpdate       EventType = "task.update"

	// Ledger projection family: the event types the projector folds into
	// the ledger.
	EventLedgerEpicCreated        EventType = "ledger.epic.created"
	EventLedgerEpicStarted        EventType = "ledger.epic.started"
	EventLedgerEpicCompleted      EventType = "ledger.epic.completed"
	EventLedgerTaskCreated        EventType = "ledger.task.created"
	EventLedgerTaskStarted        EventType = "ledger.task.started"
	EventLedgerTaskCompleted      EventType = "ledger.task.completed"
	EventLedgerTaskFailed         EventType = "ledger.task.failed"
	EventLedgerTaskYielded        EventType = "ledger.task.yielded"
	EventLedgerHandoffCreated     EventType = "ledger.handoff.created"
	EventLedgerHandoffResumed     EventType = "ledger.handoff.resumed"
	EventLedgerLearningExtracted  EventType = "ledger.learning.extracted"
	EventLedgerDirectiveAdded     EventType = "ledger.directive.added"
	EventLedgerAssumptionRecorded EventType = "ledger.assumption.recorded"
	EventLedgerAssumptionResolved EventType = "ledger.assumption.resolved"

	// AnyType is the subscription wildcard; never a real event's Type.
	AnyType EventType = "*"
)

// Payload is an opaque tagged map, serialized as-is to the log record.
type Payload map[string]any

// Event is an immutable, append-only record. Offsets are strictly increasing
// within a log; Event.ID is globally unique within a CorrelationID.
type Event struct {
	Offset        uint64                 `json:"offset"`
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	TimestampMS   int64                  `json:"timestamp"`
	StreamID      string                 `json:"stream_id"`
	CorrelationID string                 `json:"correlation_id"`
	Actor         string                 `json:"actor"`
	ParentEventID string                 `json:"parent_event_id,omitempty"`
	Payload       Payload                `json:"payload"`
	Metadata      map[string]any         `json:"metadata,omitempty"`
	Checkpoint    *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
}

// Input is the caller-supplied content for Append; the stream assigns
// Offset, ID, and TimestampMS.
type Input struct {
	Type          EventType
	StreamID      string
	CorrelationID string
	Actor         string
	ParentEventID string
	Payload       Payload
	Metadata      map[string]any
	Checkpoint    *checkpoint.Checkpoint
}

// Filter narrows History/Query results. A zero-value Filter matches everything.
type Filter struct {
	Type          EventType // "" matches all types
	StreamID      string    // "" matches all streams
	CorrelationID string    // "" matches all correlations
	SinceOffset   uint64    // exclusive lower bound
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.StreamID != "" && f.StreamID != e.StreamID {
		return false
	}
	if f.CorrelationID != "" && f.CorrelationID != e.CorrelationID {
		return false
	}
	if e.Offset <= f.SinceOffset {
		return false
	}
	return true
}
