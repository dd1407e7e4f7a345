package actor

import (
	"fmt"
	"sync"

	"github.com/codeready-toolchain/agentctl/internal/ledger"
	"github.com/codeready-toolchain/agentctl/internal/stream"
)

// eventTypes maps each reducer message type to the stream event type the
// processor appends before reducing.
var eventTypes = map[MessageType]stream.EventType{
	MsgUserRequest:      stream.EventUserRequest,
	MsgUserApproval:     stream.EventUserApproval,
	MsgPhaseChange:      stream.EventPhaseChange,
	MsgAssumptionTrack:  stream.EventAssumptionTrack,
	MsgAssumptionVerify: stream.EventAssumptionVerify,
	MsgSubagentSpawn:    stream.EventAgentSpawned,
	MsgSubagentComplete: stream.EventAgentCompleted,
	MsgSubagentFailed:   stream.EventAgentFailed,
	MsgAgentYield:       stream.EventSubagentYield,
	MsgAgentResume:      stream.EventSubagentResume,
	MsgDirectionUpdate:  stream.EventDirectionUpdate,
	MsgTaskUpdate:       stream.EventTaskUpdate,
}

// Processor is the effectful wrapper around the pure Reduce function: it
// appends the triggering event to the stream, reduces, persists the result
// in memory, and projects significant transitions to the ledger.
type Processor struct {
	mu     sync.Mutex
	state  State
	stream *stream.Stream
	ledger *ledger.Store // optional; nil disables ledger projection
}

// NewProcessor wires a processor around an initial state, the durable
// stream it appends to, and the ledger store it projects significant
// transitions into (ledgerStore may be nil).
func NewProcessor(initial State, s *stream.Stream, ledgerStore *ledger.Store) *Processor {
	return &Processor{state: initial, stream: s, ledger: ledgerStore}
}

// State returns a snapshot of the current actor state.
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.clone()
}

// Dispatch runs the full effectful cycle for one message: append, reduce,
// persist, and (for significant transitions) project to the ledger.
func (p *Processor) Dispatch(msg Message) (State, error) {
	typ, ok := eventTypes[msg.Type]
	if !ok {
		return State{}, fmt.Errorf("actor: unknown message type %q", msg.Type)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ev, err := p.stream.Append(stream.Input{
		Type:          typ,
		StreamID:      p.state.SessionID,
		CorrelationID: p.state.RootSessionID,
		Payload:       stream.Payload(msg.Payload),
	})
	if err != nil {
		return p.state, fmt.Errorf("actor: append event: %w", err)
	}

	p.state = Reduce(p.state, ev.Offset, msg)

	if msg.Type.significant() && p.ledger != nil {
		p.projectToLedger(msg)
	}

	return p.state.clone(), nil
}

func (p *Processor) projectToLedger(msg Message) {
	state := p.state
	p.ledger.Mutate(func(l *ledger.Ledger) {
		switch msg.Type {
		case MsgPhaseChange:
			l.Meta.Phase = string(state.Phase)
			l.NoteActivity("phase -> " + string(state.Phase))
		case MsgSubagentComplete:
			l.NoteActivity("sub-agent completed: " + msg.Payload.str("session_id"))
		case MsgSubagentFailed:
			l.NoteActivity("sub-agent failed: " + msg.Payload.str("session_id"))
		case MsgDirectionUpdate:
			l.NoteActivity("direction updated")
		case MsgUserApproval:
			l.NoteActivity("user approval recorded")
		}
	})
}
