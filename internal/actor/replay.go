package actor

import "github.com/codeready-toolchain/agentctl/internal/stream"

var messageTypesByEvent = func() map[stream.EventType]MessageType {
	out := make(map[stream.EventType]MessageType, len(eventTypes))
	for msgType, evType := range eventTypes {
		out[evType] = msgType
	}
	return out
}()

// ResumeFromOffset reads events with offset > fromOffset and folds each into
// the reducer, in order. The result equals the state that would have been
// produced had the system never crashed.
func ResumeFromOffset(initial State, events []stream.Event, fromOffset uint64) State {
	state := initial
	for _, ev := range events {
		if ev.Offset <= fromOffset {
			continue
		}
		msgType, ok := messageTypesByEvent[ev.Type]
		if !ok {
			continue
		}
		state = Reduce(state, ev.Offset, Message{Type: msgType, Payload: Payload(ev.Payload)})
	}
	return state
}
