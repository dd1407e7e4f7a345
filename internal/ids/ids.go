// Package ids generates identifiers for the entities the orchestrator tracks:
// events, tasks, checkpoints, and runtime sessions.
package ids

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewEventID builds an event id that embeds correlation_id, timestamp, and a
// random suffix so ids are both globally unique and human-traceable in logs.
// Offset is the tie-break for ordering; the id itself never needs parsing —
// callers sort on the event's offset field, not on the id.
func NewEventID(correlationID string, ts time.Time) string {
	return fmt.Sprintf("evt_%s_%d_%s", correlationID, ts.UnixNano(), uuid.NewString()[:8])
}

// NewEpicID returns a fresh epic identifier.
func NewEpicID() string {
	return "epic_" + uuid.NewString()
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return "task_" + uuid.NewString()
}

// NewCheckpointID returns a fresh checkpoint identifier.
func NewCheckpointID() string {
	return "ckpt_" + uuid.NewString()
}

// NewSessionID returns a fresh runtime session identifier, used when the
// caller does not delegate id assignment to the Runtime itself.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

// NewCorrelationID returns a fresh correlation identifier for a new user request.
func NewCorrelationID() string {
	return "corr_" + uuid.NewString()
}

// NewLearningID returns a fresh learning identifier.
func NewLearningID() string {
	return "lrn_" + uuid.NewString()
}
