package spawner

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/agentctl/internal/ids"
	"github.com/codeready-toolchain/agentctl/internal/orcherr"
	"github.com/codeready-toolchain/agentctl/internal/registry"
	"github.com/codeready-toolchain/agentctl/internal/stream"
)

// maxEpicTasks bounds how many tasks a single epic may carry.
const maxEpicTasks = 3

// TaskSpec describes one delegation inside a new epic.
type TaskSpec struct {
	AgentName  string
	Prompt     string
	TimeoutMS  int64
	Complexity registry.Complexity
}

// StartEpic decomposes an accepted user request into an epic: it appends the
// ledger.epic.created and ledger.task.created events that open the epic in
// the projection, then dispatches every task asynchronously through Spawn,
// which registers each one as a supervised task linked to its epic task row.
// From that point the supervisor owns completion, timeout, and retry.
//
// Returns the epic id and the ledger task ids in dispatch order. A dispatch
// failure aborts the remaining specs; tasks already dispatched keep running
// under supervision, and the returned ids cover only what was opened.
func (sp *Spawner) StartEpic(ctx context.Context, parentSessionID, title, request string, specs []TaskSpec) (string, []string, error) {
	if title == "" || len(specs) == 0 {
		return "", nil, fmt.Errorf("%w: an epic needs a title and at least one task", orcherr.ErrMissingArgument)
	}
	if len(specs) > maxEpicTasks {
		return "", nil, fmt.Errorf("%w: an epic is bounded to %d tasks, got %d", orcherr.ErrMissingArgument, maxEpicTasks, len(specs))
	}

	epicID := ids.NewEpicID()
	if _, err := sp.stream.Append(stream.Input{
		Type:          stream.EventLedgerEpicCreated,
		StreamID:      parentSessionID,
		CorrelationID: parentSessionID,
		Actor:         sp.coordinator,
		Payload: stream.Payload{
			"epic_id": epicID,
			"title":   title,
			"request": request,
		},
	}); err != nil {
		return "", nil, fmt.Errorf("opening epic: %w", err)
	}

	taskIDs := make([]string, 0, len(specs))
	for _, spec := range specs {
		ledgerTaskID := ids.NewTaskID()
		if _, err := sp.stream.Append(stream.Input{
			Type:          stream.EventLedgerTaskCreated,
			StreamID:      parentSessionID,
			CorrelationID: parentSessionID,
			Actor:         sp.coordinator,
			Payload: stream.Payload{
				"task_id":     ledgerTaskID,
				"description": spec.Prompt,
			},
		}); err != nil {
			return epicID, taskIDs, fmt.Errorf("opening epic task: %w", err)
		}

		if _, err := sp.Spawn(ctx, Request{
			CallerAgent:     sp.coordinator,
			AgentName:       spec.AgentName,
			Prompt:          spec.Prompt,
			ParentSessionID: parentSessionID,
			Mode:            ModeAsync,
			TimeoutMS:       spec.TimeoutMS,
			Complexity:      spec.Complexity,
			ExecutionStack:  []string{sp.coordinator},
			LedgerTaskID:    ledgerTaskID,
		}); err != nil {
			return epicID, taskIDs, err
		}
		taskIDs = append(taskIDs, ledgerTaskID)
	}
	return epicID, taskIDs, nil
}
