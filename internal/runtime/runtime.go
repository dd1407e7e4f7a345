// Package runtime defines the Runtime API surface the orchestrator core
// consumes: session lifecycle and prompting against an external process
// host. The surface is a plain Go interface; bindings for a concrete host
// live outside the core.
package runtime

import (
	"context"
	"time"
)

// SessionState is the runtime's reported liveness for a session.
type SessionState string

const (
	SessionIdle SessionState = "idle"
	SessionBusy SessionState = "busy"
)

// MessageRole names the author of a session message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one turn of a session's conversation.
type Message struct {
	Role    MessageRole
	Content string
}

// Part is one piece of a prompt payload (text, or a named context block).
type Part struct {
	Kind string
	Text string
}

// Runtime is the external boundary the spawner and supervisor drive.
// Implementations run agents as sub-processes outside this binary.
type Runtime interface {
	CreateSession(ctx context.Context, parentID, title string) (string, error)
	Prompt(ctx context.Context, sessionID, agent string, parts []Part) error
	PromptAsync(ctx context.Context, sessionID, agent string, parts []Part) error
	Status(ctx context.Context) (map[string]SessionState, error)
	Messages(ctx context.Context, sessionID string) ([]Message, error)
	Children(ctx context.Context, sessionID string) ([]string, error)
	Delete(ctx context.Context, sessionID string) error
}

// LastAssistantMessage returns the most recent assistant-authored message,
// used by both the sync-wait fallback and the stuck-task recovery path:
// an idle session with no terminal event still has its result in the
// transcript.
func LastAssistantMessage(ctx context.Context, rt Runtime, sessionID string) (string, error) {
	messages, err := rt.Messages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			return messages[i].Content, nil
		}
	}
	return "", nil
}

// WaitTimeout bounds how long a caller will wait for session completion
// before treating it as a failed outcome.
const WaitTimeout = 2 * time.Minute
