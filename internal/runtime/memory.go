package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentctl/internal/ids"
)

type memSession struct {
	id        string
	parentID  string
	title     string
	state     SessionState
	messages  []Message
	children  []string
	createdAt time.Time
}

// InMemory is a process-local Runtime used in tests and as a development
// fallback when no external runtime is configured.
type InMemory struct {
	mu       sync.RWMutex
	sessions map[string]*memSession

	// Respond, if set, is invoked synchronously by Prompt/PromptAsync to
	// produce the assistant reply appended to the session's messages. A nil
	// Respond appends a generic acknowledgement.
	Respond func(sessionID, agent string, parts []Part) (string, error)
}

// NewInMemory creates an empty in-memory runtime.
func NewInMemory() *InMemory {
	return &InMemory{sessions: make(map[string]*memSession)}
}

func (m *InMemory) CreateSession(_ context.Context, parentID, title string) (string, error) {
	id := ids.NewSessionID()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &memSession{
		id:        id,
		parentID:  parentID,
		title:     title,
		state:     SessionIdle,
		createdAt: time.Now(),
	}
	if parentID != "" {
		if parent, ok := m.sessions[parentID]; ok {
			parent.children = append(parent.children, id)
		}
	}
	return id, nil
}

func (m *InMemory) Prompt(ctx context.Context, sessionID, agent string, parts []Part) error {
	return m.promptSync(sessionID, agent, parts)
}

func (m *InMemory) PromptAsync(ctx context.Context, sessionID, agent string, parts []Part) error {
	go func() { _ = m.promptSync(sessionID, agent, parts) }()
	return nil
}

func (m *InMemory) promptSync(sessionID, agent string, parts []Part) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("runtime: unknown session %q", sessionID)
	}
	sess.state = SessionBusy
	for _, p := range parts {
		sess.messages = append(sess.messages, Message{Role: RoleUser, Content: p.Text})
	}
	respond := m.Respond
	m.mu.Unlock()

	var reply string
	var err error
	if respond != nil {
		reply, err = respond(sessionID, agent, parts)
	} else {
		reply = "ok"
	}

	m.mu.Lock()
	sess.state = SessionIdle
	if err == nil {
		sess.messages = append(sess.messages, Message{Role: RoleAssistant, Content: reply})
	}
	m.mu.Unlock()

	return err
}

func (m *InMemory) Status(_ context.Context) (map[string]SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]SessionState, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s.state
	}
	return out, nil
}

func (m *InMemory) Messages(_ context.Context, sessionID string) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("runtime: unknown session %q", sessionID)
	}
	out := make([]Message, len(sess.messages))
	copy(out, sess.messages)
	return out, nil
}

func (m *InMemory) Children(_ context.Context, sessionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("runtime: unknown session %q", sessionID)
	}
	out := make([]string, len(sess.children))
	copy(out, sess.children)
	return out, nil
}

func (m *InMemory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("runtime: unknown session %q", sessionID)
	}
	delete(m.sessions, sessionID)
	return nil
}
