// Package spawner implements the Spawner / Coordinator: turns a
// logical delegation ("run agent X with prompt Y") into a runtime session,
// assembles its context, dispatches the prompt, and — in sync mode — awaits
// a terminal outcome deterministically via the event-driven wait pattern.
package spawner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentctl/internal/ids"
	"github.com/codeready-toolchain/agentctl/internal/ledger"
	"github.com/codeready-toolchain/agentctl/internal/orcherr"
	"github.com/codeready-toolchain/agentctl/internal/registry"
	"github.com/codeready-toolchain/agentctl/internal/runtime"
	"github.com/codeready-toolchain/agentctl/internal/stream"
)

const (
	maxExecutionStackDepth = 10
	maxPromptPreviewBytes  = 500
	defaultMaxLearnings    = 5
)

// Mode selects synchronous or fire-and-forget delegation.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Request is the caller-supplied content for Spawn.
type Request struct {
	CallerAgent     string // "" for the root coordinator/user-facing entrypoint
	AgentName       string
	Prompt          string
	ParentSessionID string
	Mode            Mode
	TimeoutMS       int64
	Complexity      registry.Complexity
	ExecutionStack  []string // ancestor agent names, recursion guard
	HandoffContext  *HandoffContext
	LedgerTaskID    string // links the supervised task to its epic task row
}

// HandoffContext is explicit carry-over state injected for agents
// configured as requiring context.
type HandoffContext struct {
	Decisions         []string
	Plan              []string
	AffectedFiles     []string
	RelevantLearnings []string
}

// Result is the sync-mode result contract.
type Result struct {
	Success          bool
	Agent            string
	SessionID        string
	TaskID           string
	Result           string
	DialogueState    *DialogueState
	TimedOut         bool
	ContinuationHint string
}

// Spawner wires the runtime boundary to the durable stream, task registry,
// and ledger so every delegation is observable and resumable.
type Spawner struct {
	rt          runtime.Runtime
	stream      *stream.Stream
	registry    *registry.Registry
	ledger      *ledger.Store
	agents      AgentRegistry
	coordinator string

	// preserveContext gates handoff-context injection during context
	// assembly; directives and learning retrieval are unaffected.
	preserveContext bool

	// activeSessions maps live session ids to cancel funcs so an in-flight
	// sync wait can be canceled by session id, e.g. from a recursive-abort
	// cascade.
	mu             sync.Mutex
	activeSessions map[string]context.CancelFunc

	log *slog.Logger
}

// Option customizes a Spawner.
type Option func(*Spawner)

// WithContextPreservation toggles handoff-context injection; on by default.
func WithContextPreservation(enabled bool) Option {
	return func(sp *Spawner) { sp.preserveContext = enabled }
}

// New creates a Spawner. coordinatorAgent is the single agent name allowed
// to invoke internal (non-public) agents.
func New(rt runtime.Runtime, s *stream.Stream, reg *registry.Registry, ledgerStore *ledger.Store, agents AgentRegistry, coordinatorAgent string, opts ...Option) *Spawner {
	sp := &Spawner{
		rt:              runtime.NormalizeEOF(rt),
		stream:          s,
		registry:        reg,
		ledger:          ledgerStore,
		agents:          agents,
		coordinator:     coordinatorAgent,
		preserveContext: true,
		activeSessions:  make(map[string]context.CancelFunc),
		log:             slog.With("component", "spawner"),
	}
	for _, opt := range opts {
		opt(sp)
	}
	return sp
}

// Spawn transforms req into a runtime session and, in sync mode, awaits its
// terminal outcome. Every accepted delegation is registered as a supervised
// task before the runtime is contacted, so the supervisor observes it from
// the first tick. Returns orcherr-wrapped errors for access-control and
// recursion-guard failures without ever contacting the runtime or touching
// the registry.
func (sp *Spawner) Spawn(ctx context.Context, req Request) (Result, error) {
	if err := sp.checkAccess(req); err != nil {
		return Result{}, err
	}
	if err := sp.checkRecursion(req); err != nil {
		return Result{}, err
	}

	prompt := sp.assembleContext(req)

	taskID := sp.registry.Register(registry.Descriptor{
		AgentName:       req.AgentName,
		Prompt:          req.Prompt,
		TimeoutMS:       req.TimeoutMS,
		Complexity:      req.Complexity,
		ParentSessionID: req.ParentSessionID,
		LedgerTaskID:    req.LedgerTaskID,
	})

	sessionID, err := sp.rt.CreateSession(ctx, req.ParentSessionID, req.AgentName)
	if err != nil {
		sp.registry.UpdateStatus(taskID, registry.StatusFailed, "", err.Error())
		return Result{}, fmt.Errorf("%w: %v", orcherr.ErrSessionCreateFailed, err)
	}
	sp.registry.UpdateSessionID(taskID, sessionID)
	sp.registry.UpdateStatus(taskID, registry.StatusRunning, "", "")

	sp.emitSpawned(sessionID, req, prompt)

	switch req.Mode {
	case ModeAsync:
		if err := sp.rt.PromptAsync(ctx, sessionID, req.AgentName, []runtime.Part{{Kind: "text", Text: prompt}}); err != nil {
			sp.registry.UpdateStatus(taskID, registry.StatusFailed, "", err.Error())
			return Result{}, fmt.Errorf("%w: %v", orcherr.ErrPromptFailed, err)
		}
		return Result{Success: true, Agent: req.AgentName, SessionID: sessionID, TaskID: taskID, ContinuationHint: sessionID}, nil
	default:
		return sp.runSync(ctx, req, sessionID, taskID, prompt)
	}
}

func (sp *Spawner) emitSpawned(sessionID string, req Request, prompt string) {
	preview := prompt
	if len(preview) > maxPromptPreviewBytes {
		preview = preview[:maxPromptPreviewBytes]
	}
	_, _ = sp.stream.Append(stream.Input{
		Type:          stream.EventAgentSpawned,
		StreamID:      sessionID,
		CorrelationID: req.ParentSessionID,
		Actor:         req.AgentName,
		Payload: stream.Payload{
			"agent":             req.AgentName,
			"parent_session_id": req.ParentSessionID,
			"prompt":            preview,
			"prompt_length":     len(prompt),
		},
	})
}

// Redispatch creates a fresh runtime session for a task the supervisor is
// retrying and re-delivers the task's original prompt asynchronously. All
// registry bookkeeping (retry counters, session rebinding, status) stays
// with the caller, which owns the retry protocol.
func (sp *Spawner) Redispatch(ctx context.Context, t registry.Task) (string, error) {
	sessionID, err := sp.rt.CreateSession(ctx, t.ParentSessionID, t.AgentName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", orcherr.ErrSessionCreateFailed, err)
	}
	sp.emitSpawned(sessionID, Request{
		AgentName:       t.AgentName,
		ParentSessionID: t.ParentSessionID,
	}, t.Prompt)
	if err := sp.rt.PromptAsync(ctx, sessionID, t.AgentName, []runtime.Part{{Kind: "text", Text: t.Prompt}}); err != nil {
		return "", fmt.Errorf("%w: %v", orcherr.ErrPromptFailed, err)
	}
	return sessionID, nil
}

func (sp *Spawner) checkAccess(req Request) error {
	info, known := sp.agents.lookup(req.AgentName)
	if !known {
		return nil // native runtime agent: passthrough
	}
	if !info.Public && req.CallerAgent != sp.coordinator {
		return fmt.Errorf("%w: %q is internal, caller %q is not the coordinator", orcherr.ErrAccessDenied, req.AgentName, req.CallerAgent)
	}
	return nil
}

func (sp *Spawner) checkRecursion(req Request) error {
	if len(req.ExecutionStack) > maxExecutionStackDepth {
		return fmt.Errorf("%w: execution stack depth %d exceeds %d", orcherr.ErrRecursionDetected, len(req.ExecutionStack), maxExecutionStackDepth)
	}
	for _, ancestor := range req.ExecutionStack {
		if ancestor == req.AgentName {
			return fmt.Errorf("%w: %q already present in execution stack", orcherr.ErrRecursionDetected, req.AgentName)
		}
	}
	return nil
}

// assembleContext prepends mandatory directives, keyword-retrieved
// learnings, and explicit handoff context ahead of the caller's prompt.
func (sp *Spawner) assembleContext(req Request) string {
	var prefix string

	if sp.ledger != nil {
		current := sp.ledger.Current()
		for _, d := range current.Governance.Directives {
			prefix += "[directive] " + d.Content + "\n"
		}

		keywords := extractKeywords(req.Prompt)
		var pool []string
		pool = append(pool, current.Learnings.Decisions...)
		pool = append(pool, current.Learnings.Corrections...)
		pool = append(pool, current.Learnings.AntiPatterns...)
		pool = append(pool, current.Learnings.Preferences...)
		for _, l := range retrieveLearnings(pool, keywords, defaultMaxLearnings) {
			prefix += "[learning] " + l + "\n"
		}
	}

	if req.HandoffContext != nil && sp.preserveContext {
		info, known := sp.agents.lookup(req.AgentName)
		if !known || info.RequiresContext {
			hc := req.HandoffContext
			for _, d := range hc.Decisions {
				prefix += "[handoff:decision] " + d + "\n"
			}
			for _, p := range hc.Plan {
				prefix += "[handoff:plan] " + p + "\n"
			}
			for _, f := range hc.AffectedFiles {
				prefix += "[handoff:file] " + f + "\n"
			}
			for _, l := range hc.RelevantLearnings {
				prefix += "[handoff:learning] " + l + "\n"
			}
		}
	}

	if prefix == "" {
		return req.Prompt
	}
	return prefix + "\n" + req.Prompt
}

func (sp *Spawner) runSync(ctx context.Context, req Request, sessionID, taskID, prompt string) (Result, error) {
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = runtime.WaitTimeout
	}

	waitCtx, cancel := context.WithCancel(ctx)
	sp.registerActive(sessionID, cancel)
	defer sp.unregisterActive(sessionID)

	if err := sp.rt.Prompt(waitCtx, sessionID, req.AgentName, []runtime.Part{{Kind: "text", Text: prompt}}); err != nil {
		sp.registry.UpdateStatus(taskID, registry.StatusFailed, "", err.Error())
		sp.emitFailed(sessionID, req, err.Error())
		return Result{}, fmt.Errorf("%w: %v", orcherr.ErrPromptFailed, err)
	}

	_, timedOut := sp.waitForTerminal(waitCtx, sessionID, timeout)

	text, fetchErr := runtime.LastAssistantMessage(ctx, sp.rt, sessionID)
	if fetchErr != nil {
		sp.registry.UpdateStatus(taskID, registry.StatusFailed, "", fetchErr.Error())
		sp.emitFailed(sessionID, req, fetchErr.Error())
		return Result{}, fmt.Errorf("%w: %v", orcherr.ErrAgentExecutionFailed, fetchErr)
	}

	dialogueState, _ := ExtractDialogueState(text)

	result := Result{
		Agent:         req.AgentName,
		SessionID:     sessionID,
		TaskID:        taskID,
		Result:        text,
		TimedOut:      timedOut,
		DialogueState: dialogueState,
	}

	if timedOut {
		// The task stays running in the registry: the supervisor owns the
		// timeout-vs-retry decision and would double-count a retry if the
		// waiter marked it terminal here.
		result.Success = false
		result.ContinuationHint = sessionID
		sp.emitFailed(sessionID, req, "timed out awaiting completion")
		return result, nil
	}

	if dialogueState != nil && dialogueState.Status.IsBlocking() {
		sp.registry.UpdateStatus(taskID, registry.StatusSuspended, "", "")
		result.Success = false
		result.ContinuationHint = sessionID
		return result, nil
	}

	sp.registry.UpdateStatus(taskID, registry.StatusCompleted, text, "")
	result.Success = true
	_, _ = sp.stream.Append(stream.Input{
		Type:          stream.EventAgentCompleted,
		StreamID:      sessionID,
		CorrelationID: req.ParentSessionID,
		Actor:         req.AgentName,
		Payload:       stream.Payload{"result": text},
	})
	return result, nil
}

func (sp *Spawner) emitFailed(sessionID string, req Request, errMsg string) {
	_, _ = sp.stream.Append(stream.Input{
		Type:          stream.EventAgentFailed,
		StreamID:      sessionID,
		CorrelationID: req.ParentSessionID,
		Actor:         req.AgentName,
		Payload:       stream.Payload{"error": errMsg},
	})
}

// waitForTerminal implements the "check history then subscribe" race
// pattern: first consult the history ring for a terminal event
// already recorded for this session; if absent, subscribe and race against
// the timeout. Must snapshot history before subscribing — otherwise a
// terminal event emitted between the two steps is missed.
func (sp *Spawner) waitForTerminal(ctx context.Context, sessionID string, timeout time.Duration) (*stream.Event, bool) {
	for _, ev := range sp.stream.History(0, stream.Filter{StreamID: sessionID}) {
		if isTerminalType(ev.Type) {
			return &ev, false
		}
	}

	found := make(chan stream.Event, 1)
	unsub := sp.stream.Subscribe(stream.AnyType, func(ev stream.Event) {
		if ev.StreamID != sessionID || !isTerminalType(ev.Type) {
			return
		}
		select {
		case found <- ev:
		default:
		}
	})
	defer unsub()

	select {
	case ev := <-found:
		return &ev, false
	case <-time.After(timeout):
		return nil, true
	case <-ctx.Done():
		return nil, true
	}
}

func isTerminalType(t stream.EventType) bool {
	switch t {
	case stream.EventAgentCompleted, stream.EventAgentFailed, stream.EventSessionIdle:
		return true
	default:
		return false
	}
}

func (sp *Spawner) registerActive(sessionID string, cancel context.CancelFunc) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.activeSessions[sessionID] = cancel
}

func (sp *Spawner) unregisterActive(sessionID string) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	delete(sp.activeSessions, sessionID)
}

// CancelSession aborts an in-flight sync wait for sessionID, if one is
// active. Used by the recursive-abort cascade: when an actor is
// aborted, descendant sessions are aborted children-first.
func (sp *Spawner) CancelSession(sessionID string) bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	cancel, ok := sp.activeSessions[sessionID]
	if !ok {
		return false
	}
	cancel()
	delete(sp.activeSessions, sessionID)
	return true
}

// NewCorrelationID is exposed for callers that need to start a fresh
// request lineage before the first Spawn call.
func NewCorrelationID() string { return ids.NewCorrelationID() }
