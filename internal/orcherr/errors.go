// Package orcherr defines the orchestrator core's closed error taxonomy.
// Components return these sentinels (wrapped with context via fmt.Errorf's
// %w) so callers can both errors.Is a specific condition and report the
// stable string code the external API promises.
package orcherr

import "errors"

// Sentinel errors for the taxonomy. Each has a matching Code().
var (
	ErrNoContext            = errors.New("no context: missing session or agent")
	ErrMissingArgument      = errors.New("missing required argument")
	ErrAgentNotFound        = errors.New("agent not found")
	ErrAccessDenied         = errors.New("access denied")
	ErrRecursionDetected    = errors.New("recursion detected")
	ErrSessionCreateFailed  = errors.New("session creation failed")
	ErrPromptFailed         = errors.New("prompt delivery failed")
	ErrAgentExecutionFailed = errors.New("agent execution failed")
	ErrSpawnFailed          = errors.New("spawn failed")
	ErrStreamUnavailable    = errors.New("event stream unavailable")
	ErrRecoveryFailed       = errors.New("crash recovery failed")
)

// codes maps each sentinel to the stable string code surfaced to callers.
var codes = map[error]string{
	ErrNoContext:            "NO_CONTEXT",
	ErrMissingArgument:      "MISSING_ARGUMENT",
	ErrAgentNotFound:        "AGENT_NOT_FOUND",
	ErrAccessDenied:         "ACCESS_DENIED",
	ErrRecursionDetected:    "RECURSION_DETECTED",
	ErrSessionCreateFailed:  "SESSION_CREATE_FAILED",
	ErrPromptFailed:         "PROMPT_FAILED",
	ErrAgentExecutionFailed: "AGENT_EXECUTION_FAILED",
	ErrSpawnFailed:          "SPAWN_FAILED",
	ErrStreamUnavailable:    "StreamUnavailable",
	ErrRecoveryFailed:       "RecoveryFailed",
}

// Code returns the stable taxonomy code for err, matching against the
// sentinels via errors.Is. Returns "" if err doesn't match any known sentinel.
func Code(err error) string {
	for sentinel, code := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}
