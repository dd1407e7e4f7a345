package spawner

import (
	"encoding/json"
	"regexp"
	"strings"
)

// DialogueStatus is the status field of a structured agent response that the
// spawner inspects to decide whether a sync wait should block for human
// input rather than treating the session as complete.
type DialogueStatus string

const (
	DialogueNeedsInput        DialogueStatus = "needs_input"
	DialogueNeedsApproval     DialogueStatus = "needs_approval"
	DialogueNeedsVerification DialogueStatus = "needs_verification"
	DialogueApproved          DialogueStatus = "approved"
	DialogueRejected          DialogueStatus = "rejected"
	DialogueCompleted         DialogueStatus = "completed"
)

var blockingStatuses = map[DialogueStatus]bool{
	DialogueNeedsInput:        true,
	DialogueNeedsApproval:     true,
	DialogueNeedsVerification: true,
}

// IsBlocking reports whether this status requires a human before the
// session can be treated as complete.
func (s DialogueStatus) IsBlocking() bool {
	return blockingStatuses[s]
}

// DialogueState is the structured payload an agent's final message may
// encode to signal it's waiting on the human rather than finished.
type DialogueState struct {
	Status               DialogueStatus `json:"status"`
	Turn                 int            `json:"turn,omitempty"`
	MessageToUser        string         `json:"message_to_user,omitempty"`
	PendingQuestions     []string       `json:"pending_questions,omitempty"`
	AccumulatedDirection map[string]any `json:"accumulated_direction,omitempty"`
}

var fencedBlockPattern = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)```")

// ExtractDialogueState tries three strategies in order against the last
// assistant message text and returns the first match, or (nil, false).
func ExtractDialogueState(text string) (*DialogueState, bool) {
	if ds, ok := parseCandidate(text); ok {
		return ds, true
	}
	for _, match := range fencedBlockPattern.FindAllStringSubmatch(text, -1) {
		if ds, ok := parseCandidate(strings.TrimSpace(match[1])); ok {
			return ds, true
		}
	}
	if ds, ok := extractEmbedded(text); ok {
		return ds, true
	}
	return nil, false
}

// parseCandidate implements rule 1 (and is reused by rule 2 per-block):
// if candidate parses as a JSON object carrying a "dialogue_state" field,
// that field is the result; otherwise, if the object itself has a blocking
// top-level status, the object itself is the result.
func parseCandidate(candidate string) (*DialogueState, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return nil, false
	}
	return fromObject(obj)
}

func fromObject(obj map[string]any) (*DialogueState, bool) {
	if raw, ok := obj["dialogue_state"]; ok {
		if nested, ok := raw.(map[string]any); ok {
			return decode(nested), true
		}
	}
	if statusRaw, ok := obj["status"].(string); ok && DialogueStatus(statusRaw).IsBlocking() {
		return decode(obj), true
	}
	return nil, false
}

func decode(m map[string]any) *DialogueState {
	// Round-trip through JSON rather than hand-walking the map: the object
	// is already small, and this keeps the field mapping in one place.
	data, _ := json.Marshal(m)
	var ds DialogueState
	_ = json.Unmarshal(data, &ds)
	return &ds
}

var dialogueStateKeyPattern = regexp.MustCompile(`"dialogue_state"\s*:\s*\{`)

// extractEmbedded implements rule 3: find the literal key "dialogue_state"
// followed by a balanced brace object anywhere in free-form text, and parse
// just that object.
func extractEmbedded(text string) (*DialogueState, bool) {
	loc := dialogueStateKeyPattern.FindStringIndex(text)
	if loc == nil {
		return nil, false
	}
	start := loc[1] - 1 // position of the opening brace
	end := matchingBrace(text, start)
	if end < 0 {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &obj); err != nil {
		return nil, false
	}
	return decode(obj), true
}

// matchingBrace returns the index of the brace matching the '{' at start,
// or -1 if unbalanced. Ignores braces inside string literals.
func matchingBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
