package runtime

import (
	"context"
	"errors"
	"io"
	"strings"
)

// eofNormalizing wraps a Runtime and treats "Unexpected EOF" from Prompt /
// PromptAsync as success — a quirk of the external runtime's streaming
// protocol, not a real failure.
type eofNormalizing struct {
	Runtime
}

// NormalizeEOF wraps rt so Prompt/PromptAsync calls that fail only with an
// "unexpected EOF" are reported as successful.
func NormalizeEOF(rt Runtime) Runtime {
	return eofNormalizing{Runtime: rt}
}

func (r eofNormalizing) Prompt(ctx context.Context, sessionID, agent string, parts []Part) error {
	err := r.Runtime.Prompt(ctx, sessionID, agent, parts)
	return normalize(err)
}

func (r eofNormalizing) PromptAsync(ctx context.Context, sessionID, agent string, parts []Part) error {
	err := r.Runtime.PromptAsync(ctx, sessionID, agent, parts)
	return normalize(err)
}

func normalize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "unexpected eof") {
		return nil
	}
	return err
}
