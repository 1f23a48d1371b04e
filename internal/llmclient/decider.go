package llmclient

import (
	"context"
	"errors"

	"github.com/xkilldash9x/vmpilot/internal/dispatch"
	"github.com/xkilldash9x/vmpilot/internal/history"
)

// ErrQuotaExhausted is returned once the quota cooldown retries are used up.
var ErrQuotaExhausted = errors.New("decision service quota exhausted")

// Request is one decision call.
type Request struct {
	System   string
	Messages []history.Message
	// Tools is the offered action set. A nil slice asks for a plain text reply.
	Tools []dispatch.ToolSpec
	// Model and Temperature override the configured defaults when set.
	Model       string
	Temperature *float32
}

// Usage reports the tokens billed for one call.
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Decision is what the decision service chose.
type Decision struct {
	Text  string
	Calls []history.ToolCall
	Usage Usage
}

// Message renders the decision as an assistant transcript entry.
func (d *Decision) Message() history.Message {
	var parts []history.Part
	if d.Text != "" {
		parts = append(parts, history.Text(d.Text))
	}
	for _, c := range d.Calls {
		parts = append(parts, history.CallPart(c))
	}
	return history.NewMessage(history.RoleAssistant, parts...)
}

// Decider picks the next action for a session.
type Decider interface {
	Decide(ctx context.Context, req Request) (*Decision, error)
}
