// internal/agent/errors.go
package agent

import "errors"

// Session-fatal conditions. Tool-level failures never end a session; they are fed back
// to the decision service as structured results.
var (
	ErrSessionNotFound  = errors.New("session not found or already completed")
	ErrMaxCycles        = errors.New("session exceeded the maximum number of cycles")
	ErrSessionPanic     = errors.New("session loop panicked")
	ErrEmptyGoal        = errors.New("a goal message is required")
	ErrConversationBusy = errors.New("conversation already has an active session")
)
