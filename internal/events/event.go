// internal/events/event.go
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xkilldash9x/vmpilot/internal/dispatch"
)

// Kind names a progress event.
type Kind string

const (
	KindSessionState   Kind = "session_state"
	KindActionStarted  Kind = Kind(dispatch.ActionStarted)
	KindActionFinished Kind = Kind(dispatch.ActionFinished)
	KindActionUpdated  Kind = Kind(dispatch.ActionUpdated)
	// KindMessage carries a message the user should see immediately (notify, ask).
	KindMessage Kind = "message"
)

// Sender identifies who a client message belongs to.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// ActionLog is the list of actions shown under an assistant message.
type ActionLog struct {
	StartTime     time.Time               `json:"start_time"`
	EndTime       *time.Time              `json:"end_time"`
	ListOfActions []dispatch.ActionRecord `json:"list_of_actions"`
}

// Cost is the running token and price total of a session.
type Cost struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalUSD         float64 `json:"total_usd"`
}

// Snapshot is the client-facing state of one message. The durable client log stores
// the latest snapshot of every message.
type Snapshot struct {
	ID           string     `json:"id"`
	Sender       Sender     `json:"sender"`
	Text         string     `json:"text"`
	IsGenerating bool       `json:"is_generating"`
	RequestID    string     `json:"request_id"`
	Status       string     `json:"status,omitempty"`
	Actions      *ActionLog `json:"actions,omitempty"`
	Cost         *Cost      `json:"cost,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	c := s
	if s.Actions != nil {
		a := *s.Actions
		if s.Actions.EndTime != nil {
			t := *s.Actions.EndTime
			a.EndTime = &t
		}
		a.ListOfActions = make([]dispatch.ActionRecord, len(s.Actions.ListOfActions))
		for i, rec := range s.Actions.ListOfActions {
			a.ListOfActions[i] = rec.Clone()
		}
		c.Actions = &a
	}
	if s.Cost != nil {
		cost := *s.Cost
		c.Cost = &cost
	}
	return c
}

// Event is one immutable progress notification.
type Event struct {
	ID        string                 `json:"id"`
	Kind      Kind                   `json:"kind"`
	SessionID string                 `json:"session_id"`
	Time      time.Time              `json:"time"`
	Snapshot  *Snapshot              `json:"snapshot,omitempty"`
	Action    *dispatch.ActionRecord `json:"action,omitempty"`
}

// Terminal reports whether the event ends its session's stream.
func (e Event) Terminal() bool {
	if e.Kind != KindSessionState || e.Snapshot == nil {
		return false
	}
	switch e.Snapshot.Status {
	case "done", "stopped", "errored", "awaiting_user":
		return true
	}
	return false
}

// StateEvent wraps a snapshot.
func StateEvent(sessionID string, snap Snapshot) Event {
	s := snap.Clone()
	return Event{ID: uuid.NewString(), Kind: KindSessionState, SessionID: sessionID, Time: time.Now().UTC(), Snapshot: &s}
}

// ActionEvent wraps an action lifecycle notification.
func ActionEvent(sessionID string, kind dispatch.EventKind, rec dispatch.ActionRecord) Event {
	r := rec.Clone()
	return Event{ID: uuid.NewString(), Kind: Kind(kind), SessionID: sessionID, Time: time.Now().UTC(), Action: &r}
}

// MessageEvent wraps a user-facing message snapshot.
func MessageEvent(sessionID string, snap Snapshot) Event {
	e := StateEvent(sessionID, snap)
	e.Kind = KindMessage
	return e
}

// Sink delivers events to one transport. Publish must not block the session loop
// longer than its context allows, and delivery failures are the sink's own concern.
type Sink interface {
	Publish(ctx context.Context, ev Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event)

func (f SinkFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

// Fanout publishes every event to each sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev Event) {
	for _, s := range f {
		if s != nil {
			s.Publish(ctx, ev)
		}
	}
}
