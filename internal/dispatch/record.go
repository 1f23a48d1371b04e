package dispatch

import (
	"maps"
	"time"
)

// ActionRecord is the observer-facing account of one dispatched action.
// It is created with a nil EndTime, finished once, and may later gain a Recording.
type ActionRecord struct {
	ID         string         `json:"id"`
	Text       string         `json:"text"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    *time.Time     `json:"end_time"`
	ActionType string         `json:"action_type"`
	BoxID      *int           `json:"box_id"`
	Value      *string        `json:"value"`
	Result     map[string]any `json:"result"`
	// Recording is the base64 MP4 captured while the action ran.
	Recording string `json:"screen_recording,omitempty"`
	ScreenID  string `json:"screen_id,omitempty"`
}

// Finished reports whether the action has settled.
func (r ActionRecord) Finished() bool {
	return r.EndTime != nil
}

// Clone returns a copy that shares no mutable state with r.
func (r ActionRecord) Clone() ActionRecord {
	c := r
	if r.EndTime != nil {
		t := *r.EndTime
		c.EndTime = &t
	}
	if r.BoxID != nil {
		b := *r.BoxID
		c.BoxID = &b
	}
	if r.Value != nil {
		v := *r.Value
		c.Value = &v
	}
	c.Result = maps.Clone(r.Result)
	return c
}

// EventKind names an action lifecycle notification.
type EventKind string

const (
	ActionStarted  EventKind = "action_started"
	ActionFinished EventKind = "action_finished"
	ActionUpdated  EventKind = "action_updated"
)

// Observer receives immutable copies of action records as they change.
// ActionUpdated may arrive from a background goroutine.
type Observer interface {
	ObserveAction(kind EventKind, rec ActionRecord)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(kind EventKind, rec ActionRecord)

func (f ObserverFunc) ObserveAction(kind EventKind, rec ActionRecord) { f(kind, rec) }

type nopObserver struct{}

func (nopObserver) ObserveAction(EventKind, ActionRecord) {}

func ptr[T any](v T) *T { return &v }
