package streaming

import (
	"context"
	"strings"
	"time"
)

// Event is a structured notification emitted by the control plane.
type Event struct {
	Type        string    `json:"event_type"`
	ExecutionID string    `json:"execution_id,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	Payload     any       `json:"payload,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventSink accepts structured events. Emission is best effort:
// callers log a failed Emit and carry on.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

// EventFilter selects events for a subscriber. Empty fields match
// everything. An event type ending in "." matches every type with that
// prefix, e.g. "step." for all step events.
type EventFilter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	RunID       string   `json:"run_id,omitempty"`
	EventTypes  []string `json:"event_types,omitempty"`
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e Event) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.Type || (strings.HasSuffix(t, ".") && strings.HasPrefix(e.Type, t)) {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for control plane events.
type EventHub interface {
	EventSink
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }

// OrNop returns sink, or a NopSink when sink is nil.
func OrNop(sink EventSink) EventSink {
	if sink == nil {
		return NopSink{}
	}
	return sink
}
