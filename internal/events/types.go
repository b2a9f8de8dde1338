package events

import (
	"fmt"
	"strings"
	"time"
)

// Event represents a single occurrence in the scheduler lifecycle.
type Event struct {
	// Time is when the event occurred (set by the bus on emit).
	Time time.Time `json:"time"`

	// Type identifies what happened.
	Type EventType `json:"type"`

	// Issue is the issue number this event relates to (0 for run-level events).
	Issue int `json:"issue,omitempty"`

	// Slot is the scheduler-local slot id (0 if not slot-related).
	Slot int `json:"slot,omitempty"`

	// Attempt is the attempt number when relevant. Attempts count from
	// 1: a slot's first engine run carries attempt 1, and the last one
	// equals the configured max_attempts.
	Attempt *int `json:"attempt,omitempty"`

	// Payload contains event-specific data (type varies by event).
	Payload any `json:"payload,omitempty"`

	// Error contains the error message if this is a failure event.
	Error string `json:"error,omitempty"`
}

// EventType is a string constant identifying the event category.
type EventType string

// Canonical scheduler events. Observers may rely on these names; they are
// part of the external contract and are never renamed.
const (
	SlotFill          EventType = "slot.fill"
	SlotDone          EventType = "slot.done"
	EngineSwitch      EventType = "engine.switch"
	MergeResult       EventType = "merge.result"
	BatchComplete     EventType = "batch.complete"
	DashboardSnapshot EventType = "dashboard.snapshot"
	EngineKill        EventType = "engine.kill"
)

// Extension events. Not part of the canonical set but useful to observers.
const (
	RunStarted   EventType = "run.started"
	RunCompleted EventType = "run.completed"
	SlotWarn     EventType = "slot.warn"
	SlotRetry    EventType = "slot.retry"
	SlotBlocked  EventType = "slot.blocked"
)

// New creates an event with the given type and issue number.
func New(eventType EventType, issue int) Event {
	return Event{Type: eventType, Issue: issue}
}

// WithSlot returns a copy of the event with the slot id set.
func (e Event) WithSlot(slot int) Event {
	e.Slot = slot
	return e
}

// WithAttempt returns a copy of the event with the attempt index set.
func (e Event) WithAttempt(attempt int) Event {
	e.Attempt = &attempt
	return e
}

// WithPayload returns a copy of the event with the payload set.
func (e Event) WithPayload(payload any) Event {
	e.Payload = payload
	return e
}

// WithError returns a copy of the event with the error message set.
func (e Event) WithError(err error) Event {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// IsFailure reports whether the event carries an error.
func (e Event) IsFailure() bool {
	return e.Error != ""
}

// String returns a human-readable representation of the event.
func (e Event) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Type))

	if e.Issue != 0 {
		parts = append(parts, fmt.Sprintf("#%d", e.Issue))
	}
	if e.Slot != 0 {
		parts = append(parts, fmt.Sprintf("slot=%d", e.Slot))
	}
	if e.Attempt != nil {
		parts = append(parts, fmt.Sprintf("attempt=%d", *e.Attempt))
	}
	if e.Error != "" {
		parts = append(parts, "error="+e.Error)
	}

	return strings.Join(parts, " ")
}
