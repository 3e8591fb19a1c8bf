package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of lifecycle event being published on the bus.
type EventType string

const (
	// Session events
	EventSessionOpened EventType = "session.opened"
	EventSessionClosed EventType = "session.closed"

	// Capture events
	EventCaptureFailed EventType = "capture.failed"

	// Job events
	EventJobEnqueued     EventType = "job.enqueued"
	EventJobDone         EventType = "job.done"
	EventJobDeadLettered EventType = "job.dead_lettered"

	// Solar events
	EventSolarEdgeCase EventType = "solar.edge_case"

	// Node events
	EventNodeUnreachable EventType = "node.unreachable"
	EventNodeRecovered   EventType = "node.recovered"
)

// Event represents a single event in the system.
type Event struct {
	// ID is a unique identifier for this event (for idempotency/tracing).
	ID string

	// Type is the event type.
	Type EventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// ScheduleID is the schedule this event concerns, when applicable.
	ScheduleID string

	// Payload carries event-specific data.
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload.
func NewEvent(eventType EventType, scheduleID string, payload map[string]interface{}) Event {
	return Event{
		ID:         fmt.Sprintf("evt_%s", uuid.NewString()),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		ScheduleID: scheduleID,
		Payload:    payload,
	}
}
