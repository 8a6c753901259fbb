package schema

import "time"

// ProtocolVersion is the push protocol version announced in the hello event.
// Clients accept any server with the same major version.
const ProtocolVersion = "v1.2.0"

// EventType defines the type of push event.
type EventType string

const (
	EventTaskInsert EventType = "task_insert"
	EventTaskUpdate EventType = "task_update"
	EventTaskDelete EventType = "task_delete"
	EventHello      EventType = "hello"
	EventPing       EventType = "ping"
)

// Event is the wire form of a push event.
type Event struct {
	Type  EventType `json:"type"`
	Scope string    `json:"scope"`
	ID    string    `json:"id,omitempty"`

	// Task is the new state for insert and update events.
	Task *Task `json:"task,omitempty"`

	// Origin echoes the correlation id of the request that caused the event.
	Origin string `json:"origin,omitempty"`

	Version int64 `json:"version,omitempty"`

	// Protocol is set on hello events.
	Protocol string `json:"protocol,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// IsRecordEvent reports whether the event carries a record change.
func (e Event) IsRecordEvent() bool {
	switch e.Type {
	case EventTaskInsert, EventTaskUpdate, EventTaskDelete:
		return true
	}
	return false
}

// Stats is the per-scope summary served by the stats endpoint.
type Stats struct {
	Scope    string         `json:"scope"`
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
	Overdue  int            `json:"overdue"`
}
