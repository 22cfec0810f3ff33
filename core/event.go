package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the closed set of event categories. Game-level
// specializations (PlayerJoined, EntityCreated, ...) carry their own
// payload in Data but always fit under one of these kinds.
type EventKind string

const (
	EventConnection    EventKind = "CONNECTION"
	EventAuthentication EventKind = "AUTHENTICATION"
	EventSubscription  EventKind = "SUBSCRIPTION"
	EventGameState     EventKind = "GAME_STATE"
	EventPlayer        EventKind = "PLAYER"
	EventEntity        EventKind = "ENTITY"
	EventReducer       EventKind = "REDUCER"
	EventSystem        EventKind = "SYSTEM"
	EventError         EventKind = "ERROR"
	EventDebug         EventKind = "DEBUG"
)

// IsValid reports whether k is a member of the closed event kind set.
func (k EventKind) IsValid() bool {
	switch k {
	case EventConnection, EventAuthentication, EventSubscription, EventGameState,
		EventPlayer, EventEntity, EventReducer, EventSystem, EventError, EventDebug:
		return true
	default:
		return false
	}
}

// Priority determines queue placement: High and above go to the
// unbounded priority deque, Normal and below to the bounded FIFO queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

// IsValid reports whether p is one of the five defined levels.
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityEmergency
}

// isElevated reports whether p belongs to the priority-deque class
// (High and above) rather than the bounded FIFO class.
func (p Priority) isElevated() bool { return p >= PriorityHigh }

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	case PriorityEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Event is the bus's unit of delivery: immutable once published, shared
// read-only with every subscriber.
type Event struct {
	ID            string
	Timestamp     time.Time
	Kind          EventKind
	Priority      Priority
	Source        string
	CorrelationID string
	Data          map[string]any
}

// NewEvent constructs an Event with a fresh id and the current
// timestamp. data is not copied; callers must not mutate it afterward.
func NewEvent(kind EventKind, priority Priority, source string, data map[string]any) Event {
	return Event{
		ID: uuid.NewString(), Timestamp: time.Now(),
		Kind: kind, Priority: priority, Source: source, Data: data,
	}
}

// WithCorrelation returns a copy of e carrying correlationID, used to
// thread a reducer call id or request id through its resulting events.
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}
