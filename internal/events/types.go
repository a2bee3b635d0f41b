package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/engine"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask = "task"
)

// Event type constants
const (
	EventTypeTaskTransition = "task.transition"
)

// TaskTransitionEvent is published for every accepted task state transition.
type TaskTransitionEvent struct {
	EventID   string    `json:"eventId"`
	ID        string    `json:"taskId"`
	FromState string    `json:"fromState"`
	ToState   string    `json:"toState"`
	Timestamp time.Time `json:"timestamp"`
}

func (e TaskTransitionEvent) EventType() string { return EventTypeTaskTransition }
func (e TaskTransitionEvent) TaskID() string    { return e.ID }

// NewTaskTransitionEvent builds a transition event with a fresh event id.
func NewTaskTransitionEvent(t engine.Transition) TaskTransitionEvent {
	return TaskTransitionEvent{
		EventID:   uuid.NewString(),
		ID:        t.TaskID,
		FromState: t.From.String(),
		ToState:   t.To.String(),
		Timestamp: t.Timestamp,
	}
}
