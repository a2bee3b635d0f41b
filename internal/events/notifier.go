package events

import (
	"github.com/aristath/conductor/internal/engine"
)

// BusNotifier adapts the event bus to the engine's broadcast hook. Publishing
// is non-blocking, so a slow or absent consumer never affects the engine.
type BusNotifier struct {
	bus *Bus
}

// NewBusNotifier wraps a bus as an engine.Notifier.
func NewBusNotifier(bus *Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// NotifyTransition publishes the transition on the task topic.
func (n *BusNotifier) NotifyTransition(t engine.Transition) {
	n.bus.Publish(TopicTask, NewTaskTransitionEvent(t))
}
