package events

import (
	"sync"
)

// Bus is a channel-based pub-sub event bus. Delivery is non-blocking: a
// subscriber whose channel is full loses the event rather than stalling the
// publisher, which keeps the engine's broadcast hook fire-and-forget.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // subscribers to every topic
	closed  bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe creates a subscription to a single topic. bufSize defaults to
// 256 if <= 0. A subscription on a closed bus returns a closed channel.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	ch := newSubscriberChan(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll creates a subscription that receives events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	ch := newSubscriberChan(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Publish sends an event to every subscriber of the topic and to every
// all-topic subscriber. Never blocks.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		offer(ch, event)
	}
	for _, ch := range b.allSubs {
		offer(ch, event)
	}
}

// Close closes the bus and every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}

func newSubscriberChan(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = 256
	}
	return make(chan Event, bufSize)
}

// offer delivers without blocking; a full subscriber drops the event.
func offer(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
	}
}
