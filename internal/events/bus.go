// Package events is the in-process status channel between the orchestrator
// and its observers (SSE clients, CLI progress output, metrics).
//
// Delivery is asynchronous and per-subscriber ordered. There is no replay:
// a subscriber only sees events published after it subscribed.
package events

import (
	"sync"

	"github.com/kelindar/event"
)

// Bus wraps a kelindar/event dispatcher.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish delivers ev to every current subscriber of its concrete type.
// Unknown event types are dropped.
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case StatusEvent:
		event.Publish(b.dispatcher, e)
	case StateChangedEvent:
		event.Publish(b.dispatcher, e)
	case SetupStepEvent:
		event.Publish(b.dispatcher, e)
	case ProcessOutputEvent:
		event.Publish(b.dispatcher, e)
	case LogEntryEvent:
		event.Publish(b.dispatcher, e)
	case MetricsEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler for the event type of its parameter and
// returns the unsubscribe function. Unsubscribing twice is harmless.
//
//	unsub := bus.Subscribe(func(e events.StatusEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	var unsub func()
	switch h := handler.(type) {
	case func(StatusEvent):
		unsub = event.Subscribe(b.dispatcher, h)
	case func(StateChangedEvent):
		unsub = event.Subscribe(b.dispatcher, h)
	case func(SetupStepEvent):
		unsub = event.Subscribe(b.dispatcher, h)
	case func(ProcessOutputEvent):
		unsub = event.Subscribe(b.dispatcher, h)
	case func(LogEntryEvent):
		unsub = event.Subscribe(b.dispatcher, h)
	case func(MetricsEvent):
		unsub = event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}

	var once sync.Once
	return func() { once.Do(unsub) }
}
