package events

import (
	"github.com/kelindar/event"
)

// Bus wraps the kelindar/event dispatcher for in-process host events.
// Handlers run on the publisher's goroutine; subscribers that need to
// touch reactor-owned state must reschedule onto the reactor themselves.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers.
// Usage: bus.Publish(ReadyEvent{...})
func (b *Bus) Publish(ev Event) {
	// kelindar/event dispatches on the concrete type, so each event kind
	// needs its own typed call.
	switch e := ev.(type) {
	case ReadyEvent:
		event.Publish(b.dispatcher, e)
	case RestartRequestEvent:
		event.Publish(b.dispatcher, e)
	case DisconnectEvent:
		event.Publish(b.dispatcher, e)
	case ShutdownEvent:
		event.Publish(b.dispatcher, e)
	case GcodeResponseEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function. The handler's
// parameter type determines which events it receives. Returns an
// unsubscribe function.
// Usage: unsub := bus.Subscribe(func(e ReadyEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(ReadyEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RestartRequestEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(DisconnectEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(ShutdownEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(GcodeResponseEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// No-op unsubscribe for unrecognized handler types.
		return func() {}
	}
}
