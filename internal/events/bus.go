// Package events carries session lifecycle notifications to observers such
// as metrics and the systemd status line. Delivery is asynchronous; a slow
// subscriber never stalls a session attempt.
package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting.
// A nil *Bus drops everything published to it.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish publishes an event to all subscribers.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	switch e := ev.(type) {
	case AttemptStarted:
		event.Publish(b.dispatcher, e)
	case HandshakeCompleted:
		event.Publish(b.dispatcher, e)
	case StateChanged:
		event.Publish(b.dispatcher, e)
	case PongReceived:
		event.Publish(b.dispatcher, e)
	case AttemptEnded:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe registers handler, whose parameter type selects the event.
// Returns an unsubscribe function; unknown handler types get a no-op.
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(AttemptStarted):
		return event.Subscribe(b.dispatcher, h)
	case func(HandshakeCompleted):
		return event.Subscribe(b.dispatcher, h)
	case func(StateChanged):
		return event.Subscribe(b.dispatcher, h)
	case func(PongReceived):
		return event.Subscribe(b.dispatcher, h)
	case func(AttemptEnded):
		return event.Subscribe(b.dispatcher, h)
	default:
		return func() {}
	}
}

// Close stops delivery to all subscribers.
func (b *Bus) Close() {
	b.dispatcher.Close()
}
