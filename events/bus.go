// Package events provides the publish/subscribe channel shared by the SDK
// internals and the host page's public callbacks.
package events

import (
	"log/slog"
	"sync"
)

// Public and internal event names.
const (
	Complete = "complete"
	Error    = "error"

	CrossDeviceMessage      = "crossdevice.message"
	CrossDeviceDisconnected = "crossdevice.disconnected"
)

// ErrorEvent is the payload delivered to the host's onError callback.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// InvalidToken is the only error surfaced for trust-boundary failures.
var InvalidToken = ErrorEvent{Type: "exception", Message: "Invalid token"}

// Listener receives an event payload.
type Listener func(payload any)

// Subscription identifies one registered listener.
type Subscription uint64

type entry struct {
	id       Subscription
	listener Listener
}

// Bus is an ordered, name-keyed listener registry. Listeners are invoked
// outside the lock, so they may call back into the bus.
type Bus struct {
	mu        sync.Mutex
	next      Subscription
	listeners map[string][]entry
	logger    *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{listeners: make(map[string][]entry), logger: logger}
}

// On appends listener to event and returns its subscription.
func (b *Bus) On(event string, listener Listener) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.onLocked(event, listener)
}

// Off removes the subscription from event. It reports whether it was present.
func (b *Bus) Off(event string, sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offLocked(event, sub)
}

// Emit delivers payload to every listener registered for event at the time
// of the call, in registration order.
func (b *Bus) Emit(event string, payload any) {
	b.mu.Lock()
	snapshot := make([]Listener, 0, len(b.listeners[event]))
	for _, e := range b.listeners[event] {
		snapshot = append(snapshot, e.listener)
	}
	b.mu.Unlock()

	b.logger.Debug("event emitted", "event", event, "listeners", len(snapshot))
	for _, l := range snapshot {
		l(payload)
	}
}

// RemoveAll drops every listener for each named event. With no names it
// clears the whole bus.
func (b *Bus) RemoveAll(events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(events) == 0 {
		b.listeners = make(map[string][]entry)
		return
	}
	for _, ev := range events {
		delete(b.listeners, ev)
	}
}

// ListenerCount returns the number of listeners registered for event.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners[event])
}

// Has reports whether sub is still registered for event.
func (b *Bus) Has(event string, sub Subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.listeners[event] {
		if e.id == sub {
			return true
		}
	}
	return false
}

// Binding records the subscriptions of one public onComplete/onError pair.
type Binding struct {
	Complete Subscription
	Error    Subscription
}

// Bind subscribes the public callbacks.
func (b *Bus) Bind(onComplete func(), onError func(ErrorEvent)) Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bindLocked(onComplete, onError)
}

// Rebind swaps prev for the new callbacks under a single lock: both old
// subscriptions are removed before the new ones are added, and no Emit can
// observe the intermediate state.
func (b *Bus) Rebind(prev Binding, onComplete func(), onError func(ErrorEvent)) Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offLocked(Complete, prev.Complete)
	b.offLocked(Error, prev.Error)
	return b.bindLocked(onComplete, onError)
}

func (b *Bus) bindLocked(onComplete func(), onError func(ErrorEvent)) Binding {
	complete := b.onLocked(Complete, func(any) {
		if onComplete != nil {
			onComplete()
		}
	})
	errSub := b.onLocked(Error, func(payload any) {
		if onError == nil {
			return
		}
		switch ev := payload.(type) {
		case ErrorEvent:
			onError(ev)
		case *ErrorEvent:
			onError(*ev)
		default:
			b.logger.Warn("dropping malformed error event", "payload", payload)
		}
	})
	return Binding{Complete: complete, Error: errSub}
}

func (b *Bus) onLocked(event string, listener Listener) Subscription {
	b.next++
	b.listeners[event] = append(b.listeners[event], entry{id: b.next, listener: listener})
	return b.next
}

func (b *Bus) offLocked(event string, sub Subscription) bool {
	list := b.listeners[event]
	for i, e := range list {
		if e.id == sub {
			b.listeners[event] = append(list[:i:i], list[i+1:]...)
			if len(b.listeners[event]) == 0 {
				delete(b.listeners, event)
			}
			return true
		}
	}
	return false
}
