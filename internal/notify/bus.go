// Package notify fans committed transitions out to connected viewers.
//
// The bus broadcasts every event to every handler; handlers decide what
// their viewer may see. Delivery is best effort: a viewer that is not
// subscribed when an event is published never receives it and has to
// re-fetch the record.
package notify

import (
	"sync"
	"time"

	"introbroker/internal/store"
	"introbroker/internal/workflow"
)

// Event is the wire shape pushed to subscribers.
type Event struct {
	Type         workflow.EventType `json:"type"`
	ConnectionID string             `json:"connection_id,omitempty"`
	Connection   *store.Connection  `json:"connection,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
	ActorID      string             `json:"actor_id,omitempty"`
}

// FromUserID is the owner an event is scoped to, or "" for stream control
// frames.
func (e Event) FromUserID() string {
	if e.Connection == nil {
		return ""
	}
	return e.Connection.FromUserID
}

type Handler func(Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a registry of identity -> handlers. The zero value is not usable;
// call NewBus.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscription)}
}

// Subscribe registers handler under identity and returns the function that
// removes it. Calling the returned function more than once is safe.
func (b *Bus) Subscribe(identity string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[identity] = append(b.subs[identity], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(identity, id) })
	}
}

func (b *Bus) remove(identity string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := b.subs[identity]
	for i, sub := range current {
		if sub.id != id {
			continue
		}
		next := make([]subscription, 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(b.subs, identity)
		} else {
			b.subs[identity] = next
		}
		return
	}
}

// Publish invokes every registered handler synchronously in the caller's
// goroutine. Handlers must not block; the push stream handler only does a
// non-blocking channel send.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, handler := range b.snapshot() {
		handler(event)
	}
}

func (b *Bus) snapshot() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Handler, 0, len(b.subs))
	for _, subs := range b.subs {
		for _, sub := range subs {
			out = append(out, sub.handler)
		}
	}
	return out
}

// Subscribers reports how many handlers are registered.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
