package events

import (
	"log"
	"sync"

	"groveline/internal/domain"
)

// Listener receives every event emitted after it subscribed. Failures are
// isolated per listener; a panic never reaches the emitting operation.
type Listener func(domain.Event)

// Bus is a synchronous publish/subscribe channel for lifecycle events.
// There is no persistence or replay: a listener registered after an event
// fires never observes it.
type Bus struct {
	mu     sync.Mutex
	nextID int
	order  []int
	subs   map[int]Listener
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]Listener)}
}

// Subscribe registers a listener and returns its disposer. Unsubscribing is
// safe during emission, including from inside the listener itself: once the
// disposer runs, the listener receives no further events in the current
// emission batch or later.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.order = append(b.order, id)
	b.subs[id] = l
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Emit synchronously invokes every current subscriber in registration order.
func (b *Bus) Emit(evt domain.Event) {
	b.mu.Lock()
	ids := make([]int, len(b.order))
	copy(ids, b.order)
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.Lock()
		l, ok := b.subs[id]
		b.mu.Unlock()
		if !ok {
			continue
		}
		invoke(l, evt)
	}
}

func invoke(l Listener, evt domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: listener panic on %s: %v", evt.Type, r)
		}
	}()
	l(evt)
}
