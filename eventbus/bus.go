package eventbus

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Observer receives events. OnEvent runs on the publisher's goroutine
// and must not block for long.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to an Observer
type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Subscription identifies one registration of an observer
type Subscription struct {
	ID    uuid.UUID
	Phase Phase
	bus   *Bus
}

// Unsubscribe removes the registration; calling it twice is harmless
func (s Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.Unsubscribe(s.Phase, s)
	}
}

type subscriber struct {
	id       uuid.UUID
	observer Observer
	active   *atomic.Bool
}

// Bus fans out events to the observers of each phase in registration order
type Bus struct {
	mu   sync.RWMutex
	subs map[Phase][]*subscriber
}

// New creates an empty bus
func New() *Bus {
	return &Bus{subs: make(map[Phase][]*subscriber)}
}

// Subscribe registers o for events of the given phase
func (b *Bus) Subscribe(phase Phase, o Observer) Subscription {
	s := &subscriber{
		id:       uuid.New(),
		observer: o,
		active:   atomic.NewBool(true),
	}

	b.mu.Lock()
	b.subs[phase] = append(b.subs[phase], s)
	b.mu.Unlock()

	return Subscription{ID: s.id, Phase: phase, bus: b}
}

// Unsubscribe removes a registration. An in-progress Publish that has not
// reached the observer yet will skip it.
func (b *Bus) Unsubscribe(phase Phase, sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[phase]
	for i, s := range list {
		if s.id != sub.ID {
			continue
		}
		s.active.Store(false)
		next := make([]*subscriber, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		b.subs[phase] = next
		return
	}
}

// Publish delivers e synchronously to the observers registered for phase
// at the time of the call.
func (b *Bus) Publish(phase Phase, e Event) {
	b.mu.RLock()
	snapshot := b.subs[phase]
	b.mu.RUnlock()

	for _, s := range snapshot {
		if !s.active.Load() {
			continue
		}
		s.observer.OnEvent(e)
	}
}

// Len returns the number of observers registered for phase
func (b *Bus) Len(phase Phase) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[phase])
}
