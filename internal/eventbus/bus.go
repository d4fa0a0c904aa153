// Package eventbus decouples the engine services from observers (logging,
// tests, future UI surfaces) with an in-memory fanout bus.
package eventbus

import (
	"sync"
	"time"
)

// Engine event types published on the bus.
const (
	EventRescheduleDone = "reschedule.completed"
	EventTokenFired     = "token.fired"
	EventSessionStarted = "session.started"
	EventSessionRing    = "session.ring"
	EventSessionEnded   = "session.ended"
)

// Event is a lightweight, in-memory signal. Publish never blocks: a
// subscriber whose buffer is full loses the event, so Data must never be
// the only record of anything (the repositories are).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[uint64]chan Event
}

// Publish delivers e to every subscriber that has buffer room. Sends run
// under the read lock and never block, so an unsubscribe (which closes the
// channel under the write lock) cannot race a send.
func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}
