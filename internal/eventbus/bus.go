package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the engine. Kept as exported constants so
// subscribers don't match on raw strings.
const (
	TypeDeliverySent    = "delivery.sent"
	TypeDeliveryQueued  = "delivery.queued"
	TypeDeliveryFailed  = "delivery.failed"
	TypeDeliveryDeduped = "delivery.deduped"
	TypeDeliveryDropped = "delivery.dropped"

	TypeRoutineConfirmed = "routine.confirmed"
	TypeRoutineMissed    = "routine.missed"
	TypeRoutineRollover  = "routine.rollover"

	TypeRoleGranted = "role.granted"
	TypeRoleRevoked = "role.revoked"

	TypePomodoroPhase = "pomodoro.phase"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery; a concurrently-closed channel would panic,
		// so recover around the send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
