package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the deferred-action runtime.
const (
	ActionScheduled   = "action.scheduled"
	ActionRescheduled = "action.rescheduled"
	ActionCancelled   = "action.cancelled"
	ActionFired       = "action.fired"
	ActionFailed      = "action.failed"
	RecoveryDone      = "recovery.done"
	ConfigReloaded    = "config.reloaded"
)

// Event is a small in-memory notification.
//
// Publish never blocks; a subscriber whose buffer is full misses the event
// and the bus counts the drop.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// ActionData is the payload of the action.* events.
type ActionData struct {
	ID    int64
	Kind  string
	DueAt time.Time
	Err   string
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Unsubscribe closes under the write lock, so sends under the read lock
	// never hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
func (Nop) Dropped() uint64 { return 0 }
