// Package eventbus is an in-process fan-out of small signals between
// components (ingest → stream wakeups, dispatch outcomes).
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// NotificationCreated carries a Created payload.
	NotificationCreated = "notification.created"
	// DeliveryRecorded carries a Delivery payload.
	DeliveryRecorded = "delivery.recorded"
)

// Event is a lightweight signal. Publish never blocks: a subscriber whose
// buffer is full misses the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Created is published after a notification row is committed.
type Created struct {
	ID        string
	ChannelID string
	Priority  int
}

// Delivery is published after a push attempt outcome is stored.
type Delivery struct {
	ID       string
	OK       bool
	TimedOut bool
	Retry    bool
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
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
	// Sends are non-blocking; the read lock keeps unsubscribe from closing
	// a channel mid-send.
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
		buffer = 8
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

// Dropped reports how many events were discarded because a subscriber was full.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

// PublishCreated is a convenience for the ingest path. A nil bus is a no-op.
func PublishCreated(b Bus, c Created) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: NotificationCreated, Data: c})
}
