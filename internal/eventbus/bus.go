package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Type is dotted ("signup.attempt", "task.failed"); the first segment is the
// topic. Data should be small and JSON-serializable.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Topic returns the part of Type before the first dot.
func (e Event) Topic() string {
	if i := strings.IndexByte(e.Type, '.'); i >= 0 {
		return e.Type[:i]
	}
	return e.Type
}

// Matches reports whether the event type equals one of prefixes or starts
// with prefix followed by a dot. No prefixes matches everything.
func (e Event) Matches(prefixes ...string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if e.Type == p || (strings.HasPrefix(e.Type, p) && len(e.Type) > len(p) && e.Type[len(p)] == '.') {
			return true
		}
	}
	return false
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Stats is implemented by buses that count undelivered events.
type Stats interface {
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
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
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		b.deliver(ch, e)
	}
}

// deliver never blocks. A concurrent unsubscribe may close ch, so a send
// panic is recovered.
func (b *memBus) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

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
