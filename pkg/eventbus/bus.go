// Package eventbus is a small typed publish/subscribe fan-out. Publishing
// never blocks: a subscriber whose buffer is full misses the event and the
// drop is counted and logged.
package eventbus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscriber buffer used when Subscribe gets a
// non-positive size.
const DefaultBuffer = 64

// Subscription receives published values on C until cancelled or the bus is
// closed, at which point C is closed.
type Subscription[T any] struct {
	C <-chan T

	ch      chan T
	name    string
	dropped atomic.Int64
	bus     *Bus[T]
}

// Dropped returns how many values this subscriber missed.
func (s *Subscription[T]) Dropped() int64 { return s.dropped.Load() }

// Cancel detaches the subscription and closes C. It is idempotent.
func (s *Subscription[T]) Cancel() { s.bus.remove(s) }

// Bus fans values out to subscribers. The zero value is not usable; create
// one with [New].
type Bus[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// New returns an open bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a subscriber. name identifies it in drop warnings.
func (b *Bus[T]) Subscribe(name string, buffer int) *Subscription[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)
	s := &Subscription[T]{C: ch, ch: ch, name: name, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish delivers v to every subscriber with room in its buffer.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		select {
		case s.ch <- v:
		default:
			if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
				slog.Warn("eventbus: subscriber too slow, dropping events", "subscriber", s.name, "dropped", n)
			}
		}
	}
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are discarded. It is
// idempotent.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}

func (b *Bus[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}
