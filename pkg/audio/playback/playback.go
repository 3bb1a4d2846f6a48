// Package playback provides the explicit audio playback queue that response
// audio is routed through. A [Queue] is created by the owner of the session,
// consumers attach with [Queue.Subscribe], and barge-in empties it with
// [Queue.Clear].
package playback

import (
	"errors"
	"sync"

	"github.com/MrWong99/voiceorder/pkg/audio"
)

// ErrClosed is returned by [Queue.Enqueue] after [Queue.Close].
var ErrClosed = errors.New("playback: queue closed")

// DefaultSubscriberBuffer is the channel capacity used when Subscribe is
// called with a non-positive buffer.
const DefaultSubscriberBuffer = 32

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithCapacity sets the initial capacity hint of the pending frame slice.
// It is not a hard limit.
func WithCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.pending = make([]audio.AudioFrame, 0, n)
		}
	}
}

// Subscription is a consumer attached to a [Queue].
type Subscription struct {
	// C receives frames in enqueue order. It is closed when the subscription
	// is cancelled or the queue is closed.
	C <-chan audio.AudioFrame

	ch     chan audio.AudioFrame
	q      *Queue
	once   sync.Once
	cancel chan struct{}
	// sendMu is held by the dispatcher while it sends on ch, so ch is never
	// closed under a pending send.
	sendMu sync.Mutex
}

// Cancel detaches the subscription and closes C. Frames already buffered
// in C can still be received. It is idempotent.
func (s *Subscription) Cancel() {
	s.q.mu.Lock()
	delete(s.q.subs, s)
	s.q.mu.Unlock()
	s.shut()
}

// shut wakes a blocked send, then closes ch once no send is in flight.
func (s *Subscription) shut() {
	s.once.Do(func() {
		close(s.cancel)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}

// deliver hands f to the subscriber. It reports false when done closed first.
func (s *Subscription) deliver(f audio.AudioFrame, done <-chan struct{}) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.cancel:
		return true
	default:
	}
	select {
	case <-done:
		return false
	case <-s.cancel:
	case s.ch <- f:
	}
	return true
}

// Queue is a FIFO of audio frames fanned out to every subscriber from a single
// dispatch goroutine. Delivery to a subscriber blocks until it accepts the
// frame, so a speaker sink paces the queue.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending []audio.AudioFrame
	subs    map[*Subscription]struct{}
	gen     uint64 // bumped by Clear; frames popped under an older gen are dropped
	closed  bool

	notify chan struct{}
	done   chan struct{}
	exited chan struct{}
}

// New creates a queue and starts its dispatch goroutine. Call [Queue.Close]
// to stop it.
func New(opts ...Option) *Queue {
	q := &Queue{
		subs:   make(map[*Subscription]struct{}),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Subscribe attaches a consumer with the given channel buffer.
func (q *Queue) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan audio.AudioFrame, buffer)
	s := &Subscription{C: ch, ch: ch, q: q, cancel: make(chan struct{})}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		s.shut()
		return s
	}
	q.subs[s] = struct{}{}
	return s
}

// Enqueue appends f to the queue. Empty frames are ignored.
func (q *Queue) Enqueue(f audio.AudioFrame) error {
	if len(f.Data) == 0 {
		return nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.pending = append(q.pending, f)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Clear drops every pending frame and returns how many were dropped. A frame
// already handed to the dispatcher but not yet delivered is dropped too.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.pending)
	q.pending = q.pending[:0]
	q.gen++
	return n
}

// Len reports the number of pending frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops dispatching, drops pending frames and closes every subscriber
// channel. It is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	close(q.done)
	<-q.exited

	q.mu.Lock()
	subs := q.subs
	q.subs = make(map[*Subscription]struct{})
	q.mu.Unlock()
	for s := range subs {
		s.shut()
	}
	return nil
}

// dispatch moves frames from the pending slice to subscribers until Close.
func (q *Queue) dispatch() {
	defer close(q.exited)
	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			f, gen, subs, ok := q.pop()
			if !ok {
				break
			}
			for _, s := range subs {
				if q.stale(gen) {
					break
				}
				if !s.deliver(f, q.done) {
					return
				}
			}
		}
	}
}

func (q *Queue) pop() (audio.AudioFrame, uint64, []*Subscription, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return audio.AudioFrame{}, 0, nil, false
	}
	f := q.pending[0]
	q.pending = q.pending[1:]
	subs := make([]*Subscription, 0, len(q.subs))
	for s := range q.subs {
		subs = append(subs, s)
	}
	return f, q.gen, subs, true
}

func (q *Queue) stale(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gen != gen
}
