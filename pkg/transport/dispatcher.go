package transport

import (
	"sync"
)

// Dispatcher delivers events to a [Handler] on a dedicated goroutine in the
// order they were emitted. Emit never blocks on the handler.
//
// Raw messages emitted before a DataChannelReady event are held back and
// flushed right after it, so nothing is dropped before readiness.
type Dispatcher struct {
	mu      sync.Mutex
	handler Handler
	queue   []Event
	held    []Event
	ready   bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

// NewDispatcher starts a dispatcher. Call [Dispatcher.Close] to stop it.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// SetHandler replaces the event handler.
func (d *Dispatcher) SetHandler(h Handler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

// Emit queues e for delivery. Events emitted after Close are discarded.
func (d *Dispatcher) Emit(e Event) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	switch {
	case e.Kind == RawMessage && !d.ready:
		d.held = append(d.held, e)
	case e.Kind == DataChannelReady:
		d.ready = true
		d.queue = append(d.queue, e)
		d.queue = append(d.queue, d.held...)
		d.held = nil
	default:
		d.queue = append(d.queue, e)
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Reset clears readiness and any held messages, for reuse across
// connections.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.ready = false
	d.held = nil
	d.mu.Unlock()
}

// Close stops delivery after the events already queued have been handed
// to the handler. It is idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				closed := d.closed
				d.mu.Unlock()
				if closed {
					return
				}
				break
			}
			e := d.queue[0]
			d.queue = d.queue[1:]
			h := d.handler
			d.mu.Unlock()

			if h != nil {
				h(e)
			}
		}
	}
}
