package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Gate forwards frames from a [Source] to a sink only while enabled. It is
// the software switch behind a transport's enable/disable microphone calls.
// Frames captured while disabled are discarded.
type Gate struct {
	src    Source
	conv   *Converter
	sink   func(AudioFrame) error
	open   atomic.Bool
	sent   atomic.Int64
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewGate returns a closed gate that converts frames to target before
// handing them to sink.
func NewGate(src Source, target Format, sink func(AudioFrame) error) *Gate {
	return &Gate{src: src, conv: &Converter{Target: target}, sink: sink}
}

// Start begins capture. It is a no-op when already started.
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	frames, err := g.src.Start(ctx)
	if err != nil {
		cancel()
		return err
	}
	g.cancel = cancel
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			var f AudioFrame
			select {
			case <-ctx.Done():
				return
			case fr, ok := <-frames:
				if !ok {
					return
				}
				f = fr
			}
			if !g.open.Load() {
				continue
			}
			f = g.conv.Convert(f)
			if len(f.Data) == 0 {
				continue
			}
			if err := g.sink(f); err != nil {
				slog.Debug("audio gate: sink rejected frame", "err", err)
				continue
			}
			g.sent.Add(1)
		}
	}()
	return nil
}

// Enable opens the gate.
func (g *Gate) Enable() { g.open.Store(true) }

// Disable closes the gate. Frames captured afterwards are dropped.
func (g *Gate) Disable() { g.open.Store(false) }

// Enabled reports whether the gate is open.
func (g *Gate) Enabled() bool { return g.open.Load() }

// Sent returns the number of frames delivered to the sink.
func (g *Gate) Sent() int64 { return g.sent.Load() }

// Stop closes the gate, stops capture and waits for the forwarding
// goroutine to exit. It is idempotent.
func (g *Gate) Stop() {
	g.Disable()
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		g.wg.Wait()
	}
}
