package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] failed or
// was skipped because its breaker is open.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

// member pairs a value with its dedicated circuit breaker.
type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary value and ordered fallbacks of the same type,
// each behind its own breaker. When the primary fails or its breaker is open,
// the next healthy member is tried.
//
// Add members before sharing the group; calls are then safe for concurrent
// use.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     BreakerConfig
}

// NewFallbackGroup returns a group with primary as its first member. Every
// member gets a breaker built from cfg, named after the member.
func NewFallbackGroup[T any](name string, primary T, cfg BreakerConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.Add(name, primary)
	return g
}

// Add appends a fallback. Fallbacks are tried in the order they are added.
func (g *FallbackGroup[T]) Add(name string, v T) {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(cfg)})
}

// Len returns the number of members.
func (g *FallbackGroup[T]) Len() int { return len(g.members) }

// States returns the breaker state of every member by name.
func (g *FallbackGroup[T]) States() map[string]BreakerState {
	out := make(map[string]BreakerState, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Execute calls fn against each member in order until one succeeds.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(ctx context.Context, v T) error) error {
	_, _, err := Call(ctx, g, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return err
}

// Call calls fn against each member in order until one succeeds and returns
// its result with the name of the member that served it. Members with an
// open breaker are skipped. When all fail, the error wraps [ErrAllFailed] and
// the last member's error. Cancellation of ctx stops the walk.
func Call[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(ctx context.Context, v T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range g.members {
		m := &g.members[i]
		var res R
		err := m.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			res, err = fn(ctx, m.value)
			return err
		})
		if err == nil {
			if i > 0 {
				slog.Info("resilience: served by fallback", "member", m.name)
			}
			return res, m.name, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, "", ctxErr
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping member, circuit open", "member", m.name)
			continue
		}
		slog.Warn("resilience: member failed, trying next", "member", m.name, "err", err)
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
