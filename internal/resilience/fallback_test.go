package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voiceorder/pkg/clock"
)

func newGroup(clk clock.Clock) *FallbackGroup[string] {
	g := NewFallbackGroup("primary", "https://a.example", BreakerConfig{
		MaxFailures:  2,
		ResetTimeout: time.Minute,
		Clock:        clk,
	})
	g.Add("secondary", "https://b.example")
	return g
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()

	g := newGroup(clock.NewFake(time.Unix(0, 0)))
	res, served, err := Call(context.Background(), g, func(_ context.Context, v string) (string, error) {
		return "from " + v, nil
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res != "from https://a.example" || served != "primary" {
		t.Errorf("res = %q served = %q", res, served)
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	t.Parallel()

	g := newGroup(clock.NewFake(time.Unix(0, 0)))
	var tried []string
	err := g.Execute(context.Background(), func(_ context.Context, v string) error {
		tried = append(tried, v)
		if v == "https://a.example" {
			return errUpstream
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(tried) != 2 {
		t.Errorf("tried = %v", tried)
	}
}

func TestFallbackGroup_AllFailWrapsLastError(t *testing.T) {
	t.Parallel()

	g := newGroup(clock.NewFake(time.Unix(0, 0)))
	err := g.Execute(context.Background(), func(context.Context, string) error { return errUpstream })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errUpstream) {
		t.Errorf("err = %v, want the member error wrapped", err)
	}
}

func TestFallbackGroup_OpenBreakerSkipsMember(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Unix(0, 0))
	g := newGroup(clk)
	failPrimary := func(_ context.Context, v string) error {
		if v == "https://a.example" {
			return errUpstream
		}
		return nil
	}
	for range 2 {
		_ = g.Execute(context.Background(), failPrimary)
	}
	if st := g.States()["primary"]; st != BreakerOpen {
		t.Fatalf("primary breaker = %s, want open", st)
	}

	var tried []string
	_, served, err := Call(context.Background(), g, func(_ context.Context, v string) (int, error) {
		tried = append(tried, v)
		return 1, nil
	})
	if err != nil || served != "secondary" {
		t.Fatalf("served = %q err = %v", served, err)
	}
	if len(tried) != 1 {
		t.Errorf("open primary was called: %v", tried)
	}

	clk.Advance(time.Minute)
	_, served, _ = Call(context.Background(), g, func(context.Context, string) (int, error) { return 1, nil })
	if served != "primary" {
		t.Errorf("after reset timeout served = %q, want primary after reset", served)
	}
}

func TestFallbackGroup_CancelledContextStops(t *testing.T) {
	t.Parallel()

	g := newGroup(clock.NewFake(time.Unix(0, 0)))
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := g.Execute(ctx, func(context.Context, string) error {
		calls++
		cancel()
		return errUpstream
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if g.Len() != 2 {
		t.Errorf("Len = %d", g.Len())
	}
}
