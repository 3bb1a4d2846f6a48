package resilience_test

import (
	"testing"
	"time"

	"github.com/MrWong99/voiceorder/internal/resilience"
)

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()

	p := resilience.RetryPolicy{MaxRetries: 5, Backoff: time.Second, MaxBackoff: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		d, ok := p.Delay(i + 1)
		if !ok || d != w {
			t.Errorf("Delay(%d) = %v, %v; want %v", i+1, d, ok, w)
		}
	}
	if _, ok := p.Delay(6); ok {
		t.Error("Delay beyond MaxRetries allowed")
	}
	if _, ok := (resilience.RetryPolicy{MaxRetries: -1}).Delay(1); ok {
		t.Error("negative MaxRetries should disable retries")
	}
}

func TestRetryPolicy_Next(t *testing.T) {
	t.Parallel()

	p := resilience.RetryPolicy{MaxRetries: 2, Backoff: time.Second}
	tests := []struct {
		name string
		kind resilience.Kind
		ok   bool
		min  time.Duration
	}{
		{"network", resilience.KindNetwork, true, time.Second},
		{"permission never", resilience.KindPermission, false, 0},
		{"configuration never", resilience.KindConfiguration, false, 0},
		{"microphone never", resilience.KindMicrophoneFailed, false, 0},
		{"rate limited waits longer", resilience.KindRateLimited, true, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d, ok := p.Next(resilience.New(tt.kind, nil), 1)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && d < tt.min {
				t.Errorf("delay = %v, want >= %v", d, tt.min)
			}
		})
	}
	if _, ok := p.Next(resilience.New(resilience.KindNetwork, nil), 3); ok {
		t.Error("retry allowed past budget")
	}
}
