package resilience_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/voiceorder/internal/resilience"
	"github.com/MrWong99/voiceorder/pkg/credential"
	"github.com/MrWong99/voiceorder/pkg/protocol"
	"github.com/MrWong99/voiceorder/pkg/transport"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		err         error
		kind        resilience.Kind
		recoverable bool
		action      resilience.Action
	}{
		{"oversized config", fmt.Errorf("build: %w", credential.ErrConfigTooLarge), resilience.KindConfiguration, false, resilience.ActionContactSupport},
		{"mic permission", fmt.Errorf("%w: permission denied", transport.ErrMicrophone), resilience.KindPermission, true, resilience.ActionCheckPermissions},
		{"mic hardware", fmt.Errorf("%w: device busy", transport.ErrMicrophone), resilience.KindMicrophoneFailed, false, resilience.ActionCheckPermissions},
		{"credential auth", fmt.Errorf("%w: returned 401", credential.ErrAuth), resilience.KindAuthentication, true, resilience.ActionRefresh},
		{"credential network", fmt.Errorf("%w: dial tcp", credential.ErrNetwork), resilience.KindNetwork, true, resilience.ActionRetry},
		{"server rate limit", &protocol.ServerError{Code: "rate_limit_exceeded", Message: "slow down"}, resilience.KindRateLimited, true, resilience.ActionWait},
		{"server session expired", &protocol.ServerError{Code: "session_expired"}, resilience.KindTokenExpired, true, resilience.ActionRetry},
		{"transport closed", fmt.Errorf("send: %w", transport.ErrClosed), resilience.KindTransportFailed, true, resilience.ActionRetry},
		{"deadline", context.DeadlineExceeded, resilience.KindSessionTimeout, true, resilience.ActionRetry},
		{"ice message", errors.New("ICE connection failed"), resilience.KindTransportFailed, true, resilience.ActionRetry},
		{"network message", errors.New("dial tcp: connection refused"), resilience.KindNetwork, true, resilience.ActionRetry},
		{"rate limit message", errors.New("Too Many Requests"), resilience.KindRateLimited, true, resilience.ActionWait},
		{"unknown", errors.New("something odd"), resilience.KindUnknown, true, resilience.ActionRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := resilience.Classify(tt.err)
			if got.Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", got.Kind, tt.kind)
			}
			if got.Recoverable != tt.recoverable {
				t.Errorf("Recoverable = %v, want %v", got.Recoverable, tt.recoverable)
			}
			if got.Action != tt.action {
				t.Errorf("Action = %s, want %s", got.Action, tt.action)
			}
			if got.Message == "" {
				t.Error("empty user message")
			}
			if !errors.Is(got, tt.err) {
				t.Error("classified error does not wrap the cause")
			}
		})
	}
}

func TestClassify_NilAndIdempotent(t *testing.T) {
	t.Parallel()

	if resilience.Classify(nil) != nil {
		t.Error("Classify(nil) != nil")
	}
	first := resilience.Classify(errors.New("network down"))
	wrapped := fmt.Errorf("outer: %w", first)
	if got := resilience.Classify(wrapped); got != first {
		t.Error("already classified error was reclassified")
	}
}

func TestClassify_RetryAfterDefaults(t *testing.T) {
	t.Parallel()

	expired := resilience.New(resilience.KindTokenExpired, nil)
	limited := resilience.New(resilience.KindRateLimited, nil)
	if expired.RetryAfter <= 0 || limited.RetryAfter <= expired.RetryAfter {
		t.Errorf("retry delays: expired=%v limited=%v", expired.RetryAfter, limited.RetryAfter)
	}
	if got := limited.WithRetryAfter(42 * time.Second).RetryAfter; got != 42*time.Second {
		t.Errorf("WithRetryAfter = %v", got)
	}
	if got := limited.WithRetryAfter(0).RetryAfter; got != limited.RetryAfter {
		t.Errorf("WithRetryAfter(0) changed delay to %v", got)
	}
}
