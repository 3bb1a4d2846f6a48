// Package resilience classifies failures into actionable kinds and bounds
// automatic retries.
//
// [Classify] turns any error into an [*Error] carrying a kind, whether it is
// recoverable, a short user message and a suggested action. [RetryPolicy]
// decides whether, and after how long, a classified failure may be retried.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/voiceorder/pkg/credential"
	"github.com/MrWong99/voiceorder/pkg/protocol"
	"github.com/MrWong99/voiceorder/pkg/transport"
)

// Kind is an error category.
type Kind int

const (
	KindUnknown Kind = iota
	KindPermission
	KindMicrophoneFailed
	KindAuthentication
	KindTokenExpired
	KindRateLimited
	KindConfiguration
	KindTransportFailed
	KindNetwork
	KindSessionTimeout
)

// String returns the upper-case kind name.
func (k Kind) String() string {
	switch k {
	case KindPermission:
		return "PERMISSION"
	case KindMicrophoneFailed:
		return "MICROPHONE_FAILED"
	case KindAuthentication:
		return "AUTHENTICATION"
	case KindTokenExpired:
		return "TOKEN_EXPIRED"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindConfiguration:
		return "CONFIGURATION"
	case KindTransportFailed:
		return "TRANSPORT_FAILED"
	case KindNetwork:
		return "NETWORK"
	case KindSessionTimeout:
		return "SESSION_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Action is the remedy suggested to the user.
type Action string

const (
	ActionRetry            Action = "retry"
	ActionRefresh          Action = "refresh"
	ActionCheckPermissions Action = "check-permissions"
	ActionWait             Action = "wait"
	ActionContactSupport   Action = "contact-support"
)

// Error is a classified failure. It wraps the original cause.
type Error struct {
	Kind        Kind
	Recoverable bool
	// Message is a short, user-facing explanation.
	Message string
	Action  Action
	// RetryAfter is the suggested delay before retrying, if any.
	RetryAfter time.Duration
	Err        error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + ": " + e.Message
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Err }

type profile struct {
	recoverable bool
	message     string
	action      Action
	retryAfter  time.Duration
}

var profiles = map[Kind]profile{
	KindPermission:       {true, "Microphone access was denied. Allow microphone access and try again.", ActionCheckPermissions, 0},
	KindMicrophoneFailed: {false, "No working microphone was found. Check your audio device.", ActionCheckPermissions, 0},
	KindAuthentication:   {true, "Could not authenticate with the ordering service. Refreshing credentials.", ActionRefresh, 0},
	KindTokenExpired:     {true, "The voice session expired. Reconnecting shortly.", ActionRetry, 2 * time.Second},
	KindRateLimited:      {true, "The service is busy. Please wait a moment.", ActionWait, 10 * time.Second},
	KindConfiguration:    {false, "The ordering session could not be configured. Please contact support.", ActionContactSupport, 0},
	KindTransportFailed:  {true, "The voice connection failed. Try again.", ActionRetry, 0},
	KindNetwork:          {true, "Network connection lost. Check your connection and try again.", ActionRetry, 0},
	KindSessionTimeout:   {true, "The service did not respond in time. Try again.", ActionRetry, 0},
	KindUnknown:          {true, "Something went wrong. Try again.", ActionRetry, 0},
}

// New builds a classified error of kind k around cause.
func New(k Kind, cause error) *Error {
	p, ok := profiles[k]
	if !ok {
		p = profiles[KindUnknown]
	}
	return &Error{
		Kind:        k,
		Recoverable: p.recoverable,
		Message:     p.message,
		Action:      p.action,
		RetryAfter:  p.retryAfter,
		Err:         cause,
	}
}

// rule matches an error. The first matching rule wins.
type rule struct {
	kind  Kind
	match func(err error, msg string) bool
}

func contains(patterns ...string) func(error, string) bool {
	return func(_ error, msg string) bool {
		for _, p := range patterns {
			if strings.Contains(msg, p) {
				return true
			}
		}
		return false
	}
}

func is(target error) func(error, string) bool {
	return func(err error, _ string) bool { return errors.Is(err, target) }
}

func serverCode(substr string) func(error, string) bool {
	return func(err error, _ string) bool {
		var se *protocol.ServerError
		if !errors.As(err, &se) {
			return false
		}
		return strings.Contains(strings.ToLower(se.Code), substr) || strings.Contains(strings.ToLower(se.Type), substr)
	}
}

var rules = []rule{
	// Sentinels and typed errors.
	{KindConfiguration, is(credential.ErrConfigTooLarge)},
	{KindPermission, func(err error, msg string) bool {
		return errors.Is(err, transport.ErrMicrophone) && contains("permission", "not allowed", "notallowed", "denied")(err, msg)
	}},
	{KindMicrophoneFailed, is(transport.ErrMicrophone)},
	{KindAuthentication, is(credential.ErrAuth)},
	{KindRateLimited, serverCode("rate_limit")},
	{KindTokenExpired, serverCode("session_expired")},
	{KindNetwork, is(credential.ErrNetwork)},
	{KindTransportFailed, is(transport.ErrClosed)},
	{KindSessionTimeout, is(context.DeadlineExceeded)},

	// Message patterns.
	{KindPermission, contains("permission denied", "notallowederror", "not allowed")},
	{KindMicrophoneFailed, contains("microphone", "notfounderror", "audio device", "capture device")},
	{KindRateLimited, contains("rate limit", "rate_limit", "too many requests", "429")},
	{KindTokenExpired, contains("session expired", "session_expired", "token expired", "maximum duration")},
	{KindAuthentication, contains("unauthorized", "authentication", "invalid api key", "forbidden", "401", "403")},
	{KindConfiguration, contains("too large", "invalid configuration", "invalid_request_error")},
	{KindSessionTimeout, contains("session timeout", "timed out waiting", "deadline")},
	{KindTransportFailed, contains("ice ", "ice connection", "peer connection", "data channel", "sdp", "webrtc", "websocket")},
	{KindNetwork, contains("network", "connection refused", "connection reset", "no such host", "unreachable", "eof", "timeout", "dial")},
}

// Classify maps err to a classified error. Errors already classified are
// returned unchanged. A nil error yields nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	msg := strings.ToLower(err.Error())
	kind := KindUnknown
	for _, r := range rules {
		if r.match(err, msg) {
			kind = r.kind
			break
		}
	}
	return New(kind, err)
}

// WithRetryAfter returns a copy of e with the retry delay replaced when d is
// positive.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	cp := *e
	if d > 0 {
		cp.RetryAfter = d
	}
	return &cp
}

// Errorf classifies a formatted error as kind k.
func Errorf(k Kind, format string, args ...any) *Error {
	return New(k, fmt.Errorf(format, args...))
}
