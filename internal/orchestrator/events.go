package orchestrator

import (
	"time"

	"github.com/MrWong99/voiceorder/internal/fsm"
	"github.com/MrWong99/voiceorder/internal/resilience"
	"github.com/MrWong99/voiceorder/pkg/protocol"
	"github.com/MrWong99/voiceorder/pkg/transport"
)

// EventKind identifies a UI-facing event published on the orchestrator bus.
type EventKind int

const (
	EventConnectionChanged EventKind = iota + 1
	EventSessionReady
	EventSessionNotReady
	EventRecordingStarted
	EventRecordingStopped
	EventRecordingTimeout
	EventTranscript
	EventResponseText
	EventResponseComplete
	EventOrderDetected
	EventOrderConfirmed
	EventError
	EventCredentialRefreshFailed
	EventStateChanged
)

var eventKindNames = map[EventKind]string{
	EventConnectionChanged:       "connection-changed",
	EventSessionReady:            "session-ready",
	EventSessionNotReady:         "session-not-ready",
	EventRecordingStarted:        "recording-started",
	EventRecordingStopped:        "recording-stopped",
	EventRecordingTimeout:        "recording-timeout",
	EventTranscript:              "transcript",
	EventResponseText:            "response-text",
	EventResponseComplete:        "response-complete",
	EventOrderDetected:           "order-detected",
	EventOrderConfirmed:          "order-confirmation",
	EventError:                   "error",
	EventCredentialRefreshFailed: "credential-refresh-failed",
	EventStateChanged:            "state-changed",
}

// String returns the kebab-case event name.
func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is a UI-facing notification. Only the fields relevant to Kind are
// set; SessionID and At are always set.
type Event struct {
	Kind      EventKind
	SessionID string
	At        time.Time

	// Connection is set for connection-changed.
	Connection transport.ConnectionState

	// From, To and Trigger are set for state-changed.
	From    fsm.State
	To      fsm.State
	Trigger fsm.Event

	// Text, IsFinal and Confidence are set for transcript and response-text.
	Text       string
	IsFinal    bool
	Confidence float64

	// ResponseID is set for response-text and response-complete.
	ResponseID string

	// Order is set for order-detected and order-confirmation.
	Order *protocol.Order

	// Err is set for error and credential-refresh-failed.
	Err *resilience.Error
}

// Snapshot is a point-in-time view of a session for health checks and UIs.
type Snapshot struct {
	SessionID       string
	State           fsm.State
	Connection      transport.ConnectionState
	CredentialValid bool
	Mode            protocol.TurnDetectionMode
	// ResponseID is the response the current turn is waiting on, once the
	// server has announced it.
	ResponseID      string
	Transitions     int
	Reconnects      int
	Deadline        time.Time
	LastError       *resilience.Error
}
