package protocol

import (
	"fmt"
	"time"
)

// EventKind enumerates the semantic events produced from inbound messages.
// The set is closed; unknown message types produce no event.
type EventKind int

const (
	EventSessionCreated EventKind = iota + 1
	EventSessionUpdated
	EventTranscript
	EventTranscriptFinalized
	EventSpeechStarted
	EventSpeechStopped
	EventResponseStarted
	EventResponseText
	EventResponseAudio
	EventResponseComplete
	EventOrderDetected
	EventOrderConfirmation
	EventRateLimitError
	EventSessionExpired
	EventError
)

var eventKindNames = map[EventKind]string{
	EventSessionCreated:      "session-created",
	EventSessionUpdated:      "session-updated",
	EventTranscript:          "transcript",
	EventTranscriptFinalized: "transcript-finalized",
	EventSpeechStarted:       "speech-started",
	EventSpeechStopped:       "speech-stopped",
	EventResponseStarted:     "response-started",
	EventResponseText:        "response-text",
	EventResponseAudio:       "response-audio",
	EventResponseComplete:    "response-complete",
	EventOrderDetected:       "order-detected",
	EventOrderConfirmation:   "order-confirmation",
	EventRateLimitError:      "rate-limit-error",
	EventSessionExpired:      "session-expired",
	EventError:               "error",
}

// String returns the kebab-case name of the event kind.
func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// OrderItem is a single line of an order detected from the conversation.
type OrderItem struct {
	Name      string   `json:"name"`
	Quantity  int      `json:"quantity"`
	Modifiers []string `json:"modifiers,omitempty"`
	Notes     string   `json:"notes,omitempty"`
}

// Order is the payload of an order-detected or order-confirmation event.
type Order struct {
	Items      []OrderItem `json:"items"`
	Confidence float64     `json:"confidence"`
	Confirmed  bool        `json:"confirmed,omitempty"`
}

// ServerError is an error reported by the remote service.
type ServerError struct {
	Type    string
	Code    string
	Message string
	EventID string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("protocol: server error %s: %s", e.Code, e.Message)
	}
	return "protocol: server error: " + e.Message
}

// Event is one semantic event. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	// Text carries transcript text or a response text delta.
	Text string

	// IsFinal and Confidence describe a transcript event.
	IsFinal    bool
	Confidence float64

	// ItemID identifies the conversation item a transcript belongs to.
	ItemID string

	// ResponseID identifies the response for response-* events.
	ResponseID string

	// Audio is decoded PCM16 for response-audio events.
	Audio []byte

	// Order is set for order-detected and order-confirmation events.
	Order *Order

	// CallID is the function call to acknowledge with a tool result.
	CallID string

	// Err is set for error, rate-limit-error and session-expired events.
	Err *ServerError

	// RetryAfter is a server-suggested delay for rate-limit-error events.
	RetryAfter time.Duration
}
