// Package protocol translates between raw realtime-protocol messages and the
// typed events and commands used by the session orchestrator.
//
// Inbound messages are parsed by [Parse] into a closed set of [Event] kinds.
// Outbound traffic is expressed as [Command] values and written through a
// [Sender] (normally the media transport's data channel) once one has been
// attached with [Translator.Attach].
//
// The translator holds no turn state. It never decides whether a command is
// allowed; that authority belongs to the caller's state machine.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Tool names with a dedicated event mapping.
const (
	ToolAddToOrder   = "add_to_order"
	ToolConfirmOrder = "confirm_order"
)

// ErrNotAttached is returned by [Translator.SendEvent] when no data channel
// has been attached.
var ErrNotAttached = errors.New("protocol: no data channel attached")

// Sender transmits an encoded command.
type Sender interface {
	Send(payload []byte) error
}

// Handler receives parsed events in message order.
type Handler func(Event)

// Translator dispatches parsed inbound events to a handler and encodes
// outbound commands. It is safe for concurrent use.
type Translator struct {
	mu      sync.RWMutex
	sender  Sender
	handler Handler
}

// NewTranslator returns a Translator delivering events to h. A nil h drops
// every event.
func NewTranslator(h Handler) *Translator {
	return &Translator{handler: h}
}

// Attach sets the data channel used by SendEvent.
func (t *Translator) Attach(s Sender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = s
}

// Detach removes the data channel. Subsequent sends fail with [ErrNotAttached].
func (t *Translator) Detach() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sender = nil
}

// Attached reports whether a data channel is attached.
func (t *Translator) Attached() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sender != nil
}

// SendEvent encodes cmd and writes it to the attached data channel.
func (t *Translator) SendEvent(cmd Command) error {
	t.mu.RLock()
	s := t.sender
	t.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("protocol: send %s: %w", cmd.Kind, ErrNotAttached)
	}
	data, err := cmd.Encode()
	if err != nil {
		return err
	}
	if err := s.Send(data); err != nil {
		return fmt.Errorf("protocol: send %s: %w", cmd.Kind, err)
	}
	slog.Debug("protocol command sent", "type", cmd.Kind.String(), "bytes", len(data))
	return nil
}

// HandleRawMessage parses payload and delivers the resulting events to the
// handler synchronously, in order. Malformed payloads return an error and
// deliver nothing.
func (t *Translator) HandleRawMessage(payload []byte) error {
	events, err := Parse(payload)
	if err != nil {
		return err
	}
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return nil
	}
	for _, ev := range events {
		h(ev)
	}
	return nil
}

// ── Inbound parsing ───────────────────────────────────────────────────────────

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

type logprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}

type responseInfo struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	StatusDetails *struct {
		Type   string             `json:"type"`
		Reason string             `json:"reason"`
		Error  *serverErrorDetail `json:"error"`
	} `json:"status_details"`
}

type serverMessage struct {
	Type       string             `json:"type"`
	EventID    string             `json:"event_id"`
	ItemID     string             `json:"item_id"`
	ResponseID string             `json:"response_id"`
	Delta      string             `json:"delta"`
	Transcript string             `json:"transcript"`
	Logprobs   []logprob          `json:"logprobs"`
	Name       string             `json:"name"`
	Arguments  string             `json:"arguments"`
	CallID     string             `json:"call_id"`
	Response   *responseInfo      `json:"response"`
	Error      *serverErrorDetail `json:"error"`
}

// Parse maps one raw inbound message to zero or more events. It is a pure
// function of payload.
func Parse(payload []byte) ([]Event, error) {
	var msg serverMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("protocol: decode message: %w", err)
	}
	if msg.Type == "" {
		return nil, errors.New("protocol: decode message: missing type")
	}

	switch msg.Type {
	case "session.created":
		return one(Event{Kind: EventSessionCreated}), nil

	case "session.updated":
		return one(Event{Kind: EventSessionUpdated}), nil

	case "conversation.item.input_audio_transcription.delta":
		return one(Event{
			Kind:       EventTranscript,
			Text:       msg.Delta,
			ItemID:     msg.ItemID,
			Confidence: confidence(msg.Logprobs, 0),
		}), nil

	case "conversation.item.input_audio_transcription.completed":
		final := Event{
			Kind:       EventTranscript,
			Text:       msg.Transcript,
			IsFinal:    true,
			ItemID:     msg.ItemID,
			Confidence: confidence(msg.Logprobs, 1),
		}
		finalized := final
		finalized.Kind = EventTranscriptFinalized
		return []Event{final, finalized}, nil

	case "conversation.item.input_audio_transcription.failed":
		return one(errorEvent(msg.Error)), nil

	case "input_audio_buffer.speech_started":
		return one(Event{Kind: EventSpeechStarted, ItemID: msg.ItemID}), nil

	case "input_audio_buffer.speech_stopped":
		return one(Event{Kind: EventSpeechStopped, ItemID: msg.ItemID}), nil

	case "response.created":
		id := msg.ResponseID
		if msg.Response != nil {
			id = msg.Response.ID
		}
		return one(Event{Kind: EventResponseStarted, ResponseID: id}), nil

	case "response.text.delta", "response.audio_transcript.delta",
		"response.output_text.delta", "response.output_audio_transcript.delta":
		if msg.Delta == "" {
			return nil, nil
		}
		return one(Event{Kind: EventResponseText, Text: msg.Delta, ResponseID: msg.ResponseID}), nil

	case "response.audio.delta", "response.output_audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return nil, fmt.Errorf("protocol: decode audio delta: %w", err)
		}
		if len(pcm) == 0 {
			return nil, nil
		}
		return one(Event{Kind: EventResponseAudio, Audio: pcm, ResponseID: msg.ResponseID}), nil

	case "response.done":
		return parseResponseDone(&msg), nil

	case "response.function_call_arguments.done":
		return parseFunctionCall(&msg)

	case "error":
		return one(errorEvent(msg.Error)), nil

	default:
		slog.Debug("protocol message ignored", "type", msg.Type)
		return nil, nil
	}
}

func one(ev Event) []Event { return []Event{ev} }

// confidence converts token log probabilities into a mean per-token
// probability. Without log probabilities it returns fallback.
func confidence(lps []logprob, fallback float64) float64 {
	if len(lps) == 0 {
		return fallback
	}
	var sum float64
	for _, lp := range lps {
		sum += lp.Logprob
	}
	return math.Exp(sum / float64(len(lps)))
}

func parseResponseDone(msg *serverMessage) []Event {
	ev := Event{Kind: EventResponseComplete, ResponseID: msg.ResponseID}
	if msg.Response == nil {
		return one(ev)
	}
	ev.ResponseID = msg.Response.ID
	if msg.Response.Status == "failed" && msg.Response.StatusDetails != nil && msg.Response.StatusDetails.Error != nil {
		// A failed response still completes the turn; the error is reported
		// after completion so the caller returns to idle first.
		return []Event{ev, errorEvent(msg.Response.StatusDetails.Error)}
	}
	return one(ev)
}

func parseFunctionCall(msg *serverMessage) ([]Event, error) {
	switch msg.Name {
	case ToolAddToOrder, ToolConfirmOrder:
	default:
		slog.Debug("protocol function call ignored", "name", msg.Name, "call_id", msg.CallID)
		return nil, nil
	}

	var order Order
	if strings.TrimSpace(msg.Arguments) != "" {
		if err := json.Unmarshal([]byte(msg.Arguments), &order); err != nil {
			return nil, fmt.Errorf("protocol: decode %s arguments: %w", msg.Name, err)
		}
	}
	for i := range order.Items {
		if order.Items[i].Quantity <= 0 {
			order.Items[i].Quantity = 1
		}
	}

	kind := EventOrderDetected
	if msg.Name == ToolConfirmOrder {
		kind = EventOrderConfirmation
		order.Confirmed = true
	}
	return one(Event{Kind: kind, Order: &order, CallID: msg.CallID, ResponseID: msg.ResponseID}), nil
}

var retryAfterPattern = regexp.MustCompile(`(?i)try again in ([0-9]+(?:\.[0-9]+)?)\s*(ms|s)`)

func errorEvent(detail *serverErrorDetail) Event {
	se := &ServerError{Message: "unknown error"}
	if detail != nil {
		se.Type = detail.Type
		se.Code = detail.Code
		se.EventID = detail.EventID
		if detail.Message != "" {
			se.Message = detail.Message
		}
	}

	code := strings.ToLower(se.Code + " " + se.Type)
	msg := strings.ToLower(se.Message)
	switch {
	case strings.Contains(code, "rate_limit") || strings.Contains(msg, "rate limit"):
		return Event{Kind: EventRateLimitError, Err: se, RetryAfter: retryAfter(se.Message)}
	case strings.Contains(code, "session_expired") || strings.Contains(msg, "session expired") ||
		strings.Contains(msg, "maximum duration"):
		return Event{Kind: EventSessionExpired, Err: se}
	default:
		return Event{Kind: EventError, Err: se}
	}
}

func retryAfter(message string) time.Duration {
	m := retryAfterPattern.FindStringSubmatch(message)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	if strings.EqualFold(m[2], "ms") {
		return time.Duration(v * float64(time.Millisecond))
	}
	return time.Duration(v * float64(time.Second))
}
