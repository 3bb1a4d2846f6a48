package credential

import (
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/voiceorder/pkg/protocol"
)

// DefaultMaxConfigBytes is the encoded session configuration ceiling used
// when a [Policy] does not set one.
const DefaultMaxConfigBytes = 48 * 1024

// DefaultInstructions is the base behaviour used when a [Policy] has none.
const DefaultInstructions = `You are the voice ordering assistant for a restaurant.
Listen to the guest, answer briefly, and record every ordered item with the add_to_order tool.
When the guest is done, read the order back and call confirm_order once they agree.
Only offer items that appear on the menu.`

// Policy is the static part of the session configuration.
type Policy struct {
	Instructions       string
	Voice              string
	TurnDetection      protocol.TurnDetectionMode
	VADThreshold       float64
	PrefixPadding      time.Duration
	SilenceDuration    time.Duration
	TranscriptionModel string
	Language           string
	Tools              []protocol.Tool
	MaxConfigBytes     int
}

// Build assembles a session configuration from p and c. It is a pure
// function: equal inputs yield deep-equal outputs that share no mutable
// state with p.
func (p Policy) Build(c Context) (protocol.SessionConfig, error) {
	cfg := protocol.SessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      p.instructions(c),
		Voice:             p.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &protocol.Transcription{
			Model:    orDefault(p.TranscriptionModel, "whisper-1"),
			Language: p.Language,
		},
		Tools:      p.tools(),
		ToolChoice: "auto",
	}
	if p.TurnDetection == protocol.TurnDetectionServerVAD {
		cfg.TurnDetection = &protocol.TurnDetection{
			Type:              string(protocol.TurnDetectionServerVAD),
			Threshold:         p.VADThreshold,
			PrefixPaddingMs:   int(p.PrefixPadding / time.Millisecond),
			SilenceDurationMs: int(p.SilenceDuration / time.Millisecond),
		}
	}

	size, err := cfg.EncodedSize()
	if err != nil {
		return protocol.SessionConfig{}, fmt.Errorf("credential: build session config: %w", err)
	}
	limit := p.MaxConfigBytes
	if limit <= 0 {
		limit = DefaultMaxConfigBytes
	}
	if size > limit {
		return protocol.SessionConfig{}, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrConfigTooLarge, size, limit)
	}
	return cfg, nil
}

func (p Policy) instructions(c Context) string {
	var b strings.Builder
	b.WriteString(orDefault(p.Instructions, DefaultInstructions))
	if c.RestaurantName != "" {
		b.WriteString("\n\nRestaurant: ")
		b.WriteString(c.RestaurantName)
	}
	if menu := strings.TrimSpace(c.Menu); menu != "" {
		b.WriteString("\n\nMenu:\n")
		b.WriteString(menu)
	}
	return b.String()
}

func (p Policy) tools() []protocol.Tool {
	src := p.Tools
	if len(src) == 0 {
		src = DefaultTools()
	}
	out := make([]protocol.Tool, len(src))
	for i, t := range src {
		out[i] = protocol.Tool{
			Type:        orDefault(t.Type, "function"),
			Name:        t.Name,
			Description: t.Description,
			Parameters:  cloneMap(t.Parameters),
		}
	}
	return out
}

// DefaultTools returns the order-taking function definitions.
func DefaultTools() []protocol.Tool {
	item := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":      map[string]any{"type": "string", "description": "Menu item name."},
			"quantity":  map[string]any{"type": "integer", "minimum": 1},
			"modifiers": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"notes":     map[string]any{"type": "string"},
		},
		"required": []any{"name", "quantity"},
	}
	return []protocol.Tool{
		{
			Type:        "function",
			Name:        protocol.ToolAddToOrder,
			Description: "Add one or more items the guest ordered.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"items":      map[string]any{"type": "array", "items": item},
					"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				},
				"required": []any{"items"},
			},
		},
		{
			Type:        "function",
			Name:        protocol.ToolConfirmOrder,
			Description: "Confirm the complete order after the guest agreed to the read-back.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"items": map[string]any{"type": "array", "items": cloneMap(item)},
				},
			},
		},
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	default:
		return v
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
