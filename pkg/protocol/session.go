package protocol

// TurnDetectionMode selects how the end of a spoken utterance is decided.
type TurnDetectionMode string

const (
	// TurnDetectionManual leaves turn boundaries to the client: the user
	// releases the talk button and the client commits the input buffer.
	TurnDetectionManual TurnDetectionMode = "manual"

	// TurnDetectionServerVAD lets the remote service detect speech
	// boundaries and commit the input buffer on its own.
	TurnDetectionServerVAD TurnDetectionMode = "server_vad"
)

// IsValid reports whether m is a recognised turn detection mode.
func (m TurnDetectionMode) IsValid() bool {
	return m == TurnDetectionManual || m == TurnDetectionServerVAD
}

// TurnDetection is the wire form of the automatic turn detection settings.
// A nil *TurnDetection in [SessionConfig] encodes as JSON null, which disables
// server-side detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	// CreateResponse is always false: responses are requested explicitly
	// once a transcript is final.
	CreateResponse    bool `json:"create_response"`
	InterruptResponse bool `json:"interrupt_response"`
}

// Tool is a callable function definition offered to the remote model.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Transcription enables transcription of the user's input audio.
type Transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

// SessionConfig is the declarative configuration sent once per connection
// with an update-session command. Values are built by the credential manager
// and treated as immutable afterwards.
type SessionConfig struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection"`
	Tools                   []Tool         `json:"tools,omitempty"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
}

// Mode reports the turn detection mode encoded in c.
func (c SessionConfig) Mode() TurnDetectionMode {
	if c.TurnDetection != nil && c.TurnDetection.Type == string(TurnDetectionServerVAD) {
		return TurnDetectionServerVAD
	}
	return TurnDetectionManual
}

// EncodedSize returns the number of bytes c occupies when sent as an
// update-session command.
func (c SessionConfig) EncodedSize() (int, error) {
	data, err := UpdateSession(c).Encode()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}
