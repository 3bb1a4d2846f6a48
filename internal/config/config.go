// Package config provides the configuration schema, loader, watcher and
// factory registry for the voiceorder client and credential server.
package config

import (
	"time"

	"github.com/MrWong99/voiceorder/internal/fsm"
	"github.com/MrWong99/voiceorder/internal/resilience"
	"github.com/MrWong99/voiceorder/pkg/credential"
	"github.com/MrWong99/voiceorder/pkg/protocol"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// JournalDriver selects the session journal backend.
type JournalDriver string

const (
	JournalMemory   JournalDriver = "memory"
	JournalPostgres JournalDriver = "postgres"
	JournalSQLite   JournalDriver = "sqlite"
)

// IsValid reports whether d is a recognised journal driver.
func (d JournalDriver) IsValid() bool {
	switch d {
	case JournalMemory, JournalPostgres, JournalSQLite:
		return true
	}
	return false
}

// Config is the root configuration structure shared by both binaries.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Voice       VoiceConfig       `yaml:"voice"`
	Journal     JournalConfig     `yaml:"journal"`
	TokenServer TokenServerConfig `yaml:"tokenserver"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g., ":8080").
	// The voice client only serves health endpoints when it is set.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr serves /metrics on a separate listener when set. When
	// empty, /metrics is mounted on ListenAddr.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text (default) or JSON log lines.
	LogFormat LogFormat `yaml:"log_format"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// VoiceConfig configures the voice ordering client.
type VoiceConfig struct {
	// CredentialURL is the credential service endpoint.
	CredentialURL string `yaml:"credential_url"`

	// FallbackCredentialURLs are tried in order when CredentialURL is
	// unreachable.
	FallbackCredentialURLs []string `yaml:"fallback_credential_urls"`

	// RestaurantID is sent with every credential request.
	RestaurantID string `yaml:"restaurant_id"`

	// Auth configures how the client authenticates to the credential
	// service. When nil, requests are sent without authentication.
	Auth *AuthConfig `yaml:"auth"`

	// Transport selects the media transport.
	Transport TransportConfig `yaml:"transport"`

	// TurnDetection is manual (push-to-talk, default) or server_vad.
	TurnDetection protocol.TurnDetectionMode `yaml:"turn_detection"`

	// VADThreshold, PrefixPadding and SilenceDuration tune server_vad.
	VADThreshold    float64       `yaml:"vad_threshold"`
	PrefixPadding   time.Duration `yaml:"prefix_padding"`
	SilenceDuration time.Duration `yaml:"silence_duration"`

	// Voice is the assistant voice name (e.g., "alloy").
	Voice string `yaml:"voice"`

	// Instructions replaces the built-in assistant instructions.
	Instructions string `yaml:"instructions"`

	// Language is the transcription language hint (ISO-639-1).
	Language string `yaml:"language"`

	// TranscriptionModel overrides the input transcription model.
	TranscriptionModel string `yaml:"transcription_model"`

	// Tools replaces the built-in order tools when non-empty.
	Tools []ToolConfig `yaml:"tools"`

	// MaxConfigBytes caps the encoded session configuration. Zero uses
	// [credential.DefaultMaxConfigBytes].
	MaxConfigBytes int `yaml:"max_config_bytes"`

	// RefreshLead is how long before expiry the credential is refreshed.
	RefreshLead time.Duration `yaml:"refresh_lead"`

	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// AuthConfig configures credential service authentication.
type AuthConfig struct {
	// Token is a static Bearer token sent in the Authorization header of every
	// request. Mutually exclusive with OAuth.
	Token string `yaml:"token"`

	// OAuth configures the client-credentials flow for obtaining tokens
	// dynamically.
	OAuth *OAuthConfig `yaml:"oauth"`
}

// OAuthConfig configures the OAuth 2 client-credentials flow.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`

	// TokenURL is the authorization server's token endpoint
	// (e.g., "https://auth.example.com/oauth/token").
	TokenURL string `yaml:"token_url"`

	// Scopes lists the OAuth scopes to request. May be empty.
	Scopes []string `yaml:"scopes"`
}

// TransportConfig selects a registered media transport. The Name field is
// used to look up the constructor in the [Registry].
type TransportConfig struct {
	// Name selects the transport ("webrtc" or "websocket"). Empty means webrtc.
	Name string `yaml:"name"`

	// BaseURL overrides the realtime endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the realtime model.
	Model string `yaml:"model"`

	// ICEServers lists STUN/TURN URLs for the webrtc transport.
	ICEServers []string `yaml:"ice_servers"`

	// ConnectTimeout bounds the transport handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// Options holds transport-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// ToolConfig declares a function tool offered to the assistant.
type ToolConfig struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`
}

// TimeoutsConfig sets per-state deadlines. Zero values use the defaults;
// negative values disable a deadline.
type TimeoutsConfig struct {
	Connect            time.Duration `yaml:"connect"`
	SessionCreated     time.Duration `yaml:"session_created"`
	SessionReady       time.Duration `yaml:"session_ready"`
	Recording          time.Duration `yaml:"recording"`
	AwaitingTranscript time.Duration `yaml:"awaiting_transcript"`
	AwaitingResponse   time.Duration `yaml:"awaiting_response"`
}

// ReconnectConfig bounds automatic reconnects.
type ReconnectConfig struct {
	// MaxRetries is the number of attempts after a failure. Zero uses the
	// default; negative disables automatic reconnects.
	MaxRetries int           `yaml:"max_retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// JournalConfig selects where session journals are written.
type JournalConfig struct {
	// Driver is memory, postgres or sqlite. Empty disables the journal.
	Driver JournalDriver `yaml:"driver"`

	// DSN is the postgres connection string or the sqlite file path.
	DSN string `yaml:"dsn"`
}

// TokenServerConfig configures the credential service.
type TokenServerConfig struct {
	// OpenAIAPIKey mints ephemeral keys. Falls back to OPENAI_API_KEY.
	OpenAIAPIKey string `yaml:"openai_api_key"`

	// OpenAIBaseURL overrides the OpenAI API endpoint.
	OpenAIBaseURL string `yaml:"openai_base_url"`

	// Model and Voice are requested for every minted session.
	Model string `yaml:"model"`
	Voice string `yaml:"voice"`

	// APITokens lists accepted Bearer tokens. Empty disables caller auth.
	APITokens []string `yaml:"api_tokens"`

	// Restaurants lists the tenants credentials can be minted for.
	Restaurants []RestaurantConfig `yaml:"restaurants"`
}

// RestaurantConfig describes one tenant.
type RestaurantConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Menu is inline menu text. Mutually exclusive with MenuFile.
	Menu string `yaml:"menu"`

	// MenuFile is read on every mint so menu edits apply without restart.
	MenuFile string `yaml:"menu_file"`
}

// ── Conversions ───────────────────────────────────────────────────────────────

// Policy returns the static session policy for v.
func (v VoiceConfig) Policy() credential.Policy {
	p := credential.Policy{
		Instructions:       v.Instructions,
		Voice:              v.Voice,
		TurnDetection:      v.TurnDetection,
		VADThreshold:       v.VADThreshold,
		PrefixPadding:      v.PrefixPadding,
		SilenceDuration:    v.SilenceDuration,
		TranscriptionModel: v.TranscriptionModel,
		Language:           v.Language,
		MaxConfigBytes:     v.MaxConfigBytes,
	}
	if p.TurnDetection == "" {
		p.TurnDetection = protocol.TurnDetectionManual
	}
	for _, t := range v.Tools {
		p.Tools = append(p.Tools, protocol.Tool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return p
}

// FSM converts t to state machine timeouts.
func (t TimeoutsConfig) FSM() fsm.Timeouts {
	return fsm.Timeouts{
		Connect:            t.Connect,
		SessionCreated:     t.SessionCreated,
		SessionReady:       t.SessionReady,
		Recording:          t.Recording,
		AwaitingTranscript: t.AwaitingTranscript,
		AwaitingResponse:   t.AwaitingResponse,
	}
}

// RetryPolicy converts r to a retry policy.
func (r ReconnectConfig) RetryPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxRetries: r.MaxRetries,
		Backoff:    r.Backoff,
		MaxBackoff: r.MaxBackoff,
	}
}
