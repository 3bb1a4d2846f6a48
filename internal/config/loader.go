package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidTransportNames lists the built-in transports. Used by [Validate] to
// warn about unrecognised names.
var ValidTransportNames = []string{"webrtc", "websocket"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// An empty document yields the zero [Config].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	errs = append(errs, validateVoice(&cfg.Voice)...)

	// Journal
	if cfg.Journal.Driver != "" {
		if !cfg.Journal.Driver.IsValid() {
			errs = append(errs, fmt.Errorf("journal.driver %q is invalid; valid values: memory, postgres, sqlite", cfg.Journal.Driver))
		} else if cfg.Journal.Driver != JournalMemory && cfg.Journal.DSN == "" {
			errs = append(errs, fmt.Errorf("journal.dsn is required when driver is %s", cfg.Journal.Driver))
		}
	}

	errs = append(errs, validateTokenServer(&cfg.TokenServer)...)

	return errors.Join(errs...)
}

func validateVoice(v *VoiceConfig) []error {
	var errs []error

	if v.CredentialURL != "" && !isHTTPURL(v.CredentialURL) {
		errs = append(errs, fmt.Errorf("voice.credential_url %q must be an absolute http(s) URL", v.CredentialURL))
	}
	if len(v.FallbackCredentialURLs) > 0 && v.CredentialURL == "" {
		errs = append(errs, errors.New("voice.fallback_credential_urls needs voice.credential_url"))
	}
	for i, fu := range v.FallbackCredentialURLs {
		if !isHTTPURL(fu) {
			errs = append(errs, fmt.Errorf("voice.fallback_credential_urls[%d] %q must be an absolute http(s) URL", i, fu))
		}
	}

	if a := v.Auth; a != nil {
		if a.Token != "" && a.OAuth != nil {
			errs = append(errs, errors.New("voice.auth.token and voice.auth.oauth are mutually exclusive"))
		}
		if o := a.OAuth; o != nil {
			if o.ClientID == "" {
				errs = append(errs, errors.New("voice.auth.oauth.client_id is required"))
			}
			if o.TokenURL == "" {
				errs = append(errs, errors.New("voice.auth.oauth.token_url is required"))
			}
		}
	}

	validateTransportName(v.Transport.Name)
	if v.Transport.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("voice.transport.connect_timeout %s must not be negative", v.Transport.ConnectTimeout))
	}

	if v.TurnDetection != "" && !v.TurnDetection.IsValid() {
		errs = append(errs, fmt.Errorf("voice.turn_detection %q is invalid; valid values: manual, server_vad", v.TurnDetection))
	}
	if v.VADThreshold < 0 || v.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("voice.vad_threshold %.2f is out of range [0, 1]", v.VADThreshold))
	}
	if v.PrefixPadding < 0 || v.SilenceDuration < 0 {
		errs = append(errs, errors.New("voice.prefix_padding and voice.silence_duration must not be negative"))
	}
	if v.MaxConfigBytes < 0 {
		errs = append(errs, fmt.Errorf("voice.max_config_bytes %d must not be negative", v.MaxConfigBytes))
	}
	if v.RefreshLead < 0 {
		errs = append(errs, fmt.Errorf("voice.refresh_lead %s must not be negative", v.RefreshLead))
	}

	seen := make(map[string]int, len(v.Tools))
	for i, t := range v.Tools {
		prefix := fmt.Sprintf("voice.tools[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[t.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of voice.tools[%d]", prefix, t.Name, prev))
		}
		seen[t.Name] = i
	}

	r := v.Reconnect
	if r.Backoff < 0 || r.MaxBackoff < 0 {
		errs = append(errs, errors.New("voice.reconnect.backoff and voice.reconnect.max_backoff must not be negative"))
	}
	if r.Backoff > 0 && r.MaxBackoff > 0 && r.MaxBackoff < r.Backoff {
		errs = append(errs, fmt.Errorf("voice.reconnect.max_backoff %s is shorter than backoff %s", r.MaxBackoff, r.Backoff))
	}
	return errs
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func validateTokenServer(ts *TokenServerConfig) []error {
	var errs []error
	if ts.OpenAIBaseURL != "" {
		if u, err := url.Parse(ts.OpenAIBaseURL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("tokenserver.openai_base_url %q must be an absolute URL", ts.OpenAIBaseURL))
		}
	}

	seen := make(map[string]int, len(ts.Restaurants))
	for i, r := range ts.Restaurants {
		prefix := fmt.Sprintf("tokenserver.restaurants[%d]", i)
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else {
			if prev, ok := seen[r.ID]; ok {
				errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of tokenserver.restaurants[%d]", prefix, r.ID, prev))
			}
			seen[r.ID] = i
		}
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		if r.Menu != "" && r.MenuFile != "" {
			errs = append(errs, fmt.Errorf("%s: menu and menu_file are mutually exclusive", prefix))
		}
	}

	if len(ts.Restaurants) > 0 && ts.OpenAIAPIKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		slog.Warn("tokenserver.openai_api_key is empty and OPENAI_API_KEY is unset; minting will fail")
	}
	return errs
}

// validateTransportName logs a warning if name is non-empty and not one of
// the built-in transports.
func validateTransportName(name string) {
	if name == "" || slices.Contains(ValidTransportNames, name) {
		return
	}
	slog.Warn("unknown transport name; may be a typo or a third-party transport",
		"name", name,
		"known", ValidTransportNames,
	)
}
