package config_test

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voiceorder/internal/config"
	"github.com/MrWong99/voiceorder/internal/journal"
	"github.com/MrWong99/voiceorder/pkg/audio"
	"github.com/MrWong99/voiceorder/pkg/protocol"
	"github.com/MrWong99/voiceorder/pkg/transport"
	"github.com/MrWong99/voiceorder/pkg/transport/mock"
)

const fullYAML = `
server:
  listen_addr: ":8080"
  metrics_addr: ":9090"
  log_level: debug
  log_format: json
voice:
  credential_url: https://orders.example.com/v1/realtime/credentials
  restaurant_id: luigis
  auth:
    oauth:
      client_id: kiosk-7
      client_secret: s3cret
      token_url: https://auth.example.com/oauth/token
      scopes: ["credentials:mint"]
  transport:
    name: websocket
    model: gpt-4o-realtime-preview
    ice_servers: ["stun:stun.l.google.com:19302"]
    connect_timeout: 8s
  turn_detection: server_vad
  vad_threshold: 0.6
  silence_duration: 700ms
  voice: verse
  instructions: Keep answers under two sentences.
  language: en
  tools:
    - name: add_to_order
      description: Add items.
      parameters:
        type: object
  max_config_bytes: 32768
  refresh_lead: 15s
  timeouts:
    recording: 30s
    awaiting_response: -1s
  reconnect:
    max_retries: 5
    backoff: 500ms
    max_backoff: 10s
journal:
  driver: sqlite
  dsn: /var/lib/voiceorder/journal.sqlite
tokenserver:
  openai_api_key: sk-test
  model: gpt-4o-realtime-preview
  voice: verse
  api_tokens: [kiosk-token]
  restaurants:
    - id: luigis
      name: Luigi's Trattoria
      menu: |
        Espresso 2.50
        Cornetto 1.80
`

func TestLoadFromReader_Full(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.LogFormat != config.LogFormatJSON || cfg.Server.MetricsAddr != ":9090" {
		t.Errorf("server = %+v", cfg.Server)
	}
	v := cfg.Voice
	if v.Auth == nil || v.Auth.OAuth == nil || v.Auth.OAuth.ClientID != "kiosk-7" {
		t.Fatalf("auth = %+v", v.Auth)
	}
	if !slices.Equal(v.Auth.OAuth.Scopes, []string{"credentials:mint"}) {
		t.Errorf("scopes = %v", v.Auth.OAuth.Scopes)
	}
	if v.Transport.ConnectTimeout != 8*time.Second {
		t.Errorf("connect_timeout = %v", v.Transport.ConnectTimeout)
	}
	if v.SilenceDuration != 700*time.Millisecond || v.RefreshLead != 15*time.Second {
		t.Errorf("durations = %v, %v", v.SilenceDuration, v.RefreshLead)
	}
	if cfg.Journal.Driver != config.JournalSQLite {
		t.Errorf("journal driver = %q", cfg.Journal.Driver)
	}
	rs := cfg.TokenServer.Restaurants
	if len(rs) != 1 || !strings.Contains(rs[0].Menu, "Cornetto") {
		t.Errorf("restaurants = %+v", rs)
	}
}

func TestVoiceConfig_Policy(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := cfg.Voice.Policy()
	if p.TurnDetection != protocol.TurnDetectionServerVAD || p.VADThreshold != 0.6 {
		t.Errorf("turn detection = %q threshold %v", p.TurnDetection, p.VADThreshold)
	}
	if p.MaxConfigBytes != 32768 || p.Voice != "verse" || p.Language != "en" {
		t.Errorf("policy = %+v", p)
	}
	if len(p.Tools) != 1 || p.Tools[0].Type != "function" || p.Tools[0].Name != "add_to_order" {
		t.Errorf("tools = %+v", p.Tools)
	}

	var empty config.VoiceConfig
	if got := empty.Policy().TurnDetection; got != protocol.TurnDetectionManual {
		t.Errorf("default turn detection = %q, want manual", got)
	}
}

func TestTimeoutsAndReconnect(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ft := cfg.Voice.Timeouts.FSM()
	if ft.Recording != 30*time.Second || ft.AwaitingResponse != -time.Second || ft.Connect != 0 {
		t.Errorf("fsm timeouts = %+v", ft)
	}
	rp := cfg.Voice.Reconnect.RetryPolicy()
	if rp.MaxRetries != 5 || rp.Backoff != 500*time.Millisecond || rp.MaxBackoff != 10*time.Second {
		t.Errorf("retry policy = %+v", rp)
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Transport(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	var gotCfg config.TransportConfig
	reg.RegisterTransport("webrtc", func(cfg config.TransportConfig, _ audio.Source) (transport.Transport, error) {
		gotCfg = cfg
		return &mock.Transport{}, nil
	})
	reg.RegisterTransport("websocket", func(config.TransportConfig, audio.Source) (transport.Transport, error) {
		return nil, errors.New("boom")
	})

	tr, err := reg.CreateTransport(config.TransportConfig{Model: "m"}, nil)
	if err != nil || tr == nil {
		t.Fatalf("CreateTransport default = %v, %v", tr, err)
	}
	if gotCfg.Model != "m" {
		t.Errorf("factory got %+v", gotCfg)
	}

	if _, err := reg.CreateTransport(config.TransportConfig{Name: "websocket"}, nil); err == nil || err.Error() != "boom" {
		t.Errorf("factory error not propagated: %v", err)
	}

	_, err = reg.CreateTransport(config.TransportConfig{Name: "carrier-pigeon"}, nil)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
	if got := reg.TransportNames(); !slices.Equal(got, []string{"webrtc", "websocket"}) {
		t.Errorf("TransportNames = %v", got)
	}
}

func TestRegistry_Journal(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterJournal(config.JournalMemory, func(context.Context, config.JournalConfig) (journal.Store, error) {
		return journal.NewMemoryStore(), nil
	})

	s, err := reg.CreateJournal(context.Background(), config.JournalConfig{Driver: config.JournalMemory})
	if err != nil {
		t.Fatalf("CreateJournal: %v", err)
	}
	defer s.Close()

	_, err = reg.CreateJournal(context.Background(), config.JournalConfig{Driver: config.JournalPostgres, DSN: "postgres://x"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}
