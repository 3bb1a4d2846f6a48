package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/voiceorder/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr []string // substrings that must appear in the error
	}{
		{
			name: "empty document",
			yaml: ``,
		},
		{
			name: "invalid log level",
			yaml: `
server:
  log_level: loud
`,
			wantErr: []string{"server.log_level"},
		},
		{
			name: "invalid log format",
			yaml: `
server:
  log_format: xml
`,
			wantErr: []string{"server.log_format"},
		},
		{
			name: "tls without key",
			yaml: `
server:
  tls:
    cert_file: /etc/tls/cert.pem
`,
			wantErr: []string{"server.tls"},
		},
		{
			name: "relative credential url",
			yaml: `
voice:
  credential_url: /v1/realtime/credentials
`,
			wantErr: []string{"voice.credential_url"},
		},
		{
			name: "fallback urls",
			yaml: `
voice:
  fallback_credential_urls: ["ftp://backup"]
`,
			wantErr: []string{"needs voice.credential_url", "voice.fallback_credential_urls[0]"},
		},
		{
			name: "token and oauth together",
			yaml: `
voice:
  auth:
    token: abc
    oauth:
      client_id: kiosk
      token_url: https://auth.example.com/token
`,
			wantErr: []string{"mutually exclusive"},
		},
		{
			name: "oauth missing fields",
			yaml: `
voice:
  auth:
    oauth:
      client_secret: s3cret
`,
			wantErr: []string{"client_id is required", "token_url is required"},
		},
		{
			name: "invalid turn detection",
			yaml: `
voice:
  turn_detection: semantic
`,
			wantErr: []string{"voice.turn_detection"},
		},
		{
			name: "vad threshold out of range",
			yaml: `
voice:
  turn_detection: server_vad
  vad_threshold: 1.5
`,
			wantErr: []string{"voice.vad_threshold"},
		},
		{
			name: "duplicate and unnamed tools",
			yaml: `
voice:
  tools:
    - name: add_to_order
    - name: add_to_order
    - description: nameless
`,
			wantErr: []string{"duplicate", "voice.tools[2].name is required"},
		},
		{
			name: "max backoff below backoff",
			yaml: `
voice:
  reconnect:
    backoff: 10s
    max_backoff: 2s
`,
			wantErr: []string{"max_backoff"},
		},
		{
			name: "journal driver without dsn",
			yaml: `
journal:
  driver: postgres
`,
			wantErr: []string{"journal.dsn is required"},
		},
		{
			name: "memory journal needs no dsn",
			yaml: `
journal:
  driver: memory
`,
		},
		{
			name: "unknown journal driver",
			yaml: `
journal:
  driver: mongodb
  dsn: mongodb://localhost
`,
			wantErr: []string{"journal.driver"},
		},
		{
			name: "restaurant problems",
			yaml: `
tokenserver:
  openai_api_key: sk-test
  restaurants:
    - id: luigis
      name: Luigi's
      menu: Espresso
      menu_file: menu.txt
    - id: luigis
      name: Luigi's Two
    - name: Nameless
`,
			wantErr: []string{"mutually exclusive", "duplicate", "restaurants[2].id is required"},
		},
		{
			name: "unknown field",
			yaml: `
voice:
  credentials_url: https://example.com
`,
			wantErr: []string{"credentials_url"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error %q does not mention %q", err, want)
				}
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
voice:
  turn_detection: semantic
journal:
  driver: sqlite
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "voice.turn_detection", "journal.dsn"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error should mention %q, got: %v", want, err)
		}
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "voiceorder.yaml")
	if err := os.WriteFile(path, []byte("server:\n  log_level: warn\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log_level = %q", cfg.Server.LogLevel)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config: open") {
		t.Errorf("err = %v, want open error", err)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Voice.RestaurantID != "luigis" || len(cfg.TokenServer.Restaurants) != 1 {
		t.Errorf("voice = %+v restaurants = %+v", cfg.Voice, cfg.TokenServer.Restaurants)
	}
	if cfg.Journal.Driver != config.JournalSQLite {
		t.Errorf("journal driver = %q", cfg.Journal.Driver)
	}
}
