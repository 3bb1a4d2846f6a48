package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/voiceorder/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":8080", LogLevel: config.LogInfo},
		Voice: config.VoiceConfig{
			CredentialURL: "https://orders.example.com/creds",
			RestaurantID:  "luigis",
			Instructions:  "Be brief.",
			Transport:     config.TransportConfig{Name: "webrtc", ICEServers: []string{"stun:a"}},
		},
		TokenServer: config.TokenServerConfig{
			APITokens: []string{"t1"},
			Restaurants: []config.RestaurantConfig{
				{ID: "luigis", Name: "Luigi's", Menu: "Espresso"},
				{ID: "marios", Name: "Mario's", MenuFile: "marios.txt"},
			},
		},
	}
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("identical configs reported a change: %+v", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(t *testing.T, d config.ConfigDiff)
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("diff = %+v", d)
				}
				if len(d.RestartRequired) != 0 {
					t.Errorf("log level change should not need a restart: %v", d.RestartRequired)
				}
			},
		},
		{
			name:   "instructions",
			mutate: func(c *config.Config) { c.Voice.Instructions = "Be chatty." },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.PolicyChanged || len(d.RestartRequired) != 0 {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "transport",
			mutate: func(c *config.Config) { c.Voice.Transport.ICEServers = []string{"stun:b"} },
			check: func(t *testing.T, d config.ConfigDiff) {
				if d.PolicyChanged || !slices.Equal(d.RestartRequired, []string{"voice"}) {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "listen address",
			mutate: func(c *config.Config) { c.Server.ListenAddr = ":9000" },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !slices.Equal(d.RestartRequired, []string{"server"}) {
					t.Errorf("RestartRequired = %v", d.RestartRequired)
				}
			},
		},
		{
			name: "restaurants",
			mutate: func(c *config.Config) {
				c.TokenServer.Restaurants = []config.RestaurantConfig{
					{ID: "luigis", Name: "Luigi's", Menu: "Espresso\nCornetto"},
					{ID: "paolos", Name: "Paolo's"},
				}
			},
			check: func(t *testing.T, d config.ConfigDiff) {
				if !slices.Equal(d.RestaurantsChanged, []string{"luigis", "marios", "paolos"}) {
					t.Errorf("RestaurantsChanged = %v", d.RestaurantsChanged)
				}
			},
		},
		{
			name:   "api tokens",
			mutate: func(c *config.Config) { c.TokenServer.APITokens = append(c.TokenServer.APITokens, "t2") },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.APITokensChanged {
					t.Errorf("diff = %+v", d)
				}
			},
		},
		{
			name:   "journal",
			mutate: func(c *config.Config) { c.Journal = config.JournalConfig{Driver: config.JournalMemory} },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !slices.Equal(d.RestartRequired, []string{"journal"}) {
					t.Errorf("RestartRequired = %v", d.RestartRequired)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := baseConfig()
			tt.mutate(next)
			d := config.Diff(baseConfig(), next)
			if !d.Changed() {
				t.Fatal("Changed() = false")
			}
			tt.check(t, d)
		})
	}
}
