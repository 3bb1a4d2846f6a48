package app

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voiceorder/internal/config"
	"github.com/MrWong99/voiceorder/internal/journal"
	"github.com/MrWong99/voiceorder/internal/journal/postgres"
	"github.com/MrWong99/voiceorder/internal/journal/sqlite"
	"github.com/MrWong99/voiceorder/pkg/audio"
	"github.com/MrWong99/voiceorder/pkg/transport"
	"github.com/MrWong99/voiceorder/pkg/transport/webrtc"
	"github.com/MrWong99/voiceorder/pkg/transport/websocket"
)

// RegisterBuiltins wires the transports and journal stores that ship with
// voiceorder into reg.
func RegisterBuiltins(reg *config.Registry) {
	// ── Transports ────────────────────────────────────────────────────────────

	reg.RegisterTransport("webrtc", func(cfg config.TransportConfig, src audio.Source) (transport.Transport, error) {
		opts := []webrtc.Option{
			webrtc.WithBaseURL(cfg.BaseURL),
			webrtc.WithModel(cfg.Model),
			webrtc.WithConnectTimeout(cfg.ConnectTimeout),
		}
		if src != nil {
			opts = append(opts, webrtc.WithSource(src))
		}
		if len(cfg.ICEServers) > 0 {
			opts = append(opts, webrtc.WithICEServers(cfg.ICEServers...))
		}
		return webrtc.New(opts...), nil
	})

	reg.RegisterTransport("websocket", func(cfg config.TransportConfig, src audio.Source) (transport.Transport, error) {
		opts := []websocket.Option{
			websocket.WithBaseURL(cfg.BaseURL),
			websocket.WithModel(cfg.Model),
			websocket.WithDialTimeout(cfg.ConnectTimeout),
		}
		if src != nil {
			opts = append(opts, websocket.WithSource(src))
		}
		if len(cfg.ICEServers) > 0 {
			slog.Warn("app: ice_servers ignored by the websocket transport")
		}
		return websocket.New(opts...), nil
	})

	// ── Journals ──────────────────────────────────────────────────────────────

	reg.RegisterJournal(config.JournalMemory, func(context.Context, config.JournalConfig) (journal.Store, error) {
		return journal.NewMemoryStore(), nil
	})

	reg.RegisterJournal(config.JournalPostgres, func(ctx context.Context, cfg config.JournalConfig) (journal.Store, error) {
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	reg.RegisterJournal(config.JournalSQLite, func(_ context.Context, cfg config.JournalConfig) (journal.Store, error) {
		s, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}
