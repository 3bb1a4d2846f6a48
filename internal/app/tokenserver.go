package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voiceorder/internal/config"
	"github.com/MrWong99/voiceorder/internal/tokenserver"
)

// DefaultTokenServerAddr is used when server.listen_addr is empty.
const DefaultTokenServerAddr = ":8080"

// TokenServer runs the credential service binary.
type TokenServer struct {
	cfg      *config.Config
	srv      *tokenserver.Server
	logLevel *slog.LevelVar
}

// NewTokenServer builds the credential service for cfg. When m is nil an
// OpenAI minter is created from tokenserver.openai_api_key, falling back to
// the OPENAI_API_KEY environment variable. logLevel may be nil.
func NewTokenServer(cfg *config.Config, m tokenserver.Minter, logLevel *slog.LevelVar, opts ...tokenserver.Option) (*TokenServer, error) {
	if m == nil {
		ts := cfg.TokenServer
		key := ts.OpenAIAPIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		minter, err := tokenserver.NewOpenAIMinter(key, tokenserver.WithBaseURL(ts.OpenAIBaseURL))
		if err != nil {
			return nil, fmt.Errorf("app: init minter: %w", err)
		}
		m = minter
	}
	if len(cfg.TokenServer.Restaurants) == 0 {
		return nil, errors.New("app: tokenserver.restaurants must not be empty")
	}
	return &TokenServer{
		cfg:      cfg,
		srv:      tokenserver.New(cfg.TokenServer, m, opts...),
		logLevel: logLevel,
	}, nil
}

// Handler returns every route of the credential service.
func (t *TokenServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if t.cfg.Server.MetricsAddr == "" {
		mux.Handle("GET /metrics", MetricsHandler())
	}
	return t.srv.Handler(mux)
}

// Run serves until ctx is cancelled.
func (t *TokenServer) Run(ctx context.Context) error {
	addr := t.cfg.Server.ListenAddr
	if addr == "" {
		addr = DefaultTokenServerAddr
	}
	g, ctx := errgroup.WithContext(ctx)
	h := t.Handler()
	g.Go(func() error { return serve(ctx, "tokenserver", addr, t.cfg.Server.TLS, h) })
	if maddr := t.cfg.Server.MetricsAddr; maddr != "" {
		g.Go(func() error { return serve(ctx, "metrics", maddr, nil, MetricsHandler()) })
	}
	return g.Wait()
}

// ApplyConfig applies a changed config. It is meant as the
// [config.Watcher] callback.
func (t *TokenServer) ApplyConfig(_, next *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && t.logLevel != nil {
		t.logLevel.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("app: log level changed", "level", string(diff.NewLogLevel))
	}
	// Reload also applies model and voice edits.
	t.srv.Reload(next.TokenServer)
	if len(diff.RestaurantsChanged) > 0 {
		slog.Info("app: restaurants changed", "ids", diff.RestaurantsChanged)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("app: config sections changed that need a restart", "sections", diff.RestartRequired)
	}
}
