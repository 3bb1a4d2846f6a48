// Package app wires the voiceorder subsystems into running binaries.
//
// App owns the voice client lifecycle: New builds the credential manager,
// transport, journal and orchestrator from the config, Run serves the
// background loops until the context is cancelled, and Shutdown tears
// everything down in order. TokenServer does the same for the credential
// service.
//
// For testing, inject doubles via functional options (WithFetcher,
// WithTransport, WithJournal, ...). When an option is not provided, New
// creates the real implementation from the config and the registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voiceorder/internal/config"
	"github.com/MrWong99/voiceorder/internal/fsm"
	"github.com/MrWong99/voiceorder/internal/health"
	"github.com/MrWong99/voiceorder/internal/journal"
	"github.com/MrWong99/voiceorder/internal/observe"
	"github.com/MrWong99/voiceorder/internal/orchestrator"
	"github.com/MrWong99/voiceorder/pkg/audio"
	"github.com/MrWong99/voiceorder/pkg/audio/playback"
	"github.com/MrWong99/voiceorder/pkg/clock"
	"github.com/MrWong99/voiceorder/pkg/credential"
	"github.com/MrWong99/voiceorder/pkg/eventbus"
	"github.com/MrWong99/voiceorder/pkg/transport"
)

// journalBuffer is the event subscription buffer of the journal recorder.
const journalBuffer = 256

// App owns all subsystem lifetimes of the voice client.
type App struct {
	cfg      *config.Config
	reg      *config.Registry
	clk      clock.Clock
	metrics  *observe.Metrics
	logLevel *slog.LevelVar

	fetcher credential.Fetcher
	source  audio.Source
	tr      transport.Transport
	store   journal.Store
	playOut io.Writer

	// Subsystems built in New.
	creds      *credential.Manager
	orch       *orchestrator.Orchestrator
	recorder   *journal.Recorder
	journalSub *eventbus.Subscription[orchestrator.Event]
	playSub    *playback.Subscription

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry uses reg instead of a registry holding [RegisterBuiltins].
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.reg = reg }
}

// WithFetcher injects a credential fetcher instead of the HTTP fetcher
// built from voice.credential_url.
func WithFetcher(f credential.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithSource sets the microphone capture source handed to the transport.
func WithSource(src audio.Source) Option {
	return func(a *App) { a.source = src }
}

// WithTransport injects a transport instead of creating one from config.
// The caller keeps ownership.
func WithTransport(tr transport.Transport) Option {
	return func(a *App) { a.tr = tr }
}

// WithJournal injects a journal store instead of opening one from config.
// The caller keeps ownership.
func WithJournal(s journal.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPlaybackWriter copies assistant audio as raw PCM16 to w.
func WithPlaybackWriter(w io.Writer) Option {
	return func(a *App) { a.playOut = w }
}

// WithClock replaces the wall clock of the credential manager and the
// orchestrator.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clk = c }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets config reloads adjust the level of the running logger.
func WithLogLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It performs no
// network I/O except opening the configured journal.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, clk: clock.Real{}}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
		RegisterBuiltins(a.reg)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Credentials ───────────────────────────────────────────────────
	if a.fetcher == nil {
		a.fetcher = NewFetcher(ctx, cfg.Voice)
	}
	a.creds = credential.NewManager(a.fetcher, cfg.Voice.Policy(),
		credential.WithClock(a.clk),
		credential.WithRefreshLead(cfg.Voice.RefreshLead),
		credential.WithOnRefreshFailed(func(err error) { a.orch.NotifyRefreshFailed(err) }),
		credential.WithOnRefreshed(func(c credential.Credential) { a.orch.NotifyRefreshed(c) }),
	)

	// ── 2. Transport ─────────────────────────────────────────────────────
	if err := a.initTransport(); err != nil {
		return nil, fmt.Errorf("app: init transport: %w", err)
	}

	// ── 3. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		_ = a.closeAll()
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 4. Orchestrator ──────────────────────────────────────────────────
	a.orch = orchestrator.New(a.creds, a.tr,
		orchestrator.WithClock(a.clk),
		orchestrator.WithTimeouts(cfg.Voice.Timeouts.FSM()),
		orchestrator.WithRetryPolicy(cfg.Voice.Reconnect.RetryPolicy()),
		orchestrator.WithMetrics(a.metrics),
	)
	a.closers = append([]func() error{a.orch.Close}, a.closers...)

	// Subscribe before anything can connect so no event is missed.
	if a.recorder != nil {
		a.journalSub = a.orch.Events("journal", journalBuffer)
	}
	if a.playOut != nil {
		a.playSub = a.orch.Playback().Subscribe(playback.DefaultSubscriberBuffer)
	}

	slog.Info("app: voice client ready",
		"restaurant_id", cfg.Voice.RestaurantID,
		"transport", transportName(cfg.Voice.Transport),
		"turn_detection", cfg.Voice.Policy().TurnDetection,
		"journal", string(cfg.Journal.Driver),
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initTransport() error {
	if a.tr != nil {
		return nil
	}
	tr, err := a.reg.CreateTransport(a.cfg.Voice.Transport, a.source)
	if err != nil {
		return err
	}
	a.tr = tr
	if c, ok := tr.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return nil
}

func (a *App) initJournal(ctx context.Context) error {
	if a.store == nil {
		if a.cfg.Journal.Driver == "" {
			return nil
		}
		store, err := a.reg.CreateJournal(ctx, a.cfg.Journal)
		if err != nil {
			return err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	}
	a.recorder = journal.NewRecorder(a.store)
	return nil
}

func transportName(t config.TransportConfig) string {
	if t.Name == "" {
		return "webrtc"
	}
	return t.Name
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Orchestrator returns the session orchestrator driven by the UI.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Recorder returns the journal recorder, or nil when journaling is disabled.
func (a *App) Recorder() *journal.Recorder { return a.recorder }

// Handler returns the HTTP routes served on server.listen_addr: health
// probes and, unless metrics_addr is set, /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	health.New([]health.Checker{
		health.Func("session", a.checkSession),
		health.Func("credential", a.checkCredential),
	}).Register(mux)
	if a.cfg.Server.MetricsAddr == "" {
		mux.Handle("GET /metrics", MetricsHandler())
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) checkSession(context.Context) error {
	s := a.orch.Snapshot()
	if s.State == fsm.Error || s.State == fsm.Timeout {
		if s.LastError != nil {
			return fmt.Errorf("state %s: %s", s.State, s.LastError.Message)
		}
		return fmt.Errorf("state %s", s.State)
	}
	return nil
}

func (a *App) checkCredential(context.Context) error {
	if !a.creds.IsValid() {
		return credential.ErrNoCredential
	}
	return nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the journal recorder, audio playback and HTTP endpoints until
// ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.journalSub != nil {
		g.Go(func() error {
			defer a.journalSub.Cancel()
			return a.recorder.Run(ctx, a.journalSub.C)
		})
	}

	if a.playSub != nil {
		g.Go(func() error {
			// WriterSink logs its own failure. A broken player does not end
			// the session.
			_ = playback.WriterSink(ctx, a.playSub, a.playOut)
			return nil
		})
	}

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		h := a.Handler()
		g.Go(func() error { return serve(ctx, "voiceorder", addr, a.cfg.Server.TLS, h) })
	}
	if addr := a.cfg.Server.MetricsAddr; addr != "" {
		g.Go(func() error { return serve(ctx, "metrics", addr, nil, MetricsHandler()) })
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// ApplyConfig applies the hot-reloadable parts of a changed config. It is
// meant as the [config.Watcher] callback.
func (a *App) ApplyConfig(_, next *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(diff.NewLogLevel))
		slog.Info("app: log level changed", "level", string(diff.NewLogLevel))
	}
	if diff.PolicyChanged {
		a.creds.SetPolicy(next.Voice.Policy())
		slog.Info("app: session policy changed, applies to the next connection")
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("app: config sections changed that need a restart", "sections", diff.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown disconnects the session and releases every owned resource. It
// is idempotent.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- a.closeAll() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.creds.ClearRefresh()
	return errors.Join(errs...)
}
