package app

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voiceorder/internal/config"
	"github.com/MrWong99/voiceorder/internal/fsm"
	"github.com/MrWong99/voiceorder/internal/journal"
	"github.com/MrWong99/voiceorder/internal/observe"
	"github.com/MrWong99/voiceorder/pkg/clock"
	"github.com/MrWong99/voiceorder/pkg/credential"
	"github.com/MrWong99/voiceorder/pkg/transport/mock"
)

// ── helpers ───────────────────────────────────────────────────────────────────

const (
	msgSessionCreated = `{"type":"session.created","session":{"id":"sess_1"}}`
	msgSessionUpdated = `{"type":"session.updated","session":{"id":"sess_1"}}`
)

type harness struct {
	app *App
	tr  *mock.Transport
	clk *clock.Fake
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{tr: &mock.Transport{}, clk: clock.NewFake(time.Unix(1_700_000_000, 0))}
	fetcher := credential.FetcherFunc(func(context.Context) (credential.Grant, error) {
		return credential.Grant{
			Credential: credential.Credential{Token: "ek_1", ExpiresAt: h.clk.Now().Add(time.Hour)},
			Context:    credential.Context{RestaurantID: "r1", RestaurantName: "Luigi's", Menu: "Espresso 2.50"},
		}, nil
	})
	base := []Option{
		WithFetcher(fetcher),
		WithTransport(h.tr),
		WithClock(h.clk),
		WithMetrics(testMetrics(t)),
	}
	a, err := New(context.Background(), cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.app = a
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return h
}

// run starts App.Run and stops it at cleanup.
func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.app.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	o := h.app.Orchestrator()
	if err := o.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h.tr.Ready()
	h.tr.Message(msgSessionCreated)
	h.tr.Message(msgSessionUpdated)
	o.Flush()
	if got := o.State(); got != fsm.Idle {
		t.Fatalf("state = %s, want IDLE", got)
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestApp_SessionIsJournaled(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Journal: config.JournalConfig{Driver: config.JournalMemory}}
	h := newHarness(t, cfg)
	store, ok := h.app.store.(*journal.MemoryStore)
	if !ok {
		t.Fatalf("store = %T, want the registry's memory store", h.app.store)
	}
	h.run(t)
	h.connect(t)

	id := h.app.Orchestrator().Snapshot().SessionID
	if id == "" {
		t.Fatal("no session id after connect")
	}
	eventually(t, "journal records", func() bool {
		recs, err := store.Recent(context.Background(), id, 0)
		return err == nil && len(recs) >= 3
	})
	if h.app.Recorder().Failures() != 0 {
		t.Errorf("recorder failures = %d", h.app.Recorder().Failures())
	}
}

func TestApp_Readiness(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &config.Config{})
	handler := h.app.Handler()

	if rec := get(t, handler, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	rec := get(t, handler, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz before connect = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "credential") {
		t.Errorf("body = %s", rec.Body.String())
	}

	h.connect(t)
	if rec := get(t, handler, "/readyz"); rec.Code != http.StatusOK {
		t.Fatalf("/readyz when idle = %d, body %s", rec.Code, rec.Body.String())
	}

	h.tr.Message(`{"type":"error","error":{"type":"server_error","message":"boom"}}`)
	h.app.Orchestrator().Flush()
	rec = get(t, handler, "/readyz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz in ERROR = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ERROR") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestApp_MetricsRoute(t *testing.T) {
	t.Parallel()

	h := newHarness(t, &config.Config{})
	if rec := get(t, h.app.Handler(), "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("/metrics = %d", rec.Code)
	}

	sep := newHarness(t, &config.Config{Server: config.ServerConfig{MetricsAddr: "127.0.0.1:0"}})
	if rec := get(t, sep.app.Handler(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("/metrics with metrics_addr = %d, want 404", rec.Code)
	}
}

func TestApp_PlaybackWriter(t *testing.T) {
	t.Parallel()

	out := &syncBuffer{}
	h := newHarness(t, &config.Config{}, WithPlaybackWriter(out))
	h.run(t)
	h.connect(t)

	pcm := []byte{1, 0, 2, 0, 3, 0}
	h.tr.Message(fmt.Sprintf(`{"type":"response.audio.delta","response_id":"resp_1","delta":%q}`,
		base64.StdEncoding.EncodeToString(pcm)))
	eventually(t, "playback bytes", func() bool { return bytes.Equal(out.Bytes(), pcm) })
}

func TestApp_ApplyConfig(t *testing.T) {
	t.Parallel()

	lvl := new(slog.LevelVar)
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	h := newHarness(t, old, WithLogLevel(lvl))

	next := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogDebug},
		Voice:  config.VoiceConfig{Instructions: "Only sell gelato."},
	}
	h.app.ApplyConfig(old, next, config.Diff(old, next))

	if lvl.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", lvl.Level())
	}
	sc, err := h.app.creds.BuildSessionConfig()
	if err != nil {
		t.Fatalf("BuildSessionConfig: %v", err)
	}
	if !strings.Contains(sc.Instructions, "Only sell gelato.") {
		t.Errorf("instructions = %q", sc.Instructions)
	}
}

func TestApp_BackgroundRefreshIsCounted(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := newHarness(t, &config.Config{}, WithMetrics(m))
	h.connect(t)
	// The credential lives an hour and is refreshed shortly before expiry.
	h.clk.Advance(time.Hour)
	h.app.Orchestrator().Flush()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "voiceorder.credential.refreshes" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				counts[status.AsString()] += dp.Value
			}
		}
	}
	if counts["ok"] != 1 || counts["error"] != 0 {
		t.Errorf("credential refreshes = %v, want one ok", counts)
	}
}

func TestApp_UnknownTransport(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{Voice: config.VoiceConfig{Transport: config.TransportConfig{Name: "carrier-pigeon"}}}
	_, err := New(context.Background(), cfg, WithMetrics(testMetrics(t)))
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestApp_BuiltinTransportsAndSQLiteJournal(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"", "webrtc", "websocket"} {
		t.Run("transport "+name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{
				Voice:   config.VoiceConfig{Transport: config.TransportConfig{Name: name}},
				Journal: config.JournalConfig{Driver: config.JournalSQLite, DSN: filepath.Join(t.TempDir(), "journal.db")},
			}
			a, err := New(context.Background(), cfg, WithMetrics(testMetrics(t)))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if a.Recorder() == nil {
				t.Error("sqlite journal configured but no recorder")
			}
			if err := a.Shutdown(context.Background()); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
			if err := a.Shutdown(context.Background()); err != nil {
				t.Errorf("second Shutdown: %v", err)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := SlogLevel(tt.in); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_JSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	lvl := new(slog.LevelVar)
	logger := NewLogger(&buf, config.ServerConfig{LogLevel: config.LogWarn, LogFormat: config.LogFormatJSON}, lvl)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line written at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("output = %s", out)
	}

	lvl.Set(slog.LevelInfo)
	logger.Info("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Error("level change not applied")
	}
}
