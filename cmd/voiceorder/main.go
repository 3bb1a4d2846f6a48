// Command voiceorder is the push-to-talk voice ordering client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voiceorder/internal/app"
	"github.com/MrWong99/voiceorder/internal/config"
	"github.com/MrWong99/voiceorder/internal/observe"
	"github.com/MrWong99/voiceorder/internal/tui"
	"github.com/MrWong99/voiceorder/pkg/audio"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voiceorder.yaml", "path to the YAML configuration file")
	headless := flag.Bool("headless", false, "run without the terminal UI, listening hands-free (needs turn_detection: server_vad)")
	micPath := flag.String("mic", "", "raw PCM16 24 kHz mono microphone input (file, FIFO or - for stdin)")
	speakerPath := flag.String("speaker", "", "write assistant audio as raw PCM16 24 kHz mono to this file or FIFO")
	logPath := flag.String("log-file", "", "write logs to this file (the terminal UI discards logs otherwise)")
	watch := flag.Bool("watch", true, "reload the config file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voiceorder: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voiceorder: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logOut, closeLog, err := logWriter(*logPath, *headless)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceorder: %v\n", err)
		return 1
	}
	defer closeLog()
	lvl := new(slog.LevelVar)
	logger := app.NewLogger(logOut, cfg.Server, lvl)
	slog.SetDefault(logger)

	slog.Info("voiceorder starting",
		"config", *configPath,
		"restaurant_id", cfg.Voice.RestaurantID,
		"headless", *headless,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voiceorder"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	opts := []app.Option{app.WithLogLevel(lvl)}
	if *micPath != "" {
		r, closeMic, err := openInput(*micPath)
		if err != nil {
			slog.Error("failed to open microphone input", "path", *micPath, "err", err)
			return 1
		}
		defer closeMic()
		opts = append(opts, app.WithSource(audio.NewReaderSource(r, audio.FormatRealtime)))
	}
	if *speakerPath != "" {
		f, err := os.OpenFile(*speakerPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("failed to open speaker output", "path", *speakerPath, "err", err)
			return 1
		}
		defer f.Close()
		opts = append(opts, app.WithPlaybackWriter(f))
	}

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	uiCtx, stopUI := context.WithCancel(gctx)
	defer stopUI()

	g.Go(func() error { return application.Run(uiCtx) })
	g.Go(func() error {
		// Leaving the UI ends the process.
		defer stopUI()
		if *headless {
			return runHeadless(uiCtx, application, cfg, logger)
		}
		return runTUI(uiCtx, application, cfg)
	})

	exit := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		exit = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		exit = 1
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return exit
}

// ── Modes ─────────────────────────────────────────────────────────────────────

func runTUI(ctx context.Context, application *app.App, cfg *config.Config) error {
	orch := application.Orchestrator()
	sub := orch.Events("tui", 256)
	defer sub.Cancel()

	m := tui.New(ctx, orch, sub.C, cfg.Voice.RestaurantID)
	m.SetMode(cfg.Voice.Policy().TurnDetection)
	return tui.Run(ctx, m)
}

func runHeadless(ctx context.Context, application *app.App, cfg *config.Config, logger *slog.Logger) error {
	if err := app.CheckHandsFree(cfg.Voice.Policy().TurnDetection); err != nil {
		return err
	}
	orch := application.Orchestrator()
	sub := orch.Events("headless", 256)
	defer sub.Cancel()
	go app.LogEvents(ctx, logger, sub.C)

	turns := orch.Events("hands-free", 16)
	defer turns.Cancel()
	go app.HandsFree(ctx, orch, turns.C)

	if err := orch.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	<-ctx.Done()
	return orch.Disconnect()
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// logWriter returns where logs go. The terminal UI owns stderr, so without a
// log file its logs are discarded.
func logWriter(path string, headless bool) (io.Writer, func(), error) {
	if path == "" {
		if headless {
			return os.Stderr, func() {}, nil
		}
		return io.Discard, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// openInput opens path for reading; "-" is stdin.
func openInput(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
