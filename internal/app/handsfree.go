package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voiceorder/internal/fsm"
	"github.com/MrWong99/voiceorder/internal/orchestrator"
	"github.com/MrWong99/voiceorder/pkg/protocol"
)

// ErrHandsFreeManual is returned by [CheckHandsFree] for push-to-talk
// sessions, which need someone to press the key.
var ErrHandsFreeManual = errors.New("app: hands-free mode needs turn_detection: server_vad")

// Recorder opens a turn.
type Recorder interface {
	StartRecording() error
}

// CheckHandsFree reports whether mode can run without a terminal.
func CheckHandsFree(mode protocol.TurnDetectionMode) error {
	if mode != protocol.TurnDetectionServerVAD {
		return fmt.Errorf("%w (got %q)", ErrHandsFreeManual, mode)
	}
	return nil
}

// HandsFree keeps a server_vad session listening. Every return to IDLE
// opens the next turn: session ready, a completed response, a recording
// timeout and a reconnect all end there. The server's voice activity
// detection then closes each turn. HandsFree returns when events closes or
// ctx is cancelled.
func HandsFree(ctx context.Context, rec Recorder, events <-chan orchestrator.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != orchestrator.EventStateChanged || ev.To != fsm.Idle {
				continue
			}
			if err := rec.StartRecording(); err != nil {
				// A command that raced the event already left IDLE.
				if errors.Is(err, fsm.ErrGuard) || errors.Is(err, orchestrator.ErrSessionNotReady) {
					slog.Debug("app: hands-free turn skipped", "err", err)
					continue
				}
				slog.Warn("app: hands-free start recording failed", "err", err)
			}
		}
	}
}
