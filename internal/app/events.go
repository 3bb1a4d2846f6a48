package app

import (
	"context"
	"log/slog"

	"github.com/MrWong99/voiceorder/internal/orchestrator"
)

// LogEvents writes every session event to logger until events closes or ctx
// is cancelled. It backs the headless mode. Streaming response text is
// logged at debug level only.
func LogEvents(ctx context.Context, logger *slog.Logger, events <-chan orchestrator.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			logEvent(ctx, logger, ev)
		}
	}
}

func logEvent(ctx context.Context, logger *slog.Logger, ev orchestrator.Event) {
	attrs := []slog.Attr{slog.String("event", ev.Kind.String())}
	if ev.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", ev.SessionID))
	}
	level := slog.LevelInfo

	switch ev.Kind {
	case orchestrator.EventStateChanged:
		attrs = append(attrs,
			slog.String("from", ev.From.String()),
			slog.String("to", ev.To.String()),
			slog.String("trigger", ev.Trigger.String()),
		)
		level = slog.LevelDebug
	case orchestrator.EventConnectionChanged:
		attrs = append(attrs, slog.String("connection", string(ev.Connection)))
	case orchestrator.EventTranscript:
		attrs = append(attrs, slog.String("text", ev.Text), slog.Bool("final", ev.IsFinal))
	case orchestrator.EventResponseText:
		attrs = append(attrs, slog.String("text", ev.Text))
		level = slog.LevelDebug
	case orchestrator.EventResponseComplete:
		attrs = append(attrs, slog.String("response_id", ev.ResponseID))
	case orchestrator.EventOrderDetected, orchestrator.EventOrderConfirmed:
		if ev.Order != nil {
			attrs = append(attrs, slog.Int("items", len(ev.Order.Items)), slog.Float64("confidence", ev.Confidence))
		}
	case orchestrator.EventError, orchestrator.EventCredentialRefreshFailed:
		if ev.Err != nil {
			attrs = append(attrs,
				slog.String("kind", ev.Err.Kind.String()),
				slog.String("action", string(ev.Err.Action)),
				slog.String("err", ev.Err.Message),
			)
		}
		level = slog.LevelWarn
	}
	logger.LogAttrs(ctx, level, "session event", attrs...)
}
