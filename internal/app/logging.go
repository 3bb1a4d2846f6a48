package app

import (
	"io"
	"log/slog"

	"github.com/MrWong99/voiceorder/internal/config"
)

// SlogLevel maps a configured log level to its slog level. Unknown and empty
// levels map to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger returns a logger writing to w in the configured format. Its
// level follows lvl, which reloads may change later.
func NewLogger(w io.Writer, srv config.ServerConfig, lvl *slog.LevelVar) *slog.Logger {
	lvl.Set(SlogLevel(srv.LogLevel))
	opts := &slog.HandlerOptions{Level: lvl}
	if srv.LogFormat == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
