package observability

import (
	"log/slog"
	"os"

	"github.com/evasend/wagateway/internal/config"
)

// NewLogger builds the gateway's structured logger. JSON is the default so
// processors can index the decision fields the pipeline logs (auth outcome,
// rate-limit dimension, upstream destination); text is for local runs.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slogLevel(level)}

	var handler slog.Handler
	if format == config.LogFormatText {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// slogLevel maps the config enum onto slog levels; anything unrecognized
// lands on info rather than failing the boot.
func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
