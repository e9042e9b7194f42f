package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures a global slog logger for service, honoring format ("json"
// or "text") and level ("debug"/"info"/"warn"/"error") as resolved by
// internal/config.Load from ORCH_LOG_FORMAT/ORCH_LOG_LEVEL (or their
// config-file/default equivalents) — logging follows the same
// env-then-file-then-default precedence as every other orchestrator knob
// instead of reading its own environment variables independently.
func Init(service, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromString(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "format", format, "level", level)
	return logger
}

func levelFromString(level string) slog.Leveler {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
