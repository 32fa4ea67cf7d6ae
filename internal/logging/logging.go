// Package logging wires structured logging (log/slog) through request and
// background-task contexts, the way the teacher's lib/logger package does,
// and rotates the log file with lumberjack when one is configured.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey struct{}

// New builds the process-global logger. When logFile is non-empty, output is
// duplicated to a rotating file (matching the original's LOG_FILE setting);
// it always also goes to stdout so container log collection keeps working.
func New(level string, logFile string) *slog.Logger {
	var writer io.Writer = os.Stdout
	if logFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		writer = io.MultiWriter(os.Stdout, rotator)
	}

	return slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// AddToContext attaches a logger to ctx so downstream calls can recover it
// with FromContext instead of threading a *slog.Logger through every
// function signature.
func AddToContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext recovers the logger attached by AddToContext, falling back to
// the global default logger if none was attached (e.g. in tests).
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
