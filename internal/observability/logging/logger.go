package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewJSONLogger writes one JSON object per line to stdout. format "console"
// switches to the human-readable writer for local runs.
func NewJSONLogger(service, level, format string) *zerolog.Logger {
	var out io.Writer = os.Stdout
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return newLogger(out, service, level)
}

func newLogger(out io.Writer, service, level string) *zerolog.Logger {
	logger := zerolog.New(out).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Str("service", service).
		Logger()
	return &logger
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxUserID    ctxKey = "user_id"
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxUserID, id)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxRequestID).(string)
	return v
}

// With returns base enriched with the request-scoped ids found in ctx.
func With(ctx context.Context, base *zerolog.Logger) *zerolog.Logger {
	l := base.With()
	if v, ok := ctx.Value(ctxRequestID).(string); ok && v != "" {
		l = l.Str("request_id", v)
	}
	if v, ok := ctx.Value(ctxUserID).(string); ok && v != "" {
		l = l.Str("user_id", v)
	}
	logger := l.Logger()
	return &logger
}
