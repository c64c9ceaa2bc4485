package hermes

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
)

type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter logs JSON lines to w at the given level.
func NewSlogAdapter(w io.Writer, level string) *SlogAdapter {
	return &SlogAdapter{
		logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})),
	}
}

// NewTextSlogAdapter is used when the output is an interactive terminal.
func NewTextSlogAdapter(w io.Writer, level string) *SlogAdapter {
	return &SlogAdapter{
		logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: ParseLevel(level)})),
	}
}

// With returns an adapter that stamps every record with the given fields.
func (l *SlogAdapter) With(fields map[string]any) *SlogAdapter {
	return &SlogAdapter{logger: l.logger.With(toArgs(fields)...)}
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *SlogAdapter) Debug(ctx context.Context, msg string, fields map[string]any) {
	l.logger.DebugContext(ctx, msg, toArgs(fields)...)
}

func (l *SlogAdapter) Info(ctx context.Context, msg string, fields map[string]any) {
	l.logger.InfoContext(ctx, msg, toArgs(fields)...)
}

func (l *SlogAdapter) Warn(ctx context.Context, msg string, fields map[string]any) {
	l.logger.WarnContext(ctx, msg, toArgs(fields)...)
}

func (l *SlogAdapter) Error(ctx context.Context, msg string, fields map[string]any) {
	l.logger.ErrorContext(ctx, msg, toArgs(fields)...)
}

// toArgs flattens fields in key order so log lines are stable.
func toArgs(fields map[string]any) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}

type NoopLogger struct{}

func NewNoopLogger() *NoopLogger {
	return &NoopLogger{}
}

func (NoopLogger) Debug(ctx context.Context, msg string, fields map[string]any) {}
func (NoopLogger) Info(ctx context.Context, msg string, fields map[string]any)  {}
func (NoopLogger) Warn(ctx context.Context, msg string, fields map[string]any)  {}
func (NoopLogger) Error(ctx context.Context, msg string, fields map[string]any) {}

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) IncCounter(name string, value float64, labels ...Label)       {}
func (m *NoopMetrics) ObserveHistogram(name string, value float64, labels ...Label) {}
func (m *NoopMetrics) SetGauge(name string, value float64, labels ...Label)         {}
