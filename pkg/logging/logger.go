package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type slogLogger struct {
	logger *slog.Logger
	ctx    context.Context
}

// New creates a Logger writing to the output described by cfg. The returned
// closer releases the log file when Output is "file" and is a no-op otherwise.
func New(cfg LogConfig) (Logger, io.Closer, error) {
	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)

	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		w = os.Stderr
	case "file":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("log output is file but no file_path is set")
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w, closer = f, f
	default:
		return nil, nil, fmt.Errorf("unsupported log output: %s", cfg.Output)
	}

	logger, err := NewWithWriter(w, cfg)
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return logger, closer, nil
}

// NewWithWriter creates a Logger that writes to w
func NewWithWriter(w io.Writer, cfg LogConfig) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.IncludeCaller,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}

	return &slogLogger{logger: slog.New(handler), ctx: context.Background()}, nil
}

// Nop returns a Logger that discards everything
func Nop() Logger {
	return &slogLogger{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		ctx:    context.Background(),
	}
}

// ParseLevel maps a level name to a slog level. An empty name means info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug", "trace":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "fatal":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %s", name)
	}
}

func (l *slogLogger) Debug(msg string, fields ...Field) {
	l.logger.DebugContext(l.ctx, msg, attrs(fields)...)
}

func (l *slogLogger) Info(msg string, fields ...Field) {
	l.logger.InfoContext(l.ctx, msg, attrs(fields)...)
}

func (l *slogLogger) Warn(msg string, fields ...Field) {
	l.logger.WarnContext(l.ctx, msg, attrs(fields)...)
}

func (l *slogLogger) Error(msg string, fields ...Field) {
	l.logger.ErrorContext(l.ctx, msg, attrs(fields)...)
}

func (l *slogLogger) WithFields(fields ...Field) Logger {
	return &slogLogger{logger: l.logger.With(attrs(fields)...), ctx: l.ctx}
}

func (l *slogLogger) WithContext(ctx context.Context) Logger {
	return &slogLogger{logger: l.logger, ctx: ctx}
}

func (l *slogLogger) LogSystemEvent(event string, data map[string]interface{}) {
	fields := make([]Field, 0, len(data)+1)
	fields = append(fields, F("event", event))
	for k, v := range data {
		fields = append(fields, F(k, v))
	}
	l.Info("system event", fields...)
}

func attrs(fields []Field) []any {
	out := make([]any, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok && err != nil {
			out = append(out, slog.String(f.Key, err.Error()))
			continue
		}
		out = append(out, slog.Any(f.Key, f.Value))
	}
	return out
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
