// Package logger provides structured logging utilities.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper around zap.Logger.
type Logger struct {
	*zap.Logger
}

// Options selects level, encoding and outputs.
type Options struct {
	Level string
	// Format is "json" (default) or "console".
	Format string
	// File, when set, receives a copy of every entry.
	File string
}

// New creates a logger writing to stdout and, when opts.File is set, to
// that file as well.
func New(opts Options) (*Logger, error) {
	outputs := []string{"stdout"}
	if opts.File != "" {
		if dir := filepath.Dir(opts.File); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
		}
		outputs = append(outputs, opts.File)
	}

	encoding, encodeLevel, err := encoderFor(opts.Format)
	if err != nil {
		return nil, err
	}

	cfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(parseLevel(opts.Level)),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
	}

	zl, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: zl}, nil
}

// NewNop returns a logger that discards everything. Used by tests.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// Named creates a child logger scoped to a component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger.Named(component)}
}

// WithCorrelation creates a child logger carrying a request correlation id.
func (l *Logger) WithCorrelation(correlationID string) *Logger {
	if correlationID == "" {
		return l
	}
	return l.With(zap.String("correlation_id", correlationID))
}

func encoderFor(format string) (string, zapcore.LevelEncoder, error) {
	switch strings.ToLower(format) {
	case "", "json":
		return "json", zapcore.LowercaseLevelEncoder, nil
	case "console", "text":
		return "console", zapcore.CapitalLevelEncoder, nil
	default:
		return "", nil, fmt.Errorf("unknown log format %q", format)
	}
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
