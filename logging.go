package deployctl

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Logger is the logging contract used throughout the control plane.
// All Config structs accept an optional Logger; components nil-check it
// before use so logging never becomes a hard dependency.
type Logger interface {
	Debug(ctx context.Context, msg string, keysAndValues ...any)
	Info(ctx context.Context, msg string, keysAndValues ...any)
	Error(ctx context.Context, msg string, keysAndValues ...any)
}

// LogrusLogger adapts a logrus.Logger to the Logger interface.
type LogrusLogger struct {
	logger *logrus.Logger
}

// NewLogrusLogger wraps an existing logrus logger.
func NewLogrusLogger(logger *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{logger: logger}
}

// NewDefaultLogger returns a logrus-backed logger at the given level.
// Unknown levels fall back to info.
func NewDefaultLogger(level string) *LogrusLogger {
	logger := logrus.New()
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)
	return &LogrusLogger{logger: logger}
}

func (l *LogrusLogger) Debug(ctx context.Context, msg string, keysAndValues ...any) {
	l.logger.WithFields(fields(keysAndValues)).Debug(msg)
}

func (l *LogrusLogger) Info(ctx context.Context, msg string, keysAndValues ...any) {
	l.logger.WithFields(fields(keysAndValues)).Info(msg)
}

func (l *LogrusLogger) Error(ctx context.Context, msg string, keysAndValues ...any) {
	l.logger.WithFields(fields(keysAndValues)).Error(msg)
}

// fields converts alternating key/value pairs into logrus fields.
// A trailing key without a value is kept with a nil value.
func fields(keysAndValues []any) logrus.Fields {
	f := make(logrus.Fields, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		if i+1 < len(keysAndValues) {
			f[key] = keysAndValues[i+1]
		} else {
			f[key] = nil
		}
	}
	return f
}

// NopLogger discards all log output. Useful in tests.
type NopLogger struct{}

func (NopLogger) Debug(ctx context.Context, msg string, keysAndValues ...any) {}
func (NopLogger) Info(ctx context.Context, msg string, keysAndValues ...any)  {}
func (NopLogger) Error(ctx context.Context, msg string, keysAndValues ...any) {}
