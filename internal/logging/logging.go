// Package logging provides the process-wide structured logger, a
// zap-backed implementation of the same small interface the teacher's
// internal.Logger defined, now with a real sink instead of a bare
// log.Logger wrapper.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the interface every component logs through. Session and
// connection lifecycle, Forward-Open/Close, and watchdog timeouts log at
// Info; per-request tracing at Debug; malformed wire data at Warn.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
	With(fields ...zap.Field) Logger
}

type zapLogger struct {
	sugar *zap.SugaredLogger
	base  *zap.Logger
}

// New builds a Logger at the given level ("debug", "info", "warn",
// "error"); an unrecognized level falls back to "info".
func New(level string) (Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: base.Sugar(), base: base}, nil
}

func (l *zapLogger) Debugf(format string, args ...any) { l.sugar.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...any)  { l.sugar.Infof(format, args...) }
func (l *zapLogger) Warnf(format string, args ...any)  { l.sugar.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...any) { l.sugar.Errorf(format, args...) }

func (l *zapLogger) With(fields ...zap.Field) Logger {
	return &zapLogger{sugar: l.base.With(fields...).Sugar(), base: l.base.With(fields...)}
}

// Nop returns a Logger that discards everything, for tests.
func Nop() Logger {
	base := zap.NewNop()
	return &zapLogger{sugar: base.Sugar(), base: base}
}
