// Package log provides the leveled, slog-backed logging used across the
// runtime. Every subsystem either takes an explicit *Logger or falls back
// to the process-wide default set with SetDefaultLogger/SetDefaultHandler.
package log

import (
	"context"
	"fmt"
	"log/slog"
)

// Logger is an alias for slog.Logger so call sites never need to import
// log/slog directly.
type Logger = slog.Logger
type Handler = slog.Handler

var defaultLogger = slog.Default()

// SetDefaultLogger overrides the logger used by components that were not
// given one explicitly.
func SetDefaultLogger(logger *Logger) {
	if logger != nil {
		defaultLogger = logger
	}
}

// SetDefaultHandler is a convenience wrapper around SetDefaultLogger for
// callers that only want to swap the slog.Handler.
func SetDefaultHandler(handler Handler) {
	defaultLogger = slog.New(handler)
}

// Default returns the process-wide default logger.
func Default() *Logger {
	return defaultLogger
}

// orDefault returns logger unless it is nil, in which case it falls back to
// the process-wide default. Every subsystem logger argument is plumbed
// through this so a nil *Logger in a Config never panics.
func orDefault(logger *Logger) *Logger {
	if logger == nil {
		return defaultLogger
	}
	return logger
}

func Debugf(format string, args ...any) { defaultLogger.Debug(fmt.Sprintf(format, args...)) }
func Infof(format string, args ...any)  { defaultLogger.Info(fmt.Sprintf(format, args...)) }
func Warnf(format string, args ...any)  { defaultLogger.Warn(fmt.Sprintf(format, args...)) }
func Errorf(format string, args ...any) { defaultLogger.Error(fmt.Sprintf(format, args...)) }

// LDebugf, LInfof, LWarnf and LErrorf log through an explicit logger
// (falling back to the default when nil), which is how components that
// carry their own *Logger field (Process, Environment, Scheduler) report.
func LDebugf(logger *Logger, format string, args ...any) {
	orDefault(logger).Debug(fmt.Sprintf(format, args...))
}

func LInfof(logger *Logger, format string, args ...any) {
	orDefault(logger).Info(fmt.Sprintf(format, args...))
}

func LWarnf(logger *Logger, format string, args ...any) {
	orDefault(logger).Warn(fmt.Sprintf(format, args...))
}

func LErrorf(logger *Logger, format string, args ...any) {
	orDefault(logger).Error(fmt.Sprintf(format, args...))
}

// LWithCtx attaches request-scoped attributes (e.g. process id) to a
// logger for the lifetime of a context-bound operation.
func LWithCtx(ctx context.Context, logger *Logger, args ...any) *Logger {
	_ = ctx
	return orDefault(logger).With(args...)
}
