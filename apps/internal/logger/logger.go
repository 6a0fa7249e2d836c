// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package logger wraps a *slog.Logger so that the rest of the module can log without
// caring whether the caller configured one.
package logger

import (
	"context"
	"io"
	"log/slog"
)

type Level string

const (
	Info  Level = "info"
	Err   Level = "error"
	Warn  Level = "warn"
	Debug Level = "debug"
)

// Logger is safe to use as a nil pointer, in which case nothing is logged.
type Logger struct {
	logging *slog.Logger
}

// New creates a new logger instance. A nil slogLogger yields a logger that discards
// everything, the library never writes to the process' output on its own.
func New(slogLogger *slog.Logger) (*Logger, error) {
	if slogLogger == nil {
		slogLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Logger{logging: slogLogger}, nil
}

// With returns a Logger that adds fields to every entry.
func (a *Logger) With(fields ...any) *Logger {
	if a == nil || a.logging == nil {
		return a
	}
	return &Logger{logging: a.logging.With(fields...)}
}

// Log writes message at level with structured fields.
func (a *Logger) Log(ctx context.Context, level Level, message string, fields ...any) {
	if a == nil || a.logging == nil {
		return
	}
	var slogLevel slog.Level
	switch level {
	case Info:
		slogLevel = slog.LevelInfo
	case Err:
		slogLevel = slog.LevelError
	case Warn:
		slogLevel = slog.LevelWarn
	case Debug:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	a.logging.Log(ctx, slogLevel, message, fields...)
}

// Field creates a slog field for any value
func Field(key string, value any) any {
	return slog.Any(key, value)
}
