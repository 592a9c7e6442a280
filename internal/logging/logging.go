// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the structured logger shared by every baissd
// component.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/jeranaias/baissd/internal/config"
)

// Logger wraps a slog.Logger whose level can be changed while running.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New returns a logger writing to w in the configured format.
func New(cfg config.LogConfig, w io.Writer) *Logger {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler), level: level}
}

// SetLevel changes the minimum level of this logger and every logger derived
// from it with With.
func (l *Logger) SetLevel(name string) {
	l.level.Set(ParseLevel(name))
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	return l.level.Level()
}

// ParseLevel maps a config level name to a slog.Level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
