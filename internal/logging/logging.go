// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package logging holds the process-wide structured logger
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Component identifies a subsystem for log filtering
type Component string

const (
	ComponentDevice  Component = "device"
	ComponentCapture Component = "capture"
	ComponentDecode  Component = "decode"
	ComponentConfig  Component = "config"
	ComponentExport  Component = "export"
)

// Format specifies the output format for logging
type Format int

const (
	FormatText Format = iota
	FormatJSON
)

var (
	// DefaultLogger is the logger used by the Log* helpers
	DefaultLogger *slog.Logger

	level = new(slog.LevelVar)
	mu    sync.RWMutex
)

func init() {
	level.Set(slog.LevelWarn)
	DefaultLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// SetLevel sets the minimum level for all logging
func SetLevel(l slog.Level) {
	mu.Lock()
	defer mu.Unlock()
	level.Set(l)
}

// Level returns the current minimum level
func Level() slog.Level {
	mu.RLock()
	defer mu.RUnlock()
	return level.Level()
}

// SetLogger replaces the default logger
func SetLogger(logger *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	DefaultLogger = logger
}

// Configure points the default logger at w in the given format
func Configure(w io.Writer, format Format) {
	mu.Lock()
	defer mu.Unlock()
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatJSON {
		DefaultLogger = slog.New(slog.NewJSONHandler(w, opts))
		return
	}
	DefaultLogger = slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel maps debug, info, warn and error to slog levels
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// ParseFormat maps "text" and "json" to a Format
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	}
	return FormatText, fmt.Errorf("unknown log format %q", s)
}

func logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return DefaultLogger
}

// For returns a logger tagged with the component
func For(c Component) *slog.Logger {
	return logger().With("component", string(c))
}

// Debug logs a debug message for the component
func Debug(c Component, msg string, args ...any) {
	logger().Debug(msg, append([]any{"component", string(c)}, args...)...)
}

// Info logs an info message for the component
func Info(c Component, msg string, args ...any) {
	logger().Info(msg, append([]any{"component", string(c)}, args...)...)
}

// Warn logs a warning for the component
func Warn(c Component, msg string, args ...any) {
	logger().Warn(msg, append([]any{"component", string(c)}, args...)...)
}

// Error logs an error for the component
func Error(c Component, msg string, args ...any) {
	logger().Error(msg, append([]any{"component", string(c)}, args...)...)
}
