// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for Forge components.
//
// The package is a thin layer over the standard library slog package with
// multi-destination output and an export hook for enterprise deployments:
//
//   - Default: stderr output (text when attached to a terminal, JSON otherwise)
//   - Optional: file logging with automatic directory creation
//   - Enterprise: extensible via the LogExporter interface
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("task enqueued", "task_id", taskID, "lane", lane)
//	logger.Error("phase failed", "error", err)
//
// # File Logging
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.forge/logs",
//	    Service: "conductor",
//	})
//	defer logger.Close()
//
// File logs are named `{service}_{date}.log` and always JSON.
//
// # Thread Safety
//
// Logger is safe for concurrent use.
//
// # Security Considerations
//
// This package does NOT redact sensitive data. Callers must never log
// plaintext credentials; log metadata only:
//
//	logger.Info("credential loaded", "present", cred != "")
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// =============================================================================
// Log Levels
// =============================================================================

// Level represents log severity, ordered Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for recoverable, unexpected situations.
	LevelWarn

	// LevelError is for operation failures the system survives.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR", or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name ("debug", "INFO", ...) to a Level.
// Unrecognized names map to LevelInfo.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// toSlogLevel bridges Level to the standard library.
func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures Logger behavior. The zero value writes Info+ messages
// to stderr, choosing text or JSON based on whether stderr is a terminal.
type Config struct {
	// Level sets the minimum log level. Default: LevelInfo.
	Level Level

	// LogDir enables file logging to the given directory when set.
	// Supports ~ expansion. Files are named "{Service}_{YYYY-MM-DD}.log".
	LogDir string

	// Service identifies the component generating logs; included in every
	// entry as the "service" attribute.
	Service string

	// ForceJSON forces JSON output on stderr. When false, the format is
	// chosen automatically: text on a terminal, JSON otherwise.
	ForceJSON bool

	// Quiet disables stderr output. Logs go only to file and exporter.
	Quiet bool

	// Exporter optionally receives every entry asynchronously.
	// Export failures are silently dropped.
	Exporter LogExporter
}

// =============================================================================
// Enterprise Extension Interface
// =============================================================================

// LogExporter is the extension point for shipping logs to external systems
// (object storage, Loki, Datadog, OTLP collectors). Implementations should
// buffer internally and never block the caller.
type LogExporter interface {
	// Export sends one entry. Called asynchronously per entry.
	Export(ctx context.Context, entry LogEntry) error

	// Flush sends all buffered entries; called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources; called after Flush.
	Close() error
}

// LogEntry is the structured form handed to LogExporter implementations.
type LogEntry struct {
	// Timestamp when the log was generated.
	Timestamp time.Time

	// Level of the entry.
	Level Level

	// Message is the primary log message.
	Message string

	// Service identifies the component (from Config.Service).
	Service string

	// Attrs contains all key-value attributes.
	Attrs map[string]any
}

// =============================================================================
// Logger
// =============================================================================

// Logger wraps slog.Logger with multi-destination output and export.
//
// # Thread Safety
//
// Safe for concurrent use from multiple goroutines.
//
// Always call Close() on loggers with file logging or an exporter.
type Logger struct {
	slog     *slog.Logger
	config   Config
	level    *slog.LevelVar
	file     *os.File
	exporter LogExporter
	mu       sync.Mutex
}

// New creates a Logger with the given configuration.
//
// Sets up stderr output (unless Quiet), file output (if LogDir is set),
// and the exporter hook. Call Close() when done.
func New(config Config) *Logger {
	var handlers []slog.Handler

	level := new(slog.LevelVar)
	level.Set(config.Level.toSlogLevel())
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if !config.Quiet {
		useJSON := config.ForceJSON || !isatty.IsTerminal(os.Stderr.Fd())
		var stderrHandler slog.Handler
		if useJSON {
			stderrHandler = slog.NewJSONHandler(os.Stderr, opts)
		} else {
			stderrHandler = slog.NewTextHandler(os.Stderr, opts)
		}
		handlers = append(handlers, stderrHandler)
	}

	logger := &Logger{
		config:   config,
		level:    level,
		exporter: config.Exporter,
	}

	if config.LogDir != "" {
		logDir := expandPath(config.LogDir)
		if err := os.MkdirAll(logDir, 0750); err == nil {
			serviceName := config.Service
			if serviceName == "" {
				serviceName = "forge"
			}
			filename := fmt.Sprintf("%s_%s.log", serviceName, time.Now().Format("2006-01-02"))
			logPath := filepath.Join(logDir, filename)

			file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
			if err == nil {
				logger.file = file
				// File logs are always JSON for machine processing.
				handlers = append(handlers, slog.NewJSONHandler(file, opts))
			}
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(os.Stderr, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}

	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("service", config.Service),
		})
	}

	logger.slog = slog.New(handler)
	return logger
}

// Default returns a logger with Info level, stderr output, and the
// "forge" service attribute.
func Default() *Logger {
	return New(Config{
		Level:   LevelInfo,
		Service: "forge",
	})
}

// Debug logs a message at Debug level.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(LevelDebug, msg, args...)
}

// Info logs a message at Info level.
func (l *Logger) Info(msg string, args ...any) {
	l.log(LevelInfo, msg, args...)
}

// Warn logs a message at Warn level.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(LevelWarn, msg, args...)
}

// Error logs a message at Error level.
func (l *Logger) Error(msg string, args ...any) {
	l.log(LevelError, msg, args...)
}

// With returns a new Logger that includes the given attributes in every
// entry. The parent logger is not modified.
func (l *Logger) With(args ...any) *Logger {
	if l == nil || l.slog == nil {
		return l
	}
	return &Logger{
		slog:     l.slog.With(args...),
		config:   l.config,
		level:    l.level,
		file:     l.file,
		exporter: l.exporter,
	}
}

// SetLevel changes the minimum level on every destination at runtime.
// Child loggers created with With share the same level. The exporter
// threshold keeps its construction-time value.
func (l *Logger) SetLevel(level Level) {
	if l == nil || l.level == nil {
		return
	}
	l.level.Set(level.toSlogLevel())
}

// Slog returns the underlying slog.Logger for components that take one.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close flushes the exporter and syncs and closes the log file.
// Returns the first error encountered.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error

	if l.exporter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.exporter.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush exporter: %w", err))
		}
		if err := l.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exporter: %w", err))
		}
	}

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			errs = append(errs, fmt.Errorf("sync log file: %w", err))
		}
		if err := l.file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close log file: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// log writes to all destinations and hands the entry to the exporter.
// A nil logger discards everything, so callers can leave logging unwired.
func (l *Logger) log(level Level, msg string, args ...any) {
	if l == nil || l.slog == nil {
		return
	}
	switch level {
	case LevelDebug:
		l.slog.Debug(msg, args...)
	case LevelInfo:
		l.slog.Info(msg, args...)
	case LevelWarn:
		l.slog.Warn(msg, args...)
	case LevelError:
		l.slog.Error(msg, args...)
	}

	if l.exporter != nil && level >= l.config.Level {
		entry := LogEntry{
			Timestamp: time.Now(),
			Level:     level,
			Message:   msg,
			Service:   l.config.Service,
			Attrs:     argsToMap(args),
		}
		// Async export to avoid blocking the log call.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = l.exporter.Export(ctx, entry)
		}()
	}
}

// =============================================================================
// Multi-Handler (Internal)
// =============================================================================

// multiHandler fans out log records to multiple slog handlers.
type multiHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle sends the record to all enabled handlers.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// WithAttrs returns a new handler with additional attributes.
func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

// WithGroup returns a new handler with a group name.
func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// =============================================================================
// Helper Functions
// =============================================================================

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// argsToMap converts slog-style key-value args to a map for LogEntry.Attrs.
func argsToMap(args []any) map[string]any {
	result := make(map[string]any)
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			result[key] = args[i+1]
		}
	}
	return result
}

// =============================================================================
// Built-in Exporters
// =============================================================================

// NopExporter discards all entries. Useful when export is disabled.
type NopExporter struct{}

// Export discards the entry.
func (e *NopExporter) Export(ctx context.Context, entry LogEntry) error { return nil }

// Flush is a no-op.
func (e *NopExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *NopExporter) Close() error { return nil }

var _ LogExporter = (*NopExporter)(nil)

// BufferedExporter collects log entries in memory; used in tests to verify
// log output.
type BufferedExporter struct {
	mu      sync.Mutex
	entries []LogEntry
}

// NewBufferedExporter creates a new BufferedExporter.
func NewBufferedExporter() *BufferedExporter {
	return &BufferedExporter{
		entries: make([]LogEntry, 0, 100),
	}
}

// Export adds the entry to the buffer.
func (e *BufferedExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry)
	return nil
}

// Flush is a no-op; entries are already in memory.
func (e *BufferedExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op.
func (e *BufferedExporter) Close() error { return nil }

// Entries returns a copy of all collected entries.
func (e *BufferedExporter) Entries() []LogEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]LogEntry, len(e.entries))
	copy(result, e.entries)
	return result
}

// WriterExporter writes entries to an io.Writer.
type WriterExporter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriterExporter creates a new WriterExporter.
func NewWriterExporter(w io.Writer) *WriterExporter {
	return &WriterExporter{w: w}
}

// Export writes the entry to the writer.
func (e *WriterExporter) Export(ctx context.Context, entry LogEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := fmt.Fprintf(e.w, "[%s] %s: %s %v\n",
		entry.Timestamp.Format(time.RFC3339),
		entry.Level,
		entry.Message,
		entry.Attrs,
	)
	return err
}

// Flush is a no-op; writes are immediate.
func (e *WriterExporter) Flush(ctx context.Context) error { return nil }

// Close is a no-op; the exporter doesn't own the writer.
func (e *WriterExporter) Close() error { return nil }
