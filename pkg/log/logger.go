// Package log provides structured logging utilities for powtoken services.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout with the specified configuration
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Discard returns a logger that drops every record. Useful in tests.
func Discard() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "text")
}

// ParseLevel maps a textual level to a slog.Level, defaulting to info
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

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger with the miner address attached
func (l *Logger) WithMiner(address string) *Logger {
	return l.WithFields("miner_address", address)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration int64) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ns", duration,
		"duration_ms", float64(duration)/1e6,
	)
}

// Mining-specific logging helpers

// LogSession logs the start of a mining session
func (l *Logger) LogSession(blockNumber uint64, difficulty string, startNonce uint64) {
	l.Info("mining session started",
		"block_number", blockNumber,
		"difficulty", difficulty,
		"start_nonce", startNonce,
	)
}

// LogHashrate logs miner throughput
func (l *Logger) LogHashrate(hashes uint64, hashesPerSecond float64, nonce uint64) {
	l.Info("hashrate",
		"hashes", hashes,
		"khs", hashesPerSecond/1e3,
		"mhs", hashesPerSecond/1e6,
		"nonce", nonce,
	)
}

// LogSubmission logs a solution submission and its outcome
func (l *Logger) LogSubmission(blockNumber, nonce, timestamp uint64, powHash, result string) {
	l.Info("solution submitted",
		"block_number", blockNumber,
		"nonce", nonce,
		"timestamp", timestamp,
		"pow_hash", powHash,
		"result", result,
	)
}

// LogBlockAccepted logs an accepted block
func (l *Logger) LogBlockAccepted(blockNumber uint64, powHash, minerAddr, difficulty string) {
	l.Info("block accepted",
		"block_number", blockNumber,
		"pow_hash", powHash,
		"miner_address", minerAddr,
		"difficulty", difficulty,
	)
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}
