// Package log provides structured logging utilities for the GOSP stratum proxy.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
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

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
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

// WithWorker returns a logger with worker-session fields
func (l *Logger) WithWorker(workerID, username string) *Logger {
	return l.WithFields("worker_id", workerID, "username", username)
}

// WithJob returns a logger with job-specific fields
func (l *Logger) WithJob(jobID string, cleanJobs bool) *Logger {
	return l.WithFields("job_id", jobID, "clean_jobs", cleanJobs)
}

// WithUpstream returns a logger with upstream pool fields
func (l *Logger) WithUpstream(host string, port int) *Logger {
	return l.WithFields("pool_host", host, "pool_port", port)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Connection logging helpers

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// Proxy-specific logging helpers

// LogShareRelay logs the outcome of a relayed share submission
func (l *Logger) LogShareRelay(workerID, username, jobID, status, reason string) {
	l.Info("share relay",
		"worker_id", workerID,
		"username", username,
		"job_id", jobID,
		"status", status,
		"reason", reason,
	)
}

// LogJobBroadcast logs job distribution to downstream workers
func (l *Logger) LogJobBroadcast(jobID string, cleanJobs bool, workerCount int) {
	l.Info("job broadcast",
		"job_id", jobID,
		"clean_jobs", cleanJobs,
		"worker_count", workerCount,
	)
}

// LogUpstreamState logs upstream session state transitions
func (l *Logger) LogUpstreamState(from, to string) {
	l.Info("upstream state change",
		"from", from,
		"to", to,
	)
}

// LogBlockChange logs a detected best-block change
func (l *Logger) LogBlockChange(prevHash string) {
	l.Info("new block detected",
		"prev_hash", prevHash,
	)
}
