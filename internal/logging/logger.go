package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"fleetsh/internal/target"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Config holds logging configuration
type Config struct {
	Level  LogLevel  // Minimum log level to output
	Format LogFormat // Output format (json or text)
	Output io.Writer // Output destination (defaults to stderr)
	Quiet  bool      // If true, suppress output below warn
}

// Logger wraps slog.Logger with secure logging practices
type Logger struct {
	logger *slog.Logger
	config Config
}

// NewLogger creates a new logger instance
func NewLogger(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level: convertLogLevel(config.Level),
	}

	var handler slog.Handler
	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return &Logger{
		logger: slog.New(handler),
		config: config,
	}
}

// Discard returns a logger that drops everything, for tests and library callers
func Discard() *Logger {
	return NewLogger(Config{Output: io.Discard, Level: LevelError})
}

func convertLogLevel(level LogLevel) slog.Level {
	switch level {
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

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.Debug(msg, args...)
}

// Info logs an informational message
func (l *Logger) Info(msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.Info(msg, args...)
}

// Warn logs a warning
func (l *Logger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

// InfoContext logs an informational message with context
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	if l.config.Quiet {
		return
	}
	l.logger.InfoContext(ctx, msg, args...)
}

// LogConnection logs an established connection
func (l *Logger) LogConnection(t target.Target, duration time.Duration, viaGateway bool) {
	l.Debug("ssh connection established",
		"host", t.Host,
		"user", t.User,
		"port", t.Port,
		"gateway", viaGateway,
		"duration_ms", duration.Milliseconds(),
		// Never log identity file paths or passwords
	)
}

// LogConnectionSkipped logs a connection dropped from the pool under the skip policy.
// The warning carries the full diagnostic; the error class goes to debug.
func (l *Logger) LogConnectionSkipped(t target.Target, err error) {
	l.Warn("failed to connect, skipping host",
		"host", t.Label(),
		"error", err.Error(),
	)
	l.Debug("skipped connection detail",
		"host", t.Label(),
		"error_class", fmt.Sprintf("%T", err),
		"error", err.Error(),
	)
}

// LogGatewayRetry logs the single password retry against a gateway
func (l *Logger) LogGatewayRetry(gateway target.Target, err error) {
	l.Info("gateway authentication failed, retrying with password",
		"gateway", gateway.Label(),
		"error", err.Error(),
	)
}

// LogConnectionWarning logs security warnings for connections
func (l *Logger) LogConnectionWarning(hostname string, message string) {
	l.logger.Warn("connection security warning",
		"host", hostname,
		"warning", message,
	)
}

// LogRunStart logs the start of a fan-out run
func (l *Logger) LogRunStart(hostCount int, concurrency int) {
	l.Debug("run started",
		"host_count", hostCount,
		"concurrency", concurrency,
		// The command is never logged: it may carry secrets
	)
}

// LogRunComplete logs the end of a fan-out run
func (l *Logger) LogRunComplete(hostCount int, exitStatus int, duration time.Duration) {
	l.Debug("run completed",
		"host_count", hostCount,
		"exit_status", exitStatus,
		"total_duration_ms", duration.Milliseconds(),
	)
}

// LogConfigLoad logs configuration loading events
func (l *Logger) LogConfigLoad(source string) {
	l.Debug("configuration loaded",
		"source", source,
	)
}

// LogTargetParsing logs target resolution
func (l *Logger) LogTargetParsing(source string, count int) {
	l.Debug("targets resolved",
		"source", source,
		"count", count,
	)
}

// NewLoggerFromConfig creates a logger from application configuration
func NewLoggerFromConfig(logLevel, logFormat string, quiet bool) *Logger {
	level := LogLevel(logLevel)
	switch level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		level = LevelInfo
	}

	format := LogFormat(logFormat)
	if format != FormatJSON {
		format = FormatText
	}

	return NewLogger(Config{
		Level:  level,
		Format: format,
		Quiet:  quiet,
	})
}
