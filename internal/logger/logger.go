// Package logger provides the server's structured diagnostic and access
// logs, backed by zerolog with JSON output.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"example.com/llmabridge/v2/internal/config"
)

// LogFields carries the structured context of one diagnostic entry.
type LogFields map[string]interface{}

// AccessEntry is the structured payload of one access-log line, emitted
// exactly once per stream after its terminal transition.
type AccessEntry struct {
	ConnID     string
	StreamID   uint32
	RemoteAddr string
	Protocol   string
	Method     string
	Path       string
	Query      string
	Status     int
	Duration   time.Duration
}

// Logger bundles the diagnostic log and the access log. The diagnostic
// level can be changed at runtime (config reload); derived loggers created
// with With share the level.
type Logger struct {
	diag   zerolog.Logger
	access zerolog.Logger

	level         *atomic.Int32
	accessEnabled bool
	files         []*os.File
}

// NewLogger builds a Logger from the logging configuration. File targets
// are opened in append mode and stay open until CloseLogFiles.
func NewLogger(cfg *config.LoggingConfig) (*Logger, error) {
	if cfg == nil {
		return nil, fmt.Errorf("logging configuration cannot be nil")
	}

	l := &Logger{level: new(atomic.Int32)}
	l.level.Store(int32(levelFromConfig(cfg.LogLevel)))

	diagTarget := "stderr"
	if cfg.ErrorLog != nil && cfg.ErrorLog.Target != "" {
		diagTarget = cfg.ErrorLog.Target
	}
	diagOut, err := l.openTarget(diagTarget)
	if err != nil {
		return nil, fmt.Errorf("opening error log target: %w", err)
	}
	l.diag = zerolog.New(diagOut).With().Timestamp().Logger()

	l.accessEnabled = cfg.AccessLog == nil || cfg.AccessLog.Enabled == nil || *cfg.AccessLog.Enabled
	if l.accessEnabled {
		accessTarget := "stdout"
		if cfg.AccessLog != nil && cfg.AccessLog.Target != "" {
			accessTarget = cfg.AccessLog.Target
		}
		accessOut, err := l.openTarget(accessTarget)
		if err != nil {
			l.CloseLogFiles()
			return nil, fmt.Errorf("opening access log target: %w", err)
		}
		l.access = zerolog.New(accessOut).With().Timestamp().Logger()
	}

	return l, nil
}

// NewNop returns a logger that discards everything. Useful as a default in
// tests and for components constructed without a logger.
func NewNop() *Logger {
	l := &Logger{level: new(atomic.Int32)}
	l.level.Store(int32(zerolog.Disabled))
	l.diag = zerolog.New(io.Discard)
	l.access = zerolog.New(io.Discard)
	return l
}

// NewTest returns a logger writing debug-level JSON to w, for tests that
// assert on log output.
func NewTest(w io.Writer) *Logger {
	l := &Logger{level: new(atomic.Int32)}
	l.level.Store(int32(zerolog.DebugLevel))
	l.diag = zerolog.New(w).With().Timestamp().Logger()
	l.access = zerolog.New(w).With().Timestamp().Logger()
	l.accessEnabled = true
	return l
}

func (l *Logger) openTarget(target string) (io.Writer, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		l.files = append(l.files, f)
		return f, nil
	}
}

func levelFromConfig(level config.LogLevel) zerolog.Level {
	switch level {
	case config.LogLevelDebug:
		return zerolog.DebugLevel
	case config.LogLevelWarning:
		return zerolog.WarnLevel
	case config.LogLevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel changes the diagnostic threshold at runtime. It affects every
// logger derived from the same root.
func (l *Logger) SetLevel(level config.LogLevel) {
	l.level.Store(int32(levelFromConfig(level)))
}

// With returns a derived logger whose every diagnostic entry carries the
// given fields. The access log and the shared level are untouched.
func (l *Logger) With(fields LogFields) *Logger {
	derived := *l
	derived.diag = l.diag.With().Fields(map[string]interface{}(fields)).Logger()
	return &derived
}

func (l *Logger) enabled(level zerolog.Level) bool {
	return level >= zerolog.Level(l.level.Load())
}

func (l *Logger) emit(level zerolog.Level, msg string, fields LogFields) {
	if !l.enabled(level) {
		return
	}
	ev := l.diag.WithLevel(level)
	if len(fields) > 0 {
		ev = ev.Fields(map[string]interface{}(fields))
	}
	ev.Msg(msg)
}

// Debug logs a debug-level diagnostic entry.
func (l *Logger) Debug(msg string, fields LogFields) { l.emit(zerolog.DebugLevel, msg, fields) }

// Info logs an info-level diagnostic entry.
func (l *Logger) Info(msg string, fields LogFields) { l.emit(zerolog.InfoLevel, msg, fields) }

// Warn logs a warning-level diagnostic entry.
func (l *Logger) Warn(msg string, fields LogFields) { l.emit(zerolog.WarnLevel, msg, fields) }

// Error logs an error-level diagnostic entry.
func (l *Logger) Error(msg string, fields LogFields) { l.emit(zerolog.ErrorLevel, msg, fields) }

// Access writes one access-log line. It bypasses the diagnostic level:
// access logging is either on or off, never filtered by severity.
func (l *Logger) Access(entry AccessEntry) {
	if !l.accessEnabled {
		return
	}
	ev := l.access.Log().
		Str("conn_id", entry.ConnID).
		Uint32("stream_id", entry.StreamID).
		Str("remote_addr", entry.RemoteAddr).
		Str("protocol", entry.Protocol).
		Str("method", entry.Method).
		Str("path", entry.Path).
		Int("status", entry.Status).
		Dur("duration_ms", entry.Duration)
	if entry.Query != "" {
		ev = ev.Str("query", entry.Query)
	}
	ev.Send()
}

// CloseLogFiles closes any file-backed log targets. Called once at server
// shutdown; after it, the logger must not be used.
func (l *Logger) CloseLogFiles() {
	for _, f := range l.files {
		f.Close()
	}
	l.files = nil
}
