package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota
	// INFO level for general informational messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
)

var (
	levelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
	}

	levelColors = map[LogLevel]string{
		DEBUG: "\033[36m", // Cyan
		INFO:  "\033[32m", // Green
		WARN:  "\033[33m", // Yellow
		ERROR: "\033[31m", // Red
	}
)

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LogLevel(%d)", int(l))
}

// ParseLevel maps a level name to a LogLevel. Unknown names fall back to INFO
// and report ok=false.
func ParseLevel(name string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG, true
	case "INFO", "":
		return INFO, true
	case "WARN", "WARNING":
		return WARN, true
	case "ERROR":
		return ERROR, true
	default:
		return INFO, false
	}
}

// state is shared between a logger and every logger derived from it with
// WithPrefix, so SetLevel on the root applies to the whole tree.
type state struct {
	mu        sync.RWMutex
	level     LogLevel
	stdLogger *log.Logger
	colors    bool
}

// Logger writes levelled, prefixed lines to an io.Writer
type Logger struct {
	*state
	prefix string
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(INFO, os.Stdout, true, "")
)

// Init replaces the process-wide default logger
func Init(level LogLevel, output io.Writer, enableColors bool) *Logger {
	l := New(level, output, enableColors, "")
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	return l
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, enableColors bool, prefix string) *Logger {
	return &Logger{
		state: &state{
			level:     level,
			stdLogger: log.New(output, "", log.LstdFlags|log.Lmicroseconds),
			colors:    enableColors,
		},
		prefix: prefix,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return New(ERROR+1, io.Discard, false, "")
}

// SetLevel changes the current log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// IsLevelEnabled checks if a specific log level is enabled
func (l *Logger) IsLevelEnabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

func (l *Logger) log(level LogLevel, format string, args ...interface{}) {
	if l == nil || !l.IsLevelEnabled(level) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	levelName := levelNames[level]

	var b strings.Builder
	if l.colors {
		b.WriteString(levelColors[level])
		b.WriteString("[" + levelName + "]")
		b.WriteString("\033[0m")
	} else {
		b.WriteString("[" + levelName + "]")
	}
	if l.prefix != "" {
		b.WriteString(" [" + l.prefix + "]")
	}
	b.WriteByte(' ')
	b.WriteString(msg)

	l.stdLogger.Output(3, b.String())
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// WithPrefix derives a logger that tags every line with prefix. Prefixes nest:
// "CallHandler" then "abc123" gives "CallHandler abc123".
func (l *Logger) WithPrefix(prefix string) *Logger {
	if l == nil {
		return GetDefault().WithPrefix(prefix)
	}
	if l.prefix != "" && prefix != "" {
		prefix = l.prefix + " " + prefix
	}
	return &Logger{state: l.state, prefix: prefix}
}

// Prefix returns the logger's prefix
func (l *Logger) Prefix() string {
	return l.prefix
}

// Global convenience functions that use the default logger

// GetDefault returns the default logger instance
func GetDefault() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	GetDefault().log(DEBUG, format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...interface{}) {
	GetDefault().log(INFO, format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	GetDefault().log(WARN, format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	GetDefault().log(ERROR, format, args...)
}

// WithPrefix creates a new logger with a prefix from the default logger
func WithPrefix(prefix string) *Logger {
	return GetDefault().WithPrefix(prefix)
}
