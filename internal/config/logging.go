package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// LogLevel represents logging verbosity levels.
type LogLevel int

// Log level constants.
const (
	LogLevelOff LogLevel = iota
	LogLevelError
	LogLevelDebug
)

// timestampFormat is the timestamp layout of log lines.
const timestampFormat = "2006-01-02 15:04:05.000"

// Fields are structured key/value pairs attached to a log line.
type Fields = log.Fields

// ParseLogLevel parses a log level string.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "none":
		return LogLevelOff
	case "error":
		return LogLevelError
	case "debug":
		return LogLevelDebug
	default:
		return LogLevelError
	}
}

// String returns the string representation of a log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelOff:
		return "off"
	case LogLevelError:
		return "error"
	case LogLevelDebug:
		return "debug"
	default:
		return "error"
	}
}

// logrusLevel maps a LogLevel to the logrus threshold.
func (l LogLevel) logrusLevel() log.Level {
	switch l {
	case LogLevelDebug:
		return log.DebugLevel
	case LogLevelOff:
		return log.PanicLevel
	default:
		return log.ErrorLevel
	}
}

// Logger handles logging to a file through logrus.
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	file     *os.File
	filePath string
	backend  *log.Logger
}

// NewLogger creates a new logger. Nothing is created on disk when level is
// off or filePath is empty.
func NewLogger(level LogLevel, filePath string) (*Logger, error) {
	logger := &Logger{
		level:    level,
		filePath: filePath,
	}

	if level == LogLevelOff || filePath == "" {
		return logger, nil
	}

	filePath, err := ExpandHome(filePath)
	if err != nil {
		return nil, err
	}

	// Ensure directory exists
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	// #nosec G304 -- log file path is from validated config
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	backend := log.New()
	backend.SetOutput(f)
	backend.SetFormatter(&lineFormatter{})
	backend.SetLevel(level.logrusLevel())

	logger.file = f
	logger.filePath = filePath
	logger.backend = backend

	return logger, nil
}

// NewStructuredLogger creates a logger writing JSON lines.
func NewStructuredLogger(level LogLevel, filePath string) (*Logger, error) {
	logger, err := NewLogger(level, filePath)
	if err != nil {
		return nil, err
	}
	logger.SetJSONOutput(true)
	return logger, nil
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// SetLevel changes the log level.
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	if l.backend != nil {
		l.backend.SetLevel(level.logrusLevel())
	}
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// SetJSONOutput switches between JSON lines and the plain line format.
func (l *Logger) SetJSONOutput(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.backend == nil {
		return
	}
	if enabled {
		l.backend.SetFormatter(&log.JSONFormatter{TimestampFormat: timestampFormat})
		return
	}
	l.backend.SetFormatter(&lineFormatter{})
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	l.log(LogLevelDebug, nil, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.log(LogLevelError, nil, format, args...)
}

// DebugFields logs msg at debug level with structured fields.
func (l *Logger) DebugFields(msg string, fields Fields) {
	l.log(LogLevelDebug, fields, "%s", msg)
}

// ErrorFields logs msg at error level with structured fields.
func (l *Logger) ErrorFields(msg string, fields Fields) {
	l.log(LogLevelError, fields, "%s", msg)
}

// WithFields returns a logger that attaches fields to every line.
func (l *Logger) WithFields(fields Fields) *FieldLogger {
	return &FieldLogger{logger: l, fields: fields}
}

// Writer returns an io.Writer that writes to the logger at the specified level.
func (l *Logger) Writer(level LogLevel) io.Writer {
	return &logWriter{logger: l, level: level}
}

// log writes a log message if the level is appropriate.
func (l *Logger) log(level LogLevel, fields Fields, format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.level == LogLevelOff || level > l.level || l.backend == nil {
		return
	}

	entry := l.backend.WithFields(fields)
	switch level {
	case LogLevelDebug:
		entry.Debugf(format, args...)
	default:
		entry.Errorf(format, args...)
	}
}

// FieldLogger is a Logger with fixed structured fields.
type FieldLogger struct {
	logger *Logger
	fields Fields
}

// Debug logs a debug message with the logger's fields.
func (f *FieldLogger) Debug(format string, args ...any) {
	f.logger.log(LogLevelDebug, f.fields, format, args...)
}

// Error logs an error message with the logger's fields.
func (f *FieldLogger) Error(format string, args ...any) {
	f.logger.log(LogLevelError, f.fields, format, args...)
}

// logWriter implements io.Writer for the logger.
type logWriter struct {
	logger *Logger
	level  LogLevel
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.logger.log(w.level, nil, "%s", strings.TrimSpace(string(p)))
	return len(p), nil
}

// lineFormatter renders "timestamp [LEVEL] message key=value ...".
type lineFormatter struct{}

func (f *lineFormatter) Format(entry *log.Entry) ([]byte, error) {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s [%s] %s", entry.Time.Format(timestampFormat), strings.ToUpper(entry.Level.String()), entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// NullLogger returns a logger that discards all output.
func NullLogger() *Logger {
	return &Logger{level: LogLevelOff}
}
