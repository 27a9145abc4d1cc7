package config_test

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/ledgerlink/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		expected config.LogLevel
	}{
		{"off lowercase", "off", config.LogLevelOff},
		{"off mixed case", "Off", config.LogLevelOff},
		{"none", "none", config.LogLevelOff},
		{"error lowercase", "error", config.LogLevelError},
		{"error uppercase", "ERROR", config.LogLevelError},
		{"debug lowercase", "debug", config.LogLevelDebug},
		{"with whitespace", "  debug  ", config.LogLevelDebug},
		{"empty returns error", "", config.LogLevelError},
		{"unknown value", "warn", config.LogLevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, config.ParseLogLevel(tt.input))
		})
	}
}

func TestLogLevel_String(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "off", config.LogLevelOff.String())
	assert.Equal(t, "error", config.LogLevelError.String())
	assert.Equal(t, "debug", config.LogLevelDebug.String())
	assert.Equal(t, "error", config.LogLevel(99).String())
}

func TestNewLogger_EmptyPath(t *testing.T) {
	t.Parallel()
	logger, err := config.NewLogger(config.LogLevelDebug, "")
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	// Should not panic when logging with no file
	logger.Debug("test message")
	logger.Error("test error")
	logger.DebugFields("test", config.Fields{"chain": "btc"})
}

func TestNewLogger_ValidPath(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "subdir", "deep", "test.log")

	logger, err := config.NewLogger(config.LogLevelDebug, logPath)
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Debug("debug message")
	logger.Error("error message")

	content := readLogFile(t, logPath)
	assert.Contains(t, string(content), "debug message")
	assert.Contains(t, string(content), "error message")
}

func TestNewLogger_InvalidPath(t *testing.T) {
	t.Parallel()
	_, err := config.NewLogger(config.LogLevelDebug, "/proc/nonexistent/test.log")
	assert.Error(t, err)
}

func TestNewLogger_LevelOff_NoFile(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, err := config.NewLogger(config.LogLevelOff, logPath)
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Debug("debug")
	logger.Error("error")

	_, err = os.Stat(logPath)
	assert.True(t, os.IsNotExist(err))
}

func TestNullLogger(t *testing.T) {
	t.Parallel()
	logger := config.NullLogger()
	require.NotNil(t, logger)
	assert.Equal(t, config.LogLevelOff, logger.Level())

	logger.Debug("test debug")
	logger.Error("test error")
	logger.WithFields(config.Fields{"chain": "bbn"}).Error("ignored")
	assert.NoError(t, logger.Close())
}

func TestLogger_NilReceiver(t *testing.T) {
	t.Parallel()
	var logger *config.Logger
	assert.NotPanics(t, func() {
		logger.Debug("nothing")
		logger.ErrorFields("nothing", nil)
	})
}

func TestLogger_SetLevel(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, err := config.NewLogger(config.LogLevelError, logPath)
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Debug("hidden")
	logger.SetLevel(config.LogLevelDebug)
	assert.Equal(t, config.LogLevelDebug, logger.Level())
	logger.Debug("visible")

	content := string(readLogFile(t, logPath))
	assert.NotContains(t, content, "hidden")
	assert.Contains(t, content, "visible")
}

func TestLogger_LevelFiltering(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, err := config.NewLogger(config.LogLevelError, logPath)
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Debug("debug message")
	logger.Error("error code: %d", 500)
	_, err = logger.Writer(config.LogLevelDebug).Write([]byte("debug via writer"))
	require.NoError(t, err)

	content := string(readLogFile(t, logPath))
	assert.NotContains(t, content, "debug message")
	assert.NotContains(t, content, "debug via writer")
	assert.Contains(t, content, "error code: 500")
}

func TestLogger_LineFormat(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, err := config.NewLogger(config.LogLevelDebug, logPath)
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.Debug("value: %d", 42)
	logger.ErrorFields("connect failed", config.Fields{"state": "failed", "chain": "btc"})

	lines := strings.Split(strings.TrimSpace(string(readLogFile(t, logPath))), "\n")
	require.Len(t, lines, 2)

	stamp := `^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3} `
	assert.Regexp(t, regexp.MustCompile(stamp+`\[DEBUG\] value: 42$`), lines[0])
	assert.Regexp(t, regexp.MustCompile(stamp+`\[ERROR\] connect failed chain=btc state=failed$`), lines[1])
}

func TestLogger_WithFields(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, err := config.NewLogger(config.LogLevelDebug, logPath)
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	scoped := logger.WithFields(config.Fields{"component": "health"})
	scoped.Debug("status %s", "normal")
	scoped.Error("unreachable")

	content := string(readLogFile(t, logPath))
	assert.Contains(t, content, "[DEBUG] status normal component=health")
	assert.Contains(t, content, "[ERROR] unreachable component=health")
}

func TestNewStructuredLogger(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, err := config.NewStructuredLogger(config.LogLevelDebug, logPath)
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.DebugFields("transition", config.Fields{"chain": "bbn", "state": "resolved"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(readLogFile(t, logPath)), &entry))
	assert.Equal(t, "transition", entry["msg"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "bbn", entry["chain"])
	assert.Equal(t, "resolved", entry["state"])
}

func TestLogger_SetJSONOutput_Toggle(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, err := config.NewLogger(config.LogLevelDebug, logPath)
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	logger.SetJSONOutput(true)
	logger.Debug("as json")
	logger.SetJSONOutput(false)
	logger.Debug("as text")

	lines := strings.Split(strings.TrimSpace(string(readLogFile(t, logPath))), "\n")
	require.Len(t, lines, 2)
	assert.True(t, json.Valid([]byte(lines[0])))
	assert.Contains(t, lines[1], "[DEBUG] as text")
}

func TestLogger_Writer(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, err := config.NewLogger(config.LogLevelDebug, logPath)
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	writer := logger.Writer(config.LogLevelDebug)
	require.Implements(t, (*io.Writer)(nil), writer)

	n, err := writer.Write([]byte("written via io.Writer\n"))
	require.NoError(t, err)
	assert.Equal(t, len("written via io.Writer\n"), n)

	_, err = io.Copy(writer, bytes.NewBufferString("copied via io"))
	require.NoError(t, err)

	content := string(readLogFile(t, logPath))
	assert.Contains(t, content, "written via io.Writer")
	assert.Contains(t, content, "copied via io")
}

func TestLogger_Concurrent(t *testing.T) {
	t.Parallel()
	logPath := filepath.Join(t.TempDir(), "test.log")

	logger, err := config.NewLogger(config.LogLevelDebug, logPath)
	require.NoError(t, err)
	defer func() { _ = logger.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Debug("message %d", n)
			logger.Error("error %d", n)
			_ = logger.Level()
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(string(readLogFile(t, logPath))), "\n")
	assert.Len(t, lines, 20)
}

// readLogFile is a test helper that reads a log file.
// #nosec G304 -- test helper with controlled paths from t.TempDir()
func readLogFile(t *testing.T, path string) []byte {
	t.Helper()
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return content
}
