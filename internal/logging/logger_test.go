package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_JSONFormat(t *testing.T) {
	logger, closer := NewLogger(RoleCapture, "info", "json", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_TextFormat(t *testing.T) {
	logger, closer := NewLogger(RoleCapture, "debug", "text", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_DefaultFormatByRole(t *testing.T) {
	captureLogger, captureCloser := NewLogger(RoleCapture, "info", "", "")
	defer captureCloser.Close()
	captureLogger.Info("m")

	replayLogger, replayCloser := NewLogger(RoleReplay, "info", "", "")
	defer replayCloser.Close()
	replayLogger.Info("m")

	if captureLogger == nil || replayLogger == nil {
		t.Fatal("expected non-nil loggers")
	}
}

func TestNewLogger_UnknownFormatFallsBackToJSON(t *testing.T) {
	logger, closer := NewLogger(RoleCapture, "info", "unknown", "")
	defer closer.Close()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewLogger_AllLevels(t *testing.T) {
	levels := []string{"debug", "info", "warn", "warning", "error", "unknown"}
	for _, level := range levels {
		logger, closer := NewLogger(RoleCapture, level, "json", "")
		defer closer.Close()
		if logger == nil {
			t.Errorf("expected non-nil logger for level %q", level)
		}
	}
}

func TestNewLogger_StampsRole(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	logger, closer := NewLogger(RoleReplay, "info", "json", logFile)
	logger.Info("test message")
	closer.Close()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), `"role":"replay"`) {
		t.Errorf("expected role attribute in log output, got: %s", data)
	}
}

func TestNewLogger_WithFileOutput(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "test.log")

	logger, closer := NewLogger(RoleCapture, "info", "json", logFile)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}

	// Write something to the log
	logger.Info("test message", "key", "value")

	// Close to flush
	closer.Close()

	// Verify the file was created and contains data
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}

	content := string(data)
	if !strings.Contains(content, "test message") {
		t.Errorf("expected log file to contain 'test message', got: %s", content)
	}
	if !strings.Contains(content, "key") {
		t.Errorf("expected log file to contain 'key', got: %s", content)
	}
}

func TestNewLogger_WithFileOutput_InvalidPath(t *testing.T) {
	// Invalid path: should warn on stderr and still return a working logger
	logger, closer := NewLogger(RoleCapture, "info", "json", "/nonexistent/dir/test.log")
	defer closer.Close()

	if logger == nil {
		t.Fatal("expected non-nil logger even with invalid file path")
	}

	// Logger should still work (stdout only)
	logger.Info("still works")
}
