package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComponentLoggerWritesToServiceFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XCODEX_LOG_DIR", dir)
	ResetLoggerForTests(LogCategoryService)

	logger := NewComponentLogger("TestComponent")
	defer logger.Close()

	logger.Info("hello %s", "world")

	data, err := os.ReadFile(filepath.Join(dir, "xcodex-service.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "hello world") {
		t.Fatalf("expected log line to contain message, got %q", data)
	}
	if !strings.Contains(string(data), "TestComponent") {
		t.Fatalf("expected log line to contain component name, got %q", data)
	}
}

func TestLevelGatingSuppressesDebugByDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XCODEX_LOG_DIR", dir)
	t.Setenv("XCODEX_LOG_LEVEL", "")
	ResetLoggerForTests(LogCategoryService)

	logger := NewComponentLogger("Gated")
	logger.Debug("should not appear")
	logger.Info("should appear")

	data, _ := os.ReadFile(filepath.Join(dir, "xcodex-service.log"))
	if strings.Contains(string(data), "should not appear") {
		t.Fatalf("expected debug line to be suppressed, got %q", data)
	}
	if !strings.Contains(string(data), "should appear") {
		t.Fatalf("expected info line to be present, got %q", data)
	}
}

func TestResolveLogLevelIsCaseInsensitive(t *testing.T) {
	t.Setenv("XCODEX_LOG_LEVEL", "warning")
	if got := resolveLogLevel(); got != LevelWarn {
		t.Fatalf("expected LevelWarn, got %v", got)
	}
}

func TestLatencyLoggerUsesSeparateFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XCODEX_LOG_DIR", dir)
	ResetLoggerForTests(LogCategoryLatency)

	logger := NewLatencyLogger("Latency")
	logger.Info("call took %dms", 12)

	data, err := os.ReadFile(filepath.Join(dir, "xcodex-latency.log"))
	if err != nil {
		t.Fatalf("read latency log: %v", err)
	}
	if !strings.Contains(string(data), "12ms") {
		t.Fatalf("expected latency content, got %q", data)
	}
}

func TestSanitizeLogLineStripsControlChars(t *testing.T) {
	got := sanitizeLogLine("line one\nline two\x07")
	if strings.Contains(got, "\n") || strings.Contains(got, "\x07") {
		t.Fatalf("expected control chars stripped, got %q", got)
	}
}
