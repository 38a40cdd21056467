package logger

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestInitWithFile(t *testing.T) {
	// Reset the logger for this test
	defaultLogger = nil
	once = *new(sync.Once)

	// Create temp directory
	tempDir := t.TempDir()

	// Initialize logger with file
	err := InitWithFile("debug", tempDir)
	if err != nil {
		t.Fatalf("InitWithFile failed: %v", err)
	}
	defer Close()

	// Check log file was created
	logPath := GetLogFilePath()
	if logPath == "" {
		t.Fatal("Expected log file path, got empty string")
	}

	// Log some messages
	Debug("test debug message")
	Info("test info message")
	Warn("test warn message")
	Error("test error message")

	// Close to flush
	Close()

	// Read log file and verify no ANSI color codes
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	logContent := string(content)

	// Check messages are present
	if !strings.Contains(logContent, "test debug message") {
		t.Error("Debug message not found in log file")
	}
	if !strings.Contains(logContent, "test info message") {
		t.Error("Info message not found in log file")
	}

	// Check no ANSI color codes
	if strings.Contains(logContent, "\033[") {
		t.Error("Log file contains ANSI color codes")
	}

	// Check log file is in expected directory
	if filepath.Dir(logPath) != tempDir {
		t.Errorf("Log file not in expected directory: %s", logPath)
	}
}

func TestLogFilenameFormat(t *testing.T) {
	// Reset the logger for this test
	defaultLogger = nil
	once = *new(sync.Once)

	tempDir := t.TempDir()

	err := InitWithFile("info", tempDir)
	if err != nil {
		t.Fatalf("InitWithFile failed: %v", err)
	}
	defer Close()

	logPath := GetLogFilePath()
	filename := filepath.Base(logPath)

	// Check filename format: YYYY-MM-DD_HH-MM-SS_TZ.log
	if !strings.HasSuffix(filename, ".log") {
		t.Errorf("Log filename should end with .log: %s", filename)
	}

	// Should contain underscore separators
	parts := strings.Split(strings.TrimSuffix(filename, ".log"), "_")
	if len(parts) < 3 {
		t.Errorf("Log filename format incorrect: %s", filename)
	}
}

func TestLevelFiltering(t *testing.T) {
	defaultLogger = nil
	once = *new(sync.Once)

	var buf strings.Builder
	Init("warn")
	SetOutput(&buf)
	SetColorEnable(false)

	Debug("hidden debug")
	Info("hidden info")
	Warn("visible warn %d", 1)
	Error("visible error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("messages below WARN should be filtered: %q", out)
	}
	if !strings.Contains(out, "[WARN] visible warn 1") {
		t.Errorf("warn message missing: %q", out)
	}
	if !strings.Contains(out, "[ERROR] visible error") {
		t.Errorf("error message missing: %q", out)
	}
}

func TestGetLogFilePathWithoutFile(t *testing.T) {
	defaultLogger = nil
	once = *new(sync.Once)

	if got := GetLogFilePath(); got != "" {
		t.Errorf("expected empty path before init, got %q", got)
	}
	Init("info")
	if got := GetLogFilePath(); got != "" {
		t.Errorf("expected empty path for console logger, got %q", got)
	}
}

func TestColorFollowsOutput(t *testing.T) {
	defaultLogger = nil
	once = *new(sync.Once)

	var buf strings.Builder
	Init("info")
	SetOutput(&buf)
	Info("piped message")

	if strings.Contains(buf.String(), "\033[") {
		t.Errorf("non-terminal output should not be coloured: %q", buf.String())
	}

	buf.Reset()
	SetColorEnable(true)
	Info("forced colour")
	if !strings.Contains(buf.String(), levelColors[INFO]) {
		t.Errorf("SetColorEnable(true) should colour output: %q", buf.String())
	}
}
