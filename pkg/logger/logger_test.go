package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config.Level != LevelInfo {
		t.Errorf("Expected default level Info, got %d", config.Level)
	}
	if !config.Console {
		t.Error("Expected console output to be enabled by default")
	}
	if config.File {
		t.Error("Expected file output to be disabled by default")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{" warn ", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"info", LevelInfo},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestModuleHelpers(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, LevelDebug)
	defer SetOutput(&bytes.Buffer{}, LevelError)

	ProxyLog().Int("session", 7).Msg("relay started")
	CertLog().Str("host", "example.com").Msg("minted")
	ParseLog().Msg("ignored portion")

	output := buf.String()
	for _, want := range []string{`"module":"proxy"`, `"session":7`, `"module":"certs"`, `"module":"parse"`, "ignored portion"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected %s in output, got %s", want, output)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, LevelWarn)
	defer SetOutput(&bytes.Buffer{}, LevelError)

	Info("test").Msg("info message")
	Warn("test").Msg("warn message")

	output := buf.String()
	if strings.Contains(output, "info message") {
		t.Error("Info message should be filtered at warn level")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("Expected warn message in output")
	}
}

func TestPersistentLoggerRotation(t *testing.T) {
	tmpDir := t.TempDir()

	config := Config{
		FilePath:   filepath.Join(tmpDir, "netopsy.log"),
		MaxSizeMB:  1,
		MaxBackups: 5,
		Compress:   false,
	}

	pl, err := NewPersistentLogger(config)
	if err != nil {
		t.Fatalf("Failed to create persistent logger: %v", err)
	}
	defer pl.Close()

	line := bytes.Repeat([]byte("x"), 64*1024)
	for i := 0; i < 20; i++ {
		if _, err := pl.Write(line); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}

	rotated, _ := filepath.Glob(filepath.Join(tmpDir, "netopsy_*.log"))
	if len(rotated) == 0 {
		t.Error("Expected at least one rotated log file")
	}

	if _, err := os.Stat(config.FilePath); err != nil {
		t.Errorf("Current log file should exist: %v", err)
	}
}

func TestPersistentLoggerWriteAfterClose(t *testing.T) {
	pl, err := NewPersistentLogger(Config{FilePath: filepath.Join(t.TempDir(), "netopsy.log")})
	if err != nil {
		t.Fatalf("Failed to create persistent logger: %v", err)
	}
	pl.Close()

	if _, err := pl.Write([]byte("late")); err == nil {
		t.Error("Expected error writing to closed logger")
	}
}
