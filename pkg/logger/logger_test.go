package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewLoggerDefaults(t *testing.T) {
	t.Parallel()
	l, err := NewLogger(Config{})
	if err != nil {
		t.Fatalf("NewLogger error: %v", err)
	}
	l.Info("hello")
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	t.Parallel()
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "herald.log")
	l, err := NewLogger(Config{Format: "json", File: FileConfig{Path: path}})
	if err != nil {
		t.Fatalf("NewLogger error: %v", err)
	}
	l.Info("written to file")
	_ = l.Sync()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("log file is empty")
	}
}
