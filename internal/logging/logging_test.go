package logging

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewRejectsInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	if _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestNewEnvLevelWins(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	logger, err := New(Config{Level: "warn"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}
}

func TestNewFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "svc.log")
	logger, err := New(Config{Format: "text", File: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	entry := Component(logger, "test")
	if v, ok := entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Data)
	}
}
