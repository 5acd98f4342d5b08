// Package logging includes tests for the zap logger helpers.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true, "debug")
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false, "info")
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

func TestNewWithFileSink(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run.log")
	logger, err := New(false, "warn", path)
	if err != nil {
		t.Fatalf("New with file sink error = %v", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Warn("file sink ready")
}

// TestDevelopmentFileSinkHasNoColorCodes ensures the per-run log file gets a
// plain level encoder even though the console keeps colored levels.
func TestDevelopmentFileSinkHasNoColorCodes(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run.log")
	logger, err := New(true, "debug", path)
	if err != nil {
		t.Fatalf("New(true) with file sink error = %v", err)
	}
	logger.Info("file sink ready")
	logger.Sync() //nolint:errcheck // best-effort flush

	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(body), "INFO") {
		t.Fatalf("log file missing plain level tag, got %q", body)
	}
	if strings.Contains(string(body), "\x1b[") {
		t.Fatalf("log file contains ANSI escapes: %q", body)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	t.Parallel()

	if _, err := New(false, "shout"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
