package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExecRunner_RunUsesDirAndReportsStderr(t *testing.T) {
	if _, err := (ExecRunner{}).LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()

	if err := (ExecRunner{}).Run(context.Background(), dir, "sh", "-c", "echo ok > marker"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "marker")); err != nil {
		t.Fatalf("expected command to run inside %s: %v", dir, err)
	}

	err := (ExecRunner{}).Run(context.Background(), dir, "sh", "-c", "echo broken >&2; exit 3")
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected error carrying stderr, got %v", err)
	}
}
