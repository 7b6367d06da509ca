package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNextRestartCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("restarter:\n  schedule: [\"04:00\", \"nope\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := NewCmdNextRestart()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "04:00 (") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(errOut.String(), `"nope"`) {
		t.Errorf("invalid entry should be reported, stderr %q", errOut.String())
	}
}

func TestSummaryCommandMissingHistory(t *testing.T) {
	cmd := NewCmdSummary()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--history", filepath.Join(t.TempDir(), "missing.json")})
	if err := cmd.Execute(); err == nil {
		t.Error("expected an error for a missing history file")
	}
}
