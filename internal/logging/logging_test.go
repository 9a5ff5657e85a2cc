package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"WARN", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"loud", slog.LevelInfo, false},
	}
	for _, tc := range cases {
		got, err := ParseLevel(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Errorf("ParseLevel(%q) = (%v, %v), want (%v, ok=%v)", tc.in, got, err, tc.want, tc.ok)
		}
	}
}

func TestSetupWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vtpmd.log")

	if err := Setup(Options{Level: "info", Format: "json", Path: path}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	slog.Info("device endpoint up", "device", "vtpm0")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"device":"vtpm0"`) {
		t.Errorf("log entry missing attribute: %s", data)
	}
}

func TestSetLevelFiltersBelow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vtpmd.log")
	if err := Setup(Options{Level: "info", Format: "text", Path: path}); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	if err := SetLevel("error"); err != nil {
		t.Fatalf("SetLevel failed: %v", err)
	}
	slog.Info("should be filtered")
	slog.Error("should appear")

	data, _ := os.ReadFile(path)
	if strings.Contains(string(data), "should be filtered") {
		t.Error("info entry logged at error level")
	}
	if !strings.Contains(string(data), "should appear") {
		t.Error("error entry missing")
	}

	if err := SetLevel("nope"); err == nil {
		t.Error("SetLevel accepted unknown level")
	}
}
