package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogWritesJSONLinesToConsoleAndFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "logs", "pausevm.log")
	t.Setenv(LogFileEnv, logPath)
	t.Setenv(LogLevelEnv, "info")

	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	Info("task_executed", map[string]any{"task_id": "t1", "status": "completed"})
	Debug("hidden_below_min_level", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 console line, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("console line is not json: %v", err)
	}
	if entry["event"] != "task_executed" || entry["level"] != "info" || entry["task_id"] != "t1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("missing timestamp: %v", entry)
	}

	raw, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file failed: %v", err)
	}
	if !strings.Contains(string(raw), `"event":"task_executed"`) {
		t.Fatalf("log file missing event: %s", raw)
	}
}

func TestNormalizeLevel(t *testing.T) {
	cases := map[string]string{
		"WARN":    "warning",
		" error ": "error",
		"debug":   "debug",
		"verbose": "",
	}
	for in, want := range cases {
		if got := normalizeLevel(in); got != want {
			t.Fatalf("normalizeLevel(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestSetLevelEnablesDebug(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	prev := SetLevel("debug")
	t.Cleanup(func() {
		SetLevel(prev)
		SetOutput(os.Stderr)
	})

	Debug("engine_acquired", map[string]any{"engine": "fake"})
	if !strings.Contains(buf.String(), `"level":"debug"`) {
		t.Fatalf("debug line not written: %q", buf.String())
	}

	SetLevel("error")
	buf.Reset()
	Info("dropped", nil)
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at error level: %q", buf.String())
	}
	if got := SetLevel("nonsense"); got != "error" {
		t.Fatalf("expected previous level error, got %q", got)
	}
}
