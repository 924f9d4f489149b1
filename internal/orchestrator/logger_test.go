package orchestrator

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/taskpilot/pkg/models"
)

func TestDebugLoggerSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", DebugLogFile)
	logger, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger() error: %v", err)
	}
	logger.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }

	logger.Session(SessionHeader{
		Root:          "/work/shop",
		Tool:          "claude",
		Command:       "claude",
		MaxParallel:   2,
		MaxIterations: 5,
		Timeout:       30 * time.Minute,
		Scope:         []string{"fix-login", "add-user-auth"},
	})
	logger.TaskResult("add-user-auth", models.TaskStatusBlocked, 3, 1500*time.Millisecond, "needs API key")
	logger.Func()("[bridge] %s retry %d", "claude", 1)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	got := string(data)
	for _, want := range []string{
		"=== session started 2026-03-01T09:30:00Z ===",
		"root:       /work/shop",
		"tool:       claude (claude)",
		"limits:     parallel=2 iterations=5 timeout=30m0s",
		"scope:      add-user-auth, fix-login",
		"[09:30:00.000] [task add-user-auth] -> blocked after 3 attempt(s) in 1.5s: needs API key",
		"[bridge] claude retry 1",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("log missing %q:\n%s", want, got)
		}
	}
}

func TestDebugLoggerRotatesLargeLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), DebugLogFile)
	if err := os.WriteFile(path, []byte("old session\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		size        int64
		wantRotated bool
	}{
		{name: "small log is appended to", size: 1024, wantRotated: false},
		{name: "oversized log is rotated", size: maxDebugLogBytes + 1, wantRotated: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := os.Truncate(path, tt.size); err != nil {
				t.Fatal(err)
			}
			logger, err := NewDebugLogger(path)
			if err != nil {
				t.Fatalf("NewDebugLogger() error: %v", err)
			}
			_ = logger.Close()

			_, err = os.Stat(path + ".1")
			if rotated := err == nil; rotated != tt.wantRotated {
				t.Errorf("rotated = %v, want %v", rotated, tt.wantRotated)
			}
			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("Stat() error: %v", err)
			}
			if tt.wantRotated && info.Size() >= maxDebugLogBytes {
				t.Errorf("new log size = %d, want a fresh file", info.Size())
			}
		})
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	var nilLogger *DebugLogger
	for _, l := range []*DebugLogger{NopLogger(), nilLogger} {
		l.Log("ignored %d", 1)
		l.Session(SessionHeader{Tool: "claude"})
		l.TaskResult("x", models.TaskStatusFailed, 1, time.Second, "")
		if err := l.Close(); err != nil {
			t.Errorf("Close() error: %v", err)
		}
	}
}
