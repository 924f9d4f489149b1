package exec

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecRunner_Run(t *testing.T) {
	r := NewRunner()
	out, err := r.Run(context.Background(), t.TempDir(), "sh", "-c", "echo hello; echo oops >&2")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.Contains(string(out), "hello") || !strings.Contains(string(out), "oops") {
		t.Errorf("Run() output = %q, want stdout and stderr combined", out)
	}
}

func TestExecRunner_ExitCode(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), "", "sh", "-c", "exit 3")
	if got := ExitCode(err); got != 3 {
		t.Errorf("ExitCode() = %d, want 3", got)
	}
	if got := ExitCode(nil); got != 0 {
		t.Errorf("ExitCode(nil) = %d, want 0", got)
	}
}

func TestExecRunner_ContextTimeout(t *testing.T) {
	r := NewRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, "", "sleep", "5")
	if err == nil {
		t.Fatal("expected error from cancelled command")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Run() took %v after cancellation", elapsed)
	}
}

func TestExecRunner_LookPath(t *testing.T) {
	r := NewRunner()
	if _, err := r.LookPath("sh"); err != nil {
		t.Errorf("LookPath(sh) error: %v", err)
	}
	if _, err := r.LookPath("definitely-not-a-real-binary-xyz"); err == nil {
		t.Error("LookPath() of missing binary should fail")
	}
}
