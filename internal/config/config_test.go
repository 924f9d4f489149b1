package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/taskpilot/internal/toolregistry"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Orchestrator.MaxParallel != 1 {
		t.Errorf("expected max_parallel 1, got %d", cfg.Orchestrator.MaxParallel)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("expected max_retries 3, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Tools.ProbeTimeout != 5*time.Second {
		t.Errorf("expected probe timeout 5s, got %v", cfg.Tools.ProbeTimeout)
	}
	if len(cfg.Tools.Enabled) != 3 {
		t.Errorf("expected 3 enabled tools, got %v", cfg.Tools.Enabled)
	}
	if cfg.Tools.Timeouts[toolregistry.CursorAgent] != 30*time.Minute {
		t.Errorf("expected cursor-agent timeout 30m, got %v", cfg.Tools.Timeouts[toolregistry.CursorAgent])
	}
	if cfg.Tools.Timeouts[toolregistry.Claude] != 30*time.Second {
		t.Errorf("expected claude timeout 30s, got %v", cfg.Tools.Timeouts[toolregistry.Claude])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
root: work
orchestrator:
  max_parallel: 4
  preferred_tool: claude
tools:
  enabled: [claude, gemini]
  timeouts:
    claude: 2m
retry:
  max_retries: 1
  base_delay: 10ms
  max_delay: 1s
log:
  debug: true
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath() error: %v", err)
	}

	if cfg.Root != filepath.Join(tmpDir, "work") {
		t.Errorf("expected root resolved against config dir, got %q", cfg.Root)
	}
	if cfg.Orchestrator.MaxParallel != 4 {
		t.Errorf("expected max_parallel 4, got %d", cfg.Orchestrator.MaxParallel)
	}
	if cfg.Orchestrator.PreferredTool != "claude" {
		t.Errorf("expected preferred tool claude, got %q", cfg.Orchestrator.PreferredTool)
	}
	if len(cfg.Tools.Enabled) != 2 {
		t.Errorf("expected 2 enabled tools, got %v", cfg.Tools.Enabled)
	}
	if cfg.Tools.Timeouts["claude"] != 2*time.Minute {
		t.Errorf("expected claude timeout 2m, got %v", cfg.Tools.Timeouts["claude"])
	}
	if cfg.Retry.BaseDelay != 10*time.Millisecond {
		t.Errorf("expected base delay 10ms, got %v", cfg.Retry.BaseDelay)
	}
	if !cfg.Log.Debug {
		t.Error("expected log.debug to be true")
	}
	// Unset values keep their defaults.
	if cfg.Orchestrator.MaxIterations != 5 {
		t.Errorf("expected default max_iterations 5, got %d", cfg.Orchestrator.MaxIterations)
	}
}

func TestLoadFromPathRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero parallel", "orchestrator:\n  max_parallel: 0\n"},
		{"unknown tool", "tools:\n  enabled: [codex]\n"},
		{"unknown preferred", "orchestrator:\n  preferred_tool: codex\n"},
		{"negative retries", "retry:\n  max_retries: -1\n"},
		{"max below base", "retry:\n  base_delay: 2s\n  max_delay: 1s\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadFromPath(path); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMergesProjectOverUser(t *testing.T) {
	userDir := t.TempDir()
	projectDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(userDir, "config.yaml"), []byte("orchestrator:\n  max_parallel: 2\n  max_iterations: 9\n"), 0644); err != nil {
		t.Fatal(err)
	}
	projectPath := filepath.Join(projectDir, ProjectConfigName)
	if err := os.WriteFile(projectPath, []byte("orchestrator:\n  max_parallel: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(userDir, projectPath)
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.Orchestrator.MaxParallel != 3 {
		t.Errorf("expected project max_parallel 3, got %d", cfg.Orchestrator.MaxParallel)
	}
	if cfg.Orchestrator.MaxIterations != 9 {
		t.Errorf("expected user max_iterations 9, got %d", cfg.Orchestrator.MaxIterations)
	}
	if cfg.Root != projectDir {
		t.Errorf("expected root %q, got %q", projectDir, cfg.Root)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TASKPILOT_ORCHESTRATOR_MAX_PARALLEL", "6")

	cfg, err := load(t.TempDir(), "")
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.Orchestrator.MaxParallel != 6 {
		t.Errorf("expected env max_parallel 6, got %d", cfg.Orchestrator.MaxParallel)
	}
}

func TestWithMethodsCopy(t *testing.T) {
	base := Default()
	changed := base.WithMaxParallel(8).WithToolTimeout(toolregistry.Claude, time.Hour).WithEnabledTools([]string{toolregistry.Gemini})

	if base.Orchestrator.MaxParallel != 1 {
		t.Error("WithMaxParallel mutated the receiver")
	}
	if base.Tools.Timeouts[toolregistry.Claude] != 30*time.Second {
		t.Error("WithToolTimeout mutated the receiver's map")
	}
	if len(base.Tools.Enabled) != 3 {
		t.Error("WithEnabledTools mutated the receiver's slice")
	}
	if changed.Orchestrator.MaxParallel != 8 || changed.Tools.Timeouts[toolregistry.Claude] != time.Hour {
		t.Errorf("copy not updated: %+v", changed)
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default().WithMaxParallel(2).WithPreferredTool(toolregistry.Gemini).WithRoot("/srv/tasks")

	if err := SaveTo(cfg, path); err != nil {
		t.Fatalf("SaveTo() error: %v", err)
	}
	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath() error: %v", err)
	}
	if loaded.Orchestrator.MaxParallel != 2 || loaded.Orchestrator.PreferredTool != toolregistry.Gemini {
		t.Errorf("round trip lost values: %+v", loaded.Orchestrator)
	}
	if loaded.Root != "/srv/tasks" {
		t.Errorf("expected root /srv/tasks, got %q", loaded.Root)
	}
}

func TestLogDir(t *testing.T) {
	cfg := Default().WithRoot("/work")
	if got := cfg.LogDir(); got != filepath.Join("/work", ".taskpilot", "logs") {
		t.Errorf("LogDir() = %q", got)
	}
	cfg.Log.Dir = "/var/log/taskpilot"
	if got := cfg.LogDir(); got != "/var/log/taskpilot" {
		t.Errorf("LogDir() absolute = %q", got)
	}
}
