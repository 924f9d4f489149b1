package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ShayCichocki/taskpilot/internal/errs"
	"github.com/ShayCichocki/taskpilot/internal/orchestrator"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{250 * time.Millisecond, "250ms"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m5s"},
		{2 * time.Hour, "2h"},
		{2*time.Hour + 30*time.Minute, "2h30m"},
		{49 * time.Hour, "2d"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%s) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   orchestrator.OrchestratorEvent
		want string
	}{
		{
			name: "started",
			ev:   orchestrator.OrchestratorEvent{Type: orchestrator.EventTaskStarted, TaskID: "add-user-auth", TaskTitle: "Add user auth"},
			want: "add-user-auth: Add user auth",
		},
		{
			name: "failed with error",
			ev: orchestrator.OrchestratorEvent{
				Type: orchestrator.EventTaskFailed, TaskID: "add-user-auth",
				Error: &errs.SubprocessError{Tool: "claude", ExitCode: 2},
			},
			want: "add-user-auth failed: claude failed with exit code 2",
		},
		{
			name: "blocked",
			ev:   orchestrator.OrchestratorEvent{Type: orchestrator.EventTaskBlocked, TaskID: "add-payment", Message: "needs keys"},
			want: "add-payment blocked: needs keys",
		},
		{
			name: "status changes are not shown",
			ev:   orchestrator.OrchestratorEvent{Type: orchestrator.EventTaskStatus, TaskID: "add-payment"},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, line, _ := formatEvent(tt.ev)
			if line != tt.want {
				t.Errorf("line = %q, want %q", line, tt.want)
			}
		})
	}
}

func TestParseSpecs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.md")
	if err := os.WriteFile(path, []byte("#### Scenario: login"), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := parseSpecs([]string{"auth=" + path})
	if err != nil {
		t.Fatalf("parseSpecs() error: %v", err)
	}
	if got["auth"] != "#### Scenario: login" {
		t.Errorf("deltas = %v", got)
	}

	for _, bad := range []string{"auth", "=file", "auth="} {
		if _, err := parseSpecs([]string{bad}); err == nil {
			t.Errorf("parseSpecs(%q) should fail", bad)
		}
	}
	if got, err := parseSpecs(nil); err != nil || got != nil {
		t.Errorf("parseSpecs(nil) = %v, %v", got, err)
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(errInterrupted); got != 130 {
		t.Errorf("exitCode(interrupted) = %d, want 130", got)
	}
	if got := exitCode(fmt.Errorf("run: %w", errUnresolved)); got != 1 {
		t.Errorf("exitCode(unresolved) = %d, want 1", got)
	}
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Errorf("exitCode(other) = %d, want 1", got)
	}
}

func TestTaskNote(t *testing.T) {
	ready := map[string]bool{"a": true}
	cycle := map[string]bool{"c": true}
	tests := []struct {
		task *models.Task
		want string
	}{
		{&models.Task{ID: "a", Status: models.TaskStatusPending}, "ready"},
		{&models.Task{ID: "b", Status: models.TaskStatusPending, DependsOn: []string{"a"}}, "waiting on a"},
		{&models.Task{ID: "c", Status: models.TaskStatusPending, DependsOn: []string{"c2"}}, "dependency cycle"},
		{&models.Task{ID: "d", Status: models.TaskStatusFailed, LastError: "line one\nline two"}, "line one line two"},
		{&models.Task{ID: "e", Status: models.TaskStatusCompleted}, ""},
	}
	for _, tt := range tests {
		if got := taskNote(tt.task, ready, cycle); got != tt.want {
			t.Errorf("taskNote(%s) = %q, want %q", tt.task.ID, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate(strings.Repeat("x", 10), 5); got != "xx..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("  short  ", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}
