//go:build integration

package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/taskpilot/internal/bridge"
	"github.com/ShayCichocki/taskpilot/internal/exec"
	"github.com/ShayCichocki/taskpilot/internal/orchestrator"
	"github.com/ShayCichocki/taskpilot/internal/runlog"
	"github.com/ShayCichocki/taskpilot/internal/signals"
	"github.com/ShayCichocki/taskpilot/internal/state"
	"github.com/ShayCichocki/taskpilot/internal/taskstore"
	"github.com/ShayCichocki/taskpilot/internal/toolregistry"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

const proposal = `# Add user auth

## Why
Users need to log in before they can see their own orders and invoices.
`

func newTask(title string, deps ...string) taskstore.NewTask {
	return taskstore.NewTask{
		Title:     title,
		Proposal:  proposal,
		Checklist: "- [ ] implement\n",
		SpecDeltas: map[string]string{
			"auth": "## ADDED Requirements\n#### Scenario: login\n- WHEN ok\n- THEN ok\n",
		},
		DependsOn: deps,
	}
}

// shTool is a marker-format tool backed by an sh script; detection probes
// the real sh binary.
func shTool(script string) models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:           "stub",
		Class:          "test stub",
		Probe:          []string{"sh", "-c", "echo stub 1.0"},
		Command:        "sh",
		Args:           []string{"-c", script, "stub", models.PromptPlaceholder},
		Format:         models.FormatMarker,
		Markers:        toolregistry.DefaultMarkers(),
		DefaultTimeout: 30 * time.Second,
	}
}

type env struct {
	root  string
	store *taskstore.Store
	index *state.DB
	log   *runlog.Log
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	store, err := taskstore.New(root)
	require.NoError(t, err)
	index, err := state.OpenProject(root)
	require.NoError(t, err)
	t.Cleanup(func() { index.Close() })
	rl, err := runlog.Open(filepath.Join(root, ".taskpilot", "logs"), runlog.WithIndex(index))
	require.NoError(t, err)
	t.Cleanup(func() { rl.Close() })
	return &env{root: root, store: store, index: index, log: rl}
}

func (e *env) orchestrator(tool models.ToolDescriptor, opts ...orchestrator.Option) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.RequiredConfig{
		Store:    e.store,
		Registry: toolregistry.New([]models.ToolDescriptor{tool}, exec.NewRunner()),
		Executor: bridge.New(bridge.WithBackoff(10*time.Millisecond, 50*time.Millisecond)),
		RunLog:   e.log,
	}, append([]orchestrator.Option{orchestrator.WithWorkDir(e.root)}, opts...)...)
}

// TestRunAllWithDependencies runs two dependent tasks end to end and checks
// the store, the execution log and the run index agree.
func TestRunAllWithDependencies(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.Create("add-user-auth", newTask("Add user auth"))
	require.NoError(t, err)
	_, err = e.store.Create("add-payment", newTask("Add payment", "add-user-auth"))
	require.NoError(t, err)

	tool := shTool(`echo "working"; echo TASK_COMPLETE`)
	summary, err := e.orchestrator(tool, orchestrator.WithMaxParallel(2)).RunAll(context.Background())
	require.NoError(t, err)
	require.True(t, summary.OK(), "summary = %+v", summary)
	assert.Equal(t, []string{"add-payment", "add-user-auth"}, summary.Completed)

	auth, err := e.store.Read("add-user-auth")
	require.NoError(t, err)
	payment, err := e.store.Read("add-payment")
	require.NoError(t, err)
	assert.False(t, payment.UpdatedAt.Before(auth.UpdatedAt), "add-payment finished before its dependency")

	for _, id := range []string{"add-user-auth", "add-payment"} {
		indexed, err := e.index.ListRuns(id, 0)
		require.NoError(t, err)
		logged, err := e.log.Runs(id)
		require.NoError(t, err)
		require.Len(t, indexed, 1, id)
		require.Len(t, logged, 1, id)
		assert.Equal(t, logged[0].ID, indexed[0].ID, id)
		assert.Equal(t, models.OutcomeSuccess, indexed[0].Outcome, id)
	}
}

// TestStopSignalInterruptsRun checks that the stop file cancels an in-flight
// invocation and leaves the task failed.
func TestStopSignalInterruptsRun(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.Create("add-user-auth", newTask("Add user auth"))
	require.NoError(t, err)

	stateDir := filepath.Join(e.root, ".taskpilot")
	watcher, err := signals.New(stateDir)
	require.NoError(t, err)
	defer watcher.Close()
	ctx, cancel := watcher.Context(context.Background())
	defer cancel()

	go func() {
		time.Sleep(300 * time.Millisecond)
		assert.NoError(t, signals.SendStop(stateDir))
	}()

	tool := shTool(`echo started; sleep 30`)
	start := time.Now()
	_, err = e.orchestrator(tool, orchestrator.WithBridgeLimits(0, 200*time.Millisecond)).RunAll(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 10*time.Second, "run kept going after stop")

	task, err := e.store.Read("add-user-auth")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.LastError, "interrupted")
}
