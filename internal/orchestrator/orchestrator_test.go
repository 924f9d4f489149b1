package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/taskpilot/internal/bridge"
	"github.com/ShayCichocki/taskpilot/internal/errs"
	"github.com/ShayCichocki/taskpilot/internal/graph"
	"github.com/ShayCichocki/taskpilot/internal/runlog"
	"github.com/ShayCichocki/taskpilot/internal/taskstore"
	"github.com/ShayCichocki/taskpilot/internal/toolregistry"
	"github.com/ShayCichocki/taskpilot/pkg/models"
	"github.com/google/uuid"
)

const validProposal = `# Change

## Why
Users need to log in before they can see their own orders and invoices.
`

func validTask(title string, deps ...string) taskstore.NewTask {
	return taskstore.NewTask{
		Title:     title,
		Proposal:  validProposal,
		Checklist: "- [ ] do the work\n",
		SpecDeltas: map[string]string{
			"core": "## ADDED Requirements\n### Requirement: X\n#### Scenario: y\n- WHEN a\n- THEN b\n",
		},
		DependsOn: deps,
	}
}

// stubTool is the descriptor the fake selector hands out.
var stubTool = models.ToolDescriptor{
	Name:        "stub",
	Command:     "stub",
	Args:        []string{"--prompt", models.PromptPlaceholder},
	Format:      models.FormatMarker,
	RetryBudget: 0,
}

type fakeSelector struct {
	tool models.ToolDescriptor
	err  error
}

func (f fakeSelector) Select(context.Context, string) (models.ToolDescriptor, error) {
	return f.tool, f.err
}

func (f fakeSelector) Descriptors() []models.ToolDescriptor {
	return []models.ToolDescriptor{f.tool}
}

// scriptedExecutor answers each Execute with the next scripted outcome for
// the task named in the prompt. Unscripted tasks succeed.
type scriptedExecutor struct {
	mu      sync.Mutex
	scripts map[string][]models.Outcome
	blocked map[string]string
	calls   []string
	hook    func(taskID string)
	hold    time.Duration

	inFlight int32
	peak     int32
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{scripts: map[string][]models.Outcome{}, blocked: map[string]string{}}
}

func taskIDFromPrompt(prompt string) string {
	start := strings.Index(prompt, `"`)
	end := strings.Index(prompt[start+1:], `"`)
	return prompt[start+1 : start+1+end]
}

func (s *scriptedExecutor) Execute(ctx context.Context, req bridge.Request) bridge.Result {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		p := atomic.LoadInt32(&s.peak)
		if n <= p || atomic.CompareAndSwapInt32(&s.peak, p, n) {
			break
		}
	}

	id := taskIDFromPrompt(req.Prompt)
	s.mu.Lock()
	s.calls = append(s.calls, id)
	outcome := models.OutcomeSuccess
	if script := s.scripts[id]; len(script) > 0 {
		outcome, s.scripts[id] = script[0], script[1:]
	}
	reason, blocked := s.blocked[id]
	hook := s.hook
	s.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	if s.hold > 0 {
		time.Sleep(s.hold)
	}

	inv := bridge.Invocation{
		ID:        uuid.NewString(),
		Tool:      req.Tool.Name,
		Attempt:   1,
		Prompt:    req.Prompt,
		StartedAt: time.Now(),
	}
	req.Sink.InvocationStarted(&inv)
	ev := models.Event{Seq: 0, Kind: models.EventAssistant, Text: "working"}
	inv.Events = append(inv.Events, ev)
	req.Sink.Event(&inv, ev)

	res := bridge.Result{Outcome: outcome}
	switch {
	case blocked:
		ev := models.Event{Seq: 1, Kind: models.EventError, Text: bridge.BlockedMarker + " " + reason}
		inv.Events = append(inv.Events, ev)
		req.Sink.Event(&inv, ev)
		res.Outcome = models.OutcomeFailure
		res.Err = &errs.SubprocessError{Tool: req.Tool.Name, Message: ev.Text}
	case outcome == models.OutcomeFailure:
		res.Err = &errs.SubprocessError{Tool: req.Tool.Name, ExitCode: 1}
	case outcome == models.OutcomeTimeout:
		res.Err = &errs.TimeoutError{Tool: req.Tool.Name, Timeout: time.Second}
	}
	inv.Outcome = res.Outcome
	inv.Err = res.Err
	inv.EndedAt = time.Now()
	req.Sink.InvocationEnded(&inv)
	res.Invocations = []bridge.Invocation{inv}
	return res
}

type fixture struct {
	store *taskstore.Store
	log   *runlog.Log
	exec  *scriptedExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := taskstore.New(t.TempDir())
	if err != nil {
		t.Fatalf("taskstore.New() error: %v", err)
	}
	rl, err := runlog.Open(t.TempDir())
	if err != nil {
		t.Fatalf("runlog.Open() error: %v", err)
	}
	t.Cleanup(func() { _ = rl.Close() })
	return &fixture{store: store, log: rl, exec: newScriptedExecutor()}
}

func (f *fixture) create(t *testing.T, id string, nt taskstore.NewTask) {
	t.Helper()
	if _, err := f.store.Create(id, nt); err != nil {
		t.Fatalf("Create(%s) error: %v", id, err)
	}
}

func (f *fixture) orchestrator(opts ...Option) *Orchestrator {
	return New(RequiredConfig{
		Store:    f.store,
		Registry: fakeSelector{tool: stubTool},
		Executor: f.exec,
		RunLog:   f.log,
	}, opts...)
}

func (f *fixture) status(t *testing.T, id string) models.TaskStatus {
	t.Helper()
	task, err := f.store.Read(id)
	if err != nil {
		t.Fatalf("Read(%s) error: %v", id, err)
	}
	return task.Status
}

func TestRunCompletesTask(t *testing.T) {
	f := newFixture(t)
	f.create(t, "add-user-auth", validTask("Add user auth"))

	emitter := NewEventEmitter(64)
	summary, err := f.orchestrator(WithEmitter(emitter)).RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}
	emitter.Close()

	if got := f.status(t, "add-user-auth"); got != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}
	if len(summary.Completed) != 1 || !summary.OK() {
		t.Errorf("summary = %+v", summary)
	}

	runs, err := f.log.Runs("add-user-auth")
	if err != nil {
		t.Fatalf("Runs() error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Outcome != models.OutcomeSuccess || runs[0].Iteration != 1 {
		t.Errorf("run = %+v", runs[0])
	}

	var types []EventType
	for ev := range emitter.Events() {
		types = append(types, ev.Type)
	}
	want := []EventType{
		EventTaskStarted, EventRunStarted, EventRunCompleted, EventTaskStatus, EventTaskCompleted, EventSessionDone,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestDependentWaitsForDependency(t *testing.T) {
	f := newFixture(t)
	f.create(t, "add-user-auth", validTask("Add user auth"))
	f.create(t, "add-payment", validTask("Add payment", "add-user-auth"))

	var readyDuringAuth []string
	f.exec.hook = func(id string) {
		if id != "add-user-auth" {
			return
		}
		snapshot, err := f.store.Snapshot()
		if err != nil {
			t.Errorf("Snapshot() error: %v", err)
			return
		}
		readyDuringAuth = graph.Build(snapshot).ComputeReady()
	}

	summary, err := f.orchestrator(WithMaxParallel(4)).RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}

	for _, id := range readyDuringAuth {
		if id == "add-payment" {
			t.Error("add-payment was ready while add-user-auth was in progress")
		}
	}
	if strings.Join(f.exec.calls, ",") != "add-user-auth,add-payment" {
		t.Errorf("calls = %v", f.exec.calls)
	}
	if strings.Join(summary.Completed, ",") != "add-payment,add-user-auth" {
		t.Errorf("Completed = %v", summary.Completed)
	}
}

func TestCycleIsReportedNotDispatched(t *testing.T) {
	f := newFixture(t)
	f.create(t, "a", validTask("A", "b"))
	f.create(t, "b", validTask("B", "a"))
	f.create(t, "c", validTask("C"))

	summary, err := f.orchestrator().RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}
	if strings.Join(f.exec.calls, ",") != "c" {
		t.Errorf("calls = %v, want only c", f.exec.calls)
	}
	var cycles int
	for _, te := range summary.Errors {
		var ce *errs.CycleError
		if errors.As(te, &ce) {
			cycles++
		}
	}
	if cycles != 2 {
		t.Errorf("cycle errors = %d, want 2 (%v)", cycles, summary.Errors)
	}
	if strings.Join(summary.Skipped, ",") != "a,b" {
		t.Errorf("Skipped = %v", summary.Skipped)
	}
	if f.status(t, "a") != models.TaskStatusPending {
		t.Error("cycle member changed status")
	}
}

func TestRunOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		script     []models.Outcome
		blocked    string
		iterations int
		wantStatus models.TaskStatus
		wantCalls  int
		wantErr    string
	}{
		{
			name:       "blocked marker",
			blocked:    "missing API key",
			iterations: 3,
			wantStatus: models.TaskStatusBlocked,
			wantCalls:  1,
			wantErr:    "missing API key",
		},
		{
			name:       "failure",
			script:     []models.Outcome{models.OutcomeFailure},
			iterations: 3,
			wantStatus: models.TaskStatusFailed,
			wantCalls:  1,
			wantErr:    "exit code 1",
		},
		{
			name:       "timeout",
			script:     []models.Outcome{models.OutcomeTimeout},
			iterations: 3,
			wantStatus: models.TaskStatusFailed,
			wantCalls:  1,
			wantErr:    "timed out",
		},
		{
			name:       "continuation then success",
			script:     []models.Outcome{models.OutcomeNeedsContinuation, models.OutcomeSuccess},
			iterations: 3,
			wantStatus: models.TaskStatusCompleted,
			wantCalls:  2,
		},
		{
			name: "iteration budget exhausted",
			script: []models.Outcome{
				models.OutcomeNeedsContinuation, models.OutcomeNeedsContinuation, models.OutcomeNeedsContinuation,
			},
			iterations: 2,
			wantStatus: models.TaskStatusFailed,
			wantCalls:  2,
			wantErr:    "iteration budget of 2 exhausted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.create(t, "add-user-auth", validTask("Add user auth"))
			f.exec.scripts["add-user-auth"] = tt.script
			if tt.blocked != "" {
				f.exec.blocked["add-user-auth"] = tt.blocked
			}

			summary, err := f.orchestrator(WithMaxIterations(tt.iterations)).RunAll(context.Background())
			if err != nil {
				t.Fatalf("RunAll() error: %v", err)
			}

			task, err := f.store.Read("add-user-auth")
			if err != nil {
				t.Fatalf("Read() error: %v", err)
			}
			if task.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", task.Status, tt.wantStatus)
			}
			if len(f.exec.calls) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(f.exec.calls), tt.wantCalls)
			}
			if task.Attempts != tt.wantCalls {
				t.Errorf("Attempts = %d, want %d", task.Attempts, tt.wantCalls)
			}
			if tt.wantErr == "" {
				if !summary.OK() {
					t.Errorf("summary not OK: %+v", summary)
				}
				return
			}
			if !strings.Contains(task.LastError, tt.wantErr) {
				t.Errorf("LastError = %q, want it to contain %q", task.LastError, tt.wantErr)
			}
			if summary.OK() || len(summary.Errors) != 1 {
				t.Errorf("summary = %+v", summary)
			}
		})
	}
}

func TestBlockedDependencyLeavesDependentSkipped(t *testing.T) {
	f := newFixture(t)
	f.create(t, "add-user-auth", validTask("Add user auth"))
	f.create(t, "add-payment", validTask("Add payment", "add-user-auth"))
	f.exec.blocked["add-user-auth"] = "needs credentials"

	summary, err := f.orchestrator().RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}
	if strings.Join(summary.Blocked, ",") != "add-user-auth" {
		t.Errorf("Blocked = %v", summary.Blocked)
	}
	if strings.Join(summary.Skipped, ",") != "add-payment" {
		t.Errorf("Skipped = %v", summary.Skipped)
	}
	if f.status(t, "add-payment") != models.TaskStatusPending {
		t.Error("add-payment should stay pending")
	}
}

func TestValidationFailureBlocks(t *testing.T) {
	f := newFixture(t)
	nt := validTask("Add user auth")
	nt.SpecDeltas = nil
	f.create(t, "add-user-auth", nt)

	summary, err := f.orchestrator().RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}
	if f.status(t, "add-user-auth") != models.TaskStatusBlocked {
		t.Errorf("status = %s, want blocked", f.status(t, "add-user-auth"))
	}
	var ve *errs.ValidationError
	if len(summary.Errors) != 1 || !errors.As(summary.Errors[0], &ve) {
		t.Errorf("Errors = %v, want one validation error", summary.Errors)
	}
}

func TestDryRunMutatesNothing(t *testing.T) {
	f := newFixture(t)
	f.create(t, "add-user-auth", validTask("Add user auth"))
	f.create(t, "add-payment", validTask("Add payment", "add-user-auth"))
	f.create(t, "add-docs", validTask("Add docs"))

	var out bytes.Buffer
	summary, err := f.orchestrator(WithDryRun(&out)).RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}

	if len(f.exec.calls) != 0 {
		t.Errorf("dry run executed %v", f.exec.calls)
	}
	if strings.Join(summary.DryRun, ",") != "add-docs,add-user-auth" {
		t.Errorf("DryRun = %v", summary.DryRun)
	}
	for _, id := range []string{"add-user-auth", "add-payment", "add-docs"} {
		if f.status(t, id) != models.TaskStatusPending {
			t.Errorf("%s changed status", id)
		}
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "add-docs: stub --prompt ") {
		t.Errorf("output = %q", out.String())
	}
	if days, _ := f.log.Days(); len(days) != 0 {
		t.Errorf("dry run wrote log days %v", days)
	}
}

func TestMaxParallel(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		f.create(t, id, validTask(id))
	}
	f.exec.hold = 50 * time.Millisecond

	summary, err := f.orchestrator(WithMaxParallel(2)).RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}
	if len(summary.Completed) != 5 {
		t.Errorf("Completed = %v", summary.Completed)
	}
	if peak := atomic.LoadInt32(&f.exec.peak); peak != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak)
	}
}

func TestRunTasksSelection(t *testing.T) {
	f := newFixture(t)
	f.create(t, "add-user-auth", validTask("Add user auth"))
	f.create(t, "add-docs", validTask("Add docs"))

	o := f.orchestrator()
	if _, err := o.RunTasks(context.Background(), []string{"missing"}); err == nil {
		t.Fatal("RunTasks(missing) should fail")
	} else {
		var nf *errs.NotFoundError
		if !errors.As(err, &nf) {
			t.Errorf("error = %v, want NotFoundError", err)
		}
	}

	summary, err := o.RunTasks(context.Background(), []string{"add-docs"})
	if err != nil {
		t.Fatalf("RunTasks() error: %v", err)
	}
	if strings.Join(summary.Completed, ",") != "add-docs" {
		t.Errorf("Completed = %v", summary.Completed)
	}
	if f.status(t, "add-user-auth") != models.TaskStatusPending {
		t.Error("unselected task ran")
	}
}

func TestNoToolAvailable(t *testing.T) {
	f := newFixture(t)
	f.create(t, "add-user-auth", validTask("Add user auth"))

	o := New(RequiredConfig{
		Store:    f.store,
		Registry: fakeSelector{err: &errs.ToolNotAvailableError{Tried: []string{"stub"}}},
		Executor: f.exec,
		RunLog:   f.log,
	})
	_, err := o.RunAll(context.Background())
	var na *errs.ToolNotAvailableError
	if !errors.As(err, &na) {
		t.Fatalf("error = %v, want ToolNotAvailableError", err)
	}
	if f.status(t, "add-user-auth") != models.TaskStatusPending {
		t.Error("task changed status without a tool")
	}
}

func TestCanceledContextDispatchesNothing(t *testing.T) {
	f := newFixture(t)
	f.create(t, "add-user-auth", validTask("Add user auth"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := f.orchestrator().RunAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if len(f.exec.calls) != 0 {
		t.Errorf("calls = %v", f.exec.calls)
	}
	if strings.Join(summary.Skipped, ",") != "add-user-auth" {
		t.Errorf("Skipped = %v", summary.Skipped)
	}
}

func TestRunWithShellTool(t *testing.T) {
	f := newFixture(t)
	f.create(t, "add-user-auth", validTask("Add user auth"))

	tool := models.ToolDescriptor{
		Name:           "stub",
		Command:        "sh",
		Args:           []string{"-c", `echo "got prompt"; echo TASK_COMPLETE`, "stub", models.PromptPlaceholder},
		Format:         models.FormatMarker,
		Markers:        toolregistry.DefaultMarkers(),
		DefaultTimeout: 10 * time.Second,
	}
	o := New(RequiredConfig{
		Store:    f.store,
		Registry: fakeSelector{tool: tool},
		Executor: bridge.New(),
		RunLog:   f.log,
	})
	summary, err := o.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}
	if !summary.OK() || len(summary.Completed) != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	runs, err := f.log.Runs("add-user-auth")
	if err != nil || len(runs) != 1 {
		t.Fatalf("Runs() = %v, %v", runs, err)
	}
	events, err := f.log.Events(runs[0].ID)
	if err != nil {
		t.Fatalf("Events() error: %v", err)
	}
	if len(events) != 2 || events[1].Kind != models.EventDone {
		t.Errorf("events = %+v", events)
	}
}

func TestShellToolLifecycle(t *testing.T) {
	f := newFixture(t)
	f.create(t, "add-user-auth", validTask("Add user auth"))
	if got := f.status(t, "add-user-auth"); got != models.TaskStatusPending {
		t.Fatalf("initial status = %s, want pending", got)
	}

	logPath := filepath.Join(t.TempDir(), DebugLogFile)
	logger, err := NewDebugLogger(logPath)
	if err != nil {
		t.Fatalf("NewDebugLogger() error: %v", err)
	}
	defer logger.Close()

	tool := models.ToolDescriptor{
		Name:           "stub",
		Command:        "sh",
		Args:           []string{"-c", `echo "[THINKING] planning the change"; echo "writing code"; echo TASK_COMPLETE`, "stub", models.PromptPlaceholder},
		Format:         models.FormatMarker,
		Markers:        toolregistry.DefaultMarkers(),
		DefaultTimeout: 10 * time.Second,
	}
	emitter := NewEventEmitter(64)
	o := New(RequiredConfig{
		Store:    f.store,
		Registry: fakeSelector{tool: tool},
		Executor: bridge.New(),
		RunLog:   f.log,
	}, WithEmitter(emitter), WithLogger(logger), WithWorkDir(t.TempDir()))
	if _, err := o.RunAll(context.Background()); err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}
	emitter.Close()

	var statuses []models.TaskStatus
	for ev := range emitter.Events() {
		if ev.Type == EventTaskStarted || ev.Type == EventTaskStatus {
			statuses = append(statuses, ev.Status)
		}
	}
	want := []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusCompleted}
	if len(statuses) != len(want) || statuses[0] != want[0] || statuses[1] != want[1] {
		t.Errorf("status sequence = %v, want %v", statuses, want)
	}
	if got := f.status(t, "add-user-auth"); got != models.TaskStatusCompleted {
		t.Errorf("status = %s, want completed", got)
	}

	runs, err := f.log.Runs("add-user-auth")
	if err != nil || len(runs) != 1 {
		t.Fatalf("Runs() = %v, %v", runs, err)
	}
	events, err := f.log.Events(runs[0].ID)
	if err != nil {
		t.Fatalf("Events() error: %v", err)
	}
	var kinds []models.EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	wantKinds := []models.EventKind{models.EventThinking, models.EventAssistant, models.EventDone}
	if len(kinds) != len(wantKinds) {
		t.Fatalf("event kinds = %v, want %v", kinds, wantKinds)
	}
	for i := range wantKinds {
		if kinds[i] != wantKinds[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], wantKinds[i])
		}
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	for _, line := range []string{"tool:       stub (sh)", "scope:      all ready tasks", "[task add-user-auth] -> completed after 1 attempt(s)"} {
		if !strings.Contains(string(data), line) {
			t.Errorf("debug log missing %q:\n%s", line, data)
		}
	}
}

func TestShellToolExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	f.create(t, "add-user-auth", validTask("Add user auth"))

	tool := models.ToolDescriptor{
		Name:           "stub",
		Command:        "sh",
		Args:           []string{"-c", `echo "compiling"; exit 1`, "stub", models.PromptPlaceholder},
		Format:         models.FormatMarker,
		Markers:        toolregistry.DefaultMarkers(),
		DefaultTimeout: 10 * time.Second,
		RetryBudget:    3,
	}
	var delays []time.Duration
	exec := bridge.New(
		bridge.WithBackoff(10*time.Millisecond, 40*time.Millisecond),
		bridge.WithSleeper(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)
	o := New(RequiredConfig{
		Store:    f.store,
		Registry: fakeSelector{tool: tool},
		Executor: exec,
		RunLog:   f.log,
	}, WithWorkDir(t.TempDir()))
	summary, err := o.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll() error: %v", err)
	}
	if len(summary.Failed) != 1 || summary.OK() {
		t.Fatalf("summary = %+v", summary)
	}
	if len(delays) != 3 {
		t.Errorf("backoff sleeps = %v, want 3", delays)
	}

	task, err := f.store.Read("add-user-auth")
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if task.Status != models.TaskStatusFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}
	if task.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", task.Attempts)
	}
	if task.LastOutcome != models.OutcomeFailure {
		t.Errorf("LastOutcome = %s, want failure", task.LastOutcome)
	}

	runs, err := f.log.Runs("add-user-auth")
	if err != nil {
		t.Fatalf("Runs() error: %v", err)
	}
	if len(runs) != 4 {
		t.Fatalf("runs = %d, want 4", len(runs))
	}
	for i, r := range runs {
		if r.Outcome != models.OutcomeFailure || r.Attempt != i+1 {
			t.Errorf("run %d = %+v", i, r)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	task := &models.Task{
		ID:        "add-user-auth",
		Title:     "Add user auth",
		Proposal:  "## Why\nlogin",
		Checklist: "- [ ] login",
		SpecDeltas: map[string]string{
			"b-cap": "B",
			"a-cap": "A",
		},
	}

	first := BuildPrompt(task, nil)
	for _, want := range []string{`"add-user-auth"`, "## Proposal", "- [ ] login", "TASK_COMPLETE", bridge.BlockedMarker} {
		if !strings.Contains(first, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Index(first, "### a-cap") > strings.Index(first, "### b-cap") {
		t.Error("spec deltas not sorted")
	}
	if strings.Contains(first, "Previous attempt") {
		t.Error("first prompt mentions a previous attempt")
	}

	next := BuildPrompt(task, &RunSummary{
		Iteration: 1,
		Outcome:   models.OutcomeNeedsContinuation,
		Tail:      []string{"Should I also add"},
	})
	if !strings.Contains(next, "Previous attempt (iteration 1)") || !strings.Contains(next, "> Should I also add") {
		t.Errorf("continuation prompt = %q", next)
	}
}

func TestSummarizeKeepsTail(t *testing.T) {
	var events []models.Event
	for i := 0; i < 8; i++ {
		events = append(events, models.Event{Seq: i, Kind: models.EventAssistant, Text: string(rune('a' + i))})
	}
	events = append(events, models.Event{Seq: 8, Kind: models.EventToolCallStarted, Text: "ignored"})
	res := bridge.Result{
		Outcome:     models.OutcomeNeedsContinuation,
		Invocations: []bridge.Invocation{{Events: events}},
	}

	s := summarize(2, res)
	if strings.Join(s.Tail, "") != "defgh" {
		t.Errorf("Tail = %v", s.Tail)
	}
	if s.Iteration != 2 || s.Error != "" {
		t.Errorf("summary = %+v", s)
	}
}

func TestEventEmitter(t *testing.T) {
	e := NewEventEmitter(1)
	e.Emit(OrchestratorEvent{Type: EventTaskStarted})
	e.Emit(OrchestratorEvent{Type: EventTaskCompleted})
	if e.DroppedCount() != 1 {
		t.Errorf("DroppedCount = %d, want 1", e.DroppedCount())
	}
	e.Close()
	e.Close()
	e.Emit(OrchestratorEvent{Type: EventTaskFailed})

	var got []EventType
	for ev := range e.Events() {
		got = append(got, ev.Type)
	}
	if len(got) != 1 || got[0] != EventTaskStarted {
		t.Errorf("events = %v", got)
	}

	var nilEmitter *EventEmitter
	nilEmitter.Emit(OrchestratorEvent{Type: EventTaskStarted})
}
