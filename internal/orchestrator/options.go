package orchestrator

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/taskpilot/internal/bridge"
	"github.com/ShayCichocki/taskpilot/internal/taskstore"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// TaskStore is the subset of the task store the orchestrator uses.
type TaskStore interface {
	Snapshot() ([]*models.Task, error)
	Read(id string) (*models.Task, error)
	Update(id string, p taskstore.Patch) (*models.Task, error)
	Validate(id string) (taskstore.Report, error)
	Claim(id string) (*taskstore.Lease, error)
}

// ToolSelector picks the tool to run tasks with.
type ToolSelector interface {
	Select(ctx context.Context, preferred string) (models.ToolDescriptor, error)
	Descriptors() []models.ToolDescriptor
}

// Executor runs one bridge request to an outcome.
type Executor interface {
	Execute(ctx context.Context, req bridge.Request) bridge.Result
}

// RunLog records runs and their events.
type RunLog interface {
	StartRun(run models.Run) error
	AppendEvent(runID, taskID string, ev models.Event) error
	EndRun(run models.Run) error
}

// RequiredConfig contains the collaborators an Orchestrator cannot run
// without. All fields are required.
type RequiredConfig struct {
	Store    TaskStore
	Registry ToolSelector
	Executor Executor
	RunLog   RunLog
}

// Defaults for optional settings.
const (
	DefaultMaxParallel   = 1
	DefaultMaxIterations = 5
)

// Option configures an Orchestrator. Use With* functions to create Options.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	maxParallel   int
	maxIterations int
	preferredTool string
	workDir       string
	timeouts      map[string]time.Duration
	maxBuffer     int
	grace         time.Duration
	dryRun        io.Writer
	logger        *DebugLogger
	emitter       *EventEmitter
	metrics       *Metrics
	now           func() time.Time
}

func defaultOptions() orchestratorOptions {
	return orchestratorOptions{
		maxParallel:   DefaultMaxParallel,
		maxIterations: DefaultMaxIterations,
		logger:        NopLogger(),
		now:           time.Now,
	}
}

// WithMaxParallel sets how many independent tasks may run at once.
func WithMaxParallel(n int) Option {
	return func(o *orchestratorOptions) {
		if n > 0 {
			o.maxParallel = n
		}
	}
}

// WithMaxIterations sets the per-task iteration budget.
func WithMaxIterations(n int) Option {
	return func(o *orchestratorOptions) {
		if n > 0 {
			o.maxIterations = n
		}
	}
}

// WithPreferredTool sets the tool to use when it is available.
func WithPreferredTool(name string) Option {
	return func(o *orchestratorOptions) { o.preferredTool = name }
}

// WithWorkDir sets the directory tools are spawned in.
func WithWorkDir(dir string) Option {
	return func(o *orchestratorOptions) { o.workDir = dir }
}

// WithToolTimeouts overrides per-tool invocation timeouts.
func WithToolTimeouts(timeouts map[string]time.Duration) Option {
	return func(o *orchestratorOptions) { o.timeouts = timeouts }
}

// WithBridgeLimits sets the output buffer cap and the kill grace period.
func WithBridgeLimits(maxBuffer int, grace time.Duration) Option {
	return func(o *orchestratorOptions) {
		o.maxBuffer = maxBuffer
		o.grace = grace
	}
}

// WithDryRun makes runs print the would-be command for each ready task to
// w instead of invoking anything.
func WithDryRun(w io.Writer) Option {
	return func(o *orchestratorOptions) { o.dryRun = w }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *orchestratorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEmitter sets the event emitter progress events are sent to.
func WithEmitter(e *EventEmitter) Option {
	return func(o *orchestratorOptions) { o.emitter = e }
}

// WithMetrics sets the Prometheus collectors runs and tasks are reported to.
func WithMetrics(m *Metrics) Option {
	return func(o *orchestratorOptions) { o.metrics = m }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *orchestratorOptions) {
		if now != nil {
			o.now = now
		}
	}
}
