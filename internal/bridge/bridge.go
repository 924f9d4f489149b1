// Package bridge runs a single external tool against a prompt and turns its
// output into the canonical event stream. It owns subprocess lifetime,
// timeouts, retries of transient failures and the smart-continue check.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/taskpilot/internal/errs"
	"github.com/ShayCichocki/taskpilot/internal/exec"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// Defaults applied to zero-valued Request fields.
const (
	DefaultMaxBuffer   = 10 << 20
	DefaultGracePeriod = 5 * time.Second
)

// BlockedMarker prefixes the message of an agent that cannot proceed.
const BlockedMarker = "BLOCKED:"

// Request describes one bridge execution.
type Request struct {
	Tool    models.ToolDescriptor
	Prompt  string
	WorkDir string
	// Timeout bounds each invocation. Zero uses Tool.DefaultTimeout.
	Timeout time.Duration
	// MaxBuffer caps accumulated stdout bytes per invocation.
	MaxBuffer int
	// Grace is the wait between SIGTERM and SIGKILL.
	Grace time.Duration
	// Sink observes invocations as they happen. May be nil.
	Sink Sink
}

// Invocation is one subprocess spawned by the bridge.
type Invocation struct {
	ID           string
	Tool         string
	Attempt      int
	Continuation bool
	Prompt       string
	Argv         []string
	StartedAt    time.Time
	EndedAt      time.Time
	Events       []models.Event
	ExitCode     int
	Stderr       string
	Outcome      models.Outcome
	// Ambiguity lists the smart-continue rules that fired, if any.
	Ambiguity []string
	Err       error

	retryable bool
	terminal  models.EventKind
}

// Result is the outcome of a bridge execution across all invocations.
type Result struct {
	Outcome     models.Outcome
	Invocations []Invocation
	Retries     int
	Err         error
}

// Events returns the events of every invocation in order.
func (r Result) Events() []models.Event {
	var out []models.Event
	for _, inv := range r.Invocations {
		out = append(out, inv.Events...)
	}
	return out
}

// BlockedReason reports whether the final invocation ended with the agent
// declaring itself blocked.
func (r Result) BlockedReason() (string, bool) {
	if len(r.Invocations) == 0 {
		return "", false
	}
	events := r.Invocations[len(r.Invocations)-1].Events
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i]
		if ev.Kind != models.EventError {
			continue
		}
		if idx := strings.Index(ev.Text, BlockedMarker); idx >= 0 {
			return strings.TrimSpace(ev.Text[idx+len(BlockedMarker):]), true
		}
		return "", false
	}
	return "", false
}

// Sink receives invocation boundaries and events while they happen, in
// order, from the goroutine calling Execute.
type Sink interface {
	InvocationStarted(inv *Invocation)
	Event(inv *Invocation, ev models.Event)
	InvocationEnded(inv *Invocation)
}

type nopSink struct{}

func (nopSink) InvocationStarted(*Invocation)    {}
func (nopSink) Event(*Invocation, models.Event) {}
func (nopSink) InvocationEnded(*Invocation)     {}

// Bridge executes tool requests.
type Bridge struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     Sleeper
	now       func() time.Time
	debugLog  func(format string, args ...interface{})
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithBackoff sets the retry delay bounds.
func WithBackoff(base, max time.Duration) Option {
	return func(b *Bridge) {
		if base > 0 {
			b.baseDelay = base
		}
		if max >= b.baseDelay {
			b.maxDelay = max
		}
	}
}

// WithSleeper replaces the backoff sleeper.
func WithSleeper(s Sleeper) Option {
	return func(b *Bridge) {
		if s != nil {
			b.sleep = s
		}
	}
}

// WithClock sets the time source for event and invocation timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// WithDebugLog sets the debug logging function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(b *Bridge) {
		if fn != nil {
			b.debugLog = fn
		}
	}
}

// New creates a Bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		baseDelay: DefaultBaseDelay,
		maxDelay:  DefaultMaxDelay,
		sleep:     SleepContext,
		now:       time.Now,
		debugLog:  func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs req to an outcome. Transient failures are retried up to the
// tool's retry budget; an ambiguous clean exit earns exactly one extra
// invocation with ContinuationPrompt that does not count as a retry.
func (b *Bridge) Execute(ctx context.Context, req Request) Result {
	req = withDefaults(req)

	parser, err := ParserFor(req.Tool)
	if err != nil {
		return Result{Outcome: models.OutcomeFailure, Err: err}
	}

	var res Result
	schedule := newBackoff(b.baseDelay, b.maxDelay)
	prompt := req.Prompt
	continuing := false

	for attempt := 1; ; attempt++ {
		inv := b.invoke(ctx, req, parser, prompt, attempt, continuing)
		res.Invocations = append(res.Invocations, *inv)
		res.Outcome = inv.Outcome
		res.Err = inv.Err

		switch inv.Outcome {
		case models.OutcomeSuccess:
			return res
		case models.OutcomeNeedsContinuation:
			if continuing {
				return res
			}
			b.debugLog("[bridge] %s run ambiguous (%s), continuing once", req.Tool.Name, strings.Join(inv.Ambiguity, ", "))
			continuing = true
			prompt = ContinuationPrompt
			continue
		}

		if !inv.retryable || res.Retries >= req.Tool.RetryBudget || ctx.Err() != nil {
			return res
		}
		delay := schedule.NextBackOff()
		res.Retries++
		b.debugLog("[bridge] %s %s, retry %d/%d in %s", req.Tool.Name, inv.Outcome, res.Retries, req.Tool.RetryBudget, delay)
		if err := b.sleep(ctx, delay); err != nil {
			return res
		}
	}
}

func withDefaults(req Request) Request {
	if req.Timeout <= 0 {
		req.Timeout = req.Tool.DefaultTimeout
	}
	if req.MaxBuffer <= 0 {
		req.MaxBuffer = DefaultMaxBuffer
	}
	if req.Grace <= 0 {
		req.Grace = DefaultGracePeriod
	}
	if req.Sink == nil {
		req.Sink = nopSink{}
	}
	return req
}

// invoke spawns one subprocess and drives it to exit. Every wait is a
// select over output, process exit, the deadline and ctx.
func (b *Bridge) invoke(ctx context.Context, req Request, parse Parser, prompt string, attempt int, continuation bool) *Invocation {
	inv := &Invocation{
		ID:           uuid.NewString(),
		Tool:         req.Tool.Name,
		Attempt:      attempt,
		Continuation: continuation,
		Prompt:       prompt,
		Argv:         req.Tool.Argv(prompt),
		StartedAt:    b.now(),
	}
	req.Sink.InvocationStarted(inv)
	defer func() {
		inv.EndedAt = b.now()
		req.Sink.InvocationEnded(inv)
	}()

	p, err := startProcess(inv.Argv, req.WorkDir, req.Grace, req.MaxBuffer)
	if err != nil {
		inv.ExitCode = -1
		inv.Outcome = models.OutcomeFailure
		inv.Err = &errs.SubprocessError{Tool: req.Tool.Name, ExitCode: -1, Message: err.Error()}
		b.debugLog("[bridge] %s: %v", req.Tool.Name, err)
		return inv
	}
	b.debugLog("[bridge] started %s (pid %d, attempt %d)", req.Tool.Name, p.pgid, attempt)

	deadline := time.NewTimer(req.Timeout)
	defer deadline.Stop()
	stop := &stopper{p: p, grace: req.Grace}
	defer stop.stop()

	out := &collector{
		bridge: b,
		inv:    inv,
		sink:   req.Sink,
		parse:  parse,
		max:    req.MaxBuffer,
	}

	var (
		lines    = p.lines
		exited   = p.exited
		ctxDone  = ctx.Done()
		drain    *time.Timer
		waitErr  error
		timedOut bool
		canceled bool
	)
	for lines != nil || exited != nil {
		var drainC <-chan time.Time
		if drain != nil {
			drainC = drain.C
		}
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			out.consume(line)
		case waitErr = <-exited:
			exited = nil
			if lines != nil {
				drain = time.NewTimer(req.Grace)
			}
		case <-drainC:
			p.closeOutput()
			drain = nil
		case <-deadline.C:
			if inv.terminal == "" {
				timedOut = true
			}
			b.debugLog("[bridge] %s deadline %s reached, terminating", req.Tool.Name, req.Timeout)
			stop.begin()
		case <-stop.killC():
			b.debugLog("[bridge] %s ignored SIGTERM, killing process group", req.Tool.Name)
			stop.forceKill()
		case <-ctxDone:
			canceled = true
			ctxDone = nil
			stop.begin()
		}
	}
	if drain != nil {
		drain.Stop()
	}
	p.closeOutput()

	inv.ExitCode = exec.ExitCode(waitErr)
	inv.Stderr = strings.TrimSpace(p.stderr.String())

	obs := observation{
		terminal: inv.terminal,
		timedOut: timedOut,
		canceled: canceled,
		exitCode: inv.ExitCode,
	}
	if inv.terminal == "" && !timedOut && !canceled && inv.ExitCode == 0 {
		obs.ambiguity = Ambiguity(inv.Events, prompt)
		inv.Ambiguity = obs.ambiguity
	}
	inv.Outcome, inv.retryable = classify(obs)
	inv.Err = b.invocationError(ctx, req, inv, obs)
	b.debugLog("[bridge] %s exited %d: %s (%d events)", req.Tool.Name, inv.ExitCode, inv.Outcome, len(inv.Events))
	return inv
}

func (b *Bridge) invocationError(ctx context.Context, req Request, inv *Invocation, obs observation) error {
	switch {
	case inv.Outcome != models.OutcomeFailure && inv.Outcome != models.OutcomeTimeout:
		return nil
	case obs.terminal == models.EventError:
		return &errs.SubprocessError{
			Tool:     req.Tool.Name,
			ExitCode: inv.ExitCode,
			Message:  lastErrorText(inv.Events),
			Stderr:   inv.Stderr,
		}
	case obs.canceled:
		return fmt.Errorf("%s interrupted: %w", req.Tool.Name, ctx.Err())
	case inv.Outcome == models.OutcomeTimeout:
		return &errs.TimeoutError{Tool: req.Tool.Name, Timeout: req.Timeout}
	default:
		return &errs.SubprocessError{Tool: req.Tool.Name, ExitCode: inv.ExitCode, Stderr: inv.Stderr}
	}
}

func lastErrorText(events []models.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == models.EventError {
			return events[i].Text
		}
	}
	return ""
}

// observation is what an invocation produced, as seen by classify.
type observation struct {
	// terminal is the last done or error event kind, if any.
	terminal  models.EventKind
	timedOut  bool
	canceled  bool
	exitCode  int
	ambiguity []string
}

// classify maps an observation to an outcome and whether it may be retried.
func classify(o observation) (models.Outcome, bool) {
	switch {
	case o.terminal == models.EventError:
		return models.OutcomeFailure, false
	case o.terminal == models.EventDone:
		return models.OutcomeSuccess, false
	case o.canceled:
		return models.OutcomeFailure, false
	case o.timedOut:
		return models.OutcomeTimeout, true
	case o.exitCode != 0:
		return models.OutcomeFailure, true
	case len(o.ambiguity) > 0:
		return models.OutcomeNeedsContinuation, false
	default:
		return models.OutcomeSuccess, false
	}
}

// collector turns raw lines into sequenced events and enforces the buffer
// cap. Past the cap only terminal events are kept.
type collector struct {
	bridge    *Bridge
	inv       *Invocation
	sink      Sink
	parse     Parser
	max       int
	seen      int
	truncated bool
}

func (c *collector) consume(line outputLine) {
	c.seen += len(line.data) + 1
	events := c.parse(line.data)

	if line.cut || c.seen > c.max {
		if !c.truncated {
			c.truncated = true
			c.emit(models.Event{
				Kind: models.EventTruncated,
				Text: fmt.Sprintf("output exceeded %d bytes; further output dropped", c.max),
			})
		}
		kept := events[:0]
		for _, ev := range events {
			if ev.Kind.Terminal() {
				kept = append(kept, ev)
			}
		}
		events = kept
	}

	for _, ev := range events {
		c.emit(ev)
	}
}

func (c *collector) emit(ev models.Event) {
	ev.Seq = len(c.inv.Events)
	ev.Timestamp = c.bridge.now()
	c.inv.Events = append(c.inv.Events, ev)
	if ev.Kind.Terminal() {
		c.inv.terminal = ev.Kind
	}
	c.sink.Event(c.inv, ev)
}
