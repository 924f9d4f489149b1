// Package toolregistry detects which external AI tools are installed and
// selects one for a run.
package toolregistry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/taskpilot/internal/errs"
	"github.com/ShayCichocki/taskpilot/internal/exec"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// DefaultProbeTimeout bounds a single version probe.
const DefaultProbeTimeout = 5 * time.Second

// Detection is the result of probing one tool.
type Detection struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Registry holds the tool descriptors and caches detection for the
// lifetime of the process.
type Registry struct {
	descriptors  []models.ToolDescriptor
	runner       exec.CommandRunner
	probeTimeout time.Duration
	debugLog     func(format string, args ...interface{})

	once       sync.Once
	detections []Detection
}

// Option customizes a Registry.
type Option func(*Registry)

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.probeTimeout = d
		}
	}
}

// WithDebugLog sets the debug logging function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(r *Registry) {
		if fn != nil {
			r.debugLog = fn
		}
	}
}

// New creates a registry over descs, which must be in priority order.
func New(descs []models.ToolDescriptor, runner exec.CommandRunner, opts ...Option) *Registry {
	r := &Registry{
		descriptors:  append([]models.ToolDescriptor(nil), descs...),
		runner:       runner,
		probeTimeout: DefaultProbeTimeout,
		debugLog:     func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Descriptors returns the configured descriptors in priority order.
func (r *Registry) Descriptors() []models.ToolDescriptor {
	return append([]models.ToolDescriptor(nil), r.descriptors...)
}

// Describe returns the descriptor named name.
func (r *Registry) Describe(name string) (models.ToolDescriptor, bool) {
	for _, d := range r.descriptors {
		if d.Name == name {
			return d, true
		}
	}
	return models.ToolDescriptor{}, false
}

// Detect probes every tool once and caches the results. A tool is
// available iff its version probe exits 0 within the probe timeout.
func (r *Registry) Detect(ctx context.Context) []Detection {
	r.once.Do(func() {
		results := make([]Detection, len(r.descriptors))
		g, gctx := errgroup.WithContext(ctx)
		for i, d := range r.descriptors {
			i, d := i, d
			g.Go(func() error {
				results[i] = r.probe(gctx, d)
				return nil
			})
		}
		_ = g.Wait()
		r.detections = results
	})
	return append([]Detection(nil), r.detections...)
}

func (r *Registry) probe(ctx context.Context, d models.ToolDescriptor) Detection {
	det := Detection{Name: d.Name}
	if len(d.Probe) == 0 {
		det.Error = "no probe configured"
		return det
	}

	path, err := r.runner.LookPath(d.Probe[0])
	if err != nil {
		det.Error = "not found on PATH"
		r.debugLog("[toolregistry] %s: %v", d.Name, err)
		return det
	}
	det.Path = path

	pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()
	out, err := r.runner.Run(pctx, "", d.Probe[0], d.Probe[1:]...)
	if err != nil {
		if pctx.Err() != nil {
			det.Error = fmt.Sprintf("probe timed out after %s", r.probeTimeout)
		} else {
			det.Error = fmt.Sprintf("probe exited with code %d", exec.ExitCode(err))
		}
		r.debugLog("[toolregistry] %s probe failed: %s", d.Name, det.Error)
		return det
	}

	det.Available = true
	det.Version = firstLine(string(out))
	r.debugLog("[toolregistry] %s available: %s", d.Name, det.Version)
	return det
}

// Available returns the descriptors whose probe succeeded, in priority order.
func (r *Registry) Available(ctx context.Context) []models.ToolDescriptor {
	detections := r.Detect(ctx)
	var out []models.ToolDescriptor
	for i, det := range detections {
		if det.Available {
			out = append(out, r.descriptors[i])
		}
	}
	return out
}

// Select returns preferred when it is available, otherwise the first
// available tool in priority order.
func (r *Registry) Select(ctx context.Context, preferred string) (models.ToolDescriptor, error) {
	available := r.Available(ctx)
	if preferred != "" {
		for _, d := range available {
			if d.Name == preferred {
				return d, nil
			}
		}
		r.debugLog("[toolregistry] preferred tool %s unavailable, falling back", preferred)
	}
	if len(available) > 0 {
		return available[0], nil
	}

	tried := make([]string, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		tried = append(tried, d.Name)
	}
	return models.ToolDescriptor{}, &errs.ToolNotAvailableError{Preferred: preferred, Tried: tried}
}

// Command renders the argv used to invoke d with prompt.
func Command(d models.ToolDescriptor, prompt string) []string {
	return d.Argv(prompt)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
