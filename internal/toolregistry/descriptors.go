package toolregistry

import (
	"time"

	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// Tool names, in default priority order.
const (
	CursorAgent = "cursor-agent"
	Claude      = "claude"
	Gemini      = "gemini"
)

// DefaultRetryBudget is the number of retries for transient failures.
const DefaultRetryBudget = 3

// DefaultMarkers is the literal table used by marker-format tools.
// Order matters: the first literal found in a line decides its kind.
func DefaultMarkers() []models.Marker {
	return []models.Marker{
		{Literal: "TASK_COMPLETE", Kind: models.EventDone},
		{Literal: "BLOCKED:", Kind: models.EventError},
		{Literal: "[ERROR]", Kind: models.EventError},
		{Literal: "Error:", Kind: models.EventError},
		{Literal: "Thinking...", Kind: models.EventThinking},
		{Literal: "[THINKING]", Kind: models.EventThinking},
		{Literal: "[TOOL]", Kind: models.EventToolCallStarted},
		{Literal: "Running tool:", Kind: models.EventToolCallStarted},
		{Literal: "Tool result:", Kind: models.EventToolCallCompleted},
		{Literal: "Tool failed:", Kind: models.EventToolCallFailed},
	}
}

// Builtin returns the supported tools in priority order.
func Builtin() []models.ToolDescriptor {
	return []models.ToolDescriptor{
		{
			Name:           CursorAgent,
			Class:          "IDE-integrated agent",
			Probe:          []string{CursorAgent, "--version"},
			Command:        CursorAgent,
			Args:           []string{"--print", "--force", "--output-format", "stream-json", models.PromptPlaceholder},
			Format:         models.FormatStructured,
			DefaultTimeout: 30 * time.Minute,
			RetryBudget:    DefaultRetryBudget,
		},
		{
			Name:           Claude,
			Class:          "headless code assistant",
			Probe:          []string{Claude, "--version"},
			Command:        Claude,
			Args:           []string{"-p", models.PromptPlaceholder},
			Format:         models.FormatMarker,
			Markers:        DefaultMarkers(),
			DefaultTimeout: 30 * time.Second,
			RetryBudget:    DefaultRetryBudget,
		},
		{
			Name:           Gemini,
			Class:          "general assistant CLI",
			Probe:          []string{Gemini, "--version"},
			Command:        Gemini,
			Args:           []string{models.PromptPlaceholder},
			Format:         models.FormatMarker,
			Markers:        DefaultMarkers(),
			DefaultTimeout: 30 * time.Second,
			RetryBudget:    DefaultRetryBudget,
		},
	}
}

// Filter keeps the descriptors named in enabled, preserving priority order.
// An empty enabled list keeps everything.
func Filter(descs []models.ToolDescriptor, enabled []string) []models.ToolDescriptor {
	if len(enabled) == 0 {
		return append([]models.ToolDescriptor(nil), descs...)
	}
	keep := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		keep[name] = true
	}
	var out []models.ToolDescriptor
	for _, d := range descs {
		if keep[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// WithTimeouts returns copies of descs with DefaultTimeout overridden from
// timeouts. Zero or missing entries keep the descriptor default.
func WithTimeouts(descs []models.ToolDescriptor, timeouts map[string]time.Duration) []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, len(descs))
	for i, d := range descs {
		if t := timeouts[d.Name]; t > 0 {
			d.DefaultTimeout = t
		}
		out[i] = d
	}
	return out
}

// WithRetryBudget returns copies of descs with RetryBudget set to n.
// Negative n keeps the descriptor default.
func WithRetryBudget(descs []models.ToolDescriptor, n int) []models.ToolDescriptor {
	out := make([]models.ToolDescriptor, len(descs))
	for i, d := range descs {
		if n >= 0 {
			d.RetryBudget = n
		}
		out[i] = d
	}
	return out
}
