package models

import "time"

// OutputFormat selects the parser used for a tool's stdout.
type OutputFormat string

const (
	// FormatStructured is one JSON record per line.
	FormatStructured OutputFormat = "structured"
	// FormatMarker is free text containing known literal markers.
	FormatMarker OutputFormat = "marker"
)

// PromptPlaceholder is replaced with the prompt when rendering Args.
const PromptPlaceholder = "{prompt}"

// Marker maps a literal substring to the event kind it signals.
type Marker struct {
	Literal string
	Kind    EventKind
}

// ToolDescriptor is static metadata describing how to detect, invoke and
// parse one external tool.
type ToolDescriptor struct {
	// Name is the tool's identifier, also its executable by default.
	Name string
	// Class is a human-readable category for display.
	Class string
	// Probe is the argv of the version probe used for detection.
	Probe []string
	// Command is the executable to spawn.
	Command string
	// Args is the argument template; PromptPlaceholder is substituted.
	Args []string
	// Format selects the output parser.
	Format OutputFormat
	// Markers is the ordered literal table used by FormatMarker.
	Markers []Marker
	// DefaultTimeout bounds a single invocation.
	DefaultTimeout time.Duration
	// RetryBudget is the number of retries for transient failures.
	RetryBudget int
}

// Argv renders the full command line for prompt.
func (d ToolDescriptor) Argv(prompt string) []string {
	argv := make([]string, 0, len(d.Args)+1)
	argv = append(argv, d.Command)
	for _, a := range d.Args {
		if a == PromptPlaceholder {
			argv = append(argv, prompt)
			continue
		}
		argv = append(argv, a)
	}
	return argv
}
