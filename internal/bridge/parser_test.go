package bridge

import (
	"strings"
	"testing"

	"github.com/ShayCichocki/taskpilot/internal/toolregistry"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

func TestParseStructuredSkipsMalformedLine(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system","subtype":"init","model":"x"}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"text","text":"do it"}]}}`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Working"}]}}`,
		`{"type":"assistant", "message": `,
		`{"type":"tool_call","subtype":"started","call_id":"1"}`,
		`{"type":"result","subtype":"success","is_error":false,"result":"all done"}`,
	}, "\n")

	var events []models.Event
	for _, line := range strings.Split(input, "\n") {
		events = append(events, ParseStructured([]byte(line))...)
	}

	if len(events) != 6 {
		t.Fatalf("got %d events, want 6", len(events))
	}
	want := []models.EventKind{
		models.EventSystemInit,
		models.EventUser,
		models.EventAssistant,
		models.EventWarning,
		models.EventToolCallStarted,
		models.EventDone,
	}
	warnings := 0
	for i, ev := range events {
		if ev.Kind != want[i] {
			t.Errorf("event %d kind = %s, want %s", i, ev.Kind, want[i])
		}
		if ev.Kind == models.EventWarning {
			warnings++
		}
	}
	if warnings != 1 {
		t.Errorf("warnings = %d, want 1", warnings)
	}
	if events[2].Text != "Working" {
		t.Errorf("assistant text = %q", events[2].Text)
	}
}

func TestParseStructuredKinds(t *testing.T) {
	tests := []struct {
		name string
		line string
		want models.EventKind
		text string
	}{
		{"tool completed", `{"type":"tool_call","subtype":"completed"}`, models.EventToolCallCompleted, ""},
		{"tool failed", `{"type":"tool_call","subtype":"failed"}`, models.EventToolCallFailed, ""},
		{"thinking delta", `{"type":"thinking","subtype":"delta","text":"hmm"}`, models.EventThinking, "hmm"},
		{"error record", `{"type":"error","error":"rate limited"}`, models.EventError, "rate limited"},
		{"result with is_error", `{"type":"result","is_error":true,"result":"BLOCKED: no access"}`, models.EventError, "BLOCKED: no access"},
		{"result error subtype", `{"type":"result","subtype":"error_max_turns"}`, models.EventError, ""},
		{"unknown type", `{"type":"telemetry","n":1}`, models.EventUnknown, ""},
		{"missing type", `{"hello":"world"}`, models.EventUnknown, ""},
		{"not an object", `42`, models.EventWarning, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := ParseStructured([]byte(tt.line))
			if len(events) != 1 {
				t.Fatalf("got %d events, want 1", len(events))
			}
			if events[0].Kind != tt.want {
				t.Errorf("kind = %s, want %s", events[0].Kind, tt.want)
			}
			if tt.text != "" && events[0].Text != tt.text {
				t.Errorf("text = %q, want %q", events[0].Text, tt.text)
			}
			if events[0].Payload != tt.line {
				t.Errorf("payload = %q, want verbatim line", events[0].Payload)
			}
		})
	}

	if got := ParseStructured([]byte("   ")); len(got) != 0 {
		t.Errorf("blank line produced %d events", len(got))
	}
}

func TestMarkerParser(t *testing.T) {
	parse := NewMarkerParser(toolregistry.DefaultMarkers())

	tests := []struct {
		line string
		want models.EventKind
		none bool
	}{
		{line: "TASK_COMPLETE", want: models.EventDone},
		{line: "All good. TASK_COMPLETE", want: models.EventDone},
		{line: "BLOCKED: waiting on API key", want: models.EventError},
		{line: "Error: file not found", want: models.EventError},
		{line: "Thinking...", want: models.EventThinking},
		{line: "Running tool: go test", want: models.EventToolCallStarted},
		{line: "Tool result: ok", want: models.EventToolCallCompleted},
		{line: "Tool failed: exit 1", want: models.EventToolCallFailed},
		// Table order decides, not position in the line.
		{line: "[TOOL] Error: boom", want: models.EventError},
		{line: "Refactoring the handler", want: models.EventAssistant},
		{line: "", none: true},
		{line: "   \t", none: true},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			events := parse([]byte(tt.line))
			if tt.none {
				if len(events) != 0 {
					t.Errorf("got %d events for blank line", len(events))
				}
				return
			}
			if len(events) != 1 || events[0].Kind != tt.want {
				t.Fatalf("parse(%q) = %+v, want kind %s", tt.line, events, tt.want)
			}
		})
	}
}

func TestParserFor(t *testing.T) {
	for _, d := range toolregistry.Builtin() {
		if _, err := ParserFor(d); err != nil {
			t.Errorf("ParserFor(%s) error: %v", d.Name, err)
		}
	}
	if _, err := ParserFor(models.ToolDescriptor{Name: "x", Format: "xml"}); err == nil {
		t.Error("ParserFor() accepted an unknown format")
	}
}
