package bridge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// Parser converts one line of tool output into zero or more Events. Seq and
// Timestamp are assigned by the bridge, not the parser.
type Parser func(line []byte) []models.Event

// ParserFor returns the parser selected by the descriptor's output format.
func ParserFor(d models.ToolDescriptor) (Parser, error) {
	switch d.Format {
	case models.FormatStructured:
		return ParseStructured, nil
	case models.FormatMarker:
		return NewMarkerParser(d.Markers), nil
	default:
		return nil, fmt.Errorf("tool %s: unsupported output format %q", d.Name, d.Format)
	}
}

// structuredKinds maps a record's "type" or "type/subtype" to an event kind.
// The more specific "type/subtype" key is consulted first.
var structuredKinds = map[string]models.EventKind{
	"system":              models.EventSystemInit,
	"system/init":         models.EventSystemInit,
	"user":                models.EventUser,
	"assistant":           models.EventAssistant,
	"tool_call":           models.EventToolCallStarted,
	"tool_call/started":   models.EventToolCallStarted,
	"tool_call/completed": models.EventToolCallCompleted,
	"tool_call/failed":    models.EventToolCallFailed,
	"thinking":            models.EventThinking,
	"error":               models.EventError,
	"result":              models.EventDone,
}

// ParseStructured parses one line-delimited JSON record. A line that is not
// a JSON object yields a single warning event; it never fails.
func ParseStructured(line []byte) []models.Event {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil
	}

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return []models.Event{{
			Kind:    models.EventWarning,
			Payload: trimmed,
			Text:    fmt.Sprintf("malformed record: %v", err),
		}}
	}

	typ, _ := raw["type"].(string)
	subtype, _ := raw["subtype"].(string)

	kind, ok := structuredKinds[typ+"/"+subtype]
	if !ok {
		kind, ok = structuredKinds[typ]
	}
	if !ok {
		return []models.Event{{Kind: models.EventUnknown, Payload: trimmed}}
	}

	if typ == "result" {
		if isErr, _ := raw["is_error"].(bool); isErr || strings.HasPrefix(subtype, "error") {
			kind = models.EventError
		}
	}

	return []models.Event{{Kind: kind, Payload: trimmed, Text: extractText(raw)}}
}

// extractText pulls the human-readable text out of a record.
func extractText(raw map[string]interface{}) string {
	for _, key := range []string{"result", "text", "error"} {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}

	switch msg := raw["message"].(type) {
	case string:
		return msg
	case map[string]interface{}:
		if s, ok := msg["content"].(string); ok {
			return s
		}
		if blocks, ok := msg["content"].([]interface{}); ok {
			return joinTextBlocks(blocks)
		}
	}
	if blocks, ok := raw["content"].([]interface{}); ok {
		return joinTextBlocks(blocks)
	}
	if s, ok := raw["content"].(string); ok {
		return s
	}
	return ""
}

func joinTextBlocks(blocks []interface{}) string {
	var parts []string
	for _, item := range blocks {
		block, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if t, _ := block["type"].(string); t != "text" {
			continue
		}
		if s, ok := block["text"].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "")
}

// NewMarkerParser returns a parser over free text. The first marker found in
// a line decides its kind; other non-blank lines are assistant text.
func NewMarkerParser(markers []models.Marker) Parser {
	table := append([]models.Marker(nil), markers...)
	return func(line []byte) []models.Event {
		text := strings.TrimRight(string(line), "\r")
		if strings.TrimSpace(text) == "" {
			return nil
		}
		for _, m := range table {
			if strings.Contains(text, m.Literal) {
				return []models.Event{{Kind: m.Kind, Payload: text, Text: strings.TrimSpace(text)}}
			}
		}
		return []models.Event{{Kind: models.EventAssistant, Payload: text, Text: text}}
	}
}
