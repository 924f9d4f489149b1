package bridge

import (
	"strings"
	"unicode/utf8"

	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// ContinuationPrompt is sent on the single extra invocation issued when a
// run ends ambiguously.
const ContinuationPrompt = "Continue working on the task from where you stopped. " +
	"Do not repeat finished work. When every item is done, print TASK_COMPLETE on its own line. " +
	"If you cannot proceed, print BLOCKED: followed by the reason."

const (
	// TrailingWindow is how many trailing text events the rules inspect.
	TrailingWindow = 3
	// NonTrivialPromptLen is the prompt length at which a run that made no
	// tool calls is considered suspicious.
	NonTrivialPromptLen = 200
)

// Rule names.
const (
	RuleTrailingQuestion = "trailing-question"
	RuleMidSentence      = "mid-sentence"
	RuleNoToolCalls      = "no-tool-calls"
)

// Window is the trailing view of a run the ambiguity rules look at.
type Window struct {
	// Texts holds up to TrailingWindow assistant texts, oldest first.
	Texts     []string
	ToolCalls int
	PromptLen int
}

// NewWindow builds the window for events produced in response to prompt.
func NewWindow(events []models.Event, prompt string) Window {
	w := Window{PromptLen: utf8.RuneCountInString(prompt)}
	for _, ev := range events {
		switch ev.Kind {
		case models.EventToolCallStarted:
			w.ToolCalls++
		case models.EventAssistant:
			if strings.TrimSpace(ev.Text) == "" {
				continue
			}
			w.Texts = append(w.Texts, ev.Text)
			if len(w.Texts) > TrailingWindow {
				w.Texts = w.Texts[1:]
			}
		}
	}
	return w
}

// Tail returns the last non-blank line of the window, trimmed.
func (w Window) Tail() string {
	for i := len(w.Texts) - 1; i >= 0; i-- {
		lines := strings.Split(w.Texts[i], "\n")
		for j := len(lines) - 1; j >= 0; j-- {
			if s := strings.TrimSpace(lines[j]); s != "" {
				return s
			}
		}
	}
	return ""
}

// Rule is one independently testable ambiguity signal.
type Rule struct {
	Name  string
	Match func(Window) bool
}

// sentenceEnders are the final characters that close a thought.
const sentenceEnders = ".!?)]}\"'`*"

// Rules returns the ambiguity rules in evaluation order.
func Rules() []Rule {
	return []Rule{
		{Name: RuleTrailingQuestion, Match: func(w Window) bool {
			return strings.HasSuffix(w.Tail(), "?")
		}},
		{Name: RuleMidSentence, Match: func(w Window) bool {
			tail := w.Tail()
			if tail == "" {
				return false
			}
			last, _ := utf8.DecodeLastRuneInString(tail)
			return !strings.ContainsRune(sentenceEnders, last) && last != '…'
		}},
		{Name: RuleNoToolCalls, Match: func(w Window) bool {
			return w.PromptLen >= NonTrivialPromptLen && w.ToolCalls == 0
		}},
	}
}

// Ambiguity returns the names of the rules that fire for the run.
func Ambiguity(events []models.Event, prompt string) []string {
	w := NewWindow(events, prompt)
	var fired []string
	for _, r := range Rules() {
		if r.Match(w) {
			fired = append(fired, r.Name)
		}
	}
	return fired
}
