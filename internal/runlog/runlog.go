// Package runlog is the append-only execution log. Every run boundary and
// every event is one JSON line, written with a single write and fsynced
// before the call returns, so a crash leaves a parseable log.
package runlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/taskpilot/pkg/models"
)

const dayLayout = "2006-01-02"

// RecordType distinguishes log lines.
type RecordType string

const (
	RecordRunStarted RecordType = "run_started"
	RecordEvent      RecordType = "event"
	RecordRunEnded   RecordType = "run_ended"
)

// Record is one line of the log.
type Record struct {
	Type   RecordType    `json:"type"`
	Time   time.Time     `json:"time"`
	RunID  string        `json:"run_id"`
	TaskID string        `json:"task_id"`
	Run    *models.Run   `json:"run,omitempty"`
	Event  *models.Event `json:"event,omitempty"`
}

// RunIndex receives each completed run. internal/state implements it.
type RunIndex interface {
	RecordRun(run models.Run) error
}

// Log appends records to daily files under dir.
type Log struct {
	dir      string
	now      func() time.Time
	index    RunIndex
	debugLog func(format string, args ...interface{})

	mu   sync.Mutex
	file *os.File
	day  string
}

// Option customizes a Log.
type Option func(*Log)

// WithClock overrides the clock used to stamp records and pick files.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.now = clock }
}

// WithIndex forwards completed runs to idx.
func WithIndex(idx RunIndex) Option {
	return func(l *Log) { l.index = idx }
}

// WithDebugLog sets the debug logging function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(l *Log) {
		if fn != nil {
			l.debugLog = fn
		}
	}
}

// Open creates dir if needed and returns a log appending to it.
func Open(dir string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	l := &Log{
		dir:      dir,
		now:      time.Now,
		debugLog: func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Dir returns the log directory.
func (l *Log) Dir() string { return l.dir }

// StartRun records the start of a run.
func (l *Log) StartRun(run models.Run) error {
	r := run
	return l.append(Record{Type: RecordRunStarted, RunID: run.ID, TaskID: run.TaskID, Run: &r})
}

// AppendEvent records one event of an in-flight run.
func (l *Log) AppendEvent(runID, taskID string, ev models.Event) error {
	e := ev
	return l.append(Record{Type: RecordEvent, RunID: runID, TaskID: taskID, Event: &e})
}

// EndRun records the completed run and forwards it to the index. An index
// failure is logged and does not fail the call; the log is authoritative.
func (l *Log) EndRun(run models.Run) error {
	r := run
	if err := l.append(Record{Type: RecordRunEnded, RunID: run.ID, TaskID: run.TaskID, Run: &r}); err != nil {
		return err
	}
	if l.index != nil {
		if err := l.index.RecordRun(run); err != nil {
			l.debugLog("[runlog] index run %s: %v", run.ID, err)
		}
	}
	return nil
}

func (l *Log) append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Time = l.now().UTC()
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode log record: %w", err)
	}
	line = append(line, '\n')

	f, err := l.fileFor(rec.Time)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write log record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync log: %w", err)
	}
	return nil
}

// fileFor returns the open file for t's day, rolling over at midnight UTC.
func (l *Log) fileFor(t time.Time) (*os.File, error) {
	day := t.Format(dayLayout)
	if l.file != nil && l.day == day {
		return l.file, nil
	}
	if l.file != nil {
		_ = l.file.Close()
		l.file = nil
	}
	f, err := os.OpenFile(l.path(day), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	if err := terminateTornLine(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("repair log file: %w", err)
	}
	l.file = f
	l.day = day
	return f, nil
}

// terminateTornLine ends a partial last line left by a crash so the next
// record starts on a line of its own.
func terminateTornLine(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return err
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return err
	}
	return f.Sync()
}

func (l *Log) path(day string) string {
	return filepath.Join(l.dir, day+".jsonl")
}

// Close flushes and closes the current file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Sync()
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

// Days returns the days that have a log file, oldest first.
func (l *Log) Days() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		day := strings.TrimSuffix(name, ".jsonl")
		if _, err := time.Parse(dayLayout, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}

// Records returns every parseable record of day (YYYY-MM-DD). A torn
// trailing line left by a crash is skipped.
func (l *Log) Records(day string) ([]Record, error) {
	f, err := os.Open(l.path(day))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			l.debugLog("[runlog] skipping unparseable line in %s: %v", day, err)
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// Runs reconstructs the runs of taskID in start order. A run whose end was
// never logged is returned with an empty Outcome.
func (l *Log) Runs(taskID string) ([]models.Run, error) {
	days, err := l.Days()
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.Run)
	var order []string
	for _, day := range days {
		recs, err := l.Records(day)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.TaskID != taskID {
				continue
			}
			switch rec.Type {
			case RecordRunStarted, RecordRunEnded:
				if rec.Run == nil {
					continue
				}
				if _, seen := byID[rec.RunID]; !seen {
					order = append(order, rec.RunID)
				}
				r := *rec.Run
				byID[rec.RunID] = &r
			case RecordEvent:
				if r, ok := byID[rec.RunID]; ok && r.Outcome == "" {
					r.EventCount++
				}
			}
		}
	}

	out := make([]models.Run, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

// Events returns the events of one run in emission order.
func (l *Log) Events(runID string) ([]models.Event, error) {
	days, err := l.Days()
	if err != nil {
		return nil, err
	}
	var out []models.Event
	for _, day := range days {
		recs, err := l.Records(day)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.Type == RecordEvent && rec.RunID == runID && rec.Event != nil {
				out = append(out, *rec.Event)
			}
		}
	}
	return out, nil
}

// Prune deletes daily files older than retentionDays. Zero or negative
// retention keeps everything. Returns the number of files removed.
func (l *Log) Prune(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	days, err := l.Days()
	if err != nil {
		return 0, err
	}
	cutoff := l.now().UTC().AddDate(0, 0, -retentionDays).Format(dayLayout)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for _, day := range days {
		if day >= cutoff || day == l.day {
			continue
		}
		if err := os.Remove(l.path(day)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("prune %s: %w", day, err)
		}
		removed++
	}
	if removed > 0 {
		l.debugLog("[runlog] pruned %d log files older than %s", removed, cutoff)
	}
	return removed, nil
}
