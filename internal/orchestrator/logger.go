package orchestrator

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// DebugLogFile is the debug log's name under the log directory.
const DebugLogFile = "orchestrator-debug.log"

// maxDebugLogBytes is the size past which an existing debug log is moved to
// DebugLogFile+".1" when a new session opens it.
const maxDebugLogBytes = 8 << 20

// SessionHeader describes one run session. It opens each session's block in
// the debug log so interleaved sessions can be told apart.
type SessionHeader struct {
	Root          string
	Tool          string
	Command       string
	MaxParallel   int
	MaxIterations int
	Timeout       time.Duration
	// Scope lists the requested task ids; empty means every ready task.
	Scope []string
}

// DebugLogger writes the orchestrator's debug log: session headers, per-task
// results and the debugLog lines of every component it is handed to.
type DebugLogger struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// NewDebugLogger opens logPath for appending, rotating it first when it has
// grown past maxDebugLogBytes. An empty path returns a no-op logger.
func NewDebugLogger(logPath string) (*DebugLogger, error) {
	if logPath == "" {
		return &DebugLogger{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if info, err := os.Stat(logPath); err == nil && info.Size() > maxDebugLogBytes {
		if err := os.Rename(logPath, logPath+".1"); err != nil {
			return nil, fmt.Errorf("rotate debug log: %w", err)
		}
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger := &DebugLogger{file: f, now: time.Now}
	logger.Log("=== taskpilot pid %d opened debug log ===", os.Getpid())
	return logger, nil
}

// NewDebugLoggerInDir opens DebugLogFile in logDir, or returns a no-op
// logger if it cannot.
func NewDebugLoggerInDir(logDir string) *DebugLogger {
	logger, err := NewDebugLogger(filepath.Join(logDir, DebugLogFile))
	if err != nil {
		return &DebugLogger{}
	}
	return logger
}

// NopLogger returns a logger that discards everything.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// Log writes one timestamped line. No-op on a nil or file-less logger.
func (l *DebugLogger) Log(format string, args ...interface{}) {
	if l == nil || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeLocked(fmt.Sprintf(format, args...))
}

func (l *DebugLogger) writeLocked(msg string) {
	fmt.Fprintf(l.file, "[%s] %s\n", l.now().Format("15:04:05.000"), msg)
	_ = l.file.Sync()
}

// Session writes the header block for a run session.
func (l *DebugLogger) Session(h SessionHeader) {
	if l == nil || l.file == nil {
		return
	}
	scope := "all ready tasks"
	if len(h.Scope) > 0 {
		ids := append([]string(nil), h.Scope...)
		sort.Strings(ids)
		scope = strings.Join(ids, ", ")
	}
	timeout := "tool default"
	if h.Timeout > 0 {
		timeout = h.Timeout.String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeLocked(fmt.Sprintf("=== session started %s ===", l.now().UTC().Format(time.RFC3339)))
	l.writeLocked("root:       " + h.Root)
	l.writeLocked(fmt.Sprintf("tool:       %s (%s)", h.Tool, h.Command))
	l.writeLocked(fmt.Sprintf("limits:     parallel=%d iterations=%d timeout=%s", h.MaxParallel, h.MaxIterations, timeout))
	l.writeLocked("scope:      " + scope)
}

// TaskResult records where a task ended up after this session touched it.
func (l *DebugLogger) TaskResult(taskID string, status models.TaskStatus, attempts int, d time.Duration, reason string) {
	line := fmt.Sprintf("[task %s] -> %s after %d attempt(s) in %s", taskID, status, attempts, d.Round(time.Millisecond))
	if reason != "" {
		line += ": " + reason
	}
	l.Log("%s", line)
}

// Func returns Log as a plain function for components that take a
// debugLog callback.
func (l *DebugLogger) Func() func(format string, args ...interface{}) {
	return l.Log
}

// Close closes the log file. Safe on a nil or no-op logger.
func (l *DebugLogger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
