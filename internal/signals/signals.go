// Package signals implements file-based operator signals. Writing the stop
// file under <root>/.taskpilot/signals asks a running orchestrator to cancel
// in-flight work and exit.
package signals

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StopFile is the name of the stop signal file.
const StopFile = "stop"

// pollInterval is used when fsnotify is unavailable or misses an event.
const pollInterval = time.Second

// Dir returns the signals directory for a state directory.
func Dir(stateDir string) string {
	return filepath.Join(stateDir, "signals")
}

// SendStop creates the stop signal file.
func SendStop(stateDir string) error {
	dir := Dir(stateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create signals dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, StopFile), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// Watcher observes the signals directory.
type Watcher struct {
	dir string

	watcher *fsnotify.Watcher
	done    chan struct{}
	stopped chan struct{}

	stopOnce  sync.Once
	closeOnce sync.Once
	debugLog  func(format string, args ...interface{})
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithDebugLog sets the debug logging function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(w *Watcher) {
		if fn != nil {
			w.debugLog = fn
		}
	}
}

// New starts watching the signals directory under stateDir. A stop file
// that already exists is treated as a pending signal; call Clear first to
// discard a stale one.
func New(stateDir string, opts ...Option) (*Watcher, error) {
	dir := Dir(stateDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create signals dir: %w", err)
	}

	w := &Watcher{
		dir:      dir,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		debugLog: func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(w)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.debugLog("[signals] fsnotify unavailable, polling: %v", err)
	} else if err := fw.Add(dir); err != nil {
		w.debugLog("[signals] watch %s failed, polling: %v", dir, err)
		_ = fw.Close()
	} else {
		w.watcher = fw
	}

	go w.watch()
	return w, nil
}

func (w *Watcher) watch() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.watcher != nil {
		events = w.watcher.Events
		errs = w.watcher.Errors
	}

	w.check()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(event.Name) == StopFile && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.trigger()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.debugLog("[signals] watcher error: %v", err)
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	if _, err := os.Stat(filepath.Join(w.dir, StopFile)); err == nil {
		w.trigger()
	}
}

func (w *Watcher) trigger() {
	w.stopOnce.Do(func() {
		w.debugLog("[signals] stop signal received")
		close(w.stopped)
	})
}

// Stopped is closed once a stop signal has been observed.
func (w *Watcher) Stopped() <-chan struct{} {
	return w.stopped
}

// ShouldStop reports whether a stop signal has been observed.
func (w *Watcher) ShouldStop() bool {
	w.check()
	select {
	case <-w.stopped:
		return true
	default:
		return false
	}
}

// Context returns a context canceled when parent is done or a stop signal
// arrives.
func (w *Watcher) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-w.stopped:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Clear removes a pending stop file.
func Clear(stateDir string) error {
	err := os.Remove(filepath.Join(Dir(stateDir), StopFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close stops watching.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
	})
}
