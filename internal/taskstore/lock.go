package taskstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ShayCichocki/taskpilot/pkg/models"
)

// ErrClaimed is returned by Claim when another worker holds the run lease.
var ErrClaimed = errors.New("task is already claimed by another worker")

// keyedMutex serializes goroutines of one process per task id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) get(id string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	return m
}

// lock acquires the per-task mutation lock and returns the release func.
// The release func is safe to call once on every exit path.
func (s *Store) lock(id string) (func(), error) {
	if !models.ValidTaskID(id) {
		return nil, s.notFound(id)
	}
	m := s.keyed.get(id)
	m.Lock()

	path := filepath.Join(s.locksDir(), id+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		m.Unlock()
		return nil, fmt.Errorf("open lock %s: %w", id, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		m.Unlock()
		return nil, fmt.Errorf("lock %s: %w", id, err)
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		m.Unlock()
	}, nil
}

// Lease is an exclusive run claim on one task.
type Lease struct {
	id   string
	file *os.File
	once sync.Once
}

// TaskID returns the claimed task id.
func (l *Lease) TaskID() string { return l.id }

// Release drops the claim. Calling it more than once is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() {
		_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
		_ = l.file.Close()
	})
}

// Claim takes a non-blocking exclusive lease on the task so that at most
// one worker, in this or any other process, executes it at a time.
func (s *Store) Claim(id string) (*Lease, error) {
	if !models.ValidTaskID(id) || !s.exists(s.taskDir(id)) {
		return nil, s.notFound(id)
	}

	path := filepath.Join(s.locksDir(), id+".run")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run lease %s: %w", id, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("claim %s: %w", id, ErrClaimed)
		}
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	s.debugLog("[taskstore] claimed %s", id)
	return &Lease{id: id, file: f}, nil
}
