// Package taskstore persists tasks as directories on disk and guards every
// mutation with a per-task advisory lock.
//
// Layout under the store root:
//
//	tasks/<id>/task.yaml
//	tasks/<id>/proposal.md
//	tasks/<id>/tasks.md
//	tasks/<id>/specs/<capability>/spec.md
//	archive/<id>/...
//	.locks/<id>.lock, .locks/<id>.run
package taskstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/taskpilot/internal/errs"
	"github.com/ShayCichocki/taskpilot/internal/lifecycle"
	"github.com/ShayCichocki/taskpilot/pkg/models"
)

const (
	metaFile      = "task.yaml"
	proposalFile  = "proposal.md"
	checklistFile = "tasks.md"
	specsDir      = "specs"
	specFile      = "spec.md"
)

// Store is the durable task repository.
type Store struct {
	root     string
	now      func() time.Time
	keyed    keyedMutex
	debugLog func(format string, args ...interface{})
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.now = clock
	}
}

// WithDebugLog sets the debug logging function.
func WithDebugLog(fn func(format string, args ...interface{})) Option {
	return func(s *Store) {
		if fn != nil {
			s.debugLog = fn
		}
	}
}

// New opens the store rooted at root, creating its directories.
func New(root string, opts ...Option) (*Store, error) {
	s := &Store{
		root:     root,
		now:      time.Now,
		debugLog: func(format string, args ...interface{}) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, dir := range []string{s.tasksDir(), s.archiveDir(), s.locksDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return s, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) tasksDir() string             { return filepath.Join(s.root, "tasks") }
func (s *Store) archiveDir() string           { return filepath.Join(s.root, "archive") }
func (s *Store) locksDir() string             { return filepath.Join(s.root, ".locks") }
func (s *Store) taskDir(id string) string     { return filepath.Join(s.tasksDir(), id) }
func (s *Store) archivedDir(id string) string { return filepath.Join(s.archiveDir(), id) }

func (s *Store) exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Store) notFound(id string) error {
	return &errs.NotFoundError{TaskID: id}
}

// NewTask is the content of a task being created.
type NewTask struct {
	Title      string
	Proposal   string
	Checklist  string
	SpecDeltas map[string]string
	DependsOn  []string
}

// Create writes a new pending task. Content validation never blocks
// creation; only the id and dependency shape are checked here.
func (s *Store) Create(id string, nt NewTask) (*models.Task, error) {
	if err := checkShape(id, nt.DependsOn, nt.SpecDeltas); err != nil {
		return nil, err
	}

	unlock, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if s.exists(s.taskDir(id)) || s.exists(s.archivedDir(id)) {
		return nil, &errs.AlreadyExistsError{TaskID: id}
	}

	now := s.now().UTC()
	task := &models.Task{
		ID:         id,
		Title:      nt.Title,
		Status:     models.TaskStatusPending,
		Proposal:   nt.Proposal,
		Checklist:  nt.Checklist,
		SpecDeltas: copyDeltas(nt.SpecDeltas),
		DependsOn:  dedupe(nt.DependsOn),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Build the directory under a temporary name and rename it into place
	// so a half-written task is never visible.
	staging, err := os.MkdirTemp(s.tasksDir(), "."+id+".tmp-")
	if err != nil {
		return nil, fmt.Errorf("create task %s: %w", id, err)
	}
	if err := s.writeAll(staging, task); err != nil {
		_ = os.RemoveAll(staging)
		return nil, fmt.Errorf("create task %s: %w", id, err)
	}
	if err := os.Rename(staging, s.taskDir(id)); err != nil {
		_ = os.RemoveAll(staging)
		return nil, fmt.Errorf("create task %s: %w", id, err)
	}

	s.debugLog("[taskstore] created %s deps=%v", id, task.DependsOn)
	return task.Clone(), nil
}

// Read loads a task from the active tasks or the archive.
func (s *Store) Read(id string) (*models.Task, error) {
	if !models.ValidTaskID(id) {
		return nil, s.notFound(id)
	}
	if dir := s.taskDir(id); s.exists(dir) {
		return s.readDir(dir)
	}
	if dir := s.archivedDir(id); s.exists(dir) {
		return s.readDir(dir)
	}
	return nil, s.notFound(id)
}

// Filter restricts List results.
type Filter struct {
	// Statuses keeps only tasks in one of these statuses. Empty keeps all.
	Statuses []models.TaskStatus
	// IncludeArchived also lists tasks under archive/.
	IncludeArchived bool
}

func (f Filter) match(t *models.Task) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// List returns matching tasks sorted by id.
func (s *Store) List(f Filter) ([]*models.Task, error) {
	dirs := []string{s.tasksDir()}
	if f.IncludeArchived {
		dirs = append(dirs, s.archiveDir())
	}

	var out []*models.Task
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() || !models.ValidTaskID(e.Name()) {
				continue
			}
			task, err := s.readDir(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, err
			}
			if f.match(task) {
				out = append(out, task)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Snapshot returns every task, archived ones included, for graph building.
func (s *Store) Snapshot() ([]*models.Task, error) {
	return s.List(Filter{IncludeArchived: true})
}

// Patch describes a partial update. Nil fields are left unchanged.
type Patch struct {
	Title      *string
	Proposal   *string
	Checklist  *string
	SpecDeltas map[string]string
	DependsOn  *[]string

	// Status requests a lifecycle transition checked under Guard. The
	// store fills Guard.UnmetDependencies from disk.
	Status *models.TaskStatus
	Guard  lifecycle.Guard
	// ExpectStatus, when set, fails the update unless the task is
	// currently in this status.
	ExpectStatus models.TaskStatus

	Attempts    *int
	LastOutcome *models.Outcome
	LastError   *string
}

// Update applies p to the task under its lock.
func (s *Store) Update(id string, p Patch) (*models.Task, error) {
	unlock, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	dir := s.taskDir(id)
	if !s.exists(dir) {
		if s.exists(s.archivedDir(id)) {
			return nil, &errs.InvalidTransitionError{
				TaskID: id, From: models.TaskStatusArchived, To: models.TaskStatusArchived,
				Reason: "archived tasks are immutable",
			}
		}
		return nil, s.notFound(id)
	}
	task, err := s.readDir(dir)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusArchived {
		return nil, &errs.InvalidTransitionError{
			TaskID: id, From: task.Status, To: task.Status, Reason: "archived tasks are immutable",
		}
	}
	if p.ExpectStatus != "" && task.Status != p.ExpectStatus {
		to := task.Status
		if p.Status != nil {
			to = *p.Status
		}
		return nil, &errs.InvalidTransitionError{
			TaskID: id, From: task.Status, To: to,
			Reason: fmt.Sprintf("expected status %s", p.ExpectStatus),
		}
	}

	deps := task.DependsOn
	if p.DependsOn != nil {
		deps = dedupe(*p.DependsOn)
	}
	if err := checkShape(id, deps, p.SpecDeltas); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if p.Status != nil {
		g := p.Guard
		g.UnmetDependencies = lifecycle.UnmetDependencies(deps, s.statusesOf(deps))
		if err := lifecycle.Apply(task, *p.Status, g, now); err != nil {
			return nil, err
		}
	}

	if p.Title != nil {
		task.Title = *p.Title
	}
	if p.Proposal != nil {
		task.Proposal = *p.Proposal
	}
	if p.Checklist != nil {
		task.Checklist = *p.Checklist
	}
	if p.SpecDeltas != nil {
		task.SpecDeltas = copyDeltas(p.SpecDeltas)
	}
	task.DependsOn = deps
	if p.Attempts != nil {
		task.Attempts = *p.Attempts
	}
	if p.LastOutcome != nil {
		task.LastOutcome = *p.LastOutcome
	}
	if p.LastError != nil {
		task.LastError = *p.LastError
	}
	task.UpdatedAt = now

	if err := s.writeAll(dir, task); err != nil {
		return nil, fmt.Errorf("update task %s: %w", id, err)
	}
	s.debugLog("[taskstore] updated %s status=%s", id, task.Status)
	return task.Clone(), nil
}

// Validate reports content problems. It returns an error only for I/O
// failures or a missing task.
func (s *Store) Validate(id string) (Report, error) {
	task, err := s.Read(id)
	if err != nil {
		return Report{}, err
	}
	return ValidateTask(task, func(dep string) bool {
		return s.exists(s.taskDir(dep)) || s.exists(s.archivedDir(dep))
	}), nil
}

// Archive moves a completed task to archive/ and stamps it archived.
func (s *Store) Archive(id string, skipValidation bool) (*models.Task, error) {
	unlock, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	dir := s.taskDir(id)
	if !s.exists(dir) {
		if s.exists(s.archivedDir(id)) {
			return nil, &errs.InvalidTransitionError{
				TaskID: id, From: models.TaskStatusArchived, To: models.TaskStatusArchived,
				Reason: "already archived",
			}
		}
		return nil, s.notFound(id)
	}
	task, err := s.readDir(dir)
	if err != nil {
		return nil, err
	}
	if !lifecycle.Allowed(task.Status, models.TaskStatusArchived) {
		return nil, lifecycle.Check(task, models.TaskStatusArchived, lifecycle.Guard{})
	}

	report := ValidateTask(task, func(dep string) bool {
		return s.exists(s.taskDir(dep)) || s.exists(s.archivedDir(dep))
	})
	if !skipValidation && !report.OK() {
		return nil, report.Err()
	}

	g := lifecycle.Guard{SkipValidation: skipValidation, ValidationErrors: len(report.Errors)}
	if err := lifecycle.Apply(task, models.TaskStatusArchived, g, s.now().UTC()); err != nil {
		return nil, err
	}
	// Move first: a task under tasks/ is never stamped archived.
	dest := s.archivedDir(id)
	if err := os.Rename(dir, dest); err != nil {
		return nil, fmt.Errorf("archive task %s: %w", id, err)
	}
	if err := s.writeMeta(dest, task); err != nil {
		if rerr := os.Rename(dest, dir); rerr != nil {
			s.debugLog("[taskstore] failed to move %s back after archive error: %v", id, rerr)
		}
		return nil, fmt.Errorf("archive task %s: %w", id, err)
	}
	s.debugLog("[taskstore] archived %s", id)
	return task.Clone(), nil
}

// Reset returns a failed or blocked task to pending, as well as an
// in-progress task whose run lease nobody holds. It is an operator action
// outside the engine's lifecycle.
func (s *Store) Reset(id string) (*models.Task, error) {
	unlock, err := s.lock(id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	dir := s.taskDir(id)
	if !s.exists(dir) {
		if s.exists(s.archivedDir(id)) {
			return nil, &errs.InvalidTransitionError{
				TaskID: id, From: models.TaskStatusArchived, To: models.TaskStatusPending,
				Reason: "archived tasks are immutable",
			}
		}
		return nil, s.notFound(id)
	}
	task, err := s.readDir(dir)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.TaskStatusFailed, models.TaskStatusBlocked:
	case models.TaskStatusInProgress:
		// Left in progress by a crashed run; only reset when no live
		// worker holds the run lease.
		lease, err := s.Claim(id)
		if err != nil {
			if errors.Is(err, ErrClaimed) {
				return nil, &errs.InvalidTransitionError{
					TaskID: id, From: task.Status, To: models.TaskStatusPending,
					Reason: "task is being run by a live worker",
				}
			}
			return nil, err
		}
		defer lease.Release()
	default:
		return nil, &errs.InvalidTransitionError{
			TaskID: id, From: task.Status, To: models.TaskStatusPending,
			Reason: "only failed, blocked or abandoned in-progress tasks can be reset",
		}
	}

	task.Status = models.TaskStatusPending
	task.Attempts = 0
	task.LastError = ""
	task.LastOutcome = ""
	task.UpdatedAt = s.now().UTC()
	if err := s.writeMeta(dir, task); err != nil {
		return nil, fmt.Errorf("reset task %s: %w", id, err)
	}
	s.debugLog("[taskstore] reset %s", id)
	return task.Clone(), nil
}

// statusesOf reads the current status of each id. Missing ids are omitted.
func (s *Store) statusesOf(ids []string) map[string]models.TaskStatus {
	out := make(map[string]models.TaskStatus, len(ids))
	for _, id := range ids {
		for _, dir := range []string{s.taskDir(id), s.archivedDir(id)} {
			meta, err := readMeta(dir)
			if err == nil {
				out[id] = meta.Status
				break
			}
		}
	}
	return out
}

func checkShape(id string, deps []string, deltas map[string]string) error {
	var issues []errs.Issue
	if !models.ValidTaskID(id) {
		issues = append(issues, errs.Issue{Field: "id", Message: fmt.Sprintf("%q is not kebab-case", id)})
	}
	for _, dep := range deps {
		if dep == id {
			issues = append(issues, errs.Issue{Field: "depends_on", Message: "task cannot depend on itself"})
		} else if !models.ValidTaskID(dep) {
			issues = append(issues, errs.Issue{Field: "depends_on", Message: fmt.Sprintf("%q is not a valid task id", dep)})
		}
	}
	for capability := range deltas {
		if !models.ValidTaskID(capability) {
			issues = append(issues, errs.Issue{Field: "specs", Message: fmt.Sprintf("capability %q is not kebab-case", capability)})
		}
	}
	if len(issues) > 0 {
		return &errs.ValidationError{TaskID: id, Issues: issues}
	}
	return nil
}

func (s *Store) readDir(dir string) (*models.Task, error) {
	task, err := readMeta(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, s.notFound(filepath.Base(dir))
		}
		return nil, err
	}
	if task.Proposal, err = readOptional(filepath.Join(dir, proposalFile)); err != nil {
		return nil, err
	}
	if task.Checklist, err = readOptional(filepath.Join(dir, checklistFile)); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(dir, specsDir))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read specs of %s: %w", task.ID, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		body, err := readOptional(filepath.Join(dir, specsDir, e.Name(), specFile))
		if err != nil {
			return nil, err
		}
		if task.SpecDeltas == nil {
			task.SpecDeltas = make(map[string]string)
		}
		task.SpecDeltas[e.Name()] = body
	}
	return task, nil
}

func readMeta(dir string) (*models.Task, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, err
	}
	var task models.Task
	if err := yaml.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Join(dir, metaFile), err)
	}
	if task.ID == "" {
		task.ID = filepath.Base(dir)
	}
	return &task, nil
}

func readOptional(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

func (s *Store) writeMeta(dir string, task *models.Task) error {
	data, err := yaml.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode %s: %w", metaFile, err)
	}
	return writeFileAtomic(filepath.Join(dir, metaFile), data)
}

// writeAll writes every file of the task. task.yaml goes last so readers
// never see metadata pointing at content that is not there yet.
func (s *Store) writeAll(dir string, task *models.Task) error {
	if err := writeFileAtomic(filepath.Join(dir, proposalFile), []byte(task.Proposal)); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, checklistFile), []byte(task.Checklist)); err != nil {
		return err
	}

	specRoot := filepath.Join(dir, specsDir)
	existing, err := os.ReadDir(specRoot)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for _, e := range existing {
		if _, keep := task.SpecDeltas[e.Name()]; !keep {
			if err := os.RemoveAll(filepath.Join(specRoot, e.Name())); err != nil {
				return err
			}
		}
	}
	for capability, body := range task.SpecDeltas {
		path := filepath.Join(specRoot, capability, specFile)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := writeFileAtomic(path, []byte(body)); err != nil {
			return err
		}
	}
	return s.writeMeta(dir, task)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	writeErr := func() error {
		if _, err := tmp.Write(data); err != nil {
			return err
		}
		if err := tmp.Sync(); err != nil {
			return err
		}
		return tmp.Close()
	}()
	if writeErr != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return writeErr
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func copyDeltas(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
