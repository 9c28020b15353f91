package task

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentmesh/coordinator/internal/obslog"
	"github.com/agentmesh/coordinator/pkg/atomicstore"
	"github.com/agentmesh/coordinator/pkg/filelock"
)

var storeLog = obslog.For("taskstore")

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewID generates an opaque task_<alnum20> identity.
func NewID() string {
	b := make([]byte, 20)
	for i := range b {
		b[i] = idAlphabet[rand.Intn(len(idAlphabet))]
	}
	return "task_" + string(b)
}

// Store is the per-workspace task lifecycle store (C4). One Store instance
// owns exactly one workspace directory; tasks never cross workspaces.
type Store struct {
	WorkspaceDir string
}

// NewStore binds a Store to a workspace directory, creating its tasks/ and
// task-history/ subdirectories if absent.
func NewStore(workspaceDir string) (*Store, error) {
	if err := os.MkdirAll(tasksDir(workspaceDir), 0o755); err != nil {
		return nil, fmt.Errorf("taskstore: mkdir: %w", err)
	}
	if err := os.MkdirAll(historyDir(workspaceDir), 0o755); err != nil {
		return nil, fmt.Errorf("taskstore: mkdir history: %w", err)
	}
	return &Store{WorkspaceDir: workspaceDir}, nil
}

func tasksDir(workspaceDir string) string   { return filepath.Join(workspaceDir, "tasks") }
func historyDir(workspaceDir string) string { return filepath.Join(workspaceDir, "task-history") }

func (s *Store) taskPath(id string) string {
	return filepath.Join(tasksDir(s.WorkspaceDir), id+".md")
}

// Get loads a task by id, returning (nil, nil) if it doesn't exist or fails
// required-field validation.
func (s *Store) Get(id string) (*Task, error) {
	data, err := os.ReadFile(s.taskPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskstore: read %s: %w", id, err)
	}
	return Parse(id, string(data))
}

// Create writes a brand-new task file under an exclusive lock and returns
// the stored Task.
func (s *Store) Create(t *Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Created.IsZero() {
		t.Created = time.Now().UTC()
	}
	if t.LastActivity.IsZero() {
		t.LastActivity = t.Created
	}
	if t.WorkSessionID == "" {
		t.WorkSessionID = "ws_" + randomHex(16)
	}
	return s.withTaskLock(t.ID, func() error {
		return atomicstore.WriteFile(s.taskPath(t.ID), []byte(Format(t)))
	})
}

// Save persists t under its lock, replacing the stored file with t's
// current fields. It does not re-read the file first, so changes another
// writer made since t was loaded are overwritten.
func (s *Store) Save(t *Task) error {
	return s.withTaskLock(t.ID, func() error {
		return atomicstore.WriteFile(s.taskPath(t.ID), []byte(Format(t)))
	})
}

// withTaskLock acquires the per-task FileLock, with the same 50/100/200ms
// retry schedule as AtomicStore, runs fn, and always releases.
func (s *Store) withTaskLock(id string, fn func() error) error {
	delays := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}
	var lock *filelock.Lock
	var err error
	for _, d := range delays {
		lock, err = filelock.Acquire(tasksDir(s.WorkspaceDir), id)
		if err != nil {
			return err
		}
		if lock != nil {
			break
		}
		time.Sleep(d)
	}
	if lock == nil {
		lock, err = filelock.Acquire(tasksDir(s.WorkspaceDir), id)
		if err != nil {
			return err
		}
	}
	if lock == nil {
		return fmt.Errorf("taskstore: could not acquire lock for %s", id)
	}
	defer lock.Release()
	return fn()
}

// ListTasks scans tasks/task_*.md, tolerating files deleted between readdir
// and readFile. An empty statusFilter returns all tasks.
func (s *Store) ListTasks(statusFilter Status) ([]*Task, error) {
	entries, err := os.ReadDir(tasksDir(s.WorkspaceDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskstore: readdir: %w", err)
	}

	var out []*Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "task_") || !strings.HasSuffix(name, ".md") {
			continue
		}
		id := strings.TrimSuffix(name, ".md")
		t, err := s.Get(id)
		if err != nil {
			storeLog.Warn("skipping unreadable task", "id", id, "error", err)
			continue
		}
		if t == nil {
			continue // deleted between readdir and readFile, or rejected
		}
		if statusFilter != "" && t.Status != statusFilter {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// FindActiveTask returns the first in_progress task, ordered by priority
// (urgent<high<medium<low), then dueDate, startDate, createdAt.
func (s *Store) FindActiveTask() (*Task, error) {
	tasks, err := s.ListTasks(StatusInProgress)
	if err != nil || len(tasks) == 0 {
		return nil, err
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority.rank() != b.Priority.rank() {
			return a.Priority.rank() < b.Priority.rank()
		}
		if due := compareOptionalTime(backlogDueDate(a), backlogDueDate(b)); due != 0 {
			return due < 0
		}
		if start := compareOptionalTime(backlogStartDate(a), backlogStartDate(b)); start != 0 {
			return start < 0
		}
		return a.Created.Before(b.Created)
	})
	return tasks[0], nil
}

// FindPickableBacklogTask returns the first backlog task whose startDate is
// not in the future and whose dependsOn are all either archived (missing
// from disk) or completed.
func (s *Store) FindPickableBacklogTask() (*Task, error) {
	tasks, err := s.ListTasks(StatusBacklog)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, t := range tasks {
		if t.Backlog != nil && t.Backlog.StartDate != nil && t.Backlog.StartDate.After(now) {
			continue
		}
		if s.dependenciesSatisfied(t) {
			return t, nil
		}
	}
	return nil, nil
}

func (s *Store) dependenciesSatisfied(t *Task) bool {
	if t.Backlog == nil {
		return true
	}
	for _, depID := range t.Backlog.DependsOn {
		dep, err := s.Get(depID)
		if err != nil {
			return false
		}
		if dep == nil {
			continue // archived
		}
		if dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func backlogDueDate(t *Task) *time.Time {
	if t.Backlog == nil {
		return nil
	}
	return t.Backlog.DueDate
}

func backlogStartDate(t *Task) *time.Time {
	if t.Backlog == nil {
		return nil
	}
	return t.Backlog.StartDate
}

// compareOptionalTime orders nil last, matching "no due/start date sorts
// after any task that has one".
func compareOptionalTime(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case a.After(*b):
		return 1
	default:
		return 0
	}
}

// StopGuardResult is the outcome of CheckStopGuard.
type StopGuardResult struct {
	Blocked         bool
	IncompleteSteps []Step
}

// CheckStopGuard enforces that a task with non-empty steps cannot complete
// while any step is pending or in_progress.
func CheckStopGuard(t *Task) StopGuardResult {
	if len(t.Steps) == 0 {
		return StopGuardResult{}
	}
	var incomplete []Step
	for _, step := range t.Steps {
		if step.Status == StepPending || step.Status == StepInProgress {
			incomplete = append(incomplete, step)
		}
	}
	return StopGuardResult{Blocked: len(incomplete) > 0, IncompleteSteps: incomplete}
}

// Complete marks a task completed. It re-reads the task under lock, re-runs
// the stop guard against the fresh copy, and only then writes the
// completion — guaranteeing the decision is made against a consistent
// snapshot even if another writer mutated steps concurrently.
func (s *Store) Complete(id string, summary string) (StopGuardResult, error) {
	var guard StopGuardResult
	err := s.withTaskLock(id, func() error {
		data, err := os.ReadFile(s.taskPath(id))
		if err != nil {
			return fmt.Errorf("taskstore: complete: read %s: %w", id, err)
		}
		t, err := Parse(id, string(data))
		if err != nil {
			return err
		}
		if t == nil {
			return fmt.Errorf("taskstore: complete: %s: task not found", id)
		}

		guard = CheckStopGuard(t)
		if guard.Blocked {
			return nil
		}

		t.Status = StatusCompleted
		t.LastActivity = time.Now().UTC()
		t.Outcome = &Outcome{Kind: OutcomeCompleted, Summary: summary}

		if err := atomicstore.WriteFile(s.taskPath(id), []byte(Format(t))); err != nil {
			return err
		}
		return s.appendHistory(t, "completed", summary)
	})
	return guard, err
}

// appendHistory appends an entry to task-history/<YYYY-MM>.md under a
// per-month history lock, adding a header on the month's first write.
func (s *Store) appendHistory(t *Task, action, note string) error {
	month := time.Now().UTC().Format("2006-01")
	lockID := "history_" + month
	histPath := filepath.Join(historyDir(s.WorkspaceDir), month+".md")

	delays := []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}
	var lock *filelock.Lock
	var err error
	for i, d := range delays {
		lock, err = filelock.Acquire(s.WorkspaceDir, lockID)
		if err != nil {
			return err
		}
		if lock != nil {
			break
		}
		if i < len(delays)-1 {
			time.Sleep(d)
		}
	}
	if lock == nil {
		return fmt.Errorf("taskstore: could not acquire history lock for %s", month)
	}
	defer lock.Release()

	existing, err := os.ReadFile(histPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("taskstore: read history %s: %w", histPath, err)
	}

	var b strings.Builder
	if len(existing) == 0 {
		fmt.Fprintf(&b, "# Task History: %s\n\n", month)
	} else {
		b.Write(existing)
	}
	fmt.Fprintf(&b, "- %s [%s] %s: %s\n", time.Now().UTC().Format(timeLayout), t.ID, action, note)

	return atomicstore.WriteFile(histPath, []byte(b.String()))
}

// WriteCurrentTaskPointer refreshes CURRENT_TASK.md, a denormalized
// convenience that is never a source of truth.
func (s *Store) WriteCurrentTaskPointer(t *Task) error {
	path := filepath.Join(s.WorkspaceDir, "CURRENT_TASK.md")
	body := fmt.Sprintf("# Current Task\n\n%s (%s)\n\nUpdated: %s\n", t.ID, t.Status, time.Now().UTC().Format(timeLayout))
	return atomicstore.WriteFile(path, []byte(body))
}

func randomHex(n int) string {
	const hex = "0123456789abcdef"
	b := make([]byte, n)
	for i := range b {
		b[i] = hex[rand.Intn(len(hex))]
	}
	return string(b)
}
