package a2ajob

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentmesh/coordinator/internal/obslog"
	"github.com/agentmesh/coordinator/pkg/atomicstore"
	"github.com/google/uuid"
)

var log = obslog.For("a2ajob")

// Manager owns the <state>/a2a-jobs/ directory: one job-<jobID>.json file
// per record.
type Manager struct {
	StateDir string
}

// NewManager binds a Manager to a state directory, creating the jobs
// subdirectory if absent.
func NewManager(stateDir string) (*Manager, error) {
	if err := os.MkdirAll(jobsDir(stateDir), 0o755); err != nil {
		return nil, fmt.Errorf("a2ajob: mkdir: %w", err)
	}
	return &Manager{StateDir: stateDir}, nil
}

func jobsDir(stateDir string) string { return filepath.Join(stateDir, "a2a-jobs") }

func (m *Manager) jobPath(id string) string {
	return filepath.Join(jobsDir(m.StateDir), "job-"+id+".json")
}

// Create writes a brand-new job in PENDING status. If job.ID is empty, a
// fresh uuid is assigned.
func (m *Manager) Create(job *Job) (*Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.Status = StatusPending
	job.CreatedAt = now
	job.UpdatedAt = now

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("a2ajob: marshal: %w", err)
	}
	if err := atomicstore.WriteFile(m.jobPath(job.ID), data); err != nil {
		return nil, err
	}
	return job, nil
}

// Get loads a job by id.
func (m *Manager) Get(id string) (*Job, error) {
	data, err := os.ReadFile(m.jobPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("a2ajob: read %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("a2ajob: unmarshal %s: %w", id, err)
	}
	return &job, nil
}

// UpdateStatus re-reads the job, applies extra, sets Status (if the
// transition is legal — illegal transitions are ignored, matching the
// spec's "illegal transitions are ignored" invariant), bumps UpdatedAt, and
// persists via tmp-rename, all under the job's FileLock.
func (m *Manager) UpdateStatus(id string, status Status, extra func(*Job)) (*Job, error) {
	lockDir := jobsDir(m.StateDir)
	var result *Job

	err := atomicstore.ReadModifyWrite(m.jobPath(id), lockDir, id, nil, func(current []byte) ([]byte, error) {
		var job Job
		if len(current) > 0 {
			if err := json.Unmarshal(current, &job); err != nil {
				return nil, fmt.Errorf("a2ajob: unmarshal %s: %w", id, err)
			}
		} else {
			job.ID = id
		}

		if isValidTransition(job.Status, status) {
			job.Status = status
		} else {
			log.Warn("ignoring illegal job transition", "id", id, "from", job.Status, "to", status)
		}
		if extra != nil {
			extra(&job)
		}
		job.UpdatedAt = time.Now().UTC()

		result = &job
		return json.MarshalIndent(job, "", "  ")
	})
	return result, err
}

// GetIncompleteJobs returns every PENDING or RUNNING job.
func (m *Manager) GetIncompleteJobs() ([]*Job, error) {
	return m.filter(func(j *Job) bool {
		return j.Status == StatusPending || j.Status == StatusRunning
	})
}

// CleanupFinishedJobs deletes COMPLETED|FAILED|ABANDONED jobs whose
// FinishedAt is older than Retention.
func (m *Manager) CleanupFinishedJobs() (int, error) {
	jobs, err := m.filter(func(j *Job) bool {
		return j.Status.IsFinished() && j.FinishedAt != nil && time.Since(*j.FinishedAt) > Retention
	})
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if err := os.Remove(m.jobPath(j.ID)); err != nil && !os.IsNotExist(err) {
			log.Error("failed to remove finished job", "id", j.ID, "error", err)
		}
	}
	return len(jobs), nil
}

func (m *Manager) filter(pred func(*Job) bool) ([]*Job, error) {
	entries, err := os.ReadDir(jobsDir(m.StateDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("a2ajob: readdir: %w", err)
	}

	var out []*Job
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "job-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "job-"), ".json")
		job, err := m.Get(id)
		if err != nil || job == nil {
			continue
		}
		if pred(job) {
			out = append(out, job)
		}
	}
	return out, nil
}
