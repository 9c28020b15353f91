package a2ajob

import "time"

// ReapResult is the outcome of one RunOnStartup pass.
type ReapResult struct {
	TotalIncomplete int
	Abandoned       int
	ResetToPending  int
}

// Reaper performs the exactly-once startup reconciliation (C6): stale
// RUNNING jobs are abandoned, recent RUNNING jobs are reset to PENDING (and
// resumeCount bumped) so the flow engine can resume them as fresh
// invocations.
type Reaper struct {
	Manager *Manager
}

// NewReaper binds a Reaper to a Manager.
func NewReaper(m *Manager) *Reaper {
	return &Reaper{Manager: m}
}

// RunOnStartup enumerates incomplete jobs and classifies each exactly once.
func (r *Reaper) RunOnStartup() (ReapResult, error) {
	jobs, err := r.Manager.GetIncompleteJobs()
	if err != nil {
		return ReapResult{}, err
	}

	now := time.Now().UTC()
	result := ReapResult{TotalIncomplete: len(jobs)}

	for _, job := range jobs {
		if job.Status == StatusRunning && job.IsStale(now) {
			if _, err := r.Manager.UpdateStatus(job.ID, StatusAbandoned, func(j *Job) {
				finished := now
				j.FinishedAt = &finished
			}); err != nil {
				return result, err
			}
			result.Abandoned++
			continue
		}
		if job.Status == StatusRunning {
			if _, err := r.Manager.UpdateStatus(job.ID, StatusPending, func(j *Job) {
				j.ResumeCount++
			}); err != nil {
				return result, err
			}
			result.ResetToPending++
		}
		// PENDING jobs are left as-is (counted in TotalIncomplete only).
	}

	return result, nil
}

// GetResumableJobs returns every job now in PENDING status, for the flow
// engine to schedule as new invocations.
func (r *Reaper) GetResumableJobs() ([]*Job, error) {
	jobs, err := r.Manager.GetIncompleteJobs()
	if err != nil {
		return nil, err
	}
	var pending []*Job
	for _, j := range jobs {
		if j.Status == StatusPending {
			pending = append(pending, j)
		}
	}
	return pending, nil
}
