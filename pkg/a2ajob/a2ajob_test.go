package a2ajob

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/agentmesh/coordinator/pkg/atomicstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_CreateGetUpdate(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	job, err := m.Create(&Job{TargetSessionKey: "agent:b:main", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)

	loaded, err := m.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi", loaded.Message)

	updated, err := m.UpdateStatus(job.ID, StatusRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, updated.Status)
}

func TestManager_UpdateStatus_IgnoresIllegalTransition(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	job, err := m.Create(&Job{})
	require.NoError(t, err)

	// PENDING -> COMPLETED is not a legal direct transition.
	updated, err := m.UpdateStatus(job.ID, StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, updated.Status)
}

func TestManager_CleanupFinishedJobs_RespectsRetention(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	recent := time.Now().UTC()
	old := time.Now().UTC().Add(-8 * 24 * time.Hour)

	j1, _ := m.Create(&Job{})
	m.UpdateStatus(j1.ID, StatusRunning, nil)
	m.UpdateStatus(j1.ID, StatusCompleted, func(j *Job) { j.FinishedAt = &recent })

	j2, _ := m.Create(&Job{})
	m.UpdateStatus(j2.ID, StatusRunning, nil)
	m.UpdateStatus(j2.ID, StatusCompleted, func(j *Job) { j.FinishedAt = &old })

	deleted, err := m.CleanupFinishedJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = m.Get(j2.ID)
	require.NoError(t, err)
	stillThere, err := m.Get(j1.ID)
	require.NoError(t, err)
	assert.NotNil(t, stillThere)
}

// TestReaper_RestartScenario implements spec scenario 5: one RUNNING job
// updated 2h ago, one RUNNING updated now, one PENDING, one COMPLETED.
func TestReaper_RestartScenario(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	stale, _ := m.Create(&Job{})
	m.UpdateStatus(stale.ID, StatusRunning, nil)
	// UpdateStatus always stamps UpdatedAt with now, so back-date the
	// record on disk directly.
	staleJob, err := m.Get(stale.ID)
	require.NoError(t, err)
	staleJob.UpdatedAt = time.Now().UTC().Add(-2 * time.Hour)
	data, err := json.MarshalIndent(staleJob, "", "  ")
	require.NoError(t, err)
	require.NoError(t, atomicstore.WriteFile(m.jobPath(stale.ID), data))

	recent, _ := m.Create(&Job{})
	m.UpdateStatus(recent.ID, StatusRunning, nil)

	_, err = m.Create(&Job{})
	require.NoError(t, err)

	completed, _ := m.Create(&Job{})
	m.UpdateStatus(completed.ID, StatusRunning, nil)
	finished := time.Now().UTC()
	m.UpdateStatus(completed.ID, StatusCompleted, func(j *Job) { j.FinishedAt = &finished })

	reaper := NewReaper(m)
	result, err := reaper.RunOnStartup()
	require.NoError(t, err)

	assert.Equal(t, 3, result.TotalIncomplete)
	assert.Equal(t, 1, result.Abandoned)
	assert.Equal(t, 1, result.ResetToPending)

	resumable, err := reaper.GetResumableJobs()
	require.NoError(t, err)
	assert.Len(t, resumable, 2)

	// Re-running immediately should be a no-op (idempotence law).
	second, err := reaper.RunOnStartup()
	require.NoError(t, err)
	assert.Equal(t, 0, second.Abandoned)
	assert.Equal(t, 0, second.ResetToPending)
}

func TestJob_IsStale(t *testing.T) {
	now := time.Now().UTC()
	job := &Job{Status: StatusRunning, UpdatedAt: now.Add(-2 * time.Hour)}
	assert.True(t, job.IsStale(now))

	job2 := &Job{Status: StatusRunning, UpdatedAt: now.Add(-5 * time.Minute)}
	assert.False(t, job2.IsStale(now))

	job3 := &Job{Status: StatusPending, UpdatedAt: now.Add(-2 * time.Hour)}
	assert.False(t, job3.IsStale(now))
}
