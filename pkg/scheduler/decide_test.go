package scheduler

import (
	"testing"
	"time"

	"github.com/agentmesh/coordinator/pkg/task"
	"github.com/stretchr/testify/assert"
)

func TestDecide_TerminalStatusesSkip(t *testing.T) {
	th := DefaultThresholds()
	now := time.Now()
	for _, st := range []task.Status{task.StatusCompleted, task.StatusCancelled, task.StatusAbandoned, task.StatusPendingApproval} {
		d := Decide(TaskSnapshot{Status: st, LastActivity: now.Add(-time.Hour)}, ContinuationState{}, now, th, false)
		assert.Equal(t, ActionSkip, d.Action, st)
	}
}

func TestDecide_AgentBusySkips(t *testing.T) {
	th := DefaultThresholds()
	now := time.Now()
	d := Decide(TaskSnapshot{Status: task.StatusInProgress, LastActivity: now.Add(-10 * time.Minute)}, ContinuationState{}, now, th, true)
	assert.Equal(t, ActionSkip, d.Action)
	assert.Equal(t, "agent_busy", d.Reason)
}

func TestDecide_ZombieBelowMaxReassignRecoversToBacklog(t *testing.T) {
	th := DefaultThresholds()
	now := time.Now()
	snap := TaskSnapshot{Status: task.StatusInProgress, LastActivity: now.Add(-25 * time.Hour)}
	d := Decide(snap, ContinuationState{ReassignCount: 1}, now, th, false)
	assert.Equal(t, ActionBacklogRecover, d.Action)
}

func TestDecide_ZombieAtMaxReassignAbandons(t *testing.T) {
	th := DefaultThresholds()
	now := time.Now()
	snap := TaskSnapshot{Status: task.StatusInProgress, LastActivity: now.Add(-25 * time.Hour)}
	d := Decide(snap, ContinuationState{ReassignCount: 3}, now, th, false)
	assert.Equal(t, ActionAbandon, d.Action)
}

func TestDecide_BackoffActiveSkips(t *testing.T) {
	th := DefaultThresholds()
	now := time.Now()
	snap := TaskSnapshot{Status: task.StatusInProgress, LastActivity: now.Add(-10 * time.Minute)}
	d := Decide(snap, ContinuationState{BackoffUntil: now.Add(time.Minute)}, now, th, false)
	assert.Equal(t, ActionSkip, d.Action)
	assert.Equal(t, "backoff_active", d.Reason)
}

func TestDecide_CooldownSkips(t *testing.T) {
	th := DefaultThresholds()
	now := time.Now()
	snap := TaskSnapshot{Status: task.StatusInProgress, LastActivity: now.Add(-10 * time.Minute)}
	d := Decide(snap, ContinuationState{LastContinuationSent: now.Add(-time.Minute)}, now, th, false)
	assert.Equal(t, ActionSkip, d.Action)
	assert.Equal(t, "cooldown", d.Reason)
}

func TestDecide_IdleSkips(t *testing.T) {
	th := DefaultThresholds()
	now := time.Now()
	snap := TaskSnapshot{Status: task.StatusInProgress, LastActivity: now.Add(-1 * time.Minute)}
	d := Decide(snap, ContinuationState{}, now, th, false)
	assert.Equal(t, ActionSkip, d.Action)
	assert.Equal(t, "idle", d.Reason)
}

func TestDecide_BlockedUnblocks(t *testing.T) {
	th := DefaultThresholds()
	now := time.Now()
	snap := TaskSnapshot{Status: task.StatusBlocked, LastActivity: now.Add(-10 * time.Minute)}
	d := Decide(snap, ContinuationState{}, now, th, false)
	assert.Equal(t, ActionUnblock, d.Action)
}

func TestDecide_DefaultsToContinue(t *testing.T) {
	th := DefaultThresholds()
	now := time.Now()
	snap := TaskSnapshot{Status: task.StatusInProgress, LastActivity: now.Add(-10 * time.Minute)}
	d := Decide(snap, ContinuationState{}, now, th, false)
	assert.Equal(t, ActionContinue, d.Action)
}
