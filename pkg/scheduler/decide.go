// Package scheduler implements the ContinuationScheduler (C11): a pure
// decision function over task/agent state, and an I/O driver loop that
// polls every checkIntervalMs and dispatches the decided action.
//
// Grounded on the teacher's pkg/agent/recovery.go for the
// gate-then-act shape (RecoverPendingTasks checks staleness before
// acting, never the reverse), though recovery.go has no single
// equivalent of a priority-ordered decision table; the clock-aligned
// polling loop (scheduler.go) is grounded on
// NeboLoop-nebo/internal/daemon/heartbeat.go's nextAlignedTime/wakeCh
// pattern, enrichment from the rest of the pack since the teacher has no
// periodic scheduler daemon of its own.
package scheduler

import (
	"time"

	"github.com/agentmesh/coordinator/pkg/task"
)

// Action is the decision engine's verdict for one agent's active task.
type Action string

const (
	ActionContinue       Action = "CONTINUE"
	ActionEscalate       Action = "ESCALATE"
	ActionBackoff        Action = "BACKOFF"
	ActionUnblock        Action = "UNBLOCK"
	ActionAbandon        Action = "ABANDON"
	ActionSkip           Action = "SKIP"
	ActionBacklogRecover Action = "BACKLOG_RECOVER"
)

// Decision is the Action plus a short machine-readable reason, useful for
// logging and tests.
type Decision struct {
	Action Action
	Reason string
}

// Thresholds parametrizes the decision rules; DefaultThresholds matches
// the documented defaults.
type Thresholds struct {
	ZombieTaskTTL    time.Duration
	CooldownDuration time.Duration
	IdleThreshold    time.Duration
	MaxReassign      int
}

// DefaultThresholds returns the spec's documented default values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ZombieTaskTTL:    24 * time.Hour,
		CooldownDuration: 5 * time.Minute,
		IdleThreshold:    3 * time.Minute,
		MaxReassign:      3,
	}
}

// TaskSnapshot is the read-only view of a task the decision function
// needs. It is a snapshot, not a *task.Task, so Decide stays a pure
// function with no locking concerns of its own.
type TaskSnapshot struct {
	Status       task.Status
	LastActivity time.Time
}

// ContinuationState is the scheduler's own per-agent bookkeeping: the
// backoff/cooldown/reassignment counters that live alongside, not inside,
// the task record.
type ContinuationState struct {
	BackoffUntil          time.Time
	LastContinuationSent  time.Time
	ConsecutiveFailures   int
	ReassignCount         int
	LastFailureReason     FailureReason
}

// Decide is a pure function of (task, agentState, now, thresholds,
// isAgentBusy); the surrounding runner performs all I/O.
func Decide(snap TaskSnapshot, cont ContinuationState, now time.Time, th Thresholds, isAgentBusy bool) Decision {
	switch snap.Status {
	case task.StatusCompleted, task.StatusCancelled, task.StatusAbandoned, task.StatusPendingApproval:
		return Decision{Action: ActionSkip, Reason: "terminal_or_pending_approval"}
	}

	if isAgentBusy {
		return Decision{Action: ActionSkip, Reason: "agent_busy"}
	}

	if snap.Status == task.StatusInProgress && now.Sub(snap.LastActivity) > th.ZombieTaskTTL {
		if cont.ReassignCount < th.MaxReassign {
			return Decision{Action: ActionBacklogRecover, Reason: "zombie_reassign"}
		}
		return Decision{Action: ActionAbandon, Reason: "zombie_exhausted"}
	}

	if !cont.BackoffUntil.IsZero() && cont.BackoffUntil.After(now) {
		return Decision{Action: ActionSkip, Reason: "backoff_active"}
	}

	if !cont.LastContinuationSent.IsZero() && now.Sub(cont.LastContinuationSent) < th.CooldownDuration {
		return Decision{Action: ActionSkip, Reason: "cooldown"}
	}

	if now.Sub(snap.LastActivity) < th.IdleThreshold {
		return Decision{Action: ActionSkip, Reason: "idle"}
	}

	if snap.Status == task.StatusBlocked {
		return Decision{Action: ActionUnblock, Reason: "blocked"}
	}

	return Decision{Action: ActionContinue, Reason: "default"}
}
