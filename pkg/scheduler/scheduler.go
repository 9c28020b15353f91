package scheduler

import (
	"context"
	"time"

	"github.com/agentmesh/coordinator/internal/obslog"
	"github.com/agentmesh/coordinator/pkg/driver"
	"github.com/agentmesh/coordinator/pkg/eventbus"
	"github.com/agentmesh/coordinator/pkg/filelock"
	"github.com/agentmesh/coordinator/pkg/task"
)

var log = obslog.For("scheduler")

// CheckInterval is the default tick period (§4.11), used when a Runner's
// Interval field is left zero.
const CheckInterval = 2 * time.Minute

// AgentStatusProvider reports whether an agent is currently busy
// processing a command, so the scheduler can SKIP rather than collide
// with in-flight work.
type AgentStatusProvider interface {
	IsBusy(agentID string) bool
}

// Runner is the I/O driver around the pure Decide function: one instance
// owns the per-agent FileLock, the continuation-state bookkeeping, and
// dispatch to the agent driver / event bus.
type Runner struct {
	AgentIDs   []string
	LockDir    string
	Tasks      *task.Store
	Driver     driver.AgentDriver
	Policy     driver.A2APolicy
	Status     AgentStatusProvider
	Bus        *eventbus.Bus
	Thresholds Thresholds

	// Interval overrides CheckInterval when non-zero. Callers that load
	// it from config should set this after New returns.
	Interval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
	wakeCh chan string

	state map[string]ContinuationState
}

// New constructs a Runner with DefaultThresholds.
func New(agentIDs []string, lockDir string, tasks *task.Store, ad driver.AgentDriver, policy driver.A2APolicy, status AgentStatusProvider, bus *eventbus.Bus) *Runner {
	return &Runner{
		AgentIDs:   agentIDs,
		LockDir:    lockDir,
		Tasks:      tasks,
		Driver:     ad,
		Policy:     policy,
		Status:     status,
		Bus:        bus,
		Thresholds: DefaultThresholds(),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		wakeCh:     make(chan string, 8),
		state:      make(map[string]ContinuationState),
	}
}

// Wake requests an out-of-band tick (e.g. in response to a bus event),
// non-blocking — a tick already pending silently absorbs it.
func (r *Runner) Wake(reason string) {
	select {
	case r.wakeCh <- reason:
	default:
	}
}

// Run drives the clock-aligned loop until ctx is canceled or Stop is
// called.
func (r *Runner) Run(ctx context.Context) {
	defer close(r.doneCh)

	interval := r.Interval
	if interval <= 0 {
		interval = CheckInterval
	}

	for {
		next := nextAlignedTime(time.Now(), interval)
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case reason := <-r.wakeCh:
			log.Debug("scheduler woken", "reason", reason)
			r.tickAll(ctx)
		case <-time.After(time.Until(next)):
			r.tickAll(ctx)
		}
	}
}

// Stop ends the loop started by Run.
func (r *Runner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func nextAlignedTime(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}

func (r *Runner) tickAll(ctx context.Context) {
	for _, agentID := range r.AgentIDs {
		r.tickAgent(ctx, agentID)
	}
}

// tickAgent runs one scheduler pass for a single agent: acquire the
// dedicated lock, run the zombie sweep / backlog pickup / decision
// dispatch, release.
func (r *Runner) tickAgent(ctx context.Context, agentID string) {
	lock, err := filelock.Acquire(r.LockDir, "continuation_"+agentID)
	if err != nil {
		log.Error("failed to acquire continuation lock", "agent", agentID, "error", err)
		return
	}
	if lock == nil {
		return // held elsewhere; bail silently per SKIP-on-contention policy
	}
	defer lock.Release()

	active, err := r.Tasks.FindActiveTask()
	if err != nil {
		log.Error("failed to load active task", "agent", agentID, "error", err)
		return
	}

	if active == nil {
		r.tryPickBacklog(ctx, agentID)
		return
	}

	r.dispatch(ctx, agentID, active)
}

func (r *Runner) tryPickBacklog(ctx context.Context, agentID string) {
	picked, err := r.Tasks.FindPickableBacklogTask()
	if err != nil || picked == nil {
		return
	}
	picked.Status = task.StatusInProgress
	if err := r.Tasks.Save(picked); err != nil {
		log.Error("failed to promote backlog task", "agent", agentID, "task", picked.ID, "error", err)
		return
	}
	r.emit(ctx, "backlog.auto_picked", agentID, map[string]any{"taskID": picked.ID})
}

func (r *Runner) dispatch(ctx context.Context, agentID string, t *task.Task) {
	var snap TaskSnapshot
	t.WithLock(func(tk *task.Task) {
		snap = TaskSnapshot{Status: tk.Status, LastActivity: tk.LastActivity}
	})

	cont := r.state[agentID]
	busy := r.Status != nil && r.Status.IsBusy(agentID)
	decision := Decide(snap, cont, time.Now(), r.Thresholds, busy)

	switch decision.Action {
	case ActionSkip:
		return
	case ActionBacklogRecover:
		cont.ReassignCount++
		r.state[agentID] = cont
		r.emit(ctx, "zombie.abandoned", agentID, map[string]any{"taskID": t.ID, "recovered": true})
	case ActionAbandon:
		t.WithLock(func(tk *task.Task) { tk.Status = task.StatusInterrupted })
		_ = r.Tasks.Save(t)
		r.emit(ctx, "zombie.abandoned", agentID, map[string]any{"taskID": t.ID, "recovered": false})
	case ActionUnblock:
		r.dispatchUnblock(ctx, agentID, t)
	case ActionContinue:
		r.dispatchContinue(ctx, agentID, t)
		cont = r.state[agentID]
		cont.LastContinuationSent = time.Now()
		r.state[agentID] = cont
	}
}

func (r *Runner) dispatchUnblock(ctx context.Context, agentID string, t *task.Task) {
	var blocking *task.BlockingState
	t.WithLock(func(tk *task.Task) { blocking = tk.Blocking })
	if blocking == nil {
		return
	}

	target, escalation, ok := SelectUnblockTarget(blocking, r.Policy, agentID)
	if !ok {
		_ = r.Tasks.Save(t)
		r.emit(ctx, "unblock.failed", agentID, map[string]any{"taskID": t.ID})
		return
	}

	if r.Driver != nil {
		if _, err := r.Driver.Run(ctx, target, unblockMessage(t, escalation), "a2a", nil); err != nil {
			RecordUnblockFailure(blocking)
			r.emit(ctx, "unblock.failed", agentID, map[string]any{"taskID": t.ID, "target": target, "error": err.Error()})
		} else {
			RecordUnblockSuccess(blocking)
			r.emit(ctx, "unblock.requested", agentID, map[string]any{"taskID": t.ID, "target": target, "escalation": escalation})
		}
	}
	_ = r.Tasks.Save(t)
}

func unblockMessage(t *task.Task, escalation bool) string {
	msg := "unblock request for task " + t.ID
	if escalation {
		msg = "[ESCALATION] " + msg
	}
	return msg
}

func (r *Runner) dispatchContinue(ctx context.Context, agentID string, t *task.Task) {
	if r.Driver == nil {
		return
	}
	_, err := r.Driver.Run(ctx, "agent:"+agentID+":main", "continue working on task "+t.ID, "continuation", nil)
	if err != nil {
		r.handleFailure(ctx, agentID, err.Error())
		return
	}
	cont := r.state[agentID]
	cont.ConsecutiveFailures = 0
	r.state[agentID] = cont
	r.emit(ctx, "continuation.sent", agentID, map[string]any{"taskID": t.ID})
}

func (r *Runner) handleFailure(ctx context.Context, agentID, errText string) {
	cont := r.state[agentID]
	reason := ClassifyFailure(errText)
	cont.ConsecutiveFailures++
	cont.LastFailureReason = reason

	delay, exhausted := ComputeBackoff(reason, cont.ConsecutiveFailures, errText)
	cont.BackoffUntil = time.Now().Add(delay)
	r.state[agentID] = cont

	r.emit(ctx, "continuation.backoff", agentID, map[string]any{
		"reason":              reason,
		"consecutiveFailures": cont.ConsecutiveFailures,
		"backoffMs":           delay.Milliseconds(),
	})

	if exhausted {
		r.emit(ctx, "continuation.backoff", agentID, map[string]any{
			"reason": reason, "exhaustionAction": OnExhaustion(reason),
		})
	}
}

func (r *Runner) emit(ctx context.Context, eventType, agentID string, data map[string]any) {
	if r.Bus == nil {
		return
	}
	r.Bus.Emit(ctx, eventbus.Event{Type: eventType, Agent: agentID, TsMs: time.Now().UnixMilli(), Data: data})
}
