// Package selfdrive implements the SelfDrivingLoop (C12): on an agent's
// own "phase=end" lifecycle event, it debounces a short delay and then
// checks whether the agent's active task needs another nudge — either to
// define steps, to keep going, or to escalate when progress has stalled.
//
// Grounded on pkg/eventbus's subscriber contract for hooking into agent
// lifecycle events, and on the debounced timer-rescheduling pattern in
// NeboLoop-nebo/internal/daemon/heartbeat.go (Wake cancels/replaces a
// pending tick) adapted from a fixed interval to a per-agent one-shot
// timer armed on every phase=end.
package selfdrive

import (
	"context"
	"sync"
	"time"

	"github.com/agentmesh/coordinator/internal/obslog"
	"github.com/agentmesh/coordinator/pkg/driver"
	"github.com/agentmesh/coordinator/pkg/eventbus"
	"github.com/agentmesh/coordinator/pkg/task"
)

var log = obslog.For("selfdrive")

// EventAgentLifecycle is the event type this loop listens for.
const EventAgentLifecycle = "agent.lifecycle"

// Config parametrizes the self-driving thresholds; DefaultConfig matches
// the documented defaults.
type Config struct {
	SelfDrivingDelay         time.Duration
	MaxSameStepCount         int
	MaxZeroProgressCount     int
	MaxConsecutiveSelfDrives int
	MaxStepDefinitionPrompts int
	Cooldown                 time.Duration
}

// DefaultConfig returns the spec's documented default values.
func DefaultConfig() Config {
	return Config{
		SelfDrivingDelay:         500 * time.Millisecond,
		MaxSameStepCount:         3,
		MaxZeroProgressCount:     5,
		MaxConsecutiveSelfDrives: 50,
		MaxStepDefinitionPrompts: 3,
		Cooldown:                 60 * time.Second,
	}
}

type progressState struct {
	lastStepID            string
	sameStepCount         int
	lastDoneCount         int
	zeroProgressCount     int
	consecutiveSelfDrives int
	stepPromptCount       int
	lastActivity          time.Time
}

// AgentStatusProvider reports whether an agent's command queue is
// currently non-empty, so a self-drive check can bail rather than
// collide with in-flight work.
type AgentStatusProvider interface {
	IsBusy(agentID string) bool
}

// Loop is the SelfDrivingLoop: one instance serves every configured
// agent, keyed by agentID.
type Loop struct {
	Cfg    Config
	Tasks  *task.Store
	Driver driver.AgentDriver
	Bus    *eventbus.Bus
	Status AgentStatusProvider

	mu     sync.Mutex
	timers map[string]*time.Timer
	state  map[string]*progressState
}

// New constructs a Loop with DefaultConfig.
func New(tasks *task.Store, ad driver.AgentDriver, bus *eventbus.Bus, status AgentStatusProvider) *Loop {
	return &Loop{
		Cfg:    DefaultConfig(),
		Tasks:  tasks,
		Driver: ad,
		Bus:    bus,
		Status: status,
		timers: make(map[string]*time.Timer),
		state:  make(map[string]*progressState),
	}
}

// Subscribe registers the loop on bus for EventAgentLifecycle and returns
// an unsubscribe function.
func (l *Loop) Subscribe(bus *eventbus.Bus) func() {
	return bus.Subscribe(EventAgentLifecycle, l.handle)
}

func (l *Loop) handle(ctx context.Context, event eventbus.Event) error {
	phase, _ := event.Data["phase"].(string)
	if phase != "end" {
		return nil
	}
	isSubagent, _ := event.Data["isSubagent"].(bool)
	if isSubagent {
		return nil
	}
	l.schedule(ctx, event.Agent)
	return nil
}

// schedule cancels any pending timer for agentID and arms a fresh one at
// SelfDrivingDelay.
func (l *Loop) schedule(ctx context.Context, agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.timers[agentID]; ok {
		existing.Stop()
	}
	l.timers[agentID] = time.AfterFunc(l.Cfg.SelfDrivingDelay, func() {
		l.checkAndSelfDrive(ctx, agentID)
	})
}

func (l *Loop) stateFor(agentID string) *progressState {
	st, ok := l.state[agentID]
	if !ok {
		st = &progressState{}
		l.state[agentID] = st
	}
	return st
}

func firstActiveStep(steps []task.Step) *task.Step {
	for i := range steps {
		if steps[i].Status == task.StepPending || steps[i].Status == task.StepInProgress {
			return &steps[i]
		}
	}
	return nil
}

func countDone(steps []task.Step) int {
	n := 0
	for _, s := range steps {
		if s.Status == task.StepDone {
			n++
		}
	}
	return n
}

// checkAndSelfDrive is the timer callback: it inspects the agent's
// active task and decides whether to prompt for step definitions, send
// a plain continuation nudge, or escalate.
func (l *Loop) checkAndSelfDrive(ctx context.Context, agentID string) {
	if l.Status != nil && l.Status.IsBusy(agentID) {
		return
	}

	active, err := l.Tasks.FindActiveTask()
	if err != nil || active == nil {
		return
	}

	var status task.Status
	var steps []task.Step
	active.WithLock(func(tk *task.Task) {
		status = tk.Status
		steps = append([]task.Step(nil), tk.Steps...)
	})
	if status != task.StatusInProgress {
		return
	}

	l.mu.Lock()
	st := l.stateFor(agentID)
	now := time.Now()
	if !st.lastActivity.IsZero() && now.Sub(st.lastActivity) > l.Cfg.Cooldown {
		*st = progressState{}
	}

	if len(steps) == 0 {
		st.stepPromptCount++
		shouldPrompt := st.stepPromptCount <= l.Cfg.MaxStepDefinitionPrompts
		st.lastActivity = now
		l.mu.Unlock()
		if shouldPrompt {
			l.prompt(ctx, agentID, active, "define the steps for this task before continuing")
		}
		return
	}

	current := firstActiveStep(steps)
	currentID := ""
	if current != nil {
		currentID = current.ID
	}
	if currentID != "" && currentID == st.lastStepID {
		st.sameStepCount++
	} else {
		st.sameStepCount = 0
		st.lastStepID = currentID
	}

	doneCount := countDone(steps)
	if doneCount == st.lastDoneCount {
		st.zeroProgressCount++
	} else {
		st.zeroProgressCount = 0
		st.lastDoneCount = doneCount
	}

	st.lastActivity = now
	st.consecutiveSelfDrives++
	escalate := st.sameStepCount >= l.Cfg.MaxSameStepCount || st.zeroProgressCount >= l.Cfg.MaxZeroProgressCount
	stop := st.consecutiveSelfDrives > l.Cfg.MaxConsecutiveSelfDrives
	l.mu.Unlock()

	if stop {
		log.Debug("self-drive cap reached, pausing", "agent", agentID)
		return
	}
	if escalate {
		l.prompt(ctx, agentID, active, "progress appears stalled — fix the blocker, consult a teammate, or ask the user")
		return
	}
	l.prompt(ctx, agentID, active, "continue working on the current step")
}

func (l *Loop) prompt(ctx context.Context, agentID string, t *task.Task, message string) {
	if l.Driver == nil {
		return
	}
	if _, err := l.Driver.Run(ctx, "agent:"+agentID+":main", message, "selfdrive", map[string]any{"taskID": t.ID}); err != nil {
		log.Error("self-drive prompt failed", "agent", agentID, "error", err)
	}
}
