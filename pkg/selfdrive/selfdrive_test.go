package selfdrive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/coordinator/pkg/driver"
	"github.com/agentmesh/coordinator/pkg/eventbus"
	"github.com/agentmesh/coordinator/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDriver struct {
	mu       sync.Mutex
	messages []string
}

func (d *recordingDriver) Run(ctx context.Context, sessionKey, message, lane string, extras map[string]any) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, message)
	return "run-1", nil
}
func (d *recordingDriver) Wait(ctx context.Context, runID string, chunk time.Duration) (driver.WaitResult, error) {
	return driver.WaitResult{Status: driver.WaitOK}, nil
}
func (d *recordingDriver) ReadLatestAssistantReply(ctx context.Context, sessionKey string) (string, error) {
	return "", nil
}
func (d *recordingDriver) RunAgentStep(ctx context.Context, params driver.RunStepParams) (string, error) {
	return "", nil
}

func (d *recordingDriver) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.messages)
}

func newTestLoop(t *testing.T) (*Loop, *task.Store, *recordingDriver) {
	t.Helper()
	store, err := task.NewStore(t.TempDir())
	require.NoError(t, err)
	d := &recordingDriver{}
	loop := New(store, d, eventbus.New(), nil)
	loop.Cfg.SelfDrivingDelay = 5 * time.Millisecond
	loop.Cfg.Cooldown = 50 * time.Millisecond
	return loop, store, d
}

func TestSelfDrive_PromptsToDefineStepsWhenEmpty(t *testing.T) {
	loop, store, d := newTestLoop(t)
	tsk := &task.Task{Description: "work", Status: task.StatusInProgress}
	require.NoError(t, store.Create(tsk))

	loop.checkAndSelfDrive(context.Background(), "agent_a")
	assert.Equal(t, 1, d.count())
}

func TestSelfDrive_EscalatesAfterRepeatedSameStep(t *testing.T) {
	loop, store, d := newTestLoop(t)
	tsk := &task.Task{
		Description: "work",
		Status:      task.StatusInProgress,
		Steps:       []task.Step{{ID: "s1", Status: task.StepInProgress}},
	}
	require.NoError(t, store.Create(tsk))

	// The first run only records the step; each later run on the same
	// step increments sameStepCount.
	for i := 0; i <= loop.Cfg.MaxSameStepCount; i++ {
		loop.checkAndSelfDrive(context.Background(), "agent_a")
	}

	assert.Equal(t, loop.Cfg.MaxSameStepCount+1, d.count())
	loop.mu.Lock()
	st := loop.state["agent_a"]
	loop.mu.Unlock()
	assert.GreaterOrEqual(t, st.sameStepCount, loop.Cfg.MaxSameStepCount)
}

func TestSelfDrive_SkipsWhenAgentBusy(t *testing.T) {
	store, err := task.NewStore(t.TempDir())
	require.NoError(t, err)
	tsk := &task.Task{Description: "work", Status: task.StatusInProgress}
	require.NoError(t, store.Create(tsk))

	d := &recordingDriver{}
	loop := New(store, d, eventbus.New(), busyStatus{})
	loop.checkAndSelfDrive(context.Background(), "agent_a")
	assert.Equal(t, 0, d.count())
}

type busyStatus struct{}

func (busyStatus) IsBusy(agentID string) bool { return true }

func TestSelfDrive_HandleSchedulesOnPhaseEnd(t *testing.T) {
	loop, store, d := newTestLoop(t)
	tsk := &task.Task{Description: "work", Status: task.StatusInProgress}
	require.NoError(t, store.Create(tsk))

	bus := eventbus.New()
	loop.Subscribe(bus)

	bus.Emit(context.Background(), eventbus.Event{
		Type:  EventAgentLifecycle,
		Agent: "agent_a",
		Data:  map[string]any{"phase": "end", "isSubagent": false},
	})

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, d.count())
}

func TestSelfDrive_IgnoresSubagentPhaseEnd(t *testing.T) {
	loop, store, d := newTestLoop(t)
	tsk := &task.Task{Description: "work", Status: task.StatusInProgress}
	require.NoError(t, store.Create(tsk))

	bus := eventbus.New()
	loop.Subscribe(bus)

	bus.Emit(context.Background(), eventbus.Event{
		Type:  EventAgentLifecycle,
		Agent: "agent_a",
		Data:  map[string]any{"phase": "end", "isSubagent": true},
	})

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, d.count())
}
