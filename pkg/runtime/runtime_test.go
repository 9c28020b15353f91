package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/coordinator/pkg/config"
	"github.com/agentmesh/coordinator/pkg/driver"
)

type stubDriver struct{}

func (stubDriver) Run(ctx context.Context, sessionKey, message, lane string, extras map[string]any) (string, error) {
	return "run-1", nil
}
func (stubDriver) Wait(ctx context.Context, runID string, chunk time.Duration) (driver.WaitResult, error) {
	return driver.WaitResult{Status: driver.WaitOK}, nil
}
func (stubDriver) ReadLatestAssistantReply(ctx context.Context, sessionKey string) (string, error) {
	return "", nil
}
func (stubDriver) RunAgentStep(ctx context.Context, params driver.RunStepParams) (string, error) {
	return "", nil
}

type stubPolicy struct{}

func (stubPolicy) IsAllowed(fromAgentID, toAgentID string) bool { return true }

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		WorkspaceDir: dir,
		StateDir:     dir,
		Agents:       []config.AgentRosterEntry{{ID: "agent_a"}},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNew_WiresAllComponents(t *testing.T) {
	cfg := newTestConfig(t)
	rt, err := New(cfg, Collaborators{Agent: stubDriver{}, Policy: stubPolicy{}})
	require.NoError(t, err)

	assert.NotNil(t, rt.Bus)
	assert.NotNil(t, rt.Tasks)
	assert.NotNil(t, rt.Jobs)
	assert.NotNil(t, rt.Reaper)
	assert.NotNil(t, rt.Gate)
	assert.NotNil(t, rt.Flow)
	assert.NotNil(t, rt.ConvIndex)
	assert.NotNil(t, rt.Scheduler)
	assert.NotNil(t, rt.SelfDrive)
	assert.NotNil(t, rt.Sessions)
	assert.NotNil(t, rt.Server)
	assert.Equal(t, cfg.CheckInterval(), rt.Scheduler.Interval)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(&config.Config{}, Collaborators{Agent: stubDriver{}, Policy: stubPolicy{}})
	require.Error(t, err)
}

func TestRunReapOnce_RunsWithoutError(t *testing.T) {
	cfg := newTestConfig(t)
	rt, err := New(cfg, Collaborators{Agent: stubDriver{}, Policy: stubPolicy{}})
	require.NoError(t, err)

	_, err = rt.RunReapOnce()
	require.NoError(t, err)
}
