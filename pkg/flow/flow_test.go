package flow

import (
	"context"
	"testing"
	"time"

	"github.com/agentmesh/coordinator/pkg/a2ajob"
	"github.com/agentmesh/coordinator/pkg/driver"
	"github.com/agentmesh/coordinator/pkg/eventbus"
	"github.com/agentmesh/coordinator/pkg/gate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDriver struct {
	waitResult   driver.WaitResult
	firstReply   string
	stepReplies  []string
	stepIdx      int
}

func (f *fakeDriver) Run(ctx context.Context, sessionKey, message, lane string, extras map[string]any) (string, error) {
	return "run-1", nil
}

func (f *fakeDriver) Wait(ctx context.Context, runID string, chunk time.Duration) (driver.WaitResult, error) {
	return f.waitResult, nil
}

func (f *fakeDriver) ReadLatestAssistantReply(ctx context.Context, sessionKey string) (string, error) {
	return f.firstReply, nil
}

func (f *fakeDriver) RunAgentStep(ctx context.Context, params driver.RunStepParams) (string, error) {
	if f.stepIdx >= len(f.stepReplies) {
		return "REPLY_SKIP", nil
	}
	r := f.stepReplies[f.stepIdx]
	f.stepIdx++
	return r, nil
}

type fakeSender struct{ sent []driver.SendParams }

func (s *fakeSender) Send(ctx context.Context, p driver.SendParams) (driver.SendResult, error) {
	s.sent = append(s.sent, p)
	return driver.SendResult{Delivered: true}, nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(sessionKey, displayKey string) (*driver.AnnounceTarget, bool) {
	return &driver.AnnounceTarget{AgentID: "agent_b", Channel: "slack", Kind: "channel", ID: "c1"}, true
}

func newTestFlow(t *testing.T, d *fakeDriver, sender driver.ChannelSender) (*Flow, *a2ajob.Manager, *eventbus.Bus) {
	t.Helper()
	jobs, err := a2ajob.NewManager(t.TempDir())
	require.NoError(t, err)
	bus := eventbus.New()
	g := gate.New(gate.Config{MaxConcurrentFlows: 1, QueueTimeout: time.Second})
	return &Flow{Driver: d, Sender: sender, Resolver: fakeResolver{}, Gate: g, Jobs: jobs, Bus: bus}, jobs, bus
}

func TestFlow_Run_NotificationSkipsPingPong(t *testing.T) {
	d := &fakeDriver{waitResult: driver.WaitResult{Status: driver.WaitOK}, firstReply: "[NOTIFICATION] done"}
	f, jobs, bus := newTestFlow(t, d, &fakeSender{})

	job, err := jobs.Create(&a2ajob.Job{TargetSessionKey: "agent:b:main"})
	require.NoError(t, err)

	var events []string
	bus.Subscribe(eventbus.Wildcard, func(ctx context.Context, e eventbus.Event) error {
		events = append(events, e.Type)
		return nil
	})

	err = f.Run(context.Background(), "agent_b", job.ID, Params{
		TargetSessionKey:    "agent:b:main",
		RequesterSessionKey: "agent:a:main",
		Message:             "[NOTIFICATION] done",
		MaxPingPongTurns:    3,
		AnnounceTimeoutMs:   1000,
	})
	require.NoError(t, err)

	assert.Contains(t, events, "a2a.send")
	assert.Contains(t, events, "a2a.complete")

	completed, err := jobs.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, a2ajob.StatusCompleted, completed.Status)
}

func TestFlow_Run_PingPongStopsOnSkipToken(t *testing.T) {
	d := &fakeDriver{
		waitResult:  driver.WaitResult{Status: driver.WaitOK},
		firstReply:  "let's discuss the plan",
		stepReplies: []string{"REPLY_SKIP"},
	}
	f, jobs, _ := newTestFlow(t, d, &fakeSender{})
	job, err := jobs.Create(&a2ajob.Job{})
	require.NoError(t, err)

	err = f.Run(context.Background(), "agent_b", job.ID, Params{
		TargetSessionKey:    "agent:b:main",
		RequesterSessionKey: "agent:a:main",
		Message:             "let's discuss the plan",
		MaxPingPongTurns:    3,
		AnnounceTimeoutMs:   1000,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, d.stepIdx)
}

func TestFlow_Run_AnnounceDeliversToResolvedTarget(t *testing.T) {
	d := &fakeDriver{
		waitResult:  driver.WaitResult{Status: driver.WaitOK},
		firstReply:  "some reply",
		stepReplies: []string{"REPLY_SKIP", "final summary for requester"},
	}
	sender := &fakeSender{}
	f, jobs, _ := newTestFlow(t, d, sender)
	job, err := jobs.Create(&a2ajob.Job{})
	require.NoError(t, err)

	err = f.Run(context.Background(), "agent_b", job.ID, Params{
		TargetSessionKey:    "agent:b:main",
		RequesterSessionKey: "agent:a:main",
		Message:             "some reply",
		MaxPingPongTurns:    1,
		AnnounceTimeoutMs:   1000,
	})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "final summary for requester", sender.sent[0].Text)
}

func TestFlow_Run_SkipPingPongWhenRequesterEqualsTarget(t *testing.T) {
	d := &fakeDriver{waitResult: driver.WaitResult{Status: driver.WaitOK}, firstReply: "hi"}
	f, jobs, _ := newTestFlow(t, d, &fakeSender{})
	job, err := jobs.Create(&a2ajob.Job{})
	require.NoError(t, err)

	err = f.Run(context.Background(), "agent_a", job.ID, Params{
		TargetSessionKey:    "agent:a:main",
		RequesterSessionKey: "agent:a:main",
		Message:             "hi",
		MaxPingPongTurns:    3,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, d.stepIdx)
}

func TestEventRole_DerivesSubagentDelegation(t *testing.T) {
	assert.Equal(t, "delegation.subagent", eventRole("agent:a:main", "agent:b:subagent:worker"))
	assert.Equal(t, "conversation.main", eventRole("agent:a:main", "agent:b:main"))
}

func TestSanitizeMessage_StripsDirectiveAndTruncates(t *testing.T) {
	s := sanitizeMessage("[[directive]] hello\r\nworld")
	assert.Equal(t, "hello\nworld", s)

	long := make([]byte, maxMessageBytes+500)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, sanitizeMessage(string(long)), maxMessageBytes)
}
