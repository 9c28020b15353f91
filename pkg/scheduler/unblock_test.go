package scheduler

import (
	"testing"

	"github.com/agentmesh/coordinator/pkg/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowAllPolicy struct{}

func (allowAllPolicy) IsAllowed(from, to string) bool { return true }

type denyPolicy struct{ denied map[string]bool }

func (d denyPolicy) IsAllowed(from, to string) bool { return !d.denied[to] }

func TestSelectUnblockTarget_RotatesFromLastIndex(t *testing.T) {
	idx := 0
	blocking := &task.BlockingState{UnblockedBy: []string{"agent_a", "agent_b", "agent_c"}, LastUnblockerIndex: &idx}
	target, escalation, ok := SelectUnblockTarget(blocking, allowAllPolicy{}, "agent_self")
	require.True(t, ok)
	assert.Equal(t, "agent_b", target)
	assert.False(t, escalation)
	assert.Equal(t, 1, blocking.UnblockRequestCount)
	assert.Equal(t, task.EscalationRequesting, blocking.EscalationState)
}

func TestSelectUnblockTarget_SkipsDeniedCandidates(t *testing.T) {
	blocking := &task.BlockingState{UnblockedBy: []string{"agent_a", "agent_b"}}
	policy := denyPolicy{denied: map[string]bool{"agent_a": true}}
	target, _, ok := SelectUnblockTarget(blocking, policy, "agent_self")
	require.True(t, ok)
	assert.Equal(t, "agent_b", target)
}

func TestSelectUnblockTarget_AllDeniedSetsFailedEscalation(t *testing.T) {
	blocking := &task.BlockingState{UnblockedBy: []string{"agent_a", "agent_b"}}
	policy := denyPolicy{denied: map[string]bool{"agent_a": true, "agent_b": true}}
	_, _, ok := SelectUnblockTarget(blocking, policy, "agent_self")
	assert.False(t, ok)
	assert.Equal(t, task.EscalationFailed, blocking.EscalationState)
}

func TestSelectUnblockTarget_EscalatesAtMaxRequests(t *testing.T) {
	blocking := &task.BlockingState{UnblockedBy: []string{"agent_a"}, UnblockRequestCount: MaxUnblockRequests - 1}
	_, escalation, ok := SelectUnblockTarget(blocking, allowAllPolicy{}, "agent_self")
	require.True(t, ok)
	assert.True(t, escalation)
	assert.Equal(t, task.EscalationEscalated, blocking.EscalationState)
}

func TestRecordUnblockFailure_SetsFailedAtMax(t *testing.T) {
	blocking := &task.BlockingState{UnblockRequestFailures: MaxUnblockFailures - 1}
	RecordUnblockFailure(blocking)
	assert.Equal(t, task.EscalationFailed, blocking.EscalationState)
}

func TestRecordUnblockSuccess_ResetsFailureCount(t *testing.T) {
	blocking := &task.BlockingState{UnblockRequestFailures: 2}
	RecordUnblockSuccess(blocking)
	assert.Equal(t, 0, blocking.UnblockRequestFailures)
}
