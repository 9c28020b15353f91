package scheduler

import (
	"github.com/agentmesh/coordinator/pkg/driver"
	"github.com/agentmesh/coordinator/pkg/task"
)

// MaxUnblockRequests is the count at which a further unblock request is
// tagged ESCALATION and delivered externally.
const MaxUnblockRequests = 3

// MaxUnblockFailures is the count of consecutive agent-command failures
// after which escalationState is forced to failed.
const MaxUnblockFailures = 3

// SelectUnblockTarget rotates through blocking.UnblockedBy starting after
// LastUnblockerIndex, skipping any candidate the policy denies. It mutates
// blocking in place (index, request count, escalation state) — callers
// must hold the owning task's lock. Returns ok=false when every candidate
// was denied or the list is empty.
func SelectUnblockTarget(blocking *task.BlockingState, policy driver.A2APolicy, selfAgentID string) (target string, isEscalation bool, ok bool) {
	candidates := blocking.UnblockedBy
	if len(candidates) == 0 {
		return "", false, false
	}

	start := 0
	if blocking.LastUnblockerIndex != nil {
		start = (*blocking.LastUnblockerIndex + 1) % len(candidates)
	}

	for i := 0; i < len(candidates); i++ {
		idx := (start + i) % len(candidates)
		cand := candidates[idx]
		if policy != nil && !policy.IsAllowed(selfAgentID, cand) {
			continue
		}

		blocking.LastUnblockerIndex = &idx
		blocking.UnblockRequestCount++
		if blocking.UnblockRequestCount >= MaxUnblockRequests {
			isEscalation = true
			blocking.EscalationState = task.EscalationEscalated
		} else {
			blocking.EscalationState = task.EscalationRequesting
		}
		return cand, isEscalation, true
	}

	blocking.EscalationState = task.EscalationFailed
	return "", false, false
}

// RecordUnblockFailure increments the consecutive agent-command failure
// counter, forcing escalationState to failed once MaxUnblockFailures is
// reached.
func RecordUnblockFailure(blocking *task.BlockingState) {
	blocking.UnblockRequestFailures++
	if blocking.UnblockRequestFailures >= MaxUnblockFailures {
		blocking.EscalationState = task.EscalationFailed
	}
}

// RecordUnblockSuccess resets the consecutive-failure counter after a
// successful unblock-request delivery.
func RecordUnblockSuccess(blocking *task.BlockingState) {
	blocking.UnblockRequestFailures = 0
}
