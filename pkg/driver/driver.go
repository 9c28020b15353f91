// Package driver defines the narrow interfaces this module consumes from
// its external collaborators: the embedded agent runner, outbound chat
// transports, and the A2A routing policy. No component outside this
// package ever reasons about an LLM provider, a document, or a chat SDK
// directly — everything domain-specific is behind these seams.
//
// Grounded on the teacher's pkg/agent/task_awaiter.go (Run/Wait polling
// shape) and pkg/agent/remoteagent/a2a.go (the send/reply round-trip this
// module drives through A2AFlow).
package driver

import (
	"context"
	"time"
)

// WaitStatus is the outcome of one AgentDriver.Wait poll.
type WaitStatus string

const (
	WaitOK      WaitStatus = "ok"
	WaitTimeout WaitStatus = "timeout"
	WaitError   WaitStatus = "error"
	WaitMissing WaitStatus = "not_found"
)

// WaitResult is returned by one AgentDriver.Wait chunk.
type WaitResult struct {
	Status WaitStatus
	Err    error
}

// RunStepParams parametrizes a single synchronous agent turn (used during
// ping-pong and the announce step).
type RunStepParams struct {
	SessionKey string
	Prompt     string
	Timeout    time.Duration
}

// AgentDriver is the embedded-agent collaborator: it owns prompting,
// model selection, and reply retrieval. This module only ever sees
// strings in and strings out.
type AgentDriver interface {
	// Run starts an asynchronous agent invocation against sessionKey and
	// returns a runID to poll with Wait.
	Run(ctx context.Context, sessionKey, message, lane string, extras map[string]any) (runID string, err error)

	// Wait polls for up to chunk before returning the current status.
	// Callers loop until WaitOK, WaitMissing, or WaitError.
	Wait(ctx context.Context, runID string, chunk time.Duration) (WaitResult, error)

	// ReadLatestAssistantReply returns the most recent assistant message
	// recorded against sessionKey.
	ReadLatestAssistantReply(ctx context.Context, sessionKey string) (string, error)

	// RunAgentStep runs one synchronous turn and returns the reply text.
	RunAgentStep(ctx context.Context, params RunStepParams) (string, error)
}

// SendParams parametrizes one outbound channel delivery.
type SendParams struct {
	Target         AnnounceTarget
	Text           string
	IdempotencyKey string
}

// SendResult is the outcome of a ChannelSender.Send call.
type SendResult struct {
	Delivered bool
	Err       error
}

// ChannelSender delivers a message to an external chat surface (Slack,
// Discord, etc.) — the side of the conversation this module never
// originates itself.
type ChannelSender interface {
	Send(ctx context.Context, params SendParams) (SendResult, error)
}

// AnnounceTarget names where an announce-step reply should be delivered.
type AnnounceTarget struct {
	AgentID string
	Channel string
	Kind    string // "group" or "channel"
	ID      string
	ThreadID string
}

// AnnounceTargetResolver turns a session key into a delivery target.
type AnnounceTargetResolver interface {
	Resolve(sessionKey, displayKey string) (*AnnounceTarget, bool)
}

// A2APolicy gates which agent pairs may exchange A2A messages.
type A2APolicy interface {
	IsAllowed(fromAgentID, toAgentID string) bool
}

// Config is a read-only snapshot of the durations, caps, and agent
// roster this module's components consult.
type Config interface {
	MaxConcurrentFlows(agentID string) int
	GateQueueTimeout() time.Duration
	DefaultMaxPingPongTurns() int
	DefaultAnnounceTimeout() time.Duration
	CheckInterval() time.Duration
	KnownAgentIDs() []string
}
