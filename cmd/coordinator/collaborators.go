package main

import (
	"context"
	"fmt"
	"time"

	"github.com/agentmesh/coordinator/pkg/driver"
	"github.com/agentmesh/coordinator/pkg/runtime"
)

// defaultCollaborators returns a Collaborators set backed by placeholder
// implementations. SPEC_FULL.md §0 treats the embedded agent driver, the
// outbound channel sender, the announce resolver, and the A2A policy as
// external collaborators this module never implements itself; a real
// deployment embeds runtime.New with its own driver.AgentDriver (backed
// by whatever LLM/agent runner it runs) instead of linking against this
// binary directly. These placeholders let `serve`/`reap`/`validate` run
// standalone for smoke-testing the scheduler, self-drive, and session
// machinery against real task files without a live agent behind them.
func defaultCollaborators() runtime.Collaborators {
	return runtime.Collaborators{
		Agent:    unconfiguredDriver{},
		Sender:   unconfiguredSender{},
		Resolver: unconfiguredResolver{},
		Policy:   allowAllPolicy{},
	}
}

type unconfiguredDriver struct{}

func (unconfiguredDriver) Run(ctx context.Context, sessionKey, message, lane string, extras map[string]any) (string, error) {
	return "", fmt.Errorf("no AgentDriver configured: embed runtime.New with a real driver.AgentDriver")
}

func (unconfiguredDriver) Wait(ctx context.Context, runID string, chunk time.Duration) (driver.WaitResult, error) {
	return driver.WaitResult{Status: driver.WaitError}, fmt.Errorf("no AgentDriver configured")
}

func (unconfiguredDriver) ReadLatestAssistantReply(ctx context.Context, sessionKey string) (string, error) {
	return "", fmt.Errorf("no AgentDriver configured")
}

func (unconfiguredDriver) RunAgentStep(ctx context.Context, params driver.RunStepParams) (string, error) {
	return "", fmt.Errorf("no AgentDriver configured")
}

type unconfiguredSender struct{}

func (unconfiguredSender) Send(ctx context.Context, params driver.SendParams) (driver.SendResult, error) {
	return driver.SendResult{Delivered: false}, fmt.Errorf("no ChannelSender configured")
}

type unconfiguredResolver struct{}

func (unconfiguredResolver) Resolve(sessionKey, displayKey string) (*driver.AnnounceTarget, bool) {
	return nil, false
}

// allowAllPolicy permits every A2A pair; a real deployment restricts
// this per its own roster/ACL rules.
type allowAllPolicy struct{}

func (allowAllPolicy) IsAllowed(fromAgentID, toAgentID string) bool { return true }
