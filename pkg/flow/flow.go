// Package flow implements A2AFlow (C8): the state machine that drives a
// single agent-to-agent exchange from the initial send through an
// optional ping-pong and an optional announce step. IntentClassifier
// (C9, intent.go) is a pure helper this state machine consults to decide
// how many ping-pong turns to run.
//
// Grounded on the teacher's pkg/agent/remoteagent/a2a.go (a2aAgent.run:
// streaming send, event conversion, reply extraction) for the overall
// send/wait/reply shape, and pkg/agent/task_status_retry.go for the
// chunked-wait-with-ceiling retry pattern. Messages are plain strings; no
// A2A wire-protocol library is used.
package flow

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/coordinator/internal/obslog"
	"github.com/agentmesh/coordinator/pkg/a2ajob"
	"github.com/agentmesh/coordinator/pkg/driver"
	"github.com/agentmesh/coordinator/pkg/eventbus"
	"github.com/agentmesh/coordinator/pkg/gate"
)

var log = obslog.For("flow")

const (
	maxMessageBytes = 4 * 1024
	maxPreviewChars = 200
	firstReplyWait  = 5 * time.Minute
	firstReplyChunk = 30 * time.Second
)

// Params parametrizes one A2AFlow run.
type Params struct {
	TargetSessionKey     string
	DisplayKey           string
	Message              string
	AnnounceTimeoutMs    int64
	MaxPingPongTurns     int
	RequesterSessionKey  string
	WaitRunID            string
	RoundOneReply        string
	ConversationID       string
	TaskContext          *a2ajob.TaskContext
	SkipPingPong         bool
}

// Flow wires the collaborators A2AFlow needs: the embedded agent driver,
// the outbound channel sender, the announce-target resolver, the
// concurrency gate, the durable job manager, and the event bus.
type Flow struct {
	Driver   driver.AgentDriver
	Sender   driver.ChannelSender
	Resolver driver.AnnounceTargetResolver
	Gate     *gate.Gate
	Jobs     *a2ajob.Manager
	Bus      *eventbus.Bus
}

var leadingDirective = regexp.MustCompile(`^\s*\[\[[^\]]*\]\]\s*`)

func sanitizeMessage(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = leadingDirective.ReplaceAllString(s, "")
	if len(s) > maxMessageBytes {
		s = s[:maxMessageBytes]
	}
	return s
}

func preview(s string) string {
	r := []rune(s)
	if len(r) > maxPreviewChars {
		return string(r[:maxPreviewChars])
	}
	return s
}

var subagentSuffix = regexp.MustCompile(`^agent:[^:]+:subagent:`)

// eventRole derives conversation.main vs delegation.subagent from either
// side's session key.
func eventRole(fromKey, toKey string) string {
	if subagentSuffix.MatchString(fromKey) || subagentSuffix.MatchString(toKey) {
		return "delegation.subagent"
	}
	return "conversation.main"
}

// Run drives one A2AFlow exchange to completion, acquiring a gate permit
// for agentID for the duration, and persisting lifecycle state to the
// job manager under jobID.
func (f *Flow) Run(ctx context.Context, agentID, jobID string, p Params) error {
	if err := f.Gate.Acquire(ctx, agentID, jobID); err != nil {
		return err
	}
	defer f.Gate.Release(agentID, jobID)

	f.markRunning(jobID)

	sanitized := sanitizeMessage(p.Message)
	role := eventRole(p.RequesterSessionKey, p.TargetSessionKey)

	f.emit(ctx, "a2a.send", p, map[string]any{
		"eventRole": role,
		"fromAgent": p.RequesterSessionKey,
		"toAgent":   p.TargetSessionKey,
		"message":   sanitized,
	})

	reply, err := f.waitForFirstReply(ctx, p)
	if err != nil {
		f.fail(jobID, err.Error())
		return err
	}

	f.emit(ctx, "a2a.response", p, map[string]any{
		"eventRole":    role,
		"fromAgent":    p.TargetSessionKey,
		"toAgent":      p.RequesterSessionKey,
		"replyPreview": preview(reply),
		"turn":         0,
		"maxTurns":     p.MaxPingPongTurns,
	})

	turns := f.runPingPong(ctx, p, role, reply)

	turns.announced = f.runAnnounce(ctx, p, turns.lastReply)

	f.emit(ctx, "a2a.complete", p, map[string]any{
		"eventRole": role,
		"announced": turns.announced,
	})

	f.complete(jobID)
	return nil
}

func (f *Flow) markRunning(jobID string) {
	if f.Jobs == nil || jobID == "" {
		return
	}
	if _, err := f.Jobs.UpdateStatus(jobID, a2ajob.StatusRunning, nil); err != nil {
		log.Error("failed to mark job running", "job", jobID, "error", err)
	}
}

func (f *Flow) fail(jobID, reason string) {
	if f.Jobs == nil || jobID == "" {
		return
	}
	if _, err := f.Jobs.UpdateStatus(jobID, a2ajob.StatusFailed, func(j *a2ajob.Job) {
		j.LastError = reason
	}); err != nil {
		log.Error("failed to mark job failed", "job", jobID, "error", err)
	}
}

func (f *Flow) complete(jobID string) {
	if f.Jobs == nil || jobID == "" {
		return
	}
	if _, err := f.Jobs.UpdateStatus(jobID, a2ajob.StatusCompleted, nil); err != nil {
		log.Error("failed to mark job completed", "job", jobID, "error", err)
	}
}

func (f *Flow) emit(ctx context.Context, eventType string, p Params, data map[string]any) {
	if f.Bus == nil {
		return
	}
	data["conversationID"] = p.ConversationID
	if p.TaskContext != nil {
		data["taskID"] = p.TaskContext.TaskID
		data["workSessionID"] = p.TaskContext.WorkSessionID
		data["parentConversationID"] = p.TaskContext.ParentConversationID
		data["depth"] = p.TaskContext.Depth
		data["hop"] = p.TaskContext.Hop
	}
	f.Bus.Emit(ctx, eventbus.Event{Type: eventType, TsMs: time.Now().UnixMilli(), Data: data})
}

// waitForFirstReply polls AgentDriver.Wait in chunks up to firstReplyWait,
// then reads the latest assistant reply from the target session. If the
// caller already supplied a reply (e.g. a synchronous first step), that
// value is used directly and no polling happens.
func (f *Flow) waitForFirstReply(ctx context.Context, p Params) (string, error) {
	if p.RoundOneReply != "" {
		return p.RoundOneReply, nil
	}

	deadline := time.Now().Add(firstReplyWait)
	for time.Now().Before(deadline) {
		result, err := f.Driver.Wait(ctx, p.WaitRunID, firstReplyChunk)
		if err != nil {
			log.Warn("transient error waiting for first reply", "runID", p.WaitRunID, "error", err)
			continue
		}
		switch result.Status {
		case driver.WaitOK:
			return f.Driver.ReadLatestAssistantReply(ctx, p.TargetSessionKey)
		case driver.WaitMissing, driver.WaitError:
			if result.Err != nil {
				return "", result.Err
			}
			return "", errNotFound
		case driver.WaitTimeout:
			continue
		}
	}
	return "", errDeadlineExceeded
}

type pingPongResult struct {
	lastReply string
	announced bool
}

// runPingPong alternates turns between requester and target until a
// termination condition fires or maxPingPongTurns is exhausted.
func (f *Flow) runPingPong(ctx context.Context, p Params, role, firstReply string) pingPongResult {
	result := pingPongResult{lastReply: firstReply}

	if !f.shouldPingPong(p, p.Message) {
		return result
	}

	turnTimeout := time.Duration(p.AnnounceTimeoutMs) * time.Millisecond
	if turnTimeout <= 0 {
		turnTimeout = 30 * time.Second
	}

	seen := []string{firstReply}
	currentSide := p.RequesterSessionKey
	otherSide := p.TargetSessionKey
	lastReply := firstReply

	for turn := 1; turn <= p.MaxPingPongTurns; turn++ {
		reply, err := f.Driver.RunAgentStep(ctx, driver.RunStepParams{
			SessionKey: currentSide,
			Prompt:     buildTurnPrompt(currentSide, turn, lastReply),
			Timeout:    turnTimeout,
		})
		if err != nil {
			log.Warn("ping-pong turn failed", "turn", turn, "error", err)
			break
		}
		if IsReplySkip(reply) || strings.TrimSpace(reply) == "" {
			break
		}

		for _, prior := range seen {
			if turn >= 2 && CalculateSimilarity(reply, prior) > 0.7 {
				f.emit(ctx, "a2a.response", p, map[string]any{
					"eventRole": role, "turn": turn, "maxTurns": p.MaxPingPongTurns,
					"replyPreview": preview(reply), "terminationReason": "repetition_detected",
				})
				result.lastReply = reply
				return result
			}
		}
		if len(reply) < 10 && !strings.HasSuffix(strings.TrimSpace(reply), "?") {
			result.lastReply = reply
			return result
		}
		if HasConclusionMarker(reply) {
			result.lastReply = reply
			return result
		}

		f.emit(ctx, "a2a.response", p, map[string]any{
			"eventRole": role, "turn": turn, "maxTurns": p.MaxPingPongTurns,
			"replyPreview": preview(reply),
		})

		seen = append(seen, reply)
		lastReply = reply
		currentSide, otherSide = otherSide, currentSide
	}

	result.lastReply = lastReply
	return result
}

func (f *Flow) shouldPingPong(p Params, message string) bool {
	if p.SkipPingPong {
		return false
	}
	if p.MaxPingPongTurns <= 0 {
		return false
	}
	if p.RequesterSessionKey == p.TargetSessionKey {
		return false
	}
	if strings.Contains(message, "[NO_REPLY_NEEDED]") || strings.Contains(message, "[NOTIFICATION]") {
		return false
	}
	classified := ClassifyIntent(message)
	return ResolveEffectivePingPongTurns(p.MaxPingPongTurns, classified, p.SkipPingPong) > 0
}

func buildTurnPrompt(side string, turn int, previous string) string {
	return "[turn " + strconv.Itoa(turn) + "] reply from " + side + " to: " + previous
}

// runAnnounce requests a final reply from the target and, unless the
// reply is empty or the announce-skip token, delivers it through the
// resolved external channel. Delivery failure never fails the flow. It
// reports whether a reply was delivered.
func (f *Flow) runAnnounce(ctx context.Context, p Params, latestReply string) bool {
	announceTimeout := time.Duration(p.AnnounceTimeoutMs) * time.Millisecond
	if announceTimeout <= 0 {
		announceTimeout = 30 * time.Second
	}

	reply, err := f.Driver.RunAgentStep(ctx, driver.RunStepParams{
		SessionKey: p.TargetSessionKey,
		Prompt:     "[announce step] summarize the outcome for the requester",
		Timeout:    announceTimeout,
	})
	if err != nil || strings.TrimSpace(reply) == "" || IsAnnounceSkip(reply) {
		return false
	}
	if f.Resolver == nil || f.Sender == nil {
		return false
	}

	target, ok := f.Resolver.Resolve(p.TargetSessionKey, p.DisplayKey)
	if !ok || target == nil {
		return false
	}

	_, err = f.Sender.Send(ctx, driver.SendParams{Target: *target, Text: reply})
	if err != nil {
		log.Warn("announce delivery failed", "target", target.AgentID, "error", err)
		return false
	}
	return true
}

var errNotFound = &flowError{"target run not found"}
var errDeadlineExceeded = &flowError{"first reply wait deadline exceeded"}

type flowError struct{ msg string }

func (e *flowError) Error() string { return e.msg }
