// Package a2ajob implements the durable A2A job manager (C5) and the
// startup reaper (C6) that reconciles jobs left RUNNING across a restart.
//
// Grounded on the teacher's pkg/agent/recovery.go (RecoverPendingTasks:
// stale-vs-recent classification, resumeCount, checkpoint expiry) and
// pkg/checkpoint/storage.go's ListPending/ListAllPending shape, rebuilt as a
// file-backed job record instead of an in-memory task service.
package a2ajob

import "time"

// Status is the A2A job lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusAbandoned Status = "ABANDONED"
)

// IsFinished reports whether Status is one of the terminal states.
func (s Status) IsFinished() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAbandoned:
		return true
	default:
		return false
	}
}

// StaleJobThreshold is how long a RUNNING job can go unmodified before the
// reaper treats it as abandoned.
const StaleJobThreshold = time.Hour

// Retention is how long finished jobs stay on disk before cleanup deletes
// them.
const Retention = 7 * 24 * time.Hour

// TaskContext carries the optional link back to the originating task/work
// session, when the job was spawned on behalf of one.
type TaskContext struct {
	TaskID               string `json:"taskId,omitempty"`
	WorkSessionID        string `json:"workSessionId,omitempty"`
	ParentConversationID string `json:"parentConversationId,omitempty"`
	Depth                int    `json:"depth,omitempty"`
	Hop                  int    `json:"hop,omitempty"`
	SkipPingPong         bool   `json:"skipPingPong,omitempty"`
}

// Job is one durable PENDING/RUNNING/COMPLETED/FAILED/ABANDONED record.
type Job struct {
	ID                string       `json:"id"`
	Status            Status       `json:"status"`
	TargetSessionKey  string       `json:"targetSessionKey"`
	DisplayKey        string       `json:"displayKey,omitempty"`
	Message           string       `json:"message"`
	ConversationID    string       `json:"conversationId,omitempty"`
	MaxPingPongTurns  int          `json:"maxPingPongTurns"`
	CurrentTurn       int          `json:"currentTurn"`
	AnnounceTimeoutMs int64        `json:"announceTimeoutMs"`
	TaskContext       *TaskContext `json:"taskContext,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	ResumeCount int        `json:"resumeCount"`
	LastError   string     `json:"lastError,omitempty"`
}

// IsStale reports whether a RUNNING job has gone untouched past the stale
// threshold, relative to now.
func (j *Job) IsStale(now time.Time) bool {
	return j.Status == StatusRunning && now.Sub(j.UpdatedAt) > StaleJobThreshold
}

// validTransitions enumerates the legal Status state machine; illegal
// transitions are silently ignored by UpdateStatus.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusRunning: true},
	StatusRunning: {StatusCompleted: true, StatusFailed: true, StatusAbandoned: true, StatusPending: true},
}

func isValidTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return validTransitions[from][to]
}
