package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTask() *Task {
	idx := 2
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &Task{
		ID:            "task_abc12345678901234567",
		Status:        StatusBlocked,
		Priority:      PriorityHigh,
		Description:   "Fix the thing",
		Context:       "some context",
		Source:        "user",
		Created:       time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		LastActivity:  time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC),
		WorkSessionID: "ws_1234",
		Progress:      []string{"started", "made progress"},
		Steps: []Step{
			{ID: "s1", Content: "do a thing", Status: StepDone, Order: 0},
			{ID: "s2", Content: "do another", Status: StepPending, Order: 1},
		},
		Blocking: &BlockingState{
			BlockedReason:       "waiting on agent_b",
			UnblockedBy:         []string{"agent_a", "agent_b"},
			UnblockRequestCount: 1,
			LastUnblockerIndex:  &idx,
			EscalationState:     EscalationRequesting,
		},
		Delegations: []Delegation{
			{ID: "d1", ToAgent: "agent_c", Status: "completed", CreatedAt: at},
		},
		DelegationEvents: []DelegationEvent{
			{Timestamp: at, Type: "spawned", Detail: "d1"},
		},
	}
}

func TestRoundTrip_PreservesAllFields(t *testing.T) {
	original := sampleTask()
	doc := Format(original)

	parsed, err := Parse(original.ID, doc)
	require.NoError(t, err)
	require.NotNil(t, parsed)

	assert.Equal(t, original.ID, parsed.ID)
	assert.Equal(t, original.Status, parsed.Status)
	assert.Equal(t, original.Priority, parsed.Priority)
	assert.Equal(t, original.Description, parsed.Description)
	assert.Equal(t, original.Context, parsed.Context)
	assert.Equal(t, original.Source, parsed.Source)
	assert.True(t, original.Created.Equal(parsed.Created))
	assert.True(t, original.LastActivity.Equal(parsed.LastActivity))
	assert.Equal(t, original.WorkSessionID, parsed.WorkSessionID)
	assert.Equal(t, original.Progress, parsed.Progress)
	assert.Equal(t, original.Steps, parsed.Steps)
	require.NotNil(t, parsed.Blocking)
	assert.Equal(t, original.Blocking.BlockedReason, parsed.Blocking.BlockedReason)
	assert.Equal(t, original.Blocking.UnblockedBy, parsed.Blocking.UnblockedBy)
	assert.Equal(t, *original.Blocking.LastUnblockerIndex, *parsed.Blocking.LastUnblockerIndex)
	require.Len(t, parsed.Delegations, 1)
	assert.Equal(t, original.Delegations[0].ToAgent, parsed.Delegations[0].ToAgent)
	require.Len(t, parsed.DelegationEvents, 1)
	assert.Equal(t, original.DelegationEvents[0].Type, parsed.DelegationEvents[0].Type)
}

func TestParse_MissingDescriptionRejectsFile(t *testing.T) {
	doc := "## Metadata\nstatus: pending\ncreated: 2026-01-01T00:00:00Z\n"
	parsed, err := Parse("task_x", doc)
	require.NoError(t, err)
	assert.Nil(t, parsed)
}

func TestParse_MissingCreatedRejectsFile(t *testing.T) {
	doc := "## Description\nsomething\n"
	parsed, err := Parse("task_x", doc)
	require.NoError(t, err)
	assert.Nil(t, parsed)
}

func TestParse_MalformedJSONSectionDropsOnlyThatSection(t *testing.T) {
	doc := "## Metadata\nstatus: pending\ncreated: 2026-01-01T00:00:00Z\n\n" +
		"## Description\nsomething\n\n" +
		"## Blocking\n```json\nnot valid json\n```\n"
	parsed, err := Parse("task_x", doc)
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Nil(t, parsed.Blocking)
	assert.Equal(t, "something", parsed.Description)
}

func TestParse_UnknownSectionIgnored(t *testing.T) {
	doc := "## Metadata\nstatus: pending\ncreated: 2026-01-01T00:00:00Z\n\n" +
		"## Description\nsomething\n\n" +
		"## SomeFutureSection\nwhatever\n"
	parsed, err := Parse("task_x", doc)
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, "something", parsed.Description)
}

func TestCheckStopGuard_BlocksOnIncompleteSteps(t *testing.T) {
	tsk := &Task{Steps: []Step{
		{ID: "a", Status: StepDone},
		{ID: "b", Status: StepInProgress},
		{ID: "c", Status: StepPending},
	}}
	result := CheckStopGuard(tsk)
	assert.True(t, result.Blocked)
	assert.Len(t, result.IncompleteSteps, 2)
}

func TestCheckStopGuard_AllSkippedAllowsCompletion(t *testing.T) {
	tsk := &Task{Steps: []Step{
		{ID: "a", Status: StepSkipped},
		{ID: "b", Status: StepDone},
	}}
	result := CheckStopGuard(tsk)
	assert.False(t, result.Blocked)
}

func TestCheckStopGuard_NoStepsPasses(t *testing.T) {
	result := CheckStopGuard(&Task{})
	assert.False(t, result.Blocked)
}

func TestStore_CreateGetComplete(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	tsk := &Task{Description: "do work", Status: StatusInProgress, Priority: PriorityMedium}
	require.NoError(t, store.Create(tsk))
	assert.NotEmpty(t, tsk.ID)
	assert.NotEmpty(t, tsk.WorkSessionID)

	loaded, err := store.Get(tsk.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "do work", loaded.Description)

	guard, err := store.Complete(tsk.ID, "all done")
	require.NoError(t, err)
	assert.False(t, guard.Blocked)

	completed, err := store.Get(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	require.NotNil(t, completed.Outcome)
	assert.Equal(t, "all done", completed.Outcome.Summary)
}

func TestStore_CompleteBlockedByIncompleteSteps(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	tsk := &Task{
		Description: "do work",
		Status:      StatusInProgress,
		Steps:       []Step{{ID: "s1", Status: StepPending}},
	}
	require.NoError(t, store.Create(tsk))

	guard, err := store.Complete(tsk.ID, "")
	require.NoError(t, err)
	assert.True(t, guard.Blocked)

	reloaded, err := store.Get(tsk.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, reloaded.Status)
}

func TestStore_FindActiveTaskOrdersByPriority(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	low := &Task{Description: "low", Status: StatusInProgress, Priority: PriorityLow, Created: time.Now().UTC()}
	urgent := &Task{Description: "urgent", Status: StatusInProgress, Priority: PriorityUrgent, Created: time.Now().UTC()}
	require.NoError(t, store.Create(low))
	require.NoError(t, store.Create(urgent))

	active, err := store.FindActiveTask()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "urgent", active.Description)
}

func TestStore_FindPickableBacklogTask_RespectsStartDateAndDeps(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	future := time.Now().UTC().Add(48 * time.Hour)
	notYet := &Task{Description: "future", Status: StatusBacklog, Backlog: &BacklogState{StartDate: &future}}
	require.NoError(t, store.Create(notYet))

	ready := &Task{Description: "ready", Status: StatusBacklog}
	require.NoError(t, store.Create(ready))

	picked, err := store.FindPickableBacklogTask()
	require.NoError(t, err)
	require.NotNil(t, picked)
	assert.Equal(t, "ready", picked.Description)
}

func TestStore_ListTasks_ToleratesDeletedFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	tsk := &Task{Description: "will vanish", Status: StatusPending}
	require.NoError(t, store.Create(tsk))

	tasks, err := store.ListTasks("")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}
