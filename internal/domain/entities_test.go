package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		ok   bool
	}{
		{"pending to claimed", TaskPending, TaskClaimed, true},
		{"pending to cancelled", TaskPending, TaskCancelled, true},
		{"pending to running", TaskPending, TaskRunning, false},
		{"pending to completed", TaskPending, TaskCompleted, false},
		{"claimed to running", TaskClaimed, TaskRunning, true},
		{"claimed to completed", TaskClaimed, TaskCompleted, true},
		{"claimed to failed", TaskClaimed, TaskFailed, true},
		{"claimed to cancelled", TaskClaimed, TaskCancelled, true},
		{"running to completed", TaskRunning, TaskCompleted, true},
		{"running to failed", TaskRunning, TaskFailed, true},
		{"running to cancelled", TaskRunning, TaskCancelled, true},
		{"running to pending", TaskRunning, TaskPending, false},
		{"completed is terminal", TaskCompleted, TaskFailed, false},
		{"failed is terminal", TaskFailed, TaskPending, false},
		{"cancelled is terminal", TaskCancelled, TaskRunning, false},
		{"claimed back to pending", TaskClaimed, TaskPending, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to))
		})
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskClaimed.Terminal())
	assert.False(t, TaskRunning.Terminal())
}

func TestValidTaskType(t *testing.T) {
	t.Parallel()
	assert.True(t, ValidTaskType(TaskAgentRun))
	assert.True(t, ValidTaskType(TaskJiraImport))
	assert.True(t, ValidTaskType(TaskCardGen))
	assert.False(t, ValidTaskType(TaskType("reindex")))
	assert.False(t, ValidTaskType(TaskType("")))
}

func TestCardLocked(t *testing.T) {
	t.Parallel()
	assert.True(t, Card{AgentStatus: AgentStatusPending}.Locked())
	assert.True(t, Card{AgentStatus: AgentStatusRunning}.Locked())
	assert.False(t, Card{AgentStatus: AgentStatusCompleted}.Locked())
	assert.False(t, Card{AgentStatus: AgentStatusFailed}.Locked())
	assert.False(t, Card{}.Locked())
}
