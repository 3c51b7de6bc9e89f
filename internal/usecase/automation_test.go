package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

type automationFixture struct {
	engine *AutomationEngine
	tasks  *memTasks
	boards *memBoards
	bus    *memBus

	work    domain.Column
	review  domain.Column
	done    domain.Column
	failed  domain.Column
	backlog domain.Column
	card    *domain.Card
}

// newAutomationFixture builds a board with a backlog -> work -> review -> done
// pipeline. Work and review are automation columns; review loops rejected
// cards back to work. The failed column is itself auto_run so tests can prove
// the failure path never chains.
func newAutomationFixture(t *testing.T) *automationFixture {
	t.Helper()
	f := &automationFixture{
		tasks:  newMemTasks(),
		boards: newMemBoards(),
		bus:    &memBus{},
	}
	f.engine = NewAutomationEngine(f.tasks, f.boards, f.bus)

	f.boards.boards["b1"] = domain.Board{ID: "b1", Name: "Platform"}
	f.boards.members["b1"] = []string{"u1", "u2"}

	f.backlog = domain.Column{ID: "col-backlog", BoardID: "b1", Name: "Backlog"}
	f.work = domain.Column{
		ID: "col-work", BoardID: "b1", Name: "In Progress",
		AutoRun: true, AgentType: "coder",
		PromptTemplate:    "implement {card_title} on {board_name}",
		OnSuccessColumnID: "col-review", OnFailureColumnID: "col-failed",
		MaxLoopCount: 3,
	}
	f.review = domain.Column{
		ID: "col-review", BoardID: "b1", Name: "In Review",
		AutoRun: true, AgentType: "reviewer",
		OnSuccessColumnID: "col-done", OnFailureColumnID: "col-work",
		MaxLoopCount: 3,
	}
	f.done = domain.Column{ID: "col-done", BoardID: "b1", Name: "Done"}
	f.failed = domain.Column{
		ID: "col-failed", BoardID: "b1", Name: "Failed",
		AutoRun: true, AgentType: "coder", MaxLoopCount: 3,
	}
	for _, c := range []domain.Column{f.backlog, f.work, f.review, f.done, f.failed} {
		f.boards.columns[c.ID] = c
	}

	f.card = f.boards.addCard(domain.Card{
		ID: "c1", BoardID: "b1", ColumnID: "col-work",
		Title: "Ship login", Description: "OAuth flow",
		AssigneeID: "u1", Version: 1,
	})
	return f
}

func TestTriggerSkipsPlainColumn(t *testing.T) {
	t.Parallel()
	f := newAutomationFixture(t)

	task, err := f.engine.MaybeTriggerOnMove(context.Background(), *f.card, f.backlog, "u1")
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.Empty(t, f.bus.types())
}

func TestTriggerCreatesTask(t *testing.T) {
	t.Parallel()
	f := newAutomationFixture(t)

	task, err := f.engine.MaybeTriggerOnMove(context.Background(), *f.card, f.work, "u2")
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.Equal(t, domain.TaskAgentRun, task.TaskType)
	assert.Equal(t, domain.TaskPending, task.Status)
	assert.Equal(t, "coder", task.AgentType)
	assert.Equal(t, "u1", task.AssignedTo, "card assignee wins over the actor")
	assert.Equal(t, "col-work", task.SourceColumnID)
	assert.Equal(t, "col-review", task.TargetColumnID)
	assert.Equal(t, "col-failed", task.FailureColumnID)
	assert.Equal(t, 0, task.LoopCount)
	assert.Equal(t, 3, task.MaxLoopCount)
	assert.Equal(t, "implement Ship login on Platform", task.PromptText)

	card, err := f.boards.GetCard(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusPending, card.AgentStatus)

	created := f.bus.ofType(domain.EventTaskCreated)
	require.Len(t, created, 2)
	assert.Equal(t, "board:b1", created[0].Topic)
	assert.Equal(t, "user:u1", created[1].Topic)
}

func TestTriggerActorUsedWhenUnassigned(t *testing.T) {
	t.Parallel()
	f := newAutomationFixture(t)
	f.card.AssigneeID = ""

	task, err := f.engine.MaybeTriggerOnMove(context.Background(), *f.card, f.work, "u2")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "u2", task.AssignedTo)
}

func TestTriggerLoopExhausted(t *testing.T) {
	t.Parallel()
	f := newAutomationFixture(t)
	ctx := context.Background()

	// Burn the loop budget for (card, column).
	for i := 0; i < f.work.MaxLoopCount; i++ {
		_, err := f.tasks.Create(ctx, domain.TaskSpec{
			TaskType: domain.TaskAgentRun, BoardID: "b1", CardID: "c1",
			CreatedBy: "u1", SourceColumnID: "col-work",
		})
		require.NoError(t, err)
	}
	f.card.AgentStatus = domain.AgentStatusPending

	task, err := f.engine.MaybeTriggerOnMove(ctx, *f.card, f.work, "u1")
	require.NoError(t, err)
	assert.Nil(t, task)

	card, err := f.boards.GetCard(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusNone, card.AgentStatus, "exhaustion unlocks the card")
	assert.Len(t, f.bus.ofType(domain.EventCardUpdated), 1)
	assert.Empty(t, f.bus.ofType(domain.EventTaskCreated))
}

func terminalTask(f *automationFixture, t *testing.T) domain.Task {
	t.Helper()
	task, err := f.tasks.Create(context.Background(), domain.TaskSpec{
		TaskType: domain.TaskAgentRun, BoardID: "b1", CardID: "c1",
		CreatedBy: "u1", AssignedTo: "u1",
		SourceColumnID: "col-work", TargetColumnID: "col-review", FailureColumnID: "col-failed",
		MaxLoopCount: 3,
	})
	require.NoError(t, err)
	return task
}

func TestOnTerminalSuccessRoutesAndChains(t *testing.T) {
	t.Parallel()
	f := newAutomationFixture(t)
	task := terminalTask(f, t)

	f.engine.OnTerminal(context.Background(), task, true)

	card, err := f.boards.GetCard(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "col-review", card.ColumnID)

	moved := f.bus.ofType(domain.EventCardMoved)
	require.Len(t, moved, 1)
	p := moved[0].Event.Payload.(domain.CardMovedPayload)
	assert.Equal(t, "col-work", p.FromColumn)
	assert.Equal(t, "col-review", p.ToColumn)

	// The review column is auto_run, so the chain creates the next task.
	created := f.bus.ofType(domain.EventTaskCreated)
	require.Len(t, created, 2)
	next := created[0].Event.Payload.(domain.TaskPayload).Task
	assert.Equal(t, "col-review", next.SourceColumnID)
	assert.Equal(t, "reviewer", next.AgentType)
	assert.Equal(t, domain.AgentStatusPending, card.AgentStatus)
}

func TestOnTerminalFailureNeverChains(t *testing.T) {
	t.Parallel()
	f := newAutomationFixture(t)
	task := terminalTask(f, t)

	f.engine.OnTerminal(context.Background(), task, false)

	card, err := f.boards.GetCard(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "col-failed", card.ColumnID)
	// col-failed is auto_run, yet the failure path must not trigger it.
	assert.Empty(t, f.bus.ofType(domain.EventTaskCreated))
}

func TestOnTerminalOutOfBandMove(t *testing.T) {
	t.Parallel()
	f := newAutomationFixture(t)
	task := terminalTask(f, t)

	// A human dragged the card elsewhere while the task ran.
	f.card.ColumnID = "col-backlog"

	f.engine.OnTerminal(context.Background(), task, true)

	card, err := f.boards.GetCard(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "col-backlog", card.ColumnID, "stale task must not hijack the move")
	assert.Empty(t, f.bus.ofType(domain.EventCardMoved))

	skipped := f.bus.ofType(domain.EventTaskRoutingSkipped)
	require.Len(t, skipped, 1)
	p := skipped[0].Event.Payload.(domain.RoutingSkippedPayload)
	assert.Equal(t, task.ID, p.TaskID)
	assert.Equal(t, "card moved out of band", p.Reason)
}

func TestOnTerminalConcurrentMoveConflict(t *testing.T) {
	t.Parallel()
	f := newAutomationFixture(t)
	task := terminalTask(f, t)
	f.boards.moveErr = fmt.Errorf("op=card.move: %w", domain.ErrConflict)

	f.engine.OnTerminal(context.Background(), task, true)

	skipped := f.bus.ofType(domain.EventTaskRoutingSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, "concurrent card move",
		skipped[0].Event.Payload.(domain.RoutingSkippedPayload).Reason)
	assert.Empty(t, f.bus.ofType(domain.EventCardMoved))
}

func TestOnTerminalNoDestination(t *testing.T) {
	t.Parallel()
	f := newAutomationFixture(t)
	task := terminalTask(f, t)
	task.TargetColumnID = ""
	f.tasks.tasks[task.ID].TargetColumnID = ""

	f.engine.OnTerminal(context.Background(), task, true)

	card, err := f.boards.GetCard(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "col-work", card.ColumnID)
	assert.Empty(t, f.bus.types())
}

func TestOnTerminalDestinationDeleted(t *testing.T) {
	t.Parallel()
	f := newAutomationFixture(t)
	task := terminalTask(f, t)
	delete(f.boards.columns, "col-review")

	f.engine.OnTerminal(context.Background(), task, true)

	card, err := f.boards.GetCard(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "col-work", card.ColumnID, "card stays when the destination is gone")
	assert.Empty(t, f.bus.ofType(domain.EventCardMoved))
	assert.Empty(t, f.bus.ofType(domain.EventTaskRoutingSkipped))
}
