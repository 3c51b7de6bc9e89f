package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

func newCardFixture(t *testing.T) (*CardService, *automationFixture) {
	t.Helper()
	f := newAutomationFixture(t)
	return NewCardService(f.boards, f.bus, f.engine), f
}

func TestCardMoveTriggersAutomation(t *testing.T) {
	t.Parallel()
	svc, f := newCardFixture(t)
	ctx := context.Background()
	f.card.ColumnID = "col-backlog"

	moved, err := svc.Move(ctx, "u1", "c1", "col-work", -1, f.card.Version)
	require.NoError(t, err)
	assert.Equal(t, "col-work", moved.ColumnID)
	assert.Equal(t, f.card.Version, moved.Version, "version bumps on move")

	require.Len(t, f.bus.ofType(domain.EventCardMoved), 1)
	created := f.bus.ofType(domain.EventTaskCreated)
	require.NotEmpty(t, created)
	task := created[0].Event.Payload.(domain.TaskPayload).Task
	assert.Equal(t, "col-work", task.SourceColumnID)
}

func TestCardMoveVersionConflict(t *testing.T) {
	t.Parallel()
	svc, f := newCardFixture(t)

	_, err := svc.Move(context.Background(), "u1", "c1", "col-backlog", -1, f.card.Version+1)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Empty(t, f.bus.ofType(domain.EventCardMoved))
}

func TestCardMoveDefaultsToObservedVersion(t *testing.T) {
	t.Parallel()
	svc, _ := newCardFixture(t)

	moved, err := svc.Move(context.Background(), "u1", "c1", "col-backlog", -1, -1)
	require.NoError(t, err)
	assert.Equal(t, "col-backlog", moved.ColumnID)
}

func TestCardMoveLockedCardConflict(t *testing.T) {
	t.Parallel()
	svc, f := newCardFixture(t)
	f.card.AgentStatus = domain.AgentStatusRunning

	_, err := svc.Move(context.Background(), "u1", "c1", "col-done", -1, -1)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCardMoveRequiresMembership(t *testing.T) {
	t.Parallel()
	svc, _ := newCardFixture(t)

	_, err := svc.Move(context.Background(), "stranger", "c1", "col-done", -1, -1)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestCardMoveRejectsForeignColumn(t *testing.T) {
	t.Parallel()
	svc, f := newCardFixture(t)
	f.boards.columns["col-other"] = domain.Column{ID: "col-other", BoardID: "b2"}

	_, err := svc.Move(context.Background(), "u1", "c1", "col-other", -1, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCardCreate(t *testing.T) {
	t.Parallel()
	svc, f := newCardFixture(t)

	created, err := svc.Create(context.Background(), "u1", domain.Card{
		BoardID: "b1", ColumnID: "col-backlog", Title: "[PROJ-7] Import",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "u1", created.CreatedBy)
	require.Len(t, f.bus.ofType(domain.EventCardUpdated), 1)

	_, err = svc.Create(context.Background(), "u1", domain.Card{BoardID: "b1"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
