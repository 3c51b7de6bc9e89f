package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

func newWorkerFixture(t *testing.T) (*WorkerService, *memWorkers, *memTasks, *memBus) {
	t.Helper()
	workers := newMemWorkers()
	tasks := newMemTasks()
	bus := &memBus{}
	svc := NewWorkerService(workers, tasks, bus, 5*time.Second, 30*time.Second, 1)
	return svc, workers, tasks, bus
}

func TestRegisterPublishesOnlineOnce(t *testing.T) {
	t.Parallel()
	svc, _, _, bus := newWorkerFixture(t)
	ctx := context.Background()

	w, dir, err := svc.Register(ctx, domain.Worker{UserID: "u1", Hostname: "dev1", MaxConcurrentTasks: 3})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerOnline, w.Status)
	assert.Equal(t, 5*time.Second, dir.PollInterval)
	assert.Equal(t, 30*time.Second, dir.HeartbeatInterval)
	assert.Equal(t, 3, dir.MaxConcurrentTasks)

	online := bus.ofType(domain.EventWorkerOnline)
	require.Len(t, online, 2)
	assert.Equal(t, domain.TopicGlobal, online[0].Topic)
	assert.Equal(t, "user:u1", online[1].Topic)

	// Re-registering while online is quiet.
	again, _, err := svc.Register(ctx, domain.Worker{UserID: "u1", Hostname: "dev1"})
	require.NoError(t, err)
	assert.Equal(t, w.ID, again.ID, "one worker row per user")
	assert.Len(t, bus.ofType(domain.EventWorkerOnline), 2)
}

func TestRegisterDefaultsConcurrency(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newWorkerFixture(t)

	_, dir, err := svc.Register(context.Background(), domain.Worker{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, dir.MaxConcurrentTasks)
}

func TestRegisterRequiresUser(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newWorkerFixture(t)

	_, _, err := svc.Register(context.Background(), domain.Worker{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestHeartbeatRevivesStaleWorker(t *testing.T) {
	t.Parallel()
	svc, workers, _, bus := newWorkerFixture(t)
	ctx := context.Background()

	w, _, err := svc.Register(ctx, domain.Worker{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, workers.SetStatus(ctx, w.ID, domain.WorkerStale))

	_, err = svc.Heartbeat(ctx, "u1", w.ID, nil)
	require.NoError(t, err)

	revived, err := workers.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerOnline, revived.Status)
	assert.Len(t, bus.ofType(domain.EventWorkerOnline), 4, "registration plus revival")
}

func TestHeartbeatReturnsCancelDirectives(t *testing.T) {
	t.Parallel()
	svc, _, tasks, _ := newWorkerFixture(t)
	ctx := context.Background()

	w, _, err := svc.Register(ctx, domain.Worker{UserID: "u1", MaxConcurrentTasks: 2})
	require.NoError(t, err)

	keep, err := tasks.Create(ctx, domain.TaskSpec{TaskType: domain.TaskAgentRun, BoardID: "b1", CreatedBy: "u1"})
	require.NoError(t, err)
	kill, err := tasks.Create(ctx, domain.TaskSpec{TaskType: domain.TaskAgentRun, BoardID: "b1", CreatedBy: "u1"})
	require.NoError(t, err)
	_, err = tasks.Claim(ctx, kill.ID, w.ID)
	require.NoError(t, err)
	now := time.Now().UTC()
	_, err = tasks.Transition(ctx, kill.ID, domain.TaskClaimed, domain.TaskCancelled, domain.TaskUpdate{CompletedAt: &now})
	require.NoError(t, err)

	res, err := svc.Heartbeat(ctx, "u1", w.ID, []string{keep.ID, kill.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{kill.ID}, res.CancelTaskIDs)
	assert.Equal(t, 2, res.MaxConcurrentTasks)
}

func TestHeartbeatForeignWorkerForbidden(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newWorkerFixture(t)
	ctx := context.Background()

	w, _, err := svc.Register(ctx, domain.Worker{UserID: "u1"})
	require.NoError(t, err)

	_, err = svc.Heartbeat(ctx, "u2", w.ID, nil)
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestDeregisterPublishesOffline(t *testing.T) {
	t.Parallel()
	svc, workers, _, bus := newWorkerFixture(t)
	ctx := context.Background()

	w, _, err := svc.Register(ctx, domain.Worker{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, svc.Deregister(ctx, "u1", w.ID))

	gone, err := workers.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerOffline, gone.Status)
	require.Len(t, bus.ofType(domain.EventWorkerOffline), 2)
}
