package usecase

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agentboard/internal/adapter/observability"
	"github.com/fairyhunter13/agentboard/internal/domain"
)

// Directives are the operating parameters the server hands a worker at
// registration time. The worker holds them in memory only.
type Directives struct {
	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	MaxConcurrentTasks int
}

// HeartbeatResult carries the server's response to one heartbeat.
type HeartbeatResult struct {
	CancelTaskIDs      []string
	MaxConcurrentTasks int
}

// WorkerService owns registration, heartbeats and liveness bookkeeping.
type WorkerService struct {
	Workers domain.WorkerRepository
	Tasks   domain.TaskRepository
	Bus     domain.EventBus

	PollInterval       time.Duration
	HeartbeatInterval  time.Duration
	MaxConcurrentTasks int
}

// NewWorkerService constructs a WorkerService with its dependencies and
// default directives.
func NewWorkerService(w domain.WorkerRepository, t domain.TaskRepository, bus domain.EventBus, poll, heartbeat time.Duration, maxConcurrent int) *WorkerService {
	return &WorkerService{
		Workers: w, Tasks: t, Bus: bus,
		PollInterval: poll, HeartbeatInterval: heartbeat,
		MaxConcurrentTasks: maxConcurrent,
	}
}

// Register upserts the user's single worker row and returns it with the
// directives the runtime should adopt. A transition from any non-online
// state publishes worker_online.
func (s *WorkerService) Register(ctx context.Context, w domain.Worker) (domain.Worker, Directives, error) {
	tracer := otel.Tracer("usecase.workers")
	ctx, span := tracer.Start(ctx, "workers.Register")
	defer span.End()

	if w.UserID == "" {
		return domain.Worker{}, Directives{}, fmt.Errorf("op=worker.register: %w: user_id required", domain.ErrInvalidArgument)
	}
	if w.MaxConcurrentTasks < 1 {
		w.MaxConcurrentTasks = s.MaxConcurrentTasks
	}
	worker, prev, err := s.Workers.Upsert(ctx, w)
	if err != nil {
		return domain.Worker{}, Directives{}, err
	}
	if prev != domain.WorkerOnline {
		s.publishStatus(domain.EventWorkerOnline, worker)
	}
	return worker, Directives{
		PollInterval:       s.PollInterval,
		HeartbeatInterval:  s.HeartbeatInterval,
		MaxConcurrentTasks: worker.MaxConcurrentTasks,
	}, nil
}

// Heartbeat bumps liveness and returns the ids among runningTaskIDs that the
// server has cancelled, so the worker can kill the local executions.
func (s *WorkerService) Heartbeat(ctx context.Context, userID, workerID string, runningTaskIDs []string) (HeartbeatResult, error) {
	tracer := otel.Tracer("usecase.workers")
	ctx, span := tracer.Start(ctx, "workers.Heartbeat")
	defer span.End()

	worker, err := s.requireOwner(ctx, userID, workerID, "worker.heartbeat")
	if err != nil {
		return HeartbeatResult{}, err
	}
	if err := s.Workers.Heartbeat(ctx, workerID); err != nil {
		return HeartbeatResult{}, err
	}
	if worker.Status != domain.WorkerOnline {
		// The heartbeat revived a stale or offline worker.
		worker.Status = domain.WorkerOnline
		s.publishStatus(domain.EventWorkerOnline, worker)
	}
	cancelled, err := s.Tasks.CancelledOf(ctx, runningTaskIDs)
	if err != nil {
		return HeartbeatResult{}, err
	}
	return HeartbeatResult{
		CancelTaskIDs:      cancelled,
		MaxConcurrentTasks: worker.MaxConcurrentTasks,
	}, nil
}

// Deregister marks the worker offline on clean shutdown.
func (s *WorkerService) Deregister(ctx context.Context, userID, workerID string) error {
	worker, err := s.requireOwner(ctx, userID, workerID, "worker.deregister")
	if err != nil {
		return err
	}
	if err := s.Workers.SetStatus(ctx, workerID, domain.WorkerOffline); err != nil {
		return err
	}
	worker.Status = domain.WorkerOffline
	s.publishStatus(domain.EventWorkerOffline, worker)
	return nil
}

// List returns every registered worker.
func (s *WorkerService) List(ctx context.Context) ([]domain.Worker, error) {
	workers, err := s.Workers.List(ctx)
	if err != nil {
		return nil, err
	}
	counts := map[domain.WorkerStatus]int{}
	for _, w := range workers {
		counts[w.Status]++
	}
	for _, st := range []domain.WorkerStatus{domain.WorkerOnline, domain.WorkerStale, domain.WorkerOffline} {
		observability.WorkersByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	return workers, nil
}

// GetOwned loads a worker and verifies ownership.
func (s *WorkerService) GetOwned(ctx context.Context, userID, workerID string) (domain.Worker, error) {
	return s.requireOwner(ctx, userID, workerID, "worker.get")
}

func (s *WorkerService) requireOwner(ctx context.Context, userID, workerID, op string) (domain.Worker, error) {
	worker, err := s.Workers.Get(ctx, workerID)
	if err != nil {
		return domain.Worker{}, err
	}
	if worker.UserID != userID {
		return domain.Worker{}, fmt.Errorf("op=%s: %w: worker not owned by user", op, domain.ErrForbidden)
	}
	return worker, nil
}

func (s *WorkerService) publishStatus(t domain.EventType, w domain.Worker) {
	ev := domain.Event{Type: t, Payload: domain.WorkerPayload{Worker: domain.NewWorkerView(w)}}
	s.Bus.Publish(domain.TopicGlobal, ev)
	s.Bus.Publish(domain.UserTopic(w.UserID), ev)
}
