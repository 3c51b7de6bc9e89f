package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/agentboard/internal/domain"
	"github.com/fairyhunter13/agentboard/internal/usecase"
)

// WorkerSweeper drives the worker liveness state machine off heartbeat age.
// Workers past staleAfter go stale; past offlineAfter they go offline and
// every task they hold is failed and routed through the failure path.
type WorkerSweeper struct {
	workers domain.WorkerRepository
	tasks   domain.TaskRepository
	svc     *usecase.TaskService
	bus     domain.EventBus

	interval     time.Duration
	staleAfter   time.Duration
	offlineAfter time.Duration
}

// NewWorkerSweeper constructs a WorkerSweeper; zero durations fall back to
// the design defaults (30s tick, 90s stale, 300s offline).
func NewWorkerSweeper(w domain.WorkerRepository, t domain.TaskRepository, svc *usecase.TaskService, bus domain.EventBus, interval, staleAfter, offlineAfter time.Duration) *WorkerSweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if staleAfter <= 0 {
		staleAfter = 90 * time.Second
	}
	if offlineAfter <= 0 {
		offlineAfter = 300 * time.Second
	}
	return &WorkerSweeper{
		workers: w, tasks: t, svc: svc, bus: bus,
		interval: interval, staleAfter: staleAfter, offlineAfter: offlineAfter,
	}
}

// Run ticks until ctx is cancelled.
func (s *WorkerSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker sweeper stopping")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce applies both thresholds against the current clock.
func (s *WorkerSweeper) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("workers.sweeper")
	ctx, span := tracer.Start(ctx, "WorkerSweeper.SweepOnce")
	defer span.End()

	now := time.Now().UTC()

	// Offline first so a worker past both thresholds does not emit a stale
	// event on its way out.
	offline, err := s.workers.MarkOffline(ctx, now.Add(-s.offlineAfter))
	if err != nil {
		span.RecordError(err)
		slog.Error("offline sweep failed", slog.Any("error", err))
	}
	for _, w := range offline {
		s.publish(domain.EventWorkerOffline, w)
		s.failHeldTasks(ctx, w)
	}

	stale, err := s.workers.MarkStale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		span.RecordError(err)
		slog.Error("stale sweep failed", slog.Any("error", err))
	}
	for _, w := range stale {
		s.publish(domain.EventWorkerStale, w)
	}

	span.SetAttributes(
		attribute.Int("workers.marked_stale", len(stale)),
		attribute.Int("workers.marked_offline", len(offline)),
	)
	if len(stale) > 0 || len(offline) > 0 {
		slog.Info("worker sweep",
			slog.Int("stale", len(stale)),
			slog.Int("offline", len(offline)))
	}
}

// failHeldTasks fails every claimed/running task an offline worker holds and
// runs the failure routing for each.
func (s *WorkerSweeper) failHeldTasks(ctx context.Context, w domain.Worker) {
	held, err := s.tasks.ActiveByWorker(ctx, w.ID)
	if err != nil {
		slog.Error("offline sweep task listing failed",
			slog.String("worker_id", w.ID), slog.Any("error", err))
		return
	}
	for _, t := range held {
		slog.Warn("failing task held by offline worker",
			slog.String("task_id", t.ID), slog.String("worker_id", w.ID))
		s.svc.FailOrphaned(ctx, t, "worker offline")
	}
}

func (s *WorkerSweeper) publish(t domain.EventType, w domain.Worker) {
	ev := domain.Event{Type: t, Payload: domain.WorkerPayload{Worker: domain.NewWorkerView(w)}}
	s.bus.Publish(domain.TopicGlobal, ev)
	s.bus.Publish(domain.UserTopic(w.UserID), ev)
}
