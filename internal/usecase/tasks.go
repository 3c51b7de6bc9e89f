// Package usecase contains the application services behind the HTTP edge:
// the task queue, the column automation engine and the worker registry.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agentboard/internal/adapter/observability"
	"github.com/fairyhunter13/agentboard/internal/domain"
)

// rejectionRe reinterprets a completion as a rejection when its first output
// line carries a REJECTED or FAILED verdict. This lets a reviewer column
// loop work back without a structured return channel.
var rejectionRe = regexp.MustCompile(`(?i)\b(REJECTED|FAILED)\b`)

// TaskService owns the task lifecycle: creation, listing, cancellation, the
// claim protocol and worker progress reports. Terminal transitions hand off
// to the automation engine for card routing.
type TaskService struct {
	Tasks      domain.TaskRepository
	Workers    domain.WorkerRepository
	Boards     domain.BoardRepository
	Bus        domain.EventBus
	Automation *AutomationEngine
}

// NewTaskService constructs a TaskService with its dependencies.
func NewTaskService(t domain.TaskRepository, w domain.WorkerRepository, b domain.BoardRepository, bus domain.EventBus, a *AutomationEngine) *TaskService {
	return &TaskService{Tasks: t, Workers: w, Boards: b, Bus: bus, Automation: a}
}

// Create validates the spec, requires board membership of the creator and
// inserts a pending task.
func (s *TaskService) Create(ctx context.Context, spec domain.TaskSpec) (domain.Task, error) {
	tracer := otel.Tracer("usecase.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()

	if spec.BoardID == "" || spec.CreatedBy == "" {
		return domain.Task{}, fmt.Errorf("op=task.create: %w: board_id and created_by required", domain.ErrInvalidArgument)
	}
	ok, err := s.Boards.IsMember(ctx, spec.BoardID, spec.CreatedBy)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, fmt.Errorf("op=task.create: %w: not a board member", domain.ErrForbidden)
	}
	task, err := s.Tasks.Create(ctx, spec)
	if err != nil {
		return domain.Task{}, err
	}
	observability.TasksCreatedTotal.WithLabelValues(string(task.TaskType)).Inc()

	ev := domain.Event{Type: domain.EventTaskCreated, Payload: domain.TaskPayload{Task: domain.NewTaskView(task)}}
	s.Bus.Publish(domain.BoardTopic(task.BoardID), ev)
	if task.AssignedTo != "" {
		s.Bus.Publish(domain.UserTopic(task.AssignedTo), ev)
	}
	return task, nil
}

// List returns tasks visible to userID under the filter. A board filter
// requires membership; without one the result is limited to the user's
// boards.
func (s *TaskService) List(ctx context.Context, userID string, f domain.TaskFilter) ([]domain.Task, error) {
	if f.BoardID != "" {
		ok, err := s.Boards.IsMember(ctx, f.BoardID, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("op=task.list: %w: not a board member", domain.ErrForbidden)
		}
		return s.Tasks.List(ctx, f)
	}
	boards, err := s.Boards.MemberBoards(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, id := range boards {
		bf := f
		bf.BoardID = id
		tasks, err := s.Tasks.List(ctx, bf)
		if err != nil {
			return nil, err
		}
		out = append(out, tasks...)
	}
	return out, nil
}

// Get loads a task, requiring board membership.
func (s *TaskService) Get(ctx context.Context, userID, taskID string) (domain.Task, error) {
	task, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	ok, err := s.Boards.IsMember(ctx, task.BoardID, userID)
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		return domain.Task{}, fmt.Errorf("op=task.get: %w: not a board member", domain.ErrForbidden)
	}
	return task, nil
}

// Cancel marks a task cancelled from pending, claimed or running. The owning
// worker learns through its next heartbeat.
func (s *TaskService) Cancel(ctx context.Context, userID, taskID string) error {
	tracer := otel.Tracer("usecase.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Cancel")
	defer span.End()

	task, err := s.Get(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return fmt.Errorf("op=task.cancel: %w: task is %s", domain.ErrConflict, task.Status)
	}
	now := time.Now().UTC()
	cancelled, err := s.Tasks.Transition(ctx, taskID, task.Status, domain.TaskCancelled,
		domain.TaskUpdate{CompletedAt: &now})
	if err != nil {
		return err
	}
	observability.TasksTerminalTotal.WithLabelValues(string(domain.TaskCancelled)).Inc()
	if cancelled.CardID != "" {
		// Cancelling releases the agent lock on the card.
		if err := s.Boards.SetAgentStatus(ctx, cancelled.CardID, domain.AgentStatusNone); err != nil {
			slog.Warn("cancel unlock failed", slog.String("card_id", cancelled.CardID), slog.Any("error", err))
		}
	}
	s.Bus.Publish(domain.BoardTopic(cancelled.BoardID), domain.Event{
		Type: domain.EventTaskCancelled, Payload: domain.TaskPayload{Task: domain.NewTaskView(cancelled)},
	})
	return nil
}

// Poll returns pending tasks claimable by the user, highest priority first.
func (s *TaskService) Poll(ctx context.Context, userID string, limit int) ([]domain.Task, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	return s.Tasks.PollPending(ctx, userID, limit)
}

// Claim atomically assigns a pending task to the user's worker. A lost race
// surfaces as ErrConflict; the worker skips and moves on.
func (s *TaskService) Claim(ctx context.Context, userID, workerID, taskID string) (domain.Task, error) {
	tracer := otel.Tracer("usecase.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Claim")
	defer span.End()

	if err := s.requireWorkerOwner(ctx, userID, workerID); err != nil {
		return domain.Task{}, err
	}
	task, err := s.Tasks.Claim(ctx, taskID, workerID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			observability.TaskClaimConflictsTotal.Inc()
		}
		return domain.Task{}, err
	}
	observability.TasksClaimedTotal.Inc()
	s.Bus.Publish(domain.BoardTopic(task.BoardID), domain.Event{
		Type: domain.EventTaskClaimed, Payload: domain.TaskPayload{Task: domain.NewTaskView(task)},
	})
	return task, nil
}

// Progress reports executor output. Idempotent: the first report moves the
// task claimed -> running and stamps started_at; later reports only publish.
func (s *TaskService) Progress(ctx context.Context, workerID, taskID, text string) error {
	task, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.requireClaimOwner(task, workerID, "task.progress"); err != nil {
		return err
	}
	switch task.Status {
	case domain.TaskClaimed:
		now := time.Now().UTC()
		// A concurrent report may win the claimed -> running race; that is
		// fine, started_at is set exactly once either way.
		started, err := s.Tasks.Transition(ctx, taskID, domain.TaskClaimed, domain.TaskRunning,
			domain.TaskUpdate{StartedAt: &now})
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
		if err == nil {
			task = started
		}
		if task.CardID != "" {
			if err := s.Boards.SetAgentStatus(ctx, task.CardID, domain.AgentStatusRunning); err != nil {
				slog.Warn("progress lock update failed", slog.String("card_id", task.CardID), slog.Any("error", err))
			}
		}
	case domain.TaskRunning:
		// Already running; nothing to transition.
	case domain.TaskCancelled:
		// Accepted so a worker that has not yet seen the cancel directive
		// does not error out.
		return nil
	default:
		return fmt.Errorf("op=task.progress: %w: task is %s", domain.ErrConflict, task.Status)
	}
	s.Bus.Publish(domain.BoardTopic(task.BoardID), domain.Event{
		Type:    domain.EventTaskProgress,
		Payload: domain.TaskProgressPayload{TaskID: taskID, ProgressText: text},
	})
	return nil
}

// Complete records a successful execution. A first output line matching the
// rejection verdict is routed through the failure path instead. Completing a
// cancelled task is a no-op that still attaches the output comment.
func (s *TaskService) Complete(ctx context.Context, workerID, taskID, outputText string) (domain.Task, error) {
	tracer := otel.Tracer("usecase.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Complete")
	defer span.End()

	task, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := s.requireClaimOwner(task, workerID, "task.complete"); err != nil {
		return domain.Task{}, err
	}
	if task.Status == domain.TaskCancelled {
		s.attachOutput(ctx, task, outputText)
		return task, nil
	}
	if task.Status != domain.TaskClaimed && task.Status != domain.TaskRunning {
		return domain.Task{}, fmt.Errorf("op=task.complete: %w: task is %s", domain.ErrConflict, task.Status)
	}

	now := time.Now().UTC()
	done, err := s.Tasks.Transition(ctx, taskID, task.Status, domain.TaskCompleted,
		domain.TaskUpdate{CompletedAt: &now})
	if err != nil {
		return domain.Task{}, err
	}
	observability.TasksTerminalTotal.WithLabelValues(string(domain.TaskCompleted)).Inc()
	s.attachOutput(ctx, done, outputText)

	rejected := isRejection(outputText)
	if done.CardID != "" {
		status := domain.AgentStatusCompleted
		if rejected {
			status = domain.AgentStatusFailed
		}
		if err := s.Boards.SetAgentStatus(ctx, done.CardID, status); err != nil {
			slog.Warn("complete lock update failed", slog.String("card_id", done.CardID), slog.Any("error", err))
		}
	}
	s.Bus.Publish(domain.BoardTopic(done.BoardID), domain.Event{
		Type: domain.EventTaskCompleted, Payload: domain.TaskPayload{Task: domain.NewTaskView(done)},
	})
	if rejected {
		slog.Info("completion reinterpreted as rejection", slog.String("task_id", done.ID))
	}
	s.Automation.OnTerminal(ctx, done, !rejected)
	return done, nil
}

// Fail records a failed execution and runs failure routing. Failing a
// cancelled task is a no-op that still attaches any captured output.
func (s *TaskService) Fail(ctx context.Context, workerID, taskID, errorSummary, outputText string) (domain.Task, error) {
	tracer := otel.Tracer("usecase.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Fail")
	defer span.End()

	task, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if err := s.requireClaimOwner(task, workerID, "task.fail"); err != nil {
		return domain.Task{}, err
	}
	if task.Status == domain.TaskCancelled {
		s.attachOutput(ctx, task, outputText)
		return task, nil
	}
	if task.Status != domain.TaskClaimed && task.Status != domain.TaskRunning {
		return domain.Task{}, fmt.Errorf("op=task.fail: %w: task is %s", domain.ErrConflict, task.Status)
	}
	return s.failNow(ctx, task, errorSummary, outputText)
}

// FailOrphaned force-fails a task whose worker went offline. Used by the
// sweeper; no ownership check.
func (s *TaskService) FailOrphaned(ctx context.Context, task domain.Task, errorSummary string) {
	if _, err := s.failNow(ctx, task, errorSummary, ""); err != nil {
		slog.Error("orphaned task fail failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}
}

func (s *TaskService) failNow(ctx context.Context, task domain.Task, errorSummary, outputText string) (domain.Task, error) {
	now := time.Now().UTC()
	failed, err := s.Tasks.Transition(ctx, task.ID, task.Status, domain.TaskFailed,
		domain.TaskUpdate{ErrorSummary: &errorSummary, CompletedAt: &now})
	if err != nil {
		return domain.Task{}, err
	}
	observability.TasksTerminalTotal.WithLabelValues(string(domain.TaskFailed)).Inc()
	s.attachOutput(ctx, failed, outputText)
	if failed.CardID != "" {
		if err := s.Boards.SetAgentStatus(ctx, failed.CardID, domain.AgentStatusFailed); err != nil {
			slog.Warn("fail lock update failed", slog.String("card_id", failed.CardID), slog.Any("error", err))
		}
	}
	s.Bus.Publish(domain.BoardTopic(failed.BoardID), domain.Event{
		Type: domain.EventTaskFailed, Payload: domain.TaskPayload{Task: domain.NewTaskView(failed)},
	})
	s.Automation.OnTerminal(ctx, failed, false)
	return failed, nil
}

// attachOutput stores the executor output as an agent comment and records
// the reference on the task. Best-effort: a completed task is not undone by
// a comment failure.
func (s *TaskService) attachOutput(ctx context.Context, task domain.Task, outputText string) {
	if outputText == "" || task.CardID == "" {
		return
	}
	comment, err := s.Boards.CreateComment(ctx, domain.Comment{
		CardID:        task.CardID,
		UserID:        task.AssignedTo,
		Content:       outputText,
		IsAgentOutput: true,
	})
	if err != nil {
		slog.Error("output comment failed", slog.String("task_id", task.ID), slog.Any("error", err))
		return
	}
	if err := s.Tasks.SetOutputComment(ctx, task.ID, comment.ID); err != nil {
		slog.Warn("output comment link failed", slog.String("task_id", task.ID), slog.Any("error", err))
	}
	s.Bus.Publish(domain.BoardTopic(task.BoardID), domain.Event{
		Type:    domain.EventCommentAdded,
		Payload: domain.CommentAddedPayload{Comment: domain.NewCommentView(comment)},
	})
}

func (s *TaskService) requireWorkerOwner(ctx context.Context, userID, workerID string) error {
	w, err := s.Workers.Get(ctx, workerID)
	if err != nil {
		return err
	}
	if w.UserID != userID {
		return fmt.Errorf("op=task.claim: %w: worker not owned by user", domain.ErrForbidden)
	}
	return nil
}

func (s *TaskService) requireClaimOwner(task domain.Task, workerID, op string) error {
	if task.ClaimedByWorker == "" || task.ClaimedByWorker != workerID {
		return fmt.Errorf("op=%s: %w: task not claimed by worker", op, domain.ErrForbidden)
	}
	return nil
}

func isRejection(outputText string) bool {
	firstLine, _, _ := strings.Cut(strings.TrimSpace(outputText), "\n")
	return rejectionRe.MatchString(firstLine)
}
