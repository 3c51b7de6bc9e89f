package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agentboard/internal/adapter/observability"
	"github.com/fairyhunter13/agentboard/internal/domain"
)

// AutomationEngine turns card movement into agent tasks and terminal tasks
// back into card movement. Columns with auto_run set are the automation
// rules; the loop bound on (card, column) is the only cycle protection the
// column graph gets.
type AutomationEngine struct {
	Tasks  domain.TaskRepository
	Boards domain.BoardRepository
	Bus    domain.EventBus
}

// NewAutomationEngine constructs an AutomationEngine with its dependencies.
func NewAutomationEngine(t domain.TaskRepository, b domain.BoardRepository, bus domain.EventBus) *AutomationEngine {
	return &AutomationEngine{Tasks: t, Boards: b, Bus: bus}
}

// MaybeTriggerOnMove creates an agent task if the destination column is an
// automation column and the loop bound permits. Returns nil, nil when the
// column does not trigger.
func (e *AutomationEngine) MaybeTriggerOnMove(ctx context.Context, card domain.Card, column domain.Column, actorID string) (*domain.Task, error) {
	tracer := otel.Tracer("usecase.automation")
	ctx, span := tracer.Start(ctx, "automation.MaybeTriggerOnMove")
	defer span.End()

	if !column.AutoRun || column.AgentType == "" {
		return nil, nil
	}

	loop, err := e.Tasks.CountBySource(ctx, card.ID, column.ID)
	if err != nil {
		return nil, err
	}
	if loop >= column.MaxLoopCount {
		// Exhausted: unlock the card and stop. A human has to move it.
		if err := e.Boards.SetAgentStatus(ctx, card.ID, domain.AgentStatusNone); err != nil {
			slog.Warn("loop exhaustion unlock failed", slog.String("card_id", card.ID), slog.Any("error", err))
		}
		slog.Info("automation loop exhausted",
			slog.String("card_id", card.ID),
			slog.String("column_id", column.ID),
			slog.Int("loop_count", loop),
			slog.Int("max_loop_count", column.MaxLoopCount))
		e.publishCardUpdated(ctx, card.ID, card.BoardID)
		return nil, nil
	}

	prompt, err := e.renderFor(ctx, card, column)
	if err != nil {
		return nil, err
	}

	assigned := card.AssigneeID
	if assigned == "" {
		assigned = actorID
	}
	spec := domain.TaskSpec{
		TaskType:        domain.TaskAgentRun,
		BoardID:         card.BoardID,
		CardID:          card.ID,
		CreatedBy:       actorID,
		AssignedTo:      assigned,
		AgentType:       column.AgentType,
		AgentModel:      column.AgentModel,
		PromptText:      prompt,
		SourceColumnID:  column.ID,
		TargetColumnID:  column.OnSuccessColumnID,
		FailureColumnID: column.OnFailureColumnID,
		LoopCount:       loop,
		MaxLoopCount:    column.MaxLoopCount,
	}
	task, err := e.Tasks.Create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("op=automation.trigger: %w", err)
	}
	if err := e.Boards.SetAgentStatus(ctx, card.ID, domain.AgentStatusPending); err != nil {
		slog.Warn("agent status set failed", slog.String("card_id", card.ID), slog.Any("error", err))
	}
	observability.AutomationTriggeredTotal.Inc()
	observability.TasksCreatedTotal.WithLabelValues(string(task.TaskType)).Inc()

	ev := domain.Event{Type: domain.EventTaskCreated, Payload: domain.TaskPayload{Task: domain.NewTaskView(task)}}
	e.Bus.Publish(domain.BoardTopic(task.BoardID), ev)
	if task.AssignedTo != "" {
		e.Bus.Publish(domain.UserTopic(task.AssignedTo), ev)
	}
	slog.Info("automation triggered",
		slog.String("task_id", task.ID),
		slog.String("card_id", card.ID),
		slog.String("column_id", column.ID),
		slog.Int("loop_count", loop))
	return &task, nil
}

// OnTerminal routes the card after a task reaches completed or failed.
// Routing failures never propagate: a finished task stays finished, the skip
// is published as a diagnostic instead.
func (e *AutomationEngine) OnTerminal(ctx context.Context, task domain.Task, success bool) {
	tracer := otel.Tracer("usecase.automation")
	ctx, span := tracer.Start(ctx, "automation.OnTerminal")
	defer span.End()

	if task.CardID == "" {
		return
	}
	card, err := e.Boards.GetCard(ctx, task.CardID)
	if err != nil {
		e.skipRouting(ctx, task, "", "card load failed: "+err.Error())
		return
	}
	if card.ColumnID != task.SourceColumnID {
		// The card moved out-of-band while the task ran; a stale task must
		// not hijack a human-initiated move.
		e.skipRouting(ctx, task, card.ColumnID, "card moved out of band")
		return
	}

	dest := task.TargetColumnID
	if !success {
		dest = task.FailureColumnID
	}
	if dest == "" {
		return
	}
	destCol, err := e.Boards.GetColumn(ctx, dest)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Destination deleted since the task was created; leave the card.
			return
		}
		e.skipRouting(ctx, task, card.ColumnID, "destination load failed: "+err.Error())
		return
	}

	moved, err := e.Boards.MoveCard(ctx, card.ID, dest, -1, card.Version)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			e.skipRouting(ctx, task, card.ColumnID, "concurrent card move")
			return
		}
		e.skipRouting(ctx, task, card.ColumnID, "card move failed: "+err.Error())
		return
	}
	e.Bus.Publish(domain.BoardTopic(moved.BoardID), domain.Event{
		Type: domain.EventCardMoved,
		Payload: domain.CardMovedPayload{
			CardID:     moved.ID,
			FromColumn: task.SourceColumnID,
			ToColumn:   dest,
			Position:   moved.Position,
			Card:       domain.NewCardView(moved),
		},
	})
	slog.Info("card routed",
		slog.String("task_id", task.ID),
		slog.String("card_id", moved.ID),
		slog.String("to_column", dest),
		slog.Bool("success", success))

	if !success {
		// The failure destination never auto-triggers.
		return
	}
	actor := task.AssignedTo
	if actor == "" {
		actor = task.CreatedBy
	}
	if _, err := e.MaybeTriggerOnMove(ctx, moved, destCol, actor); err != nil {
		slog.Error("automation chain trigger failed",
			slog.String("task_id", task.ID),
			slog.String("card_id", moved.ID),
			slog.Any("error", err))
	}
}

func (e *AutomationEngine) skipRouting(ctx context.Context, task domain.Task, columnID, reason string) {
	observability.AutomationRoutingSkippedTotal.Inc()
	slog.Warn("task routing skipped",
		slog.String("task_id", task.ID),
		slog.String("card_id", task.CardID),
		slog.String("reason", reason))
	e.Bus.Publish(domain.BoardTopic(task.BoardID), domain.Event{
		Type: domain.EventTaskRoutingSkipped,
		Payload: domain.RoutingSkippedPayload{
			TaskID:   task.ID,
			CardID:   task.CardID,
			ColumnID: columnID,
			Reason:   reason,
		},
	})
}

func (e *AutomationEngine) renderFor(ctx context.Context, card domain.Card, column domain.Column) (string, error) {
	board, err := e.Boards.GetBoard(ctx, card.BoardID)
	if err != nil {
		return "", fmt.Errorf("op=automation.render: %w", err)
	}
	comments, err := e.Boards.ListComments(ctx, card.ID)
	if err != nil {
		return "", fmt.Errorf("op=automation.render: %w", err)
	}
	last := ""
	if out, err := e.Boards.LastAgentOutput(ctx, card.ID); err == nil {
		last = out.Content
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("op=automation.render: %w", err)
	}
	return RenderPrompt(column.PromptTemplate, PromptContext{
		Card:            card,
		Column:          column,
		BoardName:       board.Name,
		Comments:        comments,
		LastAgentOutput: last,
	}), nil
}

func (e *AutomationEngine) publishCardUpdated(ctx context.Context, cardID, boardID string) {
	card, err := e.Boards.GetCard(ctx, cardID)
	if err != nil {
		return
	}
	e.Bus.Publish(domain.BoardTopic(boardID), domain.Event{
		Type:    domain.EventCardUpdated,
		Payload: domain.CardUpdatedPayload{Card: domain.NewCardView(card)},
	})
}
