package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// TaskRepo persists and loads tasks using a minimal pgx pool.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

var _ domain.TaskRepository = (*TaskRepo)(nil)

const taskColumns = `id, task_type, board_id, card_id, created_by, assigned_to,
	claimed_by_worker, agent_type, agent_model, prompt_text, payload, status,
	priority, source_column_id, target_column_id, failure_column_id,
	loop_count, max_loop_count, error_summary, output_comment_id,
	created_at, claimed_at, started_at, completed_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var payload []byte
	if err := row.Scan(
		&t.ID, &t.TaskType, &t.BoardID, &t.CardID, &t.CreatedBy, &t.AssignedTo,
		&t.ClaimedByWorker, &t.AgentType, &t.AgentModel, &t.PromptText, &payload, &t.Status,
		&t.Priority, &t.SourceColumnID, &t.TargetColumnID, &t.FailureColumnID,
		&t.LoopCount, &t.MaxLoopCount, &t.ErrorSummary, &t.OutputCommentID,
		&t.CreatedAt, &t.ClaimedAt, &t.StartedAt, &t.CompletedAt,
	); err != nil {
		return domain.Task{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return domain.Task{}, fmt.Errorf("payload decode: %w", err)
		}
	}
	return t, nil
}

// Create inserts a new pending task and returns it.
func (r *TaskRepo) Create(ctx context.Context, spec domain.TaskSpec) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()

	if !domain.ValidTaskType(spec.TaskType) {
		return domain.Task{}, fmt.Errorf("op=task.create: %w: task_type %q", domain.ErrInvalidArgument, spec.TaskType)
	}
	id := uuid.New().String()
	payload := spec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=task.create: %w: payload: %v", domain.ErrInvalidArgument, err)
	}

	var task domain.Task
	err = withRetry(ctx, "task.create", func(ctx context.Context) error {
		q := `INSERT INTO tasks (id, task_type, board_id, card_id, created_by, assigned_to,
			agent_type, agent_model, prompt_text, payload, priority,
			source_column_id, target_column_id, failure_column_id,
			loop_count, max_loop_count, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
			RETURNING ` + taskColumns
		row := r.Pool.QueryRow(ctx, q, id, spec.TaskType, spec.BoardID, spec.CardID,
			spec.CreatedBy, spec.AssignedTo, spec.AgentType, spec.AgentModel,
			spec.PromptText, raw, spec.Priority, spec.SourceColumnID,
			spec.TargetColumnID, spec.FailureColumnID, spec.LoopCount,
			spec.MaxLoopCount, time.Now().UTC())
		t, err := scanTask(row)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w: %v", domain.ErrUnavailable, err)
	}
	return t, nil
}

// List returns tasks matching the filter, newest first.
func (r *TaskRepo) List(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()

	conds := []string{}
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.BoardID != "" {
		add("board_id=$%d", f.BoardID)
	}
	if f.CardID != "" {
		add("card_id=$%d", f.CardID)
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return r.queryTasks(ctx, "task.list", q, args...)
}

// PollPending returns claimable pending tasks for a user: assigned to the
// user, or unassigned on a board the user is a member of.
func (r *TaskRepo) PollPending(ctx context.Context, userID string, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.PollPending")
	defer span.End()

	q := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status='pending'
		  AND (assigned_to=$1
		       OR (assigned_to='' AND board_id IN (
		             SELECT board_id FROM board_members WHERE user_id=$1)))
		ORDER BY priority DESC, created_at ASC
		LIMIT $2`
	return r.queryTasks(ctx, "task.poll", q, userID, limit)
}

// Claim atomically assigns a pending task to a worker. The whole at-most-once
// guarantee is this one conditional update.
func (r *TaskRepo) Claim(ctx context.Context, taskID, workerID string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Claim")
	defer span.End()

	var task domain.Task
	err := withRetry(ctx, "task.claim", func(ctx context.Context) error {
		q := `UPDATE tasks SET status='claimed', claimed_by_worker=$2, claimed_at=$3
			WHERE id=$1 AND status='pending'
			RETURNING ` + taskColumns
		row := r.Pool.QueryRow(ctx, q, taskID, workerID, time.Now().UTC())
		t, err := scanTask(row)
		if err == pgx.ErrNoRows {
			// Row absent or already claimed; distinguish for the caller.
			var exists bool
			if lookErr := r.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id=$1)`, taskID).Scan(&exists); lookErr != nil {
				return lookErr
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrConflict
		}
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

// Transition moves a task from -> to in one guarded update. Transitions not
// on the status DAG are rejected before touching the store.
func (r *TaskRepo) Transition(ctx context.Context, taskID string, from, to domain.TaskStatus, upd domain.TaskUpdate) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Transition")
	defer span.End()

	if !domain.CanTransition(from, to) {
		return domain.Task{}, fmt.Errorf("op=task.transition: %w: %s -> %s", domain.ErrConflict, from, to)
	}

	sets := []string{"status=$3"}
	args := []any{taskID, from, to}
	if upd.ErrorSummary != nil {
		args = append(args, *upd.ErrorSummary)
		sets = append(sets, fmt.Sprintf("error_summary=$%d", len(args)))
	}
	if upd.StartedAt != nil {
		args = append(args, upd.StartedAt.UTC())
		sets = append(sets, fmt.Sprintf("started_at=$%d", len(args)))
	}
	if upd.CompletedAt != nil {
		args = append(args, upd.CompletedAt.UTC())
		sets = append(sets, fmt.Sprintf("completed_at=$%d", len(args)))
	}

	var task domain.Task
	err := withRetry(ctx, "task.transition", func(ctx context.Context) error {
		q := `UPDATE tasks SET ` + strings.Join(sets, ", ") +
			` WHERE id=$1 AND status=$2 RETURNING ` + taskColumns
		row := r.Pool.QueryRow(ctx, q, args...)
		t, err := scanTask(row)
		if err == pgx.ErrNoRows {
			var exists bool
			if lookErr := r.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id=$1)`, taskID).Scan(&exists); lookErr != nil {
				return lookErr
			}
			if !exists {
				return domain.ErrNotFound
			}
			return domain.ErrConflict
		}
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

// CountBySource counts every task ever created for (card, column); this is
// the automation loop count.
func (r *TaskRepo) CountBySource(ctx context.Context, cardID, columnID string) (int, error) {
	var n int
	err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM tasks WHERE card_id=$1 AND source_column_id=$2`,
		cardID, columnID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=task.count_source: %w: %v", domain.ErrUnavailable, err)
	}
	return n, nil
}

// CancelledOf returns the subset of ids that are cancelled server-side.
func (r *TaskRepo) CancelledOf(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT id FROM tasks WHERE id = ANY($1) AND status='cancelled'`, ids)
	if err != nil {
		return nil, fmt.Errorf("op=task.cancelled_of: %w: %v", domain.ErrUnavailable, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=task.cancelled_of: %w: %v", domain.ErrUnavailable, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ActiveByWorker returns claimed/running tasks held by a worker.
func (r *TaskRepo) ActiveByWorker(ctx context.Context, workerID string) ([]domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks
		WHERE claimed_by_worker=$1 AND status IN ('claimed','running')`
	return r.queryTasks(ctx, "task.active_by_worker", q, workerID)
}

// SetOutputComment attaches the output comment reference to a task.
func (r *TaskRepo) SetOutputComment(ctx context.Context, taskID, commentID string) error {
	return withRetry(ctx, "task.set_output_comment", func(ctx context.Context) error {
		tag, err := r.Pool.Exec(ctx,
			`UPDATE tasks SET output_comment_id=$2 WHERE id=$1`, taskID, commentID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (r *TaskRepo) queryTasks(ctx context.Context, op, q string, args ...any) ([]domain.Task, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w: %v", op, domain.ErrUnavailable, err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s: %w: %v", op, domain.ErrUnavailable, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w: %v", op, domain.ErrUnavailable, err)
	}
	return out, nil
}
