package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

// WorkerRepo persists worker registrations and liveness.
type WorkerRepo struct{ Pool PgxPool }

// NewWorkerRepo constructs a WorkerRepo with the given pool.
func NewWorkerRepo(p PgxPool) *WorkerRepo { return &WorkerRepo{Pool: p} }

var _ domain.WorkerRepository = (*WorkerRepo)(nil)

const workerColumns = `id, user_id, hostname, version, capabilities, status,
	last_heartbeat, registered_at, max_concurrent_tasks`

func scanWorker(row pgx.Row) (domain.Worker, error) {
	var w domain.Worker
	if err := row.Scan(&w.ID, &w.UserID, &w.Hostname, &w.Version, &w.Capabilities,
		&w.Status, &w.LastHeartbeat, &w.RegisteredAt, &w.MaxConcurrentTasks); err != nil {
		return domain.Worker{}, err
	}
	return w, nil
}

// Upsert registers or re-registers the single worker row per user. The
// previous status comes back so the caller can decide whether to emit an
// online transition event.
func (r *WorkerRepo) Upsert(ctx context.Context, w domain.Worker) (domain.Worker, domain.WorkerStatus, error) {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, "workers.Upsert")
	defer span.End()

	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	caps := w.Capabilities
	if len(caps) == 0 {
		caps = []string{domain.CapAgent}
	}
	var out domain.Worker
	var prev domain.WorkerStatus
	err := withRetry(ctx, "worker.upsert", func(ctx context.Context) error {
		// The prior status is read first so callers can detect an online
		// transition. Registration races for the same user are benign: both
		// land on the same row.
		var probe string
		err := r.Pool.QueryRow(ctx,
			`SELECT status FROM workers WHERE user_id=$1`, w.UserID).Scan(&probe)
		if err != nil && err != pgx.ErrNoRows {
			return err
		}
		prev = domain.WorkerStatus(probe)

		now := time.Now().UTC()
		q := `INSERT INTO workers (id, user_id, hostname, version, capabilities,
				status, last_heartbeat, registered_at, max_concurrent_tasks)
			VALUES ($1,$2,$3,$4,$5,'online',$6,$6,$7)
			ON CONFLICT (user_id) DO UPDATE SET
				hostname=EXCLUDED.hostname,
				version=EXCLUDED.version,
				capabilities=EXCLUDED.capabilities,
				status='online',
				last_heartbeat=EXCLUDED.last_heartbeat,
				max_concurrent_tasks=EXCLUDED.max_concurrent_tasks
			RETURNING ` + workerColumns
		got, err := scanWorker(r.Pool.QueryRow(ctx, q, w.ID, w.UserID, w.Hostname,
			w.Version, caps, now, w.MaxConcurrentTasks))
		if err != nil {
			return err
		}
		out = got
		return nil
	})
	if err != nil {
		return domain.Worker{}, "", err
	}
	return out, prev, nil
}

// Get loads a worker by id.
func (r *WorkerRepo) Get(ctx context.Context, id string) (domain.Worker, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=$1`, id)
	w, err := scanWorker(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Worker{}, fmt.Errorf("op=worker.get: %w", domain.ErrNotFound)
		}
		return domain.Worker{}, fmt.Errorf("op=worker.get: %w: %v", domain.ErrUnavailable, err)
	}
	return w, nil
}

// GetByUser loads the user's worker row.
func (r *WorkerRepo) GetByUser(ctx context.Context, userID string) (domain.Worker, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE user_id=$1`, userID)
	w, err := scanWorker(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Worker{}, fmt.Errorf("op=worker.get_by_user: %w", domain.ErrNotFound)
		}
		return domain.Worker{}, fmt.Errorf("op=worker.get_by_user: %w: %v", domain.ErrUnavailable, err)
	}
	return w, nil
}

// List returns every registered worker, newest heartbeat first.
func (r *WorkerRepo) List(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, fmt.Errorf("op=worker.list: %w: %v", domain.ErrUnavailable, err)
	}
	defer rows.Close()
	var out []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("op=worker.list: %w: %v", domain.ErrUnavailable, err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=worker.list: %w: %v", domain.ErrUnavailable, err)
	}
	return out, nil
}

// Heartbeat bumps last_heartbeat and forces the worker back online.
func (r *WorkerRepo) Heartbeat(ctx context.Context, id string) error {
	return withRetry(ctx, "worker.heartbeat", func(ctx context.Context) error {
		tag, err := r.Pool.Exec(ctx,
			`UPDATE workers SET last_heartbeat=$2, status='online' WHERE id=$1`,
			id, time.Now().UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// MarkStale flips online workers whose heartbeat predates cutoff and returns
// the rows that changed.
func (r *WorkerRepo) MarkStale(ctx context.Context, cutoff time.Time) ([]domain.Worker, error) {
	return r.sweep(ctx, "worker.mark_stale",
		`UPDATE workers SET status='stale'
		 WHERE status='online' AND last_heartbeat < $1
		 RETURNING `+workerColumns, cutoff.UTC())
}

// MarkOffline flips online or stale workers older than cutoff.
func (r *WorkerRepo) MarkOffline(ctx context.Context, cutoff time.Time) ([]domain.Worker, error) {
	return r.sweep(ctx, "worker.mark_offline",
		`UPDATE workers SET status='offline'
		 WHERE status IN ('online','stale') AND last_heartbeat < $1
		 RETURNING `+workerColumns, cutoff.UTC())
}

// SetStatus forces a worker into a given liveness state.
func (r *WorkerRepo) SetStatus(ctx context.Context, id string, status domain.WorkerStatus) error {
	return withRetry(ctx, "worker.set_status", func(ctx context.Context) error {
		tag, err := r.Pool.Exec(ctx,
			`UPDATE workers SET status=$2 WHERE id=$1`, id, string(status))
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

func (r *WorkerRepo) sweep(ctx context.Context, op, q string, args ...any) ([]domain.Worker, error) {
	tracer := otel.Tracer("repo.workers")
	ctx, span := tracer.Start(ctx, op)
	defer span.End()

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w: %v", op, domain.ErrUnavailable, err)
	}
	defer rows.Close()
	var out []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s: %w: %v", op, domain.ErrUnavailable, err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s: %w: %v", op, domain.ErrUnavailable, err)
	}
	return out, nil
}
