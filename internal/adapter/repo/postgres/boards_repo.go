package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

// BoardRepo exposes the board entities the dispatch core and automation
// engine consume.
type BoardRepo struct{ Pool PgxPool }

// NewBoardRepo constructs a BoardRepo with the given pool.
func NewBoardRepo(p PgxPool) *BoardRepo { return &BoardRepo{Pool: p} }

var _ domain.BoardRepository = (*BoardRepo)(nil)

const cardColumns = `id, column_id, board_id, title, description, labels,
	priority, assignee_id, agent_status, position, version, created_by,
	created_at, updated_at`

func scanCard(row pgx.Row) (domain.Card, error) {
	var c domain.Card
	var labels []byte
	if err := row.Scan(&c.ID, &c.ColumnID, &c.BoardID, &c.Title, &c.Description,
		&labels, &c.Priority, &c.AssigneeID, &c.AgentStatus, &c.Position,
		&c.Version, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return domain.Card{}, err
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &c.Labels); err != nil {
			return domain.Card{}, fmt.Errorf("labels decode: %w", err)
		}
	}
	return c, nil
}

// GetBoard loads a board by id.
func (r *BoardRepo) GetBoard(ctx context.Context, id string) (domain.Board, error) {
	var b domain.Board
	err := r.Pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM boards WHERE id=$1`, id).
		Scan(&b.ID, &b.Name, &b.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Board{}, fmt.Errorf("op=board.get: %w", domain.ErrNotFound)
		}
		return domain.Board{}, fmt.Errorf("op=board.get: %w: %v", domain.ErrUnavailable, err)
	}
	return b, nil
}

// GetCard loads a card by id.
func (r *BoardRepo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE id=$1`, id)
	c, err := scanCard(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Card{}, fmt.Errorf("op=card.get: %w", domain.ErrNotFound)
		}
		return domain.Card{}, fmt.Errorf("op=card.get: %w: %v", domain.ErrUnavailable, err)
	}
	return c, nil
}

// GetColumn loads a column with its automation rule fields.
func (r *BoardRepo) GetColumn(ctx context.Context, id string) (domain.Column, error) {
	var c domain.Column
	err := r.Pool.QueryRow(ctx,
		`SELECT id, board_id, name, position, auto_run, agent_type, agent_model,
			prompt_template, on_success_column_id, on_failure_column_id,
			max_loop_count
		 FROM columns WHERE id=$1`, id).
		Scan(&c.ID, &c.BoardID, &c.Name, &c.Position, &c.AutoRun, &c.AgentType,
			&c.AgentModel, &c.PromptTemplate, &c.OnSuccessColumnID,
			&c.OnFailureColumnID, &c.MaxLoopCount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Column{}, fmt.Errorf("op=column.get: %w", domain.ErrNotFound)
		}
		return domain.Column{}, fmt.Errorf("op=column.get: %w: %v", domain.ErrUnavailable, err)
	}
	return c, nil
}

// MoveCard relocates a card conditional on its version. A concurrent move
// bumps the version first and this update affects zero rows, which surfaces
// as ErrConflict. Position -1 appends after the column's current tail.
func (r *BoardRepo) MoveCard(ctx context.Context, cardID, toColumnID string, position int, fromVersion int) (domain.Card, error) {
	tracer := otel.Tracer("repo.boards")
	ctx, span := tracer.Start(ctx, "boards.MoveCard")
	defer span.End()

	var card domain.Card
	err := withRetry(ctx, "card.move", func(ctx context.Context) error {
		pos := position
		if pos < 0 {
			if err := r.Pool.QueryRow(ctx,
				`SELECT COALESCE(MAX(position)+1, 0) FROM cards WHERE column_id=$1`,
				toColumnID).Scan(&pos); err != nil {
				return err
			}
		}
		q := `UPDATE cards
			SET column_id=$2, position=$3, version=version+1, updated_at=$4
			WHERE id=$1 AND version=$5
			RETURNING ` + cardColumns
		row := r.Pool.QueryRow(ctx, q, cardID, toColumnID, pos, time.Now().UTC(), fromVersion)
		c, err := scanCard(row)
		if err == pgx.ErrNoRows {
			var exists bool
			if lookErr := r.Pool.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM cards WHERE id=$1)`, cardID).Scan(&exists); lookErr != nil {
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
		card = c
		return nil
	})
	return card, err
}

// SetAgentStatus updates the agent lock marker on a card.
func (r *BoardRepo) SetAgentStatus(ctx context.Context, cardID, status string) error {
	return withRetry(ctx, "card.set_agent_status", func(ctx context.Context) error {
		tag, err := r.Pool.Exec(ctx,
			`UPDATE cards SET agent_status=$2, updated_at=$3 WHERE id=$1`,
			cardID, status, time.Now().UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

// CreateCard inserts a card, appending it to its column.
func (r *BoardRepo) CreateCard(ctx context.Context, c domain.Card) (domain.Card, error) {
	tracer := otel.Tracer("repo.boards")
	ctx, span := tracer.Start(ctx, "boards.CreateCard")
	defer span.End()

	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Priority == "" {
		c.Priority = "medium"
	}
	labels := c.Labels
	if labels == nil {
		labels = []string{}
	}
	raw, err := json.Marshal(labels)
	if err != nil {
		return domain.Card{}, fmt.Errorf("op=card.create: %w: labels: %v", domain.ErrInvalidArgument, err)
	}

	var out domain.Card
	err = withRetry(ctx, "card.create", func(ctx context.Context) error {
		now := time.Now().UTC()
		q := `INSERT INTO cards (id, column_id, board_id, title, description,
				labels, priority, assignee_id, agent_status, position,
				created_by, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,
				(SELECT COALESCE(MAX(position)+1, 0) FROM cards WHERE column_id=$2),
				$10,$11,$11)
			RETURNING ` + cardColumns
		row := r.Pool.QueryRow(ctx, q, c.ID, c.ColumnID, c.BoardID, c.Title,
			c.Description, raw, c.Priority, c.AssigneeID, c.AgentStatus,
			c.CreatedBy, now)
		got, err := scanCard(row)
		if err != nil {
			return err
		}
		out = got
		return nil
	})
	return out, err
}

// ListComments returns a card's comments oldest first.
func (r *BoardRepo) ListComments(ctx context.Context, cardID string) ([]domain.Comment, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id, card_id, user_id, content, is_agent_output, created_at
		 FROM card_comments WHERE card_id=$1 ORDER BY created_at ASC`, cardID)
	if err != nil {
		return nil, fmt.Errorf("op=comment.list: %w: %v", domain.ErrUnavailable, err)
	}
	defer rows.Close()
	var out []domain.Comment
	for rows.Next() {
		var c domain.Comment
		if err := rows.Scan(&c.ID, &c.CardID, &c.UserID, &c.Content,
			&c.IsAgentOutput, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=comment.list: %w: %v", domain.ErrUnavailable, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=comment.list: %w: %v", domain.ErrUnavailable, err)
	}
	return out, nil
}

// LastAgentOutput returns the newest agent-output comment on a card.
func (r *BoardRepo) LastAgentOutput(ctx context.Context, cardID string) (domain.Comment, error) {
	var c domain.Comment
	err := r.Pool.QueryRow(ctx,
		`SELECT id, card_id, user_id, content, is_agent_output, created_at
		 FROM card_comments
		 WHERE card_id=$1 AND is_agent_output
		 ORDER BY created_at DESC LIMIT 1`, cardID).
		Scan(&c.ID, &c.CardID, &c.UserID, &c.Content, &c.IsAgentOutput, &c.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Comment{}, fmt.Errorf("op=comment.last_agent_output: %w", domain.ErrNotFound)
		}
		return domain.Comment{}, fmt.Errorf("op=comment.last_agent_output: %w: %v", domain.ErrUnavailable, err)
	}
	return c, nil
}

// CreateComment inserts a comment on a card.
func (r *BoardRepo) CreateComment(ctx context.Context, c domain.Comment) (domain.Comment, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	var out domain.Comment
	err := withRetry(ctx, "comment.create", func(ctx context.Context) error {
		row := r.Pool.QueryRow(ctx,
			`INSERT INTO card_comments (id, card_id, user_id, content, is_agent_output, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6)
			 RETURNING id, card_id, user_id, content, is_agent_output, created_at`,
			c.ID, c.CardID, c.UserID, c.Content, c.IsAgentOutput, time.Now().UTC())
		return row.Scan(&out.ID, &out.CardID, &out.UserID, &out.Content,
			&out.IsAgentOutput, &out.CreatedAt)
	})
	if err != nil {
		return domain.Comment{}, err
	}
	return out, nil
}

// IsMember reports whether the user belongs to the board.
func (r *BoardRepo) IsMember(ctx context.Context, boardID, userID string) (bool, error) {
	var ok bool
	err := r.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM board_members WHERE board_id=$1 AND user_id=$2)`,
		boardID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("op=board.is_member: %w: %v", domain.ErrUnavailable, err)
	}
	return ok, nil
}

// MemberBoards returns the ids of every board the user belongs to.
func (r *BoardRepo) MemberBoards(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT board_id FROM board_members WHERE user_id=$1`, userID)
	if err != nil {
		return nil, fmt.Errorf("op=board.member_boards: %w: %v", domain.ErrUnavailable, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=board.member_boards: %w: %v", domain.ErrUnavailable, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
