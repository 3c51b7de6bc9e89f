package usecase

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/agentboard/internal/domain"
)

// CardService covers the slice of card behaviour the dispatch core owns:
// moves (the automation entry point) and card creation for import tasks.
type CardService struct {
	Boards     domain.BoardRepository
	Bus        domain.EventBus
	Automation *AutomationEngine
}

// NewCardService constructs a CardService with its dependencies.
func NewCardService(b domain.BoardRepository, bus domain.EventBus, a *AutomationEngine) *CardService {
	return &CardService{Boards: b, Bus: bus, Automation: a}
}

// Move relocates a card into a column and triggers any automation the
// destination declares. The move is conditional on the card version the
// caller observed; a concurrent move surfaces as ErrConflict so two rapid
// drags cannot double-trigger.
func (s *CardService) Move(ctx context.Context, userID, cardID, toColumnID string, position, fromVersion int) (domain.Card, error) {
	tracer := otel.Tracer("usecase.cards")
	ctx, span := tracer.Start(ctx, "cards.Move")
	defer span.End()

	card, err := s.Boards.GetCard(ctx, cardID)
	if err != nil {
		return domain.Card{}, err
	}
	if err := s.requireMember(ctx, card.BoardID, userID, "card.move"); err != nil {
		return domain.Card{}, err
	}
	if card.Locked() {
		return domain.Card{}, fmt.Errorf("op=card.move: %w: agent work in flight", domain.ErrConflict)
	}
	column, err := s.Boards.GetColumn(ctx, toColumnID)
	if err != nil {
		return domain.Card{}, err
	}
	if column.BoardID != card.BoardID {
		return domain.Card{}, fmt.Errorf("op=card.move: %w: column on another board", domain.ErrInvalidArgument)
	}
	if fromVersion < 0 {
		fromVersion = card.Version
	}
	moved, err := s.Boards.MoveCard(ctx, cardID, toColumnID, position, fromVersion)
	if err != nil {
		return domain.Card{}, err
	}
	s.Bus.Publish(domain.BoardTopic(moved.BoardID), domain.Event{
		Type: domain.EventCardMoved,
		Payload: domain.CardMovedPayload{
			CardID:     moved.ID,
			FromColumn: card.ColumnID,
			ToColumn:   toColumnID,
			Position:   moved.Position,
			Card:       domain.NewCardView(moved),
		},
	})
	if _, err := s.Automation.MaybeTriggerOnMove(ctx, moved, column, userID); err != nil {
		// The move already happened; automation failure is reported as a
		// routing diagnostic, not a move failure.
		s.Bus.Publish(domain.BoardTopic(moved.BoardID), domain.Event{
			Type: domain.EventTaskRoutingSkipped,
			Payload: domain.RoutingSkippedPayload{
				CardID:   moved.ID,
				ColumnID: toColumnID,
				Reason:   "automation trigger failed: " + err.Error(),
			},
		})
	}
	return moved, nil
}

// Create inserts a card at the tail of a column. Used by card_gen and
// jira_import workers pushing generated cards back through the API.
func (s *CardService) Create(ctx context.Context, userID string, card domain.Card) (domain.Card, error) {
	if card.BoardID == "" || card.ColumnID == "" || card.Title == "" {
		return domain.Card{}, fmt.Errorf("op=card.create: %w: board_id, column_id and title required", domain.ErrInvalidArgument)
	}
	if err := s.requireMember(ctx, card.BoardID, userID, "card.create"); err != nil {
		return domain.Card{}, err
	}
	card.CreatedBy = userID
	created, err := s.Boards.CreateCard(ctx, card)
	if err != nil {
		return domain.Card{}, err
	}
	s.Bus.Publish(domain.BoardTopic(created.BoardID), domain.Event{
		Type:    domain.EventCardUpdated,
		Payload: domain.CardUpdatedPayload{Card: domain.NewCardView(created)},
	})
	return created, nil
}

func (s *CardService) requireMember(ctx context.Context, boardID, userID, op string) error {
	ok, err := s.Boards.IsMember(ctx, boardID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("op=%s: %w: not a board member", op, domain.ErrForbidden)
	}
	return nil
}
