package order

import (
	"context"
	"fmt"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/pkg/logger"
)

// reserveStock reserves every line or none. On failure the reservations
// taken so far are released and the order ends in RELEASED.
func (s *Service) reserveStock(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if !domain.CanTransitionTo(order.State, domain.OrderStateStockReserved) {
		return order, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidStateTransition, order.ID, order.State)
	}

	tokens := make([]string, 0, len(order.Lines))
	for _, line := range order.Lines {
		token, err := s.ledger.Reserve(order.ID, line.ProductID, line.Quantity)
		if err != nil {
			return s.abortReservation(ctx, order, tokens, err)
		}
		tokens = append(tokens, token)
	}

	order.Reservations = tokens
	if err := s.transition(ctx, order, domain.OrderStateStockReserved); err != nil {
		// the order stays CREATED, do not leave its stock held
		if relErr := s.releaseAll(ctx, order.ID, tokens); relErr != nil {
			return order, relErr
		}
		order.Reservations = nil
		return order, err
	}
	return order, nil
}

func (s *Service) abortReservation(ctx context.Context, order *domain.Order, tokens []string, cause error) (*domain.Order, error) {
	logger.FromContext(ctx).WithError(cause).
		WithField("order_id", order.ID).
		WithField("reserved", len(tokens)).
		Info("reservation batch failed, rolling back")

	if err := s.releaseAll(ctx, order.ID, tokens); err != nil {
		return order, err
	}

	order.SetFailure(cause.Error(), cause)
	if err := s.transition(ctx, order, domain.OrderStateReleased); err != nil {
		return order, err
	}
	return order, cause
}
