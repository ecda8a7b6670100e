package order

import (
	"context"
	"fmt"

	"github.com/fjod/go_cart/order-core/internal/domain"
)

// Cancel gives up an order before payment. An order that is being paid is
// waited for, and its final state is then reported through
// ErrInvalidStateTransition.
func (s *Service) Cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	unlock, err := s.guard.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.State.IsCancellable() {
		return order, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidStateTransition, order.ID, order.State)
	}

	if err := s.releaseAll(ctx, order.ID, order.Reservations); err != nil {
		return order, err
	}
	order.FailureReason = "cancelled"
	if err := s.transition(ctx, order, domain.OrderStateCancelled); err != nil {
		return order, err
	}
	return order, nil
}
