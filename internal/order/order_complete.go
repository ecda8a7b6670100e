package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/internal/inventory"
	"github.com/fjod/go_cart/order-core/pkg/logger"
)

// complete commits the reserved stock of a paid order.
func (s *Service) complete(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if !domain.CanTransitionTo(order.State, domain.OrderStateConfirmed) {
		return order, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidStateTransition, order.ID, order.State)
	}

	if err := s.ledger.CommitAll(order.Reservations); err != nil {
		switch {
		case errors.Is(err, domain.ErrReservationExpired), errors.Is(err, inventory.ErrReservationNotFound):
			return s.expireAfterPayment(ctx, order, err)
		case errors.Is(err, inventory.ErrInvalidStatus):
			// an earlier compensation released the stock but could not record it
			return s.refundReleased(ctx, order, err)
		}
		// the stock is still held, recovery retries the commit
		logger.FromContext(ctx).WithError(err).WithField("order_id", order.ID).Error("commit stock failed")
		return order, err
	}

	if err := s.transition(ctx, order, domain.OrderStateConfirmed); err != nil {
		return order, err
	}

	if s.carts != nil && order.SessionID != "" {
		if err := s.carts.Clear(ctx, order.SessionID); err != nil {
			// the order is confirmed either way
			logger.FromContext(ctx).WithError(err).WithField("order_id", order.ID).Warn("failed to clear cart")
		}
	}
	return order, nil
}

// expireAfterPayment handles a charge that succeeded after part of the stock
// hold ran out: the money goes back and the remaining holds are released.
func (s *Service) expireAfterPayment(ctx context.Context, order *domain.Order, cause error) (*domain.Order, error) {
	log := logger.FromContext(ctx).WithField("order_id", order.ID)
	log.WithError(cause).Warn("reservation expired after payment, refunding")

	if err := s.payments.Refund(ctx, order); err != nil {
		log.WithError(err).Error("refund after expiry failed, order needs reconciliation")
		return order, fmt.Errorf("%w: refund order %s: %v", domain.ErrCompensationFailed, order.ID, err)
	}
	if err := s.releaseAll(ctx, order.ID, order.Reservations); err != nil {
		return order, err
	}

	order.SetFailure("reservation expired before stock commit, payment refunded", domain.ErrReservationExpired)
	if err := s.transition(ctx, order, domain.OrderStateReservationExpired); err != nil {
		return order, err
	}
	return order, fmt.Errorf("order %s: %w", order.ID, domain.ErrReservationExpired)
}

// refundReleased finishes a paid order whose stock was already given back:
// the money is refunded and the order ends in RELEASED.
func (s *Service) refundReleased(ctx context.Context, order *domain.Order, cause error) (*domain.Order, error) {
	log := logger.FromContext(ctx).WithField("order_id", order.ID)
	log.WithError(cause).Warn("stock released before commit, refunding")

	if err := s.payments.Refund(ctx, order); err != nil {
		log.WithError(err).Error("refund of released order failed, order needs reconciliation")
		return order, fmt.Errorf("%w: refund order %s: %v", domain.ErrCompensationFailed, order.ID, err)
	}
	if err := s.releaseAll(ctx, order.ID, order.Reservations); err != nil {
		return order, err
	}

	order.SetFailure("stock released before commit, payment refunded", cause)
	if err := s.transition(ctx, order, domain.OrderStatePaymentFailed); err != nil {
		return order, err
	}
	if err := s.transition(ctx, order, domain.OrderStateReleased); err != nil {
		return order, err
	}
	return order, fmt.Errorf("order %s: %w", order.ID, cause)
}
