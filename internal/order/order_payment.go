package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/pkg/logger"
)

// Pay charges an order in STOCK_RESERVED. An order left in PAYMENT_PENDING
// by an interrupted call is resumed with the same payment token.
func (s *Service) Pay(ctx context.Context, orderID string) (*domain.Order, error) {
	unlock, err := s.guard.Lock(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.processPayment(ctx, order)
}

// processPayment must run under the order's guard.
func (s *Service) processPayment(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	switch order.State {
	case domain.OrderStateStockReserved:
		// the total is checked once more and then frozen for the gateway
		if err := order.ValidateInvariants(); err != nil {
			return order, err
		}
		// the sweeper may not have reached an expired hold yet
		if err := s.ledger.CheckHeld(order.Reservations); err != nil {
			return s.expireReservations(ctx, order, err)
		}
		if err := s.transition(ctx, order, domain.OrderStatePaymentPending); err != nil {
			return order, err
		}
	case domain.OrderStatePaymentPending:
	default:
		return order, fmt.Errorf("%w: cannot pay order %s in %s", domain.ErrInvalidStateTransition, order.ID, order.State)
	}

	ctx, cancel := s.settleContext(ctx)
	defer cancel()

	result, err := s.payments.Charge(ctx, order)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentDeclined) || errors.Is(err, domain.ErrGatewayUnavailable) {
			return s.failPayment(ctx, order, err)
		}
		// outcome recorded nowhere yet, leave PAYMENT_PENDING for recovery
		logger.FromContext(ctx).WithError(err).WithField("order_id", order.ID).Error("payment step failed")
		return order, err
	}

	order.PaymentRef = result.ReceiptID
	return s.complete(ctx, order)
}

// failPayment compensates a payment that did not go through: stock is
// released first, then the order moves to PAYMENT_FAILED and RELEASED.
func (s *Service) failPayment(ctx context.Context, order *domain.Order, cause error) (*domain.Order, error) {
	logger.FromContext(ctx).WithError(cause).WithField("order_id", order.ID).Warn("payment failed, releasing stock")

	if err := s.releaseAll(ctx, order.ID, order.Reservations); err != nil {
		return order, err
	}

	order.SetFailure(cause.Error(), cause)
	if err := s.transition(ctx, order, domain.OrderStatePaymentFailed); err != nil {
		return order, err
	}
	if err := s.transition(ctx, order, domain.OrderStateReleased); err != nil {
		return order, err
	}
	return order, cause
}
