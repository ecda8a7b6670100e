package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/pkg/logger"
)

// HandleReservationExpired is the ledger's expiry listener. An order still
// waiting for payment in STOCK_RESERVED gives up its remaining stock and
// ends in RESERVATION_EXPIRED. An order busy in another call is skipped:
// Pay checks its holds before charging, and RecoverStuck picks it up later.
func (s *Service) HandleReservationExpired(r domain.Reservation) {
	ctx := context.Background()
	log := logger.FromContext(ctx).WithField("order_id", r.OrderID).WithField("token", r.Token)

	unlock, ok := s.guard.TryLock(r.OrderID)
	if !ok {
		log.Debug("order busy, expiry left to the running call")
		return
	}
	defer unlock()

	order, err := s.repo.GetOrder(ctx, r.OrderID)
	if err != nil {
		log.WithError(err).Warn("expired reservation for unknown order")
		return
	}
	if order.State != domain.OrderStateStockReserved {
		// PAYMENT_PENDING is finished by RecoverStuck, which refunds on commit failure
		return
	}

	if _, err := s.expireReservations(ctx, order, domain.ErrReservationExpired); !errors.Is(err, domain.ErrReservationExpired) {
		log.WithError(err).Error("failed to expire order")
	}
}

// expireReservations gives up a STOCK_RESERVED order whose stock is no
// longer held. It returns domain.ErrReservationExpired once the order is
// RESERVATION_EXPIRED.
func (s *Service) expireReservations(ctx context.Context, order *domain.Order, cause error) (*domain.Order, error) {
	logger.FromContext(ctx).WithError(cause).WithField("order_id", order.ID).
		Info("stock no longer held, expiring order")

	if err := s.releaseAll(ctx, order.ID, order.Reservations); err != nil {
		return order, err
	}
	order.SetFailure("stock reservation expired before payment", domain.ErrReservationExpired)
	if err := s.transition(ctx, order, domain.OrderStateReservationExpired); err != nil {
		return order, err
	}
	return order, fmt.Errorf("order %s: %w", order.ID, domain.ErrReservationExpired)
}

// RecoverStuck finishes orders that a crashed or interrupted call left in a
// non-terminal state for longer than olderThan. It returns how many orders it
// moved on.
func (s *Service) RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	recovered := 0

	for _, state := range []domain.OrderState{
		domain.OrderStateCreated,
		domain.OrderStateStockReserved,
		domain.OrderStatePaymentFailed,
		domain.OrderStatePaymentPending,
	} {
		orders, err := s.repo.ListOrdersByState(ctx, state, cutoff)
		if err != nil {
			return recovered, err
		}
		for _, o := range orders {
			if s.recoverOne(ctx, o.ID) {
				recovered++
			}
		}
	}
	return recovered, nil
}

func (s *Service) recoverOne(ctx context.Context, orderID string) bool {
	log := logger.FromContext(ctx).WithField("order_id", orderID)

	unlock, ok := s.guard.TryLock(orderID)
	if !ok {
		return false
	}
	defer unlock()

	// reload under the guard, the listing may be stale
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		log.WithError(err).Warn("recover: load order")
		return false
	}
	var held error
	if order.State == domain.OrderStateStockReserved {
		// waiting for Pay is fine while the stock is held
		if held = s.ledger.CheckHeld(order.Reservations); held == nil {
			return false
		}
	}
	log = log.WithField("state", order.State.String())
	log.Info("recovering stuck order")

	switch order.State {
	case domain.OrderStateCreated:
		// died inside the reservation batch, any holds it took expire on their own
		order.FailureReason = "abandoned before stock reservation"
		err = s.transition(ctx, order, domain.OrderStateReleased)
	case domain.OrderStateStockReserved:
		if _, err = s.expireReservations(ctx, order, held); errors.Is(err, domain.ErrReservationExpired) {
			err = nil
		}
	case domain.OrderStatePaymentFailed:
		if err = s.releaseAll(ctx, order.ID, order.Reservations); err == nil {
			err = s.transition(ctx, order, domain.OrderStateReleased)
		}
	case domain.OrderStatePaymentPending:
		_, err = s.processPayment(ctx, order)
	default:
		return false
	}

	if err != nil {
		log.WithError(err).WithField("final_state", order.State.String()).Warn("recovery finished with error")
	}
	return order.State.IsTerminal()
}
