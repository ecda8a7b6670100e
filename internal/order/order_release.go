package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/internal/inventory"
	"github.com/fjod/go_cart/order-core/pkg/logger"
)

// releaseAll returns every reservation to the ledger. Reservations the ledger
// no longer knows were already expired and pruned, so they count as released.
// Any other failure is a compensation failure: the caller must leave the
// order as it is.
func (s *Service) releaseAll(ctx context.Context, orderID string, tokens []string) error {
	var failed []error
	for _, token := range tokens {
		err := s.ledger.Release(token)
		if err == nil || errors.Is(err, inventory.ErrReservationNotFound) {
			continue
		}
		failed = append(failed, err)
	}
	if len(failed) == 0 {
		return nil
	}

	cause := errors.Join(failed...)
	logger.FromContext(ctx).WithError(cause).
		WithField("order_id", orderID).
		Error("failed to release reserved stock, order needs reconciliation")
	return fmt.Errorf("%w: order %s: %v", domain.ErrCompensationFailed, orderID, cause)
}
