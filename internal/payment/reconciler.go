package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/pkg/logger"
)

type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
}

// Reconcile settles attempts left pending longer than olderThan. Late
// successes are recorded; when their order has already given up on payment
// the money is refunded. It returns the number of attempts settled.
//
// Only attempts older than the payment window are touched, so a charge still
// owned by a running checkout is never raced.
func (c *Coordinator) Reconcile(ctx context.Context, orders OrderReader, olderThan time.Duration) (int, error) {
	pending, err := c.attempts.ListPendingAttempts(ctx, c.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("list pending attempts: %w", err)
	}

	settled := 0
	for _, a := range pending {
		log := logger.FromContext(ctx).WithField("order_id", a.OrderID).WithField("attempt_id", a.ID)

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		out, err := c.gateway.QueryStatus(callCtx, a.IdempotencyToken)
		cancel()
		if err != nil {
			c.metrics.GatewayCall("query", "error")
			log.WithError(err).Warn("reconcile: status query failed")
			continue
		}
		c.metrics.GatewayCall("query", string(out.Status))

		switch out.Status {
		case StatusDeclined, StatusNotFound:
			// nothing was captured
			if err := c.finish(ctx, a, domain.PaymentFailure, out.ReceiptID, "reconciled: "+string(out.Status)); err != nil {
				log.WithError(err).Error("reconcile: record failure")
				continue
			}
			settled++
		case StatusSucceeded:
			if err := c.finish(ctx, a, domain.PaymentSuccess, out.ReceiptID, ""); err != nil {
				log.WithError(err).Error("reconcile: record success")
				continue
			}
			settled++

			order, err := orders.GetOrder(ctx, a.OrderID)
			if err != nil {
				log.WithError(err).Error("reconcile: load order")
				continue
			}
			if order.State == domain.OrderStatePaymentPending || order.State == domain.OrderStateConfirmed {
				// the order will pick the receipt up when it is resumed
				continue
			}
			log.WithField("state", order.State).Warn("reconcile: late success on abandoned order, refunding")
			if err := c.refundAttempt(ctx, a); err != nil {
				log.WithError(err).Error("reconcile: refund failed")
			}
		}
	}
	return settled, nil
}
