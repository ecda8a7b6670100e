package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/internal/repository"
	"github.com/fjod/go_cart/order-core/pkg/logger"
	"github.com/google/uuid"
)

func newUUID() string {
	return uuid.NewString()
}

// Checkout turns a cart snapshot into an order, reserves its stock and
// charges it in one call. A replayed idempotency key returns the order the
// first call created, together with the error it failed with.
func (s *Service) Checkout(ctx context.Context, req *domain.CheckoutRequest) (*domain.Order, error) {
	order, err := s.PlaceOrder(ctx, req)
	if err != nil {
		if order != nil {
			s.metrics.CheckoutFinished(order.State.String())
		}
		return order, err
	}
	if order.State != domain.OrderStateStockReserved {
		// replay of a checkout that already moved on
		return order, nil
	}

	order, err = s.Pay(ctx, order.ID)
	if order != nil {
		s.metrics.CheckoutFinished(order.State.String())
	}
	return order, err
}

// PlaceOrder creates the order and reserves all of its lines, stopping in
// STOCK_RESERVED so the caller may still cancel before paying.
func (s *Service) PlaceOrder(ctx context.Context, req *domain.CheckoutRequest) (*domain.Order, error) {
	log := logger.FromContext(ctx).WithField("session_id", req.SessionID)

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			log.WithField("order_id", existing.ID).
				WithField("state", existing.State.String()).
				Info("duplicate checkout detected, returning existing order")
			return existing, existing.Failure()
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return nil, fmt.Errorf("failed to check idempotency: %w", err)
		}
	}

	if len(req.Lines) == 0 {
		return nil, domain.ErrEmptyCart
	}

	lines, err := s.snapshotLines(ctx, req.Lines)
	if err != nil {
		return nil, err
	}

	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}
	order := domain.NewOrder(s.newID(), req.IdempotencyKey, req.SessionID, s.newID(), currency, lines, s.now())
	if err := order.ValidateInvariants(); err != nil {
		return nil, err
	}

	event, err := repository.NewOrderEvent(order)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateOrder(ctx, order, event); err != nil {
		if errors.Is(err, repository.ErrDuplicateCheckout) && req.IdempotencyKey != "" {
			// lost a race with a concurrent request carrying the same key
			existing, err := s.repo.GetOrderByIdempotencyKey(ctx, req.IdempotencyKey)
			if err != nil {
				return nil, err
			}
			return existing, existing.Failure()
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	log.WithField("order_id", order.ID).WithField("total", order.Total.String()).Info("order created")

	unlock, err := s.guard.Lock(ctx, order.ID)
	if err != nil {
		return order, err
	}
	defer unlock()

	return s.reserveStock(ctx, order)
}

// snapshotLines prices the cart from the catalog. The prices are frozen into
// the order and never looked up again.
func (s *Service) snapshotLines(ctx context.Context, cartLines []domain.CartLine) ([]domain.OrderLine, error) {
	lines := make([]domain.OrderLine, 0, len(cartLines))
	seen := make(map[string]int, len(cartLines))
	for _, cl := range cartLines {
		if cl.Quantity <= 0 {
			return nil, fmt.Errorf("line %s: %w", cl.ProductID, domain.ErrInvalidQuantity)
		}
		if i, ok := seen[cl.ProductID]; ok {
			lines[i].Quantity += cl.Quantity
			continue
		}
		p, err := s.catalog.GetProduct(ctx, cl.ProductID)
		if err != nil {
			return nil, err
		}
		seen[cl.ProductID] = len(lines)
		lines = append(lines, domain.OrderLine{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  cl.Quantity,
			UnitPrice: p.Price,
		})
	}
	return lines, nil
}
