package order

import (
	"context"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-core/internal/catalog"
	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/internal/payment"
	"github.com/fjod/go_cart/order-core/internal/repository"
	"github.com/fjod/go_cart/order-core/pkg/logger"
	"github.com/fjod/go_cart/order-core/pkg/metrics"
)

// Ledger is the stock authority the order reserves from.
type Ledger interface {
	Reserve(orderID, productID string, qty int32) (string, error)
	CommitAll(tokens []string) error
	Release(token string) error
	CheckHeld(tokens []string) error
}

type Payments interface {
	Charge(ctx context.Context, order *domain.Order) (payment.Result, error)
	Refund(ctx context.Context, order *domain.Order) error
}

type CartClearer interface {
	Clear(ctx context.Context, sessionID string) error
}

// Service drives orders through their lifecycle. Every transition of one
// order runs under that order's guard.
type Service struct {
	repo     repository.OrderRepository
	ledger   Ledger
	payments Payments
	catalog  catalog.Catalog
	carts    CartClearer

	guard           *Guard
	defaultCurrency string
	settleTimeout   time.Duration
	metrics         *metrics.Metrics
	now             func() time.Time
	newID           func() string
}

type Option func(*Service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithCurrency(currency string) Option {
	return func(s *Service) { s.defaultCurrency = currency }
}

// WithSettleTimeout bounds a payment and its compensation once the order is
// PAYMENT_PENDING. It should cover the payment window.
func WithSettleTimeout(d time.Duration) Option {
	return func(s *Service) { s.settleTimeout = d }
}

// WithCartClearer empties the session cart once its order is confirmed.
func WithCartClearer(c CartClearer) Option {
	return func(s *Service) { s.carts = c }
}

func NewService(repo repository.OrderRepository, ledger Ledger, payments Payments, cat catalog.Catalog, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		ledger:          ledger,
		payments:        payments,
		catalog:         cat,
		guard:           NewGuard(),
		defaultCurrency: "USD",
		settleTimeout:   time.Minute,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           newUUID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

func (s *Service) ListOrders(ctx context.Context, sessionID string) ([]*domain.Order, error) {
	return s.repo.ListOrdersBySession(ctx, sessionID)
}

// settleContext detaches from the caller: once money may move, the order is
// driven to an outcome even if the request that started it is gone.
func (s *Service) settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.settleTimeout)
}

// transition moves the order and persists it together with its outbox event.
func (s *Service) transition(ctx context.Context, order *domain.Order, next domain.OrderState) error {
	from := order.State
	if err := order.TransitionTo(next, s.now()); err != nil {
		return err
	}
	event, err := repository.NewOrderEvent(order)
	if err != nil {
		order.State = from
		return err
	}
	if err := s.repo.UpdateOrder(ctx, order, event); err != nil {
		order.State = from
		return fmt.Errorf("persist order %s %s -> %s: %w", order.ID, from, next, err)
	}

	s.metrics.Transition(string(from), string(next))
	logger.FromContext(ctx).
		WithField("order_id", order.ID).
		WithField("from", from.String()).
		WithField("state", next.String()).
		Info("order transitioned")
	return nil
}
