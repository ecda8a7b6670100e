package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
)

var (
	ErrDuplicateCheckout = errors.New("order for this idempotency key already exists")
	ErrConcurrentUpdate  = errors.New("order was modified concurrently")
	ErrAttemptConflict   = errors.New("order already has a pending payment attempt")
	ErrAttemptNotFound   = errors.New("payment attempt not found")
)

type Credentials struct {
	Host              string
	Port              int
	User              string
	Password          string
	DBName            string
	SSLMode           string
	MigrationsDirPath string
}

// OrderRepository persists orders. Every write carries the outbox event
// describing it, and both are stored atomically.
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *domain.Order, event *OutboxEvent) error
	// UpdateOrder succeeds only if order.Version matches the stored version,
	// and bumps it on success.
	UpdateOrder(ctx context.Context, order *domain.Order, event *OutboxEvent) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*domain.Order, error)
	ListOrdersBySession(ctx context.Context, sessionID string) ([]*domain.Order, error)
	ListOrdersByState(ctx context.Context, state domain.OrderState, updatedBefore time.Time) ([]*domain.Order, error)
}

// AttemptRepository persists payment attempts. At most one attempt per order
// may be pending and at most one may be successful.
type AttemptRepository interface {
	CreateAttempt(ctx context.Context, a *domain.PaymentAttempt) error
	UpdateAttempt(ctx context.Context, a *domain.PaymentAttempt) error
	ListAttempts(ctx context.Context, orderID string) ([]*domain.PaymentAttempt, error)
	ListPendingAttempts(ctx context.Context, createdBefore time.Time) ([]*domain.PaymentAttempt, error)
}

type OutboxRepository interface {
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id string) error
}

type Store interface {
	OrderRepository
	AttemptRepository
	OutboxRepository
	Close() error
}
