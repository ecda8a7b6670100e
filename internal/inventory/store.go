package inventory

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/order-core/internal/domain"
)

// Common errors returned by the ledger
var (
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidStatus       = errors.New("invalid reservation status for this operation")
	ErrNegativeStock       = errors.New("stock cannot be negative")
)

// ExpiryListener is told about reservations the sweeper expired.
// It runs on the sweeper goroutine and must not block for long.
type ExpiryListener func(r domain.Reservation)

// Store is the stock authority: it owns reservations and physical stock.
type Store interface {
	// Reserve holds qty units of a product for an order.
	// Fails with domain.ErrInsufficientStock or domain.ErrProductNotFound.
	Reserve(orderID, productID string, qty int32) (string, error)

	// Commit turns a reservation into a permanent decrement.
	// Fails with domain.ErrReservationExpired when the hold timed out.
	Commit(token string) error
	CommitAll(tokens []string) error

	// Release returns held stock. Releasing an expired reservation is a no-op.
	Release(token string) error

	// CheckHeld fails unless every token still holds its stock.
	CheckHeld(tokens []string) error

	Stock(productID string) (domain.StockInfo, error)
	SetStock(productID string, total int32) error
}

// Repository keeps stock totals and reservation records across restarts.
// Reserved counts are not stored: they are rebuilt from open reservations.
type Repository interface {
	LoadStock(ctx context.Context) ([]domain.StockInfo, error)
	LoadOpenReservations(ctx context.Context) ([]domain.Reservation, error)
	SaveStock(ctx context.Context, productID string, total int32) error
	SaveReservation(ctx context.Context, r domain.Reservation) error
	// CommitReservations marks the reservations committed and takes their
	// quantities off the stock totals in one transaction.
	CommitReservations(ctx context.Context, rs []domain.Reservation) error
}
