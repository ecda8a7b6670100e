package cart

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/order-core/internal/domain"
)

var (
	ErrCartNotFound = errors.New("cart not found")
	// ErrConflict is returned when optimistic retries on a busy cart are exhausted.
	ErrConflict = errors.New("cart modified concurrently")
)

// MutateFunc edits a cart in place. Returning an error aborts the update.
type MutateFunc func(c *domain.Cart) error

type Store interface {
	Get(ctx context.Context, sessionID string) (*domain.Cart, error)
	// Update applies fn atomically, creating an empty cart when none exists.
	Update(ctx context.Context, sessionID string, fn MutateFunc) (*domain.Cart, error)
	Delete(ctx context.Context, sessionID string) error
}
