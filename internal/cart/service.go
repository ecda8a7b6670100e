package cart

import (
	"context"
	"errors"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/pkg/logger"
	"golang.org/x/sync/singleflight"
)

// Service stages line items per session. It does not check stock:
// availability is decided by the ledger at checkout.
type Service struct {
	store Store
	sfg   singleflight.Group // collapses concurrent reads of one session
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// GetCart returns the session's cart, or an empty one if it was never written.
func (s *Service) GetCart(ctx context.Context, sessionID string) (*domain.Cart, error) {
	v, err, _ := s.sfg.Do(sessionID, func() (interface{}, error) {
		c, err := s.store.Get(ctx, sessionID)
		if errors.Is(err, ErrCartNotFound) {
			return domain.NewCart(sessionID), nil
		}
		if err != nil {
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).WithField("session_id", sessionID).Error("get cart failed")
		return nil, err
	}

	// every caller of a shared flight gets its own copy
	return copyCart(v.(*domain.Cart)), nil
}

func (s *Service) AddItem(ctx context.Context, sessionID, productID string, qty int32) (*domain.Cart, error) {
	return s.store.Update(ctx, sessionID, func(c *domain.Cart) error {
		return c.AddItem(productID, qty)
	})
}

func (s *Service) RemoveItem(ctx context.Context, sessionID, productID string) (*domain.Cart, error) {
	return s.store.Update(ctx, sessionID, func(c *domain.Cart) error {
		return c.RemoveItem(productID)
	})
}

func (s *Service) UpdateQuantity(ctx context.Context, sessionID, productID string, qty int32) (*domain.Cart, error) {
	return s.store.Update(ctx, sessionID, func(c *domain.Cart) error {
		return c.UpdateQuantity(productID, qty)
	})
}

// Snapshot returns the lines that a checkout of this session would price.
func (s *Service) Snapshot(ctx context.Context, sessionID string) ([]domain.CartLine, error) {
	c, err := s.GetCart(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.Snapshot(), nil
}

func (s *Service) Clear(ctx context.Context, sessionID string) error {
	if err := s.store.Delete(ctx, sessionID); err != nil {
		logger.FromContext(ctx).WithError(err).WithField("session_id", sessionID).Error("clear cart failed")
		return err
	}
	return nil
}
