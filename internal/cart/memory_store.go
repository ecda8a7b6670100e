package cart

import (
	"context"
	"sync"

	"github.com/fjod/go_cart/order-core/internal/domain"
)

// MemoryStore keeps carts in process. Callers always get copies.
type MemoryStore struct {
	mu    sync.Mutex
	carts map[string]*domain.Cart
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string]*domain.Cart)}
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[sessionID]
	if !ok {
		return nil, ErrCartNotFound
	}
	return copyCart(c), nil
}

func (s *MemoryStore) Update(_ context.Context, sessionID string, fn MutateFunc) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.carts[sessionID]
	if ok {
		c = copyCart(c)
	} else {
		c = domain.NewCart(sessionID)
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	s.carts[sessionID] = c
	return copyCart(c), nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, sessionID)
	return nil
}

func copyCart(c *domain.Cart) *domain.Cart {
	out := *c
	out.Lines = c.Snapshot()
	return &out
}
