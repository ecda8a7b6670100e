package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/shopspring/decimal"
)

// Catalog is the price lookup used at checkout. It is not the stock authority.
type Catalog interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	GetAllProducts(ctx context.Context) ([]*domain.Product, error)
}

// MemoryCatalog is seeded at startup and mutated by price updates only.
type MemoryCatalog struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

func NewMemoryCatalog(seed ...domain.Product) *MemoryCatalog {
	c := &MemoryCatalog{products: make(map[string]domain.Product, len(seed))}
	for _, p := range seed {
		c.products[p.ID] = p
	}
	return c
}

func (c *MemoryCatalog) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, domain.ErrProductNotFound)
	}
	return &p, nil
}

func (c *MemoryCatalog) GetAllProducts(_ context.Context) ([]*domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	products := make([]*domain.Product, 0, len(c.products))
	for _, p := range c.products {
		p := p
		products = append(products, &p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func (c *MemoryCatalog) Upsert(p domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

// SetPrice changes the price of future checkouts. Existing orders keep their snapshot.
func (c *MemoryCatalog) SetPrice(id string, price decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("price of %s must not be negative", id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.products[id]
	if !ok {
		return fmt.Errorf("product %s: %w", id, domain.ErrProductNotFound)
	}
	p.Price = price
	c.products[id] = p
	return nil
}
