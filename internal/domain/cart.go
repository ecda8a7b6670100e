package domain

import (
	"fmt"
	"time"
)

// CartLine references a product by id, the cart does not own the product.
type CartLine struct {
	ProductID string    `json:"product_id"`
	Quantity  int32     `json:"quantity"`
	AddedAt   time.Time `json:"added_at"`
}

// Cart stages line items for one session until checkout.
// Lines keep insertion order and hold at most one line per product.
type Cart struct {
	SessionID string     `json:"session_id"`
	Lines     []CartLine `json:"lines"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func NewCart(sessionID string) *Cart {
	return &Cart{SessionID: sessionID, UpdatedAt: time.Now().UTC()}
}

// AddItem adds qty to the product's line, creating the line if needed.
func (c *Cart) AddItem(productID string, qty int32) error {
	if qty <= 0 {
		return fmt.Errorf("add %s: %w", productID, ErrInvalidQuantity)
	}
	now := time.Now().UTC()
	if i := c.indexOf(productID); i >= 0 {
		c.Lines[i].Quantity += qty
	} else {
		c.Lines = append(c.Lines, CartLine{ProductID: productID, Quantity: qty, AddedAt: now})
	}
	c.UpdatedAt = now
	return nil
}

func (c *Cart) RemoveItem(productID string) error {
	i := c.indexOf(productID)
	if i < 0 {
		return fmt.Errorf("remove %s: %w", productID, ErrLineNotFound)
	}
	c.Lines = append(c.Lines[:i], c.Lines[i+1:]...)
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateQuantity sets the line quantity. Zero removes the line.
func (c *Cart) UpdateQuantity(productID string, qty int32) error {
	if qty < 0 {
		return fmt.Errorf("update %s: %w", productID, ErrInvalidQuantity)
	}
	if qty == 0 {
		return c.RemoveItem(productID)
	}
	i := c.indexOf(productID)
	if i < 0 {
		return fmt.Errorf("update %s: %w", productID, ErrLineNotFound)
	}
	c.Lines[i].Quantity = qty
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// Snapshot returns a copy of the lines in insertion order.
func (c *Cart) Snapshot() []CartLine {
	out := make([]CartLine, len(c.Lines))
	copy(out, c.Lines)
	return out
}

func (c *Cart) Clear() {
	c.Lines = nil
	c.UpdatedAt = time.Now().UTC()
}

func (c *Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

func (c *Cart) indexOf(productID string) int {
	for i := range c.Lines {
		if c.Lines[i].ProductID == productID {
			return i
		}
	}
	return -1
}
