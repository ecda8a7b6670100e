package order

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/internal/payment"
	"github.com/fjod/go_cart/order-core/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// mockPayments lets a test decide what Charge does.
type mockPayments struct {
	mu        sync.Mutex
	charge    func(ctx context.Context, o *domain.Order) (payment.Result, error)
	refundErr error
	charges   int
	refunds   []string
}

func (m *mockPayments) Charge(ctx context.Context, o *domain.Order) (payment.Result, error) {
	m.mu.Lock()
	m.charges++
	fn := m.charge
	m.mu.Unlock()
	if fn == nil {
		return payment.Result{ReceiptID: "r-" + o.ID}, nil
	}
	return fn(ctx, o)
}

func (m *mockPayments) Refund(_ context.Context, o *domain.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refundErr != nil {
		return m.refundErr
	}
	m.refunds = append(m.refunds, o.ID)
	return nil
}

func (m *mockPayments) chargeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.charges
}

// brokenReleaseLedger fails every Release.
type brokenReleaseLedger struct {
	Ledger
}

func (brokenReleaseLedger) Release(string) error {
	return errors.New("ledger unreachable")
}

type mockCarts struct {
	mu      sync.Mutex
	cleared []string
}

func (m *mockCarts) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared = append(m.cleared, sessionID)
	return nil
}

// failOnceStore fails the first write that moves an order into failState.
type failOnceStore struct {
	*repository.MemoryStore
	failState domain.OrderState

	mu     sync.Mutex
	failed bool
}

func (s *failOnceStore) UpdateOrder(ctx context.Context, order *domain.Order, event *repository.OutboxEvent) error {
	s.mu.Lock()
	if !s.failed && order.State == s.failState {
		s.failed = true
		s.mu.Unlock()
		return errors.New("connection reset by peer")
	}
	s.mu.Unlock()
	return s.MemoryStore.UpdateOrder(ctx, order, event)
}

// statusOutageGateway fails the first failQueries status queries.
type statusOutageGateway struct {
	*payment.SimulatedGateway

	mu          sync.Mutex
	failQueries int
}

func (g *statusOutageGateway) QueryStatus(ctx context.Context, token string) (payment.Outcome, error) {
	g.mu.Lock()
	if g.failQueries > 0 {
		g.failQueries--
		g.mu.Unlock()
		return payment.Outcome{}, errors.New("status endpoint unavailable")
	}
	g.mu.Unlock()
	return g.SimulatedGateway.QueryStatus(ctx, token)
}
