package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
)

type mockAttempts struct {
	mu       sync.Mutex
	attempts []*domain.PaymentAttempt
	err      error
}

func (m *mockAttempts) CreateAttempt(_ context.Context, a *domain.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	for _, e := range m.attempts {
		if e.OrderID == a.OrderID && e.Outcome == domain.PaymentPending {
			return errors.New("pending attempt exists")
		}
	}
	c := *a
	m.attempts = append(m.attempts, &c)
	return nil
}

func (m *mockAttempts) UpdateAttempt(_ context.Context, a *domain.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.attempts {
		if e.ID == a.ID {
			c := *a
			m.attempts[i] = &c
			return nil
		}
	}
	return errors.New("attempt not found")
}

func (m *mockAttempts) ListAttempts(_ context.Context, orderID string) ([]*domain.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*domain.PaymentAttempt
	for _, e := range m.attempts {
		if e.OrderID == orderID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockAttempts) ListPendingAttempts(_ context.Context, before time.Time) ([]*domain.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PaymentAttempt
	for _, e := range m.attempts {
		if e.Outcome == domain.PaymentPending && e.CreatedAt.Before(before) {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockAttempts) byOutcome(o domain.PaymentOutcome) []*domain.PaymentAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.PaymentAttempt
	for _, e := range m.attempts {
		if e.Outcome == o {
			out = append(out, e)
		}
	}
	return out
}

type result struct {
	out Outcome
	err error
}

// mockGateway replays scripted results; the last one repeats.
type mockGateway struct {
	mu        sync.Mutex
	charges   []result
	queries   []result
	refundErr error
	// onCharge runs before a charge returns its scripted result.
	onCharge func()

	chargeCalls int
	queryCalls  int
	refunds     []string
}

func next(rs []result, i int) result {
	if len(rs) == 0 {
		return result{out: Outcome{Status: StatusNotFound}}
	}
	if i >= len(rs) {
		return rs[len(rs)-1]
	}
	return rs[i]
}

func (m *mockGateway) Charge(ctx context.Context, _ ChargeRequest) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.onCharge != nil {
		m.onCharge()
	}
	r := next(m.charges, m.chargeCalls)
	m.chargeCalls++
	return r.out, r.err
}

func (m *mockGateway) QueryStatus(ctx context.Context, _ string) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls++
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	r := next(m.queries, m.queryCalls-1)
	return r.out, r.err
}

func (m *mockGateway) Refund(ctx context.Context, receiptID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.refundErr != nil {
		return m.refundErr
	}
	m.refunds = append(m.refunds, receiptID)
	return nil
}

func (m *mockGateway) calls() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chargeCalls, m.queryCalls
}

type mockOrders struct {
	orders map[string]*domain.Order
}

func (m *mockOrders) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return o, nil
}
