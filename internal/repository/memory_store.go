package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
)

// MemoryStore keeps records in append-only arenas addressed by index.
// Records are copied on the way in and out.
type MemoryStore struct {
	mu sync.RWMutex

	orders     []domain.Order
	orderByID  map[string]int
	orderByKey map[string]int

	attempts      []domain.PaymentAttempt
	attemptByID   map[string]int
	attemptsByOrd map[string][]int

	outbox     []OutboxEvent
	outboxByID map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orderByID:     make(map[string]int),
		orderByKey:    make(map[string]int),
		attemptByID:   make(map[string]int),
		attemptsByOrd: make(map[string][]int),
		outboxByID:    make(map[string]int),
	}
}

func (s *MemoryStore) CreateOrder(_ context.Context, order *domain.Order, event *OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orderByID[order.ID]; ok {
		return ErrDuplicateCheckout
	}
	if order.IdempotencyKey != "" {
		if _, ok := s.orderByKey[order.IdempotencyKey]; ok {
			return ErrDuplicateCheckout
		}
	}

	order.Version = 1
	idx := len(s.orders)
	s.orders = append(s.orders, *order.Clone())
	s.orderByID[order.ID] = idx
	if order.IdempotencyKey != "" {
		s.orderByKey[order.IdempotencyKey] = idx
	}
	s.appendEvent(event)
	return nil
}

func (s *MemoryStore) UpdateOrder(_ context.Context, order *domain.Order, event *OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.orderByID[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if s.orders[idx].Version != order.Version {
		return ErrConcurrentUpdate
	}

	order.Version++
	s.orders[idx] = *order.Clone()
	s.appendEvent(event)
	return nil
}

func (s *MemoryStore) appendEvent(event *OutboxEvent) {
	if event == nil {
		return
	}
	s.outboxByID[event.ID] = len(s.outbox)
	s.outbox = append(s.outbox, *event)
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.orderByID[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return s.orders[idx].Clone(), nil
}

func (s *MemoryStore) GetOrderByIdempotencyKey(_ context.Context, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.orderByKey[key]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return s.orders[idx].Clone(), nil
}

func (s *MemoryStore) ListOrdersBySession(_ context.Context, sessionID string) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Order
	for i := range s.orders {
		if s.orders[i].SessionID == sessionID {
			out = append(out, s.orders[i].Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListOrdersByState(_ context.Context, state domain.OrderState, updatedBefore time.Time) ([]*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Order
	for i := range s.orders {
		o := &s.orders[i]
		if o.State == state && o.UpdatedAt.Before(updatedBefore) {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateAttempt(_ context.Context, a *domain.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attemptByID[a.ID]; ok {
		return ErrAttemptConflict
	}
	for _, i := range s.attemptsByOrd[a.OrderID] {
		switch s.attempts[i].Outcome {
		case domain.PaymentPending:
			if a.Outcome == domain.PaymentPending {
				return ErrAttemptConflict
			}
		case domain.PaymentSuccess:
			if a.Outcome == domain.PaymentSuccess {
				return domain.ErrDuplicatePayment
			}
		}
	}

	idx := len(s.attempts)
	s.attempts = append(s.attempts, *a)
	s.attemptByID[a.ID] = idx
	s.attemptsByOrd[a.OrderID] = append(s.attemptsByOrd[a.OrderID], idx)
	return nil
}

func (s *MemoryStore) UpdateAttempt(_ context.Context, a *domain.PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.attemptByID[a.ID]
	if !ok {
		return ErrAttemptNotFound
	}
	if a.Outcome == domain.PaymentSuccess {
		for _, i := range s.attemptsByOrd[a.OrderID] {
			if i != idx && s.attempts[i].Outcome == domain.PaymentSuccess {
				return domain.ErrDuplicatePayment
			}
		}
	}
	s.attempts[idx] = *a
	return nil
}

func (s *MemoryStore) ListAttempts(_ context.Context, orderID string) ([]*domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idxs := s.attemptsByOrd[orderID]
	out := make([]*domain.PaymentAttempt, 0, len(idxs))
	for _, i := range idxs {
		a := s.attempts[i]
		out = append(out, &a)
	}
	return out, nil
}

func (s *MemoryStore) ListPendingAttempts(_ context.Context, createdBefore time.Time) ([]*domain.PaymentAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.PaymentAttempt
	for i := range s.attempts {
		a := s.attempts[i]
		if a.Outcome == domain.PaymentPending && a.CreatedAt.Before(createdBefore) {
			out = append(out, &a)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetUnprocessedEvents(_ context.Context, limit int) ([]*OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*OutboxEvent
	for i := range s.outbox {
		if s.outbox[i].ProcessedAt != nil {
			continue
		}
		e := s.outbox[i]
		out = append(out, &e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkEventAsProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.outboxByID[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	s.outbox[idx].ProcessedAt = &now
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
