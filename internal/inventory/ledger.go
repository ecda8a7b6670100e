package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/pkg/logger"
	"github.com/fjod/go_cart/order-core/pkg/metrics"
	"github.com/google/uuid"
)

const (
	// DefaultReservationTTL is how long a reservation is valid before auto-expiring
	DefaultReservationTTL = 5 * time.Minute

	// DefaultSweepInterval is how often the background cleanup runs
	DefaultSweepInterval = 30 * time.Second

	persistTimeout = 5 * time.Second
)

type stockEntry struct {
	mu       sync.Mutex
	total    int32
	reserved int32
}

// Ledger is an in-memory Store. Stock counters are locked per product, so
// reservations on different products never contend. With a Repository every
// change is also written through, and Load restores the ledger on start.
type Ledger struct {
	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	metrics       *metrics.Metrics
	repo          Repository

	stocksMu sync.RWMutex
	stocks   map[string]*stockEntry // productID -> counters

	resMu        sync.Mutex
	reservations map[string]*domain.Reservation // token -> reservation

	listenerMu sync.RWMutex
	listener   ExpiryListener

	stopCleanup chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type Option func(*Ledger)

func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.ttl = ttl }
}

func WithSweepInterval(d time.Duration) Option {
	return func(l *Ledger) { l.sweepInterval = d }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithRepository(repo Repository) Option {
	return func(l *Ledger) { l.repo = repo }
}

// NewLedger creates a ledger and starts its expiry sweeper.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		ttl:           DefaultReservationTTL,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		stocks:        make(map[string]*stockEntry),
		reservations:  make(map[string]*domain.Reservation),
		stopCleanup:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.cleanupLoop()

	return l
}

// OnExpire registers the listener notified by the sweeper.
func (l *Ledger) OnExpire(fn ExpiryListener) {
	l.listenerMu.Lock()
	defer l.listenerMu.Unlock()
	l.listener = fn
}

// Load replaces the ledger's contents with the stored stock and open
// reservations. Reservations that ran out while the process was down are
// expired by the next sweep, which also notifies the listener.
func (l *Ledger) Load(ctx context.Context) error {
	if l.repo == nil {
		return nil
	}
	stocks, err := l.repo.LoadStock(ctx)
	if err != nil {
		return fmt.Errorf("load stock: %w", err)
	}
	open, err := l.repo.LoadOpenReservations(ctx)
	if err != nil {
		return fmt.Errorf("load reservations: %w", err)
	}

	entries := make(map[string]*stockEntry, len(stocks))
	for _, st := range stocks {
		entries[st.ProductID] = &stockEntry{total: st.Total}
	}
	reservations := make(map[string]*domain.Reservation, len(open))
	for i := range open {
		r := open[i]
		e, ok := entries[r.ProductID]
		if !ok {
			logger.L().WithField("token", r.Token).WithField("product_id", r.ProductID).
				Warn("open reservation for unknown product, skipped")
			continue
		}
		e.reserved += r.Quantity
		reservations[r.Token] = &r
	}

	l.stocksMu.Lock()
	l.stocks = entries
	l.stocksMu.Unlock()
	l.resMu.Lock()
	l.reservations = reservations
	l.resMu.Unlock()

	logger.L().WithField("products", len(entries)).
		WithField("open_reservations", len(reservations)).
		Info("ledger loaded")
	return nil
}

func (l *Ledger) persist(fn func(ctx context.Context, repo Repository) error) error {
	if l.repo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	return fn(ctx, l.repo)
}

// saveReservation writes a status change the ledger has already applied.
// A lost write leaves an open row behind, which expires after a restart.
func (l *Ledger) saveReservation(r domain.Reservation) {
	err := l.persist(func(ctx context.Context, repo Repository) error {
		return repo.SaveReservation(ctx, r)
	})
	if err != nil {
		logger.L().WithError(err).WithField("token", r.Token).
			WithField("status", string(r.Status)).
			Warn("failed to persist reservation")
	}
}

func (l *Ledger) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.ExpireReservations()
		case <-l.stopCleanup:
			return
		}
	}
}

// ExpireReservations expires every open reservation past its TTL, restores
// its stock and notifies the listener. It returns the number expired.
func (l *Ledger) ExpireReservations() int {
	now := l.now()

	l.resMu.Lock()
	var expired []domain.Reservation
	for token, r := range l.reservations {
		switch {
		case r.Status == domain.ReservationReserved && r.IsExpiredAt(now):
			r.Status = domain.ReservationExpired
			expired = append(expired, *r)
		case r.Status != domain.ReservationReserved && now.Sub(r.ExpiresAt) > l.ttl:
			// finished long enough ago that nobody will ask about it again
			delete(l.reservations, token)
		}
	}
	l.resMu.Unlock()

	for _, r := range expired {
		l.restore(r.ProductID, r.Quantity)
		l.saveReservation(r)
		l.metrics.Reservation("expire", "ok")
		logger.L().WithField("token", r.Token).
			WithField("order_id", r.OrderID).
			WithField("product_id", r.ProductID).
			Info("reservation expired, stock restored")
	}

	l.listenerMu.RLock()
	listener := l.listener
	l.listenerMu.RUnlock()
	if listener != nil {
		for _, r := range expired {
			listener(r)
		}
	}
	return len(expired)
}

func (l *Ledger) entry(productID string) (*stockEntry, bool) {
	l.stocksMu.RLock()
	defer l.stocksMu.RUnlock()
	e, ok := l.stocks[productID]
	return e, ok
}

// Reserve is a compare-and-decrement on the product's available stock.
func (l *Ledger) Reserve(orderID, productID string, qty int32) (string, error) {
	if qty <= 0 {
		return "", fmt.Errorf("reserve %s: %w", productID, domain.ErrInvalidQuantity)
	}
	e, ok := l.entry(productID)
	if !ok {
		l.metrics.Reservation("reserve", "not_found")
		return "", fmt.Errorf("reserve %s: %w", productID, domain.ErrProductNotFound)
	}

	e.mu.Lock()
	available := e.total - e.reserved
	if available < qty {
		e.mu.Unlock()
		l.metrics.Reservation("reserve", "insufficient")
		return "", fmt.Errorf("%w: product %s requested %d available %d",
			domain.ErrInsufficientStock, productID, qty, available)
	}
	e.reserved += qty
	e.mu.Unlock()

	now := l.now()
	r := &domain.Reservation{
		Token:     uuid.NewString(),
		OrderID:   orderID,
		ProductID: productID,
		Quantity:  qty,
		Status:    domain.ReservationReserved,
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}

	if err := l.persist(func(ctx context.Context, repo Repository) error {
		return repo.SaveReservation(ctx, *r)
	}); err != nil {
		l.restore(productID, qty)
		l.metrics.Reservation("reserve", "error")
		return "", fmt.Errorf("persist reservation of %s: %w", productID, err)
	}

	l.resMu.Lock()
	l.reservations[r.Token] = r
	l.resMu.Unlock()

	l.metrics.Reservation("reserve", "ok")
	return r.Token, nil
}

// Commit finalizes a reservation after successful payment
func (l *Ledger) Commit(token string) error {
	return l.CommitAll([]string{token})
}

// CommitAll commits a batch of reservations all-or-nothing. If any of them
// has expired, the expired ones are restored and none of the batch is
// committed, so the caller can release the rest. Tokens already committed
// are accepted again. A failed write leaves the batch reserved.
func (l *Ledger) CommitAll(tokens []string) error {
	now := l.now()

	l.resMu.Lock()
	batch := make([]*domain.Reservation, 0, len(tokens))
	var expired []*domain.Reservation
	var timedOut []domain.Reservation
	for _, token := range tokens {
		r, ok := l.reservations[token]
		if !ok {
			l.resMu.Unlock()
			return fmt.Errorf("commit %s: %w", token, ErrReservationNotFound)
		}
		switch r.Status {
		case domain.ReservationCommitted:
			continue
		case domain.ReservationExpired:
			expired = append(expired, r)
			continue
		case domain.ReservationReleased:
			l.resMu.Unlock()
			return fmt.Errorf("commit %s in status %s: %w", token, r.Status, ErrInvalidStatus)
		}
		if r.IsExpiredAt(now) {
			// the sweeper has not reached it yet
			r.Status = domain.ReservationExpired
			l.restore(r.ProductID, r.Quantity)
			l.metrics.Reservation("commit", "expired")
			expired = append(expired, r)
			timedOut = append(timedOut, *r)
			continue
		}
		batch = append(batch, r)
	}
	if len(expired) > 0 {
		l.resMu.Unlock()
		for _, r := range timedOut {
			l.saveReservation(r)
		}
		return fmt.Errorf("commit %s: %w", expired[0].Token, domain.ErrReservationExpired)
	}
	committed := make([]domain.Reservation, 0, len(batch))
	for _, r := range batch {
		r.Status = domain.ReservationCommitted
		committed = append(committed, *r)
	}
	l.resMu.Unlock()

	if len(committed) == 0 {
		return nil
	}

	entries := l.lockEntries(committed)
	err := l.persist(func(ctx context.Context, repo Repository) error {
		return repo.CommitReservations(ctx, committed)
	})
	if err == nil {
		for _, r := range committed {
			e := entries[r.ProductID]
			e.total -= r.Quantity
			e.reserved -= r.Quantity
		}
	}
	unlockEntries(entries)

	if err != nil {
		l.resMu.Lock()
		for _, r := range batch {
			r.Status = domain.ReservationReserved
		}
		l.resMu.Unlock()
		l.metrics.Reservation("commit", "error")
		return fmt.Errorf("persist commit: %w", err)
	}
	for range committed {
		l.metrics.Reservation("commit", "ok")
	}
	return nil
}

// lockEntries locks the counters of every product in rs in id order.
func (l *Ledger) lockEntries(rs []domain.Reservation) map[string]*stockEntry {
	entries := make(map[string]*stockEntry, len(rs))
	ids := make([]string, 0, len(rs))
	for _, r := range rs {
		if _, ok := entries[r.ProductID]; ok {
			continue
		}
		e, _ := l.entry(r.ProductID)
		entries[r.ProductID] = e
		ids = append(ids, r.ProductID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		entries[id].mu.Lock()
	}
	return entries
}

func unlockEntries(entries map[string]*stockEntry) {
	for _, e := range entries {
		e.mu.Unlock()
	}
}

// CheckHeld reports whether every token still holds its stock. It fails
// with domain.ErrReservationExpired, ErrReservationNotFound or
// ErrInvalidStatus and changes nothing.
func (l *Ledger) CheckHeld(tokens []string) error {
	now := l.now()

	l.resMu.Lock()
	defer l.resMu.Unlock()
	for _, token := range tokens {
		r, ok := l.reservations[token]
		if !ok {
			return fmt.Errorf("check %s: %w", token, ErrReservationNotFound)
		}
		switch {
		case r.Status == domain.ReservationExpired,
			r.Status == domain.ReservationReserved && r.IsExpiredAt(now):
			return fmt.Errorf("check %s: %w", token, domain.ErrReservationExpired)
		case r.Status != domain.ReservationReserved:
			return fmt.Errorf("check %s in status %s: %w", token, r.Status, ErrInvalidStatus)
		}
	}
	return nil
}

// Release cancels a reservation and returns its stock to the available pool.
func (l *Ledger) Release(token string) error {
	l.resMu.Lock()
	r, ok := l.reservations[token]
	if !ok {
		l.resMu.Unlock()
		return ErrReservationNotFound
	}
	switch r.Status {
	case domain.ReservationReleased, domain.ReservationExpired:
		l.resMu.Unlock()
		return nil
	case domain.ReservationCommitted:
		l.resMu.Unlock()
		return fmt.Errorf("release %s: %w", token, ErrInvalidStatus)
	}

	r.Status = domain.ReservationReleased
	released := *r
	l.resMu.Unlock()

	l.restore(released.ProductID, released.Quantity)
	l.saveReservation(released)
	l.metrics.Reservation("release", "ok")
	return nil
}

func (l *Ledger) restore(productID string, qty int32) {
	e, ok := l.entry(productID)
	if !ok {
		return
	}
	e.mu.Lock()
	e.reserved -= qty
	e.mu.Unlock()
}

// Reservation returns a copy of the reservation behind token.
func (l *Ledger) Reservation(token string) (domain.Reservation, error) {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	r, ok := l.reservations[token]
	if !ok {
		return domain.Reservation{}, ErrReservationNotFound
	}
	return *r, nil
}

func (l *Ledger) Stock(productID string) (domain.StockInfo, error) {
	e, ok := l.entry(productID)
	if !ok {
		return domain.StockInfo{}, fmt.Errorf("stock %s: %w", productID, domain.ErrProductNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.StockInfo{ProductID: productID, Total: e.total, Reserved: e.reserved}, nil
}

// GetStock returns stock information for the given product IDs, skipping unknown ones.
func (l *Ledger) GetStock(productIDs []string) []domain.StockInfo {
	result := make([]domain.StockInfo, 0, len(productIDs))
	for _, id := range productIDs {
		if s, err := l.Stock(id); err == nil {
			result = append(result, s)
		}
	}
	return result
}

// SetStock sets the physical stock of a product. Open reservations are kept,
// so the new total may not drop below what is currently reserved.
func (l *Ledger) SetStock(productID string, total int32) error {
	if total < 0 {
		return fmt.Errorf("set stock %s: %w", productID, ErrNegativeStock)
	}

	l.stocksMu.Lock()
	e, ok := l.stocks[productID]
	if !ok {
		defer l.stocksMu.Unlock()
		if err := l.saveStock(productID, total); err != nil {
			return err
		}
		l.stocks[productID] = &stockEntry{total: total}
		return nil
	}
	l.stocksMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if total < e.reserved {
		return fmt.Errorf("%w: product %s total %d below reserved %d",
			domain.ErrInsufficientStock, productID, total, e.reserved)
	}
	if err := l.saveStock(productID, total); err != nil {
		return err
	}
	e.total = total
	return nil
}

func (l *Ledger) saveStock(productID string, total int32) error {
	err := l.persist(func(ctx context.Context, repo Repository) error {
		return repo.SaveStock(ctx, productID, total)
	})
	if err != nil {
		return fmt.Errorf("persist stock of %s: %w", productID, err)
	}
	return nil
}

// Close stops the background cleanup and waits for it to finish
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() { close(l.stopCleanup) })
	l.wg.Wait()
	return nil
}
