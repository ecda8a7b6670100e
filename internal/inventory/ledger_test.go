package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
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

func setupLedger(t *testing.T, opts ...Option) *Ledger {
	// long sweep interval: tests drive expiry explicitly
	opts = append([]Option{WithSweepInterval(time.Hour)}, opts...)
	l := NewLedger(opts...)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_SetStock_And_GetStock(t *testing.T) {
	l := setupLedger(t)

	require.NoError(t, l.SetStock("A", 100))
	require.NoError(t, l.SetStock("B", 200))

	stocks := l.GetStock([]string{"A", "B", "C"})
	assert.Len(t, stocks, 2)

	stockMap := make(map[string]domain.StockInfo)
	for _, s := range stocks {
		stockMap[s.ProductID] = s
	}
	assert.Equal(t, int32(100), stockMap["A"].Total)
	assert.Equal(t, int32(100), stockMap["A"].Available())
	assert.Equal(t, int32(200), stockMap["B"].Total)
}

func TestLedger_SetStock_Negative(t *testing.T) {
	l := setupLedger(t)
	assert.ErrorIs(t, l.SetStock("A", -1), ErrNegativeStock)
}

func TestLedger_SetStock_BelowReserved(t *testing.T) {
	l := setupLedger(t)
	require.NoError(t, l.SetStock("A", 10))
	_, err := l.Reserve("o1", "A", 6)
	require.NoError(t, err)

	err = l.SetStock("A", 5)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	require.NoError(t, l.SetStock("A", 20))
	s, _ := l.Stock("A")
	assert.Equal(t, int32(14), s.Available())
}

func TestLedger_Reserve_Success(t *testing.T) {
	l := setupLedger(t)
	require.NoError(t, l.SetStock("A", 100))

	token, err := l.Reserve("order-1", "A", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	r, err := l.Reservation(token)
	require.NoError(t, err)
	assert.Equal(t, "order-1", r.OrderID)
	assert.Equal(t, domain.ReservationReserved, r.Status)
	assert.Equal(t, int32(10), r.Quantity)

	s, _ := l.Stock("A")
	assert.Equal(t, int32(100), s.Total)
	assert.Equal(t, int32(10), s.Reserved)
	assert.Equal(t, int32(90), s.Available())
}

func TestLedger_Reserve_InsufficientStock(t *testing.T) {
	l := setupLedger(t)
	require.NoError(t, l.SetStock("A", 10))

	_, err := l.Reserve("order-1", "A", 20)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	s, _ := l.Stock("A")
	assert.Equal(t, int32(0), s.Reserved)
}

func TestLedger_Reserve_UnknownProduct(t *testing.T) {
	l := setupLedger(t)
	_, err := l.Reserve("order-1", "missing", 1)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestLedger_Reserve_InvalidQuantity(t *testing.T) {
	l := setupLedger(t)
	require.NoError(t, l.SetStock("A", 10))

	_, err := l.Reserve("order-1", "A", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
	_, err = l.Reserve("order-1", "A", -3)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestLedger_Commit(t *testing.T) {
	l := setupLedger(t)
	require.NoError(t, l.SetStock("A", 100))

	token, err := l.Reserve("order-1", "A", 10)
	require.NoError(t, err)
	require.NoError(t, l.Commit(token))

	s, _ := l.Stock("A")
	assert.Equal(t, int32(90), s.Total)
	assert.Equal(t, int32(0), s.Reserved)
	assert.Equal(t, int32(90), s.Available())

	r, _ := l.Reservation(token)
	assert.Equal(t, domain.ReservationCommitted, r.Status)

	// committing again is a no-op
	require.NoError(t, l.Commit(token))
	s, _ = l.Stock("A")
	assert.Equal(t, int32(90), s.Total)
}

func TestLedger_CommitAll_ExpiredCommitsNothing(t *testing.T) {
	clock := newFakeClock()
	l := setupLedger(t, WithTTL(time.Minute), WithClock(clock.Now))
	require.NoError(t, l.SetStock("A", 10))
	require.NoError(t, l.SetStock("B", 10))

	early, err := l.Reserve("order-1", "A", 2)
	require.NoError(t, err)
	clock.Advance(40 * time.Second)
	late, err := l.Reserve("order-1", "B", 3)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)

	err = l.CommitAll([]string{early, late})
	assert.ErrorIs(t, err, domain.ErrReservationExpired)

	a, _ := l.Stock("A")
	assert.Equal(t, int32(10), a.Total)
	assert.Equal(t, int32(0), a.Reserved)

	// the surviving reservation is untouched and can be released
	b, _ := l.Stock("B")
	assert.Equal(t, int32(10), b.Total)
	assert.Equal(t, int32(3), b.Reserved)
	require.NoError(t, l.Release(late))
	b, _ = l.Stock("B")
	assert.Equal(t, int32(10), b.Available())
}

func TestLedger_CommitAll(t *testing.T) {
	l := setupLedger(t)
	require.NoError(t, l.SetStock("A", 10))
	require.NoError(t, l.SetStock("B", 10))

	t1, _ := l.Reserve("order-1", "A", 2)
	t2, _ := l.Reserve("order-1", "B", 3)
	require.NoError(t, l.CommitAll([]string{t1, t2}))

	a, _ := l.Stock("A")
	b, _ := l.Stock("B")
	assert.Equal(t, int32(8), a.Total)
	assert.Equal(t, int32(7), b.Total)
	assert.Equal(t, int32(0), a.Reserved+b.Reserved)
}

func TestLedger_Commit_NotFound(t *testing.T) {
	l := setupLedger(t)
	assert.ErrorIs(t, l.Commit("nope"), ErrReservationNotFound)
}

func TestLedger_Release(t *testing.T) {
	l := setupLedger(t)
	require.NoError(t, l.SetStock("A", 100))

	token, err := l.Reserve("order-1", "A", 10)
	require.NoError(t, err)
	require.NoError(t, l.Release(token))

	s, _ := l.Stock("A")
	assert.Equal(t, int32(100), s.Available())

	// release is idempotent
	require.NoError(t, l.Release(token))
	s, _ = l.Stock("A")
	assert.Equal(t, int32(100), s.Available())

	// and a released reservation cannot be committed
	assert.ErrorIs(t, l.Commit(token), ErrInvalidStatus)
}

func TestLedger_Release_Committed(t *testing.T) {
	l := setupLedger(t)
	require.NoError(t, l.SetStock("A", 100))

	token, _ := l.Reserve("order-1", "A", 10)
	require.NoError(t, l.Commit(token))
	assert.ErrorIs(t, l.Release(token), ErrInvalidStatus)
}

func TestLedger_Expiry_RestoresStockAndNotifies(t *testing.T) {
	clock := newFakeClock()
	l := setupLedger(t, WithTTL(time.Minute), WithClock(clock.Now))
	require.NoError(t, l.SetStock("A", 10))

	var got []domain.Reservation
	l.OnExpire(func(r domain.Reservation) { got = append(got, r) })

	token, err := l.Reserve("order-1", "A", 4)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	assert.Equal(t, 0, l.ExpireReservations())

	clock.Advance(31 * time.Second)
	assert.Equal(t, 1, l.ExpireReservations())

	s, _ := l.Stock("A")
	assert.Equal(t, int32(10), s.Available())
	require.Len(t, got, 1)
	assert.Equal(t, token, got[0].Token)
	assert.Equal(t, "order-1", got[0].OrderID)
	assert.Equal(t, domain.ReservationExpired, got[0].Status)

	// commit after expiry fails, release is a no-op
	assert.ErrorIs(t, l.Commit(token), domain.ErrReservationExpired)
	assert.NoError(t, l.Release(token))
	s, _ = l.Stock("A")
	assert.Equal(t, int32(10), s.Available())
}

func TestLedger_Commit_PastTTLBeforeSweep(t *testing.T) {
	clock := newFakeClock()
	l := setupLedger(t, WithTTL(time.Minute), WithClock(clock.Now))
	require.NoError(t, l.SetStock("A", 10))

	token, err := l.Reserve("order-1", "A", 3)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	assert.ErrorIs(t, l.Commit(token), domain.ErrReservationExpired)

	s, _ := l.Stock("A")
	assert.Equal(t, int32(10), s.Total)
	assert.Equal(t, int32(0), s.Reserved)

	// sweeper must not restore it twice
	assert.Equal(t, 0, l.ExpireReservations())
	s, _ = l.Stock("A")
	assert.Equal(t, int32(0), s.Reserved)
}

func TestLedger_Sweep_PrunesFinishedReservations(t *testing.T) {
	clock := newFakeClock()
	l := setupLedger(t, WithTTL(time.Minute), WithClock(clock.Now))
	require.NoError(t, l.SetStock("A", 10))

	token, _ := l.Reserve("order-1", "A", 1)
	require.NoError(t, l.Commit(token))

	clock.Advance(3 * time.Minute)
	l.ExpireReservations()

	_, err := l.Reservation(token)
	assert.ErrorIs(t, err, ErrReservationNotFound)
}

func TestLedger_BackgroundSweeper(t *testing.T) {
	l := NewLedger(WithTTL(20*time.Millisecond), WithSweepInterval(10*time.Millisecond))
	t.Cleanup(func() { l.Close() })

	expired := make(chan domain.Reservation, 1)
	l.OnExpire(func(r domain.Reservation) { expired <- r })

	require.NoError(t, l.SetStock("A", 5))
	_, err := l.Reserve("order-1", "A", 5)
	require.NoError(t, err)

	select {
	case r := <-expired:
		assert.Equal(t, "order-1", r.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not expire reservation")
	}

	s, _ := l.Stock("A")
	assert.Equal(t, int32(5), s.Available())
}

// Many concurrent reservations on the same product never oversell.
func TestLedger_ConcurrentReservations(t *testing.T) {
	l := setupLedger(t)
	require.NoError(t, l.SetStock("A", 50))

	const workers = 20
	const perWorker = 10

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := l.Reserve("order", "A", 1); err == nil {
					ok.Add(1)
				} else {
					assert.ErrorIs(t, err, domain.ErrInsufficientStock)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(50), ok.Load())
	s, _ := l.Stock("A")
	assert.Equal(t, int32(50), s.Reserved)
	assert.Equal(t, int32(0), s.Available())
}

// Reserve and release interleaved across products keep counters consistent.
func TestLedger_ConcurrentReserveRelease(t *testing.T) {
	l := setupLedger(t)
	products := []string{"A", "B", "C"}
	for _, p := range products {
		require.NoError(t, l.SetStock(p, 30))
	}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := products[i%len(products)]
			token, err := l.Reserve("order", p, 2)
			if err != nil {
				return
			}
			if i%2 == 0 {
				assert.NoError(t, l.Release(token))
			} else {
				assert.NoError(t, l.Commit(token))
			}
		}(i)
	}
	wg.Wait()

	for _, p := range products {
		s, _ := l.Stock(p)
		assert.Equal(t, int32(0), s.Reserved, p)
		assert.GreaterOrEqual(t, s.Total, int32(0), p)
	}
}

// memoryRepository is a Repository kept in maps.
type memoryRepository struct {
	mu           sync.Mutex
	stock        map[string]int32
	reservations map[string]domain.Reservation
	commitErr    error
	saveErr      error
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{stock: map[string]int32{}, reservations: map[string]domain.Reservation{}}
}

func (m *memoryRepository) LoadStock(context.Context) ([]domain.StockInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StockInfo
	for id, total := range m.stock {
		out = append(out, domain.StockInfo{ProductID: id, Total: total})
	}
	return out, nil
}

func (m *memoryRepository) LoadOpenReservations(context.Context) ([]domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Reservation
	for _, r := range m.reservations {
		if r.Status == domain.ReservationReserved {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memoryRepository) SaveStock(_ context.Context, productID string, total int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[productID] = total
	return nil
}

func (m *memoryRepository) SaveReservation(_ context.Context, r domain.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.reservations[r.Token] = r
	return nil
}

func (m *memoryRepository) CommitReservations(_ context.Context, rs []domain.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return m.commitErr
	}
	for _, r := range rs {
		m.stock[r.ProductID] -= r.Quantity
		m.reservations[r.Token] = r
	}
	return nil
}

func TestLedger_Repository_SurvivesRestart(t *testing.T) {
	repo := newMemoryRepository()
	l := setupLedger(t, WithRepository(repo))
	require.NoError(t, l.SetStock("A", 10))

	sold, err := l.Reserve("order-1", "A", 4)
	require.NoError(t, err)
	require.NoError(t, l.Commit(sold))
	held, err := l.Reserve("order-2", "A", 2)
	require.NoError(t, err)
	released, err := l.Reserve("order-3", "A", 1)
	require.NoError(t, err)
	require.NoError(t, l.Release(released))
	require.NoError(t, l.Close())

	restarted := setupLedger(t, WithRepository(repo))
	require.NoError(t, restarted.Load(context.Background()))

	s, err := restarted.Stock("A")
	require.NoError(t, err)
	assert.Equal(t, int32(6), s.Total)
	assert.Equal(t, int32(2), s.Reserved)

	assert.NoError(t, restarted.CheckHeld([]string{held}))
	require.NoError(t, restarted.Commit(held))
	s, _ = restarted.Stock("A")
	assert.Equal(t, int32(4), s.Total)
	assert.Equal(t, int32(0), s.Reserved)
}

func TestLedger_CommitAll_WriteFailureKeepsReservations(t *testing.T) {
	repo := newMemoryRepository()
	l := setupLedger(t, WithRepository(repo))
	require.NoError(t, l.SetStock("A", 10))
	require.NoError(t, l.SetStock("B", 10))
	t1, _ := l.Reserve("order-1", "A", 2)
	t2, _ := l.Reserve("order-1", "B", 3)

	repo.commitErr = errors.New("connection reset")
	require.Error(t, l.CommitAll([]string{t1, t2}))

	a, _ := l.Stock("A")
	assert.Equal(t, int32(10), a.Total)
	assert.Equal(t, int32(2), a.Reserved)
	assert.NoError(t, l.CheckHeld([]string{t1, t2}))

	repo.commitErr = nil
	require.NoError(t, l.CommitAll([]string{t1, t2}))
	a, _ = l.Stock("A")
	assert.Equal(t, int32(8), a.Total)
	assert.Equal(t, int32(8), repo.stock["A"])
	assert.Equal(t, int32(7), repo.stock["B"])
}

func TestLedger_Reserve_WriteFailureRestoresStock(t *testing.T) {
	repo := newMemoryRepository()
	l := setupLedger(t, WithRepository(repo))
	require.NoError(t, l.SetStock("A", 5))

	repo.saveErr = errors.New("connection reset")
	_, err := l.Reserve("order-1", "A", 2)
	require.Error(t, err)

	s, _ := l.Stock("A")
	assert.Equal(t, int32(5), s.Available())
}

func TestLedger_CheckHeld(t *testing.T) {
	clock := newFakeClock()
	l := setupLedger(t, WithTTL(time.Minute), WithClock(clock.Now))
	require.NoError(t, l.SetStock("A", 10))

	held, _ := l.Reserve("order-1", "A", 1)
	released, _ := l.Reserve("order-1", "A", 1)
	require.NoError(t, l.Release(released))

	assert.NoError(t, l.CheckHeld([]string{held}))
	assert.ErrorIs(t, l.CheckHeld([]string{held, released}), ErrInvalidStatus)
	assert.ErrorIs(t, l.CheckHeld([]string{"unknown"}), ErrReservationNotFound)

	// past the TTL but not yet swept
	clock.Advance(2 * time.Minute)
	assert.ErrorIs(t, l.CheckHeld([]string{held}), domain.ErrReservationExpired)
	s, _ := l.Stock("A")
	assert.Equal(t, int32(1), s.Reserved, "check must not change anything")
}
