package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/pkg/circuitbreaker"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Timeout:       time.Second,
		StatusRetries: 3,
		BackoffBase:   time.Millisecond,
		BackoffMax:    4 * time.Millisecond,
	}
}

func testOrder(id string) *domain.Order {
	lines := []domain.OrderLine{{ProductID: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(10)}}
	o := domain.NewOrder(id, "idem-"+id, "s1", "tok-"+id, "USD", lines, time.Now().UTC())
	o.State = domain.OrderStatePaymentPending
	return o
}

var errTimeout = errors.New("i/o timeout")

func TestCoordinator_Charge_Success(t *testing.T) {
	gw := &mockGateway{charges: []result{{out: Outcome{Status: StatusSucceeded, ReceiptID: "r1"}}}}
	attempts := &mockAttempts{}
	c := NewCoordinator(gw, attempts, testConfig())

	res, err := c.Charge(context.Background(), testOrder("o1"))
	require.NoError(t, err)
	assert.Equal(t, "r1", res.ReceiptID)

	ok := attempts.byOutcome(domain.PaymentSuccess)
	require.Len(t, ok, 1)
	assert.Equal(t, "tok-o1", ok[0].IdempotencyToken)
	assert.Empty(t, attempts.byOutcome(domain.PaymentPending))
}

func TestCoordinator_Charge_Declined(t *testing.T) {
	gw := &mockGateway{charges: []result{{out: Outcome{Status: StatusDeclined, Reason: "insufficient funds"}}}}
	attempts := &mockAttempts{}
	c := NewCoordinator(gw, attempts, testConfig())

	_, err := c.Charge(context.Background(), testOrder("o1"))
	require.ErrorIs(t, err, domain.ErrPaymentDeclined)
	assert.Contains(t, err.Error(), "insufficient funds")

	failed := attempts.byOutcome(domain.PaymentFailure)
	require.Len(t, failed, 1)
	assert.Equal(t, "insufficient funds", failed[0].Reason)
}

func TestCoordinator_Charge_AmbiguousResolvedByQuery(t *testing.T) {
	gw := &mockGateway{
		charges: []result{{err: errTimeout}},
		queries: []result{
			{out: Outcome{Status: StatusPending}},
			{out: Outcome{Status: StatusSucceeded, ReceiptID: "r1"}},
		},
	}
	attempts := &mockAttempts{}
	c := NewCoordinator(gw, attempts, testConfig())

	res, err := c.Charge(context.Background(), testOrder("o1"))
	require.NoError(t, err)
	assert.Equal(t, "r1", res.ReceiptID)

	charges, queries := gw.calls()
	assert.Equal(t, 1, charges, "charge must never be retried")
	assert.Equal(t, 2, queries)
}

func TestCoordinator_Charge_AmbiguousDeclinedByQuery(t *testing.T) {
	gw := &mockGateway{
		charges: []result{{err: errTimeout}},
		queries: []result{{out: Outcome{Status: StatusDeclined, Reason: "card expired"}}},
	}
	c := NewCoordinator(gw, &mockAttempts{}, testConfig())

	_, err := c.Charge(context.Background(), testOrder("o1"))
	assert.ErrorIs(t, err, domain.ErrPaymentDeclined)
}

func TestCoordinator_Charge_Unresolved(t *testing.T) {
	gw := &mockGateway{
		charges: []result{{err: errTimeout}},
		queries: []result{{err: errTimeout}},
	}
	attempts := &mockAttempts{}
	c := NewCoordinator(gw, attempts, testConfig())

	_, err := c.Charge(context.Background(), testOrder("o1"))
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	charges, queries := gw.calls()
	assert.Equal(t, 1, charges)
	assert.Equal(t, 3, queries)
	// left for the reconciler
	assert.Len(t, attempts.byOutcome(domain.PaymentPending), 1)
}

func TestCoordinator_Charge_CallerCancelStillQueriesStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &mockGateway{
		// the client disconnects while the charge is on the wire
		onCharge: cancel,
		charges:  []result{{err: errTimeout}},
		queries:  []result{{out: Outcome{Status: StatusSucceeded, ReceiptID: "r1"}}},
	}
	attempts := &mockAttempts{}
	c := NewCoordinator(gw, attempts, testConfig())

	res, err := c.Charge(ctx, testOrder("o1"))
	require.NoError(t, err)
	assert.Equal(t, "r1", res.ReceiptID)

	_, queries := gw.calls()
	assert.Equal(t, 1, queries)
	require.Len(t, attempts.byOutcome(domain.PaymentSuccess), 1)
}

func TestCoordinator_Refund_AfterCallerCancel(t *testing.T) {
	gw := &mockGateway{charges: []result{{out: Outcome{Status: StatusSucceeded, ReceiptID: "r1"}}}}
	attempts := &mockAttempts{}
	c := NewCoordinator(gw, attempts, testConfig())
	order := testOrder("o1")

	_, err := c.Charge(context.Background(), order)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Refund(ctx, order))
	assert.Equal(t, []string{"r1"}, gw.refunds)
	assert.Len(t, attempts.byOutcome(domain.PaymentRefunded), 1)
}

func TestCoordinator_Charge_ReplayAfterSuccess(t *testing.T) {
	gw := &mockGateway{charges: []result{{out: Outcome{Status: StatusSucceeded, ReceiptID: "r1"}}}}
	attempts := &mockAttempts{}
	c := NewCoordinator(gw, attempts, testConfig())
	order := testOrder("o1")

	first, err := c.Charge(context.Background(), order)
	require.NoError(t, err)
	second, err := c.Charge(context.Background(), order)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	charges, _ := gw.calls()
	assert.Equal(t, 1, charges)
	assert.Len(t, attempts.byOutcome(domain.PaymentSuccess), 1)
}

func TestCoordinator_Charge_ResumesPendingAttempt(t *testing.T) {
	gw := &mockGateway{
		charges: []result{{err: errTimeout}},
		queries: []result{
			{err: errTimeout}, {err: errTimeout}, {err: errTimeout},
			{out: Outcome{Status: StatusSucceeded, ReceiptID: "r1"}},
		},
	}
	attempts := &mockAttempts{}
	c := NewCoordinator(gw, attempts, testConfig())
	order := testOrder("o1")

	_, err := c.Charge(context.Background(), order)
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	res, err := c.Charge(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, "r1", res.ReceiptID)

	charges, _ := gw.calls()
	assert.Equal(t, 1, charges)
	assert.Len(t, attempts.byOutcome(domain.PaymentSuccess), 1)
	assert.Empty(t, attempts.byOutcome(domain.PaymentPending))
}

func TestCoordinator_Charge_BreakerOpenFailsFast(t *testing.T) {
	gw := &mockGateway{
		charges: []result{{err: errTimeout}},
		queries: []result{{out: Outcome{Status: StatusDeclined}}},
	}
	attempts := &mockAttempts{}
	cfg := circuitbreaker.Config{Name: "test", FailureThreshold: 1, OpenTimeout: time.Minute, HalfOpenRequests: 1}
	c := NewCoordinator(gw, attempts, testConfig(), WithBreaker(cfg))

	_, err := c.Charge(context.Background(), testOrder("o1"))
	require.ErrorIs(t, err, domain.ErrPaymentDeclined)

	_, err = c.Charge(context.Background(), testOrder("o2"))
	require.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	charges, _ := gw.calls()
	assert.Equal(t, 1, charges, "open breaker must not reach the gateway")

	o2, _ := attempts.ListAttempts(context.Background(), "o2")
	require.Len(t, o2, 1)
	assert.Equal(t, domain.PaymentFailure, o2[0].Outcome)
}

func TestCoordinator_Charge_RepositoryError(t *testing.T) {
	boom := errors.New("db down")
	gw := &mockGateway{}
	c := NewCoordinator(gw, &mockAttempts{err: boom}, testConfig())

	_, err := c.Charge(context.Background(), testOrder("o1"))
	assert.ErrorIs(t, err, boom)
	charges, _ := gw.calls()
	assert.Equal(t, 0, charges)
}

func TestCoordinator_Charge_SimulatedGatewayDedup(t *testing.T) {
	sim := NewSimulatedGateway(DeciderFunc(func(ChargeRequest) Decision {
		return Decision{Outcome: Outcome{Status: StatusSucceeded}, LoseResponse: true}
	}))
	attempts := &mockAttempts{}
	c := NewCoordinator(sim, attempts, testConfig())
	order := testOrder("o1")

	res, err := c.Charge(context.Background(), order)
	require.NoError(t, err)
	assert.NotEmpty(t, res.ReceiptID)

	// a second coordinator with no local record still cannot double charge
	other := NewCoordinator(sim, &mockAttempts{}, testConfig())
	res2, err := other.Charge(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, res.ReceiptID, res2.ReceiptID)
	assert.Equal(t, 1, sim.AppliedCharges())
}

func TestCoordinator_Refund(t *testing.T) {
	gw := &mockGateway{charges: []result{{out: Outcome{Status: StatusSucceeded, ReceiptID: "r1"}}}}
	attempts := &mockAttempts{}
	c := NewCoordinator(gw, attempts, testConfig())
	order := testOrder("o1")

	_, err := c.Charge(context.Background(), order)
	require.NoError(t, err)
	require.NoError(t, c.Refund(context.Background(), order))

	assert.Equal(t, []string{"r1"}, gw.refunds)
	assert.Len(t, attempts.byOutcome(domain.PaymentRefunded), 1)
	assert.Empty(t, attempts.byOutcome(domain.PaymentSuccess))

	// nothing left to refund
	require.NoError(t, c.Refund(context.Background(), order))
	assert.Len(t, gw.refunds, 1)
}

func TestCoordinator_Refund_GatewayError(t *testing.T) {
	gw := &mockGateway{
		charges:   []result{{out: Outcome{Status: StatusSucceeded, ReceiptID: "r1"}}},
		refundErr: errors.New("refund rejected"),
	}
	attempts := &mockAttempts{}
	c := NewCoordinator(gw, attempts, testConfig())
	order := testOrder("o1")

	_, err := c.Charge(context.Background(), order)
	require.NoError(t, err)
	assert.Error(t, c.Refund(context.Background(), order))
	assert.Len(t, attempts.byOutcome(domain.PaymentSuccess), 1)
}

func TestBackoff(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	assert.Equal(t, 100*time.Millisecond, backoff(base, max, 0))
	assert.Equal(t, 200*time.Millisecond, backoff(base, max, 1))
	assert.Equal(t, 800*time.Millisecond, backoff(base, max, 3))
	assert.Equal(t, time.Second, backoff(base, max, 4))
	assert.Equal(t, time.Second, backoff(base, max, 80))
}

func TestConfig_Window(t *testing.T) {
	cfg := Config{Timeout: time.Second, StatusRetries: 2, BackoffBase: 100 * time.Millisecond, BackoffMax: time.Second}
	// charge + (100ms + query) + (200ms + query)
	assert.Equal(t, 3*time.Second+300*time.Millisecond, cfg.Window())
}
