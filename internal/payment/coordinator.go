package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/pkg/circuitbreaker"
	"github.com/fjod/go_cart/order-core/pkg/logger"
	"github.com/fjod/go_cart/order-core/pkg/metrics"
	"github.com/google/uuid"
)

// AttemptRepository stores payment attempts. Implementations reject a second
// pending attempt and a second success for the same order.
type AttemptRepository interface {
	CreateAttempt(ctx context.Context, a *domain.PaymentAttempt) error
	UpdateAttempt(ctx context.Context, a *domain.PaymentAttempt) error
	ListAttempts(ctx context.Context, orderID string) ([]*domain.PaymentAttempt, error)
	ListPendingAttempts(ctx context.Context, createdBefore time.Time) ([]*domain.PaymentAttempt, error)
}

type Config struct {
	Timeout       time.Duration // per gateway call
	StatusRetries int           // status queries after an ambiguous charge
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Second,
		StatusRetries: 4,
		BackoffBase:   200 * time.Millisecond,
		BackoffMax:    2 * time.Second,
	}
}

// Window is the worst-case time a single Charge call can take.
func (c Config) Window() time.Duration {
	w := c.Timeout
	for i := 0; i < c.StatusRetries; i++ {
		w += backoff(c.BackoffBase, c.BackoffMax, i) + c.Timeout
	}
	return w
}

type Result struct {
	AttemptID string
	ReceiptID string
}

// Coordinator charges an order at most once. The order's payment token is the
// idempotency key for every call, and only status queries are retried.
type Coordinator struct {
	gateway  Gateway
	attempts AttemptRepository
	breaker  *circuitbreaker.Breaker[Outcome]
	cfg      Config
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Option func(*Coordinator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithBreaker(cfg circuitbreaker.Config) Option {
	return func(c *Coordinator) { c.breaker = circuitbreaker.New[Outcome](cfg) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(gateway Gateway, attempts AttemptRepository, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		gateway:  gateway,
		attempts: attempts,
		breaker:  circuitbreaker.New[Outcome](circuitbreaker.DefaultConfig("payment-gateway")),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Charge captures the order total. It returns domain.ErrPaymentDeclined on a
// definitive refusal and domain.ErrGatewayUnavailable when the outcome could
// not be learned. In the latter case the attempt stays pending for Reconcile.
func (c *Coordinator) Charge(ctx context.Context, order *domain.Order) (Result, error) {
	log := logger.FromContext(ctx).WithField("order_id", order.ID)

	existing, err := c.attempts.ListAttempts(ctx, order.ID)
	if err != nil {
		return Result{}, fmt.Errorf("list attempts: %w", err)
	}
	for _, a := range existing {
		if a.Outcome == domain.PaymentSuccess {
			log.WithField("attempt_id", a.ID).Info("order already paid, returning recorded receipt")
			return Result{AttemptID: a.ID, ReceiptID: a.ReceiptID}, nil
		}
	}
	for _, a := range existing {
		if a.IsActive() {
			// an earlier call lost its answer, ask the gateway instead of charging
			log.WithField("attempt_id", a.ID).Info("resuming pending payment attempt")
			return c.resolve(ctx, a)
		}
	}

	now := c.now()
	attempt := &domain.PaymentAttempt{
		ID:               uuid.NewString(),
		OrderID:          order.ID,
		IdempotencyToken: order.PaymentToken,
		Outcome:          domain.PaymentPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := c.attempts.CreateAttempt(ctx, attempt); err != nil {
		return Result{}, fmt.Errorf("create attempt: %w", err)
	}

	req := ChargeRequest{
		OrderID:  order.ID,
		Amount:   order.Total,
		Currency: order.Currency,
		Token:    order.PaymentToken,
	}
	out, err := c.breaker.Execute(func() (Outcome, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return c.gateway.Charge(callCtx, req)
	})

	// from here on the outcome is recorded even if the caller has gone away
	ctx = context.WithoutCancel(ctx)

	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		// rejected locally, the request never reached the gateway
		c.metrics.GatewayCall("charge", "breaker_open")
		if ferr := c.finish(ctx, attempt, domain.PaymentFailure, "", "gateway circuit open"); ferr != nil {
			return Result{}, ferr
		}
		return Result{}, fmt.Errorf("order %s: %w", order.ID, domain.ErrGatewayUnavailable)
	case err != nil:
		c.metrics.GatewayCall("charge", "ambiguous")
		log.WithError(err).Warn("charge outcome unknown, querying status")
		return c.resolve(ctx, attempt)
	}

	c.metrics.GatewayCall("charge", string(out.Status))
	return c.apply(ctx, attempt, out)
}

// resolve learns the outcome of a charge through bounded status queries.
// The caller's cancellation does not cut the queries short: an unanswered
// charge is only given up after StatusRetries queries.
func (c *Coordinator) resolve(ctx context.Context, attempt *domain.PaymentAttempt) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx).WithField("order_id", attempt.OrderID).WithField("attempt_id", attempt.ID)

	for i := 0; i < c.cfg.StatusRetries; i++ {
		if err := sleep(ctx, backoff(c.cfg.BackoffBase, c.cfg.BackoffMax, i)); err != nil {
			return Result{}, fmt.Errorf("order %s: %w", attempt.OrderID, domain.ErrGatewayUnavailable)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		out, err := c.gateway.QueryStatus(callCtx, attempt.IdempotencyToken)
		cancel()
		if err != nil {
			c.metrics.GatewayCall("query", "error")
			log.WithError(err).WithField("try", i+1).Warn("status query failed")
			continue
		}
		c.metrics.GatewayCall("query", string(out.Status))

		switch out.Status {
		case StatusSucceeded, StatusDeclined:
			return c.apply(ctx, attempt, out)
		}
		// pending or not seen yet, the charge may still be in flight
	}

	log.Error("payment outcome unresolved, attempt left pending for reconciliation")
	return Result{}, fmt.Errorf("order %s: %w", attempt.OrderID, domain.ErrGatewayUnavailable)
}

func (c *Coordinator) apply(ctx context.Context, attempt *domain.PaymentAttempt, out Outcome) (Result, error) {
	switch out.Status {
	case StatusSucceeded:
		if err := c.finish(ctx, attempt, domain.PaymentSuccess, out.ReceiptID, ""); err != nil {
			return Result{}, err
		}
		return Result{AttemptID: attempt.ID, ReceiptID: out.ReceiptID}, nil
	case StatusDeclined:
		if err := c.finish(ctx, attempt, domain.PaymentFailure, out.ReceiptID, out.Reason); err != nil {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %s", domain.ErrPaymentDeclined, out.Reason)
	default:
		return c.resolve(ctx, attempt)
	}
}

func (c *Coordinator) finish(ctx context.Context, a *domain.PaymentAttempt, outcome domain.PaymentOutcome, receiptID, reason string) error {
	a.Outcome = outcome
	a.ReceiptID = receiptID
	a.Reason = reason
	a.UpdatedAt = c.now()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()
	if err := c.attempts.UpdateAttempt(ctx, a); err != nil {
		return fmt.Errorf("record %s attempt %s: %w", outcome, a.ID, err)
	}
	return nil
}

// Refund returns the money of the order's successful attempt.
func (c *Coordinator) Refund(ctx context.Context, order *domain.Order) error {
	attempts, err := c.attempts.ListAttempts(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list attempts: %w", err)
	}
	for _, a := range attempts {
		if a.Outcome == domain.PaymentSuccess {
			return c.refundAttempt(ctx, a)
		}
	}
	return nil
}

func (c *Coordinator) refundAttempt(ctx context.Context, a *domain.PaymentAttempt) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()
	if err := c.gateway.Refund(callCtx, a.ReceiptID, a.IdempotencyToken); err != nil {
		c.metrics.GatewayCall("refund", "error")
		return fmt.Errorf("refund attempt %s: %w", a.ID, err)
	}
	c.metrics.GatewayCall("refund", "ok")
	logger.FromContext(ctx).WithField("order_id", a.OrderID).
		WithField("receipt_id", a.ReceiptID).Info("payment refunded")
	return c.finish(ctx, a, domain.PaymentRefunded, a.ReceiptID, "refunded")
}

// backoff returns base*2^try capped at max.
func backoff(base, max time.Duration, try int) time.Duration {
	d := base << uint(try)
	if d <= 0 || d > max {
		return max
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
