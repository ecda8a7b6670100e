package publisher

import (
	"context"
	"time"

	"github.com/fjod/go_cart/order-core/internal/payment"
	"github.com/fjod/go_cart/order-core/internal/repository"
	"github.com/fjod/go_cart/order-core/pkg/logger"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

const DefaultTopic = "order-events"

// MessageWriter is the part of *kafka.Writer the poller needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// OrderRecoverer finishes orders stuck in a non-terminal state.
type OrderRecoverer interface {
	RecoverStuck(ctx context.Context, olderThan time.Duration) (int, error)
}

// PaymentReconciler settles payment attempts left pending.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, orders payment.OrderReader, olderThan time.Duration) (int, error)
}

type Config struct {
	EventTick    time.Duration
	RecoveryTick time.Duration
	// StuckAfter is how long an order or attempt may sit untouched before
	// recovery picks it up. It must exceed the payment window.
	StuckAfter time.Duration
	BatchSize  int
	Timeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		EventTick:    time.Second,
		RecoveryTick: 5 * time.Second,
		StuckAfter:   time.Minute,
		BatchSize:    100,
		Timeout:      5 * time.Second,
	}
}

// OutboxPoller publishes order events written to the outbox and runs the
// periodic recovery of stuck orders and payments.
type OutboxPoller struct {
	cfg      Config
	outbox   repository.OutboxRepository
	writer   MessageWriter
	orders   payment.OrderReader
	stuck    OrderRecoverer
	payments PaymentReconciler
}

func NewKafkaWriter(topic string, brokers ...string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{}, // same order, same partition
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
	}
}

// NewOutboxPoller wires the poller. stuck and payments may be nil, which
// turns the recovery tick into a no-op for that part.
func NewOutboxPoller(cfg Config, outbox repository.OutboxRepository, writer MessageWriter,
	orders payment.OrderReader, stuck OrderRecoverer, payments PaymentReconciler) *OutboxPoller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &OutboxPoller{
		cfg:      cfg,
		outbox:   outbox,
		writer:   writer,
		orders:   orders,
		stuck:    stuck,
		payments: payments,
	}
}

func (p *OutboxPoller) Run(ctx context.Context) {
	eventTicker := time.NewTicker(p.cfg.EventTick)
	recoveryTicker := time.NewTicker(p.cfg.RecoveryTick)
	defer eventTicker.Stop()
	defer recoveryTicker.Stop()
	for {
		select {
		case <-eventTicker.C:
			p.processUnpublishedEvents(ctx)
		case <-recoveryTicker.C:
			p.recoverStuck(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// processUnpublishedEvents returns how many events were published.
func (p *OutboxPoller) processUnpublishedEvents(ctx context.Context) int {
	log := logger.FromContext(ctx)

	events, err := p.outbox.GetUnprocessedEvents(ctx, p.cfg.BatchSize)
	if err != nil {
		log.WithError(err).Error("failed to fetch outbox events")
		return 0
	}

	published := 0
	for _, event := range events {
		if err := p.publish(ctx, event); err != nil {
			log.WithError(err).WithField("event_id", event.ID).Warn("failed to publish event")
			// keep per-order ordering, later events wait for the next tick
			break
		}
		if err := p.outbox.MarkEventAsProcessed(ctx, event.ID); err != nil {
			log.WithError(err).WithField("event_id", event.ID).Warn("failed to mark event as processed")
			break
		}
		published++
	}
	return published
}

func (p *OutboxPoller) publish(ctx context.Context, event *repository.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: event.Payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	return errors.Wrapf(p.writer.WriteMessages(ctx, msg), "write event %s", event.ID)
}

// recoverStuck settles payments before orders, so an order whose charge
// went through late is confirmed rather than retried.
func (p *OutboxPoller) recoverStuck(ctx context.Context) {
	log := logger.FromContext(ctx)

	if p.payments != nil && p.orders != nil {
		n, err := p.payments.Reconcile(ctx, p.orders, p.cfg.StuckAfter)
		if err != nil {
			log.WithError(err).Error("payment reconciliation failed")
		} else if n > 0 {
			log.WithField("settled", n).Info("payment attempts reconciled")
		}
	}

	if p.stuck != nil {
		n, err := p.stuck.RecoverStuck(ctx, p.cfg.StuckAfter)
		if err != nil {
			log.WithError(err).Error("order recovery failed")
		} else if n > 0 {
			log.WithField("recovered", n).Info("stuck orders recovered")
		}
	}
}

func (p *OutboxPoller) Close() error {
	return p.writer.Close()
}

// LogWriter stands in for Kafka when no brokers are configured. Events are
// logged and count as published.
type LogWriter struct{}

func (LogWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		entry := logger.FromContext(ctx).WithField("key", string(m.Key))
		for _, h := range m.Headers {
			entry = entry.WithField(h.Key, string(h.Value))
		}
		entry.Info("order event")
	}
	return nil
}

func (LogWriter) Close() error { return nil }
