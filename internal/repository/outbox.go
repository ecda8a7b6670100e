package repository

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OutboxEvent struct {
	ID          string     `db:"id"`
	AggregateID string     `db:"aggregate_id"` // order id, used as the message key
	EventType   string     `db:"event_type"`
	Payload     []byte     `db:"payload"`
	CreatedAt   time.Time  `db:"created_at"`
	ProcessedAt *time.Time `db:"processed_at"`
}

// OrderEventPayload is the JSON body published for every order state change.
type OrderEventPayload struct {
	OrderID       string             `json:"order_id"`
	SessionID     string             `json:"session_id"`
	State         domain.OrderState  `json:"state"`
	Lines         []domain.OrderLine `json:"lines"`
	Total         decimal.Decimal    `json:"total"`
	Currency      string             `json:"currency"`
	PaymentRef    string             `json:"payment_ref,omitempty"`
	FailureReason string             `json:"failure_reason,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at"`
}

// NewOrderEvent snapshots the order as an "order.<state>" event.
func NewOrderEvent(o *domain.Order) (*OutboxEvent, error) {
	payload, err := json.Marshal(OrderEventPayload{
		OrderID:       o.ID,
		SessionID:     o.SessionID,
		State:         o.State,
		Lines:         o.Lines,
		Total:         o.Total,
		Currency:      o.Currency,
		PaymentRef:    o.PaymentRef,
		FailureReason: o.FailureReason,
		OccurredAt:    o.UpdatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order event: %w", err)
	}
	return &OutboxEvent{
		ID:          uuid.NewString(),
		AggregateID: o.ID,
		EventType:   "order." + strings.ToLower(string(o.State)),
		Payload:     payload,
		CreatedAt:   o.UpdatedAt,
	}, nil
}
