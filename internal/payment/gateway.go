package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Status is what the gateway reports for one idempotency token.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusDeclined  Status = "declined"
	StatusNotFound  Status = "not_found"
)

type ChargeRequest struct {
	OrderID  string
	Amount   decimal.Decimal
	Currency string
	// Token is the idempotency key. The gateway applies at most one charge per token.
	Token string
}

type Outcome struct {
	Status    Status
	ReceiptID string
	Reason    string
}

// Gateway is the external payment processor.
//
// Charge returns a non-nil error only when the outcome is unknown (timeout,
// transport failure, 5xx). A decline is an Outcome, not an error.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (Outcome, error)
	QueryStatus(ctx context.Context, token string) (Outcome, error)
	Refund(ctx context.Context, receiptID, token string) error
}
