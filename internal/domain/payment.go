package domain

import "time"

type PaymentOutcome string

const (
	PaymentPending  PaymentOutcome = "pending"
	PaymentSuccess  PaymentOutcome = "success"
	PaymentFailure  PaymentOutcome = "failure"
	PaymentRefunded PaymentOutcome = "refunded"
)

// PaymentAttempt records one charge of an order. At most one attempt per order
// may be pending, and at most one may ever succeed.
type PaymentAttempt struct {
	ID               string
	OrderID          string
	IdempotencyToken string
	Outcome          PaymentOutcome
	ReceiptID        string
	Reason           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (a *PaymentAttempt) IsActive() bool {
	return a.Outcome == PaymentPending
}
