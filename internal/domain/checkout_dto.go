package domain

type CheckoutRequest struct {
	SessionID      string
	IdempotencyKey string
	Currency       string
	Lines          []CartLine
}
