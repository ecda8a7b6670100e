package domain

import "errors"

var (
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrPaymentDeclined        = errors.New("payment declined")
	ErrGatewayUnavailable     = errors.New("payment gateway unavailable")
	ErrInvalidStateTransition = errors.New("invalid order state transition")
	ErrReservationExpired     = errors.New("reservation has expired")

	// ErrCompensationFailed means stock could not be returned after a failed step.
	// The order is left untouched and needs manual reconciliation.
	ErrCompensationFailed = errors.New("compensation failed, reconciliation required")

	ErrEmptyCart        = errors.New("cart is empty, nothing to checkout")
	ErrInvalidQuantity  = errors.New("quantity must be greater than 0")
	ErrProductNotFound  = errors.New("product not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrLineNotFound     = errors.New("cart line not found")
	ErrTotalMismatch    = errors.New("order total does not match its lines")
	ErrDuplicatePayment = errors.New("order already has a successful payment")
)

// FailureCode is the stored form of the error an order ended with.
type FailureCode string

const (
	FailureNone               FailureCode = ""
	FailureInsufficientStock  FailureCode = "insufficient_stock"
	FailureProductNotFound    FailureCode = "product_not_found"
	FailurePaymentDeclined    FailureCode = "payment_declined"
	FailureGatewayUnavailable FailureCode = "gateway_unavailable"
	FailureReservationExpired FailureCode = "reservation_expired"
)

var failures = []struct {
	code FailureCode
	err  error
}{
	{FailureInsufficientStock, ErrInsufficientStock},
	{FailureProductNotFound, ErrProductNotFound},
	{FailurePaymentDeclined, ErrPaymentDeclined},
	{FailureGatewayUnavailable, ErrGatewayUnavailable},
	{FailureReservationExpired, ErrReservationExpired},
}

func FailureCodeOf(err error) FailureCode {
	for _, f := range failures {
		if errors.Is(err, f.err) {
			return f.code
		}
	}
	return FailureNone
}
