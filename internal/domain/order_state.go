package domain

type OrderState string

const (
	OrderStateCreated            OrderState = "CREATED"
	OrderStateStockReserved      OrderState = "STOCK_RESERVED"
	OrderStatePaymentPending     OrderState = "PAYMENT_PENDING"
	OrderStateConfirmed          OrderState = "CONFIRMED"
	OrderStatePaymentFailed      OrderState = "PAYMENT_FAILED"
	OrderStateReleased           OrderState = "RELEASED"
	OrderStateCancelled          OrderState = "CANCELLED"
	OrderStateReservationExpired OrderState = "RESERVATION_EXPIRED"
)

// transitions is the complete set of legal lifecycle moves.
// A state missing from the map has no outgoing transitions.
var transitions = map[OrderState][]OrderState{
	OrderStateCreated: {
		OrderStateStockReserved,
		OrderStateCancelled,
		OrderStateReleased,
	},
	OrderStateStockReserved: {
		OrderStatePaymentPending,
		OrderStateCancelled,
		OrderStateReservationExpired,
	},
	OrderStatePaymentPending: {
		OrderStateConfirmed,
		OrderStatePaymentFailed,
		OrderStateReservationExpired,
	},
	OrderStatePaymentFailed: {
		OrderStateReleased,
	},
}

func CanTransitionTo(from, to OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s OrderState) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// IsCancellable reports whether a caller may cancel without waiting for a payment outcome.
func (s OrderState) IsCancellable() bool {
	return s == OrderStateCreated || s == OrderStateStockReserved
}

func (s OrderState) Valid() bool {
	switch s {
	case OrderStateCreated, OrderStateStockReserved, OrderStatePaymentPending, OrderStateConfirmed,
		OrderStatePaymentFailed, OrderStateReleased, OrderStateCancelled, OrderStateReservationExpired:
		return true
	}
	return false
}

// String representation (for logging)
func (s OrderState) String() string {
	return string(s)
}
