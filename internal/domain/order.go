package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderLine is a snapshot taken at checkout. It is never updated afterwards,
// so later catalog price changes do not reach existing orders.
type OrderLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name,omitempty"`
	Quantity  int32           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func (l OrderLine) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt32(l.Quantity))
}

type Order struct {
	ID             string
	IdempotencyKey string
	SessionID      string
	Lines          []OrderLine
	Total          decimal.Decimal
	Currency       string
	State          OrderState

	// PaymentToken is generated once per order and reused on every charge retry.
	PaymentToken string
	PaymentRef   string

	Reservations  []string
	FailureReason string
	FailureCode   FailureCode

	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrder builds an order in CREATED with its total computed from the lines.
func NewOrder(id, idempotencyKey, sessionID, paymentToken, currency string, lines []OrderLine, now time.Time) *Order {
	frozen := make([]OrderLine, len(lines))
	copy(frozen, lines)
	return &Order{
		ID:             id,
		IdempotencyKey: idempotencyKey,
		SessionID:      sessionID,
		Lines:          frozen,
		Total:          SumLines(frozen),
		Currency:       currency,
		State:          OrderStateCreated,
		PaymentToken:   paymentToken,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func SumLines(lines []OrderLine) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Subtotal())
	}
	return total
}

// TransitionTo moves the order along the transition table.
func (o *Order) TransitionTo(next OrderState, now time.Time) error {
	if !CanTransitionTo(o.State, next) {
		return fmt.Errorf("%w: order %s %s -> %s", ErrInvalidStateTransition, o.ID, o.State, next)
	}
	o.State = next
	o.UpdatedAt = now
	return nil
}

// ValidateInvariants checks the line and total invariants.
func (o *Order) ValidateInvariants() error {
	if len(o.Lines) == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrEmptyCart)
	}
	for _, l := range o.Lines {
		if l.Quantity <= 0 {
			return fmt.Errorf("order %s line %s: %w", o.ID, l.ProductID, ErrInvalidQuantity)
		}
	}
	if sum := SumLines(o.Lines); !sum.Equal(o.Total) {
		return fmt.Errorf("%w: order %s total %s lines %s", ErrTotalMismatch, o.ID, o.Total, sum)
	}
	return nil
}

// SetFailure records why the order is being given up. The code is derived
// from cause so a replay of the request can report the same error.
func (o *Order) SetFailure(reason string, cause error) {
	o.FailureReason = reason
	o.FailureCode = FailureCodeOf(cause)
}

// Failure returns the error the order ended with, or nil when it did not
// end in a failure.
func (o *Order) Failure() error {
	if o.State != OrderStateReleased && o.State != OrderStateReservationExpired {
		return nil
	}
	for _, f := range failures {
		if f.code == o.FailureCode {
			return fmt.Errorf("order %s ended in %s: %w", o.ID, o.State, f.err)
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand out of a store.
func (o *Order) Clone() *Order {
	c := *o
	c.Lines = append([]OrderLine(nil), o.Lines...)
	c.Reservations = append([]string(nil), o.Reservations...)
	return &c
}
