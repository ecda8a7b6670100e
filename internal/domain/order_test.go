package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrder_TotalIsSumOfLines(t *testing.T) {
	lines := []OrderLine{
		{ProductID: "a", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
		{ProductID: "b", Quantity: 3, UnitPrice: decimal.RequireFromString("0.10")},
	}
	o := NewOrder("o-1", "key", "s-1", "tok", "USD", lines, time.Now())

	assert.True(t, decimal.RequireFromString("20.30").Equal(o.Total), o.Total.String())
	assert.Equal(t, OrderStateCreated, o.State)
	require.NoError(t, o.ValidateInvariants())
}

func TestNewOrder_LinesAreCopied(t *testing.T) {
	lines := []OrderLine{{ProductID: "a", Quantity: 1, UnitPrice: decimal.NewFromInt(10)}}
	o := NewOrder("o-1", "", "", "tok", "USD", lines, time.Now())

	lines[0].UnitPrice = decimal.NewFromInt(99)

	assert.True(t, decimal.NewFromInt(10).Equal(o.Lines[0].UnitPrice))
	assert.NoError(t, o.ValidateInvariants())
}

func TestValidateInvariants_TotalMismatch(t *testing.T) {
	o := NewOrder("o-1", "", "", "tok", "USD",
		[]OrderLine{{ProductID: "a", Quantity: 1, UnitPrice: decimal.NewFromInt(10)}}, time.Now())
	o.Total = decimal.NewFromInt(11)

	assert.ErrorIs(t, o.ValidateInvariants(), ErrTotalMismatch)
}

func TestValidateInvariants_Empty(t *testing.T) {
	o := NewOrder("o-1", "", "", "tok", "USD", nil, time.Now())
	assert.ErrorIs(t, o.ValidateInvariants(), ErrEmptyCart)
}

func TestClone_IsDeep(t *testing.T) {
	o := NewOrder("o-1", "", "", "tok", "USD",
		[]OrderLine{{ProductID: "a", Quantity: 1, UnitPrice: decimal.NewFromInt(10)}}, time.Now())
	o.Reservations = []string{"r1"}

	c := o.Clone()
	c.Lines[0].Quantity = 5
	c.Reservations[0] = "changed"

	assert.Equal(t, int32(1), o.Lines[0].Quantity)
	assert.Equal(t, "r1", o.Reservations[0])
}

func TestFailure_ReportsOriginalError(t *testing.T) {
	o := NewOrder("o-1", "", "", "tok", "USD",
		[]OrderLine{{ProductID: "a", Quantity: 1, UnitPrice: decimal.NewFromInt(10)}}, time.Now())
	o.SetFailure("insufficient stock: product a requested 1 available 0",
		fmt.Errorf("reserve: %w", ErrInsufficientStock))
	assert.Equal(t, FailureInsufficientStock, o.FailureCode)

	// not finished yet
	assert.NoError(t, o.Failure())

	o.State = OrderStateReleased
	assert.ErrorIs(t, o.Failure(), ErrInsufficientStock)

	o.State = OrderStateCancelled
	assert.NoError(t, o.Failure())
}

func TestFailureCodeOf(t *testing.T) {
	assert.Equal(t, FailurePaymentDeclined, FailureCodeOf(fmt.Errorf("x: %w", ErrPaymentDeclined)))
	assert.Equal(t, FailureReservationExpired, FailureCodeOf(ErrReservationExpired))
	assert.Equal(t, FailureNone, FailureCodeOf(ErrCompensationFailed))
}
