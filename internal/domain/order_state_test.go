package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransitionTo_HappyPath(t *testing.T) {
	path := []OrderState{
		OrderStateCreated,
		OrderStateStockReserved,
		OrderStatePaymentPending,
		OrderStateConfirmed,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransitionTo(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestCanTransitionTo_FailurePath(t *testing.T) {
	assert.True(t, CanTransitionTo(OrderStatePaymentPending, OrderStatePaymentFailed))
	assert.True(t, CanTransitionTo(OrderStatePaymentFailed, OrderStateReleased))
	assert.True(t, CanTransitionTo(OrderStateStockReserved, OrderStateReservationExpired))
}

func TestCanTransitionTo_Cancel(t *testing.T) {
	assert.True(t, CanTransitionTo(OrderStateCreated, OrderStateCancelled))
	assert.True(t, CanTransitionTo(OrderStateStockReserved, OrderStateCancelled))
	assert.False(t, CanTransitionTo(OrderStatePaymentPending, OrderStateCancelled))
}

func TestTerminalStates_RejectEverything(t *testing.T) {
	terminal := []OrderState{
		OrderStateConfirmed,
		OrderStateReleased,
		OrderStateCancelled,
		OrderStateReservationExpired,
	}
	all := []OrderState{
		OrderStateCreated, OrderStateStockReserved, OrderStatePaymentPending, OrderStateConfirmed,
		OrderStatePaymentFailed, OrderStateReleased, OrderStateCancelled, OrderStateReservationExpired,
	}
	for _, from := range terminal {
		assert.True(t, from.IsTerminal(), from)
		for _, to := range all {
			assert.False(t, CanTransitionTo(from, to), "%s -> %s", from, to)
		}
	}
	assert.False(t, OrderStatePaymentFailed.IsTerminal())
}

func TestCanTransitionTo_NoSkippingPayment(t *testing.T) {
	assert.False(t, CanTransitionTo(OrderStateCreated, OrderStateConfirmed))
	assert.False(t, CanTransitionTo(OrderStateStockReserved, OrderStateConfirmed))
	assert.False(t, CanTransitionTo(OrderStateCreated, OrderStatePaymentPending))
}

func TestOrderTransitionTo_Illegal(t *testing.T) {
	o := &Order{ID: "o-1", State: OrderStateConfirmed}
	err := o.TransitionTo(OrderStateCancelled, time.Now())

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidStateTransition))
	assert.Equal(t, OrderStateConfirmed, o.State)
}

func TestOrderState_Valid(t *testing.T) {
	assert.True(t, OrderStatePaymentPending.Valid())
	assert.False(t, OrderState("SHIPPED").Valid())
}
