package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fjod/go_cart/order-core/internal/cart"
	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/fjod/go_cart/order-core/internal/inventory"
	"github.com/fjod/go_cart/order-core/pkg/logger"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	State   string `json:"state,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.L().WithError(err).Error("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// errorStatus maps domain errors to an HTTP status and a stable error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusConflict, "insufficient_stock"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, cart.ErrConflict):
		return http.StatusConflict, "cart_conflict"
	case errors.Is(err, domain.ErrPaymentDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "gateway_unavailable"
	case errors.Is(err, domain.ErrReservationExpired):
		return http.StatusGone, "reservation_expired"
	case errors.Is(err, domain.ErrEmptyCart):
		return http.StatusBadRequest, "empty_cart"
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, inventory.ErrNegativeStock):
		return http.StatusBadRequest, "invalid_quantity"
	case errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound, "product_not_found"
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, "order_not_found"
	case errors.Is(err, domain.ErrLineNotFound):
		return http.StatusNotFound, "line_not_found"
	case errors.Is(err, domain.ErrCompensationFailed):
		return http.StatusInternalServerError, "compensation_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func handleError(w http.ResponseWriter, r *http.Request, err error) {
	handleOrderError(w, r, nil, err)
}

// handleOrderError reports err together with the order it left behind, if any.
func handleOrderError(w http.ResponseWriter, r *http.Request, order *domain.Order, err error) {
	status, code := errorStatus(err)
	entry := logger.FromContext(r.Context()).
		WithError(err).
		WithField("request_id", getRequestID(r.Context())).
		WithField("code", code)
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Info("request rejected")
	}

	resp := ErrorResponse{Error: err.Error(), Code: code}
	if status == http.StatusInternalServerError && code == "internal_error" {
		resp.Error = "internal server error"
	}
	if order != nil {
		resp.OrderID = order.ID
		resp.State = order.State.String()
	}
	respondJSON(w, status, resp)
}
