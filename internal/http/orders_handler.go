package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/go-chi/chi/v5"
)

const IdempotencyHeader = "Idempotency-Key"

type OrderService interface {
	Checkout(ctx context.Context, req *domain.CheckoutRequest) (*domain.Order, error)
	PlaceOrder(ctx context.Context, req *domain.CheckoutRequest) (*domain.Order, error)
	Pay(ctx context.Context, orderID string) (*domain.Order, error)
	Cancel(ctx context.Context, orderID string) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, sessionID string) ([]*domain.Order, error)
}

// CartReader provides the cart snapshot an order is built from.
type CartReader interface {
	Snapshot(ctx context.Context, sessionID string) ([]domain.CartLine, error)
}

type OrdersHandler struct {
	orders  OrderService
	carts   CartReader
	timeout time.Duration
}

// NewOrdersHandler needs a timeout longer than the worst-case payment window,
// otherwise checkouts get cut off while their charge is being resolved.
func NewOrdersHandler(orders OrderService, carts CartReader, timeout time.Duration) *OrdersHandler {
	return &OrdersHandler{orders: orders, carts: carts, timeout: timeout}
}

type CheckoutRequestDTO struct {
	IdempotencyKey string `json:"idempotency_key"`
	Currency       string `json:"currency"`
}

type OrderLineDTO struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int32  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type OrderResponseDTO struct {
	ID            string         `json:"id"`
	State         string         `json:"state"`
	Total         string         `json:"total"`
	Currency      string         `json:"currency"`
	Lines         []OrderLineDTO `json:"lines"`
	PaymentRef    string         `json:"payment_ref,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	FailureCode   string         `json:"failure_code,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func toOrderDTO(o *domain.Order) OrderResponseDTO {
	lines := make([]OrderLineDTO, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, OrderLineDTO{
			ProductID: l.ProductID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice.StringFixed(2),
		})
	}
	return OrderResponseDTO{
		ID:            o.ID,
		State:         o.State.String(),
		Total:         o.Total.StringFixed(2),
		Currency:      o.Currency,
		Lines:         lines,
		PaymentRef:    o.PaymentRef,
		FailureReason: o.FailureReason,
		FailureCode:   string(o.FailureCode),
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

// POST /api/v1/checkout
func (h *OrdersHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	h.placeOrder(w, r, h.orders.Checkout)
}

// POST /api/v1/orders creates the order and holds its stock without paying.
func (h *OrdersHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	h.placeOrder(w, r, h.orders.PlaceOrder)
}

func (h *OrdersHandler) placeOrder(w http.ResponseWriter, r *http.Request,
	place func(context.Context, *domain.CheckoutRequest) (*domain.Order, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var body CheckoutRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		key = body.IdempotencyKey
	}
	if key == "" {
		respondError(w, http.StatusBadRequest, "missing_idempotency_key", "Idempotency-Key header is required")
		return
	}

	sessionID := getSessionID(r.Context())
	lines, err := h.carts.Snapshot(ctx, sessionID)
	if err != nil {
		handleError(w, r, err)
		return
	}

	order, err := place(ctx, &domain.CheckoutRequest{
		SessionID:      sessionID,
		IdempotencyKey: key,
		Currency:       body.Currency,
		Lines:          lines,
	})
	if err != nil {
		handleOrderError(w, r, order, err)
		return
	}
	respondJSON(w, http.StatusCreated, toOrderDTO(order))
}

// GET /api/v1/orders
func (h *OrdersHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	orders, err := h.orders.ListOrders(ctx, getSessionID(r.Context()))
	if err != nil {
		handleError(w, r, err)
		return
	}

	dtos := make([]OrderResponseDTO, 0, len(orders))
	for _, o := range orders {
		dtos = append(dtos, toOrderDTO(o))
	}
	respondJSON(w, http.StatusOK, dtos)
}

// GET /api/v1/orders/{order_id}
func (h *OrdersHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	order, ok := h.ownedOrder(ctx, w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, toOrderDTO(order))
}

// POST /api/v1/orders/{order_id}/pay
func (h *OrdersHandler) PayOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, ok := h.ownedOrder(ctx, w, r); !ok {
		return
	}
	order, err := h.orders.Pay(ctx, chi.URLParam(r, "order_id"))
	if err != nil {
		handleOrderError(w, r, order, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderDTO(order))
}

// POST /api/v1/orders/{order_id}/cancel
func (h *OrdersHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, ok := h.ownedOrder(ctx, w, r); !ok {
		return
	}
	order, err := h.orders.Cancel(ctx, chi.URLParam(r, "order_id"))
	if err != nil {
		handleOrderError(w, r, order, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderDTO(order))
}

// ownedOrder loads the path order. Orders of other sessions are reported as missing.
func (h *OrdersHandler) ownedOrder(ctx context.Context, w http.ResponseWriter, r *http.Request) (*domain.Order, bool) {
	orderID := chi.URLParam(r, "order_id")
	if orderID == "" {
		respondError(w, http.StatusBadRequest, "invalid_order_id", "order_id is required")
		return nil, false
	}
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		handleError(w, r, err)
		return nil, false
	}
	if order.SessionID != getSessionID(r.Context()) {
		handleError(w, r, domain.ErrOrderNotFound)
		return nil, false
	}
	return order, true
}
