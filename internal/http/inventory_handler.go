package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/fjod/go_cart/order-core/internal/domain"
	"github.com/go-chi/chi/v5"
)

type Inventory interface {
	Stock(productID string) (domain.StockInfo, error)
	SetStock(productID string, total int32) error
}

type ProductLister interface {
	GetAllProducts(ctx context.Context) ([]*domain.Product, error)
}

type InventoryHandler struct {
	inventory Inventory
	products  ProductLister
	timeout   time.Duration
}

func NewInventoryHandler(inv Inventory, products ProductLister, timeout time.Duration) *InventoryHandler {
	return &InventoryHandler{inventory: inv, products: products, timeout: timeout}
}

type SetStockRequestDTO struct {
	Total *int32 `json:"total"`
}

type StockResponseDTO struct {
	ProductID string `json:"product_id"`
	Total     int32  `json:"total"`
	Reserved  int32  `json:"reserved"`
	Available int32  `json:"available"`
}

func toStockDTO(s domain.StockInfo) StockResponseDTO {
	return StockResponseDTO{ProductID: s.ProductID, Total: s.Total, Reserved: s.Reserved, Available: s.Available()}
}

// GET /api/v1/products
func (h *InventoryHandler) ListProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	products, err := h.products.GetAllProducts(ctx)
	if err != nil {
		handleError(w, r, err)
		return
	}
	if products == nil {
		products = []*domain.Product{}
	}
	respondJSON(w, http.StatusOK, products)
}

// GET /api/v1/inventory/{product_id}
func (h *InventoryHandler) GetStock(w http.ResponseWriter, r *http.Request) {
	info, err := h.inventory.Stock(chi.URLParam(r, "product_id"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toStockDTO(info))
}

// PUT /api/v1/inventory/{product_id}
func (h *InventoryHandler) SetStock(w http.ResponseWriter, r *http.Request) {
	var req SetStockRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Total == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must carry a total")
		return
	}

	productID := chi.URLParam(r, "product_id")
	if err := h.inventory.SetStock(productID, *req.Total); err != nil {
		handleError(w, r, err)
		return
	}
	info, err := h.inventory.Stock(productID)
	if err != nil {
		handleError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toStockDTO(info))
}
