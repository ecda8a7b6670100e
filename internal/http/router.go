package http

import (
	"net/http"
	"time"

	"github.com/fjod/go_cart/order-core/pkg/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Handlers struct {
	Cart      *CartHandler
	Orders    *OrdersHandler
	Inventory *InventoryHandler
}

type RouterConfig struct {
	ServiceName        string
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
}

// NewRouter builds the public API. Everything under /api/v1 except the
// product and inventory reads needs a session.
func NewRouter(cfg RouterConfig, h Handlers, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(MetricsMiddleware(m))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	if cfg.MaxRequestBodySize > 0 {
		r.Use(middleware.RequestSize(cfg.MaxRequestBodySize))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", m.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/products", h.Inventory.ListProducts)
		r.Get("/inventory/{product_id}", h.Inventory.GetStock)
		r.Put("/inventory/{product_id}", h.Inventory.SetStock)

		r.Group(func(r chi.Router) {
			r.Use(SessionMiddleware)

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", h.Cart.GetCart)
				r.Delete("/", h.Cart.ClearCart)
				r.Post("/items", h.Cart.AddItem)
				r.Put("/items/{product_id}", h.Cart.UpdateQuantity)
				r.Delete("/items/{product_id}", h.Cart.RemoveItem)
			})

			r.Post("/checkout", h.Orders.Checkout)

			r.Route("/orders", func(r chi.Router) {
				r.Get("/", h.Orders.ListOrders)
				r.Post("/", h.Orders.PlaceOrder)
				r.Get("/{order_id}", h.Orders.GetOrder)
				r.Post("/{order_id}/pay", h.Orders.PayOrder)
				r.Post("/{order_id}/cancel", h.Orders.CancelOrder)
			})
		})
	})

	name := cfg.ServiceName
	if name == "" {
		name = "order-core"
	}
	return otelhttp.NewHandler(r, name)
}
