package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/fulfillment-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса фулфилмента.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/fulfillment", h.CreateFulfillment)

		r.Group(func(r chi.Router) {
			if h.verifier != nil {
				r.Use(h.verifier.Middleware)
			}
			r.Post("/payment/webhook", h.PaymentWebhook)
		})

		r.Get("/users/{userID}/orders", h.GetOrders)
		r.Get("/state", h.GetState)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
