package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/aeroclub/mileage-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса милей.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.Metrics)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/user/register", h.Register)
		r.Post("/user/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/user/mileage", h.GetMileageSummary)
			r.Get("/user/mileage/history", h.GetMileageHistory)
			r.Post("/user/mileage/redeem", h.Redeem)

			r.Route("/admin", func(r chi.Router) {
				r.Use(h.authMiddleware.RequireAdmin)

				r.Post("/mileage/events", h.RecordEvent)
				r.Patch("/mileage/events/{id}", h.AmendEvent)
				r.Delete("/mileage/events/{id}", h.DeleteEvent)

				r.Put("/users/{userID}/level", h.OverrideLevel)
				r.Delete("/users/{userID}/level", h.ClearLevelOverride)
				r.Post("/users/{userID}/reconcile", h.Reconcile)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
