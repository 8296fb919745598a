package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/labdesk/lab-reservations/internal/auth"
	"github.com/labdesk/lab-reservations/internal/payment"
	"github.com/labdesk/lab-reservations/internal/readmodel"
	"github.com/labdesk/lab-reservations/internal/reservation"
)

type RouterConfig struct {
	Service   *reservation.Service
	Payments  *payment.Adapter
	Mirror    *readmodel.Mirror // nil reads the store directly
	Verifier  *auth.Verifier
	Store     Pinger
	Redis     Pinger
	Logger    *zap.Logger
	RateLimit float64
	RateBurst int
	Env       string
	Version   string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.Store, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Group(func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))

		// provider webhook; events arrive already verified by the gateway
		r.Post("/payments/events", paymentEventsHandler(cfg.Payments))

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Verifier))

			r.Get("/availability", availabilityHandler(cfg.Service))

			r.Post("/reservations", createReservationHandler(cfg.Service))
			r.Get("/reservations/mine", myReservationsHandler(cfg.Service))
			r.Get("/reservations/{id}", getReservationHandler(cfg.Service))
			r.Patch("/reservations/{id}/cancel", cancelReservationHandler(cfg.Service))

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireRole(auth.RoleAdmin))
				r.Patch("/reservations/{id}", adminUpdateHandler(cfg.Service))
				r.Delete("/reservations/{id}", adminDeleteHandler(cfg.Service))
				r.Get("/dashboard/reservations", dashboardHandler(cfg.Service, cfg.Mirror))
			})
		})
	})

	return r
}
