package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-booking-platform/internal/appointments"
	"github.com/wolfman30/clinic-booking-platform/internal/assets"
	httpmiddleware "github.com/wolfman30/clinic-booking-platform/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-platform/internal/identity"
	"github.com/wolfman30/clinic-booking-platform/internal/payments"
	"github.com/wolfman30/clinic-booking-platform/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Appointments   *appointments.Handler
	Reconcile      *payments.ReconcileHandler
	SquareWebhook  *payments.SquareWebhookHandler
	StripeWebhook  *payments.StripeWebhookHandler
	Assets         *assets.Handler
	AuthSecret     string
	MetricsHandler http.Handler
	CORS           httpmiddleware.CORSConfig
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpmiddleware.CORS(cfg.CORS))
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", health)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.SquareWebhook != nil {
			public.Post("/webhooks/square", cfg.SquareWebhook.Handle)
		}
		if cfg.StripeWebhook != nil {
			public.Post("/webhooks/stripe", cfg.StripeWebhook.Handle)
		}
	})

	// Authenticated API. Admin-only routes are gated here; per-record rules live in the engine.
	r.Route("/api", func(api chi.Router) {
		api.Use(httpmiddleware.Authenticate(cfg.AuthSecret))
		if cfg.Appointments != nil {
			api.Route("/appointments", cfg.Appointments.Routes)
		}
		if cfg.Reconcile != nil {
			api.With(httpmiddleware.RequireRole(identity.RoleAdmin)).Post("/payments/reconcile", cfg.Reconcile.Reconcile)
		}
		if cfg.Assets != nil {
			api.Route("/assets", cfg.Assets.Routes)
		}
	})

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
