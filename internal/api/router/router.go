package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/dental-evaluation-funnel/internal/auth"
	"github.com/wolfman30/dental-evaluation-funnel/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/dental-evaluation-funnel/internal/http/middleware"
	"github.com/wolfman30/dental-evaluation-funnel/internal/leads"
	"github.com/wolfman30/dental-evaluation-funnel/internal/payments"
	"github.com/wolfman30/dental-evaluation-funnel/internal/realtime"
	"github.com/wolfman30/dental-evaluation-funnel/internal/wizard"
	"github.com/wolfman30/dental-evaluation-funnel/pkg/logging"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Wizard             *wizard.Handler
	Auth               *auth.Handler
	LeadsHandler       *leads.Handler
	PaymentsHandler    *payments.CheckoutHandler
	FakePayments       *payments.FakePaymentsHandler
	MercadoPagoWebhook *payments.MercadoPagoWebhookHandler
	Realtime           *realtime.Handler
	AdminEvaluations   *handlers.AdminEvaluationsHandler
	AdminAuthSecret    string
	LeadsIntakeToken   string
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
	RateLimiter        *httpmiddleware.RateLimiter
	HealthChecks       map[string]HealthCheck
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", healthHandler(cfg.HealthChecks))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.MercadoPagoWebhook != nil {
			public.Post("/webhooks/mercadopago", cfg.MercadoPagoWebhook.Handle)
		}
		if cfg.FakePayments != nil {
			public.Mount("/payments/fake", cfg.FakePayments.Routes())
		}
	})

	// Patient-facing API
	r.Route("/api", func(api chi.Router) {
		if cfg.RateLimiter != nil {
			api.Use(cfg.RateLimiter.Middleware)
		}
		if cfg.Wizard != nil {
			api.Mount("/wizard", cfg.Wizard.Routes())
		}
		if cfg.Auth != nil {
			api.Mount("/auth", cfg.Auth.Routes())
		}
		if cfg.LeadsHandler != nil {
			api.With(requireIntakeToken(cfg.LeadsIntakeToken)).Post("/leads", cfg.LeadsHandler.CaptureLead)
		}
		api.Route("/evaluations/{id}", func(ev chi.Router) {
			if cfg.PaymentsHandler != nil {
				ev.Post("/checkout", cfg.PaymentsHandler.CreateCheckout)
				ev.Get("/payment", cfg.PaymentsHandler.GetPaymentStatus)
			}
			if cfg.Realtime != nil {
				ev.Get("/events", cfg.Realtime.ServeEvents)
			}
		})
	})

	// Staff routes (HMAC JWT with the admin role)
	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Use(middleware.Compress(5))
			if cfg.AdminEvaluations != nil {
				admin.Get("/dashboard", cfg.AdminEvaluations.GetDashboard)
				admin.Get("/evaluations", cfg.AdminEvaluations.ListEvaluations)
				admin.Get("/evaluations/{id}", cfg.AdminEvaluations.GetEvaluation)
			}
			if cfg.LeadsHandler != nil {
				admin.Get("/leads", cfg.LeadsHandler.ListLeads)
				admin.Get("/leads/export.xlsx", cfg.LeadsHandler.ExportLeads)
			}
		})
	}

	return r
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		status := http.StatusOK
		if len(checks) > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			resp.Checks = make(map[string]string, len(checks))
			for name, check := range checks {
				if err := check(ctx); err != nil {
					resp.Checks[name] = err.Error()
					resp.Status = "degraded"
					status = http.StatusServiceUnavailable
					continue
				}
				resp.Checks[name] = "ok"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(resp)
	}
}
