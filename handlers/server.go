package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/atomic"

	"privatrengoering.dk/cloud/internal/auth"
	"privatrengoering.dk/cloud/internal/billing"
	"privatrengoering.dk/cloud/internal/entitlement"
	"privatrengoering.dk/cloud/internal/metrics"
	"privatrengoering.dk/cloud/internal/ratelimit"
	"privatrengoering.dk/cloud/storage"
)

type Dependencies struct {
	Billing *billing.Service
	Storage storage.Storage
	Auth    *auth.Authenticator
	Metrics *metrics.Metrics
	// Limiter guards the public billing endpoints. Nil disables limiting.
	Limiter ratelimit.RateLimit
	Version string
}

type Server struct {
	Router   chi.Router
	billing  *billing.Service
	storage  storage.Storage
	auth     *auth.Authenticator
	gate     *entitlement.Gate
	metrics  *metrics.Metrics
	limiter  ratelimit.RateLimit
	version  string
	draining *atomic.Bool
}

func NewHttpServer(deps Dependencies) *Server {
	s := &Server{
		billing:  deps.Billing,
		storage:  deps.Storage,
		auth:     deps.Auth,
		gate:     entitlement.NewGate(deps.Storage),
		metrics:  deps.Metrics,
		limiter:  deps.Limiter,
		version:  deps.Version,
		draining: atomic.NewBool(false),
	}
	s.Router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// SetDraining makes /health report that the process is shutting down.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

var collaboratorCORS = cors.Options{
	AllowedOrigins: []string{"*"},
	AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	ExposedHeaders: []string{"X-Request-ID"},
	MaxAge:         300,
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestID)
	r.Use(s.instrument)
	r.Use(s.recoverer)

	r.Get("/health", s.Health)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// Processor callbacks and portal redirects are not browser-facing.
	r.Post("/webhook", s.HandleWebhook)
	r.With(s.rateLimit).Post("/portal-session", s.CreatePortalSession)

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(collaboratorCORS))

		preflight := func(w http.ResponseWriter, r *http.Request) {}
		for _, path := range []string{"/checkout-session", "/subscription", "/premium/ping", "/admin/users/{id}/subscription"} {
			r.Options(path, preflight)
		}

		r.With(s.rateLimit, s.auth.OptionalMiddleware(writeErrorResponse)).
			Post("/checkout-session", s.CreateCheckoutSession)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(writeErrorResponse))

			r.Get("/subscription", s.GetSubscription)
			r.With(s.gate.Middleware(writeErrorResponse)).Get("/premium/ping", s.PremiumPing)
			r.With(s.auth.AdminMiddleware(writeErrorResponse)).
				Get("/admin/users/{id}/subscription", s.AdminGetSubscription)
		})
	})

	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return ratelimit.Middleware(s.limiter, writeErrorResponse)(next)
}
