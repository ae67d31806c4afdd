// Package api wires HTTP routes to the domain services.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matiasleandrokruk/wanderplan/internal/api/handlers"
	apmiddleware "github.com/matiasleandrokruk/wanderplan/internal/api/middleware"
	"github.com/matiasleandrokruk/wanderplan/internal/version"
)

// Deps are the services behind the routes.
type Deps struct {
	Auth        handlers.AuthService
	Tokens      apmiddleware.TokenParser
	Preferences handlers.PreferencesService
	Plans       handlers.PlanService
	Usage       handlers.UsageReader
	Logger      *slog.Logger

	// GeneratePerMinute and GenerateBurst bound POST /plans/{id}/generate per
	// user. Zero disables the limit.
	GeneratePerMinute int
	GenerateBurst     int
}

// NewRouter returns the chi router serving public routes (/health, /auth/*)
// and token-protected routes (/api/v1/*).
func NewRouter(deps Deps) *chi.Mux {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apmiddleware.RequestLogger(logger))
	r.Use(middleware.Recoverer)

	// ===== PUBLIC ROUTES =====

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","version":"` + version.Version + `"}`)) //nolint:errcheck
	})

	authHandler := handlers.NewAuthHandler(deps.Auth)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", authHandler.Register) // POST /auth/register
		r.Post("/login", authHandler.Login)       // POST /auth/login
	})

	// ===== PROTECTED ROUTES =====

	generateLimiter := apmiddleware.NewKeyedLimiter(deps.GeneratePerMinute, deps.GenerateBurst)
	byUser := func(r *http.Request) string {
		userID, _ := GetUserID(r.Context())
		return userID
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apmiddleware.AuthMiddleware(deps.Tokens))

		r.Get("/me", authHandler.Me) // GET /api/v1/me

		prefsHandler := handlers.NewPreferencesHandler(deps.Preferences)
		r.Get("/preferences", prefsHandler.Get) // GET /api/v1/preferences
		r.Put("/preferences", prefsHandler.Put) // PUT /api/v1/preferences

		planHandler := handlers.NewPlanHandler(deps.Plans, logger)
		r.Route("/plans", func(r chi.Router) {
			r.Post("/", planHandler.CreatePlan)           // POST /api/v1/plans
			r.Get("/", planHandler.ListPlans)             // GET /api/v1/plans
			r.Get("/{id}", planHandler.GetPlan)           // GET /api/v1/plans/{id}
			r.Delete("/{id}", planHandler.DeletePlan)     // DELETE /api/v1/plans/{id}
			r.Get("/{id}/export", planHandler.ExportPlan) // GET /api/v1/plans/{id}/export
			r.With(apmiddleware.RateLimit(generateLimiter, byUser)).
				Post("/{id}/generate", planHandler.GeneratePlan) // POST /api/v1/plans/{id}/generate
		})

		if deps.Usage != nil {
			r.Get("/usage", handlers.NewUsageHandler(deps.Usage).GetUsage) // GET /api/v1/usage
		}
	})

	return r
}
