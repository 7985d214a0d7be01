package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pageforge/pageforge/agent-engine/internal/api/handlers"
	"github.com/pageforge/pageforge/agent-engine/internal/api/middleware"
	"github.com/pageforge/pageforge/agent-engine/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware. Identity runs before Logger and Telemetry so both
	// can annotate with the resolved user.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Identity)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-User-Id", "X-User-Capabilities", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", h.Chat)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Get("/catalog", h.AgentCatalog)
			r.Route("/{slug}", func(r chi.Router) {
				r.Post("/install", h.InstallAgent)
				r.Post("/activate", h.ActivateAgent)
				r.Post("/deactivate", h.DeactivateAgent)
				r.Delete("/", h.DeleteAgent)
			})
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", h.ListJobs)
			r.Post("/", h.CreateJob)
			r.Route("/{jobId}", func(r chi.Router) {
				r.Get("/", h.GetJob)
				r.Post("/cancel", h.CancelJob)
				r.Delete("/", h.DeleteJob)
			})
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", h.ListApprovals)
			r.Post("/{approvalId}/approve", h.ApproveItem)
			r.Post("/{approvalId}/reject", h.RejectItem)
		})

		r.Route("/settings", func(r chi.Router) {
			r.Get("/provider", h.ProviderSettings)
			r.Put("/provider", h.UpdateProvider)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", h.CacheStats)
			r.Delete("/", h.ClearCache)
		})

		r.Get("/audit", h.ListAudit)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "pageforge-agent-engine",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "pageforge-agent-engine",
		})
	}
}
