package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes builds the ops router. No auth: the server binds to an
// internal address and access control lives at the network layer.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/providers/usage", h.ProviderUsage)
		r.Get("/reputation", h.Reputation)

		r.Post("/accounts", h.CreateAccount)
		r.Post("/test-send", h.TestSend)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.CreateCampaign)
			r.Post("/process", h.TriggerCampaigns)
			r.Route("/{id}", func(r chi.Router) {
				r.Post("/process", h.TriggerCampaign)
				r.Post("/pause", h.PauseCampaign)
				r.Post("/resume", h.ResumeCampaign)
			})
		})

		r.Route("/receivers", func(r chi.Router) {
			r.Post("/process", h.TriggerReceivers)
			r.Post("/{id}/process", h.TriggerReceiver)
		})

		r.Route("/bounces", func(r chi.Router) {
			r.Post("/process", h.TriggerBounceScan)
			r.Post("/{id}/process", h.TriggerBounceScanFor)
		})
	})

	return r
}
