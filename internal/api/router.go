package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/killhouse/engine/internal/api/handlers"
	mw "github.com/killhouse/engine/internal/api/middleware"
)

type Dependencies struct {
	HMACSecret      []byte
	AuthHandler     *handlers.AuthHandler
	ProjectsHandler *handlers.ProjectsHandler
	AnalysesHandler *handlers.AnalysesHandler
	WebhookHandler  *handlers.WebhookHandler
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()

	// Built-in middleware
	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.CORS)
	r.Use(mw.RateLimit(10, 20))
	r.Use(chimid.Compress(5))

	// Health endpoints
	hh := handlers.NewHealthHandler()
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)

	// Swagger documentation
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/docs/doc.json"),
	))

	r.Route("/api/v1", func(api chi.Router) {
		// Auth routes (public)
		api.Route("/auth", func(ar chi.Router) {
			ar.Post("/register", dep.AuthHandler.Register)
			ar.Post("/login", dep.AuthHandler.Login)
			ar.Post("/logout", dep.AuthHandler.Logout)
		})

		// Scanner callbacks (public, shared-secret header auth)
		api.Post("/webhooks/analysis", dep.WebhookHandler.AnalysisCallback)

		// Protected routes
		api.Group(func(protected chi.Router) {
			protected.Use(mw.Auth(dep.HMACSecret))

			// Projects
			protected.Route("/projects", func(pr chi.Router) {
				pr.Get("/", dep.ProjectsHandler.List)
				pr.Post("/", dep.ProjectsHandler.Create)
				pr.Get("/{projectID}", dep.ProjectsHandler.Get)
				pr.Put("/{projectID}", dep.ProjectsHandler.Update)
				pr.Delete("/{projectID}", dep.ProjectsHandler.Archive)
			})

			// Analyses
			protected.Route("/analyses", func(ar chi.Router) {
				ar.Get("/", dep.AnalysesHandler.List)
				ar.Post("/", dep.AnalysesHandler.Create)
				ar.Get("/{analysisID}", dep.AnalysesHandler.Get)
				ar.Get("/{analysisID}/logs", dep.AnalysesHandler.Logs)
				ar.Post("/{analysisID}/cancel", dep.AnalysesHandler.Cancel)
			})
		})
	})

	return r
}
