// Package api assembles the HTTP router.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/martinseidl/gridflow/internal/api/handler"
	mw "github.com/martinseidl/gridflow/internal/api/middleware"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	APIPrefix string

	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	Jobs          *handler.JobHandler
	Files         *handler.FileHandler
	HealthHandler http.HandlerFunc
}

// NewRouter builds the chi router with the middleware stack and all routes.
// The files and results routes accept signed URLs as an alternative to a
// bearer key; everything else requires the bearer key.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Route(deps.APIPrefix, func(r chi.Router) {
		r.Get("/health", deps.HealthHandler)

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.Authenticate)
			r.Use(deps.RateLimit.Limit)

			r.Post("/jobs", deps.Jobs.Create)
			r.Get("/jobs", deps.Jobs.List)
			r.Get("/jobs/{jobID}", deps.Jobs.Get)
			r.Post("/jobs/{jobID}/start", deps.Jobs.Start)
			r.Post("/jobs/{jobID}/stop", deps.Jobs.Stop)
			r.Delete("/jobs/{jobID}", deps.Jobs.Delete)
			r.Get("/jobs/{jobID}/logs", deps.Jobs.Logs)

			r.Post("/result", deps.Jobs.ProcessSync)
		})

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.AuthenticateOrSigned)
			r.Use(deps.RateLimit.Limit)

			r.Get("/jobs/{jobID}/results", deps.Jobs.Results)
			r.Get("/files/*", deps.Files.Serve)
			r.Head("/files/*", deps.Files.Serve)
		})
	})

	return r
}
