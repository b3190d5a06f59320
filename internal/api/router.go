package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avelier/scanforge/internal/api/handler"
	mw "github.com/avelier/scanforge/internal/api/middleware"
)

// Dependencies holds the handlers the router wires up.
type Dependencies struct {
	Jobs    *handler.Jobs
	Outputs *handler.Outputs
	System  *handler.System
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", deps.System.Health)

	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Post("/", deps.Jobs.Submit)
		r.Get("/", deps.Jobs.List)
		r.Get("/{jobID}", deps.Jobs.Get)
		r.Post("/{jobID}/cancel", deps.Jobs.Cancel)
		r.Delete("/{jobID}", deps.Jobs.Dismiss)

		r.Get("/{jobID}/pages", deps.Outputs.ListPages)
		r.Get("/{jobID}/pages/{index}", deps.Outputs.GetPage)
	})

	r.Get("/api/v1/system/gpus", deps.System.GPUs)
	r.Get("/api/v1/inputs", deps.System.Inputs)

	return r
}
