package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rgesrger/jdmodeltests/junctiond/api"
)

// Router serves the inference routes plus spawn/remove/list passed through
// to the in-process orchestrator.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.With(g.cfg.Metrics.instrument("/infer")).Post("/infer", g.InferCold)
	r.With(g.cfg.Metrics.instrument("/infer_warm")).Post("/infer_warm", g.InferWarm)
	g.control.Mount(r)
	r.Get("/healthz", api.Health)
	if g.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}
