package orchestrator

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/infermesh/infermesh/internal/httpx"
	"github.com/infermesh/infermesh/internal/wire"
)

// NewHandler builds the orchestrator's HTTP surface.
func NewHandler(o *Orchestrator) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(httpx.RequestLogger)

	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(rw, http.StatusOK, wire.HealthResponse{
			Status:  "healthy",
			Service: "orchestrator",
			Uptime:  time.Since(o.started).Seconds(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", func(rw http.ResponseWriter, _ *http.Request) {
			httpx.WriteJSON(rw, http.StatusOK, o.Status())
		})

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", func(rw http.ResponseWriter, _ *http.Request) {
				httpx.WriteJSON(rw, http.StatusOK, o.registry.Snapshot())
			})
			r.Post("/register", func(rw http.ResponseWriter, req *http.Request) {
				var body wire.RegisterWorkerRequest
				if err := httpx.DecodeJSON(req, &body); err != nil {
					httpx.WriteError(rw, err)
					return
				}
				view, err := o.RegisterWorker(body)
				if err != nil {
					httpx.WriteError(rw, err)
					return
				}
				httpx.WriteJSON(rw, http.StatusOK, view)
			})
			r.Post("/unregister", func(rw http.ResponseWriter, req *http.Request) {
				var body wire.UnregisterWorkerRequest
				if err := httpx.DecodeJSON(req, &body); err != nil {
					httpx.WriteError(rw, err)
					return
				}
				httpx.WriteJSON(rw, http.StatusOK, map[string]any{
					"removed":  o.UnregisterWorker(body.ID),
					"workerId": body.ID,
				})
			})
			r.Post("/find", func(rw http.ResponseWriter, req *http.Request) {
				var body wire.FindWorkersRequest
				if err := httpx.DecodeJSON(req, &body); err != nil {
					httpx.WriteError(rw, err)
					return
				}
				views, err := o.FindWorkers(body)
				if err != nil {
					httpx.WriteError(rw, err)
					return
				}
				httpx.WriteJSON(rw, http.StatusOK, wire.FindWorkersResponse{Workers: views, Count: len(views)})
			})
		})

		r.Post("/inference/route", func(rw http.ResponseWriter, req *http.Request) {
			var body wire.RouteRequest
			if err := httpx.DecodeJSON(req, &body); err != nil {
				httpx.WriteError(rw, err)
				return
			}
			res, err := o.RouteInference(req.Context(), body)
			if err != nil {
				httpx.WriteError(rw, err)
				return
			}
			httpx.WriteJSON(rw, http.StatusOK, res)
		})
	})
	return r
}
