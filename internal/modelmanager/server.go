package modelmanager

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/infermesh/infermesh/internal/httpx"
	"github.com/infermesh/infermesh/internal/modelregistry"
	"github.com/infermesh/infermesh/internal/wire"
)

// NewHandler builds the model manager's HTTP surface.
func NewHandler(s *Service) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(httpx.RequestLogger)

	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(rw, http.StatusOK, wire.HealthResponse{
			Status:  "healthy",
			Service: "modelmanager",
			Uptime:  time.Since(s.started).Seconds(),
		})
	})
	r.Get("/status", func(rw http.ResponseWriter, _ *http.Request) {
		status, err := s.Status()
		if err != nil {
			httpx.WriteError(rw, err)
			return
		}
		httpx.WriteJSON(rw, http.StatusOK, status)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/models", func(r chi.Router) {
		r.Get("/", func(rw http.ResponseWriter, req *http.Request) {
			q := req.URL.Query()
			limit, _ := strconv.Atoi(q.Get("limit"))
			models := s.List(q.Get("type"), limit)
			httpx.WriteJSON(rw, http.StatusOK, map[string]any{
				"models": models,
				"count":  len(models),
			})
		})
		r.Post("/", func(rw http.ResponseWriter, req *http.Request) {
			var body wire.CreateModelRequest
			if err := httpx.DecodeJSON(req, &body); err != nil {
				httpx.WriteError(rw, err)
				return
			}
			md, err := s.Create(body.ModelID, body.ModelData, body.Metadata)
			if err != nil {
				httpx.WriteError(rw, err)
				return
			}
			httpx.WriteJSON(rw, http.StatusOK, wire.CreateModelResult{
				Status:    "created",
				Size:      md.Size,
				Checksum:  md.Checksum,
				CreatedAt: md.CreatedAt,
			})
		})
		r.Post("/search", func(rw http.ResponseWriter, req *http.Request) {
			var c modelregistry.SearchCriteria
			if err := httpx.DecodeJSON(req, &c); err != nil {
				httpx.WriteError(rw, err)
				return
			}
			models := s.Search(c)
			httpx.WriteJSON(rw, http.StatusOK, map[string]any{
				"models": models,
				"count":  len(models),
			})
		})

		r.Route("/{modelId}", func(r chi.Router) {
			r.Get("/", func(rw http.ResponseWriter, req *http.Request) {
				modelID := chi.URLParam(req, "modelId")
				md, blob, err := s.Download(modelID, req.URL.Query().Get("version"))
				if err != nil {
					httpx.WriteError(rw, err)
					return
				}
				httpx.WriteJSON(rw, http.StatusOK, map[string]any{
					"modelId":   modelID,
					"metadata":  md,
					"modelData": blob,
				})
			})
			r.Get("/metadata", func(rw http.ResponseWriter, req *http.Request) {
				md, err := s.registry.Get(chi.URLParam(req, "modelId"), req.URL.Query().Get("version"))
				if err != nil {
					httpx.WriteError(rw, err)
					return
				}
				httpx.WriteJSON(rw, http.StatusOK, md)
			})
			r.Get("/versions", func(rw http.ResponseWriter, req *http.Request) {
				modelID := chi.URLParam(req, "modelId")
				if _, err := s.registry.Get(modelID, ""); err != nil {
					httpx.WriteError(rw, err)
					return
				}
				httpx.WriteJSON(rw, http.StatusOK, map[string]any{
					"modelId":  modelID,
					"versions": s.registry.Versions(modelID),
				})
			})
			r.Patch("/", func(rw http.ResponseWriter, req *http.Request) {
				var p modelregistry.Patch
				if err := httpx.DecodeJSON(req, &p); err != nil {
					httpx.WriteError(rw, err)
					return
				}
				md, err := s.Update(chi.URLParam(req, "modelId"), p)
				if err != nil {
					httpx.WriteError(rw, err)
					return
				}
				httpx.WriteJSON(rw, http.StatusOK, md)
			})
			r.Delete("/", func(rw http.ResponseWriter, req *http.Request) {
				modelID := chi.URLParam(req, "modelId")
				removed, err := s.Delete(modelID, req.URL.Query().Get("version"))
				if err != nil {
					httpx.WriteError(rw, err)
					return
				}
				httpx.WriteJSON(rw, http.StatusOK, map[string]any{
					"deleted": removed,
					"modelId": modelID,
				})
			})
		})
	})
	return r
}
