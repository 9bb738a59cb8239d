package worker

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/infermesh/infermesh/internal/httpx"
	"github.com/infermesh/infermesh/internal/wire"
)

// NewHandler builds the worker's HTTP surface.
func NewHandler(w *Worker) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(httpx.RequestLogger)

	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
		h := w.Health()
		h.Status = statusWithSystem(h.Status)
		httpx.WriteJSON(rw, http.StatusOK, h)
	})
	r.Get("/status", func(rw http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(rw, http.StatusOK, w.StatusSnapshot())
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/inference/{modelId}", func(rw http.ResponseWriter, req *http.Request) {
			modelID := chi.URLParam(req, "modelId")
			var body struct {
				InputData json.RawMessage        `json:"inputData"`
				Options   *wire.InferenceOptions `json:"options"`
			}
			if err := httpx.DecodeJSON(req, &body); err != nil {
				httpx.WriteError(rw, err)
				return
			}
			res, err := w.RunInference(req.Context(), modelID, body.InputData, body.Options)
			if err != nil {
				httpx.WriteError(rw, err)
				return
			}
			httpx.WriteJSON(rw, http.StatusOK, map[string]any{
				"success": true,
				"result":  res,
			})
		})
		r.Get("/capacity", func(rw http.ResponseWriter, req *http.Request) {
			httpx.WriteJSON(rw, http.StatusOK, w.CheckCapacity(req.URL.Query().Get("modelId")))
		})
		r.Post("/models/{modelId}/load", func(rw http.ResponseWriter, req *http.Request) {
			modelID := chi.URLParam(req, "modelId")
			loaded, err := w.LoadModel(req.Context(), modelID)
			if err != nil {
				httpx.WriteError(rw, err)
				return
			}
			httpx.WriteJSON(rw, http.StatusOK, wire.LoadModelResponse{Loaded: loaded, ModelID: modelID})
		})
		r.Post("/models/{modelId}/unload", func(rw http.ResponseWriter, req *http.Request) {
			modelID := chi.URLParam(req, "modelId")
			removed := w.UnloadModel(modelID)
			httpx.WriteJSON(rw, http.StatusOK, map[string]any{"unloaded": removed, "modelId": modelID})
		})
	})
	return r
}
