package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/config"
	"github.com/infermesh/infermesh/internal/httpx"
	"github.com/infermesh/infermesh/internal/logx"
	"github.com/infermesh/infermesh/internal/metrics"
	"github.com/infermesh/infermesh/internal/wire"
)

// Permissions checked on /api/v1 routes.
const (
	PermInference = "inference"
	PermModels    = "models"
)

type ctxKey int

const keyCtxKey ctxKey = 0

// Gateway fronts the orchestrator and model manager.
type Gateway struct {
	cfg     config.GatewayConfig
	keys    *KeyStore
	limiter Limiter
	client  *http.Client
	started time.Time
}

// New builds a gateway. The Redis limiter is used when a redis address is
// configured; otherwise budgets are per process.
func New(cfg config.GatewayConfig) (*Gateway, error) {
	g := &Gateway{
		cfg:     cfg,
		keys:    NewKeyStore(cfg.APIKeys),
		client:  &http.Client{Timeout: 90 * time.Second},
		started: time.Now(),
	}
	if cfg.RateLimitEnabled {
		if cfg.RedisAddr != "" {
			l, err := NewRedisLimiter(cfg.RedisAddr, cfg.RateLimitWindow, cfg.RateLimitMax)
			if err != nil {
				return nil, fmt.Errorf("redis rate limiter: %w", err)
			}
			g.limiter = l
		} else {
			g.limiter = NewMemoryLimiter(cfg.RateLimitWindow, cfg.RateLimitMax)
		}
	}
	return g, nil
}

// Close releases the limiter.
func (g *Gateway) Close() {
	if g.limiter != nil {
		g.limiter.Close()
	}
}

// NewHandler builds the gateway's HTTP surface.
func NewHandler(g *Gateway) http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(httpx.RequestLogger)
	origins := g.cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(rw http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(rw, http.StatusOK, wire.HealthResponse{
			Status:  "healthy",
			Service: "gateway",
			Uptime:  time.Since(g.started).Seconds(),
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(g.authenticate)
		r.Use(g.rateLimit)

		r.Post("/inference/{modelId}", g.requirePerm(PermInference, g.handleInference))
		r.Route("/models", func(r chi.Router) {
			r.Get("/", g.requirePerm(PermModels, g.handleListModels))
			r.Post("/", g.requirePerm(PermModels, g.handleCreateModel))
			r.Get("/{modelId}", g.requirePerm(PermModels, g.handleGetModel))
		})
		r.Get("/status", g.handleStatus)
	})
	return r
}

// authenticate resolves the client identity from X-Api-Key or a bearer
// token. With auth disabled every request passes anonymously.
func (g *Gateway) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if !g.cfg.AuthEnabled {
			next.ServeHTTP(rw, req)
			return
		}
		key := req.Header.Get("X-Api-Key")
		if key == "" {
			if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		identity, err := g.keys.Authenticate(key)
		if err != nil {
			httpx.WriteError(rw, err)
			return
		}
		next.ServeHTTP(rw, req.WithContext(context.WithValue(req.Context(), keyCtxKey, identity)))
	})
}

func identityFrom(req *http.Request) *APIKey {
	k, _ := req.Context().Value(keyCtxKey).(*APIKey)
	return k
}

// rateLimit budgets per remote host.
func (g *Gateway) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if g.limiter == nil {
			next.ServeHTTP(rw, req)
			return
		}
		clientID := clientID(req)
		ok, err := g.limiter.Allow(req.Context(), clientID)
		if err != nil {
			logx.Log.Error().Err(err).Msg("rate limiter backend failed")
			httpx.WriteError(rw, fmt.Errorf("%w: rate limiter", apierr.ErrUnavailable))
			return
		}
		if !ok {
			metrics.RecordRateLimited()
			httpx.WriteError(rw, fmt.Errorf("%w: window %s, limit %d",
				apierr.ErrRateLimited, g.cfg.RateLimitWindow, g.cfg.RateLimitMax))
			return
		}
		next.ServeHTTP(rw, req)
	})
}

// clientID keys the rate limiter by the remote host.
func clientID(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func (g *Gateway) requirePerm(perm string, next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, req *http.Request) {
		if g.cfg.AuthEnabled {
			k := identityFrom(req)
			if k == nil || !k.Allows(perm) {
				httpx.WriteError(rw, fmt.Errorf("%w: requires %s", apierr.ErrForbidden, perm))
				return
			}
		}
		next(rw, req)
	}
}

// handleInference wraps the public inference shape into a routing request
// for the orchestrator and rewraps the routed result into the gateway
// envelope.
func (g *Gateway) handleInference(rw http.ResponseWriter, req *http.Request) {
	modelID := chi.URLParam(req, "modelId")
	var body struct {
		InputData json.RawMessage        `json:"inputData"`
		Options   *wire.InferenceOptions `json:"options"`
	}
	if err := httpx.DecodeJSON(req, &body); err != nil {
		httpx.WriteError(rw, err)
		return
	}
	if len(body.InputData) == 0 {
		httpx.WriteError(rw, fmt.Errorf("%w: missing inputData", apierr.ErrBadRequest))
		return
	}
	route := wire.RouteRequest{ModelID: modelID, InputData: body.InputData, Options: body.Options}
	payload, err := json.Marshal(route)
	if err != nil {
		httpx.WriteError(rw, fmt.Errorf("%w: %v", apierr.ErrBadRequest, err))
		return
	}
	status, data, err := g.call(req.Context(), http.MethodPost, g.cfg.OrchestratorURL+"/api/inference/route", payload)
	if err != nil {
		httpx.WriteError(rw, err)
		return
	}
	if status >= 400 {
		relay(rw, status, data)
		return
	}
	var routed wire.RouteResponse
	if err := json.Unmarshal(data, &routed); err != nil {
		httpx.WriteError(rw, fmt.Errorf("%w: decode orchestrator response: %v", apierr.ErrUnavailable, err))
		return
	}
	httpx.WriteJSON(rw, http.StatusOK, map[string]any{
		"success":   true,
		"modelId":   modelID,
		"result":    routed.Result,
		"workerId":  routed.WorkerID,
		"timestamp": time.Now().UTC(),
	})
}

func (g *Gateway) handleListModels(rw http.ResponseWriter, req *http.Request) {
	url := g.cfg.ModelManagerURL + "/api/models"
	if q := req.URL.RawQuery; q != "" {
		url += "?" + q
	}
	status, data, err := g.call(req.Context(), http.MethodGet, url, nil)
	if err != nil {
		httpx.WriteError(rw, err)
		return
	}
	if status >= 400 {
		relay(rw, status, data)
		return
	}
	var down struct {
		Models json.RawMessage `json:"models"`
		Count  int             `json:"count"`
	}
	if err := json.Unmarshal(data, &down); err != nil {
		httpx.WriteError(rw, fmt.Errorf("%w: decode model list: %v", apierr.ErrUnavailable, err))
		return
	}
	httpx.WriteJSON(rw, http.StatusOK, map[string]any{
		"success":   true,
		"models":    down.Models,
		"count":     down.Count,
		"timestamp": time.Now().UTC(),
	})
}

func (g *Gateway) handleGetModel(rw http.ResponseWriter, req *http.Request) {
	modelID := chi.URLParam(req, "modelId")
	status, data, err := g.call(req.Context(), http.MethodGet,
		g.cfg.ModelManagerURL+"/api/models/"+modelID+"/metadata", nil)
	if err != nil {
		httpx.WriteError(rw, err)
		return
	}
	if status >= 400 {
		relay(rw, status, data)
		return
	}
	httpx.WriteJSON(rw, http.StatusOK, map[string]any{
		"success":   true,
		"model":     json.RawMessage(data),
		"timestamp": time.Now().UTC(),
	})
}

func (g *Gateway) handleCreateModel(rw http.ResponseWriter, req *http.Request) {
	payload, err := io.ReadAll(req.Body)
	if err != nil {
		httpx.WriteError(rw, fmt.Errorf("%w: read body: %v", apierr.ErrBadRequest, err))
		return
	}
	var create wire.CreateModelRequest
	if err := json.Unmarshal(payload, &create); err != nil {
		httpx.WriteError(rw, fmt.Errorf("%w: %v", apierr.ErrBadRequest, err))
		return
	}
	status, data, err := g.call(req.Context(), http.MethodPost, g.cfg.ModelManagerURL+"/api/models", payload)
	if err != nil {
		httpx.WriteError(rw, err)
		return
	}
	if status >= 400 {
		relay(rw, status, data)
		return
	}
	httpx.WriteJSON(rw, http.StatusOK, map[string]any{
		"success":   true,
		"modelId":   create.ModelID,
		"result":    json.RawMessage(data),
		"timestamp": time.Now().UTC(),
	})
}

// call performs one downstream request and returns its status and body.
// An unreachable downstream is Unavailable.
func (g *Gateway) call(ctx context.Context, method, url string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", apierr.ErrUnavailable, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := g.client.Do(req)
	if err != nil {
		logx.Log.Warn().Str("url", url).Err(err).Msg("downstream unreachable")
		return 0, nil, fmt.Errorf("%w: downstream unreachable", apierr.ErrUnavailable)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read downstream response: %v", apierr.ErrUnavailable, err)
	}
	return resp.StatusCode, data, nil
}

// relay writes a downstream error envelope through unchanged.
func relay(rw http.ResponseWriter, status int, data []byte) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if _, err := rw.Write(data); err != nil {
		logx.Log.Warn().Err(err).Msg("relay response body")
	}
}

// handleStatus combines the gateway's own state with downstream health.
func (g *Gateway) handleStatus(rw http.ResponseWriter, req *http.Request) {
	status := map[string]any{
		"service": "gateway",
		"uptime":  time.Since(g.started).Seconds(),
		"auth": map[string]any{
			"enabled": g.cfg.AuthEnabled,
			"keys":    g.keys.Count(),
		},
		"rateLimit": map[string]any{
			"enabled":     g.cfg.RateLimitEnabled,
			"window":      g.cfg.RateLimitWindow.String(),
			"maxRequests": g.cfg.RateLimitMax,
			"shared":      g.cfg.RedisAddr != "",
		},
		"orchestrator": g.downstreamHealth(req.Context(), g.cfg.OrchestratorURL),
		"modelManager": g.downstreamHealth(req.Context(), g.cfg.ModelManagerURL),
	}
	httpx.WriteJSON(rw, http.StatusOK, status)
}

func (g *Gateway) downstreamHealth(ctx context.Context, base string) map[string]any {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
	if err != nil {
		return map[string]any{"status": "unreachable"}
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return map[string]any{"status": "unreachable"}
	}
	defer func() { _ = resp.Body.Close() }()
	var h wire.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return map[string]any{"status": "unreachable"}
	}
	return map[string]any{"status": h.Status, "uptime": h.Uptime}
}
