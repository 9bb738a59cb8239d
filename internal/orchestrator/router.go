package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/config"
	"github.com/infermesh/infermesh/internal/logx"
	"github.com/infermesh/infermesh/internal/metrics"
	"github.com/infermesh/infermesh/internal/rpc"
	"github.com/infermesh/infermesh/internal/wire"
)

// DiscoveryOracle refreshes the registry from an external source. The
// default is a no-op; deployments with an external catalog plug their own
// in.
type DiscoveryOracle interface {
	Discover(ctx context.Context) ([]wire.RegisterWorkerRequest, error)
}

// NoopDiscovery returns nothing; workers self-register.
type NoopDiscovery struct{}

// Discover implements DiscoveryOracle.
func (NoopDiscovery) Discover(context.Context) ([]wire.RegisterWorkerRequest, error) {
	return nil, nil
}

// CallerFactory builds an RPC caller for a worker address. Swappable so
// tests can route calls in-process.
type CallerFactory func(address string) rpc.Caller

// Orchestrator owns worker lifecycle, selection, and routing.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	registry  *Registry
	balancer  *Balancer
	monitor   *HealthMonitor
	discovery DiscoveryOracle

	clientMu sync.Mutex
	clients  map[string]rpc.Caller
	factory  CallerFactory

	started time.Time
}

// New assembles an orchestrator. prober and discovery may be nil for
// defaults.
func New(cfg config.OrchestratorConfig, prober Prober, discovery DiscoveryOracle, factory CallerFactory) (*Orchestrator, error) {
	bal, err := NewBalancer(cfg.LoadBalancingStrategy)
	if err != nil {
		return nil, err
	}
	if prober == nil {
		prober = NewHTTPProber(cfg.HealthCheckInterval / 2)
	}
	if discovery == nil {
		discovery = NoopDiscovery{}
	}
	if factory == nil {
		factory = func(address string) rpc.Caller { return rpc.NewHTTPCaller(address) }
	}
	reg := NewRegistry()
	return &Orchestrator{
		cfg:       cfg,
		registry:  reg,
		balancer:  bal,
		monitor:   NewHealthMonitor(reg, prober, cfg.HealthCheckInterval),
		discovery: discovery,
		clients:   make(map[string]rpc.Caller),
		factory:   factory,
		started:   time.Now(),
	}, nil
}

// Registry exposes the service registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Balancer exposes the load balancer.
func (o *Orchestrator) Balancer() *Balancer { return o.balancer }

// Monitor exposes the health monitor.
func (o *Orchestrator) Monitor() *HealthMonitor { return o.monitor }

// RegisterWorker inserts or refreshes a worker.
func (o *Orchestrator) RegisterWorker(req wire.RegisterWorkerRequest) (wire.WorkerView, error) {
	view, err := o.registry.Register(req)
	if err != nil {
		return wire.WorkerView{}, err
	}
	logx.Log.Info().Str("worker_id", view.ID).Str("address", view.Address).Int("models", len(view.Models)).Msg("worker registered")
	return view, nil
}

// UnregisterWorker removes a worker, its stats, and its cached RPC client.
func (o *Orchestrator) UnregisterWorker(id string) bool {
	ok := o.registry.Unregister(id)
	if ok {
		o.balancer.Forget(id)
		o.dropClient(id)
		logx.Log.Info().Str("worker_id", id).Msg("worker unregistered")
	}
	return ok
}

// FindWorkers returns the active workers for a model after applying the
// request's requirements.
func (o *Orchestrator) FindWorkers(req wire.FindWorkersRequest) ([]wire.WorkerView, error) {
	if req.ModelID == "" {
		return nil, fmt.Errorf("%w: missing modelId", apierr.ErrBadRequest)
	}
	candidates := o.registry.WorkersForModel(req.ModelID)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: model %s", apierr.ErrNoWorkersAvailable, req.ModelID)
	}
	candidates = filterByRequirements(candidates, req.Requirements)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: model %s", apierr.ErrNoWorkersMatchRequirements, req.ModelID)
	}
	return candidates, nil
}

func filterByRequirements(candidates []wire.WorkerView, req *wire.Requirements) []wire.WorkerView {
	if req == nil {
		return candidates
	}
	out := make([]wire.WorkerView, 0, len(candidates))
	for _, w := range candidates {
		if !hasAllCapabilities(w, req.Capabilities) {
			continue
		}
		if req.MinCapacity > 0 && w.CurrentLoad >= req.MinCapacity {
			continue
		}
		out = append(out, w)
	}
	return out
}

func hasAllCapabilities(w wire.WorkerView, tags []string) bool {
	for _, t := range tags {
		found := false
		for _, c := range w.Capabilities {
			if c == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RouteInference picks a worker for the request and dispatches it. A
// transport failure is surfaced as Unavailable without retrying on another
// worker; the health monitor handles the rest on its next tick.
func (o *Orchestrator) RouteInference(ctx context.Context, req wire.RouteRequest) (*wire.RouteResponse, error) {
	if req.ModelID == "" {
		return nil, fmt.Errorf("%w: missing modelId", apierr.ErrBadRequest)
	}
	if len(req.InputData) == 0 {
		return nil, fmt.Errorf("%w: missing inputData", apierr.ErrBadRequest)
	}
	candidates := o.registry.WorkersForModel(req.ModelID)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: model %s", apierr.ErrNoWorkersAvailable, req.ModelID)
	}
	var requirements *wire.Requirements
	if req.Options != nil {
		requirements = req.Options.Requirements
	}
	candidates = filterByRequirements(candidates, requirements)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: model %s", apierr.ErrNoWorkersMatchRequirements, req.ModelID)
	}
	worker := o.balancer.Pick(candidates, req.ModelID)

	o.registry.IncInFlight(worker.ID)
	start := time.Now()
	success := false
	// Worker-reported processing time feeds the weighted strategy; the
	// measured round trip stands in when the worker reports none.
	var reported time.Duration
	defer func() {
		o.registry.DecInFlight(worker.ID)
		elapsed := time.Since(start)
		processing := elapsed
		if reported > 0 {
			processing = reported
		}
		o.balancer.Update(worker.ID, processing, success)
		metrics.RecordInferenceRequest(req.ModelID, success)
		metrics.RecordWorkerRequest(worker.ID, success)
		metrics.RecordWorkerProcessingTime(worker.ID, processing)
		metrics.ObserveRequestDuration(worker.ID, req.ModelID, elapsed)
	}()

	client := o.clientFor(worker.ID, worker.Address)
	raw, err := client.Call(ctx, "runInference",
		rpc.RunInferenceParams(req.ModelID, req.InputData, req.Options), o.cfg.RequestTimeout)
	if err != nil {
		if errors.Is(err, apierr.ErrTransport) {
			// No silent failover: drop the cached client and surface the
			// outage; quarantine is the health monitor's call.
			o.dropClient(worker.ID)
			logx.Log.Warn().Str("worker_id", worker.ID).Err(err).Msg("worker unreachable")
			return nil, fmt.Errorf("%w: worker %s: %v", apierr.ErrUnavailable, worker.ID, err)
		}
		return nil, err
	}

	var envelope struct {
		Success bool                  `json:"success"`
		Result  *wire.InferenceResult `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode worker response: %v", apierr.ErrTransport, err)
	}
	if envelope.Result == nil {
		return nil, fmt.Errorf("%w: worker %s returned no result", apierr.ErrUnavailable, worker.ID)
	}
	if envelope.Result.ProcessingTime > 0 {
		reported = time.Duration(envelope.Result.ProcessingTime) * time.Millisecond
	}
	success = true
	o.registry.Touch(worker.ID)
	return &wire.RouteResponse{
		Success:  true,
		Result:   envelope.Result,
		WorkerID: worker.ID,
		RoutedAt: time.Now(),
	}, nil
}

// clientFor returns the cached RPC client for a worker, creating it lazily.
func (o *Orchestrator) clientFor(id, address string) rpc.Caller {
	o.clientMu.Lock()
	defer o.clientMu.Unlock()
	if c, ok := o.clients[id]; ok {
		return c
	}
	c := o.factory(address)
	o.clients[id] = c
	return c
}

func (o *Orchestrator) dropClient(id string) {
	o.clientMu.Lock()
	c, ok := o.clients[id]
	delete(o.clients, id)
	o.clientMu.Unlock()
	if ok {
		c.Close()
	}
}

// CachedClients reports the number of live RPC clients.
func (o *Orchestrator) CachedClients() int {
	o.clientMu.Lock()
	defer o.clientMu.Unlock()
	return len(o.clients)
}

// RunBackground starts the health and discovery loops and blocks until ctx
// is cancelled. Both loops are singletons per orchestrator.
func (o *Orchestrator) RunBackground(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		o.runDiscovery(ctx)
	}()
	wg.Wait()
}

func (o *Orchestrator) runDiscovery(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ServiceDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			found, err := o.discovery.Discover(ctx)
			if err != nil {
				logx.Log.Warn().Err(err).Msg("service discovery failed")
				continue
			}
			for _, req := range found {
				if _, err := o.RegisterWorker(req); err != nil {
					logx.Log.Warn().Str("worker_id", req.ID).Err(err).Msg("discovered worker rejected")
				}
			}
		}
	}
}

// Status aggregates the orchestrator's view for GET /api/status.
func (o *Orchestrator) Status() map[string]any {
	return map[string]any{
		"service":  "orchestrator",
		"uptime":   time.Since(o.started).Seconds(),
		"strategy": o.balancer.Strategy(),
		"workers":  o.registry.Snapshot(),
		"models":   o.registry.Models(),
		"health":   o.monitor.States(),
		"stats":    o.balancer.AllStats(),
	}
}
