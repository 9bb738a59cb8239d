package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/config"
	"github.com/infermesh/infermesh/internal/rpc"
	"github.com/infermesh/infermesh/internal/wire"
)

// fakeCaller answers runInference in-process; per-worker behavior is
// scripted through err and procTimeMs.
type fakeCaller struct {
	workerID   string
	procTimeMs int64

	mu     sync.Mutex
	calls  int
	err    error
	closed bool
}

func (c *fakeCaller) Call(_ context.Context, method string, _ any, _ time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if method != "runInference" {
		return nil, fmt.Errorf("%w: unexpected method %s", apierr.ErrBadRequest, method)
	}
	res := wire.InferenceResult{
		InferenceID:    "inf-1",
		ModelID:        "m1",
		Predictions:    json.RawMessage(`[0.5]`),
		Confidence:     0.9,
		ProcessingTime: c.procTimeMs,
		Metadata:       map[string]any{"workerId": c.workerID},
	}
	b, _ := json.Marshal(map[string]any{"success": true, "result": res})
	return b, nil
}

func (c *fakeCaller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeCaller) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeFleet struct {
	mu         sync.Mutex
	callers    map[string]*fakeCaller
	procTimeMs int64
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{callers: make(map[string]*fakeCaller)}
}

// factory keys callers by address; registerReq makes addresses unique per
// worker id.
func (f *fakeFleet) factory(address string) rpc.Caller {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeCaller{workerID: address, procTimeMs: f.procTimeMs}
	f.callers[address] = c
	return c
}

func (f *fakeFleet) caller(address string) *fakeCaller {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callers[address]
}

func testOrchestrator(t *testing.T, strategy string, fleet *fakeFleet) *Orchestrator {
	t.Helper()
	cfg := config.OrchestratorConfig{}
	cfg.SetDefaults()
	cfg.LoadBalancingStrategy = strategy
	o, err := New(cfg, &scriptedProber{}, nil, fleet.factory)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func mustRegister(t *testing.T, o *Orchestrator, id string, models ...string) {
	t.Helper()
	if _, err := o.RegisterWorker(registerReq(id, models...)); err != nil {
		t.Fatal(err)
	}
}

func TestRouteInferenceHappyPath(t *testing.T) {
	fleet := newFakeFleet()
	o := testOrchestrator(t, StrategyRoundRobin, fleet)
	mustRegister(t, o, "w1", "m1")

	res, err := o.RouteInference(context.Background(), wire.RouteRequest{
		ModelID:   "m1",
		InputData: json.RawMessage(`{"x":1}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.WorkerID != "w1" || res.Result == nil {
		t.Fatalf("response: %+v", res)
	}
	if res.Result.InferenceID != "inf-1" {
		t.Fatalf("result: %+v", res.Result)
	}
	st, ok := o.Balancer().StatsFor("w1")
	if !ok || st.SuccessCount != 1 {
		t.Fatalf("stats not updated: %+v", st)
	}
	v, _ := o.Registry().View("w1")
	if v.CurrentLoad != 0 {
		t.Fatalf("in-flight not released: %d", v.CurrentLoad)
	}
}

func TestRouteInferenceUsesWorkerReportedProcessingTime(t *testing.T) {
	fleet := newFakeFleet()
	fleet.procTimeMs = 5000
	o := testOrchestrator(t, StrategyRoundRobin, fleet)
	mustRegister(t, o, "w1", "m1")

	if _, err := o.RouteInference(context.Background(), wire.RouteRequest{
		ModelID:   "m1",
		InputData: json.RawMessage(`{"x":1}`),
	}); err != nil {
		t.Fatal(err)
	}
	// The worker said 5s; the in-process round trip took microseconds. The
	// balancer must see the worker's number, not the orchestrator's clock.
	st, ok := o.Balancer().StatsFor("w1")
	if !ok {
		t.Fatal("stats missing")
	}
	if st.AverageTime != 5*time.Second {
		t.Fatalf("average time: %v", st.AverageTime)
	}
}

func TestRouteInferenceNoWorkers(t *testing.T) {
	o := testOrchestrator(t, StrategyRoundRobin, newFakeFleet())
	_, err := o.RouteInference(context.Background(), wire.RouteRequest{
		ModelID:   "m1",
		InputData: json.RawMessage(`{"x":1}`),
	})
	if !errors.Is(err, apierr.ErrNoWorkersAvailable) {
		t.Fatalf("err: %v", err)
	}
}

func TestRouteInferenceRequirementsFilter(t *testing.T) {
	fleet := newFakeFleet()
	o := testOrchestrator(t, StrategyRoundRobin, fleet)
	mustRegister(t, o, "w1", "m1")

	_, err := o.RouteInference(context.Background(), wire.RouteRequest{
		ModelID:   "m1",
		InputData: json.RawMessage(`{"x":1}`),
		Options: &wire.InferenceOptions{
			Requirements: &wire.Requirements{Capabilities: []string{"gpu"}},
		},
	})
	if !errors.Is(err, apierr.ErrNoWorkersMatchRequirements) {
		t.Fatalf("err: %v", err)
	}
}

func TestRouteInferenceTransportErrorNoFailover(t *testing.T) {
	fleet := newFakeFleet()
	o := testOrchestrator(t, StrategyRoundRobin, fleet)
	mustRegister(t, o, "w1", "m1")
	mustRegister(t, o, "w2", "m1")

	// Round-robin picks w1 first; its transport is down.
	_, err := o.RouteInference(context.Background(), wire.RouteRequest{
		ModelID:   "m1",
		InputData: json.RawMessage(`{"x":1}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	w1Addr := "http://w1.local:8082"
	fleet.caller(w1Addr).err = fmt.Errorf("%w: connection refused", apierr.ErrTransport)

	// Next round-robin turn lands on w2 and succeeds; the turn after that
	// is w1 again and must surface Unavailable, not retry w2.
	if _, err := o.RouteInference(context.Background(), wire.RouteRequest{
		ModelID:   "m1",
		InputData: json.RawMessage(`{"x":1}`),
	}); err != nil {
		t.Fatal(err)
	}
	_, err = o.RouteInference(context.Background(), wire.RouteRequest{
		ModelID:   "m1",
		InputData: json.RawMessage(`{"x":1}`),
	})
	if !errors.Is(err, apierr.ErrUnavailable) {
		t.Fatalf("transport failure must surface as unavailable: %v", err)
	}
	w2Calls := fleet.caller("http://w2.local:8082").callCount()
	if w2Calls != 1 {
		t.Fatalf("silent failover happened: w2 calls = %d", w2Calls)
	}
	// Dead client dropped and closed.
	if !fleet.caller(w1Addr).closed {
		t.Fatal("failed client not closed")
	}
	v, _ := o.Registry().View("w1")
	if v.CurrentLoad != 0 {
		t.Fatalf("in-flight leaked on failure: %d", v.CurrentLoad)
	}
}

func TestRouteInferenceWorkerErrorPassesThrough(t *testing.T) {
	fleet := newFakeFleet()
	o := testOrchestrator(t, StrategyRoundRobin, fleet)
	mustRegister(t, o, "w1", "m1")

	if _, err := o.RouteInference(context.Background(), wire.RouteRequest{
		ModelID:   "m1",
		InputData: json.RawMessage(`{"x":1}`),
	}); err != nil {
		t.Fatal(err)
	}
	fleet.caller("http://w1.local:8082").err = apierr.ErrCapacityExceeded

	_, err := o.RouteInference(context.Background(), wire.RouteRequest{
		ModelID:   "m1",
		InputData: json.RawMessage(`{"x":1}`),
	})
	if !errors.Is(err, apierr.ErrCapacityExceeded) {
		t.Fatalf("worker error not passed through: %v", err)
	}
	st, _ := o.Balancer().StatsFor("w1")
	if st.FailureCount != 1 {
		t.Fatalf("failure not recorded: %+v", st)
	}
}

func TestUnregisterDropsClientAndStats(t *testing.T) {
	fleet := newFakeFleet()
	o := testOrchestrator(t, StrategyRoundRobin, fleet)
	mustRegister(t, o, "w1", "m1")

	if _, err := o.RouteInference(context.Background(), wire.RouteRequest{
		ModelID:   "m1",
		InputData: json.RawMessage(`{"x":1}`),
	}); err != nil {
		t.Fatal(err)
	}
	if o.CachedClients() != 1 {
		t.Fatalf("cached clients: %d", o.CachedClients())
	}
	if !o.UnregisterWorker("w1") {
		t.Fatal("unregister failed")
	}
	if o.CachedClients() != 0 {
		t.Fatalf("client survived unregister: %d", o.CachedClients())
	}
	if _, ok := o.Balancer().StatsFor("w1"); ok {
		t.Fatal("stats survived unregister")
	}
	if !fleet.caller("http://w1.local:8082").closed {
		t.Fatal("client not closed on unregister")
	}
}

func TestFindWorkers(t *testing.T) {
	fleet := newFakeFleet()
	o := testOrchestrator(t, StrategyRoundRobin, fleet)
	mustRegister(t, o, "w1", "m1")
	mustRegister(t, o, "w2", "m1")
	o.Registry().SetStatus("w2", StatusUnhealthy)

	views, err := o.FindWorkers(wire.FindWorkersRequest{ModelID: "m1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != 1 || views[0].ID != "w1" {
		t.Fatalf("views: %+v", views)
	}
	if _, err := o.FindWorkers(wire.FindWorkersRequest{ModelID: "missing"}); !errors.Is(err, apierr.ErrNoWorkersAvailable) {
		t.Fatalf("err: %v", err)
	}
}

func TestServerRegisterRouteAndStatus(t *testing.T) {
	fleet := newFakeFleet()
	o := testOrchestrator(t, StrategyRoundRobin, fleet)
	srv := httptest.NewServer(NewHandler(o))
	defer srv.Close()

	reg, _ := json.Marshal(registerReq("w1", "m1"))
	resp, err := http.Post(srv.URL+"/api/workers/register", "application/json", bytes.NewReader(reg))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status: %d", resp.StatusCode)
	}

	route, _ := json.Marshal(wire.RouteRequest{ModelID: "m1", InputData: json.RawMessage(`{"x":1}`)})
	resp, err = http.Post(srv.URL+"/api/inference/route", "application/json", bytes.NewReader(route))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("route status: %d", resp.StatusCode)
	}
	var rr wire.RouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		t.Fatal(err)
	}
	if !rr.Success || rr.WorkerID != "w1" {
		t.Fatalf("route response: %+v", rr)
	}

	statusResp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = statusResp.Body.Close() }()
	var status map[string]any
	if err := json.NewDecoder(statusResp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status["service"] != "orchestrator" {
		t.Fatalf("status: %v", status)
	}
}

func TestServerRouteNoWorkersIs503(t *testing.T) {
	o := testOrchestrator(t, StrategyRoundRobin, newFakeFleet())
	srv := httptest.NewServer(NewHandler(o))
	defer srv.Close()

	route, _ := json.Marshal(wire.RouteRequest{ModelID: "m1", InputData: json.RawMessage(`{"x":1}`)})
	resp, err := http.Post(srv.URL+"/api/inference/route", "application/json", bytes.NewReader(route))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var eb wire.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil {
		t.Fatal(err)
	}
	if eb.Error != "no_workers_available" {
		t.Fatalf("error code: %q", eb.Error)
	}
}
