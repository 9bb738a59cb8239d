package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infermesh/infermesh/internal/wire"
)

type scriptedProber struct {
	fail map[string]bool
}

func (p *scriptedProber) Probe(_ context.Context, w wire.WorkerView) error {
	if p.fail[w.ID] {
		return errors.New("probe failed")
	}
	return nil
}

func TestHealthMonitorQuarantineAfterThreeFailures(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(registerReq("w1", "m1")); err != nil {
		t.Fatal(err)
	}
	prober := &scriptedProber{fail: map[string]bool{"w1": true}}
	m := NewHealthMonitor(r, prober, time.Second)

	ctx := context.Background()
	m.ProbeAll(ctx)
	m.ProbeAll(ctx)
	if v, _ := r.View("w1"); v.Status != string(StatusActive) {
		t.Fatalf("quarantined after 2 failures: %s", v.Status)
	}
	m.ProbeAll(ctx)
	if v, _ := r.View("w1"); v.Status != string(StatusUnhealthy) {
		t.Fatalf("not quarantined after 3 failures: %s", v.Status)
	}
	st, ok := m.State("w1")
	if !ok || st.ConsecutiveFailures != 3 || st.TotalChecks != 3 {
		t.Fatalf("state: %+v", st)
	}
}

func TestHealthMonitorSingleSuccessReadmits(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(registerReq("w1", "m1")); err != nil {
		t.Fatal(err)
	}
	prober := &scriptedProber{fail: map[string]bool{"w1": true}}
	m := NewHealthMonitor(r, prober, time.Second)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		m.ProbeAll(ctx)
	}
	prober.fail["w1"] = false
	m.ProbeAll(ctx)
	v, _ := r.View("w1")
	if v.Status != string(StatusActive) {
		t.Fatalf("one success did not readmit: %s", v.Status)
	}
	st, _ := m.State("w1")
	if st.ConsecutiveFailures != 0 || st.SuccessfulChecks != 1 {
		t.Fatalf("state after recovery: %+v", st)
	}
}

func TestHealthMonitorFailureCounterResetsOnSuccess(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(registerReq("w1", "m1")); err != nil {
		t.Fatal(err)
	}
	prober := &scriptedProber{fail: map[string]bool{"w1": true}}
	m := NewHealthMonitor(r, prober, time.Second)

	ctx := context.Background()
	m.ProbeAll(ctx)
	m.ProbeAll(ctx)
	prober.fail["w1"] = false
	m.ProbeAll(ctx)
	prober.fail["w1"] = true
	m.ProbeAll(ctx)
	m.ProbeAll(ctx)
	// 2 failures, success, 2 failures: never three consecutive.
	if v, _ := r.View("w1"); v.Status != string(StatusActive) {
		t.Fatalf("non-consecutive failures quarantined: %s", v.Status)
	}
}

func TestHealthMonitorPrunesRemovedWorkers(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(registerReq("w1", "m1")); err != nil {
		t.Fatal(err)
	}
	m := NewHealthMonitor(r, &scriptedProber{}, time.Second)
	m.ProbeAll(context.Background())
	if _, ok := m.State("w1"); !ok {
		t.Fatal("no state after probe")
	}
	r.Unregister("w1")
	m.ProbeAll(context.Background())
	if _, ok := m.State("w1"); ok {
		t.Fatal("state survived unregister")
	}
}

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewHTTPProber(time.Second)
	w := wire.WorkerView{ID: "w1", Address: srv.URL}
	if err := p.Probe(context.Background(), w); err != nil {
		t.Fatalf("healthy probe: %v", err)
	}
	status.Store(http.StatusServiceUnavailable)
	if err := p.Probe(context.Background(), w); err == nil {
		t.Fatal("503 probe must fail")
	}
}
