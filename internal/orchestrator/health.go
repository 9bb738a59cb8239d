package orchestrator

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/infermesh/infermesh/internal/logx"
	"github.com/infermesh/infermesh/internal/metrics"
	"github.com/infermesh/infermesh/internal/wire"
)

// quarantineThreshold is the number of consecutive probe failures after
// which a worker is removed from selection.
const quarantineThreshold = 3

// Prober checks one worker's liveness from a registry snapshot.
type Prober interface {
	Probe(ctx context.Context, w wire.WorkerView) error
}

// HTTPProber probes a worker's /health endpoint.
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber returns a prober with a bounded per-probe timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, w wire.WorkerView) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Address+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &probeStatusError{code: resp.StatusCode}
	}
	return nil
}

type probeStatusError struct{ code int }

func (e *probeStatusError) Error() string { return http.StatusText(e.code) }

// HealthState is the monitor's record for one worker.
type HealthState struct {
	Status              string    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	TotalChecks         int       `json:"totalChecks"`
	SuccessfulChecks    int       `json:"successfulChecks"`
	LastCheck           time.Time `json:"lastCheck"`
}

// HealthMonitor probes registered workers on a fixed cadence and drives the
// registry's quarantine transitions. Quarantined workers keep being probed;
// one success readmits them.
type HealthMonitor struct {
	registry *Registry
	prober   Prober
	interval time.Duration

	mu     sync.Mutex
	states map[string]*HealthState
}

// NewHealthMonitor builds a monitor over the registry.
func NewHealthMonitor(reg *Registry, prober Prober, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthMonitor{
		registry: reg,
		prober:   prober,
		interval: interval,
		states:   make(map[string]*HealthState),
	}
}

// Run probes all workers every interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one probe round over every registered worker.
func (m *HealthMonitor) ProbeAll(ctx context.Context) {
	for _, view := range m.registry.Snapshot() {
		m.probeOne(ctx, view)
	}
	m.prune()
}

func (m *HealthMonitor) probeOne(ctx context.Context, w wire.WorkerView) {
	err := m.prober.Probe(ctx, w)

	m.mu.Lock()
	st, ok := m.states[w.ID]
	if !ok {
		st = &HealthState{Status: "healthy"}
		m.states[w.ID] = st
	}
	st.TotalChecks++
	st.LastCheck = time.Now()
	if err == nil {
		st.ConsecutiveFailures = 0
		st.SuccessfulChecks++
		st.Status = "healthy"
	} else {
		st.ConsecutiveFailures++
		if st.ConsecutiveFailures >= quarantineThreshold {
			st.Status = "unhealthy"
		}
	}
	status := st.Status
	failures := st.ConsecutiveFailures
	m.mu.Unlock()

	if err == nil {
		m.registry.SetStatus(w.ID, StatusActive)
		metrics.SetWorkerHealthy(w.ID, true)
		return
	}
	logx.Log.Warn().Str("worker_id", w.ID).Int("consecutive_failures", failures).Err(err).Msg("health probe failed")
	if status == "unhealthy" {
		m.registry.SetStatus(w.ID, StatusUnhealthy)
		metrics.SetWorkerHealthy(w.ID, false)
	}
}

// prune drops monitor state for workers no longer registered.
func (m *HealthMonitor) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.states {
		if _, ok := m.registry.View(id); !ok {
			delete(m.states, id)
		}
	}
}

// State returns a copy of the health record for one worker.
func (m *HealthMonitor) State(id string) (HealthState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return HealthState{}, false
	}
	return *st, true
}

// States returns a copy of all health records.
func (m *HealthMonitor) States() map[string]HealthState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]HealthState, len(m.states))
	for id, st := range m.states {
		out[id] = *st
	}
	return out
}
