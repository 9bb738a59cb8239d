package orchestrator

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/wire"
)

// Strategy names accepted by the balancer.
const (
	StrategyRoundRobin       = "round-robin"
	StrategyLeastConnections = "least-connections"
	StrategyWeighted         = "weighted"
	StrategyRandom           = "random"
)

// WorkerStats accumulates per-worker request outcomes. currentLoad lives on
// the registry's Worker; everything else is owned here.
type WorkerStats struct {
	RequestCount    int64         `json:"requestCount"`
	SuccessCount    int64         `json:"successCount"`
	FailureCount    int64         `json:"failureCount"`
	TotalProcessing time.Duration `json:"totalProcessingTime"`
	AverageTime     time.Duration `json:"averageProcessingTime"`
	LastRequest     time.Time     `json:"lastRequestTime"`
}

// Balancer picks one worker from a candidate list under the configured
// strategy and records completion stats that feed the weighted strategy.
type Balancer struct {
	mu       sync.Mutex
	strategy string
	stats    map[string]*WorkerStats
	cursors  map[string]int
	rnd      *rand.Rand
}

// NewBalancer returns a balancer using the named strategy.
func NewBalancer(strategy string) (*Balancer, error) {
	switch strategy {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeighted, StrategyRandom:
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", apierr.ErrBadRequest, strategy)
	}
	return &Balancer{
		strategy: strategy,
		stats:    make(map[string]*WorkerStats),
		cursors:  make(map[string]int),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Strategy returns the active strategy name.
func (b *Balancer) Strategy() string { return b.strategy }

// Pick selects one of the candidates. key scopes the round-robin cursor
// (typically the model id). Candidates are registry snapshots; the returned
// pointer indexes into the caller's slice.
func (b *Balancer) Pick(candidates []wire.WorkerView, key string) *wire.WorkerView {
	if len(candidates) == 0 {
		return nil
	}
	if len(candidates) == 1 {
		return &candidates[0]
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.strategy {
	case StrategyLeastConnections:
		return pickLeastConnections(candidates)
	case StrategyWeighted:
		return b.pickWeightedLocked(candidates)
	case StrategyRandom:
		return &candidates[b.rnd.Intn(len(candidates))]
	default:
		return b.pickRoundRobinLocked(candidates, key)
	}
}

// Round-robin cursors are per key and survive candidate-set changes; after a
// worker leaves, a recorded cursor may land on a different worker. That
// drift is accepted.
func (b *Balancer) pickRoundRobinLocked(candidates []wire.WorkerView, key string) *wire.WorkerView {
	if key == "" {
		key = "default"
	}
	cursor := b.cursors[key] % len(candidates)
	b.cursors[key] = (cursor + 1) % len(candidates)
	return &candidates[cursor]
}

func pickLeastConnections(candidates []wire.WorkerView) *wire.WorkerView {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].CurrentLoad < candidates[best].CurrentLoad {
			best = i
		}
	}
	return &candidates[best]
}

// pickWeightedLocked samples proportionally to successRate * (1000 /
// max(avg_ms, 1)). Workers without stats weigh 1.
func (b *Balancer) pickWeightedLocked(candidates []wire.WorkerView) *wire.WorkerView {
	weights := make([]float64, len(candidates))
	var total float64
	for i := range candidates {
		weights[i] = b.weightLocked(candidates[i].ID)
		total += weights[i]
	}
	if total <= 0 {
		return &candidates[b.rnd.Intn(len(candidates))]
	}
	target := b.rnd.Float64() * total
	for i := range candidates {
		target -= weights[i]
		if target < 0 {
			return &candidates[i]
		}
	}
	return &candidates[len(candidates)-1]
}

func (b *Balancer) weightLocked(id string) float64 {
	st, ok := b.stats[id]
	if !ok || st.RequestCount == 0 {
		return 1
	}
	successRate := float64(st.SuccessCount) / float64(st.RequestCount)
	avgMs := float64(st.AverageTime.Milliseconds())
	if avgMs < 1 {
		avgMs = 1
	}
	return successRate * (1000 / avgMs)
}

// Update records a completed request for a worker.
func (b *Balancer) Update(id string, processing time.Duration, success bool) {
	b.mu.Lock()
	st, ok := b.stats[id]
	if !ok {
		st = &WorkerStats{}
		b.stats[id] = st
	}
	st.RequestCount++
	st.TotalProcessing += processing
	st.AverageTime = st.TotalProcessing / time.Duration(st.RequestCount)
	if success {
		st.SuccessCount++
	} else {
		st.FailureCount++
	}
	st.LastRequest = time.Now()
	b.mu.Unlock()
}

// StatsFor returns a copy of the stats for one worker.
func (b *Balancer) StatsFor(id string) (WorkerStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.stats[id]
	if !ok {
		return WorkerStats{}, false
	}
	return *st, true
}

// AllStats returns a copy of every worker's stats.
func (b *Balancer) AllStats() map[string]WorkerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]WorkerStats, len(b.stats))
	for id, st := range b.stats {
		out[id] = *st
	}
	return out
}

// Forget drops stats and cursors tied to a removed worker.
func (b *Balancer) Forget(id string) {
	b.mu.Lock()
	delete(b.stats, id)
	b.mu.Unlock()
}
