package orchestrator

import (
	"errors"
	"testing"
	"time"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/wire"
)

func workers(n int) []wire.WorkerView {
	out := make([]wire.WorkerView, n)
	for i := range out {
		out[i] = wire.WorkerView{ID: string(rune('a' + i)), Status: string(StatusActive)}
	}
	return out
}

func TestBalancerUnknownStrategy(t *testing.T) {
	if _, err := NewBalancer("fastest"); !errors.Is(err, apierr.ErrBadRequest) {
		t.Fatalf("unknown strategy: %v", err)
	}
}

func TestBalancerRoundRobinCyclesPerKey(t *testing.T) {
	b, err := NewBalancer(StrategyRoundRobin)
	if err != nil {
		t.Fatal(err)
	}
	ws := workers(3)
	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, b.Pick(ws, "model-a").ID)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cycle: got %v want %v", got, want)
		}
	}
	// A different key owns its own cursor.
	if first := b.Pick(ws, "model-b").ID; first != "a" {
		t.Fatalf("fresh key started at %s", first)
	}
}

func TestBalancerRoundRobinShrinkingCandidates(t *testing.T) {
	b, err := NewBalancer(StrategyRoundRobin)
	if err != nil {
		t.Fatal(err)
	}
	ws := workers(3)
	b.Pick(ws, "m")
	b.Pick(ws, "m")
	// Candidate set shrinks; the cursor must stay in range.
	for i := 0; i < 5; i++ {
		if w := b.Pick(ws[:2], "m"); w == nil {
			t.Fatal("nil pick on shrunk set")
		}
	}
}

func TestBalancerLeastConnections(t *testing.T) {
	b, err := NewBalancer(StrategyLeastConnections)
	if err != nil {
		t.Fatal(err)
	}
	ws := workers(3)
	ws[0].CurrentLoad = 4
	ws[1].CurrentLoad = 1
	ws[2].CurrentLoad = 2
	if w := b.Pick(ws, "m"); w.ID != "b" {
		t.Fatalf("picked %s", w.ID)
	}
	// Ties break in encounter order.
	ws[1].CurrentLoad = 4
	ws[2].CurrentLoad = 4
	if w := b.Pick(ws, "m"); w.ID != "a" {
		t.Fatalf("tie pick: %s", w.ID)
	}
}

func TestBalancerWeightedPrefersFastReliableWorkers(t *testing.T) {
	b, err := NewBalancer(StrategyWeighted)
	if err != nil {
		t.Fatal(err)
	}
	ws := workers(2)
	// a: always succeeds, 10ms. b: half fails, 1000ms.
	for i := 0; i < 20; i++ {
		b.Update("a", 10*time.Millisecond, true)
		b.Update("b", time.Second, i%2 == 0)
	}
	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		counts[b.Pick(ws, "m").ID]++
	}
	if counts["a"] <= counts["b"]*10 {
		t.Fatalf("weighted split: %v", counts)
	}
}

func TestBalancerWeightedUnknownWorkerStillPickable(t *testing.T) {
	b, err := NewBalancer(StrategyWeighted)
	if err != nil {
		t.Fatal(err)
	}
	ws := workers(2)
	b.Update("a", 5*time.Millisecond, true)
	seen := map[string]bool{}
	for i := 0; i < 5000; i++ {
		seen[b.Pick(ws, "m").ID] = true
	}
	if !seen["b"] {
		t.Fatal("worker without stats never picked")
	}
}

func TestBalancerRandomCoversAll(t *testing.T) {
	b, err := NewBalancer(StrategyRandom)
	if err != nil {
		t.Fatal(err)
	}
	ws := workers(4)
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		seen[b.Pick(ws, "m").ID] = true
	}
	if len(seen) != 4 {
		t.Fatalf("random coverage: %v", seen)
	}
}

func TestBalancerSingleCandidateShortCircuit(t *testing.T) {
	b, err := NewBalancer(StrategyWeighted)
	if err != nil {
		t.Fatal(err)
	}
	ws := workers(1)
	if w := b.Pick(ws, "m"); w.ID != "a" {
		t.Fatalf("picked %s", w.ID)
	}
	if b.Pick(nil, "m") != nil {
		t.Fatal("pick on empty set must be nil")
	}
}

func TestBalancerUpdateAndForget(t *testing.T) {
	b, err := NewBalancer(StrategyRoundRobin)
	if err != nil {
		t.Fatal(err)
	}
	b.Update("a", 100*time.Millisecond, true)
	b.Update("a", 300*time.Millisecond, false)
	st, ok := b.StatsFor("a")
	if !ok {
		t.Fatal("stats missing")
	}
	if st.RequestCount != 2 || st.SuccessCount != 1 || st.FailureCount != 1 {
		t.Fatalf("stats: %+v", st)
	}
	if st.AverageTime != 200*time.Millisecond {
		t.Fatalf("average: %v", st.AverageTime)
	}
	b.Forget("a")
	if _, ok := b.StatsFor("a"); ok {
		t.Fatal("stats survived forget")
	}
}
