package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/config"
	"github.com/infermesh/infermesh/internal/wire"
)

func testConfig(maxConcurrent int) config.WorkerConfig {
	return config.WorkerConfig{
		WorkerID:                "w-test",
		MaxConcurrentInferences: maxConcurrent,
		InferenceTimeout:        5 * time.Second,
		ModelCacheSize:          10,
	}
}

func injectStub(w *Worker, id string, predict PredictFunc) {
	w.InjectModel(&LoadedModel{ID: id, Version: "1.0", Predict: predict})
}

func TestRunInferenceHappyPath(t *testing.T) {
	w := New(testConfig(4), nil)
	injectStub(w, "m1", nil)

	res, err := w.RunInference(context.Background(), "m1", json.RawMessage(`{"x":1}`), nil)
	if err != nil {
		t.Fatalf("run inference: %v", err)
	}
	var preds []float64
	if err := json.Unmarshal(res.Predictions, &preds); err != nil {
		t.Fatalf("decode predictions: %v", err)
	}
	if len(preds) != 1000 {
		t.Fatalf("predictions length: %d", len(preds))
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", res.Confidence)
	}
	if res.ModelID != "m1" || res.InferenceID == "" {
		t.Fatalf("result identity: %+v", res)
	}
	if got := w.History().Len(); got != 1 {
		t.Fatalf("history length: %d", got)
	}
}

func TestRunInferenceModelNotAvailable(t *testing.T) {
	w := New(testConfig(1), nil)
	_, err := w.RunInference(context.Background(), "m1", json.RawMessage(`{"x":1}`), nil)
	if !errors.Is(err, apierr.ErrModelNotAvailable) {
		t.Fatalf("expected ErrModelNotAvailable, got %v", err)
	}
	if got := w.CheckCapacity("").CurrentLoad; got != 0 {
		t.Fatalf("slot leaked: currentLoad=%d", got)
	}
}

func TestCapacityGateFailsFast(t *testing.T) {
	w := New(testConfig(1), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	injectStub(w, "m1", func(_ context.Context, _ processedInput) (any, error) {
		close(started)
		<-release
		return map[string]any{"predictions": []int{1}}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := w.RunInference(context.Background(), "m1", json.RawMessage(`{"x":1}`), nil)
		done <- err
	}()
	<-started

	_, err := w.RunInference(context.Background(), "m1", json.RawMessage(`{"x":2}`), nil)
	if !errors.Is(err, apierr.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	if got := w.CheckCapacity("").CurrentLoad; got != 0 {
		t.Fatalf("load after drain: %d", got)
	}
}

func TestCapacitySafetyUnderParallelLoad(t *testing.T) {
	const maxConcurrent = 4
	w := New(testConfig(maxConcurrent), nil)
	var concurrent, peak int64
	injectStub(w, "m1", func(_ context.Context, _ processedInput) (any, error) {
		cur := atomic.AddInt64(&concurrent, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if cur <= old || atomic.CompareAndSwapInt64(&peak, old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt64(&concurrent, -1)
		return "ok", nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = w.RunInference(context.Background(), "m1", json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)), nil)
		}(i)
	}
	wg.Wait()
	if p := atomic.LoadInt64(&peak); p > maxConcurrent {
		t.Fatalf("capacity violated: peak %d > %d", p, maxConcurrent)
	}
	if got := w.CheckCapacity("").CurrentLoad; got != 0 {
		t.Fatalf("load after drain: %d", got)
	}
}

func TestDecrementOnFailure(t *testing.T) {
	const n = 3
	w := New(testConfig(n), nil)
	injectStub(w, "m1", func(_ context.Context, _ processedInput) (any, error) {
		return nil, errors.New("boom")
	})
	for i := 0; i < n; i++ {
		if _, err := w.RunInference(context.Background(), "m1", json.RawMessage(`{"x":1}`), nil); !errors.Is(err, apierr.ErrExecutionError) {
			t.Fatalf("forced failure %d: %v", i, err)
		}
	}
	// All slots must have been released; a full batch must be admitted again.
	injectStub(w, "m2", nil)
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = w.RunInference(context.Background(), "m2", json.RawMessage(`{"x":1}`), nil)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d after failures: %v", i, err)
		}
	}
}

func TestInferenceTimeout(t *testing.T) {
	w := New(testConfig(1), nil)
	injectStub(w, "m1", func(_ context.Context, _ processedInput) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	})
	start := time.Now()
	_, err := w.RunInference(context.Background(), "m1", json.RawMessage(`{"x":1}`),
		&wire.InferenceOptions{TimeoutMs: 50})
	if !errors.Is(err, apierr.ErrInferenceTimeout) {
		t.Fatalf("expected ErrInferenceTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Fatalf("timeout enforcement too slow: %s", elapsed)
	}
	if got := w.CheckCapacity("").CurrentLoad; got != 0 {
		t.Fatalf("slot leaked after timeout: %d", got)
	}
	rec := w.History().Recent(1)
	if len(rec) != 1 || rec[0].Success {
		t.Fatalf("timeout should record failure: %+v", rec)
	}
}

type countingFetcher struct {
	mu      sync.Mutex
	fetches int
	delay   time.Duration
}

func (f *countingFetcher) Fetch(_ context.Context, modelID string) (*FetchedModel, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return &FetchedModel{ModelID: modelID, Data: []byte("weights"), Metadata: map[string]any{"version": "1.0"}}, nil
}

func TestLoadModelSingleFlight(t *testing.T) {
	f := &countingFetcher{delay: 20 * time.Millisecond}
	w := New(testConfig(1), f)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.LoadModel(context.Background(), "m1"); err != nil {
				t.Errorf("load: %v", err)
			}
		}()
	}
	wg.Wait()
	f.mu.Lock()
	fetches := f.fetches
	f.mu.Unlock()
	if fetches != 1 {
		t.Fatalf("concurrent loads should share one fetch, got %d", fetches)
	}
	if models := w.Models(); len(models) != 1 || models[0] != "m1" {
		t.Fatalf("models after load: %v", models)
	}
}

func TestLoadModelIdempotent(t *testing.T) {
	f := &countingFetcher{}
	w := New(testConfig(1), f)
	for i := 0; i < 3; i++ {
		loaded, err := w.LoadModel(context.Background(), "m1")
		if err != nil || !loaded {
			t.Fatalf("load %d: loaded=%v err=%v", i, loaded, err)
		}
	}
	if f.fetches != 1 {
		t.Fatalf("idempotent load should fetch once, got %d", f.fetches)
	}
}

func TestUnloadModel(t *testing.T) {
	w := New(testConfig(1), nil)
	injectStub(w, "m1", nil)
	if !w.UnloadModel("m1") {
		t.Fatal("unload should report removal")
	}
	if w.UnloadModel("m1") {
		t.Fatal("second unload should be a no-op")
	}
	_, err := w.RunInference(context.Background(), "m1", json.RawMessage(`{"x":1}`), nil)
	if !errors.Is(err, apierr.ErrModelNotAvailable) {
		t.Fatalf("unloaded model should be unavailable: %v", err)
	}
}

func TestModelCacheEviction(t *testing.T) {
	cfg := testConfig(1)
	cfg.ModelCacheSize = 2
	w := New(cfg, &countingFetcher{})
	w.InjectModel(&LoadedModel{ID: "old", LastUsed: time.Now().Add(-time.Hour)})
	w.InjectModel(&LoadedModel{ID: "newer", LastUsed: time.Now()})
	if _, err := w.LoadModel(context.Background(), "m3"); err != nil {
		t.Fatal(err)
	}
	models := w.Models()
	if len(models) != 2 {
		t.Fatalf("cache size exceeded: %v", models)
	}
	for _, id := range models {
		if id == "old" {
			t.Fatalf("LRU entry should have been evicted: %v", models)
		}
	}
}

func TestCheckCapacityModelLoaded(t *testing.T) {
	w := New(testConfig(2), nil)
	injectStub(w, "m1", nil)
	resp := w.CheckCapacity("m1")
	if resp.ModelLoaded == nil || !*resp.ModelLoaded {
		t.Fatalf("m1 should be loaded: %+v", resp)
	}
	resp = w.CheckCapacity("m2")
	if resp.ModelLoaded == nil || *resp.ModelLoaded {
		t.Fatalf("m2 should not be loaded: %+v", resp)
	}
	if resp.MaxConcurrent != 2 || resp.Available != 2 {
		t.Fatalf("capacity: %+v", resp)
	}
}
