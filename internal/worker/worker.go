// Package worker implements the inference worker: a preloaded-model cache, a
// hard concurrency gate, and the validate/preprocess/execute/postprocess
// pipeline.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/config"
	"github.com/infermesh/infermesh/internal/logx"
	"github.com/infermesh/infermesh/internal/metrics"
	"github.com/infermesh/infermesh/internal/wire"
)

// Worker serves inference requests against its preloaded models.
type Worker struct {
	cfg     config.WorkerConfig
	fetcher Fetcher
	predict PredictFunc

	mu       sync.Mutex
	inFlight int
	models   map[string]*LoadedModel

	loads   singleflight.Group
	history *History
	started time.Time
}

// New builds a worker. fetcher may be nil for workers that only serve
// pre-injected models (tests).
func New(cfg config.WorkerConfig, fetcher Fetcher) *Worker {
	return &Worker{
		cfg:     cfg,
		fetcher: fetcher,
		models:  make(map[string]*LoadedModel),
		history: NewHistory(10000),
		started: time.Now(),
	}
}

// SetPredict installs the predict capability used for subsequently loaded
// models. It does not touch models already resident.
func (w *Worker) SetPredict(fn PredictFunc) {
	w.predict = fn
}

// ID returns the worker's configured identifier.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// History exposes the rolling inference record window.
func (w *Worker) History() *History { return w.history }

// LoadModel makes modelID servable. It is idempotent, and concurrent loads
// of the same id share one underlying fetch.
func (w *Worker) LoadModel(ctx context.Context, modelID string) (bool, error) {
	if modelID == "" {
		return false, fmt.Errorf("%w: missing modelId", apierr.ErrBadRequest)
	}
	w.mu.Lock()
	if _, ok := w.models[modelID]; ok {
		w.mu.Unlock()
		return true, nil
	}
	w.mu.Unlock()

	_, err, _ := w.loads.Do(modelID, func() (any, error) {
		w.mu.Lock()
		_, ok := w.models[modelID]
		w.mu.Unlock()
		if ok {
			return nil, nil
		}
		if w.fetcher == nil {
			return nil, fmt.Errorf("%w: no model source configured", apierr.ErrModelNotAvailable)
		}
		fetched, err := w.fetcher.Fetch(ctx, modelID)
		if err != nil {
			return nil, err
		}
		model := buildModel(fetched, w.predict)
		w.mu.Lock()
		w.evictOverCacheLocked()
		w.models[modelID] = model
		count := len(w.models)
		w.mu.Unlock()
		metrics.SetModelsLoaded(count)
		logx.Log.Info().Str("model_id", modelID).Int64("size", model.Size).Msg("model loaded")
		return nil, nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// evictOverCacheLocked drops least-recently-used models until there is room
// for one more. Callers hold w.mu.
func (w *Worker) evictOverCacheLocked() {
	limit := w.cfg.ModelCacheSize
	if limit <= 0 {
		return
	}
	for len(w.models) >= limit {
		var oldest *LoadedModel
		for _, m := range w.models {
			if oldest == nil || m.LastUsed.Before(oldest.LastUsed) {
				oldest = m
			}
		}
		if oldest == nil {
			return
		}
		delete(w.models, oldest.ID)
		logx.Log.Info().Str("model_id", oldest.ID).Msg("model evicted")
	}
}

// UnloadModel removes modelID from the cache and the preloaded set.
func (w *Worker) UnloadModel(modelID string) bool {
	w.mu.Lock()
	_, ok := w.models[modelID]
	delete(w.models, modelID)
	count := len(w.models)
	w.mu.Unlock()
	if ok {
		metrics.SetModelsLoaded(count)
		logx.Log.Info().Str("model_id", modelID).Msg("model unloaded")
	}
	return ok
}

// InjectModel inserts a prebuilt model, bypassing the fetcher. Used at
// startup for preload lists and by tests.
func (w *Worker) InjectModel(m *LoadedModel) {
	if m.Predict == nil {
		m.Predict = stubPredict(m.ID)
	}
	if m.LastUsed.IsZero() {
		m.LastUsed = time.Now()
	}
	w.mu.Lock()
	w.evictOverCacheLocked()
	w.models[m.ID] = m
	count := len(w.models)
	w.mu.Unlock()
	metrics.SetModelsLoaded(count)
}

// Models returns the sorted preloaded model ids.
func (w *Worker) Models() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.models))
	for id := range w.models {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// acquireSlot admits one request under the concurrency ceiling. The check
// and the increment happen under one lock so the gate holds across
// interleavings.
func (w *Worker) acquireSlot() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight >= w.cfg.MaxConcurrentInferences {
		return fmt.Errorf("%w: %d in flight", apierr.ErrCapacityExceeded, w.inFlight)
	}
	w.inFlight++
	metrics.SetWorkerInFlight(w.cfg.WorkerID, w.inFlight)
	return nil
}

func (w *Worker) releaseSlot() {
	w.mu.Lock()
	if w.inFlight > 0 {
		w.inFlight--
	}
	metrics.SetWorkerInFlight(w.cfg.WorkerID, w.inFlight)
	w.mu.Unlock()
}

// RunInference executes one request end to end. Every exit path releases the
// capacity slot and appends a history record.
func (w *Worker) RunInference(ctx context.Context, modelID string, input json.RawMessage, opts *wire.InferenceOptions) (*wire.InferenceResult, error) {
	if err := w.acquireSlot(); err != nil {
		return nil, err
	}
	start := time.Now()
	inferenceID := uuid.NewString()
	var resultErr error
	defer func() {
		rec := InferenceRecord{
			InferenceID:    inferenceID,
			ModelID:        modelID,
			ProcessingTime: time.Since(start),
			Timestamp:      start,
			Success:        resultErr == nil,
		}
		if resultErr != nil {
			rec.Error = resultErr.Error()
		}
		w.history.Append(rec)
		w.releaseSlot()
	}()

	w.mu.Lock()
	model, ok := w.models[modelID]
	if ok {
		model.LastUsed = time.Now()
	}
	w.mu.Unlock()
	if !ok {
		resultErr = fmt.Errorf("%w: %s", apierr.ErrModelNotAvailable, modelID)
		return nil, resultErr
	}

	decoded, meta, err := validateInput(model, input)
	if err != nil {
		resultErr = err
		return nil, err
	}
	processed := preprocess(decoded, meta)

	timeout := w.cfg.InferenceTimeout
	if opts != nil && opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	raw, err := execute(ctx, model, processed, timeout)
	if err != nil {
		resultErr = err
		return nil, err
	}
	post := postprocess(raw, model)

	preds, err := json.Marshal(post.Predictions)
	if err != nil {
		resultErr = fmt.Errorf("%w: encode predictions: %v", apierr.ErrExecutionError, err)
		return nil, resultErr
	}
	return &wire.InferenceResult{
		InferenceID:    inferenceID,
		ModelID:        modelID,
		Predictions:    preds,
		Confidence:     post.Confidence,
		ProcessingTime: time.Since(start).Milliseconds(),
		Metadata:       post.Metadata,
	}, nil
}

// CheckCapacity reports the concurrency state and, when modelID is given,
// whether that model is resident.
func (w *Worker) CheckCapacity(modelID string) wire.CapacityResponse {
	w.mu.Lock()
	defer w.mu.Unlock()
	resp := wire.CapacityResponse{
		MaxConcurrent: w.cfg.MaxConcurrentInferences,
		CurrentLoad:   w.inFlight,
		Available:     w.cfg.MaxConcurrentInferences - w.inFlight,
	}
	for id := range w.models {
		resp.AvailableModels = append(resp.AvailableModels, id)
	}
	sort.Strings(resp.AvailableModels)
	if modelID != "" {
		_, loaded := w.models[modelID]
		resp.ModelLoaded = &loaded
	}
	return resp
}

// Health reports liveness plus capacity and uptime.
func (w *Worker) Health() wire.HealthResponse {
	capacity := w.CheckCapacity("")
	return wire.HealthResponse{
		Status:   "healthy",
		Service:  "worker",
		Uptime:   time.Since(w.started).Seconds(),
		Capacity: &capacity,
	}
}
