// Package orchestrator is the control plane: worker registry, load
// balancing, health monitoring, and request routing.
package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/wire"
)

// Status is a worker's selection eligibility.
type Status string

const (
	StatusActive    Status = "active"
	StatusUnhealthy Status = "unhealthy"
)

// Worker is the registry's record of one inference worker.
type Worker struct {
	ID            string
	Name          string
	Address       string
	Capabilities  map[string]bool
	Models        map[string]bool
	MaxConcurrent int
	InFlight      int
	Status        Status
	RegisteredAt  time.Time
	LastSeen      time.Time
}

// Registry indexes workers by id, capability, and model. All three views
// stay consistent under one lock: removal is atomic across the main map and
// every index. Live *Worker records never escape the lock; callers get
// value snapshots, so selection and probing read a consistent copy while
// in-flight counters keep mutating underneath.
type Registry struct {
	mu              sync.RWMutex
	workers         map[string]*Worker
	capabilityIndex map[string]map[string]struct{}
	modelIndex      map[string]map[string]struct{}
	now             func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers:         make(map[string]*Worker),
		capabilityIndex: make(map[string]map[string]struct{}),
		modelIndex:      make(map[string]map[string]struct{}),
		now:             time.Now,
	}
}

// Register inserts a worker into all indices. Registering an existing id is
// an idempotent overwrite of the mutable fields (address, capabilities,
// models, capacity, lastSeen); identity and registration time are kept.
func (r *Registry) Register(req wire.RegisterWorkerRequest) (wire.WorkerView, error) {
	if req.ID == "" {
		return wire.WorkerView{}, fmt.Errorf("%w: missing worker id", apierr.ErrBadRequest)
	}
	if req.Address == "" {
		return wire.WorkerView{}, fmt.Errorf("%w: missing worker address", apierr.ErrBadRequest)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	w, ok := r.workers[req.ID]
	if ok {
		r.dropFromIndicesLocked(w)
	} else {
		w = &Worker{ID: req.ID, Name: req.Name, RegisteredAt: now, Status: StatusActive}
		r.workers[req.ID] = w
	}
	w.Address = req.Address
	w.MaxConcurrent = req.MaxConcurrent
	w.LastSeen = now
	w.Capabilities = make(map[string]bool, len(req.Capabilities)+len(req.Models))
	for _, c := range req.Capabilities {
		w.Capabilities[c] = true
	}
	w.Models = make(map[string]bool, len(req.Models))
	for _, m := range req.Models {
		w.Models[m] = true
		// Model ids double as capability tags.
		w.Capabilities[m] = true
	}
	r.addToIndicesLocked(w)
	return viewLocked(w), nil
}

// Unregister removes the worker from the main map and every index it
// appears in. Reports whether the worker existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	r.dropFromIndicesLocked(w)
	delete(r.workers, id)
	return true
}

// WorkersForModel returns snapshots of the active workers able to serve
// modelID, in stable id order.
func (r *Registry) WorkersForModel(modelID string) []wire.WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.modelIndex[modelID])
}

// WorkersByCapability returns snapshots of the active workers advertising
// the tag.
func (r *Registry) WorkersByCapability(tag string) []wire.WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collectLocked(r.capabilityIndex[tag])
}

func (r *Registry) collectLocked(ids map[string]struct{}) []wire.WorkerView {
	if len(ids) == 0 {
		return nil
	}
	ordered := make([]string, 0, len(ids))
	for id := range ids {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)
	out := make([]wire.WorkerView, 0, len(ordered))
	for _, id := range ordered {
		if w, ok := r.workers[id]; ok && w.Status == StatusActive {
			out = append(out, viewLocked(w))
		}
	}
	return out
}

// SetStatus updates a worker's eligibility and always stamps lastSeen.
func (r *Registry) SetStatus(id string, status Status) {
	r.mu.Lock()
	if w, ok := r.workers[id]; ok {
		w.Status = status
		w.LastSeen = r.now()
	}
	r.mu.Unlock()
}

// Touch stamps lastSeen without changing status.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if w, ok := r.workers[id]; ok {
		w.LastSeen = r.now()
	}
	r.mu.Unlock()
}

// IncInFlight acquires an in-flight slot on the orchestrator's view of the
// worker.
func (r *Registry) IncInFlight(id string) {
	r.mu.Lock()
	if w, ok := r.workers[id]; ok {
		w.InFlight++
	}
	r.mu.Unlock()
}

// DecInFlight releases a slot; it never goes negative.
func (r *Registry) DecInFlight(id string) {
	r.mu.Lock()
	if w, ok := r.workers[id]; ok && w.InFlight > 0 {
		w.InFlight--
	}
	r.mu.Unlock()
}

// Models returns the distinct model ids served by at least one worker.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modelIndex))
	for m, ids := range r.modelIndex {
		if len(ids) > 0 {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

// Snapshot returns public views of every worker, in id order.
func (r *Registry) Snapshot() []wire.WorkerView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]wire.WorkerView, 0, len(ids))
	for _, id := range ids {
		out = append(out, viewLocked(r.workers[id]))
	}
	return out
}

// View returns the public view of one worker.
func (r *Registry) View(id string) (wire.WorkerView, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return wire.WorkerView{}, false
	}
	return viewLocked(w), true
}

func viewLocked(w *Worker) wire.WorkerView {
	caps := make([]string, 0, len(w.Capabilities))
	for c := range w.Capabilities {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	models := make([]string, 0, len(w.Models))
	for m := range w.Models {
		models = append(models, m)
	}
	sort.Strings(models)
	return wire.WorkerView{
		ID:            w.ID,
		Name:          w.Name,
		Address:       w.Address,
		Capabilities:  caps,
		Models:        models,
		MaxConcurrent: w.MaxConcurrent,
		CurrentLoad:   w.InFlight,
		Status:        string(w.Status),
		RegisteredAt:  w.RegisteredAt,
		LastSeen:      w.LastSeen,
	}
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// DanglingIndexEntries reports index entries whose worker is gone. Used by
// tests to pin index consistency.
func (r *Registry) DanglingIndexEntries() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, ids := range r.capabilityIndex {
		for id := range ids {
			if _, ok := r.workers[id]; !ok {
				n++
			}
		}
	}
	for _, ids := range r.modelIndex {
		for id := range ids {
			if _, ok := r.workers[id]; !ok {
				n++
			}
		}
	}
	return n
}

func (r *Registry) addToIndicesLocked(w *Worker) {
	for c := range w.Capabilities {
		set, ok := r.capabilityIndex[c]
		if !ok {
			set = make(map[string]struct{})
			r.capabilityIndex[c] = set
		}
		set[w.ID] = struct{}{}
	}
	for m := range w.Models {
		set, ok := r.modelIndex[m]
		if !ok {
			set = make(map[string]struct{})
			r.modelIndex[m] = set
		}
		set[w.ID] = struct{}{}
	}
}

func (r *Registry) dropFromIndicesLocked(w *Worker) {
	for c := range w.Capabilities {
		if set, ok := r.capabilityIndex[c]; ok {
			delete(set, w.ID)
			if len(set) == 0 {
				delete(r.capabilityIndex, c)
			}
		}
	}
	for m := range w.Models {
		if set, ok := r.modelIndex[m]; ok {
			delete(set, w.ID)
			if len(set) == 0 {
				delete(r.modelIndex, m)
			}
		}
	}
}
