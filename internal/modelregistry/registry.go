// Package modelregistry keeps the in-memory model catalog: a primary map
// from model id to metadata plus secondary indices by type and version set.
// The catalog is process-local; the blob store is the durable side.
package modelregistry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/infermesh/infermesh/internal/apierr"
)

// Metadata describes a registered model.
type Metadata struct {
	ModelID     string    `json:"modelId"`
	Type        string    `json:"type"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	StorageKey  string    `json:"storageKey"`
	Checksum    string    `json:"checksum"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Patch holds optional updates applied by Update. Identity fields cannot be
// patched.
type Patch struct {
	Type        *string `json:"type,omitempty"`
	Version     *string `json:"version,omitempty"`
	Description *string `json:"description,omitempty"`
	StorageKey  *string `json:"storageKey,omitempty"`
	Checksum    *string `json:"checksum,omitempty"`
	Size        *int64  `json:"size,omitempty"`
}

// SearchCriteria selects models by attribute.
type SearchCriteria struct {
	Type    string `json:"type,omitempty"`
	Name    string `json:"name,omitempty"`
	MinSize int64  `json:"minSize,omitempty"`
	MaxSize int64  `json:"maxSize,omitempty"`
}

// Stats summarizes catalog contents.
type Stats struct {
	ModelCount int            `json:"modelCount"`
	TypeCounts map[string]int `json:"typeCounts"`
	TotalBytes int64          `json:"totalBytes"`
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	models   map[string]Metadata
	byType   map[string]map[string]struct{}
	versions map[string]map[string]struct{}
	order    []string
	now      func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		models:   make(map[string]Metadata),
		byType:   make(map[string]map[string]struct{}),
		versions: make(map[string]map[string]struct{}),
		now:      time.Now,
	}
}

// Put registers or replaces a model's metadata. CreatedAt is preserved across
// replaces; UpdatedAt always advances.
func (r *Registry) Put(modelID string, md Metadata) error {
	if modelID == "" {
		return fmt.Errorf("%w: empty model id", apierr.ErrInvalidMetadata)
	}
	md.ModelID = modelID
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if prev, ok := r.models[modelID]; ok {
		md.CreatedAt = prev.CreatedAt
		r.dropTypeLocked(prev.Type, modelID)
	} else {
		md.CreatedAt = now
		r.order = append(r.order, modelID)
	}
	md.UpdatedAt = now
	r.models[modelID] = md
	r.addTypeLocked(md.Type, modelID)
	r.addVersionLocked(modelID, md.Version)
	return nil
}

// Get returns the metadata for modelID. When version is non-empty it must be
// a known version of the model.
func (r *Registry) Get(modelID, version string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.models[modelID]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", apierr.ErrModelNotFound, modelID)
	}
	if version != "" {
		if _, ok := r.versions[modelID][version]; !ok {
			return Metadata{}, fmt.Errorf("%w: %s@%s", apierr.ErrModelNotFound, modelID, version)
		}
	}
	return md, nil
}

// Update applies a patch. A type change migrates index membership atomically;
// UpdatedAt increases monotonically.
func (r *Registry) Update(modelID string, p Patch) (Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	md, ok := r.models[modelID]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s", apierr.ErrModelNotFound, modelID)
	}
	if p.Type != nil && *p.Type != md.Type {
		r.dropTypeLocked(md.Type, modelID)
		md.Type = *p.Type
		r.addTypeLocked(md.Type, modelID)
	}
	if p.Version != nil && *p.Version != "" {
		md.Version = *p.Version
		r.addVersionLocked(modelID, md.Version)
	}
	if p.Description != nil {
		md.Description = *p.Description
	}
	if p.StorageKey != nil {
		md.StorageKey = *p.StorageKey
	}
	if p.Checksum != nil {
		md.Checksum = *p.Checksum
	}
	if p.Size != nil {
		md.Size = *p.Size
	}
	now := r.now()
	if !now.After(md.UpdatedAt) {
		now = md.UpdatedAt.Add(time.Nanosecond)
	}
	md.UpdatedAt = now
	r.models[modelID] = md
	return md, nil
}

// Delete removes a model, or a single version when version is non-empty.
// Deleting the last version removes the model. Reports whether anything was
// removed.
func (r *Registry) Delete(modelID, version string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	md, ok := r.models[modelID]
	if !ok {
		return false
	}
	if version != "" {
		vs := r.versions[modelID]
		if _, ok := vs[version]; !ok {
			return false
		}
		delete(vs, version)
		if len(vs) > 0 {
			return true
		}
	}
	delete(r.models, modelID)
	delete(r.versions, modelID)
	r.dropTypeLocked(md.Type, modelID)
	for i, id := range r.order {
		if id == modelID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// List returns models in insertion order, optionally filtered by type and
// truncated to limit when limit > 0.
func (r *Registry) List(modelType string, limit int) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Metadata, 0, len(r.order))
	for _, id := range r.order {
		md := r.models[id]
		if modelType != "" && md.Type != modelType {
			continue
		}
		out = append(out, md)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Search returns models matching all set criteria, in insertion order.
func (r *Registry) Search(c SearchCriteria) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Metadata
	for _, id := range r.order {
		md := r.models[id]
		if c.Type != "" && md.Type != c.Type {
			continue
		}
		if c.Name != "" && !strings.Contains(md.ModelID, c.Name) && !strings.Contains(md.Description, c.Name) {
			continue
		}
		if c.MinSize > 0 && md.Size < c.MinSize {
			continue
		}
		if c.MaxSize > 0 && md.Size > c.MaxSize {
			continue
		}
		out = append(out, md)
	}
	return out
}

// Versions returns the known versions for modelID.
func (r *Registry) Versions(modelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for v := range r.versions[modelID] {
		out = append(out, v)
	}
	return out
}

// Stats summarizes the catalog.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{ModelCount: len(r.models), TypeCounts: make(map[string]int)}
	for typ, ids := range r.byType {
		st.TypeCounts[typ] = len(ids)
	}
	for _, md := range r.models {
		st.TotalBytes += md.Size
	}
	return st
}

func (r *Registry) addTypeLocked(typ, modelID string) {
	if typ == "" {
		return
	}
	set, ok := r.byType[typ]
	if !ok {
		set = make(map[string]struct{})
		r.byType[typ] = set
	}
	set[modelID] = struct{}{}
}

func (r *Registry) dropTypeLocked(typ, modelID string) {
	if set, ok := r.byType[typ]; ok {
		delete(set, modelID)
		if len(set) == 0 {
			delete(r.byType, typ)
		}
	}
}

func (r *Registry) addVersionLocked(modelID, version string) {
	if version == "" {
		return
	}
	set, ok := r.versions[modelID]
	if !ok {
		set = make(map[string]struct{})
		r.versions[modelID] = set
	}
	set[version] = struct{}{}
}
