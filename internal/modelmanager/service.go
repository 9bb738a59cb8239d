// Package modelmanager is the model lifecycle service: a metadata catalog
// over the content-addressed blob store, exposed over HTTP to operators and
// workers.
package modelmanager

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/config"
	"github.com/infermesh/infermesh/internal/logx"
	"github.com/infermesh/infermesh/internal/metrics"
	"github.com/infermesh/infermesh/internal/modelregistry"
	"github.com/infermesh/infermesh/internal/modelstore"
)

// MetadataInput is the client-supplied part of a model's metadata.
type MetadataInput struct {
	Type        string `json:"type"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// Service couples the blob store with the metadata registry.
type Service struct {
	cfg      config.ModelManagerConfig
	store    *modelstore.Store
	registry *modelregistry.Registry
	formats  map[string]bool
	started  time.Time
}

// New builds the service and its storage directory.
func New(cfg config.ModelManagerConfig) (*Service, error) {
	maxSize := config.ParseSize(cfg.MaxModelSize)
	store, err := modelstore.New(cfg.StoragePath, maxSize)
	if err != nil {
		return nil, err
	}
	formats := make(map[string]bool, len(cfg.SupportedFormats))
	for _, f := range cfg.SupportedFormats {
		formats[strings.ToLower(f)] = true
	}
	s := &Service{
		cfg:      cfg,
		store:    store,
		registry: modelregistry.New(),
		formats:  formats,
		started:  time.Now(),
	}
	if cfg.RebuildOnStart {
		s.rebuild()
	}
	return s, nil
}

// Registry exposes the metadata catalog.
func (s *Service) Registry() *modelregistry.Registry { return s.registry }

// Create validates, stores, and catalogs a new model. The id must be unused.
func (s *Service) Create(modelID, modelData string, rawMeta json.RawMessage) (modelregistry.Metadata, error) {
	if modelID == "" {
		return modelregistry.Metadata{}, fmt.Errorf("%w: missing modelId", apierr.ErrBadRequest)
	}
	if modelData == "" {
		return modelregistry.Metadata{}, fmt.Errorf("%w: missing modelData", apierr.ErrInvalidModelData)
	}
	data, err := base64.StdEncoding.DecodeString(modelData)
	if err != nil {
		return modelregistry.Metadata{}, fmt.Errorf("%w: modelData is not valid base64", apierr.ErrInvalidModelData)
	}
	meta, err := s.parseMetadata(rawMeta)
	if err != nil {
		return modelregistry.Metadata{}, err
	}
	if _, err := s.registry.Get(modelID, ""); err == nil {
		return modelregistry.Metadata{}, fmt.Errorf("%w: %s", apierr.ErrModelAlreadyExists, modelID)
	}

	res, err := s.store.Store(modelID, data)
	if err != nil {
		return modelregistry.Metadata{}, err
	}
	md := modelregistry.Metadata{
		Type:        meta.Type,
		Version:     meta.Version,
		Description: meta.Description,
		StorageKey:  res.StorageKey,
		Checksum:    res.Checksum,
		Size:        res.Size,
	}
	if err := s.registry.Put(modelID, md); err != nil {
		// Roll the blob back so a failed create leaves no orphan.
		if _, derr := s.store.Delete(res.StorageKey); derr != nil {
			logx.Log.Error().Str("model_id", modelID).Err(derr).Msg("orphan blob after failed create")
		}
		return modelregistry.Metadata{}, err
	}
	metrics.SetModelsLoaded(s.registry.Stats().ModelCount)
	logx.Log.Info().Str("model_id", modelID).Str("type", meta.Type).Int64("size", res.Size).Msg("model stored")
	return s.registry.Get(modelID, "")
}

func (s *Service) parseMetadata(raw json.RawMessage) (MetadataInput, error) {
	var meta MetadataInput
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return meta, fmt.Errorf("%w: %v", apierr.ErrInvalidMetadata, err)
		}
	}
	if meta.Type == "" {
		meta.Type = "custom"
	}
	if !s.formats[strings.ToLower(meta.Type)] {
		return meta, fmt.Errorf("%w: unsupported format %q", apierr.ErrInvalidModelData, meta.Type)
	}
	if meta.Version == "" {
		meta.Version = "1.0.0"
	}
	return meta, nil
}

// Download returns a model's metadata and its blob, base64 encoded. With
// checksum validation on, a blob that no longer matches its recorded digest
// is an integrity error, not a silent serve.
func (s *Service) Download(modelID, version string) (modelregistry.Metadata, string, error) {
	md, err := s.registry.Get(modelID, version)
	if err != nil {
		return modelregistry.Metadata{}, "", err
	}
	data, err := s.store.Fetch(md.StorageKey)
	if err != nil {
		return modelregistry.Metadata{}, "", err
	}
	if s.cfg.ChecksumValidation {
		if got := modelstore.Checksum(data); got != md.Checksum {
			return modelregistry.Metadata{}, "", fmt.Errorf("%w: %s: stored %s, got %s",
				apierr.ErrIntegrityMismatch, modelID, md.Checksum, got)
		}
	}
	return md, base64.StdEncoding.EncodeToString(data), nil
}

// Update patches a model's metadata.
func (s *Service) Update(modelID string, p modelregistry.Patch) (modelregistry.Metadata, error) {
	if p.Type != nil && !s.formats[strings.ToLower(*p.Type)] {
		return modelregistry.Metadata{}, fmt.Errorf("%w: unsupported format %q", apierr.ErrInvalidModelData, *p.Type)
	}
	return s.registry.Update(modelID, p)
}

// Delete removes a model (or one version) and, when the model is gone, its
// blob.
func (s *Service) Delete(modelID, version string) (bool, error) {
	md, err := s.registry.Get(modelID, "")
	if err != nil {
		return false, err
	}
	removed := s.registry.Delete(modelID, version)
	if !removed {
		return false, nil
	}
	if _, err := s.registry.Get(modelID, ""); err != nil {
		// Last version gone; drop the blob too.
		if _, derr := s.store.Delete(md.StorageKey); derr != nil {
			return true, derr
		}
	}
	metrics.SetModelsLoaded(s.registry.Stats().ModelCount)
	return true, nil
}

// List returns catalog entries in insertion order.
func (s *Service) List(modelType string, limit int) []modelregistry.Metadata {
	return s.registry.List(modelType, limit)
}

// Search selects models by attribute.
func (s *Service) Search(c modelregistry.SearchCriteria) []modelregistry.Metadata {
	return s.registry.Search(c)
}

// Status aggregates registry and storage stats.
func (s *Service) Status() (map[string]any, error) {
	storeStats, err := s.store.Stats()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"service": "modelmanager",
		"uptime":  time.Since(s.started).Seconds(),
		"catalog": s.registry.Stats(),
		"storage": storeStats,
	}, nil
}

// rebuild repopulates the registry from blobs found on disk. Metadata beyond
// the blob itself is gone after a restart, so entries come back with a
// placeholder type and version.
func (s *Service) rebuild() {
	keys, err := s.store.List()
	if err != nil {
		logx.Log.Error().Err(err).Msg("rebuild scan failed")
		return
	}
	n := 0
	for _, key := range keys {
		data, err := s.store.Fetch(key)
		if err != nil {
			logx.Log.Warn().Str("storage_key", key).Err(err).Msg("rebuild skipped blob")
			continue
		}
		md := modelregistry.Metadata{
			Type:        "custom",
			Version:     "1.0.0",
			Description: "recovered from storage",
			StorageKey:  key,
			Checksum:    modelstore.Checksum(data),
			Size:        int64(len(data)),
		}
		if err := s.registry.Put(strings.TrimSuffix(key, ".model"), md); err != nil {
			logx.Log.Warn().Str("storage_key", key).Err(err).Msg("rebuild skipped entry")
			continue
		}
		n++
	}
	if n > 0 {
		logx.Log.Info().Int("models", n).Msg("registry rebuilt from storage")
	}
}
