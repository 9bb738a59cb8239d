package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/modelstore"
	"github.com/infermesh/infermesh/internal/wire"
)

// PredictFunc is the opaque inference capability of a loaded model.
type PredictFunc func(ctx context.Context, in processedInput) (any, error)

// LoadedModel is a model resident in the worker's cache.
type LoadedModel struct {
	ID         string
	Type       string
	Version    string
	Checksum   string
	Size       int64
	InputShape any
	Metadata   map[string]any
	Predict    PredictFunc
	LoadedAt   time.Time
	LastUsed   time.Time
}

// FetchedModel is what a Fetcher returns: metadata plus the raw blob.
type FetchedModel struct {
	ModelID  string
	Metadata map[string]any
	Data     []byte
	Checksum string
}

// Fetcher retrieves a model from the model manager.
type Fetcher interface {
	Fetch(ctx context.Context, modelID string) (*FetchedModel, error)
}

// HTTPFetcher pulls models from the model manager's HTTP surface.
type HTTPFetcher struct {
	base     string
	client   *http.Client
	validate bool
}

// NewHTTPFetcher builds a fetcher against the model manager at base URL.
// When validate is true the blob checksum is re-verified after download.
func NewHTTPFetcher(base string, validate bool) *HTTPFetcher {
	return &HTTPFetcher{
		base:     strings.TrimRight(base, "/"),
		client:   &http.Client{Timeout: 2 * time.Minute},
		validate: validate,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, modelID string) (*FetchedModel, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base+"/api/models/"+modelID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrTransport, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", apierr.ErrTransport, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", apierr.ErrModelNotFound, modelID)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: model manager returned %d", apierr.ErrTransport, resp.StatusCode)
	}
	var dl wire.ModelDownload
	if err := json.Unmarshal(data, &dl); err != nil {
		return nil, fmt.Errorf("%w: decode download: %v", apierr.ErrInvalidModelData, err)
	}
	blob, err := base64.StdEncoding.DecodeString(dl.ModelData)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", apierr.ErrInvalidModelData, err)
	}
	meta := map[string]any{}
	if len(dl.Metadata) > 0 {
		if err := json.Unmarshal(dl.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("%w: decode metadata: %v", apierr.ErrInvalidMetadata, err)
		}
	}
	fetched := &FetchedModel{
		ModelID:  modelID,
		Metadata: meta,
		Data:     blob,
		Checksum: modelstore.Checksum(blob),
	}
	if f.validate {
		if want, ok := meta["checksum"].(string); ok && want != "" && want != fetched.Checksum {
			return nil, fmt.Errorf("%w: %s", apierr.ErrIntegrityMismatch, modelID)
		}
	}
	return fetched, nil
}

// buildModel turns a fetched blob into a resident model with a predict
// capability. The default capability is a deterministic stub; real runtimes
// are wired in via Worker.SetPredict.
func buildModel(f *FetchedModel, predict PredictFunc) *LoadedModel {
	m := &LoadedModel{
		ID:       f.ModelID,
		Checksum: f.Checksum,
		Size:     int64(len(f.Data)),
		Metadata: f.Metadata,
		Predict:  predict,
		LoadedAt: time.Now(),
		LastUsed: time.Now(),
	}
	if t, ok := f.Metadata["type"].(string); ok {
		m.Type = t
	}
	if v, ok := f.Metadata["version"].(string); ok {
		m.Version = v
	}
	if s, ok := f.Metadata["inputShape"]; ok {
		m.InputShape = s
	}
	if m.Predict == nil {
		m.Predict = stubPredict(f.ModelID)
	}
	return m
}

// stubPredict produces a deterministic pseudo-prediction vector so the data
// path can be exercised without a real runtime.
func stubPredict(modelID string) PredictFunc {
	return func(_ context.Context, in processedInput) (any, error) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(modelID))
		if b, err := json.Marshal(in.Data); err == nil {
			_, _ = h.Write(b)
		}
		seed := h.Sum64()
		preds := make([]float64, 1000)
		for i := range preds {
			seed = seed*6364136223846793005 + 1442695040888963407
			preds[i] = float64(seed%10000) / 10000
		}
		confidence := float64(seed%5000)/10000 + 0.5
		return map[string]any{"predictions": preds, "confidence": confidence}, nil
	}
}
