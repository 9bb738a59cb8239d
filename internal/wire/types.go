// Package wire holds the JSON message types exchanged between the gateway,
// orchestrator, workers, and model manager.
package wire

import (
	"encoding/json"
	"time"
)

// ErrorBody is the error envelope returned by every service.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Requirements narrows worker selection for a single request.
type Requirements struct {
	Capabilities []string `json:"capabilities,omitempty"`
	MinCapacity  int      `json:"minCapacity,omitempty"`
}

// InferenceOptions carries per-request tuning.
type InferenceOptions struct {
	TimeoutMs    int           `json:"timeout,omitempty"`
	Requirements *Requirements `json:"requirements,omitempty"`
}

// RegisterWorkerRequest is sent by a worker to the orchestrator.
type RegisterWorkerRequest struct {
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Address       string   `json:"address"`
	Capabilities  []string `json:"capabilities"`
	Models        []string `json:"models"`
	MaxConcurrent int      `json:"maxConcurrent"`
}

// UnregisterWorkerRequest removes a worker from the orchestrator.
type UnregisterWorkerRequest struct {
	ID string `json:"id"`
}

// WorkerView is the orchestrator's public description of a worker.
type WorkerView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name,omitempty"`
	Address       string    `json:"address"`
	Capabilities  []string  `json:"capabilities"`
	Models        []string  `json:"models"`
	MaxConcurrent int       `json:"maxConcurrent"`
	CurrentLoad   int       `json:"currentLoad"`
	Status        string    `json:"status"`
	RegisteredAt  time.Time `json:"registeredAt"`
	LastSeen      time.Time `json:"lastSeen"`
}

// FindWorkersRequest asks the orchestrator for eligible workers.
type FindWorkersRequest struct {
	ModelID      string        `json:"modelId"`
	Requirements *Requirements `json:"requirements,omitempty"`
}

// FindWorkersResponse lists eligible workers.
type FindWorkersResponse struct {
	Workers []WorkerView `json:"workers"`
	Count   int          `json:"count"`
}

// RouteRequest asks the orchestrator to dispatch an inference.
type RouteRequest struct {
	ModelID   string            `json:"modelId"`
	InputData json.RawMessage   `json:"inputData"`
	Options   *InferenceOptions `json:"options,omitempty"`
}

// InferenceResult is the normalized output of a completed inference.
type InferenceResult struct {
	InferenceID    string          `json:"inferenceId"`
	ModelID        string          `json:"modelId"`
	Predictions    json.RawMessage `json:"predictions"`
	Confidence     float64         `json:"confidence"`
	ProcessingTime int64           `json:"processingTime"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// RouteResponse is returned by the orchestrator on a successful dispatch.
type RouteResponse struct {
	Success  bool             `json:"success"`
	Result   *InferenceResult `json:"result,omitempty"`
	WorkerID string           `json:"workerId"`
	RoutedAt time.Time        `json:"routedAt"`
}

// CapacityResponse reports a worker's concurrency state.
type CapacityResponse struct {
	MaxConcurrent   int      `json:"maxConcurrent"`
	CurrentLoad     int      `json:"currentLoad"`
	Available       int      `json:"available"`
	AvailableModels []string `json:"availableModels"`
	ModelLoaded     *bool    `json:"modelLoaded,omitempty"`
}

// HealthResponse is the common shape of GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Service  string            `json:"service"`
	Uptime   float64           `json:"uptime"`
	Version  string            `json:"version,omitempty"`
	Capacity *CapacityResponse `json:"capacity,omitempty"`
}

// LoadModelResponse acknowledges a worker model load.
type LoadModelResponse struct {
	Loaded  bool   `json:"loaded"`
	ModelID string `json:"modelId"`
}

// ModelDownload is the model manager's blob envelope.
type ModelDownload struct {
	ModelID   string          `json:"modelId"`
	Metadata  json.RawMessage `json:"metadata"`
	ModelData string          `json:"modelData"`
}

// CreateModelRequest registers a new model with the model manager.
type CreateModelRequest struct {
	ModelID   string          `json:"modelId"`
	ModelData string          `json:"modelData"`
	Metadata  json.RawMessage `json:"metadata"`
}

// CreateModelResult reports a stored model.
type CreateModelResult struct {
	Status    string    `json:"status"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"createdAt"`
}
