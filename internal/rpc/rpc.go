// Package rpc defines the narrow transport boundary between the orchestrator
// and its workers. A single Caller interface keeps the routing logic
// independent of the wire: the HTTP implementation talks to a live worker,
// while tests plug in an in-process fake.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/wire"
)

// Caller dispatches a named method with JSON params and a per-call timeout.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Close()
}

// HTTPCaller maps method names onto a worker's HTTP surface.
type HTTPCaller struct {
	base   string
	client *http.Client
}

// NewHTTPCaller builds a caller for the worker at base URL.
func NewHTTPCaller(base string) *HTTPCaller {
	return &HTTPCaller{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{},
	}
}

// Close releases idle connections.
func (c *HTTPCaller) Close() {
	c.client.CloseIdleConnections()
}

type runInferenceParams struct {
	ModelID   string                 `json:"modelId"`
	InputData json.RawMessage        `json:"inputData"`
	Options   *wire.InferenceOptions `json:"options,omitempty"`
}

// Call implements Caller. Known methods: runInference, loadModel,
// unloadModel, checkCapacity, getHealth.
func (c *HTTPCaller) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	httpMethod, path, body, err := c.route(method, params)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, c.base+path, rd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apierr.ErrTransport, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s", apierr.ErrInferenceTimeout, method)
		}
		return nil, fmt.Errorf("%w: %v", apierr.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", apierr.ErrTransport, err)
	}
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp.StatusCode, data)
	}
	return data, nil
}

func (c *HTTPCaller) route(method string, params any) (string, string, []byte, error) {
	switch method {
	case "runInference":
		p, err := coerce[runInferenceParams](params)
		if err != nil {
			return "", "", nil, err
		}
		body, err := json.Marshal(map[string]any{"inputData": p.InputData, "options": p.Options})
		if err != nil {
			return "", "", nil, fmt.Errorf("%w: %v", apierr.ErrBadRequest, err)
		}
		return http.MethodPost, "/api/inference/" + p.ModelID, body, nil
	case "loadModel":
		id, err := modelIDParam(params)
		if err != nil {
			return "", "", nil, err
		}
		return http.MethodPost, "/api/models/" + id + "/load", nil, nil
	case "unloadModel":
		id, err := modelIDParam(params)
		if err != nil {
			return "", "", nil, err
		}
		return http.MethodPost, "/api/models/" + id + "/unload", nil, nil
	case "checkCapacity":
		return http.MethodGet, "/api/capacity", nil, nil
	case "getHealth":
		return http.MethodGet, "/health", nil, nil
	default:
		return "", "", nil, fmt.Errorf("%w: unknown method %q", apierr.ErrBadRequest, method)
	}
}

func coerce[T any](params any) (T, error) {
	var out T
	if v, ok := params.(T); ok {
		return v, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return out, fmt.Errorf("%w: %v", apierr.ErrBadRequest, err)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("%w: %v", apierr.ErrBadRequest, err)
	}
	return out, nil
}

func modelIDParam(params any) (string, error) {
	p, err := coerce[struct {
		ModelID string `json:"modelId"`
	}](params)
	if err != nil {
		return "", err
	}
	if p.ModelID == "" {
		return "", fmt.Errorf("%w: missing modelId", apierr.ErrBadRequest)
	}
	return p.ModelID, nil
}

func decodeError(status int, data []byte) error {
	var body wire.ErrorBody
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		kind := apierr.FromCode(body.Error)
		if body.Message != "" {
			return fmt.Errorf("%w: %s", kind, body.Message)
		}
		return kind
	}
	return fmt.Errorf("%w: http %d", apierr.ErrTransport, status)
}

// RunInferenceParams builds the params payload for a runInference call.
func RunInferenceParams(modelID string, input json.RawMessage, opts *wire.InferenceOptions) any {
	return runInferenceParams{ModelID: modelID, InputData: input, Options: opts}
}
