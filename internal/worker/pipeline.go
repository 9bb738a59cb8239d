package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/infermesh/infermesh/internal/apierr"
)

// processedInput is the payload handed to a model's predict capability.
type processedInput struct {
	Data     any            `json:"data"`
	Metadata map[string]any `json:"metadata"`
}

// prediction is the normalized output of the pipeline.
type prediction struct {
	Predictions any
	Confidence  float64
	Metadata    map[string]any
}

// validateInput rejects null or empty payloads. When the model advertises an
// input shape it is recorded in the request metadata; shape conformance
// itself is a runtime concern.
func validateInput(model *LoadedModel, input json.RawMessage) (any, map[string]any, error) {
	if len(input) == 0 {
		return nil, nil, fmt.Errorf("%w: missing inputData", apierr.ErrBadRequest)
	}
	var decoded any
	if err := json.Unmarshal(input, &decoded); err != nil {
		return nil, nil, fmt.Errorf("%w: malformed inputData: %v", apierr.ErrBadRequest, err)
	}
	if decoded == nil {
		return nil, nil, fmt.Errorf("%w: null inputData", apierr.ErrBadRequest)
	}
	if m, ok := decoded.(map[string]any); ok && len(m) == 0 {
		return nil, nil, fmt.Errorf("%w: empty inputData", apierr.ErrBadRequest)
	}
	meta := map[string]any{}
	if model.InputShape != nil {
		meta["inputShape"] = model.InputShape
	}
	return decoded, meta, nil
}

// preprocess wraps the payload with shape and timing metadata.
func preprocess(input any, meta map[string]any) processedInput {
	md := map[string]any{
		"originalShape": shapeOf(input),
		"processedAt":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range meta {
		md[k] = v
	}
	return processedInput{Data: input, Metadata: md}
}

func shapeOf(v any) any {
	switch t := v.(type) {
	case []any:
		return []int{len(t)}
	case map[string]any:
		return len(t)
	default:
		return 1
	}
}

// execute races the model's predict capability against the request timeout.
// The result channel is buffered so a predict that loses the race can still
// complete without leaking its goroutine; its work is abandoned, not
// cancelled.
func execute(ctx context.Context, model *LoadedModel, in processedInput, timeout time.Duration) (any, error) {
	type outcome struct {
		raw any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		raw, err := model.Predict(ctx, in)
		ch <- outcome{raw: raw, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		if out.err != nil {
			return nil, fmt.Errorf("%w: %v", apierr.ErrExecutionError, out.err)
		}
		return out.raw, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: after %s", apierr.ErrInferenceTimeout, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", apierr.ErrInferenceTimeout, ctx.Err())
	}
}

// postprocess normalizes the raw predict output. Models that already return
// {predictions, confidence} keep their values; anything else becomes the
// predictions payload with a default confidence.
func postprocess(raw any, model *LoadedModel) prediction {
	out := prediction{
		Predictions: raw,
		Confidence:  0.5,
		Metadata: map[string]any{
			"modelVersion": model.Version,
			"processedAt":  time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if m, ok := raw.(map[string]any); ok {
		if p, ok := m["predictions"]; ok {
			out.Predictions = p
		}
		if c, ok := m["confidence"].(float64); ok {
			out.Confidence = c
		}
	}
	return out
}
