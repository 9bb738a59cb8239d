// Package apierr defines the caller-observable error kinds shared by the
// gateway, orchestrator, worker, and model manager, together with their HTTP
// status mapping.
package apierr

import (
	"errors"
	"net/http"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrRateLimited     = errors.New("rate limited")
	ErrBadRequest      = errors.New("bad request")

	ErrModelNotFound      = errors.New("model not found")
	ErrModelAlreadyExists = errors.New("model already exists")
	ErrModelTooLarge      = errors.New("model too large")
	ErrInvalidModelData   = errors.New("invalid model data")
	ErrInvalidMetadata    = errors.New("invalid metadata")
	ErrIntegrityMismatch  = errors.New("integrity mismatch")

	ErrNoWorkersAvailable         = errors.New("no workers available")
	ErrNoWorkersMatchRequirements = errors.New("no workers match requirements")

	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrModelNotAvailable = errors.New("model not available")

	ErrInferenceTimeout = errors.New("inference timeout")
	ErrExecutionError   = errors.New("execution error")

	ErrTransport   = errors.New("transport error")
	ErrUnavailable = errors.New("unavailable")
)

// Code returns a stable machine-readable identifier for err, or "internal"
// when the error is not one of the defined kinds.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	case errors.Is(err, ErrModelNotFound):
		return "model_not_found"
	case errors.Is(err, ErrModelAlreadyExists):
		return "model_already_exists"
	case errors.Is(err, ErrModelTooLarge):
		return "model_too_large"
	case errors.Is(err, ErrInvalidModelData):
		return "invalid_model_data"
	case errors.Is(err, ErrInvalidMetadata):
		return "invalid_metadata"
	case errors.Is(err, ErrIntegrityMismatch):
		return "integrity_mismatch"
	case errors.Is(err, ErrNoWorkersAvailable):
		return "no_workers_available"
	case errors.Is(err, ErrNoWorkersMatchRequirements):
		return "no_workers_match_requirements"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrModelNotAvailable):
		return "model_not_available"
	case errors.Is(err, ErrInferenceTimeout):
		return "inference_timeout"
	case errors.Is(err, ErrExecutionError):
		return "execution_error"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// Status maps err to the HTTP status code surfaced at the gateway.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrInvalidModelData), errors.Is(err, ErrInvalidMetadata):
		return http.StatusBadRequest
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrModelAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, ErrModelTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNoWorkersAvailable), errors.Is(err, ErrNoWorkersMatchRequirements), errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrCapacityExceeded):
		return http.StatusInternalServerError
	case errors.Is(err, ErrInferenceTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrModelNotAvailable), errors.Is(err, ErrExecutionError), errors.Is(err, ErrTransport):
		return http.StatusInternalServerError
	case errors.Is(err, ErrIntegrityMismatch):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// FromCode converts a wire error code back into its sentinel. Unknown codes
// map to ErrUnavailable so cross-service propagation stays conservative.
func FromCode(code string) error {
	switch code {
	case "unauthenticated":
		return ErrUnauthenticated
	case "forbidden":
		return ErrForbidden
	case "rate_limited":
		return ErrRateLimited
	case "bad_request":
		return ErrBadRequest
	case "model_not_found":
		return ErrModelNotFound
	case "model_already_exists":
		return ErrModelAlreadyExists
	case "model_too_large":
		return ErrModelTooLarge
	case "invalid_model_data":
		return ErrInvalidModelData
	case "invalid_metadata":
		return ErrInvalidMetadata
	case "integrity_mismatch":
		return ErrIntegrityMismatch
	case "no_workers_available":
		return ErrNoWorkersAvailable
	case "no_workers_match_requirements":
		return ErrNoWorkersMatchRequirements
	case "capacity_exceeded":
		return ErrCapacityExceeded
	case "model_not_available":
		return ErrModelNotAvailable
	case "inference_timeout":
		return ErrInferenceTimeout
	case "execution_error":
		return ErrExecutionError
	case "transport_error":
		return ErrTransport
	case "unavailable":
		return ErrUnavailable
	default:
		return ErrUnavailable
	}
}
