// Package httpx carries the small HTTP plumbing shared by all services:
// JSON writers, the error envelope, request logging, and graceful serving.
package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/infermesh/infermesh/internal/apierr"
	"github.com/infermesh/infermesh/internal/logx"
	"github.com/infermesh/infermesh/internal/wire"
)

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("encode response")
	}
}

// WriteError maps err onto its HTTP status and writes the error envelope.
// Internal detail never leaks: the message is the error kind's own text plus
// any wrapped context, not a stack trace.
func WriteError(w http.ResponseWriter, err error) {
	status := apierr.Status(err)
	body := wire.ErrorBody{Error: apierr.Code(err), Message: err.Error()}
	if status == http.StatusInternalServerError && body.Error == "internal" {
		body.Message = "internal error"
	}
	WriteJSON(w, status, body)
}

// RequestLogger logs one structured line per request with the chi request id.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := chiMiddleware.GetReqID(r.Context())
		logx.Log.Info().Str("request_id", reqID).Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next.ServeHTTP(w, r)
	})
}

// DecodeJSON reads a JSON body into v, returning BadRequest on failure.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", apierr.ErrBadRequest, err)
	}
	return nil
}

// Serve runs an HTTP server until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
