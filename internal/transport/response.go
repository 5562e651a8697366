// Package transport contains the HTTP gateway: router, middleware chain and
// the handlers that expose the tool registry and backend artifacts.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/comfyflow/internal/observability"
	"github.com/pitabwire/comfyflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrRateLimited:        http.StatusTooManyRequests,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrBackendError:       http.StatusBadGateway,
	model.ErrProtocolError:      http.StatusBadGateway,
	model.ErrEmptyResult:        http.StatusNotFound,
	model.ErrClientClosed:       http.StatusServiceUnavailable,
	model.ErrJobFailed:          http.StatusBadGateway,
	model.ErrJobCancelled:       http.StatusConflict,
}

// StatusFor returns the HTTP status for an envelope code, 500 if unknown.
func StatusFor(code string) int {
	if s, ok := statusForCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON error envelope with the matching status
// code. Errors without an envelope in their chain become INTERNAL_ERROR,
// except context deadlines which become BACKEND_TIMEOUT.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee model.ErrorEnvelope
	if env, ok := model.AsEnvelope(err); ok {
		ee = *env
	} else if errors.Is(err, context.DeadlineExceeded) {
		ee = *model.NewBackendTimeoutError()
	} else {
		ee = *model.NewInternalError()
	}
	if r != nil {
		ee.TraceID = observability.TraceIDFromContext(r.Context())
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, StatusFor(ee.Code), errorResponse{Error: &ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, r *http.Request, msg string) {
	WriteError(w, r, model.NewNotFoundError(msg))
}
