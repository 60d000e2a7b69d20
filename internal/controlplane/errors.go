package controlplane

import (
	"errors"
	"net/http"

	"github.com/fentz26/cineflow/internal/adapters"
	"github.com/fentz26/cineflow/internal/bridge"
	"github.com/fentz26/cineflow/internal/ratelimit"
	"github.com/fentz26/cineflow/internal/relay"
	"github.com/fentz26/cineflow/internal/tasks"
	"github.com/go-playground/validator/v10"
)

// Sentinel errors for control plane operations.
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNoHistory        = errors.New("task history is not configured")
	ErrRatioUnavailable = errors.New("aspect ratio is not available")
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, tasks.ErrInvalidBatch),
		errors.Is(err, ErrRatioUnavailable),
		errors.Is(err, adapters.ErrModelDisabled),
		errors.Is(err, bridge.ErrInvalidNode),
		errors.Is(err, bridge.ErrMissingEndpoint):
		return http.StatusBadRequest
	case errors.Is(err, tasks.ErrNodeNotFound),
		errors.Is(err, tasks.ErrTaskNotFound),
		errors.Is(err, ratelimit.ErrUnknownLimiter):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrTaskInFlight),
		errors.Is(err, bridge.ErrNodeExists),
		errors.Is(err, bridge.ErrNodeDeleted):
		return http.StatusConflict
	case errors.Is(err, relay.ErrClosed),
		errors.Is(err, tasks.ErrStopped),
		errors.Is(err, ErrNoHistory):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
