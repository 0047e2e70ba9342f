package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/neuroclass/ncc/internal/auth"
	"github.com/neuroclass/ncc/internal/device"
	"github.com/neuroclass/ncc/internal/report"
	"github.com/neuroclass/ncc/internal/stats"
	"github.com/neuroclass/ncc/internal/telemetry"
)

// API-layer errors for transport conditions.
var (
	ErrBadRequest  = errors.New("BAD_REQUEST")
	ErrUnavailable = errors.New("UNAVAILABLE")
)

type errorMapping struct {
	targets []error
	status  int
	code    string
	message string
}

var errorMappings = []errorMapping{
	{[]error{auth.ErrMissingToken, auth.ErrInvalidToken}, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required"},
	{[]error{auth.ErrForbidden}, http.StatusForbidden, "FORBIDDEN", "Insufficient permissions"},
	{[]error{stats.ErrInvalidThresholds}, http.StatusBadRequest, "INVALID_RANGE", "Thresholds must satisfy 0 <= low <= high <= 100"},
	{[]error{
		ErrBadRequest,
		telemetry.ErrInvalidSession,
		telemetry.ErrInvalidRole,
		stats.ErrInvalidSession,
		device.ErrInvalidIdentity,
	}, http.StatusBadRequest, "BAD_REQUEST", "Malformed or missing required parameter"},
	{[]error{
		telemetry.ErrUnknownSession,
		telemetry.ErrUnknownHandle,
		stats.ErrUnknownSession,
		report.ErrNotFound,
	}, http.StatusNotFound, "NOT_FOUND", "Resource not found"},
	{[]error{
		stats.ErrFinalized,
		telemetry.ErrDuplicateHandle,
		device.ErrProducerBusy,
		report.ErrNotFinalized,
	}, http.StatusConflict, "CONFLICT", ""},
	{[]error{ErrUnavailable, telemetry.ErrHubStopped, device.ErrClosed}, http.StatusServiceUnavailable, "UNAVAILABLE", "Service unavailable"},
}

// ToAPIError converts an error to an HTTP status code and JSON body.
func ToAPIError(err error) (int, []byte) {
	if err == nil {
		return http.StatusOK, nil
	}

	for _, m := range errorMappings {
		for _, target := range m.targets {
			if !errors.Is(err, target) {
				continue
			}
			message := m.message
			if message == "" {
				message = err.Error()
			}
			return m.status, marshalErrorResponse(m.code, message, nil)
		}
	}

	return http.StatusInternalServerError, marshalErrorResponse("INTERNAL", "Internal server error", map[string]interface{}{
		"original": err.Error(),
	})
}

// marshalErrorResponse creates a JSON error response with correlation ID.
func marshalErrorResponse(code, message string, details interface{}) []byte {
	body, err := json.Marshal(errorEnvelope(code, message, details))
	if err != nil {
		fallback := map[string]interface{}{
			"result":        "error",
			"code":          "INTERNAL",
			"message":       "Failed to marshal error response",
			"correlationId": generateCorrelationID(),
		}
		body, _ = json.Marshal(fallback)
	}
	return body
}
