package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/timing-engine/pkg/logger"
)

// Response is the envelope every endpoint answers with.
type Response struct {
	Status string      `json:"status"` // "success" or "error"
	Data   interface{} `json:"data,omitempty"`
	Meta   Meta        `json:"meta"`
	Error  *Error      `json:"error,omitempty"`
}

// Meta carries response metadata.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	// Degraded is set when the answer was computed without learned
	// adjustments or stored history because persistence was unavailable.
	Degraded bool `json:"degraded,omitempty"`
}

// Error is the machine-readable error payload.
type Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Error codes used across endpoints.
const (
	errCodeBadRequest       = "BAD_REQUEST"
	errCodeValidationFailed = "VALIDATION_FAILED"
	errCodeNotFound         = "NOT_FOUND"
	errCodeConflict         = "CONFLICT"
	errCodeConfiguration    = "CONFIGURATION_ERROR"
	errCodeTooManyRequests  = "TOO_MANY_REQUESTS"
	errCodeInternal         = "INTERNAL_ERROR"
)

var responseLog = logger.Nop()

// SetResponseLogger routes response-layer warnings through the app logger.
func SetResponseLogger(log *logger.Logger) {
	responseLog = log.WithComponent("api")
}

// respondJSON writes the envelope with proper headers.
func respondJSON(w http.ResponseWriter, status int, resp *Response) {
	if resp.Meta.Timestamp.IsZero() {
		resp.Meta.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(resp)
	if err != nil {
		responseLog.Error().Err(err).Msg("Failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		responseLog.Warn().Err(err).Msg("Failed to write response")
	}
}

// respondSuccess wraps data in a success envelope.
func respondSuccess(w http.ResponseWriter, status int, data interface{}) {
	respondJSON(w, status, &Response{Status: "success", Data: data})
}

// respondDegradable is respondSuccess with the degraded marker.
func respondDegradable(w http.ResponseWriter, status int, data interface{}, degraded bool) {
	respondJSON(w, status, &Response{
		Status: "success",
		Data:   data,
		Meta:   Meta{Degraded: degraded},
	})
}

// respondError writes an error envelope and logs the underlying cause.
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		responseLog.Warn().Str("code", code).Err(err).Msg("Request failed")
	}
	respondJSON(w, status, &Response{
		Status: "error",
		Error:  &Error{Code: code, Message: message},
	})
}

// respondValidation writes a 400 carrying per-field validation details.
func respondValidation(w http.ResponseWriter, details []string) {
	respondJSON(w, http.StatusBadRequest, &Response{
		Status: "error",
		Error: &Error{
			Code:    errCodeValidationFailed,
			Message: "request failed validation",
			Details: details,
		},
	})
}
