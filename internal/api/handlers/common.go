// Package handlers provides HTTP request handlers for the scanqueue API.
// This file contains the response, parsing and error mapping helpers shared
// by every handler.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/anstrom/scanqueue/internal/api/middleware"
	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/logging"
)

// maxRequestSize bounds request bodies. A session request carries at most a
// few thousand targets.
const maxRequestSize = 4 * 1024 * 1024

var validate = validator.New()

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetRequestID(r),
	}
	if code := errors.GetCode(err); code != errors.CodeUnknown {
		response.Code = string(code)
	}
	writeJSON(w, r, statusCode, response)
}

// statusForError maps a domain error to an HTTP status code.
func statusForError(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeValidation:
		return http.StatusBadRequest
	case errors.CodeNotFound, errors.CodeSessionNotFound:
		return http.StatusNotFound
	case errors.CodeAlreadyRunning, errors.CodeNothingToResume, errors.CodeConflict:
		return http.StatusConflict
	case errors.CodeToolNotFound, errors.CodeCanceled, errors.CodeDatabaseConnection:
		return http.StatusServiceUnavailable
	case errors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handleError logs server-side failures and writes the mapped response.
func handleError(w http.ResponseWriter, r *http.Request, logger *logging.Logger, operation string, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			"request_id", middleware.GetRequestID(r),
			"operation", operation,
			"error", err)
	}
	writeError(w, r, status, err)
}

// parseJSON decodes a size-limited JSON body and validates it against its
// struct tags.
func parseJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.NewScanError(errors.CodeValidation, "request body is empty")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.NewScanError(errors.CodeValidation,
				fmt.Sprintf("request body too large (max %d bytes)", maxRequestSize))
		}
		return errors.WrapScanError(errors.CodeValidation, "invalid JSON", err)
	}

	if err := validate.Struct(dest); err != nil {
		return errors.WrapScanError(errors.CodeValidation, "invalid request", err)
	}
	return nil
}

// pathVar extracts a non-empty URL path parameter.
func pathVar(r *http.Request, name string) (string, error) {
	value := strings.TrimSpace(mux.Vars(r)[name])
	if value == "" {
		return "", errors.NewScanError(errors.CodeValidation, fmt.Sprintf("%s not provided", name))
	}
	return value, nil
}
