package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	apperrors "github.com/ark-custody/internal/errors"
	"github.com/ark-custody/internal/logging"
	"github.com/ark-custody/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// Codes for failures detected before the core is reached
const (
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeUnavailable  = "SERVICE_UNAVAILABLE"
)

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondServiceError maps a core error to its HTTP status. Server side
// failures are logged with their cause and reported without it.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	svcErr := catErr.ToServiceError()

	if apperrors.IsSystemError(catErr) {
		logging.FromContext(r.Context()).WithFields(map[string]interface{}{
			"code":   catErr.Code,
			"method": r.Method,
			"path":   r.URL.Path,
		}).ErrorWithErr("Request failed", err)
		if catErr.Kind == apperrors.KindInternal {
			svcErr.Message = "An internal error occurred"
			svcErr.Details = nil
		}
	}

	if catErr.Code == apperrors.CodeRateLimitExceeded {
		if retry, ok := catErr.Details["retryAfter"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(retry))
		}
	}

	respondError(w, apperrors.GetHTTPStatusCode(catErr), svcErr.Code, svcErr.Message, svcErr.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseJSONBody parses JSON request body.
func parseJSONBody(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
