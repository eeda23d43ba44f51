package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	apperrors "github.com/eigensurance/internal/errors"
	"github.com/eigensurance/internal/logging"
	"github.com/eigensurance/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError categorizes err and writes it as an error response.
// Causes are logged, never sent.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	catErr := apperrors.Categorize(err)
	logger := logging.FromContext(r.Context()).WithFields(map[string]interface{}{
		"code":   catErr.Code,
		"status": catErr.StatusCode,
	})
	if catErr.StatusCode >= http.StatusInternalServerError {
		logger.WithError(err).Error("Request failed")
	} else {
		logger.Debug(catErr.Message)
	}

	if catErr.Code == apperrors.CodeRateLimited {
		if after, ok := catErr.Details["retryAfter"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(after))
		}
	}
	writeError(w, catErr.StatusCode, catErr.ToServiceError())
}

func writeError(w http.ResponseWriter, statusCode int, svcErr *types.ServiceError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: *svcErr})
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

const maxJSONBody = 4 << 20

// parseJSONBody parses a JSON request body, rejecting unknown fields.
func parseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	decoder.DisallowUnknownFields()
	return decodeBody(decoder, v)
}

// parseLenientJSONBody parses a JSON request body, ignoring unknown fields.
// Chat clients attach UI-only fields to messages.
func parseLenientJSONBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	return decodeBody(json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)), v)
}

func decodeBody(decoder *json.Decoder, v interface{}) error {
	if err := decoder.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.NewInvalidInputError("request body too large")
		}
		return apperrors.NewInvalidInputError("invalid request body")
	}
	return nil
}
