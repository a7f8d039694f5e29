package api

import (
	"encoding/json"
	stdliberrors "errors"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/odvcencio/beacon/pkg/errors"
)

// parseIntDefault parses an integer with a default fallback.
func parseIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return def
}

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	respondJSONStatus(w, http.StatusOK, payload)
}

func respondJSONStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response, deriving the
// HTTP status from the error code.
func respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Code      string `json:"code,omitempty"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	var beaconErr *apperrors.Error
	if stdliberrors.As(err, &beaconErr) {
		status = statusForCode(beaconErr.Code)
		response.Code = string(beaconErr.Code)
		response.Message = beaconErr.Message
		response.Retryable = beaconErr.Retryable
	} else if err != nil {
		response.Message = err.Error()
	} else {
		response.Message = http.StatusText(status)
	}

	response.Status = status
	response.Error = response.Message

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// statusForCode maps structured error codes to HTTP statuses. Conflicts
// and invariant violations both land on 409: the request was well-formed
// but the session's current state refuses it.
func statusForCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeValidation, apperrors.ErrCodeMissingTargets, apperrors.ErrCodeConfigInvalid:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConcurrencyConflict, apperrors.ErrCodeInvariantViolation:
		return http.StatusConflict
	case apperrors.ErrCodeDownstreamUnavailable, apperrors.ErrCodeDispatchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
