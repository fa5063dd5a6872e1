package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ternarybob/papyrus/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// StatusForKind maps a pipeline error classification to its HTTP status.
// Kinds that never surface at the edge fall through to 500.
func StatusForKind(kind models.ErrorKind) int {
	switch kind {
	case models.ErrInvalidInput, models.ErrCorruptInput:
		return http.StatusBadRequest
	case models.ErrInsufficientCredits:
		return http.StatusPaymentRequired
	case models.ErrNotFound:
		return http.StatusNotFound
	case models.ErrSessionExpired:
		return http.StatusGone
	case models.ErrCancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// WriteKindError maps a classified error onto the wire. Client errors carry
// the underlying message; server errors are reduced to a generic line so
// internals stay in the logs.
func WriteKindError(w http.ResponseWriter, err error) error {
	kind := models.KindOf(err)
	status := StatusForKind(kind)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		message = "internal error"
	}

	body := map[string]string{
		"status": "error",
		"error":  message,
	}
	if kind != "" {
		body["kind"] = string(kind)
	}
	return WriteJSON(w, status, body)
}

// userIDFromRequest resolves the caller identity. Authentication lives in a
// fronting proxy that injects X-User-ID; local runs without one map to the
// anonymous user.
func userIDFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-User-ID")); id != "" {
		return id
	}
	return "anonymous"
}

// pathSegment returns the path element at index after trimming the leading
// and trailing slashes: pathSegment("/api/sessions/ses_1/status", 2) = "ses_1".
func pathSegment(path string, index int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if index < 0 || index >= len(parts) {
		return ""
	}
	return parts[index]
}
