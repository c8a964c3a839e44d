package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/localvercel/api/internal/repository"
	"github.com/splax/localvercel/api/internal/service/deploy"
	"github.com/splax/localvercel/api/internal/service/function"
	"github.com/splax/localvercel/api/internal/service/project"
	"github.com/splax/localvercel/api/internal/service/webhook"
)

// Error categories reported alongside messages.
const (
	categoryNotFound     = "not_found"
	categoryInvalid      = "invalid_argument"
	categoryConflict     = "conflict"
	categoryUnauthorized = "unauthorized"
	categoryUnavailable  = "unavailable"
	categoryInternal     = "internal"
)

type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, category, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Category: category})
}

// statusFor maps service errors onto HTTP statuses and categories.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, categoryNotFound
	case errors.Is(err, repository.ErrConflict):
		return http.StatusConflict, categoryConflict
	case errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusUnauthorized, categoryUnauthorized
	case errors.Is(err, deploy.ErrInvalidArgument),
		errors.Is(err, project.ErrInvalidArgument),
		errors.Is(err, function.ErrInvalidArgument),
		errors.Is(err, webhook.ErrInvalidPayload):
		return http.StatusBadRequest, categoryInvalid
	case errors.Is(err, deploy.ErrEnqueue),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, categoryUnavailable
	default:
		return http.StatusInternalServerError, categoryInternal
	}
}

// writeServiceError logs unexpected failures and writes the mapped response.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	status, category := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		msg = "internal error"
	}
	writeError(w, status, category, msg)
}

func decodeJSON(w http.ResponseWriter, req *http.Request, v any) bool {
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, categoryInvalid, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, categoryInvalid, "invalid JSON body")
		return false
	}
	return true
}
