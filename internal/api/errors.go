package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/veraproof/backend/internal/auth"
	"github.com/veraproof/backend/internal/branding"
	"github.com/veraproof/backend/internal/ratelimit"
	"github.com/veraproof/backend/internal/session"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. Unknown errors become
// opaque 500s; the detail stays in the server log.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, auth.ErrKeyNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, ratelimit.ErrRateLimited),
		errors.Is(err, ratelimit.ErrTooManySessions),
		errors.Is(err, ratelimit.ErrQuotaExhausted):
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: err.Error()})
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrInvalidAPIKey):
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
	case errors.Is(err, auth.ErrUserExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	case errors.Is(err, branding.ErrInvalidColor),
		errors.Is(err, branding.ErrLogoTooLarge),
		errors.Is(err, branding.ErrBadLogoType),
		errors.Is(err, session.ErrBadTransition):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func unavailable(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable,
		errorBody{Error: "this endpoint requires a database; the service is running in memory-only mode"})
}
